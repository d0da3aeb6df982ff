package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server exposes the Prometheus scrape endpoint on its own port, separate
// from the API listener so scrapes survive API saturation.
type Server struct {
	addr   string
	server *http.Server
	log    zerolog.Logger
}

// NewServer creates a metrics server listening on the given port
func NewServer(port int, log zerolog.Logger) *Server {
	return &Server{
		addr: fmt.Sprintf(":%d", port),
		log:  log.With().Str("component", "metrics_server").Logger(),
	}
}

// Start begins serving /metrics and /health in the background
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown stops the metrics server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	s.log.Info().Msg("Metrics server stopped")
	return nil
}
