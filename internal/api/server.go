// Package api exposes the locate fee service over HTTP: the calculation
// endpoint, borrow rate lookup, health and the admin configuration surface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shortside/locatefee/internal/configstore"
	"github.com/shortside/locatefee/internal/fees"
	"github.com/shortside/locatefee/internal/metrics"
	"github.com/shortside/locatefee/internal/providers"
)

// Server represents the REST API server
type Server struct {
	router *gin.Engine
	fees   *fees.Service
	config *configstore.Store
	addr   string
	server *http.Server
}

// Config contains server configuration
type Config struct {
	Host            string
	Port            int
	RequestDeadline time.Duration
	Fees            *fees.Service
	Config          *configstore.Store
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	if config.RequestDeadline <= 0 {
		config.RequestDeadline = 5 * time.Second
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(DeadlineMiddleware(config.RequestDeadline))
	router.Use(LoggerMiddleware())
	router.Use(MetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	server := &Server{
		router: router,
		fees:   config.Fees,
		config: config.Config,
		addr:   fmt.Sprintf("%s:%d", config.Host, config.Port),
	}

	server.setupRoutes()

	return server
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// RequestIDMiddleware assigns each request a correlation ID, honoring one
// supplied by the caller. The ID flows through the request context to every
// provider call and comes back in the response headers.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}

		ctx := providers.WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)

		c.Next()
	}
}

// DeadlineMiddleware caps every request at the overall deadline. Downstream
// provider fetches, cache operations and the audit enqueue all inherit the
// remaining budget through the request context, so no single slow dependency
// can hold a request past it.
func DeadlineMiddleware(deadline time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), deadline)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP).
			Str("request_id", c.Writer.Header().Get("X-Request-ID"))

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}

// MetricsMiddleware records request latency per route template
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
			float64(time.Since(start).Milliseconds()),
		)
	}
}
