// Package providers contains the typed HTTP clients for the three external
// market data sources: SecLend (borrow rates), Market (volatility / VIX) and
// Event (corporate event risk).
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shortside/locatefee/internal/resilience"
)

type ctxKey int

const correlationIDKey ctxKey = iota

// WithCorrelationID attaches a correlation ID to the context; it is sent to
// every provider as the X-Correlation-ID header.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the context's correlation ID, minting one if absent
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// APIError is a non-2xx provider response. 429 and 5xx are transient and
// wrapped accordingly by the transport before they reach the retry layer.
type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Status, e.Body)
}

// transport is the shared HTTP helper for all three clients
type transport struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	endpoint string // bounded metric/log label
}

func newTransport(baseURL, apiKey, endpoint string) *transport {
	return &transport{
		// Per-attempt deadlines come from the resilience layer's context;
		// the client timeout is only a backstop.
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		endpoint: endpoint,
	}
}

// getJSON performs a GET and decodes the response into out. Network errors,
// 429 and 5xx come back wrapped as transient; other non-2xx statuses are
// terminal *APIError values.
func (t *transport) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", CorrelationID(ctx))
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &resilience.TransientError{Err: fmt.Errorf("%s: %w", t.endpoint, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr := &APIError{Endpoint: t.endpoint, Status: resp.StatusCode, Body: string(body)}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &resilience.TransientError{Err: apiErr}
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Warn().
			Err(err).
			Str("endpoint", t.endpoint).
			Str("path", path).
			Msg("Failed to decode provider response")
		return fmt.Errorf("%s: decode response: %w", t.endpoint, err)
	}

	return nil
}

// statusOf extracts the HTTP status from an error chain, 0 if absent
func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
