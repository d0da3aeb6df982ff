package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shortside/locatefee/internal/metrics"
)

// RetryConfig configures retry behavior for upstream calls
type RetryConfig struct {
	MaxAttempts    int           // total attempts, including the first
	InitialBackoff time.Duration // backoff ceiling before the first retry
	MaxBackoff     time.Duration // backoff ceiling cap
	BackoffFactor  float64       // multiplier for the exponential ceiling
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

// TransientError marks an error as retryable. Provider clients wrap 5xx and
// 429 responses and network failures with it.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error belongs to the retryable class:
// network errors, timeouts and explicitly marked transient failures.
// Context cancellation from the caller is never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// WithRetry executes an operation with exponential backoff and full jitter.
// Each wait is drawn uniformly from [0, ceiling); the ceiling grows by
// BackoffFactor per attempt up to MaxBackoff.
func WithRetry(ctx context.Context, endpoint string, cfg RetryConfig, operation func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	ceiling := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Upstream call succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsTransient(err) {
			log.Debug().
				Err(err).
				Str("endpoint", endpoint).
				Msg("Error is not retryable, aborting")
			return err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := time.Duration(rand.Int63n(int64(ceiling) + 1))
		metrics.RetriesTotal.WithLabelValues(endpoint).Inc()
		log.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", wait).
			Msg("Upstream call failed, retrying with jittered backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}

		ceiling = time.Duration(float64(ceiling) * cfg.BackoffFactor)
		if ceiling > cfg.MaxBackoff {
			ceiling = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("upstream call failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
