// Package resilience wraps outbound provider calls with, in order, a
// per-attempt timeout, bounded jittered retries and a per-endpoint circuit
// breaker.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/shortside/locatefee/internal/metrics"
)

// EndpointSettings holds the resilience knobs for a single endpoint
type EndpointSettings struct {
	FailureThreshold uint32        // consecutive failures that trip the breaker
	RecoveryTimeout  time.Duration // how long the breaker stays open
	HalfOpenProbes   uint32        // probes admitted half-open; closing needs this many consecutive successes
	AttemptTimeout   time.Duration // hard deadline per attempt
	Retry            RetryConfig
	MaxConcurrent    int     // concurrent in-flight cap, separate from the breaker
	RateLimit        float64 // requests per second to the endpoint, 0 = unlimited
}

// DefaultEndpointSettings returns the standard per-endpoint configuration:
// trip after 5 consecutive failures, stay open 60s, close after 3 half-open
// successes, 1s per attempt.
func DefaultEndpointSettings() EndpointSettings {
	return EndpointSettings{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenProbes:   3,
		AttemptTimeout:   time.Second,
		Retry:            DefaultRetryConfig(),
		MaxConcurrent:    32,
	}
}

// endpoint bundles the breaker and limits for one upstream
type endpoint struct {
	name     string
	breaker  *gobreaker.CircuitBreaker
	sem      chan struct{}
	limiter  *rate.Limiter
	settings EndpointSettings
}

// Executor manages per-endpoint breakers and executes wrapped calls
type Executor struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

// NewExecutor creates an executor with the given per-endpoint settings
func NewExecutor(settings map[string]EndpointSettings) *Executor {
	e := &Executor{endpoints: make(map[string]*endpoint, len(settings))}
	for name, s := range settings {
		e.register(name, s)
	}
	return e
}

func (e *Executor) register(name string, s EndpointSettings) {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.HalfOpenProbes == 0 {
		s.HalfOpenProbes = 1
	}
	if s.AttemptTimeout == 0 {
		s.AttemptTimeout = time.Second
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 32
	}

	ep := &endpoint{
		name:     name,
		sem:      make(chan struct{}, s.MaxConcurrent),
		settings: s,
	}
	if s.RateLimit > 0 {
		ep.limiter = rate.NewLimiter(rate.Limit(s.RateLimit), int(s.RateLimit)+1)
	}

	ep.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenProbes,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	metrics.BreakerState.WithLabelValues(name).Set(stateValue(ep.breaker.State()))

	e.mu.Lock()
	e.endpoints[name] = ep
	e.mu.Unlock()
}

func (e *Executor) get(name string) *endpoint {
	e.mu.RLock()
	ep, ok := e.endpoints[name]
	e.mu.RUnlock()
	if ok {
		return ep
	}
	e.register(name, DefaultEndpointSettings())
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.endpoints[name]
}

// Do executes fn against an endpoint with the full resilience stack. On
// final failure the caller receives *Unavailable wrapping the last error;
// breaker rejections surface as ErrEndpointOpen inside it.
func (e *Executor) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ep := e.get(name)

	select {
	case ep.sem <- struct{}{}:
		defer func() { <-ep.sem }()
	case <-ctx.Done():
		return &Unavailable{Endpoint: name, Last: ctx.Err()}
	}

	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return &Unavailable{Endpoint: name, Last: err}
		}
	}

	start := time.Now()
	_, err := ep.breaker.Execute(func() (interface{}, error) {
		return nil, WithRetry(ctx, name, ep.settings.Retry, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, ep.settings.AttemptTimeout)
			defer cancel()
			return fn(attemptCtx)
		})
	})
	metrics.RecordUpstream(name, err, float64(time.Since(start).Milliseconds()))

	if err == nil {
		return nil
	}
	if IsBreakerErr(err) {
		return &Unavailable{Endpoint: name, Last: ErrEndpointOpen}
	}
	return &Unavailable{Endpoint: name, Last: err}
}

// State returns the breaker state name for an endpoint
func (e *Executor) State(name string) string {
	ep := e.get(name)
	return stateName(ep.breaker.State())
}

// States returns every endpoint's breaker state, for the health surface
func (e *Executor) States() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	states := make(map[string]string, len(e.endpoints))
	for name, ep := range e.endpoints {
		states[name] = stateName(ep.breaker.State())
	}
	return states
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
