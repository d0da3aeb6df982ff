package resilience

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// ErrEndpointOpen reports a call rejected fast because the endpoint's
// circuit breaker is open
var ErrEndpointOpen = errors.New("endpoint circuit breaker is open")

// Unavailable is returned when an endpoint's retry budget is exhausted or
// its breaker is open. The Data Service, not this layer, decides whether a
// fallback value substitutes for the missing signal.
type Unavailable struct {
	Endpoint string
	Last     error
}

func (e *Unavailable) Error() string {
	return fmt.Sprintf("endpoint %s unavailable: %v", e.Endpoint, e.Last)
}

func (e *Unavailable) Unwrap() error {
	return e.Last
}

// IsBreakerErr reports whether err is a breaker rejection rather than a
// failure of the wrapped call
func IsBreakerErr(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, ErrEndpointOpen)
}
