package pricing

import "fmt"

// DomainError reports an input outside the kernel's declared domain.
// It maps to a 4xx-equivalent at the API surface.
type DomainError struct {
	Field  string
	Reason string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("domain error: %s: %s", e.Field, e.Reason)
}

func domainErr(field, reason string) *DomainError {
	return &DomainError{Field: field, Reason: reason}
}
