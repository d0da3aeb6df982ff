// Package validation collects request validation for the API surface.
// Validators accumulate field errors so a response can report every problem
// at once rather than the first one found.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/pricing"
)

// tickerRegex accepts 1-10 uppercase letters, the symbology used across the
// provider APIs
var tickerRegex = regexp.MustCompile(`^[A-Z]{1,10}$`)

// clientIDRegex keeps client identifiers to a safe, bounded character set
var clientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ValidationError represents a single field error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator accumulates field errors
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// AddError adds a validation error
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// Errors returns all validation errors
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Required validates that a string is not empty
func (v *Validator) Required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
	}
}

// MaxLength validates maximum string length
func (v *Validator) MaxLength(field, value string, max int) {
	if len(value) > max {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

// OneOf validates that a value is one of the allowed values
func (v *Validator) OneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}

// Ticker validates security ticker format
func (v *Validator) Ticker(field, value string) {
	if !tickerRegex.MatchString(value) {
		v.AddError(field, "must be 1-10 uppercase letters")
	}
}

// ClientID validates a client identifier
func (v *Validator) ClientID(field, value string) {
	if !clientIDRegex.MatchString(value) {
		v.AddError(field, "must be 1-64 characters from [a-zA-Z0-9._-]")
	}
}

// PositiveDecimal validates that a decimal is strictly positive
func (v *Validator) PositiveDecimal(field string, value decimal.Decimal) {
	if !value.IsPositive() {
		v.AddError(field, "must be positive")
	}
}

// NonNegativeDecimal validates that a decimal is zero or greater
func (v *Validator) NonNegativeDecimal(field string, value decimal.Decimal) {
	if value.IsNegative() {
		v.AddError(field, "must be non-negative")
	}
}

// PositiveInt validates that an integer is strictly positive
func (v *Validator) PositiveInt(field string, value int) {
	if value <= 0 {
		v.AddError(field, "must be positive")
	}
}

// MaxInt validates an integer upper bound
func (v *Validator) MaxInt(field string, value, max int) {
	if value > max {
		v.AddError(field, fmt.Sprintf("must be at most %d", max))
	}
}

// ValidateCalculationRequest checks a fee calculation request. MaxLoanDays
// bounds the tenor to the event calendar horizon; zero means no bound.
func ValidateCalculationRequest(req *pricing.CalculationRequest, maxLoanDays int) ValidationErrors {
	v := NewValidator()
	v.Required("ticker", req.Ticker)
	if req.Ticker != "" {
		v.Ticker("ticker", req.Ticker)
	}
	v.PositiveDecimal("position_value", req.PositionValue)
	v.PositiveInt("loan_days", req.LoanDays)
	if maxLoanDays > 0 {
		v.MaxInt("loan_days", req.LoanDays, maxLoanDays)
	}
	v.Required("client_id", req.ClientID)
	if req.ClientID != "" {
		v.ClientID("client_id", req.ClientID)
	}
	return v.Errors()
}

// ValidateBrokerConfig checks an admin broker config write
func ValidateBrokerConfig(cfg *pricing.BrokerConfig) ValidationErrors {
	v := NewValidator()
	v.Required("client_id", cfg.ClientID)
	if cfg.ClientID != "" {
		v.ClientID("client_id", cfg.ClientID)
	}
	v.NonNegativeDecimal("markup_percent", cfg.MarkupPercent)
	if !cfg.TransactionFeeType.Valid() {
		v.AddError("transaction_fee_type", "must be FLAT or PERCENTAGE")
	}
	v.NonNegativeDecimal("transaction_fee_value", cfg.TransactionFeeValue)
	v.NonNegativeDecimal("min_rate_override", cfg.MinRateOverride)
	v.MaxLength("rate_limit_tier", cfg.RateLimitTier, 32)
	return v.Errors()
}

// SanitizeTicker normalizes a ticker from path or payload input
func SanitizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
