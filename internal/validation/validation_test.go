package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/shortside/locatefee/internal/pricing"
)

func validRequest() *pricing.CalculationRequest {
	return &pricing.CalculationRequest{
		Ticker:        "AAPL",
		PositionValue: decimal.NewFromInt(100000),
		LoanDays:      30,
		ClientID:      "hf-001",
	}
}

func TestValidateCalculationRequest_Valid(t *testing.T) {
	errs := ValidateCalculationRequest(validRequest(), 90)
	assert.False(t, errs.HasErrors())
}

func TestValidateCalculationRequest_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*pricing.CalculationRequest)
		field  string
	}{
		{"empty ticker", func(r *pricing.CalculationRequest) { r.Ticker = "" }, "ticker"},
		{"lowercase ticker", func(r *pricing.CalculationRequest) { r.Ticker = "aapl" }, "ticker"},
		{"ticker too long", func(r *pricing.CalculationRequest) { r.Ticker = "ABCDEFGHIJK" }, "ticker"},
		{"ticker with digits", func(r *pricing.CalculationRequest) { r.Ticker = "AAPL1" }, "ticker"},
		{"zero position", func(r *pricing.CalculationRequest) { r.PositionValue = decimal.Zero }, "position_value"},
		{"negative position", func(r *pricing.CalculationRequest) { r.PositionValue = decimal.NewFromInt(-1) }, "position_value"},
		{"zero loan days", func(r *pricing.CalculationRequest) { r.LoanDays = 0 }, "loan_days"},
		{"negative loan days", func(r *pricing.CalculationRequest) { r.LoanDays = -5 }, "loan_days"},
		{"loan days over horizon", func(r *pricing.CalculationRequest) { r.LoanDays = 91 }, "loan_days"},
		{"empty client", func(r *pricing.CalculationRequest) { r.ClientID = "" }, "client_id"},
		{"client with spaces", func(r *pricing.CalculationRequest) { r.ClientID = "hf 001" }, "client_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			errs := ValidateCalculationRequest(req, 90)
			assert.True(t, errs.HasErrors())
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestValidateCalculationRequest_CollectsAllErrors(t *testing.T) {
	req := &pricing.CalculationRequest{}
	errs := ValidateCalculationRequest(req, 0)
	assert.GreaterOrEqual(t, len(errs), 3)
}

func TestValidateBrokerConfig(t *testing.T) {
	cfg := &pricing.BrokerConfig{
		ClientID:            "hf-001",
		MarkupPercent:       decimal.NewFromInt(7),
		TransactionFeeType:  pricing.FeeTypeFlat,
		TransactionFeeValue: decimal.NewFromInt(25),
	}
	assert.False(t, ValidateBrokerConfig(cfg).HasErrors())

	cfg.TransactionFeeType = "TIERED"
	cfg.MarkupPercent = decimal.NewFromInt(-1)
	errs := ValidateBrokerConfig(cfg)
	assert.Len(t, errs, 2)
}

func TestSanitizeTicker(t *testing.T) {
	assert.Equal(t, "AAPL", SanitizeTicker("  aapl "))
	assert.Equal(t, "GME", SanitizeTicker("gme"))
}
