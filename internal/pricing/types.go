package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// BorrowStatus classifies how hard a security is to locate
type BorrowStatus string

const (
	BorrowStatusEasy   BorrowStatus = "EASY"
	BorrowStatusMedium BorrowStatus = "MEDIUM"
	BorrowStatusHard   BorrowStatus = "HARD"
)

// Valid reports whether the status is one of the known classifications
func (s BorrowStatus) Valid() bool {
	switch s {
	case BorrowStatusEasy, BorrowStatusMedium, BorrowStatusHard:
		return true
	}
	return false
}

// FeeType determines how the transaction fee is computed
type FeeType string

const (
	FeeTypeFlat       FeeType = "FLAT"
	FeeTypePercentage FeeType = "PERCENTAGE"
)

// Valid reports whether the fee type is recognized
func (t FeeType) Valid() bool {
	return t == FeeTypeFlat || t == FeeTypePercentage
}

// BrokerConfig holds the per-client commercial terms applied on top of the
// raw borrow cost. MinRateOverride is zero when the broker has no override.
type BrokerConfig struct {
	ClientID            string          `json:"client_id"`
	MarkupPercent       decimal.Decimal `json:"markup_percent"`
	TransactionFeeType  FeeType         `json:"transaction_fee_type"`
	TransactionFeeValue decimal.Decimal `json:"transaction_fee_value"`
	MinRateOverride     decimal.Decimal `json:"min_rate_override"`
	RateLimitTier       string          `json:"rate_limit_tier"`
	Active              bool            `json:"active"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// SourceFlag records the provenance of a signal used in a calculation
type SourceFlag string

const (
	SourceLive     SourceFlag = "LIVE"
	SourceCached   SourceFlag = "CACHED"
	SourceFallback SourceFlag = "FALLBACK"
)

// DataSources tags each signal in a breakdown with its provenance
type DataSources struct {
	Borrow     SourceFlag `json:"borrow"`
	Volatility SourceFlag `json:"volatility"`
	Event      SourceFlag `json:"event"`
}

// CalculationRequest is the input to a locate fee calculation
type CalculationRequest struct {
	Ticker        string          `json:"ticker"`
	PositionValue decimal.Decimal `json:"position_value"`
	LoanDays      int             `json:"loan_days"`
	ClientID      string          `json:"client_id"`
}

// SignalBundle is the set of market signals backing one calculation,
// tagged with the provenance of each signal.
type SignalBundle struct {
	Ticker       string          `json:"ticker"`
	BorrowRate   decimal.Decimal `json:"borrow_rate"`
	BorrowStatus BorrowStatus    `json:"borrow_status"`
	Volatility   decimal.Decimal `json:"volatility"`
	EventRisk    int             `json:"event_risk"`
	Sources      DataSources     `json:"sources"`
	RetrievedAt  time.Time       `json:"retrieved_at"`
}

// FeeBreakdown is the full result of a locate fee calculation.
// All monetary components are rounded exactly once to the configured scale;
// TotalFee is the sum of the three rounded components.
type FeeBreakdown struct {
	Ticker         string          `json:"ticker"`
	ClientID       string          `json:"client_id"`
	PositionValue  decimal.Decimal `json:"position_value"`
	LoanDays       int             `json:"loan_days"`
	BorrowRateUsed decimal.Decimal `json:"borrow_rate_used"`
	TimeFactor     decimal.Decimal `json:"time_factor"`
	BorrowCost     decimal.Decimal `json:"borrow_cost"`
	MarkupAmount   decimal.Decimal `json:"markup_amount"`
	TransactionFee decimal.Decimal `json:"transaction_fee"`
	TotalFee       decimal.Decimal `json:"total_fee"`
	Currency       string          `json:"currency"`
	DataSources    DataSources     `json:"data_sources"`
	CalculatedAt   time.Time       `json:"calculated_at"`
}
