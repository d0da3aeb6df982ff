package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Constants holds the process-wide formula parameters. They are loaded once
// from configuration at startup and are not live-reloadable.
type Constants struct {
	Scale             int32           // decimal scale for monetary components
	DaysInYear        decimal.Decimal // time proration denominator
	VolFactor         decimal.Decimal // volatility adjustment coefficient
	EventFactor       decimal.Decimal // event risk adjustment coefficient
	GlobalMinRate     decimal.Decimal // system-wide borrow rate floor
	DefaultVolatility decimal.Decimal // substituted when volatility is unavailable
	Currency          string
}

// DefaultConstants returns the standard formula parameters: scale 4,
// 365-day year, VOL_FACTOR 0.01, EVENT_FACTOR 0.005.
func DefaultConstants() Constants {
	return Constants{
		Scale:             4,
		DaysInYear:        decimal.NewFromInt(365),
		VolFactor:         decimal.RequireFromString("0.01"),
		EventFactor:       decimal.RequireFromString("0.005"),
		GlobalMinRate:     decimal.RequireFromString("0.0025"),
		DefaultVolatility: decimal.RequireFromString("20"),
		Currency:          "USD",
	}
}

// Kernel computes the borrow rate and fee breakdown. It is pure: the same
// inputs always produce the same outputs, and it never touches I/O.
type Kernel struct {
	consts Constants
}

// NewKernel creates a kernel with the given constants
func NewKernel(consts Constants) *Kernel {
	return &Kernel{consts: consts}
}

// Constants returns the kernel's formula parameters
func (k *Kernel) Constants() Constants {
	return k.consts
}

var (
	maxEventRisk = decimal.NewFromInt(10)
	one          = decimal.NewFromInt(1)
)

// AdjustBorrowRate applies volatility and event risk adjustments to the base
// rate and floors the result at the effective minimum rate:
//
//	adjusted = base × (1 + vol × VOL_FACTOR + event × EVENT_FACTOR)
//
// The adjusted rate is kept at full precision; rounding happens only on the
// monetary components derived from it.
func (k *Kernel) AdjustBorrowRate(baseRate, volatilityIndex, eventRisk, effectiveMin decimal.Decimal) (decimal.Decimal, error) {
	if baseRate.IsNegative() {
		return decimal.Zero, domainErr("base_rate", "must not be negative")
	}
	if volatilityIndex.IsNegative() {
		return decimal.Zero, domainErr("volatility_index", "must not be negative")
	}
	if eventRisk.IsNegative() || eventRisk.GreaterThan(maxEventRisk) {
		return decimal.Zero, domainErr("event_risk_factor", "must be within 0..10")
	}
	if effectiveMin.IsNegative() {
		return decimal.Zero, domainErr("min_rate", "must not be negative")
	}

	multiplier := one.
		Add(volatilityIndex.Mul(k.consts.VolFactor)).
		Add(eventRisk.Mul(k.consts.EventFactor))
	adjusted := baseRate.Mul(multiplier)

	if adjusted.LessThan(effectiveMin) {
		return effectiveMin, nil
	}
	return adjusted, nil
}

// EffectiveMinRate resolves the borrow rate floor for a calculation. The
// precedence is: the highest of the global floor, the broker's override and
// the per-ticker minimum wins. A nil-equivalent (zero) input simply does not
// raise the floor.
func (k *Kernel) EffectiveMinRate(brokerOverride, tickerMin decimal.Decimal) decimal.Decimal {
	min := k.consts.GlobalMinRate
	if brokerOverride.GreaterThan(min) {
		min = brokerOverride
	}
	if tickerMin.GreaterThan(min) {
		min = tickerMin
	}
	return min
}

// TimeFactor returns loan_days / DAYS_IN_YEAR at full precision
func (k *Kernel) TimeFactor(loanDays int) (decimal.Decimal, error) {
	if loanDays <= 0 {
		return decimal.Zero, domainErr("loan_days", "must be positive")
	}
	return decimal.NewFromInt(int64(loanDays)).Div(k.consts.DaysInYear), nil
}

// ComputeBorrowCost prorates the adjusted rate over the loan tenor:
//
//	cost = position_value × rate × loan_days / DAYS_IN_YEAR
//
// rounded once to the configured scale with banker's rounding.
func (k *Kernel) ComputeBorrowCost(positionValue, rate decimal.Decimal, loanDays int) (decimal.Decimal, error) {
	if !positionValue.IsPositive() {
		return decimal.Zero, domainErr("position_value", "must be positive")
	}
	if rate.IsNegative() {
		return decimal.Zero, domainErr("borrow_rate", "must not be negative")
	}
	if loanDays <= 0 {
		return decimal.Zero, domainErr("loan_days", "must be positive")
	}
	cost := positionValue.
		Mul(rate).
		Mul(decimal.NewFromInt(int64(loanDays))).
		Div(k.consts.DaysInYear)
	return cost.RoundBank(k.consts.Scale), nil
}

// ComputeMarkup applies the broker markup to the rounded borrow cost
func (k *Kernel) ComputeMarkup(borrowCost, markupPercent decimal.Decimal) (decimal.Decimal, error) {
	if markupPercent.IsNegative() {
		return decimal.Zero, domainErr("markup_percent", "must not be negative")
	}
	return borrowCost.Mul(markupPercent).RoundBank(k.consts.Scale), nil
}

// ComputeTransactionFee computes the flat or percentage surcharge
func (k *Kernel) ComputeTransactionFee(feeType FeeType, feeValue, positionValue decimal.Decimal) (decimal.Decimal, error) {
	if feeValue.IsNegative() {
		return decimal.Zero, domainErr("transaction_fee_value", "must not be negative")
	}
	switch feeType {
	case FeeTypeFlat:
		return feeValue.RoundBank(k.consts.Scale), nil
	case FeeTypePercentage:
		return positionValue.Mul(feeValue).RoundBank(k.consts.Scale), nil
	default:
		return decimal.Zero, domainErr("transaction_fee_type", "unknown fee type")
	}
}

// BreakdownInput carries everything AssembleBreakdown needs
type BreakdownInput struct {
	Ticker          string
	ClientID        string
	PositionValue   decimal.Decimal
	LoanDays        int
	BaseRate        decimal.Decimal
	VolatilityIndex decimal.Decimal
	EventRisk       decimal.Decimal
	BrokerMinRate   decimal.Decimal
	TickerMinRate   decimal.Decimal
	MarkupPercent   decimal.Decimal
	FeeType         FeeType
	FeeValue        decimal.Decimal
	DataSources     DataSources
	CalculatedAt    time.Time
}

// AssembleBreakdown runs the full formula pipeline and returns the breakdown.
// The additivity invariant holds by construction: TotalFee is the exact sum
// of the three once-rounded components.
func (k *Kernel) AssembleBreakdown(in BreakdownInput) (*FeeBreakdown, error) {
	if in.Ticker == "" {
		return nil, domainErr("ticker", "must not be empty")
	}
	if in.ClientID == "" {
		return nil, domainErr("client_id", "must not be empty")
	}

	effectiveMin := k.EffectiveMinRate(in.BrokerMinRate, in.TickerMinRate)

	rate, err := k.AdjustBorrowRate(in.BaseRate, in.VolatilityIndex, in.EventRisk, effectiveMin)
	if err != nil {
		return nil, err
	}

	timeFactor, err := k.TimeFactor(in.LoanDays)
	if err != nil {
		return nil, err
	}

	borrowCost, err := k.ComputeBorrowCost(in.PositionValue, rate, in.LoanDays)
	if err != nil {
		return nil, err
	}

	markup, err := k.ComputeMarkup(borrowCost, in.MarkupPercent)
	if err != nil {
		return nil, err
	}

	txFee, err := k.ComputeTransactionFee(in.FeeType, in.FeeValue, in.PositionValue)
	if err != nil {
		return nil, err
	}

	return &FeeBreakdown{
		Ticker:         in.Ticker,
		ClientID:       in.ClientID,
		PositionValue:  in.PositionValue,
		LoanDays:       in.LoanDays,
		BorrowRateUsed: rate,
		TimeFactor:     timeFactor,
		BorrowCost:     borrowCost,
		MarkupAmount:   markup,
		TransactionFee: txFee,
		TotalFee:       borrowCost.Add(markup).Add(txFee),
		Currency:       k.consts.Currency,
		DataSources:    in.DataSources,
		CalculatedAt:   in.CalculatedAt,
	}, nil
}
