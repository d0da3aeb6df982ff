package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testKernel() *Kernel {
	return NewKernel(DefaultConstants())
}

func TestAdjustBorrowRate(t *testing.T) {
	k := testKernel()

	tests := []struct {
		name     string
		base     string
		vol      string
		event    string
		min      string
		expected string
	}{
		{
			name: "easy to borrow with volatility",
			base: "0.05", vol: "20", event: "0", min: "0.0025",
			expected: "0.06",
		},
		{
			name: "hard to borrow with event risk",
			base: "0.25", vol: "35", event: "5", min: "0.01",
			expected: "0.34375",
		},
		{
			name: "floored at minimum rate",
			base: "0.001", vol: "0", event: "0", min: "0.0025",
			expected: "0.0025",
		},
		{
			name: "zero base stays at floor",
			base: "0", vol: "50", event: "10", min: "0.0025",
			expected: "0.0025",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, err := k.AdjustBorrowRate(dec(tt.base), dec(tt.vol), dec(tt.event), dec(tt.min))
			require.NoError(t, err)
			assert.True(t, rate.Equal(dec(tt.expected)),
				"expected %s, got %s", tt.expected, rate)
		})
	}
}

func TestAdjustBorrowRate_DomainErrors(t *testing.T) {
	k := testKernel()

	tests := []struct {
		name  string
		base  string
		vol   string
		event string
	}{
		{"negative base rate", "-0.01", "0", "0"},
		{"negative volatility", "0.05", "-1", "0"},
		{"event risk above 10", "0.05", "0", "11"},
		{"negative event risk", "0.05", "0", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := k.AdjustBorrowRate(dec(tt.base), dec(tt.vol), dec(tt.event), dec("0.0025"))
			var de *DomainError
			require.True(t, errors.As(err, &de), "expected DomainError, got %v", err)
		})
	}
}

func TestEffectiveMinRate_Precedence(t *testing.T) {
	k := testKernel()

	// Highest of global floor, broker override and ticker minimum wins
	tests := []struct {
		name     string
		broker   string
		ticker   string
		expected string
	}{
		{"global floor wins when both below", "0.001", "0.002", "0.0025"},
		{"broker override wins", "0.01", "0.005", "0.01"},
		{"ticker minimum wins", "0.005", "0.02", "0.02"},
		{"no overrides", "0", "0", "0.0025"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			min := k.EffectiveMinRate(dec(tt.broker), dec(tt.ticker))
			assert.True(t, min.Equal(dec(tt.expected)), "expected %s, got %s", tt.expected, min)
		})
	}
}

func TestComputeBorrowCost(t *testing.T) {
	k := testKernel()

	cost, err := k.ComputeBorrowCost(dec("100000"), dec("0.06"), 30)
	require.NoError(t, err)
	assert.Equal(t, "493.1507", cost.String())

	cost, err = k.ComputeBorrowCost(dec("50000"), dec("0.34375"), 60)
	require.NoError(t, err)
	assert.Equal(t, "2825.3425", cost.String())
}

func TestComputeBorrowCost_Linearity(t *testing.T) {
	k := testKernel()

	// Doubling loan_days doubles cost within one rounding unit at scale
	single, err := k.ComputeBorrowCost(dec("123456.78"), dec("0.0731"), 17)
	require.NoError(t, err)
	double, err := k.ComputeBorrowCost(dec("123456.78"), dec("0.0731"), 34)
	require.NoError(t, err)

	diff := double.Sub(single.Mul(decimal.NewFromInt(2))).Abs()
	oneUnit := decimal.New(1, -k.Constants().Scale)
	assert.True(t, diff.LessThanOrEqual(oneUnit),
		"expected linearity within one rounding unit, diff=%s", diff)
}

func TestComputeTransactionFee(t *testing.T) {
	k := testKernel()

	flat, err := k.ComputeTransactionFee(FeeTypeFlat, dec("10.00"), dec("100000"))
	if err != nil {
		t.Fatalf("flat fee: %v", err)
	}
	if flat.String() != "10" {
		t.Errorf("expected 10, got %s", flat)
	}

	pct, err := k.ComputeTransactionFee(FeeTypePercentage, dec("0.005"), dec("50000"))
	if err != nil {
		t.Fatalf("percentage fee: %v", err)
	}
	if !pct.Equal(dec("250")) {
		t.Errorf("expected 250, got %s", pct)
	}

	if _, err := k.ComputeTransactionFee(FeeType("TIERED"), dec("1"), dec("1")); err == nil {
		t.Error("expected error for unknown fee type")
	}
}

func TestAssembleBreakdown_Scenarios(t *testing.T) {
	k := testKernel()
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	t.Run("easy to borrow with flat fee", func(t *testing.T) {
		bd, err := k.AssembleBreakdown(BreakdownInput{
			Ticker:          "AAPL",
			ClientID:        "client-x",
			PositionValue:   dec("100000"),
			LoanDays:        30,
			BaseRate:        dec("0.05"),
			VolatilityIndex: dec("20"),
			EventRisk:       dec("0"),
			TickerMinRate:   dec("0.0025"),
			MarkupPercent:   dec("0.05"),
			FeeType:         FeeTypeFlat,
			FeeValue:        dec("10.00"),
			CalculatedAt:    now,
		})
		require.NoError(t, err)
		assert.True(t, bd.BorrowRateUsed.Equal(dec("0.06")))
		assert.Equal(t, "493.1507", bd.BorrowCost.String())
		assert.Equal(t, "24.6575", bd.MarkupAmount.String())
		assert.True(t, bd.TransactionFee.Equal(dec("10")))
		assert.Equal(t, "527.8082", bd.TotalFee.String())
	})

	t.Run("hard to borrow with percentage fee", func(t *testing.T) {
		bd, err := k.AssembleBreakdown(BreakdownInput{
			Ticker:          "GME",
			ClientID:        "client-y",
			PositionValue:   dec("50000"),
			LoanDays:        60,
			BaseRate:        dec("0.25"),
			VolatilityIndex: dec("35"),
			EventRisk:       dec("5"),
			TickerMinRate:   dec("0.01"),
			MarkupPercent:   dec("0.07"),
			FeeType:         FeeTypePercentage,
			FeeValue:        dec("0.005"),
			CalculatedAt:    now,
		})
		require.NoError(t, err)
		assert.True(t, bd.BorrowRateUsed.Equal(dec("0.34375")))
		assert.Equal(t, "2825.3425", bd.BorrowCost.String())
		assert.Equal(t, "197.7740", bd.MarkupAmount.StringFixed(4))
		assert.True(t, bd.TransactionFee.Equal(dec("250")))
		assert.Equal(t, "3273.1165", bd.TotalFee.String())
	})

	t.Run("minimum rate floor triggered", func(t *testing.T) {
		bd, err := k.AssembleBreakdown(BreakdownInput{
			Ticker:          "T",
			ClientID:        "client-z",
			PositionValue:   dec("10000"),
			LoanDays:        10,
			BaseRate:        dec("0.001"),
			VolatilityIndex: dec("0"),
			EventRisk:       dec("0"),
			TickerMinRate:   dec("0.0025"),
			MarkupPercent:   dec("0.05"),
			FeeType:         FeeTypeFlat,
			FeeValue:        dec("1"),
			CalculatedAt:    now,
		})
		require.NoError(t, err)
		assert.True(t, bd.BorrowRateUsed.Equal(dec("0.0025")))
	})
}

func TestAssembleBreakdown_Additivity(t *testing.T) {
	k := testKernel()

	inputs := []BreakdownInput{
		{Ticker: "AAPL", ClientID: "a", PositionValue: dec("99999.99"), LoanDays: 7,
			BaseRate: dec("0.031"), VolatilityIndex: dec("12.5"), EventRisk: dec("3"),
			MarkupPercent: dec("0.045"), FeeType: FeeTypePercentage, FeeValue: dec("0.0012")},
		{Ticker: "TSLA", ClientID: "b", PositionValue: dec("1"), LoanDays: 365,
			BaseRate: dec("0.9999"), VolatilityIndex: dec("99.99"), EventRisk: dec("10"),
			MarkupPercent: dec("0.30"), FeeType: FeeTypeFlat, FeeValue: dec("0.01")},
		{Ticker: "GME", ClientID: "c", PositionValue: dec("1234567.89"), LoanDays: 1,
			BaseRate: dec("0.15"), VolatilityIndex: dec("0"), EventRisk: dec("0"),
			MarkupPercent: dec("0"), FeeType: FeeTypeFlat, FeeValue: dec("0")},
	}

	for _, in := range inputs {
		in.CalculatedAt = time.Now()
		bd, err := k.AssembleBreakdown(in)
		require.NoError(t, err)
		sum := bd.BorrowCost.Add(bd.MarkupAmount).Add(bd.TransactionFee)
		assert.True(t, bd.TotalFee.Equal(sum),
			"total %s != sum %s for %s", bd.TotalFee, sum, in.Ticker)
	}
}

func TestAssembleBreakdown_Determinism(t *testing.T) {
	k := testKernel()
	in := BreakdownInput{
		Ticker: "AAPL", ClientID: "x", PositionValue: dec("100000"), LoanDays: 30,
		BaseRate: dec("0.05"), VolatilityIndex: dec("20"), EventRisk: dec("0"),
		TickerMinRate: dec("0.0025"), MarkupPercent: dec("0.05"),
		FeeType: FeeTypeFlat, FeeValue: dec("10.00"),
		CalculatedAt: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}

	first, err := k.AssembleBreakdown(in)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := k.AssembleBreakdown(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
