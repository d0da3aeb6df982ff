package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/metrics"
	"github.com/shortside/locatefee/internal/pricing"
)

// ErrBrokerNotFound reports a client_id with no broker configuration row
var ErrBrokerNotFound = errors.New("broker config not found")

// ErrMinRateNotFound reports a ticker with no minimum rate row
var ErrMinRateNotFound = errors.New("minimum rate not found")

// BrokerRepository reads and writes broker configurations and per-ticker
// minimum rates. NUMERIC columns are selected as text and parsed into
// decimals so values survive the round trip exactly.
type BrokerRepository struct {
	q Querier
}

// NewBrokerRepository creates a broker repository
func NewBrokerRepository(q Querier) *BrokerRepository {
	return &BrokerRepository{q: q}
}

// GetBroker fetches one broker configuration
func (r *BrokerRepository) GetBroker(ctx context.Context, clientID string) (*pricing.BrokerConfig, error) {
	defer observe("get_broker", time.Now())

	query := `
		SELECT client_id, markup_percent::text, transaction_fee_type,
		       transaction_fee_value::text, min_rate_override::text,
		       rate_limit_tier, active, updated_at
		FROM broker_configs
		WHERE client_id = $1
	`

	var (
		cfg                       pricing.BrokerConfig
		markup, feeValue, minRate string
		feeType                   string
	)
	err := r.q.QueryRow(ctx, query, clientID).Scan(
		&cfg.ClientID, &markup, &feeType, &feeValue, &minRate,
		&cfg.RateLimitTier, &cfg.Active, &cfg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBrokerNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("query broker config: %w", err)
	}

	cfg.TransactionFeeType = pricing.FeeType(feeType)
	if cfg.MarkupPercent, err = decimal.NewFromString(markup); err != nil {
		return nil, fmt.Errorf("parse markup_percent: %w", err)
	}
	if cfg.TransactionFeeValue, err = decimal.NewFromString(feeValue); err != nil {
		return nil, fmt.Errorf("parse transaction_fee_value: %w", err)
	}
	if cfg.MinRateOverride, err = decimal.NewFromString(minRate); err != nil {
		return nil, fmt.Errorf("parse min_rate_override: %w", err)
	}

	return &cfg, nil
}

// UpsertBroker inserts or replaces a broker configuration
func (r *BrokerRepository) UpsertBroker(ctx context.Context, cfg *pricing.BrokerConfig) error {
	defer observe("upsert_broker", time.Now())

	query := `
		INSERT INTO broker_configs (
			client_id, markup_percent, transaction_fee_type,
			transaction_fee_value, min_rate_override, rate_limit_tier,
			active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (client_id) DO UPDATE SET
			markup_percent        = EXCLUDED.markup_percent,
			transaction_fee_type  = EXCLUDED.transaction_fee_type,
			transaction_fee_value = EXCLUDED.transaction_fee_value,
			min_rate_override     = EXCLUDED.min_rate_override,
			rate_limit_tier       = EXCLUDED.rate_limit_tier,
			active                = EXCLUDED.active,
			updated_at            = now()
	`

	_, err := r.q.Exec(ctx, query,
		cfg.ClientID,
		cfg.MarkupPercent.String(),
		string(cfg.TransactionFeeType),
		cfg.TransactionFeeValue.String(),
		cfg.MinRateOverride.String(),
		cfg.RateLimitTier,
		cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert broker config: %w", err)
	}
	return nil
}

// GetMinRate fetches the regulatory minimum borrow rate for a ticker
func (r *BrokerRepository) GetMinRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	defer observe("get_min_rate", time.Now())

	var raw string
	err := r.q.QueryRow(ctx, `SELECT min_rate::text FROM min_rates WHERE ticker = $1`, ticker).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMinRateNotFound, ticker)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query min rate: %w", err)
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse min_rate: %w", err)
	}
	return rate, nil
}

// SetMinRate inserts or replaces a ticker's minimum borrow rate
func (r *BrokerRepository) SetMinRate(ctx context.Context, ticker string, rate decimal.Decimal) error {
	defer observe("set_min_rate", time.Now())

	query := `
		INSERT INTO min_rates (ticker, min_rate, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (ticker) DO UPDATE SET
			min_rate   = EXCLUDED.min_rate,
			updated_at = now()
	`
	if _, err := r.q.Exec(ctx, query, ticker, rate.String()); err != nil {
		return fmt.Errorf("set min rate: %w", err)
	}
	return nil
}

func observe(query string, start time.Time) {
	metrics.RecordDatabaseQuery(query, float64(time.Since(start).Milliseconds()))
}
