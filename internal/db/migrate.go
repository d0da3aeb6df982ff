package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// schema is the bootstrap DDL. All statements are idempotent so startup can
// run it unconditionally. audit_records is append-only: rows are never
// updated or deleted in application code, and (client_id, seq) anchors the
// per-partition hash chain.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS broker_configs (
		client_id             TEXT PRIMARY KEY,
		markup_percent        NUMERIC(12,6) NOT NULL,
		transaction_fee_type  TEXT NOT NULL,
		transaction_fee_value NUMERIC(18,6) NOT NULL,
		min_rate_override     NUMERIC(12,6) NOT NULL DEFAULT 0,
		rate_limit_tier       TEXT NOT NULL DEFAULT 'standard',
		active                BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS min_rates (
		ticker     TEXT PRIMARY KEY,
		min_rate   NUMERIC(12,6) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_records (
		client_id    TEXT NOT NULL,
		seq          BIGINT NOT NULL,
		id           UUID NOT NULL,
		ticker       TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		record       JSONB NOT NULL,
		prev_hash    CHAR(64) NOT NULL,
		hash         CHAR(64) NOT NULL,
		emitted_at   TIMESTAMPTZ NOT NULL,
		persisted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (client_id, seq)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_audit_records_ticker
		ON audit_records (ticker, emitted_at)`,

	`CREATE INDEX IF NOT EXISTS idx_audit_records_emitted_at
		ON audit_records (emitted_at)`,
}

// Migrate applies the bootstrap schema
func Migrate(ctx context.Context, q Querier) error {
	for i, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("Database schema applied")
	return nil
}
