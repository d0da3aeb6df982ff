// Package configstore serves broker configurations and per-ticker minimum
// rates through the tiered cache, with PostgreSQL as the system of record.
// Admin writes go straight to the database and invalidate the relevant
// keyspace so every process sees the update on its next read.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/cache"
	"github.com/shortside/locatefee/internal/db"
	"github.com/shortside/locatefee/internal/pricing"
)

// ErrBrokerNotFound reports an unknown client_id. Configurations are never
// fabricated for unknown clients.
var ErrBrokerNotFound = errors.New("broker config not found")

// ErrConfigUnavailable reports that the config could not be served from
// cache or the database
var ErrConfigUnavailable = errors.New("config store unavailable")

// Repository is the persistence surface the store reads through
type Repository interface {
	GetBroker(ctx context.Context, clientID string) (*pricing.BrokerConfig, error)
	UpsertBroker(ctx context.Context, cfg *pricing.BrokerConfig) error
	GetMinRate(ctx context.Context, ticker string) (decimal.Decimal, error)
	SetMinRate(ctx context.Context, ticker string, rate decimal.Decimal) error
}

// Store is the read-through config store
type Store struct {
	repo  Repository
	cache *cache.Tiered
}

// New creates a config store
func New(repo Repository, tiered *cache.Tiered) *Store {
	return &Store{repo: repo, cache: tiered}
}

// GetBroker returns a broker configuration, serving repeat reads from cache
func (s *Store) GetBroker(ctx context.Context, clientID string) (*pricing.BrokerConfig, error) {
	raw, _, err := s.cache.GetOrFetch(ctx, cache.KeyspaceBroker, clientID, func(ctx context.Context) ([]byte, error) {
		cfg, err := s.repo.GetBroker(ctx, clientID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cfg)
	})
	if err != nil {
		if errors.Is(err, db.ErrBrokerNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBrokerNotFound, clientID)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	var cfg pricing.BrokerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: corrupt cached broker config: %v", ErrConfigUnavailable, err)
	}
	return &cfg, nil
}

// UpsertBroker writes a broker configuration and invalidates its cache entry
func (s *Store) UpsertBroker(ctx context.Context, cfg *pricing.BrokerConfig) error {
	if err := s.repo.UpsertBroker(ctx, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}
	s.cache.Invalidate(ctx, cache.KeyspaceBroker, cfg.ClientID)
	log.Info().Str("client_id", cfg.ClientID).Msg("Broker config updated")
	return nil
}

type minRateEntry struct {
	Rate  decimal.Decimal `json:"rate"`
	Found bool            `json:"found"`
}

// GetMinRate returns the regulatory minimum rate for a ticker. Tickers with
// no configured minimum return (zero, false, nil); callers fall back to the
// global floor.
func (s *Store) GetMinRate(ctx context.Context, ticker string) (decimal.Decimal, bool, error) {
	raw, _, err := s.cache.GetOrFetch(ctx, cache.KeyspaceMinRate, ticker, func(ctx context.Context) ([]byte, error) {
		rate, err := s.repo.GetMinRate(ctx, ticker)
		if errors.Is(err, db.ErrMinRateNotFound) {
			return json.Marshal(minRateEntry{Rate: decimal.Zero})
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(minRateEntry{Rate: rate, Found: true})
	})
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	var entry minRateEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: corrupt cached min rate: %v", ErrConfigUnavailable, err)
	}
	return entry.Rate, entry.Found, nil
}

// SetMinRate writes a ticker's minimum rate and invalidates its cache entry
func (s *Store) SetMinRate(ctx context.Context, ticker string, rate decimal.Decimal) error {
	if err := s.repo.SetMinRate(ctx, ticker, rate); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}
	s.cache.Invalidate(ctx, cache.KeyspaceMinRate, ticker)
	log.Info().Str("ticker", ticker).Str("min_rate", rate.String()).Msg("Minimum rate updated")
	return nil
}

// ConfigGeneration combines the broker and min-rate keyspace generations.
// It moves whenever either keyspace is invalidated, so calculation
// fingerprints keyed on it never replay stale configuration.
func (s *Store) ConfigGeneration() uint64 {
	return s.cache.Generation(cache.KeyspaceBroker) + s.cache.Generation(cache.KeyspaceMinRate)
}
