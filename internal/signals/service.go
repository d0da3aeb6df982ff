// Package signals composes the cache, resilience layer and provider clients
// into the data service that assembles the signal bundle for a calculation.
// Signal unavailability never fails a request here; each signal degrades
// through its fallback chain and the bundle records where every value came
// from. The only hard failure is a config store outage, because the borrow
// fallback cannot price without a minimum rate.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shortside/locatefee/internal/cache"
	"github.com/shortside/locatefee/internal/metrics"
	"github.com/shortside/locatefee/internal/pricing"
	"github.com/shortside/locatefee/internal/providers"
	"github.com/shortside/locatefee/internal/resilience"
)

// volMarketKey is the cache key for the market-wide VIX reading
const volMarketKey = "market"

// BorrowSource fetches borrow quotes from the lending venue
type BorrowSource interface {
	GetBorrow(ctx context.Context, ticker string) (*providers.BorrowQuote, error)
}

// VolatilitySource fetches volatility readings
type VolatilitySource interface {
	GetTickerVolatility(ctx context.Context, ticker string) (*providers.VolatilityReading, error)
	GetMarketVIX(ctx context.Context) (*providers.VolatilityReading, error)
}

// EventSource fetches the corporate event calendar
type EventSource interface {
	GetEvents(ctx context.Context, ticker string, windowDays int) ([]providers.CorporateEvent, error)
}

// MinRateSource resolves a ticker's configured minimum rate, reporting
// whether one exists
type MinRateSource interface {
	GetMinRate(ctx context.Context, ticker string) (decimal.Decimal, bool, error)
}

// Options tunes the data service
type Options struct {
	// VolFreshFor is how long a cached volatility reading counts as fresh.
	// Entries older than this but younger than VolFreshFor+VolGrace are
	// served only as fallbacks when the provider is down.
	VolFreshFor time.Duration
	VolGrace    time.Duration
	// EventWindowDays is the calendar horizon fetched and cached per ticker;
	// normalization per request uses the loan window, which must not exceed
	// this.
	EventWindowDays int
	// DefaultVolatility substitutes when no live, cached or stale reading
	// is available
	DefaultVolatility decimal.Decimal
	// GlobalMinRate anchors the borrow fallback when a ticker has no
	// configured minimum
	GlobalMinRate decimal.Decimal
}

// DefaultOptions returns production defaults aligned with the kernel
// constants
func DefaultOptions() Options {
	consts := pricing.DefaultConstants()
	return Options{
		VolFreshFor:       15 * time.Minute,
		VolGrace:          45 * time.Minute,
		EventWindowDays:   90,
		DefaultVolatility: consts.DefaultVolatility,
		GlobalMinRate:     consts.GlobalMinRate,
	}
}

// Service is the data service
type Service struct {
	cache    *cache.Tiered
	exec     *resilience.Executor
	borrow   BorrowSource
	vol      VolatilitySource
	events   EventSource
	minRates MinRateSource
	opts     Options

	volFlight singleflight.Group
	now       func() time.Time
}

// New creates the data service
func New(tiered *cache.Tiered, exec *resilience.Executor, borrow BorrowSource, vol VolatilitySource, events EventSource, minRates MinRateSource, opts Options) *Service {
	if opts.EventWindowDays <= 0 {
		opts.EventWindowDays = 90
	}
	return &Service{
		cache:    tiered,
		exec:     exec,
		borrow:   borrow,
		vol:      vol,
		events:   events,
		minRates: minRates,
		opts:     opts,
		now:      time.Now,
	}
}

type borrowEntry struct {
	Rate   decimal.Decimal      `json:"rate"`
	Status pricing.BorrowStatus `json:"status"`
	AsOf   time.Time            `json:"as_of"`
}

type volEntry struct {
	Value    decimal.Decimal `json:"value"`
	AsOf     time.Time       `json:"as_of"`
	CachedAt time.Time       `json:"cached_at"`
}

type eventEntry struct {
	Events []providers.CorporateEvent `json:"events"`
}

// SignalGeneration combines the generations of the three signal keyspaces.
// It moves on any signal invalidation, so calculation fingerprints keyed on
// it never replay signals that have been invalidated.
func (s *Service) SignalGeneration() uint64 {
	return s.cache.Generation(cache.KeyspaceBorrow) +
		s.cache.Generation(cache.KeyspaceVol) +
		s.cache.Generation(cache.KeyspaceEvent)
}

// GetBundle assembles the signal bundle for a ticker and loan window. The
// three signals resolve concurrently; each degrades independently.
func (s *Service) GetBundle(ctx context.Context, ticker string, loanDays int) (*pricing.SignalBundle, error) {
	bundle := &pricing.SignalBundle{Ticker: ticker}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rate, status, src, err := s.resolveBorrow(gctx, ticker)
		if err != nil {
			return err
		}
		bundle.BorrowRate = rate
		bundle.BorrowStatus = status
		bundle.Sources.Borrow = src
		return nil
	})

	g.Go(func() error {
		value, src := s.resolveVolatility(gctx, ticker)
		bundle.Volatility = value
		bundle.Sources.Volatility = src
		return nil
	})

	g.Go(func() error {
		risk, src := s.resolveEventRisk(gctx, ticker, loanDays)
		bundle.EventRisk = risk
		bundle.Sources.Event = src
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	bundle.RetrievedAt = s.now().UTC()
	return bundle, nil
}

// resolveBorrow serves the borrow rate from cache or the venue, falling back
// to the configured minimum rate with HARD status. The fallback consults the
// config store, so a config outage is the one error this can return.
func (s *Service) resolveBorrow(ctx context.Context, ticker string) (decimal.Decimal, pricing.BorrowStatus, pricing.SourceFlag, error) {
	raw, cached, err := s.cache.GetOrFetch(ctx, cache.KeyspaceBorrow, ticker, func(fctx context.Context) ([]byte, error) {
		var quote *providers.BorrowQuote
		doErr := s.exec.Do(fctx, metrics.EndpointSecLend, func(actx context.Context) error {
			var ferr error
			quote, ferr = s.borrow.GetBorrow(actx, ticker)
			return ferr
		})
		if doErr != nil {
			return nil, doErr
		}
		return json.Marshal(borrowEntry{Rate: quote.Rate, Status: quote.Status, AsOf: quote.AsOf})
	})

	if err == nil {
		var entry borrowEntry
		if jerr := json.Unmarshal(raw, &entry); jerr == nil {
			src := pricing.SourceLive
			if cached {
				src = pricing.SourceCached
			}
			return entry.Rate, entry.Status, src, nil
		}
	}

	metrics.FallbacksTotal.WithLabelValues("borrow").Inc()
	log.Warn().
		Err(err).
		Str("ticker", ticker).
		Msg("Borrow rate unavailable, falling back to minimum rate")

	minRate, found, cfgErr := s.minRates.GetMinRate(ctx, ticker)
	if cfgErr != nil {
		return decimal.Zero, "", "", fmt.Errorf("borrow fallback: %w", cfgErr)
	}
	if !found || minRate.LessThan(s.opts.GlobalMinRate) {
		minRate = s.opts.GlobalMinRate
	}
	return minRate, pricing.BorrowStatusHard, pricing.SourceFallback, nil
}

// resolveVolatility walks the volatility fallback chain: fresh ticker cache,
// live ticker fetch, stale ticker cache within grace, market VIX, default.
func (s *Service) resolveVolatility(ctx context.Context, ticker string) (decimal.Decimal, pricing.SourceFlag) {
	stale, staleOK := decimal.Zero, false

	if raw, ok := s.cache.Get(ctx, cache.KeyspaceVol, ticker); ok {
		var entry volEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			age := s.now().Sub(entry.CachedAt)
			if age <= s.opts.VolFreshFor {
				return entry.Value, pricing.SourceCached
			}
			if age <= s.opts.VolFreshFor+s.opts.VolGrace {
				stale, staleOK = entry.Value, true
			}
		}
	}

	if value, err := s.fetchVolatility(ctx, ticker); err == nil {
		return value, pricing.SourceLive
	}

	metrics.FallbacksTotal.WithLabelValues("volatility").Inc()

	if staleOK {
		log.Warn().Str("ticker", ticker).Msg("Volatility provider down, serving stale reading within grace window")
		return stale, pricing.SourceFallback
	}

	if value, ok := s.marketVIX(ctx); ok {
		log.Warn().Str("ticker", ticker).Msg("Volatility provider down, substituting market VIX")
		return value, pricing.SourceFallback
	}

	log.Warn().Str("ticker", ticker).Msg("No volatility signal available, using default index")
	return s.opts.DefaultVolatility, pricing.SourceFallback
}

// fetchVolatility fetches and caches a ticker's volatility, coalescing
// concurrent fetches for the same key
func (s *Service) fetchVolatility(ctx context.Context, ticker string) (decimal.Decimal, error) {
	v, err, _ := s.volFlight.Do(ticker, func() (interface{}, error) {
		var reading *providers.VolatilityReading
		doErr := s.exec.Do(ctx, metrics.EndpointMarket, func(actx context.Context) error {
			var ferr error
			reading, ferr = s.vol.GetTickerVolatility(actx, ticker)
			return ferr
		})
		if doErr != nil {
			return nil, doErr
		}
		s.storeVol(ctx, ticker, reading)
		return reading.Value, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// marketVIX serves the market-wide reading from cache, fetching it when
// absent
func (s *Service) marketVIX(ctx context.Context) (decimal.Decimal, bool) {
	if raw, ok := s.cache.Get(ctx, cache.KeyspaceVol, volMarketKey); ok {
		var entry volEntry
		if err := json.Unmarshal(raw, &entry); err == nil &&
			s.now().Sub(entry.CachedAt) <= s.opts.VolFreshFor+s.opts.VolGrace {
			return entry.Value, true
		}
	}

	v, err, _ := s.volFlight.Do(volMarketKey, func() (interface{}, error) {
		var reading *providers.VolatilityReading
		doErr := s.exec.Do(ctx, metrics.EndpointMarket, func(actx context.Context) error {
			var ferr error
			reading, ferr = s.vol.GetMarketVIX(actx)
			return ferr
		})
		if doErr != nil {
			return nil, doErr
		}
		s.storeVol(ctx, volMarketKey, reading)
		return reading.Value, nil
	})
	if err != nil {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}

func (s *Service) storeVol(ctx context.Context, key string, reading *providers.VolatilityReading) {
	raw, err := json.Marshal(volEntry{Value: reading.Value, AsOf: reading.AsOf, CachedAt: s.now().UTC()})
	if err != nil {
		return
	}
	s.cache.Set(ctx, cache.KeyspaceVol, key, raw)
}

// resolveEventRisk returns the highest risk factor among cached or fetched
// events falling inside the loan window, zero when the calendar is
// unavailable or empty
func (s *Service) resolveEventRisk(ctx context.Context, ticker string, loanDays int) (int, pricing.SourceFlag) {
	raw, cached, err := s.cache.GetOrFetch(ctx, cache.KeyspaceEvent, ticker, func(fctx context.Context) ([]byte, error) {
		var events []providers.CorporateEvent
		doErr := s.exec.Do(fctx, metrics.EndpointEvents, func(actx context.Context) error {
			var ferr error
			events, ferr = s.events.GetEvents(actx, ticker, s.opts.EventWindowDays)
			return ferr
		})
		if doErr != nil {
			return nil, doErr
		}
		return json.Marshal(eventEntry{Events: events})
	})
	if err != nil {
		metrics.FallbacksTotal.WithLabelValues("event").Inc()
		log.Warn().
			Err(err).
			Str("ticker", ticker).
			Msg("Event calendar unavailable, assuming no event risk")
		return 0, pricing.SourceFallback
	}

	var entry eventEntry
	if jerr := json.Unmarshal(raw, &entry); jerr != nil {
		metrics.FallbacksTotal.WithLabelValues("event").Inc()
		return 0, pricing.SourceFallback
	}

	src := pricing.SourceLive
	if cached {
		src = pricing.SourceCached
	}
	return s.maxRiskWithin(entry.Events, loanDays), src
}

// maxRiskWithin selects the highest risk factor among events dated inside
// the loan horizon
func (s *Service) maxRiskWithin(events []providers.CorporateEvent, loanDays int) int {
	horizon := s.now().AddDate(0, 0, loanDays)
	now := s.now()

	risk := 0
	for _, e := range events {
		if e.EventDate.Before(now.Truncate(24*time.Hour)) || e.EventDate.After(horizon) {
			continue
		}
		if e.RiskFactor > risk {
			risk = e.RiskFactor
		}
	}
	return risk
}
