package configstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortside/locatefee/internal/cache"
	"github.com/shortside/locatefee/internal/db"
	"github.com/shortside/locatefee/internal/pricing"
)

// fakeRepo is an in-memory Repository that counts reads
type fakeRepo struct {
	mu          sync.Mutex
	brokers     map[string]pricing.BrokerConfig
	minRates    map[string]decimal.Decimal
	brokerReads int
	rateReads   int
	down        bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		brokers:  make(map[string]pricing.BrokerConfig),
		minRates: make(map[string]decimal.Decimal),
	}
}

func (r *fakeRepo) GetBroker(ctx context.Context, clientID string) (*pricing.BrokerConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokerReads++
	if r.down {
		return nil, fmt.Errorf("connection refused")
	}
	cfg, ok := r.brokers[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrBrokerNotFound, clientID)
	}
	return &cfg, nil
}

func (r *fakeRepo) UpsertBroker(ctx context.Context, cfg *pricing.BrokerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return fmt.Errorf("connection refused")
	}
	r.brokers[cfg.ClientID] = *cfg
	return nil
}

func (r *fakeRepo) GetMinRate(ctx context.Context, ticker string) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateReads++
	if r.down {
		return decimal.Zero, fmt.Errorf("connection refused")
	}
	rate, ok := r.minRates[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", db.ErrMinRateNotFound, ticker)
	}
	return rate, nil
}

func (r *fakeRepo) SetMinRate(ctx context.Context, ticker string, rate decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return fmt.Errorf("connection refused")
	}
	r.minRates[ticker] = rate
	return nil
}

func (r *fakeRepo) reads() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brokerReads, r.rateReads
}

func (r *fakeRepo) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func testStore(t *testing.T) (*Store, *fakeRepo) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tiered := cache.New(client, cache.Options{LocalMaxEntries: 100})
	t.Cleanup(tiered.Close)

	repo := newFakeRepo()
	return New(repo, tiered), repo
}

func testBroker(clientID string) *pricing.BrokerConfig {
	return &pricing.BrokerConfig{
		ClientID:            clientID,
		MarkupPercent:       decimal.NewFromInt(7),
		TransactionFeeType:  pricing.FeeTypePercentage,
		TransactionFeeValue: decimal.RequireFromString("0.25"),
		RateLimitTier:       "standard",
		Active:              true,
	}
}

func TestStore_GetBroker_ReadThrough(t *testing.T) {
	store, repo := testStore(t)
	repo.brokers["hf-001"] = *testBroker("hf-001")

	for i := 0; i < 5; i++ {
		cfg, err := store.GetBroker(context.Background(), "hf-001")
		require.NoError(t, err)
		assert.Equal(t, "hf-001", cfg.ClientID)
		assert.True(t, cfg.MarkupPercent.Equal(decimal.NewFromInt(7)))
	}

	brokerReads, _ := repo.reads()
	assert.Equal(t, 1, brokerReads, "repeat reads must come from cache")
}

func TestStore_GetBroker_NotFound(t *testing.T) {
	store, _ := testStore(t)
	_, err := store.GetBroker(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrBrokerNotFound)
}

func TestStore_GetBroker_Unavailable(t *testing.T) {
	store, repo := testStore(t)
	repo.setDown(true)

	_, err := store.GetBroker(context.Background(), "hf-001")
	assert.ErrorIs(t, err, ErrConfigUnavailable)
}

func TestStore_UpsertBroker_ReadYourWrites(t *testing.T) {
	store, _ := testStore(t)

	cfg := testBroker("hf-001")
	require.NoError(t, store.UpsertBroker(context.Background(), cfg))

	got, err := store.GetBroker(context.Background(), "hf-001")
	require.NoError(t, err)
	assert.True(t, got.MarkupPercent.Equal(decimal.NewFromInt(7)))

	cfg.MarkupPercent = decimal.NewFromInt(9)
	require.NoError(t, store.UpsertBroker(context.Background(), cfg))

	got, err = store.GetBroker(context.Background(), "hf-001")
	require.NoError(t, err)
	assert.True(t, got.MarkupPercent.Equal(decimal.NewFromInt(9)), "update must not serve the stale cached config")
}

func TestStore_GetMinRate(t *testing.T) {
	store, repo := testStore(t)
	repo.minRates["GME"] = decimal.RequireFromString("0.05")

	rate, found, err := store.GetMinRate(context.Background(), "GME")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.05")))
}

func TestStore_GetMinRate_AbsenceIsCached(t *testing.T) {
	store, repo := testStore(t)

	for i := 0; i < 3; i++ {
		rate, found, err := store.GetMinRate(context.Background(), "AAPL")
		require.NoError(t, err)
		assert.False(t, found)
		assert.True(t, rate.IsZero())
	}

	_, rateReads := repo.reads()
	assert.Equal(t, 1, rateReads)
}

func TestStore_SetMinRate_InvalidatesCachedAbsence(t *testing.T) {
	store, _ := testStore(t)

	_, found, err := store.GetMinRate(context.Background(), "GME")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.SetMinRate(context.Background(), "GME", decimal.RequireFromString("0.05")))

	rate, found, err := store.GetMinRate(context.Background(), "GME")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.05")))
}

func TestStore_ConfigGenerationMovesOnWrites(t *testing.T) {
	store, _ := testStore(t)

	before := store.ConfigGeneration()
	require.NoError(t, store.UpsertBroker(context.Background(), testBroker("hf-001")))
	mid := store.ConfigGeneration()
	assert.Greater(t, mid, before)

	require.NoError(t, store.SetMinRate(context.Background(), "GME", decimal.RequireFromString("0.05")))
	assert.Greater(t, store.ConfigGeneration(), mid)
}
