package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*Tiered, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(client, Options{LocalMaxEntries: 100})
	t.Cleanup(c.Close)

	return c, mr
}

func TestTiered_GetSet(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, KeyspaceBorrow, "AAPL"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(ctx, KeyspaceBorrow, "AAPL", []byte(`{"rate":"0.05"}`))

	val, ok := c.Get(ctx, KeyspaceBorrow, "AAPL")
	require.True(t, ok)
	assert.JSONEq(t, `{"rate":"0.05"}`, string(val))
}

func TestTiered_SharedHitPromotesToLocal(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	// Seed only the shared tier
	mr.Set("locatefee:vol:TSLA", `{"value":"42"}`)

	_, ok := c.Get(ctx, KeyspaceVol, "TSLA")
	require.True(t, ok)

	// Shared tier gone; the promoted local copy still serves
	mr.FlushAll()
	val, ok := c.Get(ctx, KeyspaceVol, "TSLA")
	require.True(t, ok)
	assert.Equal(t, `{"value":"42"}`, string(val))
}

func TestTiered_GetOrFetch_SingleFlight(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	var fetches atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond) // hold the flight open
		return []byte("fetched"), nil
	}

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			val, _, err := c.GetOrFetch(ctx, KeyspaceBorrow, "TSLA", fetch)
			assert.NoError(t, err)
			assert.Equal(t, "fetched", string(val))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load(), "concurrent misses must coalesce into one fetch")
}

func TestTiered_GetOrFetch_CachedFlag(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	fetch := func(context.Context) ([]byte, error) { return []byte("live"), nil }

	_, cached, err := c.GetOrFetch(ctx, KeyspaceBorrow, "AAPL", fetch)
	require.NoError(t, err)
	assert.False(t, cached, "first call fetches upstream")

	_, cached, err = c.GetOrFetch(ctx, KeyspaceBorrow, "AAPL", fetch)
	require.NoError(t, err)
	assert.True(t, cached, "second call is served from cache")
}

func TestTiered_GetOrFetch_FetchError(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	wantErr := errors.New("upstream down")
	_, _, err := c.GetOrFetch(ctx, KeyspaceBorrow, "GME", func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// Errors are not cached
	if _, ok := c.Get(ctx, KeyspaceBorrow, "GME"); ok {
		t.Error("failed fetch must not populate the cache")
	}
}

func TestTiered_GenerationSuppressesStaleWriteback(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	fetchStarted := make(chan struct{})
	proceed := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		val, _, err := c.GetOrFetch(ctx, KeyspaceBorrow, "NVDA", func(context.Context) ([]byte, error) {
			close(fetchStarted)
			<-proceed
			return []byte("stale"), nil
		})
		assert.NoError(t, err)
		// The waiter still receives the fetched value
		assert.Equal(t, "stale", string(val))
	}()

	<-fetchStarted
	c.Invalidate(ctx, KeyspaceBorrow, "NVDA")
	close(proceed)
	<-done

	// The post-invalidation state must not contain the stale fetch
	if _, ok := c.Get(ctx, KeyspaceBorrow, "NVDA"); ok {
		t.Error("stale fetch result must not be written back after invalidation")
	}
}

func TestTiered_Invalidate_BumpsGeneration(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	before := c.Generation(KeyspaceBroker)
	c.Invalidate(ctx, KeyspaceBroker, "client-1")
	assert.Equal(t, before+1, c.Generation(KeyspaceBroker))
}

func TestTiered_DegradesWhenSharedUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(client, Options{LocalMaxEntries: 100})
	defer c.Close()

	ctx := context.Background()
	mr.Close() // shared tier goes away

	// Writes and reads keep working local-only
	c.Set(ctx, KeyspaceBorrow, "AAPL", []byte("v"))
	val, ok := c.Get(ctx, KeyspaceBorrow, "AAPL")
	require.True(t, ok)
	assert.Equal(t, "v", string(val))

	assert.False(t, c.SharedHealthy(ctx))
}

func TestTiered_InvalidationPropagatesBetweenProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a := New(clientA, Options{LocalMaxEntries: 100})
	defer a.Close()
	b := New(clientB, Options{LocalMaxEntries: 100})
	defer b.Close()

	ctx := context.Background()

	// Give B's subscriber a moment to attach
	require.Eventually(t, func() bool { return b.SharedHealthy(ctx) }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	b.Set(ctx, KeyspaceBroker, "client-9", []byte("cfg"))

	a.Invalidate(ctx, KeyspaceBroker, "client-9")

	assert.Eventually(t, func() bool {
		// B's local copy is dropped and its generation advanced
		_, ok := b.local.get(fullKey(KeyspaceBroker, "client-9"))
		return !ok && b.Generation(KeyspaceBroker) > 0
	}, 2*time.Second, 10*time.Millisecond, "invalidation should reach the other process")
}

func TestTiered_WorksWithoutSharedTier(t *testing.T) {
	c := New(nil, Options{LocalMaxEntries: 10})
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, KeyspaceMinRate, "AAPL", []byte("0.0025"))
	val, ok := c.Get(ctx, KeyspaceMinRate, "AAPL")
	require.True(t, ok)
	assert.Equal(t, "0.0025", string(val))
	assert.False(t, c.SharedHealthy(ctx))
}
