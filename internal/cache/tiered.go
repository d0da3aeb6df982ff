package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/shortside/locatefee/internal/metrics"
)

// opTimeout bounds every shared-tier operation so a slow Redis never eats
// the request's latency budget.
const opTimeout = 500 * time.Millisecond

// lockTTL bounds how long a cross-process fetch lock can be held
const lockTTL = 3 * time.Second

// Options configures the tiered cache
type Options struct {
	LocalMaxEntries int
	TTLs            TTLTable
	Channel         string // pub/sub invalidation channel
}

// Tiered composes the local LRU tier with the shared Redis tier. The shared
// client may be nil, in which case the cache runs local-only (the same mode
// it degrades to when Redis is unreachable).
type Tiered struct {
	local   *localCache
	rdb     *redis.Client
	ttls    TTLTable
	gens    *generations
	group   singleflight.Group
	channel string

	stopSub context.CancelFunc
}

// New creates the two-tier cache and, when a shared client is present,
// subscribes to the invalidation channel.
func New(rdb *redis.Client, opts Options) *Tiered {
	if opts.TTLs == nil {
		opts.TTLs = DefaultTTLs()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultInvalidationChannel
	}

	c := &Tiered{
		local:   newLocalCache(opts.LocalMaxEntries),
		rdb:     rdb,
		ttls:    opts.TTLs,
		gens:    newGenerations(),
		channel: opts.Channel,
	}

	if rdb != nil {
		subCtx, cancel := context.WithCancel(context.Background())
		c.stopSub = cancel
		go c.subscribe(subCtx)
	}

	return c
}

// Close stops the invalidation subscriber
func (c *Tiered) Close() {
	if c.stopSub != nil {
		c.stopSub()
	}
}

// Generation returns the current generation of a keyspace. The calculation
// fingerprint folds these in so a config or signal invalidation naturally
// misses the calc short-cut.
func (c *Tiered) Generation(ks Keyspace) uint64 {
	return c.gens.current(ks)
}

// Get consults the local tier, then the shared tier. A shared hit is
// promoted into the local tier with the keyspace TTL.
func (c *Tiered) Get(ctx context.Context, ks Keyspace, key string) ([]byte, bool) {
	fk := fullKey(ks, key)

	if val, ok := c.local.get(fk); ok {
		metrics.RecordCacheHit(metrics.TierLocal, string(ks))
		return val, true
	}

	if val, ok := c.sharedGet(ctx, fk); ok {
		c.local.set(fk, val, c.ttls.TTL(ks))
		metrics.RecordCacheHit(metrics.TierShared, string(ks))
		return val, true
	}

	metrics.RecordCacheMiss(string(ks))
	return nil, false
}

// Set writes through both tiers with the keyspace TTL. Shared-tier failures
// are logged and absorbed; a calculation never blocks on a cache write.
func (c *Tiered) Set(ctx context.Context, ks Keyspace, key string, value []byte) {
	fk := fullKey(ks, key)
	ttl := c.ttls.TTL(ks)

	c.local.set(fk, value, ttl)
	c.sharedSet(ctx, fk, value, ttl)
}

// GetOrFetch returns the cached value or coalesces concurrent misses into a
// single upstream fetch. The second return reports whether the value came
// from cache (true) or from the fetch (false). The fetch result is written
// back only if the keyspace generation did not move while it was in flight.
func (c *Tiered) GetOrFetch(ctx context.Context, ks Keyspace, key string, fetch func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if val, ok := c.Get(ctx, ks, key); ok {
		return val, true, nil
	}

	fk := fullKey(ks, key)

	type fetchResult struct {
		value  []byte
		cached bool
	}

	v, err, _ := c.group.Do(fk, func() (interface{}, error) {
		// Re-check after winning the flight: a concurrent fetch may have
		// landed between our miss and the Do call.
		if val, ok := c.local.get(fk); ok {
			return fetchResult{value: val, cached: true}, nil
		}

		gen := c.gens.current(ks)

		locked := c.acquireFetchLock(ctx, ks, key)
		if !locked {
			// Another process is fetching the same key. Poll the shared
			// tier briefly before falling back to our own fetch.
			if val, ok := c.pollShared(ctx, fk); ok {
				c.local.set(fk, val, c.ttls.TTL(ks))
				return fetchResult{value: val, cached: true}, nil
			}
		}

		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		if c.gens.current(ks) == gen {
			c.local.set(fk, val, c.ttls.TTL(ks))
			c.sharedSet(ctx, fk, val, c.ttls.TTL(ks))
		} else {
			metrics.StaleWritesSuppressed.WithLabelValues(string(ks)).Inc()
			log.Debug().
				Str("keyspace", string(ks)).
				Str("key", key).
				Msg("Keyspace generation moved during fetch, write-back suppressed")
		}

		return fetchResult{value: val}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(fetchResult)
	return res.value, res.cached, nil
}

// Invalidate bumps the keyspace generation, drops matching entries from both
// tiers and publishes the invalidation for other processes. An empty key
// invalidates the whole keyspace.
func (c *Tiered) Invalidate(ctx context.Context, ks Keyspace, key string) {
	gen := c.gens.bump(ks)

	if key == "" {
		c.local.deletePrefix(fullKey(ks, ""))
	} else {
		c.local.delete(fullKey(ks, key))
	}
	metrics.CacheInvalidations.WithLabelValues(string(ks)).Inc()

	if c.rdb == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if key != "" {
		if err := c.rdb.Del(opCtx, fullKey(ks, key)).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete shared cache key")
		}
	}

	c.publishInvalidation(opCtx, invalidation{
		Keyspace:   ks,
		Key:        key,
		Generation: gen,
	})
}

// SharedHealthy reports whether the shared tier responds to a ping
func (c *Tiered) SharedHealthy(ctx context.Context) bool {
	if c.rdb == nil {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.rdb.Ping(opCtx).Err() == nil
}

// LocalLen returns the local tier entry count
func (c *Tiered) LocalLen() int {
	return c.local.len()
}

func (c *Tiered) sharedGet(ctx context.Context, fk string) ([]byte, bool) {
	if c.rdb == nil {
		return nil, false
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.rdb.Get(opCtx, fk).Bytes()
	if err != nil {
		if err != redis.Nil {
			metrics.CacheDegraded.Inc()
			log.Debug().Err(err).Str("key", fk).Msg("Shared tier get failed, treating as miss")
		}
		return nil, false
	}
	return val, true
}

func (c *Tiered) sharedSet(ctx context.Context, fk string, value []byte, ttl time.Duration) {
	if c.rdb == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(opCtx, fk, value, ttl).Err(); err != nil {
		metrics.CacheDegraded.Inc()
		log.Warn().Err(err).Str("key", fk).Msg("Shared tier set failed")
	}
}

// acquireFetchLock takes the shared set-if-absent fetch lock. Without a
// shared tier single flight is per-process only, so the lock is granted.
func (c *Tiered) acquireFetchLock(ctx context.Context, ks Keyspace, key string) bool {
	if c.rdb == nil {
		return true
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := c.rdb.SetNX(opCtx, lockKey(ks, key), 1, lockTTL).Result()
	if err != nil {
		// Shared tier trouble never blocks a fetch
		return true
	}
	return ok
}

// pollShared waits briefly for another process's fetch to land
func (c *Tiered) pollShared(ctx context.Context, fk string) ([]byte, bool) {
	for i := 0; i < 3; i++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(50 * time.Millisecond):
		}
		if val, ok := c.sharedGet(ctx, fk); ok {
			return val, true
		}
	}
	return nil, false
}
