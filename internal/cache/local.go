package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/shortside/locatefee/internal/metrics"
)

// localCache is the per-process tier: a mutex-guarded LRU bounded by entry
// count, with per-entry expiry. Hits are microsecond-level; it is always
// consulted before the shared tier.
//
// No LRU library appears anywhere in the reference stack, so the list+map
// implementation lives here.
type localCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int

	hits   uint64
	misses uint64
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func newLocalCache(maxEntries int) *localCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &localCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

func (c *localCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := el.Value.(*localEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.value, true
}

func (c *localCache) set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*localEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	el := c.order.PushFront(&localEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	c.entries[key] = el
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *localCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*localEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
	metrics.CacheEvictions.Inc()
}

func (c *localCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// deletePrefix drops every entry whose key starts with prefix. Used for
// keyspace-wide invalidations.
func (c *localCache) deletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

func (c *localCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
