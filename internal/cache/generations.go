package cache

import "sync/atomic"

// generations tracks a monotonically increasing counter per keyspace. A
// fetch captures the generation before going upstream and writes back only
// if it has not moved, which keeps post-invalidation state from being
// overwritten by stale in-flight results.
type generations struct {
	counters map[Keyspace]*atomic.Uint64
}

func newGenerations() *generations {
	g := &generations{counters: make(map[Keyspace]*atomic.Uint64, len(Keyspaces()))}
	for _, ks := range Keyspaces() {
		g.counters[ks] = &atomic.Uint64{}
	}
	return g
}

func (g *generations) current(ks Keyspace) uint64 {
	if c, ok := g.counters[ks]; ok {
		return c.Load()
	}
	return 0
}

func (g *generations) bump(ks Keyspace) uint64 {
	if c, ok := g.counters[ks]; ok {
		return c.Add(1)
	}
	return 0
}

// observe applies a generation received from the invalidation channel by
// fast-forwarding to it. Replayed or reordered messages carrying an older
// generation are no-ops, which makes invalidations idempotent. A message
// without a generation (zero) still forces one bump.
func (g *generations) observe(ks Keyspace, gen uint64) uint64 {
	c, ok := g.counters[ks]
	if !ok {
		return 0
	}
	for {
		cur := c.Load()
		next := gen
		if gen == 0 {
			next = cur + 1
		}
		if next <= cur {
			return cur
		}
		if c.CompareAndSwap(cur, next) {
			return next
		}
	}
}
