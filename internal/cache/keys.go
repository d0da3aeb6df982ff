// Package cache implements the two-tier (local LRU + shared Redis) TTL cache
// with single-flight fetch coalescing, per-keyspace generations and pub/sub
// invalidation.
package cache

import (
	"fmt"
	"time"
)

// Keyspace identifies a cached data class with its own TTL and generation
type Keyspace string

const (
	KeyspaceBorrow  Keyspace = "borrow"
	KeyspaceVol     Keyspace = "vol"
	KeyspaceEvent   Keyspace = "event"
	KeyspaceBroker  Keyspace = "broker"
	KeyspaceMinRate Keyspace = "minrate"
	KeyspaceCalc    Keyspace = "calc"
)

// Keyspaces lists every recognized keyspace. Generation counters are
// allocated for exactly this set at construction.
func Keyspaces() []Keyspace {
	return []Keyspace{
		KeyspaceBorrow, KeyspaceVol, KeyspaceEvent,
		KeyspaceBroker, KeyspaceMinRate, KeyspaceCalc,
	}
}

// TTLTable maps each keyspace to its entry TTL
type TTLTable map[Keyspace]time.Duration

// DefaultTTLs returns the standard per-keyspace TTL policy
func DefaultTTLs() TTLTable {
	return TTLTable{
		KeyspaceBorrow:  5 * time.Minute,
		KeyspaceVol:     15 * time.Minute,
		KeyspaceEvent:   time.Hour,
		KeyspaceBroker:  30 * time.Minute,
		KeyspaceMinRate: 24 * time.Hour,
		KeyspaceCalc:    60 * time.Second,
	}
}

// TTL returns the keyspace TTL, falling back to one minute for a keyspace
// missing from the table
func (t TTLTable) TTL(ks Keyspace) time.Duration {
	if ttl, ok := t[ks]; ok && ttl > 0 {
		return ttl
	}
	return time.Minute
}

const keyPrefix = "locatefee"

// fullKey builds the namespaced key used in both tiers, e.g. "locatefee:borrow:AAPL"
func fullKey(ks Keyspace, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, ks, key)
}

// lockKey builds the shared-tier fetch lock key for cross-process single flight
func lockKey(ks Keyspace, key string) string {
	return fmt.Sprintf("%s:lock:%s:%s", keyPrefix, ks, key)
}
