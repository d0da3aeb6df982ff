package cache

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/shortside/locatefee/internal/metrics"
)

// DefaultInvalidationChannel is the shared pub/sub channel for cache
// invalidations
const DefaultInvalidationChannel = "locatefee:invalidate"

// invalidation is the message published when a keyspace or key changes.
// An empty Key means the whole keyspace.
type invalidation struct {
	Keyspace   Keyspace `json:"keyspace"`
	Key        string   `json:"key,omitempty"`
	Generation uint64   `json:"generation"`
}

func (c *Tiered) publishInvalidation(ctx context.Context, msg invalidation) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal invalidation message")
		return
	}

	if err := c.rdb.Publish(ctx, c.channel, payload).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("keyspace", string(msg.Keyspace)).
			Msg("Failed to publish cache invalidation")
	}
}

// subscribe applies invalidation messages from other processes: bump the
// keyspace generation, then drop matching local entries. Applying happens
// before any subsequent read of the keyspace in this process because both
// steps complete before the message is acknowledged.
func (c *Tiered) subscribe(ctx context.Context) {
	sub := c.rdb.Subscribe(ctx, c.channel)
	defer sub.Close()

	ch := sub.Channel()
	log.Info().Str("channel", c.channel).Msg("Subscribed to cache invalidations")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				log.Warn().Err(err).Str("payload", msg.Payload).Msg("Malformed invalidation message")
				continue
			}
			c.applyInvalidation(inv)
		}
	}
}

func (c *Tiered) applyInvalidation(inv invalidation) {
	c.gens.observe(inv.Keyspace, inv.Generation)

	if inv.Key == "" {
		c.local.deletePrefix(fullKey(inv.Keyspace, ""))
	} else {
		c.local.delete(fullKey(inv.Keyspace, inv.Key))
	}

	metrics.CacheInvalidations.WithLabelValues(string(inv.Keyspace)).Inc()
	log.Debug().
		Str("keyspace", string(inv.Keyspace)).
		Str("key", inv.Key).
		Uint64("generation", inv.Generation).
		Msg("Applied cache invalidation")
}
