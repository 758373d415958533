// Package distcache provides an optional Redis-backed cache of the
// latest ClusterHealth snapshot, so a fleet of HTTP API replicas can
// serve GetClusterHealth without each one independently recomputing it
// from a potentially-partial view of node heartbeats (SPEC_FULL.md
// Domain Stack). Disabled by default; see config.DistCacheConfig.
package distcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeppevinkel/codebuddy-cluster/internal/aggregate"
)

// Cache wraps a single Redis key holding the last-published
// ClusterHealth snapshot, JSON-encoded, with a TTL so a stalled
// publisher's cache entry expires rather than being served forever.
type Cache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// New constructs a Cache against addr, using key and ttl from config.
func New(addr, key string, ttl time.Duration) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
		ttl:    ttl,
	}
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Publish stores health as the current snapshot, expiring after ttl.
func (c *Cache) Publish(ctx context.Context, health aggregate.ClusterHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("distcache.Publish: marshal: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("distcache.Publish: %w", err)
	}
	return nil
}

// Get returns the last-published snapshot, or ok=false if the key is
// absent or expired (the caller should fall back to a live query).
func (c *Cache) Get(ctx context.Context) (health aggregate.ClusterHealth, ok bool, err error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return aggregate.ClusterHealth{}, false, nil
	}
	if err != nil {
		return aggregate.ClusterHealth{}, false, fmt.Errorf("distcache.Get: %w", err)
	}
	if err := json.Unmarshal(data, &health); err != nil {
		return aggregate.ClusterHealth{}, false, fmt.Errorf("distcache.Get: unmarshal: %w", err)
	}
	return health, true, nil
}

// PublishLoop publishes snapshot() every interval until ctx is canceled.
// A failed publish is passed to onError (when non-nil) and the loop goes
// on, so a transient Redis outage never stops it; the next tick simply
// publishes again.
func (c *Cache) PublishLoop(ctx context.Context, interval time.Duration, snapshot func() aggregate.ClusterHealth, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Publish(ctx, snapshot()); err != nil && onError != nil {
				onError(err)
			}
		case <-ctx.Done():
			return
		}
	}
}
