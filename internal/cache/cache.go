// Package cache provides a read-through cache over the remote store.
// Entries never outlive their TTL (expiry is protocol-enforced); there
// is no eviction order beyond that. Concurrent misses on one key may
// each invoke the compute function — cross-process stampede control is
// deliberately absent.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/contentpulse/datacore/internal/infra/kvstore"
	"github.com/contentpulse/datacore/internal/metrics"
)

const (
	entryPrefix = "cache:"
	tagPrefix   = "cache-tag:"
)

// Cache is a TTL-bound cache with tag-based bulk invalidation.
type Cache struct {
	store      kvstore.Store
	defaultTTL time.Duration
	log        *slog.Logger
}

// New creates a cache over the given store.
func New(store kvstore.Store, defaultTTL time.Duration) *Cache {
	if defaultTTL == 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{
		store:      store,
		defaultTTL: defaultTTL,
		log:        slog.Default().With("component", "cache"),
	}
}

// Get reads a cached value into dest. Returns false on miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	found, err := c.store.GetJSON(ctx, entryPrefix+key, dest)
	if err != nil {
		return false, err
	}
	if found {
		metrics.CacheHitsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
	}
	return found, nil
}

// Set writes a value with the given TTL. A zero ttl uses the default.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	return c.store.SetJSON(ctx, entryPrefix+key, value, ttl)
}

// GetOrCompute reads key into dest; on miss it calls compute, stores
// the result with the TTL, and unmarshals it into dest. The computed
// value must JSON round-trip.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute func(ctx context.Context) (any, error),
	dest any,
) error {
	found, err := c.Get(ctx, key, dest)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	// Read back through the store encoding so dest is identical to
	// what later hits will observe.
	if _, err := c.Get(ctx, key, dest); err != nil {
		return err
	}
	return nil
}

// Invalidate removes an entry. Idempotent: a second call is a no-op.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Del(ctx, entryPrefix+key)
}

// Tag adds key to each tag's index so InvalidateByTag can find it. The
// index entry is TTL-bound like the entries it points at.
func (c *Cache) Tag(ctx context.Context, key string, ttl time.Duration, tags ...string) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	for _, tag := range tags {
		if err := c.store.LPush(ctx, tagPrefix+tag, entryPrefix+key); err != nil {
			return err
		}
		if _, err := c.store.Expire(ctx, tagPrefix+tag, ttl); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateByTag deletes every key listed under the tag, then the tag
// index itself. At-least-once: a crash between the two deletes leaves a
// stale tag pointing at gone keys, which later reads see as plain
// misses.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) error {
	keys, err := c.store.LRange(ctx, tagPrefix+tag, 0, -1)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := c.store.Del(ctx, keys...); err != nil {
			return err
		}
	}
	c.log.Debug("Invalidated tag", "tag", tag, "keys", len(keys))
	return c.store.Del(ctx, tagPrefix+tag)
}
