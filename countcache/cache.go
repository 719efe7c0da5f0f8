// Package countcache caches per-partition document counts with age-based freshness.
//
// Freshness is advisory: a reader may observe a count up to maxAge stale, and
// concurrent refreshes of one key race with the last writer winning. Writers
// call Invalidate after any mutation that changes the count.
package countcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacentio/strata/internal/keys"
	"github.com/jacentio/strata/metrics"
)

// DefaultFallbackTTL bounds how long an unused entry occupies the backing store.
const DefaultFallbackTTL = 24 * time.Hour

// CountFunc performs a fresh count against the remote store.
type CountFunc func(ctx context.Context, partitionKey string) (int, error)

// Config identifies what a Cache counts and how it reports.
type Config struct {
	// Container is the fully-qualified container identity (see keys.Container).
	Container string

	// TypeName is the logical document type name.
	TypeName string

	// Kind distinguishes counts of one container, e.g. keys.KindActive.
	Kind string

	// FallbackTTL is the backing-store expiry. Default: DefaultFallbackTTL.
	FallbackTTL time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Recorder
}

// Cache is a read-through count cache for one (container, type, kind).
type Cache struct {
	store Store
	fetch CountFunc
	cfg   Config
	now   func() time.Time
}

// New creates a Cache over store that refreshes with fetch.
func New(store Store, fetch CountFunc, cfg Config) *Cache {
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = DefaultFallbackTTL
	}
	if cfg.Kind == "" {
		cfg.Kind = keys.KindActive
	}
	return &Cache{
		store: store,
		fetch: fetch,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Key returns the backing-store key for partitionKey.
func (c *Cache) Key(partitionKey string) string {
	return keys.CountKey(c.cfg.Container, c.cfg.TypeName, c.cfg.Kind, partitionKey)
}

// GetWithCache returns the count for partitionKey. A cached entry no older
// than maxAge is returned without a remote call; otherwise a fresh count is
// fetched and stored. maxAge <= 0 always fetches.
func (c *Cache) GetWithCache(ctx context.Context, partitionKey string, maxAge time.Duration) (int, error) {
	key := c.Key(partitionKey)

	if maxAge <= 0 {
		c.cfg.Metrics.RecordCountCache(metrics.CacheBypass)
		return c.refresh(ctx, key, partitionKey)
	}

	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Str("key", key).Msg("count cache read failed, treating as miss")
	}
	if ok && c.now().Sub(entry.CachedAt) <= maxAge {
		c.cfg.Metrics.RecordCountCache(metrics.CacheHit)
		c.cfg.Logger.Debug().Str("key", key).Int("count", entry.Count).Msg("count cache hit")
		return entry.Count, nil
	}

	c.cfg.Metrics.RecordCountCache(metrics.CacheMiss)
	return c.refresh(ctx, key, partitionKey)
}

func (c *Cache) refresh(ctx context.Context, key, partitionKey string) (int, error) {
	count, err := c.fetch(ctx, partitionKey)
	if err != nil {
		return 0, err
	}

	entry := Entry{Count: count, CachedAt: c.now().UTC()}
	if err := c.store.Set(ctx, key, entry, c.cfg.FallbackTTL); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("key", key).Msg("count cache write failed")
	}
	c.cfg.Logger.Debug().Str("key", key).Int("count", count).Msg("count refreshed")
	return count, nil
}

// Invalidate drops the cached count for partitionKey. It is idempotent.
func (c *Cache) Invalidate(ctx context.Context, partitionKey string) error {
	key := c.Key(partitionKey)
	if err := c.store.Delete(ctx, key); err != nil {
		return err
	}
	c.cfg.Logger.Debug().Str("key", key).Msg("count cache invalidated")
	return nil
}
