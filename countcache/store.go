package countcache

import (
	"context"
	"time"
)

// Entry is a cached count and the time it was fetched.
type Entry struct {
	Count    int       `json:"count"`
	CachedAt time.Time `json:"cachedAt"`
}

// Store is raw key/value storage with absolute expiry. Expiry only bounds
// memory; freshness is decided by Cache.
type Store interface {
	// Get returns (entry, true, nil) on hit and (Entry{}, false, nil) on miss.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores entry until ttl elapses. A ttl of 0 never expires.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
