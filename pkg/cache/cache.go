package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a key with no live entry.
var ErrNotFound = errors.New("cache: key not found")

// Store is the cache-tier port. The session store, presence tracker and
// sync worker all speak this interface; production wires the Redis
// adapter, tests wire the in-memory one.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Expire refreshes the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns the keys matching a glob pattern (prefix* style).
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying client.
	Close() error
}
