// Package cacher provides read-through caches for values derived from the
// user snapshot, such as rendered friend lists. Entries are invalidated by
// key when the data behind them changes.
package cacher

import (
	"context"
	"time"
)

// FetchFunc builds the value on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a read-through cache. Concurrent misses on one key run the
// fetch once.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or runs fetchFn, stores
	// its result for ttl and returns it.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live of a freshly fetched value
	//   - fetchFn: Function that builds the value on a miss
	//
	// Returns:
	//   - The cached or fetched value
	//   - An error if the backend or fetchFn fails
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Invalidate drops keys. Missing keys are ignored.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - keys: The cache keys to drop
	//
	// Returns:
	//   - An error if the backend fails
	Invalidate(ctx context.Context, keys ...string) error

	// InvalidatePrefix drops every key starting with prefix and returns how
	// many were dropped.
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)

	// Len returns the number of cached entries.
	Len(ctx context.Context) (int, error)
}
