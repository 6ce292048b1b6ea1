package cacher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher keeps entries in process memory with go-cache. A
// singleflight group collapses concurrent misses on one key.
type MemoryCacher[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCacher creates an in-process cache.
//
// Parameters:
//   - defaultTTL: TTL used when GetOrFetch is called with ttl <= 0
//   - cleanupInterval: How often expired entries are swept
//
// Returns:
//   - A new *MemoryCacher
func NewMemoryCacher[T any](defaultTTL, cleanupInterval time.Duration) *MemoryCacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultTTL, cleanupInterval),
	}
}

func (c *MemoryCacher[T]) lookup(key string) (T, bool) {
	if v, found := c.cache.Get(key); found {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}

	var zero T
	return zero, false
}

// GetOrFetch implements Cacher.
func (c *MemoryCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	var zero T
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled it between lookup and Do.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		c.cache.Set(key, fetched, ttl)
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cacher: unexpected type %T for key %s", v, key)
	}

	return typed, nil
}

// Invalidate implements Cacher.
func (c *MemoryCacher[T]) Invalidate(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, key := range keys {
		c.cache.Delete(key)
	}

	return nil
}

// InvalidatePrefix implements Cacher.
func (c *MemoryCacher[T]) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	n := 0
	for key := range c.cache.Items() {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
			n++
		}
	}

	return n, nil
}

// Len implements Cacher.
func (c *MemoryCacher[T]) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}
