package cacher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type friendEntry struct {
	UserID   int32
	Markname string
}

func newTestCacher() *MemoryCacher[[]friendEntry] {
	return NewMemoryCacher[[]friendEntry](cache.NoExpiration, time.Minute)
}

func TestMemoryCacher_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and hit reuses", func(t *testing.T) {
		c := newTestCacher()
		fetches := 0
		fetch := func(ctx context.Context) ([]friendEntry, error) {
			fetches++
			return []friendEntry{{UserID: 2, Markname: "bob"}}, nil
		}

		val, err := c.GetOrFetch(ctx, "friendlist:1", time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, []friendEntry{{UserID: 2, Markname: "bob"}}, val)

		val, err = c.GetOrFetch(ctx, "friendlist:1", time.Minute, fetch)
		require.NoError(t, err)
		assert.Len(t, val, 1)
		assert.Equal(t, 1, fetches)
	})

	t.Run("fetch error is not cached", func(t *testing.T) {
		c := newTestCacher()
		_, err := c.GetOrFetch(ctx, "k", time.Minute, func(context.Context) ([]friendEntry, error) {
			return nil, assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		val, err := c.GetOrFetch(ctx, "k", time.Minute, func(context.Context) ([]friendEntry, error) {
			return []friendEntry{{UserID: 9}}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(9), val[0].UserID)
	})

	t.Run("expired entries are refetched", func(t *testing.T) {
		c := newTestCacher()
		var fetches atomic.Int32
		fetch := func(context.Context) ([]friendEntry, error) {
			fetches.Add(1)
			return nil, nil
		}

		_, err := c.GetOrFetch(ctx, "k", 10*time.Millisecond, fetch)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
		_, err = c.GetOrFetch(ctx, "k", 10*time.Millisecond, fetch)
		require.NoError(t, err)
		assert.Equal(t, int32(2), fetches.Load())
	})

	t.Run("concurrent misses on one key fetch once", func(t *testing.T) {
		c := newTestCacher()
		var fetches atomic.Int32
		fetch := func(context.Context) ([]friendEntry, error) {
			fetches.Add(1)
			time.Sleep(20 * time.Millisecond)
			return []friendEntry{{UserID: 1}}, nil
		}

		const concurrency = 10
		var wg sync.WaitGroup
		results := make([][]friendEntry, concurrency)
		errs := make([]error, concurrency)
		for i := range concurrency {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = c.GetOrFetch(ctx, "same", time.Minute, fetch)
			}()
		}
		wg.Wait()

		for i := range concurrency {
			require.NoError(t, errs[i])
			assert.Len(t, results[i], 1)
		}
		assert.Equal(t, int32(1), fetches.Load())
	})
}

func TestMemoryCacher_Invalidate(t *testing.T) {
	ctx := context.Background()
	fill := func(t *testing.T, c *MemoryCacher[[]friendEntry], keys ...string) {
		t.Helper()
		for _, k := range keys {
			_, err := c.GetOrFetch(ctx, k, time.Minute, func(context.Context) ([]friendEntry, error) {
				return []friendEntry{}, nil
			})
			require.NoError(t, err)
		}
	}

	t.Run("drops the named keys only", func(t *testing.T) {
		c := newTestCacher()
		fill(t, c, "friendlist:1", "friendlist:2", "friendlist:3")

		require.NoError(t, c.Invalidate(ctx, "friendlist:1", "friendlist:3", "missing"))
		n, err := c.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("prefix removes matching keys", func(t *testing.T) {
		c := newTestCacher()
		fill(t, c, "friendlist:1", "friendlist:2", "members:1")

		n, err := c.InvalidatePrefix(ctx, "friendlist:")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		left, err := c.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, left)
	})

	t.Run("cancelled context is refused", func(t *testing.T) {
		c := newTestCacher()
		fill(t, c, "a")

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, c.Invalidate(cctx, "a"), context.Canceled)
		_, err := c.Len(cctx)
		assert.ErrorIs(t, err, context.Canceled)

		n, err := c.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestMemoryCacher_Interface(t *testing.T) {
	var _ Cacher[[]friendEntry] = newTestCacher()
	var _ Cacher[string] = (*RedisCacher[string])(nil)
}
