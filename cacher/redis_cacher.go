package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisCacher stores JSON encoded entries in Redis under a namespace. Misses
// are collapsed per process with singleflight; the server owning the data is
// the only writer, so no cross-process lock is taken.
type RedisCacher[T any] struct {
	client    redis.UniversalClient
	namespace string
	group     singleflight.Group
}

// NewRedisCacher creates a cache on client. Every key is stored as
// namespace + ":" + key.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	friends := NewRedisCacher[[]Team](client, "flamingo:friendlist")
func NewRedisCacher[T any](client redis.UniversalClient, namespace string) *RedisCacher[T] {
	return &RedisCacher[T]{client: client, namespace: namespace}
}

func (c *RedisCacher[T]) key(key string) string {
	return c.namespace + ":" + key
}

func (c *RedisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var result T

	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return result, false, nil
	}

	if err != nil {
		return result, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(val, &result); err != nil {
		return result, false, fmt.Errorf("decode cached %s: %w", key, err)
	}

	return result, true, nil
}

// GetOrFetch implements Cacher.
func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if v, ok, err := c.get(ctx, key); err != nil || ok {
		return v, err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok, err := c.get(ctx, key); err != nil || ok {
			return v, err
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		data, err := json.Marshal(fetched)
		if err != nil {
			return zero, fmt.Errorf("encode %s: %w", key, err)
		}

		if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
			return zero, fmt.Errorf("redis set %s: %w", key, err)
		}

		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	return v.(T), nil
}

// Invalidate implements Cacher.
func (c *RedisCacher[T]) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, c.key(key))
	}

	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// InvalidatePrefix implements Cacher.
func (c *RedisCacher[T]) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan %s: %w", prefix, err)
	}

	if len(keys) == 0 {
		return 0, nil
	}

	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}

	return int(n), nil
}

// Len implements Cacher. It counts only keys in the namespace.
func (c *RedisCacher[T]) Len(ctx context.Context) (int, error) {
	iter := c.client.Scan(ctx, 0, c.namespace+":*", 100).Iterator()

	n := 0
	for iter.Next(ctx) {
		n++
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}

	return n, nil
}
