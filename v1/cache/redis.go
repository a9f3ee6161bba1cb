package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "lend:cache:"

// RedisCache implements Cache using a Redis backend shared by every
// instance. Sliding expiry uses GETEX, so a hit always resets the key to the
// cache TTL.
type RedisCache[T any] struct {
	client *redis.Client
	codec  Codec
	prefix string
	ttl    time.Duration
}

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*redisCacheOptions)

type redisCacheOptions struct {
	codec  Codec
	prefix string
	ttl    time.Duration
}

// WithRedisCodec overrides the default JSON codec.
func WithRedisCodec(c Codec) RedisCacheOption {
	return func(o *redisCacheOptions) { o.codec = c }
}

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(p string) RedisCacheOption {
	return func(o *redisCacheOptions) { o.prefix = p }
}

// WithRedisTTL sets the TTL applied on Set with a non-positive ttl and on
// every hit.
func WithRedisTTL(d time.Duration) RedisCacheOption {
	return func(o *redisCacheOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// NewRedis returns a new RedisCache using the provided Redis client.
func NewRedis[T any](client *redis.Client, opts ...RedisCacheOption) *RedisCache[T] {
	o := redisCacheOptions{codec: JSONCodec{}, prefix: defaultRedisPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisCache[T]{client: client, codec: o.codec, prefix: o.prefix, ttl: o.ttl}
}

// Get implements Cache.Get.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.GetEx(ctx, c.prefix+key, c.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := c.codec.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

// Invalidate implements Cache.Invalidate.
func (c *RedisCache[T]) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// Peek returns the cached value for key without refreshing its TTL. Errors
// are reported as a miss.
func (c *RedisCache[T]) Peek(ctx context.Context, key string) (T, bool) {
	var zero T
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return zero, false
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false
	}
	return v, true
}

// Keys lists the cached keys using SCAN. A failed scan returns the keys seen
// so far.
func (c *RedisCache[T]) Keys(ctx context.Context) []string {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return keys
		}
		for _, k := range batch {
			keys = append(keys, k[len(c.prefix):])
		}
		if next == 0 {
			return keys
		}
		cursor = next
	}
}
