package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ResilientCache wraps a Cache implementation and suppresses errors,
// logging them instead of returning them. Failed reads become misses and
// failed writes or invalidations are reported as done.
type ResilientCache[T any] struct {
	inner  Cache[T]
	logger *zap.Logger
}

// NewResilient creates a new ResilientCache wrapper. A nil logger disables
// logging.
func NewResilient[T any](inner Cache[T], logger *zap.Logger) *ResilientCache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResilientCache[T]{inner: inner, logger: logger}
}

// Get implements Cache.Get.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set implements Cache.Set.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.inner.Invalidate(ctx, key); err != nil {
		r.logger.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}
