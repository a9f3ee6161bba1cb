package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dgraph-io/ristretto/z"
)

// ristrettoStripes is the number of key-striped mutexes ordering a hit's TTL
// refresh against Invalidate.
const ristrettoStripes = 64

type ristrettoEntry[T any] struct {
	value T
	ttl   time.Duration
}

// RistrettoCache implements Cache using dgraph-io/ristretto. Admission is
// probabilistic, so a Set may be dropped; callers fall back to the store.
//
// Ristretto applies new items asynchronously. A hit refreshes its TTL by
// re-setting the entry, and that write must not land after a concurrent
// Invalidate, so Get, Set and Invalidate hold the key's stripe until the
// write buffer is drained.
type RistrettoCache[T any] struct {
	c       *ristretto.Cache
	ttl     time.Duration
	stripes [ristrettoStripes]sync.Mutex
}

func (r *RistrettoCache[T]) stripe(key string) *sync.Mutex {
	h, _ := z.KeyToHash(key)
	return &r.stripes[h%ristrettoStripes]
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Cache backed by ristretto holding up to maxEntries
// records (every entry costs 1).
func NewRistretto[T any](maxEntries int64, opts ...RistrettoOption) (*RistrettoCache[T], error) {
	if maxEntries <= 0 {
		maxEntries = 1 << 16
	}
	cfg := &ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &RistrettoCache[T]{c: rc, ttl: DefaultTTL}, nil
}

// Get implements Cache.Get. A hit re-inserts the entry to slide its TTL.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	mu := r.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	v, ok := r.c.Get(key)
	if !ok {
		return zero, false, nil
	}
	e, ok := v.(ristrettoEntry[T])
	if !ok {
		return zero, false, nil
	}
	r.c.SetWithTTL(key, e, 1, e.ttl)
	r.c.Wait()
	return e.value, true, nil
}

// Set implements Cache.Set.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	mu := r.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	r.c.SetWithTTL(key, ristrettoEntry[T]{value: value, ttl: ttl}, 1, ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := r.stripe(key)
	mu.Lock()
	defer mu.Unlock()
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
