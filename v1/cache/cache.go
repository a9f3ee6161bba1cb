package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lend/v1/cache")

// DefaultTTL is the sliding TTL applied when Set is called with a
// non-positive ttl.
const DefaultTTL = 2 * time.Second

// Cache defines the basic operations for a cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a live value for the given key and refreshes its
	// expiry. The boolean reports whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// Inspector is implemented by caches that can enumerate their entries
// without touching expiry. It backs the cache/store audit.
type Inspector[T any] interface {
	Keys(ctx context.Context) []string
	Peek(ctx context.Context, key string) (T, bool)
}

// Inspect returns the Inspector behind c, looking through ResilientCache.
func Inspect[T any](c Cache[T]) (Inspector[T], bool) {
	if r, ok := c.(*ResilientCache[T]); ok {
		c = r.inner
	}
	in, ok := c.(Inspector[T])
	return in, ok
}

// InMemoryCache is a map-backed cache with sliding TTL and an optional LRU
// bound on the number of entries.
type InMemoryCache[T any] struct {
	mu         sync.Mutex
	items      map[string]*item[T]
	order      *list.List
	ttl        time.Duration
	now        func() time.Time
	maxEntries int

	// sweepHook, when set, runs between collecting stale candidates and
	// removing them.
	sweepHook func()

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	ttl       time.Duration
	expiresAt time.Time
	element   *list.Element
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithTTL sets the default TTL used when Set receives a non-positive ttl.
func WithTTL[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock[T any](now func() time.Time) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.now = now
	}
}

// WithMaxEntries sets the maximum number of entries the cache can hold.
// A non-positive value means the cache size is unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lend_cache_hits_total",
			Help: "Total number of cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lend_cache_misses_total",
			Help: "Total number of cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lend_cache_evictions_total",
			Help: "Total number of cache evictions",
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_cache_latency_seconds",
			Help:    "Latency of cache operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

// NewInMemory returns a new InMemoryCache instance.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items: make(map[string]*item[T]),
		order: list.New(),
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// instrument starts a span and latency measurement for op when enabled. The
// returned func records the result and must be called exactly once.
func (c *InMemoryCache[T]) instrument(ctx context.Context, op string) func(result string) {
	if !c.traceEnabled && c.latencyHist == nil {
		return func(string) {}
	}
	var span trace.Span
	if c.traceEnabled {
		_, span = tracer.Start(ctx, op)
	}
	start := time.Now()
	return func(result string) {
		latency := time.Since(start)
		if c.latencyHist != nil {
			c.latencyHist.Observe(latency.Seconds())
		}
		if span != nil {
			span.SetAttributes(
				attribute.Int64("lend.cache.latency_us", latency.Microseconds()),
				attribute.String("lend.cache.result", result),
			)
			span.End()
		}
	}
}

func expired(exp, now time.Time) bool {
	return !now.Before(exp)
}

func (c *InMemoryCache[T]) miss() {
	c.misses.Add(1)
	if c.missCounter != nil {
		c.missCounter.Inc()
	}
}

// removeLocked drops key; c.mu must be held.
func (c *InMemoryCache[T]) removeLocked(key string, it *item[T]) {
	c.order.Remove(it.element)
	delete(c.items, key)
	c.evictions.Add(1)
	if c.evictionCounter != nil {
		c.evictionCounter.Inc()
	}
}

// Get implements Cache.Get. A hit moves the entry's deadline to now + TTL.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	done := c.instrument(ctx, "Cache.Get")
	if err := ctx.Err(); err != nil {
		done("error")
		return zero, false, err
	}

	now := c.now()
	c.mu.Lock()
	it, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.miss()
		done("miss")
		return zero, false, nil
	}
	if expired(it.expiresAt, now) {
		c.removeLocked(key, it)
		c.mu.Unlock()
		c.miss()
		done("miss")
		return zero, false, nil
	}
	it.expiresAt = now.Add(it.ttl)
	c.order.MoveToFront(it.element)
	v := it.value
	c.mu.Unlock()

	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	done("hit")
	return v, true, nil
}

// Peek returns a live value without refreshing its expiry or LRU position.
func (c *InMemoryCache[T]) Peek(ctx context.Context, key string) (T, bool) {
	var zero T
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || expired(it.expiresAt, now) {
		return zero, false
	}
	return it.value, true
}

// Keys returns the keys of all live entries.
func (c *InMemoryCache[T]) Keys(ctx context.Context) []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for k, it := range c.items {
		if !expired(it.expiresAt, now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	done := c.instrument(ctx, "Cache.Set")
	if err := ctx.Err(); err != nil {
		done("error")
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	exp := c.now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.ttl = ttl
		it.expiresAt = exp
		c.order.MoveToFront(it.element)
		done("ok")
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = &item[T]{value: value, ttl: ttl, expiresAt: exp, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			k := tail.Value.(string)
			c.removeLocked(k, c.items[k])
		}
	}
	done("ok")
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	done := c.instrument(ctx, "Cache.Invalidate")
	if err := ctx.Err(); err != nil {
		done("error")
		return err
	}
	c.mu.Lock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(key, it)
	}
	c.mu.Unlock()
	done("ok")
	return nil
}

// EvictStale removes every entry whose deadline is not after the moment the
// sweep started and returns how many were removed. Candidates are collected
// first and each one is re-checked under the lock right before removal, so an
// entry refreshed by a concurrent Get or Set during the sweep survives.
func (c *InMemoryCache[T]) EvictStale(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	stale := make([]string, 0)
	for k, it := range c.items {
		if expired(it.expiresAt, now) {
			stale = append(stale, k)
		}
	}
	c.mu.Unlock()

	if c.sweepHook != nil {
		c.sweepHook()
	}
	removed := 0
	for _, k := range stale {
		if ctx.Err() != nil {
			break
		}
		c.mu.Lock()
		if it, ok := c.items[k]; ok && expired(it.expiresAt, now) {
			c.removeLocked(k, it)
			removed++
		}
		c.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}
