package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type keyLock struct {
	// sem holds one token while the key is locked.
	sem chan struct{}
}

type holdKey struct {
	r   *Registry
	key string
}

// Registry hands out one mutual-exclusion lock per key. Locks are created on
// first demand and never removed, so the registry grows with the number of
// distinct keys ever locked.
//
// Locks are reentrant per unit of work rather than per goroutine: the context
// returned by Guard.Context marks the key as held, and acquiring the same key
// again with that context (or one derived from it) does not block.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*keyLock

	wait prometheus.Observer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithWaitObserver records, in seconds, how long each non-reentrant Acquire
// waited for its lock.
func WithWaitObserver(o prometheus.Observer) RegistryOption {
	return func(r *Registry) {
		r.wait = o
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{locks: make(map[string]*keyLock)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockFor(key string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	kl, ok := r.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[key] = kl
	}
	return kl
}

// Acquire blocks until the lock for key is held or ctx is done. No timeout is
// applied here; callers wanting a bounded wait pass a context with a
// deadline. On a context error nothing is held and the returned Guard is nil.
func (r *Registry) Acquire(ctx context.Context, key string) (*Guard, error) {
	if outer, ok := ctx.Value(holdKey{r: r, key: key}).(*Guard); ok && !outer.released.Load() {
		return &Guard{ctx: ctx}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kl := r.lockFor(key)
	start := time.Now()
	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.wait != nil {
		r.wait.Observe(time.Since(start).Seconds())
	}

	g := &Guard{kl: kl}
	g.ctx = context.WithValue(ctx, holdKey{r: r, key: key}, g)
	return g, nil
}

// Len returns the number of keys that have a lock.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Guard is a held key lock. Release is safe to call more than once and is
// meant to be deferred right after a successful Acquire.
type Guard struct {
	ctx      context.Context
	kl       *keyLock
	released atomic.Bool
}

// Context returns the context to use for work done while holding the lock.
func (g *Guard) Context() context.Context {
	return g.ctx
}

// Reentrant reports whether g was obtained from an already held lock.
func (g *Guard) Reentrant() bool {
	return g.kl == nil
}

// Release frees the lock. Releasing a reentrant guard is a no-op; the
// outermost guard frees the key.
func (g *Guard) Release() {
	if g.kl == nil {
		return
	}
	if g.released.CompareAndSwap(false, true) {
		<-g.kl.sem
	}
}
