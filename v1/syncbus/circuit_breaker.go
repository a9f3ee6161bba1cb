package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Publish while the breaker rejects calls.
var ErrCircuitOpen = errors.New("syncbus: circuit open")

type breakerState int

const (
	closed breakerState = iota
	open
	probing
)

func (s breakerState) String() string {
	switch s {
	case open:
		return "open"
	case probing:
		return "half-open"
	}
	return "closed"
}

// CircuitBreakerBus stops publishing to a failing transport after threshold
// consecutive failures and lets a single trial call through once cooldown has
// passed. Subscribe is not guarded.
type CircuitBreakerBus struct {
	inner     Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// BreakerOption configures a CircuitBreakerBus.
type BreakerOption func(*CircuitBreakerBus)

// WithBreakerClock replaces time.Now, for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreakerBus) { cb.now = now }
}

// WithBreakerLogger logs state transitions.
func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(cb *CircuitBreakerBus) {
		if l != nil {
			cb.logger = l
		}
	}
}

// NewCircuitBreaker wraps inner. A threshold below one is treated as one.
func NewCircuitBreaker(inner Bus, threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreakerBus {
	cb := &CircuitBreakerBus{
		inner:     inner,
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// IsHealthy is false while the circuit is open and cooling down.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != open || cb.cooledDown()
}

func (cb *CircuitBreakerBus) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cooldown
}

func (cb *CircuitBreakerBus) transition(to breakerState) {
	if cb.state == to {
		return
	}
	cb.logger.Info("bus circuit state changed",
		zap.Stringer("from", cb.state),
		zap.Stringer("to", to),
		zap.Int("failures", cb.failures))
	cb.state = to
}

// admit reports whether a publish may reach the inner bus. Only one caller is
// admitted while probing a recovered transport.
func (cb *CircuitBreakerBus) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case closed:
		return true
	case open:
		if cb.cooledDown() {
			cb.transition(probing)
			return true
		}
	}
	return false
}

func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		cb.transition(closed)
		return
	}
	cb.failures++
	if cb.state == probing || cb.failures >= cb.threshold {
		cb.openedAt = cb.now()
		cb.transition(open)
	}
}

// Publish forwards to the inner bus unless the circuit is open.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, channel, key string) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := cb.inner.Publish(ctx, channel, key)
	cb.record(err)
	return err
}

// Subscribe forwards to the inner bus.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	return cb.inner.Subscribe(ctx, channel)
}
