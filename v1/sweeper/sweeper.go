// Package sweeper periodically removes expired entries from a cache. Expired
// entries are never served either way; sweeping only bounds memory.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lend/v1/metrics"
)

// DefaultInterval is used when New receives a non-positive interval.
const DefaultInterval = 5 * time.Second

// Evictor is implemented by caches that can drop their stale entries.
type Evictor interface {
	EvictStale(ctx context.Context) int
}

// Sweeper calls EvictStale on a fixed interval.
type Sweeper struct {
	target   Evictor
	interval time.Duration
	logger   *zap.Logger
	evicted  prometheus.Counter
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger reporting each non-empty sweep.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCounter replaces the eviction counter, metrics.SweepEvictions by
// default.
func WithCounter(c prometheus.Counter) Option {
	return func(s *Sweeper) {
		s.evicted = c
	}
}

// New returns a Sweeper for target.
func New(target Evictor, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sweeper{
		target:   target,
		interval: interval,
		logger:   zap.NewNop(),
		evicted:  metrics.SweepEvictions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs a single pass and returns the number of removed entries.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n := s.target.EvictStale(ctx)
	if n > 0 {
		s.evicted.Add(float64(n))
		s.logger.Debug("swept stale cache entries", zap.Int("evicted", n))
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
