package inventory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-lend/v1/adapter"
	"github.com/mirkobrombin/go-lend/v1/cache"
	"github.com/mirkobrombin/go-lend/v1/lock"
	"github.com/mirkobrombin/go-lend/v1/metrics"
	"github.com/mirkobrombin/go-lend/v1/model"
	"github.com/mirkobrombin/go-lend/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lend/v1/inventory")

// InvalidationChannel is the bus channel carrying committed mutations.
const InvalidationChannel = "lend:invalidate"

// Service orchestrates the lock registry, the store and the cache.
type Service struct {
	store  adapter.Store
	cache  cache.Cache[model.Record]
	locks  *lock.Registry
	bus    syncbus.Bus
	logger *zap.Logger
	ttl    time.Duration
	origin string

	traceEnabled bool

	loads singleflight.Group

	// gens counts invalidations per key. A cache fill started before an
	// invalidation is discarded instead of resurrecting the old record.
	genMu sync.Mutex
	gens  map[string]uint64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for faults and operation traces.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus announces committed mutations on b and lets Listen receive the
// announcements of other instances.
func WithBus(b syncbus.Bus) Option {
	return func(s *Service) {
		s.bus = b
	}
}

// WithTTL sets the TTL for records placed in the cache.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithTracing enables OpenTelemetry spans for every operation.
func WithTracing() Option {
	return func(s *Service) {
		s.traceEnabled = true
	}
}

// WithLockRegistry shares a lock registry between services in one process.
func WithLockRegistry(r *lock.Registry) Option {
	return func(s *Service) {
		s.locks = r
	}
}

// New returns a Service over store and c. Cache faults never fail an
// operation: c is wrapped so errors are logged and read as misses. A nil c
// gets a private InMemoryCache.
func New(store adapter.Store, c cache.Cache[model.Record], opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zap.NewNop(),
		ttl:    cache.DefaultTTL,
		origin: uuid.NewString(),
		gens:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = lock.NewRegistry(lock.WithWaitObserver(metrics.LockWait))
	}
	if c == nil {
		c = cache.NewInMemory[model.Record](cache.WithTTL[model.Record](s.ttl))
	}
	s.cache = cache.NewResilient(c, s.logger.Named("cache"))
	return s
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return metrics.OutcomeExists
	case errors.Is(err, ErrInsufficientCopies):
		return metrics.OutcomeInsufficient
	case errors.Is(err, model.ErrEmptyKey), errors.Is(err, model.ErrNegativeCopies):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}

// begin opens the span for op and returns the func that closes it and
// records the outcome.
func (s *Service) begin(ctx context.Context, op, key string) (context.Context, func(error)) {
	var span trace.Span
	if s.traceEnabled {
		ctx, span = tracer.Start(ctx, "inventory."+op, trace.WithAttributes(attribute.String("lend.key", key)))
	}
	return ctx, func(err error) {
		result := outcome(err)
		metrics.Operations.WithLabelValues(op, result).Inc()
		if result == metrics.OutcomeError {
			s.logger.Error("operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
		} else {
			s.logger.Debug("operation", zap.String("op", op), zap.String("key", key), zap.String("outcome", result))
		}
		if span != nil {
			span.SetAttributes(attribute.String("lend.outcome", result))
			if result == metrics.OutcomeError {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}
}

// Add stores a new record and caches it. It fails with ErrAlreadyExists when
// the key is taken.
func (s *Service) Add(ctx context.Context, rec model.Record) (err error) {
	ctx, done := s.begin(ctx, "add", rec.Key)
	defer func() { done(err) }()

	if err := rec.Validate(); err != nil {
		return keyErr("add", rec.Key, err)
	}
	g, err := s.locks.Acquire(ctx, rec.Key)
	if err != nil {
		return err
	}
	defer g.Release()
	ctx = g.Context()

	exists, err := s.store.Exists(ctx, rec.Key)
	if err != nil {
		return err
	}
	if exists {
		return keyErr("add", rec.Key, ErrAlreadyExists)
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return err
	}
	_ = s.cache.Set(ctx, rec.Key, rec, s.ttl)
	s.publish(ctx, rec.Key)
	return nil
}

// Remove deletes the record for key, or fails with ErrNotFound.
func (s *Service) Remove(ctx context.Context, key string) (err error) {
	ctx, done := s.begin(ctx, "remove", key)
	defer func() { done(err) }()

	g, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer g.Release()
	ctx = g.Context()

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return keyErr("remove", key, ErrNotFound)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	s.publish(ctx, key)
	return nil
}

// Borrow takes one copy of the record for key and returns the committed
// record. It fails with ErrInsufficientCopies, leaving the record untouched,
// when no copies are left.
func (s *Service) Borrow(ctx context.Context, key string) (model.Record, error) {
	return s.adjust(ctx, "borrow", key, -1)
}

// Return puts one copy of the record for key back and returns the committed
// record.
func (s *Service) Return(ctx context.Context, key string) (model.Record, error) {
	return s.adjust(ctx, "return", key, 1)
}

func (s *Service) adjust(ctx context.Context, op, key string, delta int) (rec model.Record, err error) {
	ctx, done := s.begin(ctx, op, key)
	defer func() { done(err) }()

	g, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return model.Record{}, err
	}
	defer g.Release()
	ctx = g.Context()

	err = s.store.ForUpdate(ctx, key, func(cur *model.Record, found bool) error {
		if !found {
			return keyErr(op, key, ErrNotFound)
		}
		if cur.AvailableCopies+delta < 0 {
			return keyErr(op, key, ErrInsufficientCopies)
		}
		cur.AvailableCopies += delta
		rec = *cur
		return nil
	})
	if err != nil {
		return model.Record{}, err
	}
	// the cache is only dropped, never refilled with the committed value
	s.invalidate(ctx, key)
	s.publish(ctx, key)
	return rec, nil
}

// FindByKey returns the record for key, from the cache when possible.
// Concurrent misses on one key share a single store read.
func (s *Service) FindByKey(ctx context.Context, key string) (rec model.Record, err error) {
	ctx, done := s.begin(ctx, "find", key)
	defer func() { done(err) }()

	if rec, ok, _ := s.cache.Get(ctx, key); ok {
		return rec, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(key, func() (any, error) {
		return s.load(loadCtx, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Record{}, res.Err
		}
		return res.Val.(model.Record), nil
	case <-ctx.Done():
		return model.Record{}, ctx.Err()
	}
}

func (s *Service) load(ctx context.Context, key string) (model.Record, error) {
	s.genMu.Lock()
	gen := s.gens[key]
	s.genMu.Unlock()

	rec, found, err := s.store.Get(ctx, key)
	if err != nil {
		return model.Record{}, err
	}
	if !found {
		return model.Record{}, keyErr("find", key, ErrNotFound)
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.gens[key] == gen {
		_ = s.cache.Set(ctx, key, rec, s.ttl)
	}
	return rec, nil
}

// FindByAuthor returns every record by author straight from the store.
func (s *Service) FindByAuthor(ctx context.Context, author string) (recs []model.Record, err error) {
	ctx, done := s.begin(ctx, "find_by_author", author)
	defer func() { done(err) }()
	return s.store.FindByAuthor(ctx, author)
}

// invalidate drops the cached record and makes in-flight fills for key
// stale.
func (s *Service) invalidate(ctx context.Context, key string) {
	s.genMu.Lock()
	s.gens[key]++
	s.genMu.Unlock()
	s.loads.Forget(key)
	_ = s.cache.Invalidate(ctx, key)
}

func (s *Service) publish(ctx context.Context, key string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, InvalidationChannel, s.origin+"|"+key); err != nil {
		s.logger.Warn("invalidation publish failed", zap.String("key", key), zap.Error(err))
	}
}

// Listen drops local cache entries for every mutation announced by other
// instances on the bus. It blocks until ctx is done and returns ctx.Err(),
// or returns nil at once when no bus is configured.
func (s *Service) Listen(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	msgs, err := s.bus.Subscribe(ctx, InvalidationChannel)
	if err != nil {
		return err
	}
	for msg := range msgs {
		origin, key, ok := strings.Cut(msg, "|")
		if !ok || origin == s.origin {
			continue
		}
		metrics.RemoteInvalidations.Inc()
		s.logger.Debug("remote invalidation", zap.String("key", key), zap.String("origin", origin))
		s.invalidate(ctx, key)
	}
	return ctx.Err()
}
