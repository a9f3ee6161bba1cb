package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-lend/v1/adapter"
	"github.com/mirkobrombin/go-lend/v1/cache"
	"github.com/mirkobrombin/go-lend/v1/inventory"
	"github.com/mirkobrombin/go-lend/v1/metrics"
	"github.com/mirkobrombin/go-lend/v1/model"
)

func newGormStore(t *testing.T) adapter.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	s, err := adapter.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return s
}

func newService(t *testing.T, store adapter.Store, opts ...inventory.Option) (*inventory.Service, *cache.InMemoryCache[model.Record]) {
	t.Helper()
	c := cache.NewInMemory[model.Record]()
	return inventory.New(store, c, opts...), c
}

func book(key string, copies int) model.Record {
	return model.Record{Key: key, Title: "The Left Hand of Darkness", Author: "Ursula K. Le Guin", PublicationYear: 1969, AvailableCopies: copies}
}

func TestConcurrentBorrowsNeverOversell(t *testing.T) {
	stores := map[string]func(*testing.T) adapter.Store{
		"memory": func(*testing.T) adapter.Store { return adapter.NewInMemoryStore() },
		"gorm":   newGormStore,
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			svc, _ := newService(t, newStore(t))
			ctx := context.Background()
			if err := svc.Add(ctx, book("978-0441478125", 10)); err != nil {
				t.Fatalf("Add: %v", err)
			}

			var ok, insufficient atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.Borrow(ctx, "978-0441478125")
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, inventory.ErrInsufficientCopies):
						insufficient.Add(1)
					default:
						t.Errorf("Borrow: %v", err)
					}
				}()
			}
			wg.Wait()

			if ok.Load() != 10 || insufficient.Load() != 40 {
				t.Fatalf("expected 10 successes and 40 insufficient, got %d and %d", ok.Load(), insufficient.Load())
			}
			rec, err := svc.FindByKey(ctx, "978-0441478125")
			if err != nil {
				t.Fatalf("FindByKey: %v", err)
			}
			if rec.AvailableCopies != 0 {
				t.Fatalf("expected 0 copies, got %d", rec.AvailableCopies)
			}
		})
	}
}

func TestAddDuplicate(t *testing.T) {
	svc, _ := newService(t, adapter.NewInMemoryStore())
	ctx := context.Background()
	first := book("978-0", 2)
	if err := svc.Add(ctx, first); err != nil {
		t.Fatalf("Add: %v", err)
	}
	second := first
	second.Title = "Another title"
	second.AvailableCopies = 9
	err := svc.Add(ctx, second)
	if !errors.Is(err, inventory.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	var ke *inventory.KeyError
	if !errors.As(err, &ke) || ke.Key != "978-0" || ke.Op != "add" {
		t.Fatalf("expected KeyError for add 978-0, got %#v", err)
	}
	got, _ := svc.FindByKey(ctx, "978-0")
	if diff := cmp.Diff(first, got); diff != "" {
		t.Fatalf("original record changed (-want +got):\n%s", diff)
	}
}

func TestAddRejectsInvalidRecord(t *testing.T) {
	svc, _ := newService(t, adapter.NewInMemoryStore())
	if err := svc.Add(context.Background(), book("", 1)); !errors.Is(err, model.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if err := svc.Add(context.Background(), book("k", -1)); !errors.Is(err, model.ErrNegativeCopies) {
		t.Fatalf("expected ErrNegativeCopies, got %v", err)
	}
}

func TestRemoveMissing(t *testing.T) {
	svc, _ := newService(t, adapter.NewInMemoryStore())
	if err := svc.Remove(context.Background(), "nope"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMissingKeyOperations(t *testing.T) {
	svc, _ := newService(t, adapter.NewInMemoryStore())
	ctx := context.Background()
	if _, err := svc.Borrow(ctx, "nope"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("Borrow: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Return(ctx, "nope"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("Return: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.FindByKey(ctx, "nope"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("FindByKey: expected ErrNotFound, got %v", err)
	}
}

func TestMutationsInvalidateCache(t *testing.T) {
	svc, c := newService(t, adapter.NewInMemoryStore())
	ctx := context.Background()
	rec := book("978-1", 2)

	if err := svc.Add(ctx, rec); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got, ok := c.Peek(ctx, rec.Key); !ok || got != rec {
		t.Fatalf("Add should cache the record, got %v ok %v", got, ok)
	}

	borrowed, err := svc.Borrow(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if borrowed.AvailableCopies != 1 {
		t.Fatalf("Borrow returned %d copies, want 1", borrowed.AvailableCopies)
	}
	if _, ok := c.Peek(ctx, rec.Key); ok {
		t.Fatal("Borrow must invalidate the cached record")
	}

	got, err := svc.FindByKey(ctx, rec.Key)
	if err != nil || got.AvailableCopies != 1 {
		t.Fatalf("FindByKey after borrow: %v err %v", got, err)
	}
	if cached, ok := c.Peek(ctx, rec.Key); !ok || cached.AvailableCopies != 1 {
		t.Fatal("FindByKey should repopulate the cache")
	}

	if _, err := svc.Return(ctx, rec.Key); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if _, ok := c.Peek(ctx, rec.Key); ok {
		t.Fatal("Return must invalidate the cached record")
	}

	_, _ = svc.FindByKey(ctx, rec.Key)
	if err := svc.Remove(ctx, rec.Key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := c.Peek(ctx, rec.Key); ok {
		t.Fatal("Remove must invalidate the cached record")
	}
	if _, err := svc.FindByKey(ctx, rec.Key); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestInsufficientCopiesLeavesRecordUntouched(t *testing.T) {
	store := adapter.NewInMemoryStore()
	svc, c := newService(t, store)
	ctx := context.Background()
	_ = svc.Add(ctx, book("978-2", 0))

	if _, err := svc.Borrow(ctx, "978-2"); !errors.Is(err, inventory.ErrInsufficientCopies) {
		t.Fatalf("expected ErrInsufficientCopies, got %v", err)
	}
	stored, _, _ := store.Get(ctx, "978-2")
	if stored.AvailableCopies != 0 {
		t.Fatalf("store changed: %d copies", stored.AvailableCopies)
	}
	if _, ok := c.Peek(ctx, "978-2"); !ok {
		t.Fatal("a failed borrow must not touch the cache")
	}
}

func TestCounterArithmetic(t *testing.T) {
	svc, _ := newService(t, adapter.NewInMemoryStore())
	ctx := context.Background()
	_ = svc.Add(ctx, book("978-3", 5))

	borrows, returns := 0, 0
	ops := []string{"b", "b", "r", "b", "b", "b", "b", "b", "r", "r", "b"}
	for _, op := range ops {
		var err error
		if op == "b" {
			_, err = svc.Borrow(ctx, "978-3")
			if err == nil {
				borrows++
			}
		} else {
			_, err = svc.Return(ctx, "978-3")
			if err == nil {
				returns++
			}
		}
		if err != nil && !errors.Is(err, inventory.ErrInsufficientCopies) {
			t.Fatalf("%s: %v", op, err)
		}
		rec, _ := svc.FindByKey(ctx, "978-3")
		if rec.AvailableCopies < 0 {
			t.Fatalf("negative counter %d", rec.AvailableCopies)
		}
	}
	rec, _ := svc.FindByKey(ctx, "978-3")
	if want := 5 - borrows + returns; rec.AvailableCopies != want {
		t.Fatalf("expected %d copies, got %d", want, rec.AvailableCopies)
	}
}

func TestFindByAuthorBypassesCache(t *testing.T) {
	store := adapter.NewInMemoryStore()
	svc, c := newService(t, store)
	ctx := context.Background()
	a := book("978-4", 1)
	b := book("978-5", 1)
	_ = svc.Add(ctx, a)
	_ = svc.Add(ctx, b)
	_ = c.Invalidate(ctx, a.Key)
	_ = c.Invalidate(ctx, b.Key)

	got, err := svc.FindByAuthor(ctx, "Ursula K. Le Guin")
	if err != nil {
		t.Fatalf("FindByAuthor: %v", err)
	}
	if diff := cmp.Diff([]model.Record{a, b}, got); diff != "" {
		t.Fatalf("FindByAuthor (-want +got):\n%s", diff)
	}
	if c.Len() != 0 {
		t.Fatalf("FindByAuthor must not populate the cache, len %d", c.Len())
	}
}

func TestCachedReadExpiresAfterTTL(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	store := adapter.NewInMemoryStore()
	c := cache.NewInMemory[model.Record](cache.WithClock[model.Record](clock))
	svc := inventory.New(store, c)
	ctx := context.Background()
	_ = svc.Add(ctx, book("978-6", 3))

	// change the store behind the service's back
	_ = store.Upsert(ctx, book("978-6", 7))

	advance(1999 * time.Millisecond)
	if _, ok := c.Peek(ctx, "978-6"); !ok {
		t.Fatal("entry should still be live at T+1.999s")
	}
	advance(time.Millisecond)
	if _, ok := c.Peek(ctx, "978-6"); ok {
		t.Fatal("entry should be gone at T+2s")
	}
	rec, _ := svc.FindByKey(ctx, "978-6")
	if rec.AvailableCopies != 7 {
		t.Fatalf("expected store value after expiry, got %d", rec.AvailableCopies)
	}
}

type faultyStore struct {
	adapter.Store
	fail atomic.Bool
	err  error
}

func (f *faultyStore) ForUpdate(ctx context.Context, key string, fn func(*model.Record, bool) error) error {
	if f.fail.Load() {
		return f.err
	}
	return f.Store.ForUpdate(ctx, key, fn)
}

func (f *faultyStore) Exists(ctx context.Context, key string) (bool, error) {
	if f.fail.Load() {
		return false, f.err
	}
	return f.Store.Exists(ctx, key)
}

func TestStoreFaultPropagatesAndReleasesLock(t *testing.T) {
	boom := errors.New("disk on fire")
	store := &faultyStore{Store: adapter.NewInMemoryStore(), err: boom}
	svc, c := newService(t, store)
	ctx := context.Background()
	_ = svc.Add(ctx, book("978-7", 1))

	store.fail.Store(true)
	if _, err := svc.Borrow(ctx, "978-7"); !errors.Is(err, boom) {
		t.Fatalf("expected store fault, got %v", err)
	} else if errors.Is(err, inventory.ErrNotFound) || errors.Is(err, inventory.ErrInsufficientCopies) {
		t.Fatalf("store fault mapped to a business error: %v", err)
	}
	if err := svc.Remove(ctx, "978-7"); !errors.Is(err, boom) {
		t.Fatalf("expected store fault, got %v", err)
	}
	if _, ok := c.Peek(ctx, "978-7"); !ok {
		t.Fatal("an uncommitted write must not touch the cache")
	}

	store.fail.Store(false)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Borrow(ctx, "978-7")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Borrow after fault: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("key lock was not released after a store fault")
	}
}

type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, string) (model.Record, bool, error) {
	return model.Record{}, false, errCacheDown
}
func (brokenCache) Set(context.Context, string, model.Record, time.Duration) error {
	return errCacheDown
}
func (brokenCache) Invalidate(context.Context, string) error { return errCacheDown }

func TestCacheFaultsDoNotChangeOutcomes(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	svc := inventory.New(adapter.NewInMemoryStore(), brokenCache{}, inventory.WithLogger(zap.New(core)))
	ctx := context.Background()

	if err := svc.Add(ctx, book("978-8", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec, err := svc.Borrow(ctx, "978-8"); err != nil || rec.AvailableCopies != 0 {
		t.Fatalf("Borrow: %v err %v", rec, err)
	}
	if rec, err := svc.FindByKey(ctx, "978-8"); err != nil || rec.AvailableCopies != 0 {
		t.Fatalf("FindByKey: %v err %v", rec, err)
	}
	if logs.Len() == 0 {
		t.Fatal("expected cache faults to be logged")
	}
}

func TestSharedStoreTwoServices(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a, _ := newService(t, store)
	b, _ := newService(t, store)
	ctx := context.Background()

	_ = a.Add(ctx, book("978-9", 4))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = a.Borrow(ctx, "978-9") }()
		go func() { defer wg.Done(); _, _ = b.Borrow(ctx, "978-9") }()
	}
	wg.Wait()

	rec, _, _ := store.Get(ctx, "978-9")
	if rec.AvailableCopies != 0 {
		t.Fatalf("expected 0 copies, got %d", rec.AvailableCopies)
	}
}

func TestCancelledContextWhileWaitingForLock(t *testing.T) {
	store := &blockingStore{Store: adapter.NewInMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	svc, _ := newService(t, store)
	ctx := context.Background()
	_ = store.Store.Upsert(ctx, book("978-10", 1))

	go func() { _, _ = svc.Borrow(ctx, "978-10") }()
	<-store.entered

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := svc.Return(waitCtx, "978-10"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(store.release)
}

type blockingStore struct {
	adapter.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ForUpdate(ctx context.Context, key string, fn func(*model.Record, bool) error) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return b.Store.ForUpdate(ctx, key, fn)
}

func TestOperationMetrics(t *testing.T) {
	svc, _ := newService(t, adapter.NewInMemoryStore())
	ctx := context.Background()
	okBefore := testutil.ToFloat64(metrics.Operations.WithLabelValues("borrow", metrics.OutcomeOK))
	insBefore := testutil.ToFloat64(metrics.Operations.WithLabelValues("borrow", metrics.OutcomeInsufficient))

	_ = svc.Add(ctx, book("978-11", 1))
	_, _ = svc.Borrow(ctx, "978-11")
	_, _ = svc.Borrow(ctx, "978-11")

	if d := testutil.ToFloat64(metrics.Operations.WithLabelValues("borrow", metrics.OutcomeOK)) - okBefore; d != 1 {
		t.Fatalf("expected 1 successful borrow, got %v", d)
	}
	if d := testutil.ToFloat64(metrics.Operations.WithLabelValues("borrow", metrics.OutcomeInsufficient)) - insBefore; d != 1 {
		t.Fatalf("expected 1 insufficient borrow, got %v", d)
	}
}

func TestRistrettoReadsSeeCommittedBorrow(t *testing.T) {
	c, err := cache.NewRistretto[model.Record](1024)
	if err != nil {
		t.Fatalf("NewRistretto: %v", err)
	}
	t.Cleanup(c.Close)
	svc := inventory.New(adapter.NewInMemoryStore(), c)
	ctx := context.Background()

	for round := 0; round < 100; round++ {
		key := fmt.Sprintf("978-%d", round)
		if err := svc.Add(ctx, book(key, 5)); err != nil {
			t.Fatalf("Add: %v", err)
		}

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						_, _ = svc.FindByKey(ctx, key)
					}
				}
			}()
		}
		if _, err := svc.Borrow(ctx, key); err != nil {
			t.Fatalf("Borrow: %v", err)
		}
		close(stop)
		wg.Wait()

		rec, err := svc.FindByKey(ctx, key)
		if err != nil {
			t.Fatalf("FindByKey: %v", err)
		}
		if rec.AvailableCopies != 4 {
			t.Fatalf("round %d: read %d copies after a committed borrow, want 4", round, rec.AvailableCopies)
		}
	}
}

// slowReadStore reads the record, then holds it until released, so the
// value handed back predates any mutation committed meanwhile.
type slowReadStore struct {
	adapter.Store
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *slowReadStore) Get(ctx context.Context, key string) (model.Record, bool, error) {
	rec, found, err := s.Store.Get(ctx, key)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.read)
		<-s.release
	}
	return rec, found, err
}

func TestFillStartedBeforeBorrowIsNotCached(t *testing.T) {
	store := &slowReadStore{Store: adapter.NewInMemoryStore(), read: make(chan struct{}), release: make(chan struct{})}
	svc, c := newService(t, store)
	ctx := context.Background()
	if err := store.Store.Upsert(ctx, book("978-12", 3)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	type result struct {
		rec model.Record
		err error
	}
	first := make(chan result, 1)
	go func() {
		rec, err := svc.FindByKey(ctx, "978-12")
		first <- result{rec, err}
	}()
	<-store.read

	if _, err := svc.Borrow(ctx, "978-12"); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	close(store.release)

	res := <-first
	if res.err != nil {
		t.Fatalf("FindByKey: %v", res.err)
	}
	if res.rec.AvailableCopies != 3 {
		t.Fatalf("expected the pre-borrow read to return 3, got %d", res.rec.AvailableCopies)
	}
	if rec, ok, _ := c.Get(ctx, "978-12"); ok {
		t.Fatalf("stale fill cached %d copies", rec.AvailableCopies)
	}
	rec, err := svc.FindByKey(ctx, "978-12")
	if err != nil {
		t.Fatalf("FindByKey: %v", err)
	}
	if rec.AvailableCopies != 2 {
		t.Fatalf("expected 2 copies after borrow, got %d", rec.AvailableCopies)
	}
}
