package adapter

import (
	"context"
	"sort"
	"sync"

	"github.com/mirkobrombin/go-lend/v1/lock"
	"github.com/mirkobrombin/go-lend/v1/model"
)

// Store is the durable record storage behind the inventory service.
type Store interface {
	// Exists reports whether a record with key is stored.
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns the record for key. The boolean reports whether it was found.
	Get(ctx context.Context, key string) (model.Record, bool, error)
	// FindByAuthor returns every record whose Author equals author, ordered by key.
	FindByAuthor(ctx context.Context, author string) ([]model.Record, error)
	// Upsert inserts or replaces rec. The write is durable once Upsert returns.
	Upsert(ctx context.Context, rec model.Record) error
	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ForUpdate runs fn while holding an exclusive lock on the record for key,
	// within a single transaction. fn receives the current record and whether it
	// exists. If fn returns nil and the record exists, the (possibly modified)
	// record is committed; a non-nil error rolls back and is returned as is.
	ForUpdate(ctx context.Context, key string, fn func(rec *model.Record, found bool) error) error
	// Keys returns every stored key. It is used by the audit.
	Keys(ctx context.Context) ([]string, error)
}

// InMemoryStore is a Store backed by a map. Row locks come from a private
// lock.Registry so ForUpdate callers on the same key serialize.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]model.Record
	rows  *lock.Registry
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]model.Record), rows: lock.NewRegistry()}
}

// Exists implements Store.Exists.
func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.items[key]
	s.mu.RUnlock()
	return ok, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (model.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, false, err
	}
	s.mu.RLock()
	rec, ok := s.items[key]
	s.mu.RUnlock()
	return rec, ok, nil
}

// FindByAuthor implements Store.FindByAuthor.
func (s *InMemoryStore) FindByAuthor(ctx context.Context, author string) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]model.Record, 0)
	for _, rec := range s.items {
		if rec.Author == author {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upsert implements Store.Upsert.
func (s *InMemoryStore) Upsert(ctx context.Context, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[rec.Key] = rec
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// ForUpdate implements Store.ForUpdate.
func (s *InMemoryStore) ForUpdate(ctx context.Context, key string, fn func(rec *model.Record, found bool) error) error {
	g, err := s.rows.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer g.Release()

	s.mu.RLock()
	rec, found := s.items[key]
	s.mu.RUnlock()

	if err := fn(&rec, found); err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.Key = key
	s.mu.Lock()
	s.items[key] = rec
	s.mu.Unlock()
	return nil
}

// Keys implements Store.Keys.
func (s *InMemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
