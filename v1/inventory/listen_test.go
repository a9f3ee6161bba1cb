package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-lend/v1/adapter"
	"github.com/mirkobrombin/go-lend/v1/inventory"
	"github.com/mirkobrombin/go-lend/v1/metrics"
	"github.com/mirkobrombin/go-lend/v1/syncbus"
)

func startListening(t *testing.T, svc *inventory.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Error("Listen did not return after cancel")
		}
	})
}

func waitSubscribed(t *testing.T, bus *syncbus.InMemoryBus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.Subscribers(inventory.InvalidationChannel) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestListenDropsEntriesChangedElsewhere(t *testing.T) {
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	a, _ := newService(t, store, inventory.WithBus(bus))
	b, cb := newService(t, store, inventory.WithBus(bus))
	startListening(t, b)
	waitSubscribed(t, bus)
	ctx := context.Background()

	require.NoError(t, a.Add(ctx, book("978-20", 3)))
	got, err := b.FindByKey(ctx, "978-20")
	require.NoError(t, err)
	require.Equal(t, 3, got.AvailableCopies)

	_, err = a.Borrow(ctx, "978-20")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := cb.Peek(ctx, "978-20")
		return !ok
	}, time.Second, 5*time.Millisecond)

	fresh, err := b.FindByKey(ctx, "978-20")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.AvailableCopies)
}

func TestListenIgnoresOwnAnnouncements(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	svc, c := newService(t, adapter.NewInMemoryStore(), inventory.WithBus(bus))
	startListening(t, svc)
	waitSubscribed(t, bus)
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, book("978-21", 1)))

	// messages are handled in order, so once this foreign one is processed the
	// Add announcement has been seen too.
	before := testutil.ToFloat64(metrics.RemoteInvalidations)
	require.NoError(t, bus.Publish(ctx, inventory.InvalidationChannel, "someone-else|978-unrelated"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RemoteInvalidations) > before
	}, time.Second, 5*time.Millisecond)

	_, ok := c.Peek(ctx, "978-21")
	assert.True(t, ok, "own Add must stay cached")
}

func TestListenWithoutBus(t *testing.T) {
	svc, _ := newService(t, adapter.NewInMemoryStore())
	assert.NoError(t, svc.Listen(context.Background()))
}

type failingBus struct{ err error }

func (f failingBus) Publish(context.Context, string, string) error { return f.err }
func (f failingBus) Subscribe(context.Context, string) (<-chan string, error) {
	return nil, f.err
}

func TestPublishFailureDoesNotFailMutation(t *testing.T) {
	bus := failingBus{err: errors.New("bus down")}
	svc, _ := newService(t, adapter.NewInMemoryStore(), inventory.WithBus(bus))
	ctx := context.Background()
	require.NoError(t, svc.Add(ctx, book("978-22", 1)))
	_, err := svc.Borrow(ctx, "978-22")
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Listen(ctx), bus.err)
}

func TestListenOverRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	store := adapter.NewRedisStore(client)
	a, _ := newService(t, store, inventory.WithBus(syncbus.NewRedisBus(client)))
	b, cb := newService(t, store, inventory.WithBus(syncbus.NewRedisBus(client)))
	startListening(t, b)
	ctx := context.Background()

	require.NoError(t, a.Add(ctx, book("978-23", 5)))
	require.Eventually(t, func() bool {
		_, _ = b.FindByKey(ctx, "978-23")
		if _, err := a.Return(ctx, "978-23"); err != nil {
			return false
		}
		time.Sleep(20 * time.Millisecond)
		_, ok := cb.Peek(ctx, "978-23")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
