package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lend/v1/syncbus"
)

func newRedisLocker(t *testing.T) (*Redis, syncbus.Bus, context.Context) {
	l, _, bus, ctx := newRedisLockerWithServer(t)
	return l, bus, ctx
}

func newRedisLockerWithServer(t *testing.T) (*Redis, *miniredis.Miniredis, syncbus.Bus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := syncbus.NewInMemoryBus()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client, bus), mr, bus, context.Background()
}

func TestRedisTryLockAcquireReleaseAndBus(t *testing.T) {
	l, bus, ctx := newRedisLocker(t)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unlockCh, err := bus.Subscribe(subCtx, "unlock:k")
	if err != nil {
		t.Fatalf("subscribe unlock: %v", err)
	}

	lease, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Key != "k" {
		t.Fatalf("unexpected lease key %q", lease.Key)
	}
	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case <-unlockCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock publish")
	}
	if err := l.Release(ctx, lease); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}

	lease, err = l.TryLock(ctx, "k", time.Second)
	if err != nil || lease == nil {
		t.Fatalf("trylock: %v lease %v", err, lease)
	}
	if other, err := l.TryLock(ctx, "k", time.Second); err != nil || other != nil {
		t.Fatalf("expected lock held, lease %v err %v", other, err)
	}
	if err := l.Release(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisReleaseNotHeld(t *testing.T) {
	l, _, ctx := newRedisLocker(t)
	if err := l.Release(ctx, nil); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestRedisExpiredLeaseCannotReleaseNextHolder(t *testing.T) {
	l, mr, _, ctx := newRedisLockerWithServer(t)

	stale, err := l.Acquire(ctx, "k", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(200 * time.Millisecond)

	// same locker, same key: only the lease tells the holders apart
	current, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := l.Release(ctx, stale); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for the expired lease, got %v", err)
	}
	if !mr.Exists("k") {
		t.Fatal("expired lease removed the current holder's lock")
	}
	if other, err := l.TryLock(ctx, "k", time.Minute); err != nil || other != nil {
		t.Fatalf("expected key still held, lease %v err %v", other, err)
	}
	if err := l.Release(ctx, current); err != nil {
		t.Fatalf("release current: %v", err)
	}
}

func TestRedisAcquireTimeout(t *testing.T) {
	l1, bus, ctx := newRedisLocker(t)
	l2 := NewRedis(l1.client, bus)

	if lease, err := l1.TryLock(ctx, "k", 0); err != nil || lease == nil {
		t.Fatalf("initial trylock: %v lease %v", err, lease)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l2.Acquire(cctx, "k", 0); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRedisAcquireWakesOnRelease(t *testing.T) {
	l1, bus, ctx := newRedisLocker(t)
	l2 := NewRedis(l1.client, bus)

	first, err := l1.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	type acquired struct {
		lease *Lease
		err   error
	}
	ch := make(chan acquired, 1)
	go func() {
		lease, err := l2.Acquire(ctx, "k", time.Minute)
		ch <- acquired{lease, err}
	}()

	select {
	case <-ch:
		t.Fatal("second locker acquired a held lock")
	case <-time.After(30 * time.Millisecond):
	}
	if err := l1.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case got := <-ch:
		if got.err != nil {
			t.Fatalf("acquire after release: %v", got.err)
		}
		_ = l2.Release(ctx, got.lease)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}
