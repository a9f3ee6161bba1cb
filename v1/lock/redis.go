package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	lenderrors "github.com/mirkobrombin/go-lend/v1/errors"
	"github.com/mirkobrombin/go-lend/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// retryInterval bounds how long a waiter sleeps when an unlock notification
// is lost or the holder's lease simply expires.
const retryInterval = 50 * time.Millisecond

// ErrNotHeld is returned by Release when the lease is nil or has expired,
// so the key is free or belongs to another holder.
var ErrNotHeld = errors.New("lock: not held")

// Lease is a held Redis lock. Only the lease that took the lock can release
// it.
type Lease struct {
	Key   string
	token string
}

// Redis is a cross-process exclusive lock built on SET NX with a per-lease
// token. The ttl passed to Acquire bounds the lease: a crashed holder's lock
// expires instead of blocking the key forever.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
}

// NewRedis returns a new Redis locker using the provided client. A nil bus
// falls back to an in-process bus, which only wakes waiters of this process.
func NewRedis(client *redis.Client, bus syncbus.Bus) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &Redis{client: client, bus: bus}
}

func unlockChannel(key string) string { return "unlock:" + key }

// TryLock attempts to obtain the lock without waiting. It returns a nil lease
// and no error when another holder has the key.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, lenderrors.ErrConnectionClosed
		}
		return nil, lenderrors.Translate(err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: key, token: token}, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	// subscribe first so a release between a failed TryLock and the wait is
	// not missed.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	released, err := r.bus.Subscribe(subCtx, unlockChannel(key))
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		l, err := r.TryLock(ctx, key, ttl)
		if err != nil || l != nil {
			return l, err
		}
		select {
		case <-released:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees the lock if l still owns it. An expired lease returns
// ErrNotHeld and leaves the current holder untouched.
func (r *Redis) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return ErrNotHeld
	}
	n, err := delScript.Run(ctx, r.client, []string{l.Key}, l.token).Int()
	if err != nil && err != redis.Nil {
		return lenderrors.Translate(err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	_ = r.bus.Publish(ctx, unlockChannel(l.Key), l.Key)
	return nil
}
