package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	lenderrors "github.com/mirkobrombin/go-lend/v1/errors"
	"github.com/mirkobrombin/go-lend/v1/lock"
	"github.com/mirkobrombin/go-lend/v1/model"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisLockLease = 10 * time.Second

	recordPrefix = "lend:record:"
	authorPrefix = "lend:author:"
	rowLockKey   = "lend:lock:"
)

// RedisStore implements Store using a Redis backend. Records are JSON values
// under lend:record:<key>; a set per author backs FindByAuthor. ForUpdate
// serializes through a lock.Redis lease on lend:lock:<key>.
type RedisStore struct {
	client  *redis.Client
	locker  *lock.Redis
	timeout time.Duration
	lease   time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	lease   time.Duration
	locker  *lock.Redis
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithLockLease sets how long a ForUpdate row lock survives a crashed holder.
// A lease not longer than the operation timeout is raised to twice the
// timeout.
func WithLockLease(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.lease = d
	}
}

// WithLocker shares a lock.Redis between stores, typically one wired to a
// Redis syncbus so waiters in other processes are woken on release.
func WithLocker(l *lock.Redis) RedisOption {
	return func(o *redisStoreOptions) {
		o.locker = l
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, lease: defaultRedisLockLease}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = lock.NewRedis(client, nil)
	}
	// the row lock must outlive the operation it guards
	if o.lease <= o.timeout {
		o.lease = 2 * o.timeout
	}
	return &RedisStore{client: client, locker: o.locker, timeout: o.timeout, lease: o.lease}
}

func translateRedis(err error) error {
	if stdErrors.Is(err, redis.ErrClosed) {
		return lenderrors.ErrConnectionClosed
	}
	return lenderrors.Translate(err)
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, key string) (model.Record, bool, error) {
	data, err := c.Get(ctx, recordPrefix+key).Bytes()
	if err == redis.Nil {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, translateRedis(err)
	}
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Record{}, false, err
	}
	return rec, true, nil
}

// write replaces the record and keeps the author index in step with it.
func (s *RedisStore) write(ctx context.Context, key string, old *model.Record, rec model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil && old.Author != rec.Author {
			pipe.SRem(ctx, authorPrefix+old.Author, key)
		}
		pipe.Set(ctx, recordPrefix+key, data, 0)
		pipe.SAdd(ctx, authorPrefix+rec.Author, key)
		return nil
	})
	return translateRedis(err)
}

// Exists implements Store.Exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, lenderrors.Translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Exists(cctx, recordPrefix+key).Result()
	if err != nil {
		return false, translateRedis(err)
	}
	return n > 0, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (model.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, false, lenderrors.Translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.read(cctx, s.client, key)
}

// FindByAuthor implements Store.FindByAuthor.
func (s *RedisStore) FindByAuthor(ctx context.Context, author string) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, lenderrors.Translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, err := s.client.SMembers(cctx, authorPrefix+author).Result()
	if err != nil {
		return nil, translateRedis(err)
	}
	sort.Strings(keys)
	out := make([]model.Record, 0, len(keys))
	for _, k := range keys {
		rec, ok, err := s.read(cctx, s.client, k)
		if err != nil {
			return nil, err
		}
		// the index may briefly lag a concurrent author change
		if ok && rec.Author == author {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Upsert implements Store.Upsert.
func (s *RedisStore) Upsert(ctx context.Context, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return lenderrors.Translate(err)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.withRowLock(ctx, rec.Key, func(cctx context.Context) error {
		old, found, err := s.read(cctx, s.client, rec.Key)
		if err != nil {
			return err
		}
		if !found {
			return s.write(cctx, rec.Key, nil, rec)
		}
		return s.write(cctx, rec.Key, &old, rec)
	})
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return lenderrors.Translate(err)
	}
	return s.withRowLock(ctx, key, func(cctx context.Context) error {
		rec, ok, err := s.read(cctx, s.client, key)
		if err != nil || !ok {
			return err
		}
		_, err = s.client.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.Del(cctx, recordPrefix+key)
			pipe.SRem(cctx, authorPrefix+rec.Author, key)
			return nil
		})
		return translateRedis(err)
	})
}

func (s *RedisStore) withRowLock(ctx context.Context, key string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	lease, err := s.locker.Acquire(cctx, rowLockKey+key, s.lease)
	if err != nil {
		return lenderrors.Translate(err)
	}
	defer func() {
		_ = s.locker.Release(context.WithoutCancel(ctx), lease)
	}()
	return fn(cctx)
}

// ForUpdate implements Store.ForUpdate.
func (s *RedisStore) ForUpdate(ctx context.Context, key string, fn func(rec *model.Record, found bool) error) error {
	if err := ctx.Err(); err != nil {
		return lenderrors.Translate(err)
	}
	return s.withRowLock(ctx, key, func(cctx context.Context) error {
		rec, found, err := s.read(cctx, s.client, key)
		if err != nil {
			return err
		}
		before := rec
		if err := fn(&rec, found); err != nil {
			return err
		}
		if !found || rec == before {
			return nil
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		rec.Key = key
		return s.write(cctx, key, &before, rec)
	})
}

// Keys implements Store.Keys using SCAN over the record prefix.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, lenderrors.Translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, recordPrefix+"*", 100).Result()
		if err != nil {
			return nil, translateRedis(err)
		}
		for _, k := range batch {
			keys = append(keys, k[len(recordPrefix):])
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}
