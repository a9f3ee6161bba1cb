package syncbus

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lenderrors "github.com/mirkobrombin/go-lend/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus on top of Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisBus returns a RedisBus using client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, timeout: redisBusTimeout}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, channel, key string) error {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(cctx, channel, key).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return lenderrors.ErrConnectionClosed
		}
		return lenderrors.Translate(err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so messages published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	ps := b.client.Subscribe(ctx, channel)
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	_, err := ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		if errors.Is(err, redis.ErrClosed) {
			return nil, lenderrors.ErrConnectionClosed
		}
		return nil, lenderrors.Translate(err)
	}

	out := make(chan string, subscriberBuffer)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out, nil
}
