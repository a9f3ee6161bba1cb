package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscriber queue length. Messages published
// while a subscriber's queue is full are dropped for that subscriber.
const subscriberBuffer = 64

// Bus provides a simple pub/sub mechanism used to propagate lock releases and
// cache invalidations across instances. Payloads are record or lock keys.
type Bus interface {
	// Publish sends key to every current subscriber of channel.
	Publish(ctx context.Context, channel, key string) error
	// Subscribe returns a stream of keys published on channel. The stream is
	// closed once ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
}

// InMemoryBus is a process-local Bus, used by tests and single-instance
// deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan string
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan string)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	// sends happen under the lock so a concurrent unsubscribe cannot close a
	// channel mid-send; they never block.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- key:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.unsubscribe(channel, ch)
	}()
	return ch, nil
}

func (b *InMemoryBus) unsubscribe(channel string, ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, channel)
		return
	}
	b.subs[channel] = subs
}

// Metrics reports bus counters.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (b *InMemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
