package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus with Redis pub/sub, one PubSub connection per
// subscribed key.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	f      *fanout

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus returns a RedisBus publishing on channels named prefix+key.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: prefix,
		f:      newFanout(),
		subs:   make(map[string]*redis.PubSub),
	}
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return ledgererrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return ledgererrors.ErrConnectionClosed
	}
	return err
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.prefix+key, "1").Err(); err != nil {
		return mapRedisErr(err)
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so a publish issued afterwards is never missed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; !ok {
		ps := b.client.Subscribe(ctx, b.prefix+key)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, mapRedisErr(err)
		}
		b.subs[key] = ps
		go b.dispatch(key, ps)
	}
	b.f.add(key, ch)
	watch(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.f.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.f.remove(key, ch)
	if !found || !last {
		return nil
	}
	ps := b.subs[key]
	delete(b.subs, key)
	if ps == nil {
		return nil
	}
	return mapRedisErr(ps.Close())
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close ends every subscription and closes subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.f.closeAll()
	return nil
}
