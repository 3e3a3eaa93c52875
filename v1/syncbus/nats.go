package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn *nats.Conn
	f    *fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		f:    newFanout(),
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := b.conn.Publish(key, []byte("1")); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; !ok {
		sub, err := b.conn.Subscribe(key, func(_ *nats.Msg) {
			b.f.deliver(key)
		})
		if err != nil {
			return nil, err
		}
		// Make sure the server registered interest before returning.
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.subs[key] = sub
	}
	b.f.add(key, ch)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.f.remove(key, ch)
	if !found || !last {
		return nil
	}
	sub := b.subs[key]
	delete(b.subs, key)
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
