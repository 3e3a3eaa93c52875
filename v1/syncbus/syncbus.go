// Package syncbus carries small "something happened to key" notifications
// between service instances. The lock manager publishes on unlock:<account>
// when a lock is released so that waiters can retry at once instead of
// polling until the holder's expiry.
//
// Notifications carry no payload and coalesce: a subscriber that has not
// drained its channel sees several publishes as one.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a keyed pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel signalled on every publish to key. The
	// subscription ends when ctx is done or Unsubscribe is called, after
	// which the channel is closed.
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics counts notifications sent and handed to subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the local subscriber channels of a bus, keyed by topic.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers ch and reports whether it is the first subscriber of key.
func (f *fanout) add(key string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	return first
}

// remove closes ch and reports whether key has no subscribers left. It
// returns found=false if ch was not registered.
func (f *fanout) remove(key string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return found, found
	}
	f.subs[key] = subs
	return found, false
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, key)
	}
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// watch unsubscribes ch once ctx is done.
func watch(ctx context.Context, b Bus, key string, ch chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a Bus local to the process. It serves single-instance
// deployments and tests.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	b.f.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.f.add(key, ch)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.f.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
