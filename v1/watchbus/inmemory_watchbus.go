package watchbus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryWatchBus is an in-process WatchBus.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish implements WatchBus.Publish.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	send := func(chans []chan []byte) {
		for _, ch := range chans {
			select {
			case ch <- data:
			default:
			}
		}
	}
	send(b.subs[key])
	for prefix, chans := range b.prefixes {
		if strings.HasPrefix(key, prefix) {
			send(chans)
		}
	}
	return nil
}

func (b *InMemoryWatchBus) add(ctx context.Context, m map[string][]chan []byte, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	m[key] = append(m[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Watch implements WatchBus.Watch.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.add(ctx, b.subs, key)
}

// SubscribePrefix implements WatchBus.SubscribePrefix.
func (b *InMemoryWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.add(ctx, b.prefixes, prefix)
}

// Unwatch implements WatchBus.Unwatch.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range []map[string][]chan []byte{b.subs, b.prefixes} {
		subs := m[key]
		for i, c := range subs {
			if c == ch {
				subs[i] = subs[len(subs)-1]
				subs = subs[:len(subs)-1]
				close(c)
				if len(subs) == 0 {
					delete(m, key)
				} else {
					m[key] = subs
				}
				return nil
			}
		}
	}
	return nil
}
