package watchbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen caps each per-account stream.
const DefaultStreamMaxLen = 1000

// RedisWatchBus implements WatchBus on Redis. Every message is appended to
// a stream named after the key, which per-key watchers read with XREAD, and
// is also published on pub/sub for prefix subscribers.
type RedisWatchBus struct {
	client  redis.UniversalClient
	maxLen  int64
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a RedisWatchBus. maxLen <= 0 selects
// DefaultStreamMaxLen.
func NewRedisWatchBus(client redis.UniversalClient, maxLen int64) *RedisWatchBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisWatchBus{
		client:  client,
		maxLen:  maxLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish implements WatchBus.Publish.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	pipe := b.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Values: map[string]any{"data": data},
	})
	pipe.Publish(ctx, key, data)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisWatchBus) register(key string, ch chan []byte, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
}

// Watch implements WatchBus.Watch. The stream position is fixed before
// Watch returns, so nothing published afterwards is skipped.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	lastID := "0-0"
	last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(last) == 1 {
		lastID = last[0].ID
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)
	b.register(key, ch, cancel)

	go func() {
		defer close(ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   0,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// SubscribePrefix implements WatchBus.SubscribePrefix.
func (b *RedisWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	ps := b.client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)
	b.register(prefix, ch, func() {
		cancel()
		_ = ps.Close()
	})

	go func() {
		defer close(ch)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	m := b.cancels[key]
	cancel, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
