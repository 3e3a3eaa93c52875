package watchbus

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisWatchBus(t *testing.T) (*RedisWatchBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisWatchBus(client, 10), mr
}

func TestRedisWatchBus(t *testing.T) {
	bus, _ := newRedisWatchBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Publish(ctx, "ledger:alice", []byte("old")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	chKey, err := bus.Watch(ctx, "ledger:alice")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chPrefix, err := bus.SubscribePrefix(ctx, "ledger:")
	if err != nil {
		t.Fatalf("sub prefix: %v", err)
	}
	if err := bus.Publish(ctx, "ledger:alice", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Watch starts after the existing tail, so "old" is not replayed.
	recv(t, chKey, "a")
	recv(t, chPrefix, "a")

	if err := bus.Publish(ctx, "ledger:bob", []byte("b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	recv(t, chPrefix, "b")

	if err := bus.Unwatch(ctx, "ledger:alice", chKey); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	for range chKey {
	}
	if err := bus.Unwatch(ctx, "ledger:", chPrefix); err != nil {
		t.Fatalf("unwatch prefix: %v", err)
	}
	for range chPrefix {
	}
}

func TestRedisWatchBusStreamIsCapped(t *testing.T) {
	bus, mr := newRedisWatchBus(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := bus.Publish(ctx, "ledger:carol", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	entries, err := mr.Stream("ledger:carol")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected stream trimmed to 10, got %d", len(entries))
	}
}
