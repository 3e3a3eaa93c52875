package watchbus

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
)

// BenchmarkInMemoryPublish measures publish throughput with many account
// watchers and one firehose subscriber.
func BenchmarkInMemoryPublish(b *testing.B) {
	bus := NewInMemory()
	ctx := context.Background()

	const accounts = 1000
	for i := 0; i < accounts; i++ {
		ch, _ := bus.Watch(ctx, fmt.Sprintf("ledger:acct-%d", i))
		go func(c chan []byte) {
			for range c {
			}
		}(ch)
	}
	all, _ := bus.SubscribePrefix(ctx, "ledger:")
	go func() {
		for range all {
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(0))
		for pb.Next() {
			key := fmt.Sprintf("ledger:acct-%d", r.Intn(accounts))
			_ = bus.Publish(ctx, key, []byte(`{"kind":"committed"}`))
		}
	})
}
