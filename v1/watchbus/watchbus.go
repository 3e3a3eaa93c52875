// Package watchbus streams ledger events to out-of-process consumers such as
// the portfolio insights service. Keys are ledger:<account>; consumers watch
// one account or subscribe to the ledger: prefix to follow every account.
//
// Delivery is best effort: a watcher that does not keep up loses messages.
package watchbus

import "context"

// WatchBus publishes opaque payloads under a key.
type WatchBus interface {
	// Publish sends data to the watchers of key and of every prefix of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages published to key from now on. The
	// channel is closed when ctx is done or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// SubscribePrefix subscribes to messages for every key starting with
	// prefix.
	SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering to ch. key is the key or prefix ch was
	// obtained for.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
