package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries every notification; the bus key travels as the
// message key since Kafka topic names cannot hold ':'.
const DefaultKafkaTopic = "ledger.lock-events"

// KafkaBus implements Bus on a single Kafka topic. Each instance consumes
// every partition of the topic from the newest offset.
type KafkaBus struct {
	topic    string
	producer sarama.SyncProducer
	consumer sarama.Consumer
	f        *fanout

	startOnce sync.Once
	startErr  error
	mu        sync.Mutex
	pcs       []sarama.PartitionConsumer
}

// NewKafkaBus creates a KafkaBus connected to brokers. An empty topic
// selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		topic:    topic,
		producer: producer,
		consumer: consumer,
		f:        newFanout(),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder("1"),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// start attaches a partition consumer to every partition of the topic.
func (b *KafkaBus) start() error {
	b.startOnce.Do(func() {
		parts, err := b.consumer.Partitions(b.topic)
		if err != nil {
			b.startErr = err
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, p := range parts {
			pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
			if err != nil {
				b.startErr = err
				return
			}
			b.pcs = append(b.pcs, pc)
			go b.dispatch(pc)
		}
	})
	return b.startErr
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.f.deliver(string(msg.Key))
	}
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := b.start(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.f.add(key, ch)
	watch(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.f.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for _, pc := range b.pcs {
		_ = pc.Close()
	}
	b.pcs = nil
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	b.f.closeAll()
}
