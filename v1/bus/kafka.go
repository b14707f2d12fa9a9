package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type kafkaSubscription struct {
	pc   sarama.PartitionConsumer
	subs []*subscriber
}

// KafkaBroker implements Broker on a single-partition Kafka topic per
// channel. Each hub consumes from the newest offset. Kafka decouples
// producers from consumers, so a successful Publish reports one delivery:
// the acknowledged append to the log.
type KafkaBroker struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client

	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBroker creates a new KafkaBroker connecting to the given brokers.
func NewKafkaBroker(brokers []string, cfg *sarama.Config) (*KafkaBroker, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	b := NewKafkaBrokerFrom(producer, consumer)
	b.client = client
	return b, nil
}

// NewKafkaBrokerFrom wraps an existing producer and consumer.
func NewKafkaBrokerFrom(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBroker {
	return &KafkaBroker{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// Publish implements Broker.Publish.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	_, span := tracer.Start(ctx, "KafkaBroker.Publish", trace.WithAttributes(attribute.String("relay.bus.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return 0, ctxError(err)
	}
	msg := &sarama.ProducerMessage{Topic: channel, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("kafka publish: %w", err)
	}
	b.published.Add(1)
	return 1, nil
}

// Subscribe implements Broker.Subscribe.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	s := newSubscriber()
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(channel, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("kafka consume %s: %w", channel, err)
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[channel] = sub
		go b.dispatch(sub)
	}
	sub.subs = append(sub.subs, s)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unsubscribe(context.Background(), channel, s.ch)
		case <-s.done:
		}
	}()
	return s.ch, nil
}

func (b *KafkaBroker) dispatch(sub *kafkaSubscription) {
	for msg := range sub.pc.Messages() {
		b.mu.Lock()
		subs := append([]*subscriber(nil), sub.subs...)
		b.mu.Unlock()
		for _, s := range subs {
			if s.deliver(context.Background(), msg.Value) {
				b.delivered.Add(1)
			}
		}
	}
}

// Unsubscribe implements Broker.Unsubscribe.
func (b *KafkaBroker) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	var removed *subscriber
	sub.subs, removed = removeSubscriber(sub.subs, ch)
	empty := len(sub.subs) == 0
	if empty {
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	if removed != nil {
		removed.close()
	}
	if empty {
		return sub.pc.Close()
	}
	return nil
}

// Close releases the producer, the consumer and the underlying client.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	b.mu.Unlock()
	for _, sub := range all {
		_ = sub.pc.Close()
		for _, s := range sub.subs {
			s.close()
		}
	}
	err := b.producer.Close()
	if cerr := b.consumer.Close(); err == nil {
		err = cerr
	}
	if b.client != nil {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Metrics returns the published and delivered counts.
func (b *KafkaBroker) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
