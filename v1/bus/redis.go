package bus

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
)

const redisBusTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	subs   []*subscriber
}

// RedisBroker implements Broker with Redis PUBLISH/SUBSCRIBE. PUBLISH
// returns the number of Redis clients subscribed to the channel, which is
// the number of hub processes that received the message.
type RedisBroker struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBroker returns a new RedisBroker using the provided client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Broker.Publish.
func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	ctx, span := tracer.Start(ctx, "RedisBroker.Publish", trace.WithAttributes(attribute.String("relay.bus.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return 0, ctxError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	n, err := b.client.Publish(cctx, channel, data).Result()
	if err != nil {
		span.RecordError(err)
		if stdErrors.Is(err, redis.ErrClosed) {
			return 0, warperrors.ErrConnectionClosed
		}
		return 0, fmt.Errorf("redis publish: %w", ctxError(err))
	}
	b.published.Add(1)
	span.SetAttributes(attribute.Int64("relay.bus.receivers", n))
	return n, nil
}

// Subscribe implements Broker.Subscribe. The Redis subscription is shared by
// every local subscriber of the channel and retried with jittered backoff
// until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	s := newSubscriber()
	backoff := 100 * time.Millisecond
	for {
		b.mu.Lock()
		if sub, ok := b.subs[channel]; ok {
			sub.subs = append(sub.subs, s)
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, channel)
		_, err := ps.Receive(cctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			if existing, ok := b.subs[channel]; ok {
				// lost a race with a concurrent Subscribe
				existing.subs = append(existing.subs, s)
				b.mu.Unlock()
				_ = ps.Close()
				break
			}
			sub := &redisSubscription{pubsub: ps, subs: []*subscriber{s}}
			b.subs[channel] = sub
			b.mu.Unlock()
			go b.dispatch(channel, sub)
			break
		}
		_ = ps.Close()
		if stdErrors.Is(err, redis.ErrClosed) {
			return nil, warperrors.ErrConnectionClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctxError(ctx.Err())
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unsubscribe(context.Background(), channel, s.ch)
		case <-s.done:
		}
	}()
	return s.ch, nil
}

func (b *RedisBroker) dispatch(channel string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		_, span := tracer.Start(context.Background(), "RedisBroker.Dispatch", trace.WithAttributes(attribute.String("relay.bus.channel", channel)))
		b.mu.Lock()
		subs := append([]*subscriber(nil), sub.subs...)
		b.mu.Unlock()
		data := []byte(msg.Payload)
		for _, s := range subs {
			if s.deliver(context.Background(), data) {
				b.delivered.Add(1)
			}
		}
		span.End()
	}
}

// Unsubscribe implements Broker.Unsubscribe.
func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
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
	if !empty {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	_ = sub.pubsub.Unsubscribe(cctx, channel)
	if err := sub.pubsub.Close(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Close closes every Redis subscription. The client itself is owned by the
// caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]*redisSubscription)
	b.mu.Unlock()
	for _, sub := range all {
		_ = sub.pubsub.Close()
		for _, s := range sub.subs {
			s.close()
		}
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBroker) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
