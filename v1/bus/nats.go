package bus

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
)

// DefaultAckWindow is how long NATSBroker.Publish collects receiver acks.
const DefaultAckWindow = 50 * time.Millisecond

const natsFlushTimeout = 5 * time.Second

var natsAck = []byte("1")

type natsSubscription struct {
	sub  *nats.Subscription
	subs []*subscriber
}

// NATSBroker implements Broker using a NATS backend. Core NATS does not
// report receiver counts, so every subscribing process acks messages that
// carry a reply subject and Publish counts the acks that arrive within the
// ack window.
type NATSBroker struct {
	conn      *nats.Conn
	ackWindow time.Duration

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NATSOption configures a NATSBroker.
type NATSOption func(*NATSBroker)

// WithAckWindow sets how long Publish waits for receiver acks.
func WithAckWindow(d time.Duration) NATSOption {
	return func(b *NATSBroker) {
		if d > 0 {
			b.ackWindow = d
		}
	}
}

// NewNATSBroker returns a new NATSBroker using the provided connection.
func NewNATSBroker(conn *nats.Conn, opts ...NATSOption) *NATSBroker {
	b := &NATSBroker{
		conn:      conn,
		ackWindow: DefaultAckWindow,
		subs:      make(map[string]*natsSubscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func natsError(err error) error {
	if stdErrors.Is(err, nats.ErrConnectionClosed) {
		return warperrors.ErrConnectionClosed
	}
	if stdErrors.Is(err, nats.ErrTimeout) {
		return warperrors.ErrTimeout
	}
	return ctxError(err)
}

// Publish implements Broker.Publish.
func (b *NATSBroker) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	ctx, span := tracer.Start(ctx, "NATSBroker.Publish", trace.WithAttributes(attribute.String("relay.bus.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return 0, ctxError(err)
	}
	inbox := b.conn.NewRespInbox()
	acks, err := b.conn.SubscribeSync(inbox)
	if err != nil {
		return 0, fmt.Errorf("nats subscribe inbox: %w", natsError(err))
	}
	defer func() { _ = acks.Unsubscribe() }()

	if err := b.conn.PublishRequest(channel, inbox, data); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("nats publish: %w", natsError(err))
	}
	if err := b.conn.FlushTimeout(natsFlushTimeout); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("nats flush: %w", natsError(err))
	}
	b.published.Add(1)

	var n int64
	deadline := time.Now().Add(b.ackWindow)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if _, err := acks.NextMsg(remaining); err != nil {
			break
		}
		n++
	}
	span.SetAttributes(attribute.Int64("relay.bus.receivers", n))
	return n, nil
}

// Announce implements Announcer. No reply subject is attached, so it
// returns once the server has the message instead of waiting out the ack
// window.
func (b *NATSBroker) Announce(ctx context.Context, channel string, data []byte) error {
	ctx, span := tracer.Start(ctx, "NATSBroker.Announce", trace.WithAttributes(attribute.String("relay.bus.channel", channel)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}
	if err := b.conn.Publish(channel, data); err != nil {
		span.RecordError(err)
		return fmt.Errorf("nats publish: %w", natsError(err))
	}
	if err := b.conn.FlushTimeout(natsFlushTimeout); err != nil {
		span.RecordError(err)
		return fmt.Errorf("nats flush: %w", natsError(err))
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Broker.Subscribe.
func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	s := newSubscriber()
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		sub = &natsSubscription{}
		ns, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
			b.mu.Lock()
			subs := append([]*subscriber(nil), sub.subs...)
			b.mu.Unlock()
			var ok bool
			for _, s := range subs {
				if s.deliver(context.Background(), m.Data) {
					b.delivered.Add(1)
					ok = true
				}
			}
			if ok && m.Reply != "" {
				_ = m.Respond(natsAck)
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, natsError(err)
		}
		sub.sub = ns
		b.subs[channel] = sub
	}
	sub.subs = append(sub.subs, s)
	b.mu.Unlock()
	// the interest must reach the server before a publish can count us
	if err := b.conn.FlushTimeout(natsFlushTimeout); err != nil {
		_ = b.Unsubscribe(context.Background(), channel, s.ch)
		return nil, natsError(err)
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

// Unsubscribe implements Broker.Unsubscribe.
func (b *NATSBroker) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
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
		return natsError(sub.sub.Unsubscribe())
	}
	return nil
}

// Close drops every subscription. The connection is owned by the caller.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()
	for _, sub := range all {
		_ = sub.sub.Unsubscribe()
		for _, s := range sub.subs {
			s.close()
		}
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBroker) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
