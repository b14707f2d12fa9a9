// Package bus carries encoded envelopes between processes over a single
// shared broker channel. Producers publish without knowing which process
// hosts which live connection; every hub process holds one subscription and
// filters by group itself.
package bus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
)

var tracer = otel.Tracer("github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/bus")

// Broker is the process-to-process transport.
//
// Publish returns the number of subscriber processes that received the
// message. Zero is a valid result: no hub is currently subscribed. Broker
// failures are returned as errors and are never retried internally.
type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) (int64, error)
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error
	Close() error
}

// Announcer is implemented by brokers whose receiver count is costly to
// obtain. Announce publishes without counting.
type Announcer interface {
	Announce(ctx context.Context, channel string, data []byte) error
}

// Announce publishes data on b and discards the receiver count, skipping
// the count altogether when b is an Announcer.
func Announce(ctx context.Context, b Broker, channel string, data []byte) error {
	if a, ok := b.(Announcer); ok {
		return a.Announce(ctx, channel, data)
	}
	_, err := b.Publish(ctx, channel, data)
	return err
}

// Metrics reports broker level counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscriber is one local receiver of a channel. Its data channel is closed
// exactly once, after any in-flight delivery has returned.
type subscriber struct {
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

const subscriberBuffer = 256

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan []byte, subscriberBuffer), done: make(chan struct{})}
}

func (s *subscriber) is(ch <-chan []byte) bool {
	return (<-chan []byte)(s.ch) == ch
}

// deliver blocks until the message is queued, the subscriber is closed or ctx
// is done.
func (s *subscriber) deliver(ctx context.Context, data []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- data:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func removeSubscriber(subs []*subscriber, ch <-chan []byte) ([]*subscriber, *subscriber) {
	for i, s := range subs {
		if s.is(ch) {
			subs[i] = subs[len(subs)-1]
			return subs[:len(subs)-1], s
		}
	}
	return subs, nil
}

func ctxError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}

// InMemoryBroker is a process-local Broker used by single-process setups
// and tests. Each subscription counts as one receiving process.
type InMemoryBroker struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBroker returns a new InMemoryBroker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{subs: make(map[string][]*subscriber)}
}

// Publish implements Broker.Publish.
func (b *InMemoryBroker) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, ctxError(err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, warperrors.ErrConnectionClosed
	}
	subs := append([]*subscriber(nil), b.subs[channel]...)
	b.mu.Unlock()

	b.published.Add(1)
	var n int64
	for _, s := range subs {
		msg := append([]byte(nil), data...)
		if s.deliver(ctx, msg) {
			n++
			b.delivered.Add(1)
		}
	}
	return n, nil
}

// Subscribe implements Broker.Subscribe.
func (b *InMemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(err)
	}
	s := newSubscriber()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, warperrors.ErrConnectionClosed
	}
	b.subs[channel] = append(b.subs[channel], s)
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

// Unsubscribe implements Broker.Unsubscribe.
func (b *InMemoryBroker) Unsubscribe(ctx context.Context, channel string, ch <-chan []byte) error {
	b.mu.Lock()
	subs, removed := removeSubscriber(b.subs[channel], ch)
	if len(subs) == 0 {
		delete(b.subs, channel)
	} else {
		b.subs[channel] = subs
	}
	b.mu.Unlock()
	if removed != nil {
		removed.close()
	}
	return nil
}

// Close closes every subscription.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	all := b.subs
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()
	for _, subs := range all {
		for _, s := range subs {
			s.close()
		}
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBroker) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
