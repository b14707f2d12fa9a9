// Package publisher is the producer side of the relay: any process that
// changes business state builds an envelope and hands it to the broker.
//
// Publishing is at-most-once. A zero delivery count means no hub is
// currently subscribed and is not an error. Broker failures are returned to
// the caller unchanged in meaning; they are never retried or queued here.
package publisher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/bus"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/metrics"
)

var tracer = otel.Tracer("github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/publisher")

// Publisher encodes envelopes onto the shared broker channel.
type Publisher struct {
	broker  bus.Broker
	channel string
	now     func() time.Time
	logger  logging.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithChannel overrides envelope.DefaultChannel.
func WithChannel(channel string) Option {
	return func(p *Publisher) {
		if channel != "" {
			p.channel = channel
		}
	}
}

// WithClock sets the time source used to stamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Publisher writing to broker.
func New(broker bus.Broker, opts ...Option) *Publisher {
	p := &Publisher{
		broker:  broker,
		channel: envelope.DefaultChannel,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.New("publisher")
	}
	return p
}

// Channel returns the broker channel the publisher writes to.
func (p *Publisher) Channel() string { return p.channel }

// Publish validates env, encodes it and publishes it. It returns the number
// of hub processes that received the message.
func (p *Publisher) Publish(ctx context.Context, env envelope.Envelope) (int64, error) {
	ctx, span := tracer.Start(ctx, "Publisher.Publish", trace.WithAttributes(
		attribute.String("relay.group", env.GroupName),
		attribute.String("relay.event_type", string(env.EventType)),
	))
	defer span.End()

	data, err := encode(env)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	n, err := p.broker.Publish(ctx, p.channel, data)
	if err != nil {
		metrics.PublishErrorCounter.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Errorw("publish failed", "group", env.GroupName, "event", env.EventType, "error", err)
		return 0, fmt.Errorf("publish %s to %s: %w", env.EventType, env.GroupName, err)
	}
	metrics.PublishedCounter.Inc()
	span.SetAttributes(attribute.Int64("relay.delivery_count", n))
	if n == 0 {
		p.logger.Debugw("no hub subscribed", "group", env.GroupName, "event", env.EventType)
	}
	return n, nil
}

// Announce publishes env without asking for a delivery count. Hubs use it
// for their own lock and presence transitions, whose count nobody reads.
func (p *Publisher) Announce(ctx context.Context, env envelope.Envelope) error {
	ctx, span := tracer.Start(ctx, "Publisher.Announce", trace.WithAttributes(
		attribute.String("relay.group", env.GroupName),
		attribute.String("relay.event_type", string(env.EventType)),
	))
	defer span.End()

	data, err := encode(env)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := bus.Announce(ctx, p.broker, p.channel, data); err != nil {
		metrics.PublishErrorCounter.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("announce %s to %s: %w", env.EventType, env.GroupName, err)
	}
	metrics.PublishedCounter.Inc()
	return nil
}

func encode(env envelope.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return envelope.Marshal(env)
}

// Notify publishes a system-sourced domain notification.
func (p *Publisher) Notify(ctx context.Context, group string, eventType envelope.EventType, payload any) (int64, error) {
	env, err := envelope.New(group, eventType, payload, envelope.WithTimestamp(p.now()))
	if err != nil {
		return 0, err
	}
	return p.Publish(ctx, env)
}

// Agent identifies an automated producer and the organization it acts for.
type Agent struct {
	Source         envelope.SourceType
	Name           string
	OrganizationID int64
}

func (p *Publisher) publishAgent(ctx context.Context, a Agent, roomID int64, kind envelope.Kind, payload any) (int64, error) {
	if !a.Source.IsAgent() {
		return 0, fmt.Errorf("publisher: source %s is not an agent", a.Source)
	}
	env, err := envelope.New(
		envelope.ChatGroup(roomID),
		envelope.NewEventType(envelope.DomainChat, kind),
		payload,
		envelope.WithSource(a.Source),
		envelope.WithOrganization(a.OrganizationID),
		envelope.WithTimestamp(p.now()),
	)
	if err != nil {
		return 0, err
	}
	return p.Publish(ctx, env)
}

// PublishAgentMessage publishes chat:message_received for a message written
// by an agent.
func (p *Publisher) PublishAgentMessage(ctx context.Context, a Agent, roomID, messageID int64, content string) (int64, error) {
	return p.publishAgent(ctx, a, roomID, envelope.KindMessageReceived, envelope.AgentMessagePayload{
		RoomID:    roomID,
		MessageID: messageID,
		Content:   content,
		AgentName: a.Name,
	})
}

// PublishAgentTyping publishes chat:typing.
func (p *Publisher) PublishAgentTyping(ctx context.Context, a Agent, roomID int64, typing bool) (int64, error) {
	return p.publishAgent(ctx, a, roomID, envelope.KindTyping, envelope.TypingPayload{
		RoomID:    roomID,
		AgentName: a.Name,
		IsTyping:  typing,
	})
}

// PublishAgentError publishes chat:error.
func (p *Publisher) PublishAgentError(ctx context.Context, a Agent, roomID int64, message string) (int64, error) {
	return p.publishAgent(ctx, a, roomID, envelope.KindError, envelope.AgentErrorPayload{
		RoomID:  roomID,
		Message: message,
	})
}
