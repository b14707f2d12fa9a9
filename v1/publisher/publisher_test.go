package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/bus"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
)

type failingBroker struct {
	bus.Broker
	err error
}

func (f failingBroker) Publish(context.Context, string, []byte) (int64, error) {
	return 0, f.err
}

func fixedClock() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestPublishZeroSubscribersIsSuccess(t *testing.T) {
	p := New(bus.NewInMemoryBroker(), WithLogger(logging.Nop()))
	n, err := p.Notify(context.Background(), envelope.TaskGroup(1), "task:comment_added", map[string]int{"commentId": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPublishDeliversEncodedEnvelope(t *testing.T) {
	b := bus.NewInMemoryBroker()
	ctx := context.Background()
	ch, err := b.Subscribe(ctx, "test-channel")
	require.NoError(t, err)

	p := New(b, WithChannel("test-channel"), WithClock(fixedClock), WithLogger(logging.Nop()))
	n, err := p.PublishAgentTyping(ctx, Agent{Source: envelope.SourceChatBot, Name: "helper", OrganizationID: 17}, 5, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var data []byte
	select {
	case data = <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	env, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "chat:5", env.GroupName)
	assert.Equal(t, envelope.EventType("chat:typing"), env.EventType)
	assert.Equal(t, envelope.SourceChatBot, env.SourceType)
	assert.True(t, env.Timestamp.Equal(fixedClock()))
	org, ok := env.Organization()
	require.True(t, ok)
	assert.Equal(t, int64(17), org)

	payload, err := envelope.Decode[envelope.TypingPayload](env)
	require.NoError(t, err)
	assert.True(t, payload.IsTyping)
	assert.Equal(t, "helper", payload.AgentName)
}

func TestPublishPropagatesBrokerError(t *testing.T) {
	boom := errors.New("broker unavailable")
	p := New(failingBroker{err: boom}, WithLogger(logging.Nop()))
	_, err := p.PublishAgentError(context.Background(), Agent{Source: envelope.SourceSystemBot, OrganizationID: 1}, 9, "failed")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	p := New(bus.NewInMemoryBroker(), WithLogger(logging.Nop()))
	_, err := p.Publish(context.Background(), envelope.Envelope{
		GroupName:  envelope.ChatGroup(1),
		EventType:  "chat:message_received",
		SourceType: envelope.SourceChatBot,
	})
	assert.ErrorIs(t, err, warperrors.ErrMissingOrganization)

	_, err = p.PublishAgentMessage(context.Background(), Agent{Source: envelope.SourceUser}, 1, 1, "hi")
	assert.Error(t, err)
}

type countingAnnouncer struct {
	*bus.InMemoryBroker
	announced int
}

func (c *countingAnnouncer) Announce(ctx context.Context, channel string, data []byte) error {
	c.announced++
	_, err := c.InMemoryBroker.Publish(ctx, channel, data)
	return err
}

func TestAnnounce(t *testing.T) {
	ctx := context.Background()
	b := &countingAnnouncer{InMemoryBroker: bus.NewInMemoryBroker()}
	ch, err := b.Subscribe(ctx, envelope.DefaultChannel)
	require.NoError(t, err)
	p := New(b, WithLogger(logging.Nop()))

	env, err := envelope.New(envelope.TaskGroup(3), "task:edit_started", envelope.EditPayload{ResourceID: "task:3"})
	require.NoError(t, err)
	require.NoError(t, p.Announce(ctx, env))
	assert.Equal(t, 1, b.announced)
	select {
	case data := <-ch:
		got, err := envelope.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, "task:3", got.GroupName)
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	assert.Error(t, p.Announce(ctx, envelope.Envelope{}))

	failing := New(failingBroker{Broker: bus.NewInMemoryBroker(), err: errors.New("down")}, WithLogger(logging.Nop()))
	assert.Error(t, failing.Announce(ctx, env))
}
