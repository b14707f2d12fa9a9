package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func TestInMemoryPublishNoSubscribers(t *testing.T) {
	b := NewInMemoryBroker()
	n, err := b.Publish(context.Background(), "chan", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInMemoryPublishSubscribeAndMetrics(t *testing.T) {
	b := NewInMemoryBroker()
	ctx := context.Background()
	ch1, err := b.Subscribe(ctx, "chan")
	require.NoError(t, err)
	ch2, err := b.Subscribe(ctx, "chan")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)

	n, err := b.Publish(ctx, "chan", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "hello", string(receive(t, ch1)))
	assert.Equal(t, "hello", string(receive(t, ch2)))
	select {
	case <-other:
		t.Fatal("message leaked to another channel")
	default:
	}

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Published)
	assert.Equal(t, uint64(2), m.Delivered)
}

func TestInMemoryContextUnsubscribe(t *testing.T) {
	b := NewInMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "chan")
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	n, err := b.Publish(context.Background(), "chan", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInMemoryClosed(t *testing.T) {
	b := NewInMemoryBroker()
	require.NoError(t, b.Close())
	_, err := b.Publish(context.Background(), "chan", nil)
	assert.True(t, errors.Is(err, warperrors.ErrConnectionClosed))
}

func TestInMemoryPublishTimeout(t *testing.T) {
	b := NewInMemoryBroker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := b.Publish(ctx, "chan", nil)
	assert.ErrorIs(t, err, warperrors.ErrTimeout)
}
