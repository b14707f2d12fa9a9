package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyBroker struct {
	*InMemoryBroker
	fail  bool
	calls int
}

func (f *flakyBroker) Publish(ctx context.Context, channel string, data []byte) (int64, error) {
	f.calls++
	if f.fail {
		return 0, errors.New("broker unavailable")
	}
	return f.InMemoryBroker.Publish(ctx, channel, data)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	inner := &flakyBroker{InMemoryBroker: NewInMemoryBroker(), fail: true}
	cb := NewCircuitBreaker(inner, 2, 20*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cb.Publish(ctx, "relay", nil)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	_, err := cb.Publish(ctx, "relay", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
	assert.False(t, cb.IsHealthy())

	time.Sleep(30 * time.Millisecond)
	inner.fail = false
	n, err := cb.Publish(ctx, "relay", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.True(t, cb.IsHealthy())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	inner := &flakyBroker{InMemoryBroker: NewInMemoryBroker(), fail: true}
	cb := NewCircuitBreaker(inner, 1, 10*time.Millisecond)
	ctx := context.Background()

	_, _ = cb.Publish(ctx, "relay", nil)
	time.Sleep(20 * time.Millisecond)
	_, err := cb.Publish(ctx, "relay", nil)
	require.Error(t, err)
	_, err = cb.Publish(ctx, "relay", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerGuardsAnnounce(t *testing.T) {
	inner := &flakyBroker{InMemoryBroker: NewInMemoryBroker(), fail: true}
	cb := NewCircuitBreaker(inner, 1, time.Minute)
	ctx := context.Background()

	var _ Announcer = cb
	require.Error(t, Announce(ctx, cb, "relay", nil))
	assert.ErrorIs(t, Announce(ctx, cb, "relay", nil), ErrCircuitOpen)
	assert.Equal(t, 1, inner.calls)
}
