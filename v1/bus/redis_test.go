package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBroker(t *testing.T, mr *miniredis.Miniredis) *RedisBroker {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBroker(client)
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
	})
	return b
}

func TestRedisBrokerCountsProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	ctx := context.Background()

	publisher := newRedisBroker(t, mr)
	n, err := publisher.Publish(ctx, "relay", []byte("nobody"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	hubA := newRedisBroker(t, mr)
	hubB := newRedisBroker(t, mr)
	a1, err := hubA.Subscribe(ctx, "relay")
	require.NoError(t, err)
	a2, err := hubA.Subscribe(ctx, "relay")
	require.NoError(t, err)
	b1, err := hubB.Subscribe(ctx, "relay")
	require.NoError(t, err)

	n, err = publisher.Publish(ctx, "relay", []byte("hello"))
	require.NoError(t, err)
	// one Redis subscription per process, however many local receivers
	assert.Equal(t, int64(2), n)

	assert.Equal(t, "hello", string(receive(t, a1)))
	assert.Equal(t, "hello", string(receive(t, a2)))
	assert.Equal(t, "hello", string(receive(t, b1)))
	assert.Equal(t, uint64(1), publisher.Metrics().Published)
	assert.Equal(t, uint64(2), hubA.Metrics().Delivered)
}

func TestRedisBrokerUnsubscribeClosesChannel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	b := newRedisBroker(t, mr)
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, "relay")
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(ctx, "relay", ch))
	_, ok := <-ch
	assert.False(t, ok)

	n, err := b.Publish(ctx, "relay", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedisBrokerPublishErrorPropagates(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	b := newRedisBroker(t, mr)
	mr.Close()

	_, err = b.Publish(context.Background(), "relay", []byte("x"))
	assert.Error(t, err)
}
