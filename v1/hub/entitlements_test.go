package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
)

func TestStaticEntitlements(t *testing.T) {
	s := NewStaticEntitlements()
	ctx := context.Background()
	ok, err := s.Allowed(ctx, 1, envelope.SourceChatBot)
	require.NoError(t, err)
	assert.False(t, ok)

	s.Enable(1, envelope.SourceChatBot, envelope.SourceSystemBot)
	ok, _ = s.Allowed(ctx, 1, envelope.SourceChatBot)
	assert.True(t, ok)
	s.Disable(1, envelope.SourceChatBot)
	ok, _ = s.Allowed(ctx, 1, envelope.SourceChatBot)
	assert.False(t, ok)
	ok, _ = s.Allowed(ctx, 1, envelope.SourceSystemBot)
	assert.True(t, ok)
}

func TestCachedEntitlementsCollapsesLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	next := EntitlementFunc(func(ctx context.Context, org int64, src envelope.SourceType) (bool, error) {
		calls.Add(1)
		<-release
		return org == 1, nil
	})
	c, err := NewCachedEntitlements(next, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Allowed(ctx, 1, envelope.SourceChatBot)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	c.cache.Wait()
	ok, err := c.Allowed(ctx, 1, envelope.SourceChatBot)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedEntitlementsDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	next := EntitlementFunc(func(context.Context, int64, envelope.SourceType) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("feature api down")
		}
		return true, nil
	})
	c, err := NewCachedEntitlements(next, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.Allowed(context.Background(), 3, envelope.SourceSystemBot)
	require.Error(t, err)
	ok, err := c.Allowed(context.Background(), 3, envelope.SourceSystemBot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHubFailsClosedOnEntitlementError(t *testing.T) {
	h := New(nil, WithLogger(logging.Nop()), WithEntitlements(EntitlementFunc(func(context.Context, int64, envelope.SourceType) (bool, error) {
		return true, errors.New("lookup failed")
	})))
	env, err := envelope.New(envelope.ChatGroup(1), "chat:typing", nil, envelope.WithSource(envelope.SourceChatBot), envelope.WithOrganization(1))
	require.NoError(t, err)
	assert.False(t, h.allowed(context.Background(), env))

	sys, err := envelope.New(envelope.ChatGroup(1), "chat:typing", nil)
	require.NoError(t, err)
	assert.True(t, h.allowed(context.Background(), sys))
}
