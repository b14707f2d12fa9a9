package roster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testRoster(t *testing.T, r Roster, advance func(time.Duration)) {
	ctx := context.Background()
	const group = "workspace:17"

	ms, err := r.Add(ctx, group, Member{ConnectionID: "a", UserID: 1, UserName: "alice"})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.False(t, ms[0].JoinedAt.IsZero())

	advance(time.Second)
	ms, err = r.Add(ctx, group, Member{ConnectionID: "b", UserID: 2, UserName: "bob"})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "a", ms[0].ConnectionID)
	assert.Equal(t, "b", ms[1].ConnectionID)

	n, err := r.Remove(ctx, group, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = r.Remove(ctx, group, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// b keeps renewing, c goes silent
	_, err = r.Add(ctx, group, Member{ConnectionID: "c", UserID: 3})
	require.NoError(t, err)
	advance(40 * time.Second)
	require.NoError(t, r.Touch(ctx, group, "b"))
	advance(30 * time.Second)

	ms, err = r.Members(ctx, group)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "b", ms[0].ConnectionID)

	n, err = r.Remove(ctx, group, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	ms, err = r.Members(ctx, "workspace:other")
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestInMemoryRoster(t *testing.T) {
	c := &clock{t: time.Now()}
	r := NewInMemory(time.Minute)
	r.now = c.now
	testRoster(t, r, func(d time.Duration) { c.t = c.t.Add(d) })
}

func TestRedisRoster(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	c := &clock{t: time.Now()}
	r := NewRedis(client, time.Minute)
	r.now = c.now
	testRoster(t, r, func(d time.Duration) { c.t = c.t.Add(d) })
}

func TestInMemoryRejoinKeepsJoinTime(t *testing.T) {
	r := NewInMemory(0)
	ctx := context.Background()
	first, err := r.Add(ctx, "task:1", Member{ConnectionID: "a"})
	require.NoError(t, err)
	again, err := r.Add(ctx, "task:1", Member{ConnectionID: "a"})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.True(t, first[0].JoinedAt.Equal(again[0].JoinedAt))
}
