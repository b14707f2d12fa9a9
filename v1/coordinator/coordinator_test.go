package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/bus"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/client"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/hub"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/lock"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

const group = "task:482"

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(bus.NewInMemoryBroker(), hub.WithLogger(logging.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	<-h.Ready()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func dial(t *testing.T, h *hub.Hub, user int64) *client.Local {
	t.Helper()
	l := client.NewLocal(h, hub.Identity{UserID: user, UserName: fmt.Sprintf("user-%d", user)})
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func open(t *testing.T, conn client.Conn, opts ...Option) *Coordinator {
	t.Helper()
	c := New(conn, group, append([]Option{WithLogger(logging.Nop())}, opts...)...)
	require.NoError(t, c.Open(context.Background()))
	return c
}

func waitState(t *testing.T, c *Coordinator, want State) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		v = c.View()
		return v.State == want
	}, 2*time.Second, 5*time.Millisecond, "want %s, have %s", want, c.View().State)
	return v
}

func TestHandoffBetweenTwoEditors(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	connA, connB := dial(t, h, 1), dial(t, h, 2)

	a := open(t, connA)
	v := a.View()
	require.Equal(t, StateSelfEditing, v.State)
	assert.True(t, v.CanEdit())
	assert.Equal(t, connA.ConnectionID(), v.Holder.ConnectionID)

	b := open(t, connB)
	v = b.View()
	require.Equal(t, StateLockedByOther, v.State)
	assert.Equal(t, int64(1), v.Holder.UserID)
	assert.False(t, v.CanEdit())

	require.NoError(t, a.Release(ctx))
	assert.Equal(t, StateUnlocked, a.View().State)

	v = waitState(t, b, StateSelfEditing)
	assert.Equal(t, connB.ConnectionID(), v.Holder.ConnectionID)
	v = waitState(t, a, StateLockedByOther)
	assert.Equal(t, int64(2), v.Holder.UserID)

	held, err := a.VerifyHolder(ctx)
	require.NoError(t, err)
	assert.False(t, held)
	held, err = b.VerifyHolder(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestCloseReleasesToWaitingEditor(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	connA, connB := dial(t, h, 1), dial(t, h, 2)

	a := open(t, connA)
	b := open(t, connB)
	require.Equal(t, StateLockedByOther, b.View().State)

	require.NoError(t, a.Close(ctx))
	assert.Equal(t, StateIdle, a.View().State)
	waitState(t, b, StateSelfEditing)

	st, err := h.LockStatus(ctx, group)
	require.NoError(t, err)
	require.NotNil(t, st.Lock)
	assert.Equal(t, connB.ConnectionID(), st.Lock.ConnectionID)

	// a closed view no longer follows the lock
	require.NoError(t, b.Close(ctx))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateIdle, a.View().State)
}

func TestReconnectReverifiesLock(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()
	connA, connB := dial(t, h, 1), dial(t, h, 2)

	a := open(t, connA)
	b := open(t, connB)
	oldID := connA.ConnectionID()

	connA.Drop(ctx)
	waitState(t, b, StateSelfEditing)

	connA.Reconnect(ctx)
	v := waitState(t, a, StateLockedByOther)
	assert.Equal(t, connB.ConnectionID(), v.Holder.ConnectionID)
	assert.NotEqual(t, oldID, v.ConnectionID)

	require.NoError(t, b.Close(ctx))
	v = waitState(t, a, StateSelfEditing)
	assert.Equal(t, connA.ConnectionID(), v.Holder.ConnectionID)
}

func TestDeniedPermissionIsReadOnly(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	a := open(t, dial(t, h, 1), WithPermission(PermissionDenied))
	assert.Equal(t, StateReadOnly, a.View().State)
	st, err := h.LockStatus(ctx, group)
	require.NoError(t, err)
	assert.Nil(t, st.Lock)

	b := open(t, dial(t, h, 2))
	require.Equal(t, StateSelfEditing, b.View().State)
	require.NoError(t, b.Close(ctx))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateReadOnly, a.View().State)
}

func TestPendingPermissionIgnoresLockEvents(t *testing.T) {
	h := startHub(t)
	ctx := context.Background()

	a := open(t, dial(t, h, 1), WithPermission(PermissionPending))
	require.Equal(t, StateAwaitingPermissionCheck, a.View().State)

	b := open(t, dial(t, h, 2))
	require.Equal(t, StateSelfEditing, b.View().State)
	time.Sleep(20 * time.Millisecond)
	v := a.View()
	assert.Equal(t, StateAwaitingPermissionCheck, v.State)
	assert.Nil(t, v.Holder)

	require.NoError(t, a.SetPermission(ctx, PermissionGranted))
	v = a.View()
	require.Equal(t, StateLockedByOther, v.State)
	assert.Equal(t, int64(2), v.Holder.UserID)

	require.NoError(t, b.Close(ctx))
	waitState(t, a, StateSelfEditing)
}

func TestOnChangeSeesTransitions(t *testing.T) {
	h := startHub(t)
	c := New(dial(t, h, 1), group, WithLogger(logging.Nop()))

	var mu sync.Mutex
	var seen []State
	cancel := c.OnChange(func(v View) {
		mu.Lock()
		seen = append(seen, v.State)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, c.Open(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StateJoining)
	assert.Equal(t, StateSelfEditing, seen[len(seen)-1])
}

type fakeConn struct {
	id     string
	router *client.Router

	mu       sync.Mutex
	joinErr  error
	joinGate chan struct{}
	joins    int
	start    func(n int) (protocol.EditResult, error)
	starts   int
	ends     int
	leaves   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:     "self",
		router: client.NewRouter(),
		start: func(int) (protocol.EditResult, error) {
			return protocol.EditResult{Acquired: true, Holder: &lock.Holder{ConnectionID: "self"}}, nil
		},
	}
}

func (f *fakeConn) ConnectionID() string { return f.id }

func (f *fakeConn) JoinGroup(context.Context, string) (protocol.JoinResult, error) {
	f.mu.Lock()
	f.joins++
	gate, err := f.joinGate, f.joinErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return protocol.JoinResult{}, err
}

func (f *fakeConn) LeaveGroup(context.Context, string) error {
	f.mu.Lock()
	f.leaves++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) StartEdit(context.Context, string) (protocol.EditResult, error) {
	f.mu.Lock()
	f.starts++
	n, fn := f.starts, f.start
	f.mu.Unlock()
	return fn(n)
}

func (f *fakeConn) EndEdit(context.Context, string) error {
	f.mu.Lock()
	f.ends++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) LockStatus(context.Context, string) (protocol.StatusResult, error) {
	return protocol.StatusResult{}, nil
}

func (f *fakeConn) Subscribe(g string, fn client.Handler) func() { return f.router.Subscribe(g, fn) }

func (f *fakeConn) OnReconnect(func()) func() { return func() {} }

func (f *fakeConn) counts() (starts, ends, leaves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.ends, f.leaves
}

func editEvent(t *testing.T, kind envelope.Kind, connID string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(group, envelope.NewEventType(envelope.DomainTask, kind), envelope.EditPayload{
		ResourceID:   group,
		ConnectionID: connID,
		UserID:       7,
	})
	require.NoError(t, err)
	return env
}

func TestFailedJoinFailsClosed(t *testing.T) {
	conn := newFakeConn()
	conn.joinErr = warperrors.ErrTimeout
	c := New(conn, group, WithLogger(logging.Nop()))

	err := c.Open(context.Background())
	require.ErrorIs(t, err, warperrors.ErrTimeout)
	v := c.View()
	assert.Equal(t, StateUnknown, v.State)
	assert.ErrorIs(t, v.Err, warperrors.ErrTimeout)
	assert.False(t, v.CanEdit())

	// events cannot move it out of the unknown state
	conn.router.Dispatch(editEvent(t, envelope.KindEditEnded, "other"))
	assert.Equal(t, StateUnknown, c.View().State)

	conn.mu.Lock()
	conn.joinErr = nil
	conn.mu.Unlock()
	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, StateSelfEditing, c.View().State)
}

func TestReleaseDuringAcquisitionTriggersRetry(t *testing.T) {
	conn := newFakeConn()
	gate := make(chan struct{})
	conn.start = func(n int) (protocol.EditResult, error) {
		if n == 1 {
			<-gate
			return protocol.EditResult{Holder: &lock.Holder{ConnectionID: "other", UserID: 7}}, nil
		}
		return protocol.EditResult{Acquired: true, Holder: &lock.Holder{ConnectionID: "self"}}, nil
	}
	c := New(conn, group, WithLogger(logging.Nop()))

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background()) }()
	require.Eventually(t, func() bool {
		starts, _, _ := conn.counts()
		return starts == 1
	}, time.Second, time.Millisecond)

	conn.router.Dispatch(editEvent(t, envelope.KindEditEnded, "other"))
	close(gate)

	require.NoError(t, <-done)
	assert.Equal(t, StateSelfEditing, c.View().State)
	starts, _, _ := conn.counts()
	assert.Equal(t, 2, starts)
}

func TestLateGrantAfterCloseIsReleased(t *testing.T) {
	conn := newFakeConn()
	gate := make(chan struct{})
	conn.start = func(int) (protocol.EditResult, error) {
		<-gate
		return protocol.EditResult{Acquired: true, Holder: &lock.Holder{ConnectionID: "self"}}, nil
	}
	c := New(conn, group, WithLogger(logging.Nop()))

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background()) }()
	require.Eventually(t, func() bool {
		starts, _, _ := conn.counts()
		return starts == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	_, ends, leaves := conn.counts()
	assert.Equal(t, 0, ends)
	assert.Equal(t, 1, leaves)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, c.View().State)
	_, ends, _ = conn.counts()
	assert.Equal(t, 1, ends)
}

func TestLockEventsDuringAcquisition(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, group, WithLogger(logging.Nop()))
	gate := make(chan struct{})
	conn.start = func(int) (protocol.EditResult, error) {
		<-gate
		return protocol.EditResult{Holder: &lock.Holder{ConnectionID: "other", UserID: 7}}, nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background()) }()
	require.Eventually(t, func() bool {
		starts, _, _ := conn.counts()
		return starts == 1
	}, time.Second, time.Millisecond)
	conn.router.Dispatch(editEvent(t, envelope.KindEditStarted, "other"))
	assert.Equal(t, StateLockedByOther, c.View().State)

	// own echo is ignored
	conn.router.Dispatch(editEvent(t, envelope.KindEditStarted, "self"))
	close(gate)
	require.NoError(t, <-done)

	v := c.View()
	require.Equal(t, StateLockedByOther, v.State)
	assert.Equal(t, "other", v.Holder.ConnectionID)
	starts, _, _ := conn.counts()
	assert.Equal(t, 1, starts)
}

func TestJoinReplaysEventsReceivedMeanwhile(t *testing.T) {
	conn := newFakeConn()
	conn.joinGate = make(chan struct{})
	c := New(conn, group, WithLogger(logging.Nop()))

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background()) }()
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.joins == 1
	}, time.Second, time.Millisecond)

	// the snapshot below predates this acquisition
	conn.router.Dispatch(editEvent(t, envelope.KindEditStarted, "other"))
	assert.Equal(t, StateJoining, c.View().State)
	close(conn.joinGate)
	require.NoError(t, <-done)

	v := c.View()
	require.Equal(t, StateLockedByOther, v.State)
	assert.Equal(t, "other", v.Holder.ConnectionID)
	starts, _, _ := conn.counts()
	assert.Zero(t, starts)
}

func TestOwnLockEndedWhileEditingReacquires(t *testing.T) {
	conn := newFakeConn()
	c := open(t, conn)
	require.Equal(t, StateSelfEditing, c.View().State)
	var (
		mu     sync.Mutex
		states []State
	)
	c.OnChange(func(v View) {
		mu.Lock()
		states = append(states, v.State)
		mu.Unlock()
	})

	// the hub dropped our lock, e.g. after a lost lease; the user still
	// wants to edit, so the coordinator asks again
	conn.router.Dispatch(editEvent(t, envelope.KindEditEnded, "self"))
	require.Eventually(t, func() bool {
		starts, _, _ := conn.counts()
		return starts == 2
	}, time.Second, time.Millisecond)
	waitState(t, c, StateSelfEditing)
	mu.Lock()
	assert.Equal(t, []State{StateUnlocked, StateSelfEditing}, states)
	mu.Unlock()

	// an own edit_started echo changes nothing
	conn.router.Dispatch(editEvent(t, envelope.KindEditStarted, "self"))
	assert.Equal(t, StateSelfEditing, c.View().State)
	starts, _, _ := conn.counts()
	assert.Equal(t, 2, starts)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "self_editing", StateSelfEditing.String())
	assert.Equal(t, "invalid", State(99).String())
}
