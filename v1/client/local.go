package client

import (
	"context"
	"sync"

	"github.com/google/uuid"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/hub"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

// Local is an in-process Conn bound directly to a Hub. Drop and Reconnect
// reproduce transport loss without a network.
type Local struct {
	hub      *hub.Hub
	identity hub.Identity
	router   *Router
	hooks    hooks

	mu      sync.Mutex
	session *hub.Session
}

// NewLocal connects identity to h.
func NewLocal(h *hub.Hub, identity hub.Identity) *Local {
	l := &Local{hub: h, identity: identity, router: NewRouter()}
	l.connect()
	return l
}

func (l *Local) connect() {
	sink := l.hub.NewSink()
	s := l.hub.Connect(l.identity, sink)
	l.mu.Lock()
	l.session = s
	l.mu.Unlock()
	go l.pump(s, sink)
}

// pump routes events of s until its sink closes. Frames still buffered
// when s is dropped are discarded.
func (l *Local) pump(s *hub.Session, sink *hub.ChanSink) {
	for f := range sink.Frames() {
		if f.Type != protocol.TypeEvent || f.Event == nil || l.current() != s {
			continue
		}
		l.router.Dispatch(*f.Event)
	}
}

func (l *Local) current() *hub.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// Router exposes the event router, e.g. for generic notification handlers.
func (l *Local) Router() *Router { return l.router }

func (l *Local) ConnectionID() string {
	if s := l.current(); s != nil {
		return s.ID()
	}
	return ""
}

func (l *Local) call(ctx context.Context, m protocol.Method, group string) (protocol.Frame, error) {
	s := l.current()
	if s == nil {
		return protocol.Frame{}, warperrors.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return protocol.Frame{}, ctxError(err)
	}
	return l.hub.Handle(ctx, s, protocol.NewRequest(uuid.NewString(), m, group)), nil
}

func (l *Local) JoinGroup(ctx context.Context, group string) (protocol.JoinResult, error) {
	return invoke[protocol.JoinResult](ctx, l.call, protocol.MethodJoinGroup, group)
}

func (l *Local) LeaveGroup(ctx context.Context, group string) error {
	_, err := invoke[struct{}](ctx, l.call, protocol.MethodLeaveGroup, group)
	return err
}

func (l *Local) StartEdit(ctx context.Context, group string) (protocol.EditResult, error) {
	return invoke[protocol.EditResult](ctx, l.call, protocol.MethodStartEdit, group)
}

func (l *Local) EndEdit(ctx context.Context, group string) error {
	_, err := invoke[struct{}](ctx, l.call, protocol.MethodEndEdit, group)
	return err
}

func (l *Local) LockStatus(ctx context.Context, group string) (protocol.StatusResult, error) {
	return invoke[protocol.StatusResult](ctx, l.call, protocol.MethodGetLockStatus, group)
}

func (l *Local) Subscribe(group string, fn Handler) func() { return l.router.Subscribe(group, fn) }

func (l *Local) OnReconnect(fn func()) func() { return l.hooks.add(fn) }

// Drop ends the current session as an abrupt disconnect would.
func (l *Local) Drop(ctx context.Context) {
	l.mu.Lock()
	s := l.session
	l.session = nil
	l.mu.Unlock()
	if s != nil {
		l.hub.Disconnect(ctx, s)
	}
}

// Reconnect opens a fresh session and runs the reconnect hooks.
func (l *Local) Reconnect(ctx context.Context) {
	l.Drop(ctx)
	l.connect()
	l.hooks.fire()
}

// Close drops the session for good.
func (l *Local) Close(ctx context.Context) error {
	l.Drop(ctx)
	return nil
}
