// Package client is the browser-side end of a hub connection, usable from Go
// services and tests. It exposes the hub RPCs and routes pushed events by
// group.
package client

import (
	"context"
	"sync"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

// Conn is a live connection to a hub. Calls are independent round trips;
// no order is guaranteed between a call's result and events arriving
// meanwhile.
type Conn interface {
	// ConnectionID identifies the current transport connection. It changes
	// on reconnect.
	ConnectionID() string
	JoinGroup(ctx context.Context, group string) (protocol.JoinResult, error)
	LeaveGroup(ctx context.Context, group string) error
	StartEdit(ctx context.Context, group string) (protocol.EditResult, error)
	EndEdit(ctx context.Context, group string) error
	LockStatus(ctx context.Context, group string) (protocol.StatusResult, error)
	// Subscribe registers fn for every event of group.
	Subscribe(group string, fn Handler) (cancel func())
	// OnReconnect registers fn to run after a new transport connection is
	// up. Group memberships do not survive a reconnect.
	OnReconnect(fn func()) (cancel func())
}

// Handler receives routed events. Handlers run on the connection's reader
// and must not block.
type Handler func(envelope.Envelope)

// Router dispatches events to handlers.
type Router struct {
	mu       sync.RWMutex
	next     int
	groups   map[string]map[int]Handler
	generics map[int]Handler
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		groups:   make(map[string]map[int]Handler),
		generics: make(map[int]Handler),
	}
}

// Subscribe registers fn for every event of group.
func (r *Router) Subscribe(group string, fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	if r.groups[group] == nil {
		r.groups[group] = make(map[int]Handler)
	}
	r.groups[group][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.groups[group], id)
		if len(r.groups[group]) == 0 {
			delete(r.groups, group)
		}
	}
}

// OnNotification registers fn for business notifications of any group.
// Presence and edit lock events are never passed to it.
func (r *Router) OnNotification(fn Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.generics[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.generics, id)
	}
}

// Dispatch routes env.
func (r *Router) Dispatch(env envelope.Envelope) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.groups[env.GroupName])+len(r.generics))
	for _, fn := range r.groups[env.GroupName] {
		handlers = append(handlers, fn)
	}
	kind := env.EventType.Kind()
	if !kind.IsPresence() && !kind.IsEditLock() {
		for _, fn := range r.generics {
			handlers = append(handlers, fn)
		}
	}
	r.mu.RUnlock()
	for _, fn := range handlers {
		fn(env)
	}
}

type hooks struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

func (h *hooks) add(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[int]func())
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.fns, id)
	}
}

func (h *hooks) fire() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
