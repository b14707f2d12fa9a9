// Package hub bridges the shared broker channel to live client connections
// and owns the authoritative edit lock and membership state.
//
// Every hub process holds one broker subscription and forwards each
// envelope only to its local sessions joined to the envelope's group. Lock
// transitions and membership changes are announced by publishing envelopes
// onto the same channel, so sessions on every hub process, this one
// included, observe them in per-group order.
package hub

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gouuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/bus"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/lock"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/metrics"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/publisher"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/roster"
)

var tracer = otel.Tracer("github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/hub")

const (
	DefaultWorkers       = 16
	DefaultSendBuffer    = 256
	DefaultLeaseInterval = 10 * time.Second
)

// Hub is one hub process.
type Hub struct {
	id            string
	broker        bus.Broker
	publisher     *publisher.Publisher
	locks         lock.Table
	roster        roster.Roster
	entitlements  Entitlements
	channel       string
	workers       int
	sendBuffer    int
	leaseInterval time.Duration
	logger        logging.Logger

	registry *registry

	mu       sync.RWMutex
	sessions map[string]*Session

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithLockTable sets the edit lock table. The default is an in-memory table,
// correct only while a single hub process serves the channel.
func WithLockTable(t lock.Table) Option {
	return func(h *Hub) { h.locks = t }
}

// WithRoster sets the membership store.
func WithRoster(r roster.Roster) Option {
	return func(h *Hub) { h.roster = r }
}

// WithEntitlements sets the agent envelope policy.
func WithEntitlements(e Entitlements) Option {
	return func(h *Hub) { h.entitlements = e }
}

// WithChannel overrides envelope.DefaultChannel.
func WithChannel(channel string) Option {
	return func(h *Hub) {
		if channel != "" {
			h.channel = channel
		}
	}
}

// WithWorkers sets the number of fan-out workers.
func WithWorkers(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.workers = n
		}
	}
}

// WithSendBuffer sets the per-session outbound buffer used by NewSink.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithLeaseInterval sets how often held locks and memberships are renewed.
// Zero disables renewal.
func WithLeaseInterval(d time.Duration) Option {
	return func(h *Hub) { h.leaseInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New returns a hub consuming broker.
func New(broker bus.Broker, opts ...Option) *Hub {
	id, err := gouuid.GenerateUUID()
	if err != nil {
		id = uuid.NewString()
	}
	h := &Hub{
		id:            id,
		broker:        broker,
		channel:       envelope.DefaultChannel,
		workers:       DefaultWorkers,
		sendBuffer:    DefaultSendBuffer,
		leaseInterval: DefaultLeaseInterval,
		registry:      newRegistry(),
		sessions:      make(map[string]*Session),
		ready:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.New("hub", logging.NewField("hub_id", h.id))
	}
	if h.locks == nil {
		h.locks = lock.NewInMemory(0)
	}
	if h.roster == nil {
		h.roster = roster.NewInMemory(0)
	}
	if h.entitlements == nil {
		h.entitlements = AllowAll{}
	}
	h.publisher = publisher.New(broker, publisher.WithChannel(h.channel), publisher.WithLogger(h.logger))
	return h
}

// ID returns the hub instance id.
func (h *Hub) ID() string { return h.id }

// Ready is closed once Run holds its broker subscription.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// NewSink returns a sink sized by WithSendBuffer.
func (h *Hub) NewSink() *ChanSink { return NewChanSink(h.sendBuffer) }

// Connect registers a new live connection.
func (h *Hub) Connect(identity Identity, sink Sink) *Session {
	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		sink:     sink,
		groups:   make(map[string]struct{}),
		held:     make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	metrics.SessionGauge.Inc()
	h.logger.Infow("session connected", "session", s.id, "user_id", identity.UserID)
	return s
}

// Disconnect treats every group of s as left, releasing any lock it held,
// and closes its sink. Abrupt transport loss ends up here.
func (h *Hub) Disconnect(ctx context.Context, s *Session) {
	groups, ok := s.close()
	if !ok {
		return
	}
	for _, g := range groups {
		if err := h.leave(ctx, s, g); err != nil {
			h.logger.Errorw("leave on disconnect failed", "session", s.id, "group", g, "error", err)
		}
	}
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	s.sink.Close()
	metrics.SessionGauge.Dec()
	h.logger.Infow("session disconnected", "session", s.id, "user_id", s.identity.UserID)
}

// Session returns a live session by id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) liveSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func member(s *Session) roster.Member {
	return roster.Member{
		ConnectionID:    s.id,
		UserID:          s.identity.UserID,
		UserName:        s.identity.UserName,
		IdentityIconURL: s.identity.IdentityIconURL,
	}
}

// JoinGroup adds s to group and returns the lock and member snapshot as of
// the join. Membership is recorded before the lock is read so that any
// later transition reaches s as an event.
func (h *Hub) JoinGroup(ctx context.Context, s *Session, group string) (protocol.JoinResult, error) {
	if _, _, err := envelope.ParseGroup(group); err != nil {
		return protocol.JoinResult{}, err
	}
	open, added := s.join(group)
	if !open {
		return protocol.JoinResult{}, warperrors.ErrConnectionClosed
	}
	h.registry.add(group, s)

	members, err := h.roster.Add(ctx, group, member(s))
	if err != nil {
		if added {
			s.leave(group)
			h.registry.remove(group, s)
		}
		return protocol.JoinResult{}, fmt.Errorf("join %s: %w", group, err)
	}
	holder, err := h.locks.Status(ctx, group)
	if err != nil {
		if added {
			s.leave(group)
			h.registry.remove(group, s)
			if _, rerr := h.roster.Remove(ctx, group, s.id); rerr != nil {
				h.logger.Warnw("roll back membership", "session", s.id, "group", group, "error", rerr)
			}
		}
		return protocol.JoinResult{}, fmt.Errorf("join %s: lock status: %w", group, err)
	}
	if added {
		h.logger.Debugw("group joined", "session", s.id, "group", group)
		h.broadcast(ctx, group, envelope.KindUserJoined, presencePayload(s, group))
	}
	return protocol.JoinResult{Lock: holder, Members: members}, nil
}

// LeaveGroup removes s from group, releasing its lock there. Leaving a
// group that was never joined is a no-op.
func (h *Hub) LeaveGroup(ctx context.Context, s *Session, group string) error {
	if !s.isMember(group) {
		return nil
	}
	return h.leave(ctx, s, group)
}

func (h *Hub) leave(ctx context.Context, s *Session, group string) error {
	s.leave(group)
	h.registry.remove(group, s)

	released, err := h.locks.Release(ctx, group, s.id)
	if err != nil {
		return fmt.Errorf("leave %s: release: %w", group, err)
	}
	if released {
		metrics.LockReleaseCounter.Inc()
		h.broadcast(ctx, group, envelope.KindEditEnded, editPayload(group, s.id, s.identity))
	}
	remaining, err := h.roster.Remove(ctx, group, s.id)
	if err != nil {
		return fmt.Errorf("leave %s: %w", group, err)
	}
	h.logger.Debugw("group left", "session", s.id, "group", group, "remaining", remaining)
	h.broadcast(ctx, group, envelope.KindUserLeft, presencePayload(s, group))

	if remaining == 0 {
		if err := h.clearOrphanLock(ctx, group); err != nil {
			return fmt.Errorf("leave %s: %w", group, err)
		}
	}
	return nil
}

// clearOrphanLock drops a lock whose holder is no longer a member of group.
// A connection that joined and took the lock after the room emptied is a
// member, so its lock stays; Release compares the holder's connection id,
// so a newer holder is never removed.
func (h *Hub) clearOrphanLock(ctx context.Context, group string) error {
	prev, err := h.locks.Status(ctx, group)
	if err != nil || prev == nil {
		return err
	}
	members, err := h.roster.Members(ctx, group)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.ConnectionID == prev.ConnectionID {
			return nil
		}
	}
	released, err := h.locks.Release(ctx, group, prev.ConnectionID)
	if err != nil || !released {
		return err
	}
	h.logger.Infow("orphaned edit lock cleared", "group", group, "holder", prev.ConnectionID)
	h.broadcast(ctx, group, envelope.KindEditEnded, editPayload(group, prev.ConnectionID, Identity{
		UserID:          prev.UserID,
		UserName:        prev.UserName,
		IdentityIconURL: prev.IdentityIconURL,
	}))
	return nil
}

// StartEdit tries to take the edit lock of group for s. Contention is not an
// error: the result carries the current holder. s must have joined group.
func (h *Hub) StartEdit(ctx context.Context, s *Session, group string) (protocol.EditResult, error) {
	if !s.isMember(group) {
		return protocol.EditResult{}, fmt.Errorf("start edit %s: %w", group, warperrors.ErrNotMember)
	}
	current, acquired, err := h.locks.TryAcquire(ctx, group, lock.Holder{
		ConnectionID:    s.id,
		UserID:          s.identity.UserID,
		UserName:        s.identity.UserName,
		IdentityIconURL: s.identity.IdentityIconURL,
	})
	if err != nil {
		return protocol.EditResult{}, fmt.Errorf("start edit %s: %w", group, err)
	}
	if !acquired {
		metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeContended).Inc()
		return protocol.EditResult{Acquired: false, Holder: &current}, nil
	}
	metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeAcquired).Inc()
	if s.hold(group) {
		h.logger.Debugw("edit started", "session", s.id, "group", group)
		h.broadcast(ctx, group, envelope.KindEditStarted, editPayload(group, s.id, s.identity))
	}
	return protocol.EditResult{Acquired: true, Holder: &current}, nil
}

// EndEdit releases the lock of group if s holds it. Otherwise it does
// nothing and announces nothing.
func (h *Hub) EndEdit(ctx context.Context, s *Session, group string) error {
	released, err := h.locks.Release(ctx, group, s.id)
	if err != nil {
		return fmt.Errorf("end edit %s: %w", group, err)
	}
	s.unhold(group)
	if !released {
		return nil
	}
	metrics.LockReleaseCounter.Inc()
	h.logger.Debugw("edit ended", "session", s.id, "group", group)
	h.broadcast(ctx, group, envelope.KindEditEnded, editPayload(group, s.id, s.identity))
	return nil
}

// LockStatus reads the current holder of group.
func (h *Hub) LockStatus(ctx context.Context, group string) (protocol.StatusResult, error) {
	if _, _, err := envelope.ParseGroup(group); err != nil {
		return protocol.StatusResult{}, err
	}
	holder, err := h.locks.Status(ctx, group)
	if err != nil {
		return protocol.StatusResult{}, fmt.Errorf("lock status %s: %w", group, err)
	}
	return protocol.StatusResult{Lock: holder}, nil
}

// broadcast announces a transition on the shared channel. A failed publish
// is logged: the transition itself already happened.
func (h *Hub) broadcast(ctx context.Context, group string, kind envelope.Kind, payload any) {
	env, err := envelope.New(group, envelope.NewEventType(envelope.GroupDomain(group), kind), payload)
	if err != nil {
		h.logger.Errorw("build event", "group", group, "kind", kind, "error", err)
		return
	}
	if err := h.publisher.Announce(context.WithoutCancel(ctx), env); err != nil {
		h.logger.Errorw("broadcast failed", "group", group, "event", env.EventType, "error", err)
	}
}

func editPayload(group, connectionID string, id Identity) envelope.EditPayload {
	p := envelope.EditPayload{
		ResourceID:      group,
		ConnectionID:    connectionID,
		UserID:          id.UserID,
		UserName:        id.UserName,
		IdentityIconURL: id.IdentityIconURL,
	}
	if domain, rid, err := envelope.ParseGroup(group); err == nil && domain == envelope.DomainTask {
		p.TaskID, _ = strconv.ParseInt(rid, 10, 64)
	}
	return p
}

func presencePayload(s *Session, group string) envelope.PresencePayload {
	return envelope.PresencePayload{
		Group:           group,
		ConnectionID:    s.id,
		UserID:          s.identity.UserID,
		UserName:        s.identity.UserName,
		IdentityIconURL: s.identity.IdentityIconURL,
	}
}
