// Package presence follows who is currently viewing a container group, such
// as a whole workspace. It carries no lock semantics.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/client"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/roster"
)

const rejoinTimeout = 10 * time.Second

type event struct {
	joined bool
	member roster.Member
}

// Tracker keeps the member list of one group up to date from user_joined
// and user_left events.
type Tracker struct {
	conn   client.Conn
	group  string
	logger logging.Logger

	mu          sync.Mutex
	joined      bool
	synced      bool
	gen         uint64
	members     map[string]roster.Member
	buffer      []event
	unsubscribe func()
	unreconnect func()

	notifyMu  sync.Mutex
	listeners map[int]func([]roster.Member)
	nextID    int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker returns a tracker for group. It does nothing until Join.
func NewTracker(conn client.Conn, group string, opts ...Option) *Tracker {
	t := &Tracker{
		conn:      conn,
		group:     group,
		members:   make(map[string]roster.Member),
		listeners: make(map[int]func([]roster.Member)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.New("presence", logging.NewField("group", group))
	}
	return t
}

// Join joins the group and returns the initial member list.
func (t *Tracker) Join(ctx context.Context) ([]roster.Member, error) {
	t.mu.Lock()
	if !t.joined {
		t.joined = true
		t.unsubscribe = t.conn.Subscribe(t.group, t.onEvent)
		t.unreconnect = t.conn.OnReconnect(t.onReconnect)
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	if err := t.sync(ctx, gen); err != nil {
		return nil, err
	}
	return t.Members(), nil
}

func (t *Tracker) sync(ctx context.Context, gen uint64) error {
	t.mu.Lock()
	t.synced = false
	t.buffer = nil
	t.mu.Unlock()

	res, err := t.conn.JoinGroup(ctx, t.group)

	t.mu.Lock()
	if gen != t.gen || !t.joined {
		t.mu.Unlock()
		return err
	}
	if err != nil {
		t.mu.Unlock()
		return err
	}
	members := make(map[string]roster.Member, len(res.Members))
	for _, m := range res.Members {
		members[m.ConnectionID] = m
	}
	for _, ev := range t.buffer {
		apply(members, ev)
	}
	t.members = members
	t.buffer = nil
	t.synced = true
	t.mu.Unlock()
	t.emit()
	return nil
}

func apply(members map[string]roster.Member, ev event) {
	if !ev.joined {
		delete(members, ev.member.ConnectionID)
		return
	}
	if _, ok := members[ev.member.ConnectionID]; !ok {
		members[ev.member.ConnectionID] = ev.member
	}
}

func (t *Tracker) onEvent(env envelope.Envelope) {
	kind := env.EventType.Kind()
	if !kind.IsPresence() {
		return
	}
	p, err := envelope.Decode[envelope.PresencePayload](env)
	if err != nil {
		t.logger.Warnw("undecodable presence event", "event", env.EventType, "error", err)
		return
	}
	ev := event{
		joined: kind == envelope.KindUserJoined,
		member: roster.Member{
			ConnectionID:    p.ConnectionID,
			UserID:          p.UserID,
			UserName:        p.UserName,
			IdentityIconURL: p.IdentityIconURL,
			JoinedAt:        env.Timestamp,
		},
	}
	t.mu.Lock()
	switch {
	case !t.joined:
		t.mu.Unlock()
		return
	case !t.synced:
		t.buffer = append(t.buffer, ev)
		t.mu.Unlock()
		return
	}
	apply(t.members, ev)
	t.mu.Unlock()
	t.emit()
}

func (t *Tracker) onReconnect() {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	t.synced = false
	t.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
		defer cancel()
		if err := t.sync(ctx, gen); err != nil {
			t.logger.Warnw("rejoin after reconnect failed", "error", err)
		}
	}()
}

// Leave leaves the group and clears the member list.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil
	}
	t.joined = false
	t.synced = false
	t.gen++
	t.members = make(map[string]roster.Member)
	t.buffer = nil
	unsubscribe, unreconnect := t.unsubscribe, t.unreconnect
	t.unsubscribe, t.unreconnect = nil, nil
	t.mu.Unlock()

	unsubscribe()
	unreconnect()
	t.emit()
	return t.conn.LeaveGroup(ctx, t.group)
}

// Members returns one entry per connection, oldest first.
func (t *Tracker) Members() []roster.Member {
	t.mu.Lock()
	out := make([]roster.Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	t.mu.Unlock()
	roster.SortMembers(out)
	return out
}

// Users returns one entry per user, keeping each user's oldest connection.
func (t *Tracker) Users() []roster.Member {
	members := t.Members()
	seen := make(map[int64]struct{}, len(members))
	out := members[:0]
	for _, m := range members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// OnChange registers fn to receive the member list after every change.
func (t *Tracker) OnChange(fn func([]roster.Member)) (cancel func()) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.notifyMu.Lock()
		defer t.notifyMu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) emit() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	if len(t.listeners) == 0 {
		return
	}
	members := t.Members()
	for _, fn := range t.listeners {
		fn(members)
	}
}
