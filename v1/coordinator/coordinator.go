// Package coordinator runs the client side of the edit lock protocol for one
// open resource: join its group, take the lock when possible, follow lock
// transitions pushed by the hub and release on exit.
//
// Every hub call is asynchronous and may race with events. Results that
// belong to an older generation (the view was closed or the transport
// reconnected meanwhile) are discarded. Any failed call leaves the
// coordinator in StateUnknown, never in an editable state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/client"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/lock"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
)

// ErrAlreadyOpen is returned by Open on an open coordinator.
var ErrAlreadyOpen = errors.New("coordinator already open")

const defaultTimeout = 10 * time.Second

// Coordinator tracks the edit lock of one group.
type Coordinator struct {
	conn    client.Conn
	group   string
	logger  logging.Logger
	timeout time.Duration

	mu           sync.Mutex
	state        State
	holder       *lock.Holder
	err          error
	permission   Permission
	self         string
	gen          uint64
	verified     bool
	acquiring    bool
	retryPending bool
	yielded      bool
	buffer       []lockEvent
	unsubscribe  func()
	unreconnect  func()

	notifyMu  sync.Mutex
	listeners map[int]func(View)
	nextID    int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPermission sets the initial edit permission. The default is
// PermissionGranted.
func WithPermission(p Permission) Option {
	return func(c *Coordinator) { c.permission = p }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout bounds hub calls the coordinator issues on its own, such as
// event-driven retries.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns an idle coordinator for group.
func New(conn client.Conn, group string, opts ...Option) *Coordinator {
	c := &Coordinator{
		conn:       conn,
		group:      group,
		timeout:    defaultTimeout,
		permission: PermissionGranted,
		listeners:  make(map[int]func(View)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New("coordinator", logging.NewField("group", group))
	}
	return c
}

// View returns the current snapshot.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Coordinator) viewLocked() View {
	return View{State: c.state, Holder: c.holder, Err: c.err, ConnectionID: c.self}
}

// OnChange registers fn to receive the view after every transition.
func (c *Coordinator) OnChange(fn func(View)) (cancel func()) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.notifyMu.Lock()
		defer c.notifyMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) emit() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	v := c.View()
	for _, fn := range c.listeners {
		fn(v)
	}
}

// setLocked moves to state. Callers hold c.mu and call emit after
// unlocking.
func (c *Coordinator) setLocked(state State, holder *lock.Holder) {
	if state != c.state {
		c.logger.Debugw("lock state", "from", c.state, "to", state)
	}
	c.state = state
	c.holder = holder
	if state != StateUnknown {
		c.err = nil
	}
}

func (c *Coordinator) failLocked(op string, err error) {
	c.logger.Warnw("hub call failed, lock state unknown", "op", op, "error", err)
	c.state = StateUnknown
	c.holder = nil
	c.err = fmt.Errorf("%s %s: %w", op, c.group, err)
	c.acquiring = false
}

func (c *Coordinator) spawn(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// Open joins the group and settles the lock state. A failed hub call is
// returned and also leaves the coordinator in StateUnknown, from which Open
// may be called again.
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateUnknown {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.gen++
	gen := c.gen
	c.yielded = false
	if c.unsubscribe == nil {
		c.unsubscribe = c.conn.Subscribe(c.group, c.onEvent)
		c.unreconnect = c.conn.OnReconnect(c.onReconnect)
	}
	c.mu.Unlock()
	return c.sync(ctx, gen, c.join)
}

func (c *Coordinator) join(ctx context.Context) (*lock.Holder, error) {
	res, err := c.conn.JoinGroup(ctx, c.group)
	if err != nil {
		return nil, err
	}
	return res.Lock, nil
}

func (c *Coordinator) status(ctx context.Context) (*lock.Holder, error) {
	res, err := c.conn.LockStatus(ctx, c.group)
	if err != nil {
		return nil, err
	}
	return res.Lock, nil
}

// sync reads an authoritative snapshot with fetch, replays lock events that
// arrived meanwhile and decides what to do next.
func (c *Coordinator) sync(ctx context.Context, gen uint64, fetch func(context.Context) (*lock.Holder, error)) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.self = c.conn.ConnectionID()
	c.verified = false
	c.acquiring = false
	c.retryPending = false
	c.buffer = nil
	c.setLocked(StateJoining, nil)
	c.mu.Unlock()
	c.emit()

	holder, err := fetch(ctx)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.failLocked("join", err)
		c.mu.Unlock()
		c.emit()
		return c.View().Err
	}
	c.verified = true
	for _, ev := range c.buffer {
		holder = ev.apply(holder)
	}
	c.buffer = nil
	acquire := c.decideLocked(holder)
	c.mu.Unlock()
	c.emit()
	if acquire {
		return c.acquire(ctx, gen)
	}
	return nil
}

// decideLocked settles the state for a verified holder and reports whether
// an acquisition should follow.
func (c *Coordinator) decideLocked(holder *lock.Holder) bool {
	switch c.permission {
	case PermissionDenied:
		c.setLocked(StateReadOnly, nil)
		return false
	case PermissionPending:
		c.setLocked(StateAwaitingPermissionCheck, nil)
		return false
	}
	switch {
	case holder != nil && holder.ConnectionID != c.self:
		c.setLocked(StateLockedByOther, holder)
		return false
	case holder != nil:
		c.setLocked(StateSelfEditing, holder)
		return false
	case c.yielded:
		c.setLocked(StateUnlocked, nil)
		return false
	}
	c.acquiring = true
	return true
}

func (c *Coordinator) acquire(ctx context.Context, gen uint64) error {
	for {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		c.acquiring = true
		c.retryPending = false
		c.mu.Unlock()

		res, err := c.conn.StartEdit(ctx, c.group)

		c.mu.Lock()
		if gen != c.gen {
			orphaned := err == nil && res.Acquired && (c.state == StateIdle || c.state == StateReadOnly)
			c.mu.Unlock()
			if orphaned {
				c.releaseOrphan()
			}
			return nil
		}
		c.acquiring = false
		if err != nil {
			c.failLocked("start edit", err)
			c.mu.Unlock()
			c.emit()
			return c.View().Err
		}
		if res.Acquired && c.permission != PermissionGranted {
			// permission was revoked while the call was in flight
			c.setLocked(StateReadOnly, nil)
			c.mu.Unlock()
			c.emit()
			c.releaseOrphan()
			return nil
		}
		retry := false
		if res.Acquired {
			c.setLocked(StateSelfEditing, res.Holder)
		} else {
			c.setLocked(StateLockedByOther, res.Holder)
			retry = c.retryPending
		}
		c.retryPending = false
		c.mu.Unlock()
		c.emit()
		if !retry {
			return nil
		}
		c.logger.Debugw("lock released during acquisition, retrying")
	}
}

// releaseOrphan gives back a lock granted after the coordinator stopped
// wanting it.
func (c *Coordinator) releaseOrphan() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.conn.EndEdit(ctx, c.group); err != nil {
		c.logger.Warnw("release of late lock failed", "error", err)
	}
}

func (c *Coordinator) onEvent(env envelope.Envelope) {
	kind := env.EventType.Kind()
	if !kind.IsEditLock() {
		return
	}
	p, err := envelope.Decode[envelope.EditPayload](env)
	if err != nil {
		c.logger.Warnw("undecodable lock event", "event", env.EventType, "error", err)
		return
	}
	ev := lockEvent{
		started: kind == envelope.KindEditStarted,
		holder: &lock.Holder{
			ConnectionID:    p.ConnectionID,
			UserID:          p.UserID,
			UserName:        p.UserName,
			IdentityIconURL: p.IdentityIconURL,
			AcquiredAt:      env.Timestamp,
		},
	}

	c.mu.Lock()
	switch {
	case c.state == StateIdle, c.state == StateUnknown:
		c.mu.Unlock()
		return
	case !c.verified:
		c.buffer = append(c.buffer, ev)
		c.mu.Unlock()
		return
	case c.permission != PermissionGranted,
		c.state == StateReadOnly,
		c.state == StateAwaitingPermissionCheck:
		c.mu.Unlock()
		return
	}
	if c.acquiring {
		if ev.started && ev.holder.ConnectionID != c.self {
			c.setLocked(StateLockedByOther, ev.holder)
		} else if !ev.started {
			c.retryPending = true
		}
		c.mu.Unlock()
		c.emit()
		return
	}

	retry := false
	if ev.started {
		if ev.holder.ConnectionID == c.self {
			c.mu.Unlock()
			return
		}
		c.setLocked(StateLockedByOther, ev.holder)
	} else if c.holder != nil && c.holder.ConnectionID == ev.holder.ConnectionID {
		switch {
		case c.yielded:
			c.setLocked(StateUnlocked, nil)
		case ev.holder.ConnectionID == c.self:
			// our own lock ended without Release: ask for it again, not
			// editable meanwhile
			c.setLocked(StateUnlocked, nil)
			c.acquiring = true
			retry = true
		default:
			c.holder = nil
			c.acquiring = true
			retry = true
		}
	}
	gen := c.gen
	c.mu.Unlock()
	c.emit()
	if retry {
		c.spawn(func(ctx context.Context) { _ = c.acquire(ctx, gen) })
	}
}

func (c *Coordinator) onReconnect() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.verified = false
	c.mu.Unlock()
	c.logger.Infow("transport reconnected, verifying lock state")
	c.spawn(func(ctx context.Context) { _ = c.sync(ctx, gen, c.join) })
}

// SetPermission resolves the edit permission. Denying drops a held lock.
// Granting a waiting or read-only coordinator re-reads the lock status,
// since lock events were ignored in the meantime.
func (c *Coordinator) SetPermission(ctx context.Context, p Permission) error {
	c.mu.Lock()
	c.permission = p
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	wasEditing := c.state == StateSelfEditing
	switch p {
	case PermissionDenied:
		c.gen++
		c.setLocked(StateReadOnly, nil)
		c.mu.Unlock()
		c.emit()
		if wasEditing {
			return c.conn.EndEdit(ctx, c.group)
		}
		return nil
	case PermissionPending:
		c.mu.Unlock()
		return nil
	}
	if c.state != StateAwaitingPermissionCheck && c.state != StateReadOnly {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	c.mu.Unlock()
	return c.sync(ctx, gen, c.status)
}

// Acquire asks for the lock again after Release or a LockedByOther state.
func (c *Coordinator) Acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle || c.permission != PermissionGranted || c.state == StateSelfEditing {
		c.mu.Unlock()
		return nil
	}
	c.yielded = false
	gen := c.gen
	c.mu.Unlock()
	return c.acquire(ctx, gen)
}

// Release gives up the lock but keeps following the resource. The
// coordinator will not take the lock again until Acquire.
func (c *Coordinator) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateSelfEditing {
		c.yielded = true
		c.mu.Unlock()
		return nil
	}
	c.yielded = true
	c.setLocked(StateUnlocked, nil)
	c.mu.Unlock()
	c.emit()
	if err := c.conn.EndEdit(ctx, c.group); err != nil {
		c.mu.Lock()
		c.failLocked("end edit", err)
		c.mu.Unlock()
		c.emit()
		return err
	}
	return nil
}

// VerifyHolder re-reads the lock and reports whether self still holds it.
// Call it before writing.
func (c *Coordinator) VerifyHolder(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return false, nil
	}
	gen := c.gen
	c.mu.Unlock()

	holder, err := c.status(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	isSelf := holder != nil && holder.ConnectionID == c.self
	if gen != c.gen || c.state == StateReadOnly || c.state == StateAwaitingPermissionCheck {
		c.mu.Unlock()
		return isSelf, nil
	}
	switch {
	case isSelf:
		c.setLocked(StateSelfEditing, holder)
	case holder != nil:
		c.setLocked(StateLockedByOther, holder)
	case c.state == StateSelfEditing:
		c.setLocked(StateUnlocked, nil)
	}
	c.mu.Unlock()
	c.emit()
	return isSelf, nil
}

// Close releases the lock if held and leaves the group. The group is left
// even when the release fails.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	wasEditing := c.state == StateSelfEditing
	c.gen++
	c.setLocked(StateIdle, nil)
	c.verified = false
	c.acquiring = false
	c.buffer = nil
	unsubscribe, unreconnect := c.unsubscribe, c.unreconnect
	c.unsubscribe, c.unreconnect = nil, nil
	c.mu.Unlock()
	c.emit()

	if unsubscribe != nil {
		unsubscribe()
	}
	if unreconnect != nil {
		unreconnect()
	}
	var releaseErr error
	if wasEditing {
		releaseErr = c.conn.EndEdit(ctx, c.group)
	}
	leaveErr := c.conn.LeaveGroup(ctx, c.group)
	return errors.Join(releaseErr, leaveErr)
}
