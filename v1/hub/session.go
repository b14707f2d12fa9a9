package hub

import (
	"sort"
	"sync"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

// Identity is what the authentication layer knows about a connection.
type Identity struct {
	UserID          int64
	UserName        string
	IdentityIconURL string
	// OrganizationID is zero when unknown.
	OrganizationID int64
}

// Sink is the outbound side of a live connection. Send must not block; it
// reports false when the frame was dropped.
type Sink interface {
	Send(f protocol.Frame) bool
	Close()
}

// ChanSink is a Sink backed by a buffered channel.
type ChanSink struct {
	ch     chan protocol.Frame
	mu     sync.RWMutex
	closed bool
}

// NewChanSink returns a sink buffering up to size frames.
func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 1
	}
	return &ChanSink{ch: make(chan protocol.Frame, size)}
}

// Frames returns the channel the transport drains. It is closed by Close.
func (c *ChanSink) Frames() <-chan protocol.Frame { return c.ch }

// Send implements Sink.Send.
func (c *ChanSink) Send(f protocol.Frame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- f:
		return true
	default:
		return false
	}
}

// Close implements Sink.Close.
func (c *ChanSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Session is one live connection to the hub.
type Session struct {
	id       string
	identity Identity
	sink     Sink

	mu     sync.Mutex
	groups map[string]struct{}
	held   map[string]struct{}
	closed bool
}

// ID returns the connection id. Lock ownership is tracked per connection, so
// two tabs of one user are distinct holders.
func (s *Session) ID() string { return s.id }

func (s *Session) Identity() Identity { return s.identity }

// Groups returns the joined groups in name order.
func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.groups)
}

func (s *Session) isMember(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[group]
	return ok
}

// join records membership. It reports false if the session is closed and
// whether the group is new.
func (s *Session) join(group string) (open, added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	if _, ok := s.groups[group]; ok {
		return true, false
	}
	s.groups[group] = struct{}{}
	return true, true
}

func (s *Session) leave(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		return false
	}
	delete(s.groups, group)
	delete(s.held, group)
	return true
}

func (s *Session) hold(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[group]; ok {
		return false
	}
	s.held[group] = struct{}{}
	return true
}

func (s *Session) unhold(group string) {
	s.mu.Lock()
	delete(s.held, group)
	s.mu.Unlock()
}

func (s *Session) heldGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.held)
}

// close marks the session closed and returns the groups it was in.
func (s *Session) close() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	return sortedKeys(s.groups), true
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
