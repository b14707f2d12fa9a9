// Package roster stores room membership: which live connections are joined
// to which group. The hub owns it; presence lists are read from it.
package roster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Member is one connection joined to a group.
type Member struct {
	ConnectionID    string    `json:"connectionId"`
	UserID          int64     `json:"userId"`
	UserName        string    `json:"userName"`
	IdentityIconURL string    `json:"identityIconUrl,omitempty"`
	JoinedAt        time.Time `json:"joinedAt"`
}

// Roster is the membership store.
type Roster interface {
	// Add joins m to group and returns the members afterwards.
	Add(ctx context.Context, group string, m Member) ([]Member, error)
	// Remove drops connectionID from group and returns how many members
	// remain.
	Remove(ctx context.Context, group, connectionID string) (int, error)
	Members(ctx context.Context, group string) ([]Member, error)
	// Touch renews the membership lease of connectionID.
	Touch(ctx context.Context, group, connectionID string) error
}

// SortMembers orders ms oldest first.
func SortMembers(ms []Member) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].JoinedAt.Before(ms[j].JoinedAt)
		}
		return ms[i].ConnectionID < ms[j].ConnectionID
	})
}

const shardCount = 32

type member struct {
	Member
	expires time.Time
}

type shard struct {
	mu     sync.Mutex
	groups map[string]map[string]member
}

// InMemory implements Roster in process memory.
type InMemory struct {
	ttl    time.Duration
	now    func() time.Time
	shards [shardCount]*shard
}

// NewInMemory returns an in-memory roster. With a zero ttl members stay
// until removed.
func NewInMemory(ttl time.Duration) *InMemory {
	r := &InMemory{ttl: ttl, now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{groups: make(map[string]map[string]member)}
	}
	return r
}

func (r *InMemory) shard(group string) *shard {
	return r.shards[xxhash.Sum64String(group)%shardCount]
}

func (r *InMemory) deadline() time.Time {
	if r.ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(r.ttl)
}

// live prunes expired members of group and returns the rest. Callers hold
// s.mu.
func (r *InMemory) live(s *shard, group string) []Member {
	g := s.groups[group]
	now := r.now()
	out := make([]Member, 0, len(g))
	for id, m := range g {
		if !m.expires.IsZero() && !now.Before(m.expires) {
			delete(g, id)
			continue
		}
		out = append(out, m.Member)
	}
	if len(g) == 0 {
		delete(s.groups, group)
	}
	SortMembers(out)
	return out
}

// Add implements Roster.Add.
func (r *InMemory) Add(ctx context.Context, group string, m Member) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = r.now().UTC()
	}
	s := r.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if g == nil {
		g = make(map[string]member)
		s.groups[group] = g
	}
	if prev, ok := g[m.ConnectionID]; ok {
		m.JoinedAt = prev.JoinedAt
	}
	g[m.ConnectionID] = member{Member: m, expires: r.deadline()}
	return r.live(s, group), nil
}

// Remove implements Roster.Remove.
func (r *InMemory) Remove(ctx context.Context, group, connectionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := r.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.groups[group]; g != nil {
		delete(g, connectionID)
	}
	return len(r.live(s, group)), nil
}

// Members implements Roster.Members.
func (r *InMemory) Members(ctx context.Context, group string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.live(s, group), nil
}

// Touch implements Roster.Touch.
func (r *InMemory) Touch(ctx context.Context, group, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.groups[group]; g != nil {
		if m, ok := g[connectionID]; ok {
			m.expires = r.deadline()
			g[connectionID] = m
		}
	}
	return nil
}
