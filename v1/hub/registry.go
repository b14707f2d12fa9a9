package hub

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 64

type registryShard struct {
	mu     sync.RWMutex
	groups map[string]map[string]*Session
}

// registry maps group names to the local sessions joined to them.
type registry struct {
	shards [registryShards]*registryShard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{groups: make(map[string]map[string]*Session)}
	}
	return r
}

func (r *registry) shard(group string) *registryShard {
	return r.shards[xxhash.Sum64String(group)%registryShards]
}

func (r *registry) add(group string, s *Session) {
	sh := r.shard(group)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	g := sh.groups[group]
	if g == nil {
		g = make(map[string]*Session)
		sh.groups[group] = g
	}
	g[s.id] = s
}

func (r *registry) remove(group string, s *Session) {
	sh := r.shard(group)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	g := sh.groups[group]
	delete(g, s.id)
	if len(g) == 0 {
		delete(sh.groups, group)
	}
}

func (r *registry) members(group string) []*Session {
	sh := r.shard(group)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	g := sh.groups[group]
	out := make([]*Session, 0, len(g))
	for _, s := range g {
		out = append(out, s)
	}
	return out
}
