package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type entry struct {
	holder  Holder
	expires time.Time
}

type shard struct {
	mu    sync.Mutex
	locks map[string]entry
}

// InMemory implements Table in process memory. Resources are spread over a
// fixed set of shards so unrelated resources never contend on one mutex.
type InMemory struct {
	ttl    time.Duration
	now    func() time.Time
	shards [shardCount]*shard
}

// NewInMemory returns an in-memory table. A zero ttl keeps locks until they
// are released.
func NewInMemory(ttl time.Duration) *InMemory {
	t := &InMemory{ttl: ttl, now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{locks: make(map[string]entry)}
	}
	return t
}

func (t *InMemory) shard(resource string) *shard {
	return t.shards[xxhash.Sum64String(resource)%shardCount]
}

// get returns the live entry for resource. Callers hold s.mu.
func (t *InMemory) get(s *shard, resource string) (entry, bool) {
	e, ok := s.locks[resource]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !t.now().Before(e.expires) {
		delete(s.locks, resource)
		return entry{}, false
	}
	return e, true
}

func (t *InMemory) deadline() time.Time {
	if t.ttl <= 0 {
		return time.Time{}
	}
	return t.now().Add(t.ttl)
}

// TryAcquire implements Table.TryAcquire.
func (t *InMemory) TryAcquire(ctx context.Context, resource string, h Holder) (Holder, bool, error) {
	if err := ctx.Err(); err != nil {
		return Holder{}, false, err
	}
	s := t.shard(resource)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := t.get(s, resource); ok {
		if e.holder.ConnectionID != h.ConnectionID {
			return e.holder, false, nil
		}
		e.expires = t.deadline()
		s.locks[resource] = e
		return e.holder, true, nil
	}
	if h.AcquiredAt.IsZero() {
		h.AcquiredAt = t.now().UTC()
	}
	s.locks[resource] = entry{holder: h, expires: t.deadline()}
	return h, true, nil
}

// Release implements Table.Release.
func (t *InMemory) Release(ctx context.Context, resource, connectionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := t.shard(resource)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := t.get(s, resource)
	if !ok || e.holder.ConnectionID != connectionID {
		return false, nil
	}
	delete(s.locks, resource)
	return true, nil
}

// Status implements Table.Status.
func (t *InMemory) Status(ctx context.Context, resource string) (*Holder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := t.shard(resource)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := t.get(s, resource)
	if !ok {
		return nil, nil
	}
	h := e.holder
	return &h, nil
}

// Refresh implements Table.Refresh.
func (t *InMemory) Refresh(ctx context.Context, resource, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.shard(resource)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := t.get(s, resource)
	if !ok || e.holder.ConnectionID != connectionID {
		return ErrLeaseLost
	}
	e.expires = t.deadline()
	s.locks[resource] = e
	return nil
}

// Clear implements Table.Clear.
func (t *InMemory) Clear(ctx context.Context, resource string) (*Holder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := t.shard(resource)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := t.get(s, resource)
	if !ok {
		return nil, nil
	}
	delete(s.locks, resource)
	h := e.holder
	return &h, nil
}
