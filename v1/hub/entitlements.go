package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
)

// Entitlements decides whether an organization has an agent class enabled.
// Envelopes from disabled agents are dropped before fan-out.
type Entitlements interface {
	Allowed(ctx context.Context, organizationID int64, source envelope.SourceType) (bool, error)
}

// EntitlementFunc adapts a function to Entitlements.
type EntitlementFunc func(ctx context.Context, organizationID int64, source envelope.SourceType) (bool, error)

func (f EntitlementFunc) Allowed(ctx context.Context, organizationID int64, source envelope.SourceType) (bool, error) {
	return f(ctx, organizationID, source)
}

// AllowAll enables every agent for every organization.
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, int64, envelope.SourceType) (bool, error) { return true, nil }

// StaticEntitlements is a fixed allow list.
type StaticEntitlements struct {
	mu      sync.RWMutex
	enabled map[int64]map[envelope.SourceType]struct{}
}

// NewStaticEntitlements returns an empty allow list: every agent is
// disabled until enabled.
func NewStaticEntitlements() *StaticEntitlements {
	return &StaticEntitlements{enabled: make(map[int64]map[envelope.SourceType]struct{})}
}

// Enable turns sources on for org.
func (s *StaticEntitlements) Enable(org int64, sources ...envelope.SourceType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.enabled[org]
	if set == nil {
		set = make(map[envelope.SourceType]struct{})
		s.enabled[org] = set
	}
	for _, src := range sources {
		set[src] = struct{}{}
	}
}

// Disable turns sources off for org.
func (s *StaticEntitlements) Disable(org int64, sources ...envelope.SourceType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		delete(s.enabled[org], src)
	}
}

func (s *StaticEntitlements) Allowed(_ context.Context, org int64, source envelope.SourceType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.enabled[org][source]
	return ok, nil
}

// CachedEntitlements caches decisions of a slower source, typically the
// application's feature flag API. Concurrent misses for one key share a
// single lookup. Errors are not cached.
type CachedEntitlements struct {
	next  Entitlements
	ttl   time.Duration
	cache *ristretto.Cache
	group singleflight.Group
}

// NewCachedEntitlements wraps next with a cache whose entries live for ttl.
func NewCachedEntitlements(next Entitlements, ttl time.Duration) (*CachedEntitlements, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEntitlements{next: next, ttl: ttl, cache: c}, nil
}

func (c *CachedEntitlements) Allowed(ctx context.Context, org int64, source envelope.SourceType) (bool, error) {
	key := fmt.Sprintf("%d:%s", org, source)
	if v, ok := c.cache.Get(key); ok {
		return v.(bool), nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		ok, err := c.next.Allowed(ctx, org, source)
		if err != nil {
			return false, err
		}
		c.cache.SetWithTTL(key, ok, 1, c.ttl)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Close stops the cache's background goroutines.
func (c *CachedEntitlements) Close() {
	c.cache.Close()
}
