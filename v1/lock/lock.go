package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned by Refresh when the caller no longer holds the
// lock, typically because its lease expired.
var ErrLeaseLost = errors.New("lock lease lost")

// Holder describes the connection currently editing a resource.
type Holder struct {
	ConnectionID    string    `json:"connectionId"`
	UserID          int64     `json:"userId"`
	UserName        string    `json:"userName"`
	IdentityIconURL string    `json:"identityIconUrl,omitempty"`
	AcquiredAt      time.Time `json:"acquiredAt"`
}

// Table is the authoritative edit lock store.
type Table interface {
	// TryAcquire grants the lock to h if it is free or already held by
	// h.ConnectionID. It returns the holder after the call and whether h
	// holds the lock.
	TryAcquire(ctx context.Context, resource string, h Holder) (Holder, bool, error)
	// Release clears the lock only if connectionID holds it.
	Release(ctx context.Context, resource, connectionID string) (bool, error)
	// Status returns the current holder or nil.
	Status(ctx context.Context, resource string) (*Holder, error)
	// Refresh extends the lease of a lock held by connectionID.
	Refresh(ctx context.Context, resource, connectionID string) error
	// Clear drops the lock regardless of holder and returns the previous
	// holder, if any.
	Clear(ctx context.Context, resource string) (*Holder, error)
}
