package coordinator

import "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/lock"

// State is the coordinator's view of the edit lock.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateAwaitingPermissionCheck
	// StateUnlocked: nobody holds the lock and self gave it up on purpose.
	StateUnlocked
	StateSelfEditing
	StateLockedByOther
	StateReadOnly
	// StateUnknown is the fail-closed state after a failed hub call.
	StateUnknown
)

var stateNames = [...]string{
	StateIdle:                    "idle",
	StateJoining:                 "joining",
	StateAwaitingPermissionCheck: "awaiting_permission_check",
	StateUnlocked:                "unlocked",
	StateSelfEditing:             "self_editing",
	StateLockedByOther:           "locked_by_other",
	StateReadOnly:                "read_only",
	StateUnknown:                 "unknown",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// Permission is the business-rule edit permission of the local user,
// independent of locking.
type Permission int

const (
	PermissionPending Permission = iota
	PermissionGranted
	PermissionDenied
)

// View is a snapshot for rendering.
type View struct {
	State State
	// Holder is the lock holder in StateSelfEditing and StateLockedByOther.
	Holder *lock.Holder
	// Err is the banner error in StateUnknown.
	Err          error
	ConnectionID string
}

// CanEdit reports whether the local user may write.
func (v View) CanEdit() bool { return v.State == StateSelfEditing }

type lockEvent struct {
	started bool
	holder  *lock.Holder
}

// apply returns the holder after e, starting from current.
func (e lockEvent) apply(current *lock.Holder) *lock.Holder {
	if e.started {
		return e.holder
	}
	if current != nil && current.ConnectionID == e.holder.ConnectionID {
		return nil
	}
	return current
}
