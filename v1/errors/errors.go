package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotMember is returned when a connection operates on a group it has
	// not joined.
	ErrNotMember = errors.New("connection is not a member of the group")
	// ErrInvalidGroup is returned for group names not shaped "<domain>:<id>".
	ErrInvalidGroup = errors.New("invalid group name")
	// ErrMissingOrganization is returned when an agent-sourced envelope has
	// no organization id.
	ErrMissingOrganization = errors.New("agent envelope requires an organization id")
	ErrUnknownMethod       = errors.New("unknown method")
)
