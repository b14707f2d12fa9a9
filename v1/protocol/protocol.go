// Package protocol defines the frames exchanged between a hub and its
// clients over a live connection. Requests carry an id and get exactly one
// response with the same id; events are pushed by the hub and never
// answered.
package protocol

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/lock"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/roster"
)

// FrameType tells requests, responses and events apart.
type FrameType string

const (
	TypeRequest  FrameType = "request"
	TypeResponse FrameType = "response"
	TypeEvent    FrameType = "event"
	// TypeWelcome is the first frame of a connection; its ID is the
	// connection id the hub assigned.
	TypeWelcome FrameType = "welcome"
)

// Method is a hub RPC name.
type Method string

const (
	MethodJoinGroup     Method = "joinGroup"
	MethodLeaveGroup    Method = "leaveGroup"
	MethodStartEdit     Method = "startEdit"
	MethodEndEdit       Method = "endEdit"
	MethodGetLockStatus Method = "getLockStatus"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodJoinGroup, MethodLeaveGroup, MethodStartEdit, MethodEndEdit, MethodGetLockStatus:
		return true
	}
	return false
}

// Frame is the unit written on the connection.
type Frame struct {
	Type   FrameType          `json:"type"`
	ID     string             `json:"id,omitempty"`
	Method Method             `json:"method,omitempty"`
	Group  string             `json:"group,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *Error             `json:"error,omitempty"`
	Event  *envelope.Envelope `json:"event,omitempty"`
}

// JoinResult is the joinGroup response: the lock and member snapshot as of
// the join.
type JoinResult struct {
	Lock    *lock.Holder    `json:"lock"`
	Members []roster.Member `json:"members"`
}

// EditResult is the startEdit response. Holder is the caller on success and
// the current holder otherwise.
type EditResult struct {
	Acquired bool         `json:"acquired"`
	Holder   *lock.Holder `json:"holder"`
}

// StatusResult is the getLockStatus response.
type StatusResult struct {
	Lock *lock.Holder `json:"lock"`
}

// Error codes.
const (
	CodeNotMember        = "not_member"
	CodeInvalidGroup     = "invalid_group"
	CodeUnknownMethod    = "unknown_method"
	CodeTimeout          = "timeout"
	CodeConnectionClosed = "connection_closed"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

var sentinels = map[string]error{
	CodeNotMember:        warperrors.ErrNotMember,
	CodeInvalidGroup:     warperrors.ErrInvalidGroup,
	CodeUnknownMethod:    warperrors.ErrUnknownMethod,
	CodeTimeout:          warperrors.ErrTimeout,
	CodeConnectionClosed: warperrors.ErrConnectionClosed,
}

// Error is a failed request as seen on the wire.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps the code back to the shared sentinel so callers can use
// errors.Is on either side of the connection.
func (e *Error) Unwrap() error {
	return sentinels[e.Code]
}

// ErrorFrom converts a hub error into its wire form.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var we *Error
	if stdErrors.As(err, &we) {
		return we
	}
	for code, sentinel := range sentinels {
		if stdErrors.Is(err, sentinel) {
			return &Error{Code: code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// NewRequest builds a request frame.
func NewRequest(id string, m Method, group string) Frame {
	return Frame{Type: TypeRequest, ID: id, Method: m, Group: group}
}

// NewResponse builds a response frame for request id carrying result or
// err.
func NewResponse(id string, result any, err error) (Frame, error) {
	f := Frame{Type: TypeResponse, ID: id}
	if err != nil {
		f.Error = ErrorFrom(err)
		return f, nil
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Frame{}, err
		}
		f.Result = raw
	}
	return f, nil
}

// NewWelcome builds the welcome frame for connectionID.
func NewWelcome(connectionID string) Frame {
	return Frame{Type: TypeWelcome, ID: connectionID}
}

// NewEvent builds an event frame.
func NewEvent(env envelope.Envelope) Frame {
	return Frame{Type: TypeEvent, Event: &env}
}

// DecodeResult unmarshals a response result into T.
func DecodeResult[T any](f Frame) (T, error) {
	var out T
	if f.Error != nil {
		return out, f.Error
	}
	if len(f.Result) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(f.Result, &out); err != nil {
		return out, fmt.Errorf("protocol: decode %s result: %w", f.Method, err)
	}
	return out, nil
}
