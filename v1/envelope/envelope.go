package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
)

// DefaultChannel is the broker channel every producer and every hub uses.
const DefaultChannel = "pecus:signalr:notifications"

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is one routed, typed, timestamped event on the bus.
type Envelope struct {
	GroupName      string
	EventType      EventType
	Payload        json.RawMessage
	SourceType     SourceType
	OrganizationID *int64
	Timestamp      time.Time
}

// Option configures an Envelope under construction.
type Option func(*Envelope)

// WithSource sets the source classification.
func WithSource(s SourceType) Option {
	return func(e *Envelope) { e.SourceType = s }
}

// WithOrganization sets the owning organization.
func WithOrganization(id int64) Option {
	return func(e *Envelope) { e.OrganizationID = &id }
}

// WithTimestamp overrides the publish time.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.Timestamp = t }
}

// New builds an envelope, encoding payload as JSON. The timestamp defaults to
// now and is truncated to the wire precision.
func New(group string, eventType EventType, payload any, opts ...Option) (Envelope, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = append(json.RawMessage(nil), p...)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: encode payload: %w", err)
		}
		raw = b
	}
	e := Envelope{
		GroupName: group,
		EventType: eventType,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the invariants every published envelope must satisfy.
func (e Envelope) Validate() error {
	if _, _, err := ParseGroup(e.GroupName); err != nil {
		return err
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope: empty event type for group %s", e.GroupName)
	}
	if e.SourceType.IsAgent() && e.OrganizationID == nil {
		return fmt.Errorf("%w: source %s", warperrors.ErrMissingOrganization, e.SourceType)
	}
	return nil
}

// Organization returns the organization id and whether it is set.
func (e Envelope) Organization() (int64, bool) {
	if e.OrganizationID == nil {
		return 0, false
	}
	return *e.OrganizationID, true
}

type wireEnvelope struct {
	GroupName      string          `json:"groupName"`
	EventType      EventType       `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	SourceType     SourceType      `json:"sourceType"`
	OrganizationID *int64          `json:"organizationId,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(wireEnvelope{
		GroupName:      e.GroupName,
		EventType:      e.EventType,
		Payload:        payload,
		SourceType:     e.SourceType,
		OrganizationID: e.OrganizationID,
		Timestamp:      e.Timestamp.UTC().Format(timestampLayout),
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ts time.Time
	if w.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("envelope: timestamp: %w", err)
		}
		ts = t.UTC()
	}
	*e = Envelope{
		GroupName:      w.GroupName,
		EventType:      w.EventType,
		Payload:        w.Payload,
		SourceType:     w.SourceType,
		OrganizationID: w.OrganizationID,
		Timestamp:      ts,
	}
	return nil
}

// Marshal encodes e in the bus wire format.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes one bus message.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	return e, nil
}

// Decode unmarshals the payload of e into a T.
func Decode[T any](e Envelope) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("envelope: decode %s payload: %w", e.EventType, err)
	}
	return v, nil
}
