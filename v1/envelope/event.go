package envelope

import "strings"

// Kind is the closed set of event behaviours the real-time layer reacts to.
// Every event name that is not listed maps to KindNotification.
type Kind int

const (
	KindNotification Kind = iota
	KindEditStarted
	KindEditEnded
	KindUserJoined
	KindUserLeft
	KindMessageReceived
	KindTyping
	KindError
)

var kindByName = map[string]Kind{
	"edit_started":     KindEditStarted,
	"edit_ended":       KindEditEnded,
	"user_joined":      KindUserJoined,
	"user_left":        KindUserLeft,
	"message_received": KindMessageReceived,
	"typing":           KindTyping,
	"error":            KindError,
}

var nameByKind = map[Kind]string{
	KindEditStarted:     "edit_started",
	KindEditEnded:       "edit_ended",
	KindUserJoined:      "user_joined",
	KindUserLeft:        "user_left",
	KindMessageReceived: "message_received",
	KindTyping:          "typing",
	KindError:           "error",
}

func (k Kind) String() string {
	if n, ok := nameByKind[k]; ok {
		return n
	}
	return "notification"
}

// IsPresence reports whether k is a membership event.
func (k Kind) IsPresence() bool { return k == KindUserJoined || k == KindUserLeft }

// IsEditLock reports whether k is an edit-lock transition.
func (k Kind) IsEditLock() bool { return k == KindEditStarted || k == KindEditEnded }

// EventType is a "<domain>:<name>" tag such as "task:edit_started".
type EventType string

// NewEventType builds the event type of kind k in the given domain.
// KindNotification has no canonical name; use EventType directly for those.
func NewEventType(domain string, k Kind) EventType {
	return EventType(domain + ":" + k.String())
}

// Domain returns the part before the first colon.
func (t EventType) Domain() string {
	d, _, _ := strings.Cut(string(t), ":")
	return d
}

// Name returns the part after the first colon, or the whole tag when there is
// no domain.
func (t EventType) Name() string {
	d, n, ok := strings.Cut(string(t), ":")
	if !ok {
		return d
	}
	return n
}

// Kind resolves the event name through the dispatch table.
func (t EventType) Kind() Kind {
	return kindByName[t.Name()]
}

func (t EventType) String() string { return string(t) }
