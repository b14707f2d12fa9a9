// Package envelope defines the wire format of a single cross-process event on
// the notification bus: the target group, the event type, an opaque payload,
// the source classification and the publish timestamp.
//
// An Envelope is fully determined when it is built; components pass it by
// value and forward its encoded bytes verbatim.
package envelope
