package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame is the JSON envelope exchanged over the push connection.
type Frame struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
}

// Event is a decoded frame. Events are passed by value and never
// modified after construction.
type Event struct {
	Type      Type
	Data      Payload
	Timestamp time.Time
	ID        string
}

// NewEvent wraps p in an event stamped now with a fresh random ID.
func NewEvent(p Payload) Event {
	return NewEventAt(p, time.Now())
}

// NewEventAt is NewEvent with an explicit timestamp.
func NewEventAt(p Payload, ts time.Time) Event {
	return Event{
		Type:      p.EventType(),
		Data:      p,
		Timestamp: ts,
		ID:        uuid.NewString(),
	}
}

// ErrUnknownType is wrapped by the ProtocolError returned for a frame
// whose type is outside the recognised set.
var ErrUnknownType = errors.New("unknown event type")

// ProtocolError describes an inbound frame that could not be decoded.
// The connection that produced it stays open; the frame is dropped.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Decode parses one wire frame into an Event.
func Decode(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if f.Type == "" {
		return Event{}, &ProtocolError{Reason: "missing type"}
	}
	decode, ok := decoders[f.Type]
	if !ok {
		return Event{}, &ProtocolError{Reason: fmt.Sprintf("type %q", f.Type), Err: ErrUnknownType}
	}
	p, err := decode(f.Data)
	if err != nil {
		return Event{}, &ProtocolError{Reason: fmt.Sprintf("%s payload", f.Type), Err: err}
	}

	ev := Event{Type: f.Type, Data: p, ID: f.ID}
	if f.Timestamp != 0 {
		ev.Timestamp = time.UnixMilli(f.Timestamp)
	}
	return ev, nil
}

// Encode renders e as a wire frame.
func Encode(e Event) ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("encode %s: nil payload", e.Type)
	}
	if e.Type != e.Data.EventType() {
		return nil, fmt.Errorf("encode: event type %s does not match payload %s", e.Type, e.Data.EventType())
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	f := Frame{
		Type: e.Type,
		Data: data,
		ID:   e.ID,
	}
	if !e.Timestamp.IsZero() {
		f.Timestamp = e.Timestamp.UnixMilli()
	}
	return json.Marshal(f)
}
