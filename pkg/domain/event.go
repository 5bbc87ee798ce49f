package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is the stable (namespace, type) identity of a payload type.
// It discriminates rows in the event log, forms the bus routing key and
// feeds cache-key derivation.
type EventType struct {
	Namespace string `json:"namespace"`
	Type      string `json:"type"`
}

// NewEventType builds an EventType from its two parts.
func NewEventType(namespace, typ string) EventType {
	return EventType{Namespace: namespace, Type: typ}
}

// RoutingKey returns the bus routing key "<namespace>.<type>".
func (t EventType) RoutingKey() string {
	return t.Namespace + "." + t.Type
}

// String implements fmt.Stringer.
func (t EventType) String() string {
	return t.RoutingKey()
}

// IsZero reports whether both parts are empty.
func (t EventType) IsZero() bool {
	return t.Namespace == "" && t.Type == ""
}

// Validate rejects identities that would break routing: empty parts and
// parts containing separators or wildcards.
func (t EventType) Validate() error {
	for _, part := range []string{t.Namespace, t.Type} {
		if part == "" || strings.ContainsAny(part, ".*> \t\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidEventType, t.RoutingKey())
		}
	}
	return nil
}

// ParseRoutingKey splits "<namespace>.<type>" back into an EventType.
func ParseRoutingKey(key string) (EventType, error) {
	ns, typ, ok := strings.Cut(key, ".")
	if !ok {
		return EventType{}, fmt.Errorf("%w: %q", ErrInvalidEventType, key)
	}
	t := EventType{Namespace: ns, Type: typ}
	return t, t.Validate()
}

// Payload is implemented by every domain event payload. The identity must
// be constant for the lifetime of the type.
type Payload interface {
	EventType() EventType
}

// Context carries the metadata recorded alongside a payload.
type Context struct {
	// Action optionally names what triggered the event.
	Action string `json:"action,omitempty"`

	// Subject is optional structured metadata (for example the acting principal).
	Subject json.RawMessage `json:"subject,omitempty"`

	// Time is assigned once when the envelope is created. Always UTC.
	Time time.Time `json:"time"`
}

// ContextOption configures the Context of a new envelope.
type ContextOption func(*Context) error

// WithAction sets Context.Action.
func WithAction(action string) ContextOption {
	return func(c *Context) error {
		c.Action = action
		return nil
	}
}

// WithSubject JSON-encodes subject into Context.Subject.
func WithSubject(subject any) ContextOption {
	return func(c *Context) error {
		data, err := json.Marshal(subject)
		if err != nil {
			return fmt.Errorf("failed to marshal subject: %w", err)
		}
		c.Subject = data
		return nil
	}
}

// Envelope is one immutable event record with a typed payload.
type Envelope[D Payload] struct {
	ID      uuid.UUID
	Data    D
	Context Context
}

// RawEnvelope is the untyped form of an Envelope, as persisted in the event
// log and carried on the bus.
type RawEnvelope struct {
	ID      uuid.UUID       `json:"id"`
	Type    EventType       `json:"event_type"`
	Data    json.RawMessage `json:"data"`
	Context Context         `json:"context"`
}

// NewEnvelope wraps data in a new envelope with a fresh id and the current time.
func NewEnvelope[D Payload](data D, opts ...ContextOption) (Envelope[D], error) {
	ctx := Context{Time: Now()}
	for _, opt := range opts {
		if err := opt(&ctx); err != nil {
			return Envelope[D]{}, err
		}
	}

	return Envelope[D]{
		ID:      uuid.New(),
		Data:    data,
		Context: ctx,
	}, nil
}

// Type returns the event type of the payload.
func (e Envelope[D]) Type() EventType {
	return e.Data.EventType()
}

// Encode serializes the payload into a RawEnvelope.
func (e Envelope[D]) Encode() (RawEnvelope, error) {
	t := e.Data.EventType()
	if err := t.Validate(); err != nil {
		return RawEnvelope{}, err
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return RawEnvelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}

	return RawEnvelope{
		ID:      e.ID,
		Type:    t,
		Data:    data,
		Context: e.Context,
	}, nil
}

// Decode parses raw into a typed envelope. A type mismatch or malformed
// payload yields a *DecodeError.
func Decode[D Payload](raw RawEnvelope) (Envelope[D], error) {
	var data D
	if want := data.EventType(); want != raw.Type {
		return Envelope[D]{}, &DecodeError{
			Type: raw.Type,
			ID:   raw.ID,
			Err:  fmt.Errorf("expected event type %s", want),
		}
	}

	if err := json.Unmarshal(raw.Data, &data); err != nil {
		return Envelope[D]{}, &DecodeError{Type: raw.Type, ID: raw.ID, Err: err}
	}

	return Envelope[D]{
		ID:      raw.ID,
		Data:    data,
		Context: raw.Context,
	}, nil
}
