package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EventSet is the closed set of payload variants an entity folds over.
// E is usually a sealed interface implemented by each variant; adding a
// variant is a compile-time change plus one Register call.
type EventSet[E any] struct {
	decoders map[EventType]func(json.RawMessage) (E, error)
}

// NewEventSet returns an empty set.
func NewEventSet[E any]() *EventSet[E] {
	return &EventSet[E]{
		decoders: make(map[EventType]func(json.RawMessage) (E, error)),
	}
}

// Register adds payload type D to the set. It panics if D does not
// implement E, if its event type is invalid or already registered: all of
// these are programming errors caught at init time.
func Register[E any, D Payload](set *EventSet[E]) *EventSet[E] {
	var zero D
	if _, ok := any(zero).(E); !ok {
		panic(fmt.Sprintf("domain: %T does not implement the event set variant type", zero))
	}

	t := zero.EventType()
	if err := t.Validate(); err != nil {
		panic(fmt.Sprintf("domain: register %T: %v", zero, err))
	}
	if _, exists := set.decoders[t]; exists {
		panic(fmt.Sprintf("domain: event type %s registered twice", t))
	}

	set.decoders[t] = func(data json.RawMessage) (E, error) {
		var payload D
		if err := json.Unmarshal(data, &payload); err != nil {
			var none E
			return none, err
		}
		return any(payload).(E), nil
	}
	return set
}

// Types returns the registered event types in routing-key order.
func (s *EventSet[E]) Types() []EventType {
	types := make([]EventType, 0, len(s.decoders))
	for t := range s.decoders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i].RoutingKey() < types[j].RoutingKey()
	})
	return types
}

// Contains reports whether t belongs to the set.
func (s *EventSet[E]) Contains(t EventType) bool {
	_, ok := s.decoders[t]
	return ok
}

// Decode converts raw into its variant. ok is false when the event type is
// not part of the set; err is a *DecodeError when the payload is malformed.
func (s *EventSet[E]) Decode(raw RawEnvelope) (event E, ok bool, err error) {
	decode, found := s.decoders[raw.Type]
	if !found {
		return event, false, nil
	}

	event, err = decode(raw.Data)
	if err != nil {
		return event, true, &DecodeError{Type: raw.Type, ID: raw.ID, Err: err}
	}
	return event, true, nil
}
