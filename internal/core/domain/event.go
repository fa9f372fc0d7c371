package domain

import (
	"fmt"
	"time"
)

// EventType is the kind of row change carried by a realtime event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

func (t EventType) Valid() bool {
	return t == EventInsert || t == EventUpdate || t == EventDelete
}

// ChangeEvent is a server-side row change delivered outside the
// request/response cycle.
type ChangeEvent struct {
	// EventID identifies one delivery; duplicates share it.
	EventID string
	Type    EventType
	Kind    Kind
	// ID is the affected row id. For deletes Row may be nil.
	ID        string
	Row       Entity
	Timestamp time.Time
	// Err is set when the wire payload could not be decoded.
	Err error
}

// Check validates an event before it may touch the cache.
func (e ChangeEvent) Check() error {
	if e.Err != nil {
		return fmt.Errorf("malformed event: %w", e.Err)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("malformed event: unknown type %q", e.Type)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("malformed event: unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		return fmt.Errorf("malformed event: missing id")
	}
	if e.Type == EventDelete {
		return nil
	}
	if e.Row == nil {
		return fmt.Errorf("malformed event: %s without row", e.Type)
	}
	if e.Row.EntityKind() != e.Kind || e.Row.EntityID() != e.ID {
		return fmt.Errorf("malformed event: row %s/%s does not match %s/%s",
			e.Row.EntityKind(), e.Row.EntityID(), e.Kind, e.ID)
	}
	if err := e.Row.Validate(); err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}
	return nil
}

// NewEntity returns an empty row of kind, ready to be decoded into.
func NewEntity(kind Kind) (Entity, error) {
	switch kind {
	case KindIdentity:
		return &Identity{}, nil
	case KindAppointment:
		return &Appointment{}, nil
	case KindTask:
		return &Task{}, nil
	case KindTemplate:
		return &TaskTemplate{}, nil
	case KindConversation:
		return &Conversation{}, nil
	case KindMessage:
		return &Message{}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

// Normalize folds wire-only representations into their canonical form. It is
// applied once at the gateway boundary.
func Normalize(e Entity) Entity {
	if t, ok := e.(*Task); ok {
		t.Normalize()
	}
	return e
}
