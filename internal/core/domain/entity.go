package domain

import (
	"sort"
	"time"
)

// Kind names one of the entity kinds held by the cache and served by the gateway.
type Kind string

const (
	KindIdentity     Kind = "identity"
	KindAppointment  Kind = "appointment"
	KindTask         Kind = "task"
	KindTemplate     Kind = "task_template"
	KindConversation Kind = "conversation"
	KindMessage      Kind = "message"
)

// Kinds lists every entity kind in a stable order.
var Kinds = []Kind{
	KindIdentity,
	KindAppointment,
	KindTask,
	KindTemplate,
	KindConversation,
	KindMessage,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Entity is implemented by every row type the cache can hold.
type Entity interface {
	EntityID() string
	EntityKind() Kind
	// Reference returns the client reference assigned at optimistic creation,
	// or "" when the row was not created through this client.
	Reference() string
	// SortTime is the time the kind's list ordering is based on.
	SortTime() time.Time
	// Attributes exposes the indexed fields filters may match on.
	Attributes() map[string][]string
	Validate() error
	Clone() Entity
	// Apply returns a copy of the entity with patch applied. The receiver is not modified.
	Apply(p Patch) (Entity, error)
}

// Creatable is implemented by kinds the client may create optimistically.
// AssignRef gives the row a provisional id that doubles as its client
// reference until the backend assigns the real id.
type Creatable interface {
	Entity
	AssignRef(ref string)
}

// descending marks kinds whose lists are newest-first.
var descending = map[Kind]bool{
	KindConversation: true,
	KindTemplate:     true,
}

// SortEntities orders rows in place using the kind's list ordering. Ties are
// broken by id so the order never depends on insertion history.
func SortEntities(kind Kind, rows []Entity) {
	desc := descending[kind]
	sort.SliceStable(rows, func(i, j int) bool {
		if kind == KindIdentity {
			ni, nj := displayName(rows[i]), displayName(rows[j])
			if ni != nj {
				return ni < nj
			}
			return rows[i].EntityID() < rows[j].EntityID()
		}
		ti, tj := rows[i].SortTime(), rows[j].SortTime()
		if !ti.Equal(tj) {
			if desc {
				return ti.After(tj)
			}
			return ti.Before(tj)
		}
		return rows[i].EntityID() < rows[j].EntityID()
	})
}

func displayName(e Entity) string {
	if id, ok := e.(*Identity); ok {
		return id.DisplayName
	}
	return ""
}

// CloneAll deep-copies a slice of entities.
func CloneAll(rows []Entity) []Entity {
	out := make([]Entity, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// AssignServerID replaces the provisional id of e with the id the backend
// assigned, keeping the client reference.
func AssignServerID(e Creatable, id string) {
	ref := e.Reference()
	e.AssignRef(id)
	switch r := e.(type) {
	case *Appointment:
		r.ClientRef = ref
	case *Task:
		r.ClientRef = ref
	case *TaskTemplate:
		r.ClientRef = ref
	case *Conversation:
		r.ClientRef = ref
	case *Message:
		r.ClientRef = ref
	}
}

// StampCreated fills unset creation timestamps of a new row with now.
func StampCreated(e Entity, now time.Time) {
	switch r := e.(type) {
	case *Appointment:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	case *TaskTemplate:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	case *Task:
		if r.AssignedAt.IsZero() {
			r.AssignedAt = now
		}
	case *Conversation:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.LastMessageAt.IsZero() {
			r.LastMessageAt = now
		}
	case *Message:
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
}
