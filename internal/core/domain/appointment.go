package domain

import (
	"time"
)

// AppointmentStatus represents the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentBooked                  AppointmentStatus = "booked"
	AppointmentCompleted               AppointmentStatus = "completed"
	AppointmentCancelledByCounterparty AppointmentStatus = "cancelled_by_counterparty"
	AppointmentCancelledByOperator     AppointmentStatus = "cancelled_by_operator"
)

// appointmentTransitions defines the allowed state machine transitions.
// Completed and cancelled appointments are terminal.
var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentBooked: {AppointmentCompleted, AppointmentCancelledByCounterparty, AppointmentCancelledByOperator},
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentBooked, AppointmentCompleted, AppointmentCancelledByCounterparty, AppointmentCancelledByOperator:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from current status to next is valid.
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range appointmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) Cancelled() bool {
	return s == AppointmentCancelledByCounterparty || s == AppointmentCancelledByOperator
}

// Terminal reports whether no further transitions are possible.
func (s AppointmentStatus) Terminal() bool {
	return len(appointmentTransitions[s]) == 0
}

// CancelledStatusFor returns the cancellation status recorded when role cancels.
func CancelledStatusFor(role Role) AppointmentStatus {
	if role == RoleOperator {
		return AppointmentCancelledByOperator
	}
	return AppointmentCancelledByCounterparty
}

// AppointmentType is the catalogue entry an appointment is booked against.
type AppointmentType struct {
	ID              string `json:"id" bson:"_id"`
	Name            string `json:"name" bson:"name"`
	DurationMinutes int    `json:"duration_minutes" bson:"duration_minutes"`
}

// Appointment is a schedulable event between the operator and one counterparty.
type Appointment struct {
	ID            string            `json:"id" bson:"_id"`
	ClientRef     string            `json:"client_ref,omitempty" bson:"client_ref,omitempty"`
	OwnerID       string            `json:"owner_id" bson:"owner_id"`
	TypeID        string            `json:"type_id" bson:"type_id"`
	StartTime     time.Time         `json:"start_time" bson:"start_time"`
	EndTime       time.Time         `json:"end_time" bson:"end_time"`
	Status        AppointmentStatus `json:"status" bson:"status"`
	Notes         string            `json:"notes,omitempty" bson:"notes,omitempty"`
	OperatorNotes string            `json:"operator_notes,omitempty" bson:"operator_notes,omitempty"`
	CreatedAt     time.Time         `json:"created_at" bson:"created_at"`

	// Joined relations, populated only when requested.
	Owner *Identity        `json:"owner,omitempty" bson:"-"`
	Type  *AppointmentType `json:"type,omitempty" bson:"-"`
}

func (a *Appointment) EntityID() string  { return a.ID }
func (a *Appointment) EntityKind() Kind  { return KindAppointment }
func (a *Appointment) Reference() string { return a.ClientRef }

func (a *Appointment) AssignRef(ref string) { a.ID, a.ClientRef = ref, ref }
func (a *Appointment) SortTime() time.Time  { return a.StartTime }

func (a *Appointment) Attributes() map[string][]string {
	return map[string][]string{
		AttrID:      {a.ID},
		AttrOwnerID: {a.OwnerID},
		AttrTypeID:  {a.TypeID},
		AttrStatus:  {string(a.Status)},
	}
}

// IsUpcoming reports whether the appointment is still booked and starts after now.
func (a *Appointment) IsUpcoming(now time.Time) bool {
	return a.Status == AppointmentBooked && a.StartTime.After(now)
}

func (a *Appointment) Validate() error {
	if a.OwnerID == "" {
		return Validationf("appointment owner is required")
	}
	if a.TypeID == "" {
		return Validationf("appointment type is required")
	}
	if a.StartTime.IsZero() || a.EndTime.IsZero() {
		return Validationf("appointment start and end times are required")
	}
	if !a.StartTime.Before(a.EndTime) {
		return Validationf("appointment must start before it ends")
	}
	if !a.Status.Valid() {
		return Validationf("appointment status %q is invalid", a.Status)
	}
	return nil
}

func (a *Appointment) Clone() Entity {
	c := *a
	if a.Owner != nil {
		o := *a.Owner
		c.Owner = &o
	}
	if a.Type != nil {
		t := *a.Type
		c.Type = &t
	}
	return &c
}

// Apply enforces the status machine and freezes schedule and notes once the
// appointment has left the booked state.
func (a *Appointment) Apply(p Patch) (Entity, error) {
	c := a.Clone().(*Appointment)
	for _, f := range p.Fields() {
		switch f {
		case FieldStatus:
			v, err := patchString(p, f)
			if err != nil {
				return nil, err
			}
			next := AppointmentStatus(v)
			if next != a.Status && !a.Status.CanTransitionTo(next) {
				return nil, transitionError(a.Status, next)
			}
			c.Status = next
		case FieldStartTime, FieldEndTime, FieldNotes:
			if a.Status != AppointmentBooked {
				return nil, Validationf("appointment is %s and can no longer be edited", a.Status)
			}
			if f == FieldNotes {
				v, err := patchString(p, f)
				if err != nil {
					return nil, err
				}
				c.Notes = v
				continue
			}
			t, err := patchTime(p, f)
			if err != nil {
				return nil, err
			}
			if f == FieldStartTime {
				c.StartTime = t
			} else {
				c.EndTime = t
			}
		case FieldOperatorNotes:
			v, err := patchString(p, f)
			if err != nil {
				return nil, err
			}
			c.OperatorNotes = v
		default:
			return nil, unknownField(KindAppointment, f)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
