package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/core/validation"
)

// AppointmentService implements booking, cancellation and the operator's
// appointment workflow on top of the coordinator.
type AppointmentService struct {
	coord   *Coordinator
	session *Session
	logger  zerolog.Logger
	now     func() time.Time
}

func NewAppointmentService(coord *Coordinator, session *Session, logger zerolog.Logger) *AppointmentService {
	return &AppointmentService{coord: coord, session: session, logger: logger, now: time.Now}
}

// List returns appointments ordered by start time. Counterparties always see
// only their own.
func (s *AppointmentService) List(ctx context.Context, in ports.ListAppointmentsInput) ([]*domain.Appointment, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	owner := in.OwnerID
	if me.Role == domain.RoleCounterparty && owner == "" {
		owner = me.ID
	}

	f := domain.Filter{}
	if owner != "" {
		f = f.Eq(domain.AttrOwnerID, owner)
	}
	if in.Status != "" {
		f = f.Eq(domain.AttrStatus, string(in.Status))
	}
	if !in.From.IsZero() || !in.To.IsZero() {
		f = f.Between(in.From, in.To)
	}
	if in.WithOwner {
		f = f.Include(domain.RelOwner)
	}

	rows, err := s.coord.Query(ctx, domain.KindAppointment, f, QueryOptions{Force: in.Refresh})
	if err != nil {
		return nil, err
	}
	return typed[*domain.Appointment](rows), nil
}

// Upcoming returns booked appointments that have not started yet.
func (s *AppointmentService) Upcoming(ctx context.Context, ownerID string) ([]*domain.Appointment, error) {
	all, err := s.List(ctx, ports.ListAppointmentsInput{OwnerID: ownerID, Status: domain.AppointmentBooked})
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := all[:0]
	for _, a := range all {
		if a.IsUpcoming(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Book creates a booked appointment. The row shows up in the cache at once
// and is swapped for the backend's copy when it is confirmed.
func (s *AppointmentService) Book(ctx context.Context, in ports.BookAppointmentInput, opts ...MutationOption) (*domain.Appointment, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("book appointment: %w", err)
	}
	owner := in.OwnerID
	if owner == "" {
		owner = me.ID
	}
	if owner != me.ID && me.Role != domain.RoleOperator {
		return nil, fmt.Errorf("book appointment: %w", domain.ErrForbidden)
	}

	appt := &domain.Appointment{
		OwnerID:   owner,
		TypeID:    in.TypeID,
		StartTime: in.StartTime.UTC(),
		EndTime:   in.EndTime.UTC(),
		Status:    domain.AppointmentBooked,
		Notes:     in.Notes,
		CreatedAt: s.now().UTC(),
	}
	res, err := s.coord.Create(ctx, appt, opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("id", res.ID).Str("owner_id", owner).Msg("appointment booked")
	return res.Entity.(*domain.Appointment), nil
}

// Cancel cancels a booked appointment on behalf of the signed-in role.
// Cancelling an already cancelled appointment is a no-op.
func (s *AppointmentService) Cancel(ctx context.Context, id string, opts ...MutationOption) (*domain.Appointment, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	return s.patch(ctx, id, func(a *domain.Appointment) (domain.Patch, error) {
		if err := canTouch(me, a.OwnerID); err != nil {
			return nil, err
		}
		if a.Status.Cancelled() {
			return nil, nil
		}
		return domain.Patch{domain.FieldStatus: string(domain.CancelledStatusFor(me.Role))}, nil
	}, opts)
}

// Complete marks a booked appointment as held. Operator only.
func (s *AppointmentService) Complete(ctx context.Context, id string, opts ...MutationOption) (*domain.Appointment, error) {
	if err := requireOperator(s.session); err != nil {
		return nil, err
	}
	return s.patch(ctx, id, func(a *domain.Appointment) (domain.Patch, error) {
		if a.Status == domain.AppointmentCompleted {
			return nil, nil
		}
		return domain.Patch{domain.FieldStatus: string(domain.AppointmentCompleted)}, nil
	}, opts)
}

// Reschedule moves a booked appointment.
func (s *AppointmentService) Reschedule(ctx context.Context, id string, in ports.RescheduleInput, opts ...MutationOption) (*domain.Appointment, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}
	return s.patch(ctx, id, func(a *domain.Appointment) (domain.Patch, error) {
		if err := canTouch(me, a.OwnerID); err != nil {
			return nil, err
		}
		if a.StartTime.Equal(in.StartTime) && a.EndTime.Equal(in.EndTime) {
			return nil, nil
		}
		return domain.Patch{domain.FieldStartTime: in.StartTime.UTC(), domain.FieldEndTime: in.EndTime.UTC()}, nil
	}, opts)
}

// UpdateNotes replaces the counterparty-visible notes.
func (s *AppointmentService) UpdateNotes(ctx context.Context, id, notes string, opts ...MutationOption) (*domain.Appointment, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	return s.patch(ctx, id, func(a *domain.Appointment) (domain.Patch, error) {
		if err := canTouch(me, a.OwnerID); err != nil {
			return nil, err
		}
		if a.Notes == notes {
			return nil, nil
		}
		return domain.Patch{domain.FieldNotes: notes}, nil
	}, opts)
}

// SetOperatorNotes replaces the operator's private notes. Operator only.
func (s *AppointmentService) SetOperatorNotes(ctx context.Context, id, notes string, opts ...MutationOption) (*domain.Appointment, error) {
	if err := requireOperator(s.session); err != nil {
		return nil, err
	}
	return s.patch(ctx, id, func(a *domain.Appointment) (domain.Patch, error) {
		if a.OperatorNotes == notes {
			return nil, nil
		}
		return domain.Patch{domain.FieldOperatorNotes: notes}, nil
	}, opts)
}

func (s *AppointmentService) patch(ctx context.Context, id string, build func(*domain.Appointment) (domain.Patch, error), opts []MutationOption) (*domain.Appointment, error) {
	res, err := s.coord.Patch(ctx, domain.KindAppointment, id, func(cur domain.Entity) (domain.Patch, error) {
		return build(cur.(*domain.Appointment))
	}, opts...)
	if err != nil {
		return nil, err
	}
	a, _ := res.Entity.(*domain.Appointment)
	return a, nil
}
