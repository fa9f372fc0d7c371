package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newGateway() *Gateway {
	g := NewGateway(zerolog.Nop())
	g.now = func() time.Time { return t0 }
	return g
}

func appt(id, owner string, start time.Time) *domain.Appointment {
	return &domain.Appointment{
		ID: id, OwnerID: owner, TypeID: "consult",
		StartTime: start, EndTime: start.Add(time.Hour),
		Status: domain.AppointmentBooked,
	}
}

type recorder struct {
	events   []domain.ChangeEvent
	statuses []ports.ChannelStatus
}

func (r *recorder) listener() ports.Listener {
	return ports.Listener{
		OnEvent:  func(ev domain.ChangeEvent) { r.events = append(r.events, ev) },
		OnStatus: func(s ports.ChannelStatus) { r.statuses = append(r.statuses, s) },
	}
}

// ---------------------------------------------------------------------------
// Fetch
// ---------------------------------------------------------------------------

func TestFetch_FiltersAndOrders(t *testing.T) {
	g := newGateway()
	g.Seed(appt("a2", "c1", t0.Add(2*time.Hour)), appt("a1", "c1", t0), appt("a3", "c2", t0))

	rows, err := g.Fetch(context.Background(), domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"))
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(rows) != 2 || rows[0].EntityID() != "a1" || rows[1].EntityID() != "a2" {
		t.Fatalf("unexpected rows: %v", ids(rows))
	}
}

func TestFetch_LegacyOverdueMatchesPending(t *testing.T) {
	g := newGateway()
	g.Seed(&domain.Task{ID: "t1", OwnerID: "c1", Title: "Journal", Kind: domain.TaskText, DueDate: t0, Status: "overdue"})

	rows, err := g.Fetch(context.Background(), domain.KindTask, domain.Where(domain.AttrStatus, string(domain.TaskPending)))
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected legacy row to match pending, got %d rows", len(rows))
	}
	if got := rows[0].(*domain.Task).Status; got != domain.TaskPending {
		t.Errorf("expected canonical status, got %s", got)
	}
}

func TestFetch_JoinsRelation(t *testing.T) {
	g := newGateway()
	g.Seed(&domain.Identity{ID: "c1", Role: domain.RoleCounterparty, DisplayName: "Client"}, appt("a1", "c1", t0))
	g.SeedTypes(domain.AppointmentType{ID: "consult", Name: "Consultation", DurationMinutes: 60})

	rows, _ := g.Fetch(context.Background(), domain.KindAppointment, domain.Filter{}.Include(domain.RelOwner))
	if a := rows[0].(*domain.Appointment); a.Owner == nil || a.Owner.DisplayName != "Client" {
		t.Fatalf("expected owner joined, got %+v", a.Owner)
	}
	rows, _ = g.Fetch(context.Background(), domain.KindAppointment, domain.Filter{}.Include(domain.RelType))
	if a := rows[0].(*domain.Appointment); a.Type == nil || a.Type.Name != "Consultation" || a.Owner != nil {
		t.Fatalf("expected only type joined, got %+v", a)
	}
}

func TestFetch_InjectedFailure(t *testing.T) {
	g := newGateway()
	g.FailNext("fetch", ErrInjected)

	if _, err := g.Fetch(context.Background(), domain.KindTask, domain.Filter{}); !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if _, err := g.Fetch(context.Background(), domain.KindTask, domain.Filter{}); err != nil {
		t.Fatalf("failure should be one-shot, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

func TestCreate_AssignsIDAndKeepsReference(t *testing.T) {
	g := newGateway()
	a := appt("", "c1", t0)
	a.AssignRef("tmp-1")

	row, err := g.Create(context.Background(), domain.KindAppointment, a)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	got := row.(*domain.Appointment)
	if got.ID == "" || got.ID == "tmp-1" {
		t.Fatalf("expected server id, got %q", got.ID)
	}
	if got.ClientRef != "tmp-1" {
		t.Errorf("expected client ref kept, got %q", got.ClientRef)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("expected created_at stamped, got %v", got.CreatedAt)
	}
}

func TestCreate_ReplayByReference(t *testing.T) {
	g := newGateway()
	a := appt("", "c1", t0)
	a.AssignRef("tmp-1")

	first, _ := g.Create(context.Background(), domain.KindAppointment, a)
	second, err := g.Create(context.Background(), domain.KindAppointment, a)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if first.EntityID() != second.EntityID() || g.Count(domain.KindAppointment) != 1 {
		t.Fatalf("expected replay to return the existing row, got %s and %s", first.EntityID(), second.EntityID())
	}
}

func TestCreate_RejectsInvalidRow(t *testing.T) {
	g := newGateway()
	bad := appt("", "c1", t0)
	bad.EndTime = bad.StartTime

	if _, err := g.Create(context.Background(), domain.KindAppointment, bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := g.Create(context.Background(), domain.KindIdentity, &domain.Identity{ID: "x", Role: domain.RoleOperator, DisplayName: "X"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected identities to be rejected, got %v", err)
	}
}

func TestCreate_ConversationPairConflict(t *testing.T) {
	g := newGateway()
	if _, err := g.Create(context.Background(), domain.KindConversation, domain.NewConversation("op", "c1", t0)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := g.Create(context.Background(), domain.KindConversation, domain.NewConversation("c1", "op", t0))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for the reversed pair, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	g := newGateway()
	g.Seed(appt("a1", "c1", t0))

	row, err := g.Update(context.Background(), domain.KindAppointment, "a1", domain.Patch{domain.FieldStatus: string(domain.AppointmentCompleted)})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if row.(*domain.Appointment).Status != domain.AppointmentCompleted {
		t.Fatalf("unexpected status: %s", row.(*domain.Appointment).Status)
	}

	_, err = g.Update(context.Background(), domain.KindAppointment, "a1", domain.Patch{domain.FieldStatus: string(domain.AppointmentBooked)})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	_, err = g.Update(context.Background(), domain.KindAppointment, "missing", domain.Patch{domain.FieldNotes: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove_MissingRowSucceeds(t *testing.T) {
	g := newGateway()
	if err := g.Remove(context.Background(), domain.KindAppointment, "missing"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	g := newGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Fetch(ctx, domain.KindTask, domain.Filter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Realtime
// ---------------------------------------------------------------------------

func TestSubscribe_DeliversMatchingEvents(t *testing.T) {
	g := newGateway()
	g.Seed(appt("a1", "c1", t0), appt("a2", "c2", t0))
	rec := &recorder{}
	unsub, err := g.Subscribe(context.Background(), domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"), rec.listener())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	_, _ = g.Update(context.Background(), domain.KindAppointment, "a1", domain.Patch{domain.FieldNotes: "hi"})
	_, _ = g.Update(context.Background(), domain.KindAppointment, "a2", domain.Patch{domain.FieldNotes: "hi"})
	_ = g.Remove(context.Background(), domain.KindAppointment, "a1")

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(rec.events))
	}
	if rec.events[0].Type != domain.EventUpdate || rec.events[0].Row == nil || rec.events[0].EventID == "" {
		t.Errorf("unexpected update event: %+v", rec.events[0])
	}
	if rec.events[1].Type != domain.EventDelete || rec.events[1].ID != "a1" || rec.events[1].Row != nil {
		t.Errorf("unexpected delete event: %+v", rec.events[1])
	}

	unsub()
	unsub()
	_, _ = g.Update(context.Background(), domain.KindAppointment, "a2", domain.Patch{domain.FieldNotes: "again"})
	if len(rec.events) != 2 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(rec.events))
	}
}

func TestSubscribe_DisconnectDropsEvents(t *testing.T) {
	g := newGateway()
	g.Seed(appt("a1", "c1", t0))
	rec := &recorder{}
	_, _ = g.Subscribe(context.Background(), domain.KindAppointment, domain.Filter{}, rec.listener())

	g.Disconnect()
	_, _ = g.Update(context.Background(), domain.KindAppointment, "a1", domain.Patch{domain.FieldNotes: "missed"})
	g.Reconnect()
	g.Reconnect()

	if len(rec.events) != 0 {
		t.Fatalf("expected events to be missed while disconnected, got %d", len(rec.events))
	}
	want := []ports.ChannelStatus{ports.ChannelDisconnected, ports.ChannelConnected}
	if len(rec.statuses) != len(want) || rec.statuses[0] != want[0] || rec.statuses[1] != want[1] {
		t.Fatalf("unexpected statuses: %v", rec.statuses)
	}
}

// ---------------------------------------------------------------------------
// Credentials and objects
// ---------------------------------------------------------------------------

func TestCredentials(t *testing.T) {
	g := newGateway()
	c := NewCredentials(g)
	ctx := context.Background()
	id := &domain.Identity{ID: "c1", Role: domain.RoleCounterparty, DisplayName: "Client", Email: "c@example.com"}

	if _, err := c.Create(ctx, &ports.Credential{IdentityID: "c1", Email: "C@example.com", PasswordHash: "h"}, id); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := c.Create(ctx, &ports.Credential{IdentityID: "c2", Email: "c@example.com"}, id); err != domain.ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
	cred, err := c.FindByEmail(ctx, "c@example.com")
	if err != nil || cred.IdentityID != "c1" {
		t.Fatalf("FindByEmail: %+v, %v", cred, err)
	}
	if _, err := c.FindIdentity(ctx, "c1"); err != nil {
		t.Fatalf("FindIdentity: %v", err)
	}
	if g.Count(domain.KindIdentity) != 1 {
		t.Fatalf("expected identity stored as a gateway row")
	}
	if _, err := c.FindByEmail(ctx, "nobody@example.com"); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestObjectStore_Progress(t *testing.T) {
	s := NewObjectStore("mem://bucket")
	body := strings.Repeat("x", chunkSize*2+10)
	var calls []int64

	ref, err := s.Upload(context.Background(), "a/b.txt", strings.NewReader(body), int64(len(body)), ports.UploadOptions{
		Progress: func(sent, total int64) {
			if total != int64(len(body)) {
				t.Errorf("unexpected total %d", total)
			}
			calls = append(calls, sent)
		},
	})
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if ref.Size != int64(len(body)) || ref.URL != "mem://bucket/a/b.txt" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if len(calls) < 2 || calls[len(calls)-1] != int64(len(body)) {
		t.Fatalf("unexpected progress calls: %v", calls)
	}
	if b, ok := s.Object("a/b.txt"); !ok || len(b) != len(body) {
		t.Fatalf("object not stored")
	}
}

func TestObjectStore_Cancelled(t *testing.T) {
	s := NewObjectStore("mem://bucket")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Upload(ctx, "a.txt", strings.NewReader("x"), 1, ports.UploadOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := s.Object("a.txt"); ok {
		t.Fatalf("cancelled upload must not be stored")
	}
}

func ids(rows []domain.Entity) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.EntityID()
	}
	return out
}
