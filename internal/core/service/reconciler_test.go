package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubDedup struct {
	seen map[string]bool
	err  error
}

func (d *stubDedup) FirstSeen(_ context.Context, id string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func updateEvent(a *domain.Appointment, eventID string) domain.ChangeEvent {
	return domain.ChangeEvent{
		EventID:   eventID,
		Type:      domain.EventUpdate,
		Kind:      domain.KindAppointment,
		ID:        a.ID,
		Row:       a,
		Timestamp: time.Now(),
	}
}

func watching(t *testing.T, h *harness, dedup ports.Deduplicator, kind domain.Kind, f domain.Filter) *Reconciler {
	t.Helper()
	r := NewReconciler(h.gw, h.coord, dedup, zerolog.Nop())
	if err := r.Watch(context.Background(), kind, f); err != nil {
		t.Fatalf("watch: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestReconciler_AppliesEventImmediately(t *testing.T) {
	h, _ := loadedClientAppt(t)
	watching(t, h, nil, domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"))

	done := bookedAppt("apt-1", "c1")
	done.Status = domain.AppointmentCompleted
	h.gw.emit(updateEvent(done, "e1"))

	if s := status(t, h, "apt-1"); s != domain.AppointmentCompleted {
		t.Errorf("expected event applied, got %s", s)
	}

	h.gw.emit(domain.ChangeEvent{EventID: "e2", Type: domain.EventDelete, Kind: domain.KindAppointment, ID: "apt-1"})
	if _, ok := h.cache.Get(domain.KindAppointment, "apt-1"); ok {
		t.Errorf("delete event not applied")
	}
}

func TestReconciler_DefersBehindInFlightMutation(t *testing.T) {
	h, svc := loadedClientAppt(t)
	watching(t, h, nil, domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"))

	release := h.gw.holdMutations()
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := svc.UpdateNotes(context.Background(), "apt-1", "running late")
		done <- err
	}()
	if err := h.expectEntered("update"); err != nil {
		t.Fatal(err)
	}

	remote := bookedAppt("apt-1", "c1")
	remote.Status = domain.AppointmentCancelledByOperator
	h.gw.emit(updateEvent(remote, "e1"))

	e, _ := h.cache.Get(domain.KindAppointment, "apt-1")
	if a := e.(*domain.Appointment); a.Status != domain.AppointmentBooked || a.Notes != "running late" {
		t.Fatalf("event applied before the mutation finished: %+v", a)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("update notes: %v", err)
	}
	if s := status(t, h, "apt-1"); s != domain.AppointmentCancelledByOperator {
		t.Errorf("deferred event not applied after commit, status %s", s)
	}
}

func TestReconciler_InsertMatchedToPendingCreate(t *testing.T) {
	h := newHarness()
	h.signIn(client1)
	watching(t, h, nil, domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"))
	svc := NewAppointmentService(h.coord, h.session, zerolog.Nop())

	release := h.gw.holdMutations()
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := svc.Book(context.Background(), ports.BookAppointmentInput{TypeID: "consult", StartTime: t0, EndTime: t0.Add(time.Hour)})
		done <- err
	}()
	if err := h.expectEntered("create"); err != nil {
		t.Fatal(err)
	}

	tmp := h.cache.List(domain.KindAppointment, domain.Filter{})[0].(*domain.Appointment)
	echo := tmp.Clone().(*domain.Appointment)
	echo.ID = "srv-1"
	h.gw.emit(domain.ChangeEvent{EventID: "e1", Type: domain.EventInsert, Kind: domain.KindAppointment, ID: "srv-1", Row: echo})

	if n := h.cache.Len(domain.KindAppointment); n != 1 {
		t.Fatalf("insert echo applied while create pending: %d rows", n)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("book: %v", err)
	}
	rows := h.cache.List(domain.KindAppointment, domain.Filter{})
	if len(rows) != 1 || rows[0].EntityID() != "srv-1" {
		t.Errorf("expected a single server row, got %v", rows)
	}
}

func TestReconciler_DropsMalformedEvents(t *testing.T) {
	h, _ := loadedClientAppt(t)
	watching(t, h, nil, domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"))
	before := snapshot(h.cache)

	bad := bookedAppt("apt-1", "c1")
	bad.EndTime = bad.StartTime.Add(-time.Minute)
	h.gw.emit(updateEvent(bad, "e1"))
	h.gw.emit(domain.ChangeEvent{EventID: "e2", Type: domain.EventUpdate, Kind: domain.KindAppointment, ID: "apt-1", Err: errors.New("bad json")})
	h.gw.emit(domain.ChangeEvent{EventID: "e3", Type: domain.EventUpdate, Kind: domain.KindAppointment, ID: "apt-1"})

	if !reflect.DeepEqual(before, snapshot(h.cache)) {
		t.Errorf("malformed events changed the cache")
	}
}

func TestReconciler_DropsMessageOutsideConversation(t *testing.T) {
	h := newHarness()
	conv := domain.NewConversation("op", "c1", t0)
	conv.ID = "conv-1"
	h.gw.seed(conv)
	h.signIn(client1)
	watching(t, h, nil, domain.KindMessage, domain.Where(domain.AttrReceiverID, "c1"))

	intruder := &domain.Message{ID: "m1", ConversationID: "conv-1", SenderID: "c2", ReceiverID: "c1", Content: "hi", CreatedAt: t0}
	h.gw.emit(domain.ChangeEvent{EventID: "e1", Type: domain.EventInsert, Kind: domain.KindMessage, ID: "m1", Row: intruder})
	if _, ok := h.cache.Get(domain.KindMessage, "m1"); ok {
		t.Fatalf("message violating conversation integrity was cached")
	}

	legit := &domain.Message{ID: "m2", ConversationID: "conv-1", SenderID: "op", ReceiverID: "c1", Content: "hello", CreatedAt: t0}
	h.gw.emit(domain.ChangeEvent{EventID: "e2", Type: domain.EventInsert, Kind: domain.KindMessage, ID: "m2", Row: legit})
	if _, ok := h.cache.Get(domain.KindMessage, "m2"); !ok {
		t.Errorf("legitimate message dropped")
	}
}

func TestReconciler_SkipsDuplicates(t *testing.T) {
	h, _ := loadedClientAppt(t)
	watching(t, h, &stubDedup{}, domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"))

	done := bookedAppt("apt-1", "c1")
	done.Status = domain.AppointmentCompleted
	h.gw.emit(updateEvent(done, "e1"))

	h.cache.Remove(domain.KindAppointment, "apt-1")
	h.gw.emit(updateEvent(done, "e1"))
	if _, ok := h.cache.Get(domain.KindAppointment, "apt-1"); ok {
		t.Errorf("duplicate delivery re-applied")
	}
}

func TestReconciler_DedupFailureStillApplies(t *testing.T) {
	h, _ := loadedClientAppt(t)
	watching(t, h, &stubDedup{err: errors.New("redis down")}, domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"))

	done := bookedAppt("apt-1", "c1")
	done.Status = domain.AppointmentCompleted
	h.gw.emit(updateEvent(done, "e1"))
	if s := status(t, h, "apt-1"); s != domain.AppointmentCompleted {
		t.Errorf("event dropped on dedup failure")
	}
}

func TestReconciler_ReconnectRefreshesOnce(t *testing.T) {
	h, _ := loadedClientAppt(t)
	f := domain.Where(domain.AttrOwnerID, "c1")
	watching(t, h, nil, domain.KindAppointment, f)

	h.gw.status(domain.KindAppointment, ports.ChannelDisconnected)
	if !h.cache.IsStale(domain.KindAppointment) {
		t.Fatalf("disconnect did not mark the kind stale")
	}

	// A change missed while disconnected.
	missed := bookedAppt("apt-2", "c1")
	h.gw.seed(missed)

	f0, _, _ := h.gw.counts()
	h.gw.status(domain.KindAppointment, ports.ChannelConnected)
	h.gw.status(domain.KindAppointment, ports.ChannelConnected)

	if f, _, _ := h.gw.counts(); f != f0+1 {
		t.Errorf("expected exactly one refresh, got %d fetches", f-f0)
	}
	if _, ok := h.cache.Get(domain.KindAppointment, "apt-2"); !ok {
		t.Errorf("missed row not recovered by refresh")
	}
	if h.cache.IsStale(domain.KindAppointment) {
		t.Errorf("kind still stale after refresh")
	}
}

func TestReconciler_WatchTwiceAndClose(t *testing.T) {
	h := newHarness()
	h.signIn(operator)
	r := NewReconciler(h.gw, h.coord, nil, zerolog.Nop())
	f := domain.Filter{}
	if err := r.Watch(context.Background(), domain.KindTask, f); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := r.Watch(context.Background(), domain.KindTask, f); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if n := len(h.gw.listeners[domain.KindTask]); n != 1 {
		t.Errorf("expected one subscription, got %d", n)
	}
	r.Close()
	if err := r.Watch(context.Background(), domain.KindTask, f); err == nil {
		t.Errorf("expected error watching on a closed reconciler")
	}
}
