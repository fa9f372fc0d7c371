package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

func TestConnect_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := Connect(context.Background(), Config{Addr: addr, Timeout: 200 * time.Millisecond}); err == nil {
		t.Fatalf("expected error for a closed server")
	}
}

// ---------------------------------------------------------------------------
// Dedup
// ---------------------------------------------------------------------------

func TestDedup_FirstSeen(t *testing.T) {
	mr, client := newClient(t)
	d := NewDedupChecker(client)
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "ev-1")
	if err != nil || !first {
		t.Fatalf("expected first delivery, got %v, %v", first, err)
	}
	again, err := d.FirstSeen(ctx, "ev-1")
	if err != nil || again {
		t.Fatalf("expected duplicate, got %v, %v", again, err)
	}

	mr.FastForward(dedupTTL + time.Second)
	if expired, _ := d.FirstSeen(ctx, "ev-1"); !expired {
		t.Fatalf("expected record to expire after the ttl")
	}
}

func TestDedup_ServerDown(t *testing.T) {
	mr, client := newClient(t)
	d := NewDedupChecker(client)
	mr.Close()

	if _, err := d.FirstSeen(context.Background(), "ev-1"); err == nil {
		t.Fatalf("expected an error when redis is down")
	}
}

// ---------------------------------------------------------------------------
// Revocations
// ---------------------------------------------------------------------------

func TestRevocations(t *testing.T) {
	mr, client := newClient(t)
	r := NewRevocations(client)
	ctx := context.Background()

	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("fresh token must not be revoked")
	}
	if err := r.Revoke(ctx, "jti-1", 60); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); !revoked {
		t.Fatalf("expected token to be revoked")
	}
	mr.FastForward(61 * time.Second)
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("revocation should expire with the token")
	}
	if err := r.Revoke(ctx, "jti-2", 0); err != nil {
		t.Fatalf("zero ttl should be a no-op, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Realtime
// ---------------------------------------------------------------------------

type collector struct {
	events   chan domain.ChangeEvent
	statuses chan ports.ChannelStatus
}

func newCollector() *collector {
	return &collector{events: make(chan domain.ChangeEvent, 16), statuses: make(chan ports.ChannelStatus, 16)}
}

func (c *collector) listener() ports.Listener {
	return ports.Listener{
		OnEvent:  func(ev domain.ChangeEvent) { c.events <- ev },
		OnStatus: func(s ports.ChannelStatus) { c.statuses <- s },
	}
}

func (c *collector) nextEvent(t *testing.T) domain.ChangeEvent {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	return domain.ChangeEvent{}
}

func (c *collector) nextStatus(t *testing.T) ports.ChannelStatus {
	t.Helper()
	select {
	case s := <-c.statuses:
		return s
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a status")
	}
	return 0
}

func appointment(id, owner string) *domain.Appointment {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &domain.Appointment{
		ID: id, OwnerID: owner, TypeID: "consult",
		StartTime: start, EndTime: start.Add(time.Hour), Status: domain.AppointmentBooked,
	}
}

func TestRealtime_PublishSubscribe(t *testing.T) {
	_, client := newClient(t)
	rt := NewRealtime(client, zerolog.Nop())
	ctx := context.Background()
	c := newCollector()

	unsub, err := rt.Subscribe(ctx, domain.KindAppointment, domain.Where(domain.AttrOwnerID, "c1"), c.listener())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsub()

	// Not matching the filter: skipped.
	if err := rt.Publish(ctx, domain.ChangeEvent{EventID: "e0", Type: domain.EventUpdate, Kind: domain.KindAppointment, ID: "a2", Row: appointment("a2", "c2")}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	_ = rt.Publish(ctx, domain.ChangeEvent{EventID: "e1", Type: domain.EventInsert, Kind: domain.KindAppointment, ID: "a1", Row: appointment("a1", "c1")})
	_ = rt.Publish(ctx, domain.ChangeEvent{EventID: "e2", Type: domain.EventDelete, Kind: domain.KindAppointment, ID: "a9"})

	ev := c.nextEvent(t)
	if ev.EventID != "e1" || ev.Type != domain.EventInsert {
		t.Fatalf("unexpected event: %+v", ev)
	}
	row, ok := ev.Row.(*domain.Appointment)
	if !ok || row.OwnerID != "c1" || !row.StartTime.Equal(appointment("a1", "c1").StartTime) {
		t.Fatalf("unexpected row: %+v", ev.Row)
	}
	if err := ev.Check(); err != nil {
		t.Fatalf("decoded event should be valid: %v", err)
	}

	del := c.nextEvent(t)
	if del.Type != domain.EventDelete || del.ID != "a9" || del.Row != nil {
		t.Fatalf("unexpected delete event: %+v", del)
	}
}

func TestRealtime_MalformedPayloadForwardedWithError(t *testing.T) {
	_, client := newClient(t)
	rt := NewRealtime(client, zerolog.Nop())
	c := newCollector()

	unsub, err := rt.Subscribe(context.Background(), domain.KindTask, domain.Filter{}, c.listener())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsub()

	client.Publish(context.Background(), channel(domain.KindTask), "{not json")
	ev := c.nextEvent(t)
	if ev.Err == nil || ev.Check() == nil {
		t.Fatalf("expected decode error, got %+v", ev)
	}
}

func TestRealtime_ReportsDisconnectAndReconnect(t *testing.T) {
	mr, client := newClient(t)
	rt := NewRealtime(client, zerolog.Nop())
	c := newCollector()

	unsub, err := rt.Subscribe(context.Background(), domain.KindMessage, domain.Filter{}, c.listener())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsub()

	mr.Close()
	if s := c.nextStatus(t); s != ports.ChannelDisconnected {
		t.Fatalf("expected disconnected, got %v", s)
	}
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	if s := c.nextStatus(t); s != ports.ChannelConnected {
		t.Fatalf("expected connected, got %v", s)
	}
}

func TestRealtime_UnsubscribeIsIdempotent(t *testing.T) {
	_, client := newClient(t)
	rt := NewRealtime(client, zerolog.Nop())

	unsub, err := rt.Subscribe(context.Background(), domain.KindTask, domain.Filter{}, newCollector().listener())
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	unsub()
	unsub()
}

func TestEncodeDecode_KeepsLegacyStatusForNormalisation(t *testing.T) {
	task := &domain.Task{ID: "t1", OwnerID: "c1", Title: "Journal", Kind: domain.TaskText, DueDate: time.Now().UTC(), Status: "overdue"}
	payload, err := encodeEvent(domain.ChangeEvent{EventID: "e", Type: domain.EventUpdate, Kind: domain.KindTask, ID: "t1", Row: task})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev := decodeEvent(domain.KindTask, payload)
	if ev.Err != nil {
		t.Fatalf("decode: %v", ev.Err)
	}
	if !forward(ev, domain.Where(domain.AttrStatus, string(domain.TaskPending))) {
		t.Fatalf("legacy overdue row should match a pending filter")
	}
}
