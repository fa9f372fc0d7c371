package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/core/service"
	"github.com/practicehub/syncstore/internal/infrastructure/auth"
	"github.com/practicehub/syncstore/internal/infrastructure/memory"
)

// ---------------------------------------------------------------------------
// Shared in-memory backend
// ---------------------------------------------------------------------------

const password = "pass1234"

type backend struct {
	gw       *memory.Gateway
	auth     *auth.Provider
	store    *memory.ObjectStore
	operator *domain.Identity
	client   *domain.Identity
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	gw := memory.NewGateway(zerolog.Nop())
	provider := auth.NewProvider(memory.NewCredentials(gw), auth.NewTokens("secret", time.Hour), nil, zerolog.Nop())
	gw.SeedTypes(domain.AppointmentType{ID: "consult", Name: "Consultation", DurationMinutes: 60})

	ctx := context.Background()
	op, err := provider.Provision(ctx, "dr@example.com", password, "Dr Lee", domain.RoleOperator)
	if err != nil {
		t.Fatalf("provision operator: %v", err)
	}
	cp, err := provider.Provision(ctx, "ana@example.com", password, "Ana", domain.RoleCounterparty)
	if err != nil {
		t.Fatalf("provision counterparty: %v", err)
	}
	return &backend{gw: gw, auth: provider, store: memory.NewObjectStore("https://files.local"), operator: op, client: cp}
}

func (b *backend) newClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Dependencies{
		Auth:    b.auth,
		Gateway: func(ports.TokenSource) (ports.Gateway, error) { return b.gw, nil },
		Store:   b.store,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func (b *backend) signedIn(t *testing.T, email string) *Client {
	t.Helper()
	c := b.newClient(t)
	if _, err := c.SignIn(context.Background(), email, password); err != nil {
		t.Fatalf("SignIn(%s): %v", email, err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func booking(start time.Time) ports.BookAppointmentInput {
	return ports.BookAppointmentInput{TypeID: "consult", StartTime: start, EndTime: start.Add(time.Hour)}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RequiresDependencies(t *testing.T) {
	b := newBackend(t)
	gw := func(ports.TokenSource) (ports.Gateway, error) { return b.gw, nil }

	if _, err := New(Dependencies{Gateway: gw}); err == nil {
		t.Errorf("expected error without auth provider")
	}
	if _, err := New(Dependencies{Auth: b.auth}); err == nil {
		t.Errorf("expected error without gateway")
	}
	boom := errors.New("boom")
	_, err := New(Dependencies{Auth: b.auth, Gateway: func(ports.TokenSource) (ports.Gateway, error) { return nil, boom }})
	if !errors.Is(err, boom) {
		t.Errorf("expected gateway error to be wrapped, got %v", err)
	}
}

func TestNew_GatewayReceivesClientAsTokenSource(t *testing.T) {
	b := newBackend(t)
	var tokens ports.TokenSource
	c, err := New(Dependencies{
		Auth:   b.auth,
		Logger: zerolog.Nop(),
		Gateway: func(ts ports.TokenSource) (ports.Gateway, error) {
			tokens = ts
			return b.gw, nil
		},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer c.Close()

	if tokens.Token() != "" {
		t.Fatalf("expected no token before sign in")
	}
	if _, err := c.SignIn(context.Background(), "dr@example.com", password); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if tokens.Token() == "" || tokens.Token() != c.Session().Token() {
		t.Fatalf("token source does not follow the session")
	}
	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if tokens.Token() != "" {
		t.Fatalf("expected token to be gone after sign out")
	}
}

// ---------------------------------------------------------------------------
// Watches
// ---------------------------------------------------------------------------

func TestWatches_ScopedByRole(t *testing.T) {
	op := Watches(&domain.Identity{ID: "dr", Role: domain.RoleOperator})
	cp := Watches(&domain.Identity{ID: "c1", Role: domain.RoleCounterparty})

	describe := func(subs []Subscription) string {
		parts := make([]string, len(subs))
		for i, s := range subs {
			parts[i] = string(s.Kind) + "?" + s.Filter.Key()
		}
		return strings.Join(parts, " ")
	}

	for _, s := range cp {
		if s.Filter.IsZero() {
			t.Errorf("counterparty watch %s is unscoped", s.Kind)
		}
	}
	var templates bool
	for _, s := range op {
		if s.Kind == domain.KindTemplate {
			templates = true
		}
	}
	if !templates {
		t.Errorf("operator should watch templates: %s", describe(op))
	}
	for _, s := range cp {
		if s.Kind == domain.KindTemplate {
			t.Errorf("counterparty should not watch templates: %s", describe(cp))
		}
	}
}

// ---------------------------------------------------------------------------
// Realtime between two clients
// ---------------------------------------------------------------------------

func TestRealtime_BookingReachesOperator(t *testing.T) {
	b := newBackend(t)
	op := b.signedIn(t, "dr@example.com")
	cp := b.signedIn(t, "ana@example.com")
	ctx := context.Background()

	appt, err := cp.Appointments().Book(ctx, booking(time.Now().Add(24*time.Hour)))
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if appt.OwnerID != b.client.ID || strings.HasPrefix(appt.ID, "tmp-") {
		t.Fatalf("unexpected booked row: %+v", appt)
	}

	got, ok := op.Cache().Get(domain.KindAppointment, appt.ID)
	if !ok {
		t.Fatalf("operator cache did not receive the booking")
	}
	if got.(*domain.Appointment).Status != domain.AppointmentBooked {
		t.Errorf("unexpected status %s", got.(*domain.Appointment).Status)
	}
	if n := cp.Cache().Len(domain.KindAppointment); n != 1 {
		t.Errorf("expected exactly one appointment in the booking cache, got %d", n)
	}
}

func TestRealtime_MessageReachesOperator(t *testing.T) {
	b := newBackend(t)
	op := b.signedIn(t, "dr@example.com")
	cp := b.signedIn(t, "ana@example.com")
	ctx := context.Background()

	conv, err := cp.Messages().Open(ctx, b.operator.ID)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	msg, err := cp.Messages().Send(ctx, ports.SendMessageInput{ConversationID: conv.ID, Content: "Hello doctor"})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if _, ok := op.Cache().Get(domain.KindConversation, conv.ID); !ok {
		t.Errorf("operator cache missing conversation")
	}
	got, ok := op.Cache().Get(domain.KindMessage, msg.ID)
	if !ok {
		t.Fatalf("operator cache missing message")
	}
	if got.(*domain.Message).Content != "Hello doctor" {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestRealtime_FileSubmissionRoundTrip(t *testing.T) {
	b := newBackend(t)
	op := b.signedIn(t, "dr@example.com")
	cp := b.signedIn(t, "ana@example.com")
	ctx := context.Background()

	task, err := op.Tasks().Assign(ctx, ports.AssignTaskInput{
		OwnerID: b.client.ID,
		DueDate: time.Now().Add(48 * time.Hour),
		Inline:  &ports.TemplateInput{Title: "Food diary", Kind: domain.TaskFile},
	})
	if err != nil {
		t.Fatalf("Assign returned error: %v", err)
	}
	if _, ok := cp.Cache().Get(domain.KindTask, task.ID); !ok {
		t.Fatalf("assignee cache did not receive the task")
	}

	var progressed int64
	body := strings.NewReader("monday: soup")
	submitted, err := cp.Tasks().SubmitFile(ctx, task.ID, body, ports.FileUpload{
		Name:     "diary.txt",
		Size:     int64(body.Len()),
		Progress: func(sent, _ int64) { progressed = sent },
	})
	if err != nil {
		t.Fatalf("SubmitFile returned error: %v", err)
	}
	if submitted.Status != domain.TaskSubmitted || submitted.Submission == nil {
		t.Fatalf("unexpected task: %+v", submitted)
	}
	if progressed != int64(len("monday: soup")) {
		t.Errorf("expected full progress, got %d", progressed)
	}
	if data, ok := b.store.Object(submitted.Submission.FilePath); !ok || string(data) != "monday: soup" {
		t.Errorf("object not stored at %q", submitted.Submission.FilePath)
	}

	got, ok := op.Cache().Get(domain.KindTask, task.ID)
	if !ok || got.(*domain.Task).Status != domain.TaskSubmitted {
		t.Fatalf("operator cache did not see the submission: %+v", got)
	}
}

func TestRealtime_ReconnectRefreshes(t *testing.T) {
	b := newBackend(t)
	op := b.signedIn(t, "dr@example.com")
	cp := b.signedIn(t, "ana@example.com")
	ctx := context.Background()

	if _, err := op.Appointments().List(ctx, ports.ListAppointmentsInput{}); err != nil {
		t.Fatalf("List returned error: %v", err)
	}

	b.gw.Disconnect()
	if !op.Cache().IsStale(domain.KindAppointment) {
		t.Fatalf("expected appointments to be stale while disconnected")
	}
	appt, err := cp.Appointments().Book(ctx, booking(time.Now().Add(72*time.Hour)))
	if err != nil {
		t.Fatalf("Book returned error: %v", err)
	}
	if _, ok := op.Cache().Get(domain.KindAppointment, appt.ID); ok {
		t.Fatalf("event should not be delivered while disconnected")
	}

	b.gw.Reconnect()
	if _, ok := op.Cache().Get(domain.KindAppointment, appt.ID); !ok {
		t.Fatalf("reconnect refresh did not load the missed booking")
	}
	if op.Cache().IsStale(domain.KindAppointment) {
		t.Errorf("expected appointments to be fresh after refresh")
	}
}

func TestSignIn_WatchFailureMarksStale(t *testing.T) {
	b := newBackend(t)
	c := b.newClient(t)
	b.gw.FailNext("subscribe", memory.ErrInjected)

	if _, err := c.SignIn(context.Background(), "ana@example.com", password); err != nil {
		t.Fatalf("SignIn should survive a realtime failure, got %v", err)
	}
	first := Watches(b.client)[0].Kind
	if !c.Cache().IsStale(first) {
		t.Errorf("expected %s to be stale", first)
	}
}

// ---------------------------------------------------------------------------
// Scope reset
// ---------------------------------------------------------------------------

func TestSignOut_ReplacesScope(t *testing.T) {
	b := newBackend(t)
	op := b.signedIn(t, "dr@example.com")
	c := b.signedIn(t, "ana@example.com")
	ctx := context.Background()

	if _, err := c.Appointments().Book(ctx, booking(time.Now().Add(24*time.Hour))); err != nil {
		t.Fatalf("Book: %v", err)
	}
	oldCache, oldSession := c.Cache(), c.Session()

	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if c.Cache() == oldCache || c.Session() == oldSession {
		t.Fatalf("expected a fresh scope after sign out")
	}
	if oldCache.Len(domain.KindAppointment) != 0 {
		t.Errorf("old cache still holds rows")
	}
	if c.Session().State() != service.StateAnonymous {
		t.Errorf("expected anonymous session, got %s", c.Session().State())
	}

	// Later changes reach neither the old nor the new cache.
	if _, err := op.Appointments().Book(ctx, ports.BookAppointmentInput{
		OwnerID: b.client.ID, TypeID: "consult",
		StartTime: time.Now().Add(96 * time.Hour), EndTime: time.Now().Add(97 * time.Hour),
	}); err != nil {
		t.Fatalf("operator Book: %v", err)
	}
	if oldCache.Len(domain.KindAppointment) != 0 || c.Cache().Len(domain.KindAppointment) != 0 {
		t.Errorf("signed-out client received realtime rows")
	}

	if _, err := c.Appointments().List(ctx, ports.ListAppointmentsInput{}); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSignOut_NextIdentityStartsEmpty(t *testing.T) {
	b := newBackend(t)
	c := b.signedIn(t, "dr@example.com")
	ctx := context.Background()

	if _, err := c.Appointments().Book(ctx, ports.BookAppointmentInput{
		OwnerID: b.client.ID, TypeID: "consult",
		StartTime: time.Now().Add(24 * time.Hour), EndTime: time.Now().Add(25 * time.Hour),
	}); err != nil {
		t.Fatalf("Book: %v", err)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, err := c.SignIn(ctx, "ana@example.com", password); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if n := c.Cache().Len(domain.KindAppointment); n != 0 {
		t.Fatalf("expected an empty cache for the next identity, got %d rows", n)
	}
	rows, err := c.Appointments().List(ctx, ports.ListAppointmentsInput{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].OwnerID != b.client.ID {
		t.Fatalf("unexpected rows for counterparty: %d", len(rows))
	}
}

func TestAuthFailure_ResetsScope(t *testing.T) {
	b := newBackend(t)
	c := b.signedIn(t, "ana@example.com")
	old := c.Session()

	b.gw.FailNext("fetch", fmt.Errorf("%w: token expired", domain.ErrAuthorization))
	_, err := c.Appointments().List(context.Background(), ports.ListAppointmentsInput{})
	if !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}

	waitFor(t, "scope reset", func() bool { return c.Session() != old })
	if old.State() != service.StateAnonymous {
		t.Errorf("expected the rejected session to be anonymous, got %s", old.State())
	}
	if c.Token() != "" {
		t.Errorf("expected no token after reset")
	}
}
