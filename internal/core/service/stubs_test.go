package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/cache"
	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

// ---------------------------------------------------------------------------
// Stub gateway
// ---------------------------------------------------------------------------

type stubGateway struct {
	mu        sync.Mutex
	rows      map[domain.Kind]map[string]domain.Entity
	nextID    int
	fetches   int
	creates   int
	updates   int
	removes   int
	failNext  map[string]error // op -> one-shot error
	fetchErr  error
	hold      chan struct{} // when set, mutations block until it is closed
	entered   chan string   // receives the op name as a held mutation starts
	listeners map[domain.Kind][]ports.Listener

	fetchHold    chan struct{} // when set, fetches block after reading their rows
	fetchEntered chan struct{}
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		rows:      make(map[domain.Kind]map[string]domain.Entity),
		failNext:  make(map[string]error),
		listeners: make(map[domain.Kind][]ports.Listener),
	}
}

func (g *stubGateway) seed(rows ...domain.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range rows {
		if g.rows[r.EntityKind()] == nil {
			g.rows[r.EntityKind()] = make(map[string]domain.Entity)
		}
		g.rows[r.EntityKind()][r.EntityID()] = r.Clone()
	}
}

func (g *stubGateway) get(kind domain.Kind, id string) domain.Entity {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rows[kind][id]; ok {
		return r.Clone()
	}
	return nil
}

// holdMutations makes every following mutation block until release is called.
func (g *stubGateway) holdMutations() (release func()) {
	g.mu.Lock()
	g.hold = make(chan struct{})
	g.entered = make(chan string, 16)
	hold := g.hold
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

func (g *stubGateway) wait(ctx context.Context, op string) error {
	g.mu.Lock()
	hold, entered := g.hold, g.entered
	g.mu.Unlock()
	if hold == nil {
		return nil
	}
	entered <- op
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *stubGateway) takeFailure(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.failNext[op]
	delete(g.failNext, op)
	return err
}

// holdFetches makes every following fetch read its rows and then block until
// release is called.
func (g *stubGateway) holdFetches() (entered <-chan struct{}, release func()) {
	g.mu.Lock()
	g.fetchHold = make(chan struct{})
	g.fetchEntered = make(chan struct{}, 16)
	hold, in := g.fetchHold, g.fetchEntered
	g.mu.Unlock()
	var once sync.Once
	return in, func() { once.Do(func() { close(hold) }) }
}

func (g *stubGateway) Fetch(ctx context.Context, kind domain.Kind, filter domain.Filter) ([]domain.Entity, error) {
	g.mu.Lock()
	g.fetches++
	if g.fetchErr != nil {
		err := g.fetchErr
		g.mu.Unlock()
		return nil, err
	}
	var out []domain.Entity
	for _, r := range g.rows[kind] {
		// Filters see canonical values, like a backend translating legacy columns.
		if filter.Matches(domain.Normalize(r.Clone())) {
			out = append(out, r.Clone())
		}
	}
	hold, entered := g.fetchHold, g.fetchEntered
	g.mu.Unlock()

	if hold != nil {
		entered <- struct{}{}
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (g *stubGateway) Create(ctx context.Context, kind domain.Kind, e domain.Entity) (domain.Entity, error) {
	if err := g.wait(ctx, "create"); err != nil {
		return nil, err
	}
	if err := g.takeFailure("create"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	for _, r := range g.rows[kind] {
		if ref := e.Reference(); ref != "" && r.Reference() == ref {
			return r.Clone(), nil
		}
	}
	g.nextID++
	row := e.Clone().(domain.Creatable)
	domain.AssignServerID(row, fmt.Sprintf("srv-%d", g.nextID))
	if g.rows[kind] == nil {
		g.rows[kind] = make(map[string]domain.Entity)
	}
	g.rows[kind][row.EntityID()] = row
	return row.Clone(), nil
}

func (g *stubGateway) Update(ctx context.Context, kind domain.Kind, id string, patch domain.Patch) (domain.Entity, error) {
	if err := g.wait(ctx, "update"); err != nil {
		return nil, err
	}
	if err := g.takeFailure("update"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates++
	cur, ok := g.rows[kind][id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next, err := cur.Apply(patch)
	if err != nil {
		return nil, err
	}
	g.rows[kind][id] = next
	return next.Clone(), nil
}

func (g *stubGateway) Remove(ctx context.Context, kind domain.Kind, id string) error {
	if err := g.wait(ctx, "remove"); err != nil {
		return err
	}
	if err := g.takeFailure("remove"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removes++
	delete(g.rows[kind], id)
	return nil
}

func (g *stubGateway) Subscribe(_ context.Context, kind domain.Kind, _ domain.Filter, l ports.Listener) (ports.Unsubscribe, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners[kind] = append(g.listeners[kind], l)
	return func() {}, nil
}

func (g *stubGateway) emit(ev domain.ChangeEvent) {
	g.mu.Lock()
	ls := append([]ports.Listener(nil), g.listeners[ev.Kind]...)
	g.mu.Unlock()
	for _, l := range ls {
		l.OnEvent(ev)
	}
}

func (g *stubGateway) status(kind domain.Kind, s ports.ChannelStatus) {
	g.mu.Lock()
	ls := append([]ports.Listener(nil), g.listeners[kind]...)
	g.mu.Unlock()
	for _, l := range ls {
		l.OnStatus(s)
	}
}

func (g *stubGateway) counts() (fetches, creates, updates int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches, g.creates, g.updates
}

// ---------------------------------------------------------------------------
// Stub auth provider
// ---------------------------------------------------------------------------

type stubAuth struct {
	identities map[string]domain.Identity // email -> identity
	signInErr  error
	signOutErr error
	signedOut  []string
}

func newStubAuth(ids ...domain.Identity) *stubAuth {
	a := &stubAuth{identities: make(map[string]domain.Identity)}
	for _, id := range ids {
		a.identities[id.Email] = id
	}
	return a
}

func (a *stubAuth) SignIn(_ context.Context, email, password string) (*domain.Session, error) {
	if a.signInErr != nil {
		return nil, a.signInErr
	}
	id, ok := a.identities[email]
	if !ok || password != "password1" {
		return nil, domain.ErrInvalidCredentials
	}
	return &domain.Session{Identity: id, Token: "tok-" + id.ID}, nil
}

func (a *stubAuth) SignUp(_ context.Context, email, _, displayName string) (*domain.Session, error) {
	if _, ok := a.identities[email]; ok {
		return nil, domain.ErrUserExists
	}
	id := domain.Identity{ID: "new-" + email, Role: domain.RoleCounterparty, DisplayName: displayName, Email: email}
	a.identities[email] = id
	return &domain.Session{Identity: id, Token: "tok-" + id.ID}, nil
}

func (a *stubAuth) SignOut(_ context.Context, token string) error {
	a.signedOut = append(a.signedOut, token)
	return a.signOutErr
}

func (a *stubAuth) CurrentSession(_ context.Context, token string) (*domain.Session, error) {
	for _, id := range a.identities {
		if "tok-"+id.ID == token {
			return &domain.Session{Identity: id, Token: token}, nil
		}
	}
	return nil, domain.ErrNotAuthenticated
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var (
	t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	operator = domain.Identity{ID: "op", Role: domain.RoleOperator, DisplayName: "Dr. Ruiz", Email: "op@example.com"}
	client1  = domain.Identity{ID: "c1", Role: domain.RoleCounterparty, DisplayName: "Ana", Email: "ana@example.com"}
	client2  = domain.Identity{ID: "c2", Role: domain.RoleCounterparty, DisplayName: "Ben", Email: "ben@example.com"}
)

func bookedAppt(id, owner string) *domain.Appointment {
	return &domain.Appointment{
		ID:        id,
		OwnerID:   owner,
		TypeID:    "consult",
		StartTime: t0,
		EndTime:   t0.Add(30 * time.Minute),
		Status:    domain.AppointmentBooked,
		CreatedAt: t0.Add(-24 * time.Hour),
	}
}

type harness struct {
	gw      *stubGateway
	auth    *stubAuth
	cache   *cache.Cache
	session *Session
	coord   *Coordinator
}

func newHarness(opts ...CoordinatorOption) *harness {
	h := &harness{gw: newStubGateway(), auth: newStubAuth(operator, client1, client2)}
	h.gw.seed(&operator, &client1, &client2)
	h.cache = cache.New(zerolog.Nop())
	h.session = NewSession(h.auth, h.cache, zerolog.Nop())
	opts = append([]CoordinatorOption{WithGuard(h.session), WithAuthFailure(h.session.Expire)}, opts...)
	h.coord = NewCoordinator(h.cache, h.gw, zerolog.Nop(), opts...)
	return h
}

func (h *harness) signIn(id domain.Identity) {
	if _, err := h.session.SignIn(context.Background(), id.Email, "password1"); err != nil {
		panic(err)
	}
}

// expectEntered waits until a held gateway mutation has started.
func (h *harness) expectEntered(op string) error {
	select {
	case got := <-h.gw.entered:
		if got != op {
			return fmt.Errorf("expected %s to start, got %s", op, got)
		}
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("%s never reached the gateway", op)
	}
}
