// Package memory is an in-process backend: a Gateway, a credential
// repository and an object store kept entirely in memory. It backs tests
// and the offline mode of the agent.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

// Gateway implements ports.Gateway over in-memory tables. Change events are
// delivered synchronously to matching subscribers after each write.
type Gateway struct {
	mu        sync.Mutex
	rows      map[domain.Kind]map[string]domain.Entity
	types     map[string]domain.AppointmentType
	failNext  map[string]error
	subs      map[int]*subscription
	nextSub   int
	connected bool
	logger    zerolog.Logger
	now       func() time.Time
}

type subscription struct {
	kind   domain.Kind
	filter domain.Filter
	l      ports.Listener
	mu     sync.Mutex
}

var _ ports.Gateway = (*Gateway)(nil)

// ErrInjected is a retryable failure for FailNext.
var ErrInjected = fmt.Errorf("%w: injected failure", domain.ErrNetwork)

func NewGateway(logger zerolog.Logger) *Gateway {
	return &Gateway{
		rows:      make(map[domain.Kind]map[string]domain.Entity),
		types:     make(map[string]domain.AppointmentType),
		failNext:  make(map[string]error),
		subs:      make(map[int]*subscription),
		connected: true,
		logger:    logger,
		now:       time.Now,
	}
}

// Seed stores rows as they are, without events.
func (g *Gateway) Seed(rows ...domain.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range rows {
		g.table(r.EntityKind())[r.EntityID()] = r.Clone()
	}
}

// SeedTypes registers appointment types for type joins.
func (g *Gateway) SeedTypes(types ...domain.AppointmentType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range types {
		g.types[t.ID] = t
	}
}

// FailNext makes the next call of op ("fetch", "create", "update",
// "remove" or "subscribe") fail with err.
func (g *Gateway) FailNext(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext[op] = err
}

// Disconnect simulates a dropped realtime channel. Writes made while
// disconnected are not delivered.
func (g *Gateway) Disconnect() { g.setConnected(false) }

// Reconnect restores the realtime channel.
func (g *Gateway) Reconnect() { g.setConnected(true) }

func (g *Gateway) setConnected(up bool) {
	g.mu.Lock()
	if g.connected == up {
		g.mu.Unlock()
		return
	}
	g.connected = up
	subs := g.subscribers("")
	g.mu.Unlock()

	status := ports.ChannelDisconnected
	if up {
		status = ports.ChannelConnected
	}
	for _, s := range subs {
		s.status(status)
	}
}

func (g *Gateway) Fetch(ctx context.Context, kind domain.Kind, filter domain.Filter) ([]domain.Entity, error) {
	if err := g.enter(ctx, "fetch", kind); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []domain.Entity
	for _, r := range g.rows[kind] {
		// Legacy stored values match and are returned in canonical form.
		row := domain.Normalize(r.Clone())
		if filter.Matches(row) {
			out = append(out, g.join(row, filter.Relation()))
		}
	}
	domain.SortEntities(kind, out)
	return out, nil
}

func (g *Gateway) Create(ctx context.Context, kind domain.Kind, e domain.Entity) (domain.Entity, error) {
	if err := g.enter(ctx, "create", kind); err != nil {
		return nil, err
	}
	if e.EntityKind() != kind {
		return nil, domain.Validationf("cannot create %s as %s", e.EntityKind(), kind)
	}
	row, ok := e.Clone().(domain.Creatable)
	if !ok {
		return nil, domain.Validationf("%s rows cannot be created through the gateway", kind)
	}
	if err := row.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	table := g.table(kind)
	if ref := row.Reference(); ref != "" {
		for _, existing := range table {
			if existing.Reference() == ref {
				g.mu.Unlock()
				return existing.Clone(), nil
			}
		}
	}
	if c, ok := row.(*domain.Conversation); ok {
		c.PairKey = domain.PairKey(c.ParticipantA, c.ParticipantB)
		for _, existing := range table {
			if existing.(*domain.Conversation).PairKey == c.PairKey {
				g.mu.Unlock()
				return nil, fmt.Errorf("%w: conversation between %s already exists", domain.ErrConflict, c.PairKey)
			}
		}
	}
	domain.AssignServerID(row, uuid.NewString())
	domain.StampCreated(row, g.now().UTC())
	table[row.EntityID()] = row
	out := row.Clone()
	subs := g.subscribers(kind)
	g.mu.Unlock()

	g.deliver(subs, domain.EventInsert, kind, out.EntityID(), out, out)
	return out, nil
}

func (g *Gateway) Update(ctx context.Context, kind domain.Kind, id string, patch domain.Patch) (domain.Entity, error) {
	if err := g.enter(ctx, "update", kind); err != nil {
		return nil, err
	}
	g.mu.Lock()
	cur, ok := g.rows[kind][id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	next, err := domain.Normalize(cur.Clone()).Apply(patch)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if i, ok := next.(*domain.Identity); ok {
		i.UpdatedAt = g.now().UTC()
	}
	g.rows[kind][id] = next
	out := next.Clone()
	subs := g.subscribers(kind)
	g.mu.Unlock()

	g.deliver(subs, domain.EventUpdate, kind, id, out, out)
	return out, nil
}

// Remove deletes a row. Removing a missing row succeeds.
func (g *Gateway) Remove(ctx context.Context, kind domain.Kind, id string) error {
	if err := g.enter(ctx, "remove", kind); err != nil {
		return err
	}
	g.mu.Lock()
	prev, ok := g.rows[kind][id]
	delete(g.rows[kind], id)
	subs := g.subscribers(kind)
	g.mu.Unlock()

	if ok {
		g.deliver(subs, domain.EventDelete, kind, id, nil, prev)
	}
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, kind domain.Kind, filter domain.Filter, l ports.Listener) (ports.Unsubscribe, error) {
	if err := g.enter(ctx, "subscribe", kind); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.nextSub++
	id := g.nextSub
	g.subs[id] = &subscription{kind: kind, filter: filter, l: l}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs, id)
			g.mu.Unlock()
		})
	}, nil
}

// Get returns a copy of a stored row.
func (g *Gateway) Get(kind domain.Kind, id string) (domain.Entity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rows[kind][id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Count returns the number of stored rows of kind.
func (g *Gateway) Count(kind domain.Kind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rows[kind])
}

func (g *Gateway) enter(ctx context.Context, op string, kind domain.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !kind.Valid() {
		return domain.Validationf("unknown kind %q", kind)
	}
	g.mu.Lock()
	err := g.failNext[op]
	delete(g.failNext, op)
	g.mu.Unlock()
	if err != nil {
		g.logger.Debug().Err(err).Str("op", op).Str("kind", string(kind)).Msg("injected failure")
	}
	return err
}

func (g *Gateway) table(kind domain.Kind) map[string]domain.Entity {
	t, ok := g.rows[kind]
	if !ok {
		t = make(map[string]domain.Entity)
		g.rows[kind] = t
	}
	return t
}

// subscribers snapshots the subscriptions for kind, or all when kind is "".
// Callers hold g.mu.
func (g *Gateway) subscribers(kind domain.Kind) []*subscription {
	ids := make([]int, 0, len(g.subs))
	for id, s := range g.subs {
		if kind == "" || s.kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]*subscription, len(ids))
	for i, id := range ids {
		out[i] = g.subs[id]
	}
	if kind != "" && !g.connected {
		return nil
	}
	return out
}

// deliver sends one event to every subscription whose filter matches the
// row. match is the row the filter is evaluated against; for deletes it is
// the row as it was before removal.
func (g *Gateway) deliver(subs []*subscription, typ domain.EventType, kind domain.Kind, id string, row, match domain.Entity) {
	ev := domain.ChangeEvent{
		EventID:   uuid.NewString(),
		Type:      typ,
		Kind:      kind,
		ID:        id,
		Timestamp: g.now().UTC(),
	}
	normalized := domain.Normalize(match.Clone())
	for _, s := range subs {
		if !s.filter.Matches(normalized) || s.l.OnEvent == nil {
			continue
		}
		ev := ev
		if row != nil {
			ev.Row = row.Clone()
		}
		s.mu.Lock()
		s.l.OnEvent(ev)
		s.mu.Unlock()
	}
}

func (s *subscription) status(st ports.ChannelStatus) {
	if s.l.OnStatus == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l.OnStatus(st)
}

// join resolves the requested relation from the in-memory tables. Callers
// hold g.mu.
func (g *Gateway) join(e domain.Entity, rel domain.Relation) domain.Entity {
	identity := func(id string) *domain.Identity {
		if r, ok := g.rows[domain.KindIdentity][id]; ok {
			return r.Clone().(*domain.Identity)
		}
		return nil
	}
	switch r := e.(type) {
	case *domain.Appointment:
		switch rel {
		case domain.RelOwner:
			r.Owner = identity(r.OwnerID)
		case domain.RelType:
			if t, ok := g.types[r.TypeID]; ok {
				r.Type = &t
			}
		}
	case *domain.Task:
		switch rel {
		case domain.RelOwner:
			r.Owner = identity(r.OwnerID)
		case domain.RelTemplate:
			if t, ok := g.rows[domain.KindTemplate][r.TemplateID]; ok {
				r.Template = t.Clone().(*domain.TaskTemplate)
			}
		}
	case *domain.Message:
		if rel == domain.RelSender {
			r.Sender = identity(r.SenderID)
		}
	}
	return e
}
