package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/practicehub/syncstore/internal/core/cache"
	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/metrics"
)

const defaultMutationTimeout = 15 * time.Second

// MutationState is the lifecycle state of one mutation.
type MutationState string

const (
	MutationPending    MutationState = "pending"
	MutationCommitted  MutationState = "committed"
	MutationRolledBack MutationState = "rolled_back"
)

// Op is the gateway operation a mutation ends in.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Mutation describes one optimistic change to a single row.
type Mutation struct {
	Kind domain.Kind
	Op   Op
	// ID of the target row. Ignored for creates.
	ID string
	// Prepare computes the optimistic row from the current one. It runs only
	// once any earlier mutation of the same row has finished, so current is
	// the resolved state. current is nil for creates. Returning a nil row
	// for an update makes the mutation a no-op; removes ignore the row.
	Prepare func(current domain.Entity) (domain.Entity, error)
	// Commit issues the gateway call. The context is detached from the
	// caller's: the call runs to completion even if the caller goes away.
	Commit func(ctx context.Context, optimistic domain.Entity) (domain.Entity, error)
	// Notify, when set, receives the outcome unless the caller's context
	// was done by then.
	Notify func(Result)
}

// Result is the terminal outcome of a mutation.
type Result struct {
	Kind   domain.Kind
	ID     string
	State  MutationState
	Noop   bool
	Entity domain.Entity
	Err    error
}

// QueryOptions tunes Coordinator.Query.
type QueryOptions struct {
	// Force skips the cache and always fetches.
	Force bool
}

// Guard decides whether a query may be sent at all.
type Guard interface {
	Authorize(kind domain.Kind, filter domain.Filter) error
}

type slot struct {
	kind domain.Kind
	id   string
}

type flight struct {
	done     chan struct{}
	deferred []func()
}

// Coordinator applies optimistic mutations to the cache, reconciles them
// with the gateway's answer and rolls them back on failure. At most one
// mutation per row is in flight at any time.
type Coordinator struct {
	cache   *cache.Cache
	gateway ports.Gateway
	guard   Guard
	logger  zerolog.Logger
	timeout time.Duration
	onAuth  func(error)
	now     func() time.Time

	mu       sync.Mutex
	inflight map[slot]*flight
	// seq numbers commits. While fetches are running, committed records the
	// last commit of each row so a fetch that read the backend earlier does
	// not overwrite it.
	seq       uint64
	fetching  int
	committed map[slot]uint64

	group singleflight.Group
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithGuard makes every query pass through g first.
func WithGuard(g Guard) CoordinatorOption {
	return func(c *Coordinator) { c.guard = g }
}

// WithTimeout bounds every gateway call made by the coordinator.
func WithTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAuthFailure registers fn to run whenever a gateway call fails with
// domain.ErrAuthorization.
func WithAuthFailure(fn func(error)) CoordinatorOption {
	return func(c *Coordinator) { c.onAuth = fn }
}

func NewCoordinator(c *cache.Cache, gw ports.Gateway, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	co := &Coordinator{
		cache:     c,
		gateway:   gw,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		timeout:   defaultMutationTimeout,
		now:       time.Now,
		inflight:  make(map[slot]*flight),
		committed: make(map[slot]uint64),
	}
	for _, o := range opts {
		o(co)
	}
	return co
}

// Cache returns the cache the coordinator writes to.
func (c *Coordinator) Cache() *cache.Cache { return c.cache }

// Execute runs m to a terminal state and returns its result. A mutation on a
// row that already has one in flight waits for it first.
func (c *Coordinator) Execute(ctx context.Context, m Mutation) (Result, error) {
	if m.Op == OpCreate {
		m.ID = "tmp-" + uuid.NewString()
	}
	if m.ID == "" {
		return Result{}, domain.Validationf("%s %s: id is required", m.Op, m.Kind)
	}

	key := slot{kind: m.Kind, id: m.ID}
	f := c.acquire(key)
	res := c.run(ctx, m)
	c.release(key, f)

	if m.Notify != nil && ctx.Err() == nil {
		m.Notify(res)
	}
	return res, res.Err
}

func (c *Coordinator) run(ctx context.Context, m Mutation) Result {
	start := c.now()
	log := c.logger.With().Str("kind", string(m.Kind)).Str("op", string(m.Op)).Str("id", m.ID).Logger()
	res := Result{Kind: m.Kind, ID: m.ID, State: MutationPending}

	var current domain.Entity
	if m.Op != OpCreate {
		cur, err := c.resolve(ctx, m.Kind, m.ID)
		if err != nil {
			return c.finish(log, m, res, start, "rejected", fmt.Errorf("%s %s: %w", m.Op, m.Kind, err))
		}
		current = cur
	}

	optimistic, err := m.Prepare(current)
	if err != nil {
		return c.finish(log, m, res, start, "rejected", fmt.Errorf("%s %s: %w", m.Op, m.Kind, err))
	}
	if optimistic == nil && m.Op == OpUpdate {
		res.State, res.Noop, res.Entity = MutationCommitted, true, current
		return c.finish(log, m, res, start, "noop", nil)
	}

	// Snapshot, then apply optimistically.
	prev, had := c.cache.Get(m.Kind, m.ID)
	switch m.Op {
	case OpCreate:
		cr, ok := optimistic.(domain.Creatable)
		if !ok {
			return c.finish(log, m, res, start, "rejected", fmt.Errorf("create %s: row cannot be created", m.Kind))
		}
		cr.AssignRef(m.ID)
		err = c.cache.Put(m.Kind, cr)
	case OpUpdate:
		err = c.cache.Put(m.Kind, optimistic)
	case OpRemove:
		if optimistic == nil {
			optimistic = current
		}
		c.cache.Remove(m.Kind, m.ID)
	}
	if err != nil {
		return c.finish(log, m, res, start, "rejected", fmt.Errorf("%s %s: %w", m.Op, m.Kind, err))
	}
	log.Debug().Msg("optimistic state applied")

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	server, err := m.Commit(callCtx, optimistic)
	cancel()
	err = normalizeErr(err)

	if err == nil && m.Op != OpRemove && server == nil {
		err = fmt.Errorf("gateway returned no row")
	}
	if err == nil {
		c.markCommitted(m.Kind, m.ID, server)
	}
	if err == nil && m.Op != OpRemove {
		server = domain.Normalize(server)
		if m.Op == OpCreate {
			err = c.cache.Swap(m.Kind, m.ID, server)
		} else {
			err = c.cache.Put(m.Kind, server)
		}
	}

	if err != nil {
		c.rollback(m, prev, had, err)
		if errors.Is(err, domain.ErrAuthorization) && c.onAuth != nil {
			c.onAuth(err)
		}
		res.State = MutationRolledBack
		res.Entity = prev
		log.Warn().Err(err).Msg("mutation rolled back")
		return c.finish(log, m, res, start, string(MutationRolledBack), fmt.Errorf("%s %s: %w", m.Op, m.Kind, err))
	}

	res.State = MutationCommitted
	if server != nil {
		res.ID = server.EntityID()
		res.Entity = server.Clone()
	}
	return c.finish(log, m, res, start, string(MutationCommitted), nil)
}

// rollback restores the pre-mutation snapshot. A row the backend no longer
// has is dropped instead.
func (c *Coordinator) rollback(m Mutation, prev domain.Entity, had bool, cause error) {
	if had && !errors.Is(cause, domain.ErrNotFound) {
		if err := c.cache.Put(m.Kind, prev); err != nil {
			c.logger.Error().Err(err).Str("kind", string(m.Kind)).Str("id", m.ID).Msg("restore snapshot")
		}
		return
	}
	c.cache.Remove(m.Kind, m.ID)
}

func (c *Coordinator) finish(log zerolog.Logger, m Mutation, res Result, start time.Time, outcome string, err error) Result {
	res.Err = err
	metrics.MutationsTotal.WithLabelValues(string(m.Kind), string(m.Op), outcome).Inc()
	metrics.MutationDuration.WithLabelValues(string(m.Kind), string(m.Op)).Observe(c.now().Sub(start).Seconds())
	if err == nil {
		log.Debug().Str("state", string(res.State)).Bool("noop", res.Noop).Msg("mutation finished")
	}
	return res
}

// resolve returns the current row from the cache, or from the gateway when
// it is not cached.
func (c *Coordinator) resolve(ctx context.Context, kind domain.Kind, id string) (domain.Entity, error) {
	if e, ok := c.cache.Get(kind, id); ok {
		return e, nil
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	rows, err := c.gateway.Fetch(callCtx, kind, domain.Where(domain.AttrID, id))
	if err != nil {
		return nil, normalizeErr(err)
	}
	for _, r := range rows {
		if r.EntityID() == id {
			r = domain.Normalize(r)
			if err := c.cache.Put(kind, r); err != nil {
				return nil, err
			}
			return r.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// acquire blocks until no other mutation holds key, then claims it.
func (c *Coordinator) acquire(key slot) *flight {
	for {
		c.mu.Lock()
		prev, busy := c.inflight[key]
		if !busy {
			f := &flight{done: make(chan struct{})}
			c.inflight[key] = f
			c.mu.Unlock()
			return f
		}
		c.mu.Unlock()
		<-prev.done
	}
}

// release runs work deferred while the mutation was pending, then frees the
// slot. Work deferred while draining is drained too.
func (c *Coordinator) release(key slot, f *flight) {
	for {
		c.mu.Lock()
		work := f.deferred
		f.deferred = nil
		if len(work) == 0 {
			delete(c.inflight, key)
			c.mu.Unlock()
			close(f.done)
			return
		}
		c.mu.Unlock()
		for _, fn := range work {
			fn()
		}
	}
}

// Defer queues fn until the mutation in flight for the row finishes. The row
// is matched by id or by client reference. It reports false, without
// queueing, when nothing is in flight for the row.
func (c *Coordinator) Defer(kind domain.Kind, id, ref string, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.inflight[slot{kind: kind, id: id}]
	if !ok && ref != "" {
		f, ok = c.inflight[slot{kind: kind, id: ref}]
	}
	if !ok {
		return false
	}
	f.deferred = append(f.deferred, fn)
	return true
}

// InFlight reports whether e, by id or client reference, has a mutation in flight.
func (c *Coordinator) InFlight(e domain.Entity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[slot{kind: e.EntityKind(), id: e.EntityID()}]; ok {
		return true
	}
	if ref := e.Reference(); ref != "" {
		_, ok := c.inflight[slot{kind: e.EntityKind(), id: ref}]
		return ok
	}
	return false
}

// Query returns the rows of kind matching filter, fetching them when the
// result set is not loaded or has gone stale. Concurrent identical fetches
// are coalesced.
func (c *Coordinator) Query(ctx context.Context, kind domain.Kind, filter domain.Filter, opts QueryOptions) ([]domain.Entity, error) {
	if c.guard != nil {
		if err := c.guard.Authorize(kind, filter); err != nil {
			return nil, fmt.Errorf("query %s: %w", kind, err)
		}
	}
	if !opts.Force && c.cache.Loaded(kind, filter) {
		return c.cache.List(kind, filter), nil
	}

	key := string(kind) + "?" + filter.Key()
	ch := c.group.DoChan(key, func() (any, error) {
		// Shared by every caller that joins; no single caller may cancel it.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		since := c.beginFetch()
		defer c.endFetch()
		rows, err := c.gateway.Fetch(callCtx, kind, filter)
		if err != nil {
			return nil, normalizeErr(err)
		}
		for i := range rows {
			rows[i] = domain.Normalize(rows[i])
		}
		return nil, c.cache.Merge(kind, filter, rows, func(e domain.Entity) bool {
			return c.InFlight(e) || c.committedSince(e, since)
		})
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("query %s: %w", kind, normalizeErr(ctx.Err()))
	}
	if err := res.Err; err != nil {
		if errors.Is(err, domain.ErrAuthorization) && c.onAuth != nil {
			c.onAuth(err)
		}
		c.logger.Warn().Err(err).Str("kind", string(kind)).Str("filter", filter.Key()).Msg("fetch failed")
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	if res.Shared {
		c.logger.Debug().Str("kind", string(kind)).Msg("fetch coalesced")
	}
	return c.cache.List(kind, filter), nil
}

// beginFetch registers a running fetch and returns the commit sequence it
// started at.
func (c *Coordinator) beginFetch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching++
	return c.seq
}

func (c *Coordinator) endFetch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching--
	if c.fetching == 0 {
		clear(c.committed)
	}
}

// markCommitted records a commit of the row under its temporary and server
// ids. It runs before the cache sees the server row.
func (c *Coordinator) markCommitted(kind domain.Kind, id string, server domain.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	if c.fetching == 0 {
		return
	}
	c.committed[slot{kind: kind, id: id}] = c.seq
	if server != nil {
		c.committed[slot{kind: kind, id: server.EntityID()}] = c.seq
	}
}

// committedSince reports whether e was committed after sequence since.
func (c *Coordinator) committedSince(e domain.Entity, since uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed[slot{kind: e.EntityKind(), id: e.EntityID()}] > since {
		return true
	}
	if ref := e.Reference(); ref != "" {
		return c.committed[slot{kind: e.EntityKind(), id: ref}] > since
	}
	return false
}

// Refresh forces one fetch of filter and merges it into the cache.
func (c *Coordinator) Refresh(ctx context.Context, kind domain.Kind, filter domain.Filter) error {
	_, err := c.Query(ctx, kind, filter, QueryOptions{Force: true})
	return err
}

// normalizeErr folds context errors into the taxonomy.
func normalizeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrCancelled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
	}
	return err
}
