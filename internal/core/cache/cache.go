// Package cache holds the client's borrowed copies of backend rows.
//
// The cache is the only shared mutable state of the sync layer. Rows are
// cloned on the way in and on the way out so callers can never mutate cached
// state except through this API. Observers are notified synchronously after
// each write, once the write lock has been released.
package cache

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/metrics"
)

// Op is the kind of change an observer is told about.
type Op string

const (
	OpPut        Op = "put"
	OpRemove     Op = "remove"
	OpInvalidate Op = "invalidate"
	OpStale      Op = "stale"
)

// Change describes one completed cache write.
type Change struct {
	Kind domain.Kind
	Op   Op
	IDs  []string
}

// Observer is called after a write has been applied.
type Observer func(Change)

// Cache is an in-memory keyed store of entities, one table per kind.
type Cache struct {
	mu     sync.RWMutex
	rows   map[domain.Kind]map[string]domain.Entity
	stale  map[domain.Kind]bool
	loaded map[domain.Kind]map[string]bool

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64

	log zerolog.Logger
}

// New returns an empty cache.
func New(log zerolog.Logger) *Cache {
	return &Cache{
		rows:      make(map[domain.Kind]map[string]domain.Entity),
		stale:     make(map[domain.Kind]bool),
		loaded:    make(map[domain.Kind]map[string]bool),
		observers: make(map[uint64]Observer),
		log:       log.With().Str("component", "cache").Logger(),
	}
}

// Get returns a copy of the row, or false when it is not cached.
func (c *Cache) Get(kind domain.Kind, id string) (domain.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.rows[kind][id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// List returns copies of every cached row of kind matching filter, in the
// kind's list order.
func (c *Cache) List(kind domain.Kind, filter domain.Filter) []domain.Entity {
	c.mu.RLock()
	out := make([]domain.Entity, 0, len(c.rows[kind]))
	for _, e := range c.rows[kind] {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	c.mu.RUnlock()
	domain.SortEntities(kind, out)
	return out
}

// Len returns the number of cached rows of kind.
func (c *Cache) Len(kind domain.Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows[kind])
}

// Put upserts e by id.
func (c *Cache) Put(kind domain.Kind, e domain.Entity) error {
	if err := check(kind, e); err != nil {
		return err
	}
	c.mu.Lock()
	c.put(kind, e)
	c.mu.Unlock()

	c.notify(Change{Kind: kind, Op: OpPut, IDs: []string{e.EntityID()}})
	return nil
}

// Remove drops the row. Removing an absent row is not an error and does not
// notify observers.
func (c *Cache) Remove(kind domain.Kind, id string) {
	c.mu.Lock()
	_, ok := c.rows[kind][id]
	if ok {
		delete(c.rows[kind], id)
		c.gauge(kind)
	}
	c.mu.Unlock()

	if ok {
		c.notify(Change{Kind: kind, Op: OpRemove, IDs: []string{id}})
	}
}

// Swap replaces the row stored under oldID with e in a single write. It is
// used when a provisional id is replaced by the server-assigned one.
func (c *Cache) Swap(kind domain.Kind, oldID string, e domain.Entity) error {
	if err := check(kind, e); err != nil {
		return err
	}
	c.mu.Lock()
	old, hadOld := c.rows[kind][oldID]
	if oldID != e.EntityID() {
		delete(c.rows[kind], oldID)
	}
	c.put(kind, e)
	if hadOld {
		domain.CarryRelations(old, c.rows[kind][e.EntityID()])
	}
	c.mu.Unlock()

	ids := []string{e.EntityID()}
	if oldID != e.EntityID() {
		ids = append(ids, oldID)
	}
	c.notify(Change{Kind: kind, Op: OpPut, IDs: ids})
	return nil
}

// Invalidate discards every row of the given kinds, or of all kinds when
// none are given, together with their loaded and stale markers.
func (c *Cache) Invalidate(kinds ...domain.Kind) {
	if len(kinds) == 0 {
		kinds = domain.Kinds
	}
	c.mu.Lock()
	for _, k := range kinds {
		delete(c.rows, k)
		delete(c.loaded, k)
		delete(c.stale, k)
		c.gauge(k)
	}
	c.mu.Unlock()

	c.log.Debug().Int("kinds", len(kinds)).Msg("cache invalidated")
	for _, k := range kinds {
		c.notify(Change{Kind: k, Op: OpInvalidate})
	}
}

// MarkStale flags every loaded result of kind as possibly outdated. Rows stay
// readable; the next query for the kind goes back to the gateway.
func (c *Cache) MarkStale(kind domain.Kind) {
	c.mu.Lock()
	c.stale[kind] = true
	delete(c.loaded, kind)
	c.mu.Unlock()

	c.notify(Change{Kind: kind, Op: OpStale})
}

// IsStale reports whether kind was marked stale since its last merge.
func (c *Cache) IsStale(kind domain.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale[kind]
}

// MarkLoaded records that the result set for filter has been fetched.
func (c *Cache) MarkLoaded(kind domain.Kind, filter domain.Filter) {
	c.mu.Lock()
	c.markLoaded(kind, filter)
	c.mu.Unlock()
}

// Loaded reports whether the result set for filter is cached and not stale.
func (c *Cache) Loaded(kind domain.Kind, filter domain.Filter) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.stale[kind] && c.loaded[kind][filter.Key()]
}

// Merge reconciles the cached result set for filter with rows fetched from
// the backend: matching rows absent from rows are dropped and every row is
// upserted. Rows for which skip returns true are left untouched so in-flight
// mutations keep their optimistic state. The filter is marked loaded and the
// kind's stale flag cleared.
func (c *Cache) Merge(kind domain.Kind, filter domain.Filter, rows []domain.Entity, skip func(domain.Entity) bool) error {
	for _, e := range rows {
		if err := check(kind, e); err != nil {
			return err
		}
	}
	if skip == nil {
		skip = func(domain.Entity) bool { return false }
	}

	fresh := make(map[string]bool, len(rows))
	var ids []string

	c.mu.Lock()
	for _, e := range rows {
		fresh[e.EntityID()] = true
		if skip(e) {
			continue
		}
		c.put(kind, e)
		ids = append(ids, e.EntityID())
	}
	for id, e := range c.rows[kind] {
		if fresh[id] || skip(e) || !filter.Matches(e) {
			continue
		}
		delete(c.rows[kind], id)
		ids = append(ids, id)
	}
	c.gauge(kind)
	c.markLoaded(kind, filter)
	delete(c.stale, kind)
	c.mu.Unlock()

	c.notify(Change{Kind: kind, Op: OpPut, IDs: ids})
	return nil
}

// Subscribe registers an observer and returns a function that removes it.
func (c *Cache) Subscribe(o Observer) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observers, id)
			c.obsMu.Unlock()
		})
	}
}

// put stores a clone of e, keeping joined relations the previous copy had.
// Caller holds c.mu.
func (c *Cache) put(kind domain.Kind, e domain.Entity) {
	table := c.rows[kind]
	if table == nil {
		table = make(map[string]domain.Entity)
		c.rows[kind] = table
	}
	next := e.Clone()
	if prev, ok := table[e.EntityID()]; ok {
		domain.CarryRelations(prev, next)
	}
	table[e.EntityID()] = next
	c.gauge(kind)
}

func (c *Cache) markLoaded(kind domain.Kind, filter domain.Filter) {
	set := c.loaded[kind]
	if set == nil {
		set = make(map[string]bool)
		c.loaded[kind] = set
	}
	set[filter.Key()] = true
}

func (c *Cache) gauge(kind domain.Kind) {
	metrics.CacheEntries.WithLabelValues(string(kind)).Set(float64(len(c.rows[kind])))
}

func (c *Cache) notify(ch Change) {
	c.obsMu.RLock()
	obs := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		obs = append(obs, o)
	}
	c.obsMu.RUnlock()

	for _, o := range obs {
		o(ch)
	}
}

func check(kind domain.Kind, e domain.Entity) error {
	if e == nil {
		return fmt.Errorf("cache: nil %s", kind)
	}
	if e.EntityKind() != kind {
		return fmt.Errorf("cache: %s row stored as %s", e.EntityKind(), kind)
	}
	if e.EntityID() == "" {
		return fmt.Errorf("cache: %s row without id", kind)
	}
	return nil
}
