package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/cache"
	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/metrics"
)

const refreshTimeout = 15 * time.Second

type watch struct {
	kind   domain.Kind
	filter domain.Filter
	unsub  ports.Unsubscribe
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	disconnected bool
}

// Reconciler merges realtime change events into the cache. Events for rows
// with a mutation in flight are held back until that mutation finishes.
type Reconciler struct {
	gateway ports.Gateway
	coord   *Coordinator
	cache   *cache.Cache
	dedup   ports.Deduplicator
	log     zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

// NewReconciler returns a Reconciler. dedup may be nil.
func NewReconciler(gw ports.Gateway, coord *Coordinator, dedup ports.Deduplicator, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		gateway: gw,
		coord:   coord,
		cache:   coord.Cache(),
		dedup:   dedup,
		log:     log.With().Str("component", "reconciler").Logger(),
		watches: make(map[string]*watch),
	}
}

func watchKey(kind domain.Kind, filter domain.Filter) string {
	return string(kind) + "?" + filter.Key()
}

// Watch subscribes to changes of kind matching filter. Watching the same
// kind and filter twice is a no-op.
func (r *Reconciler) Watch(ctx context.Context, kind domain.Kind, filter domain.Filter) error {
	key := watchKey(kind, filter)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("watch %s: reconciler closed", kind)
	}
	if _, ok := r.watches[key]; ok {
		r.mu.Unlock()
		return nil
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watch{kind: kind, filter: filter, ctx: wctx, cancel: cancel}
	r.watches[key] = w
	r.mu.Unlock()

	unsub, err := r.gateway.Subscribe(wctx, kind, filter, ports.Listener{
		OnEvent:  func(ev domain.ChangeEvent) { r.handle(w, ev) },
		OnStatus: func(s ports.ChannelStatus) { r.status(w, s) },
	})
	if err != nil {
		cancel()
		r.mu.Lock()
		delete(r.watches, key)
		r.mu.Unlock()
		return fmt.Errorf("watch %s: %w", kind, err)
	}

	w.mu.Lock()
	w.unsub = unsub
	w.mu.Unlock()
	r.log.Info().Str("kind", string(kind)).Str("filter", filter.Key()).Msg("watching")
	return nil
}

// Unwatch drops the subscription for kind and filter.
func (r *Reconciler) Unwatch(kind domain.Kind, filter domain.Filter) {
	r.mu.Lock()
	w, ok := r.watches[watchKey(kind, filter)]
	delete(r.watches, watchKey(kind, filter))
	r.mu.Unlock()
	if ok {
		w.stop()
	}
}

// Close drops every subscription. The reconciler cannot be reused.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	ws := r.watches
	r.watches = make(map[string]*watch)
	r.mu.Unlock()

	for _, w := range ws {
		w.stop()
	}
}

func (w *watch) stop() {
	w.cancel()
	w.mu.Lock()
	unsub := w.unsub
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Handle processes one change event as if it arrived on a watch for its kind.
func (r *Reconciler) Handle(ctx context.Context, ev domain.ChangeEvent) {
	r.handle(&watch{kind: ev.Kind, ctx: ctx}, ev)
}

func (r *Reconciler) handle(w *watch, ev domain.ChangeEvent) {
	log := r.log.With().Str("kind", string(ev.Kind)).Str("id", ev.ID).Str("event_type", string(ev.Type)).Logger()

	// 1. Shape and invariants; malformed events never reach the cache.
	if err := r.check(w, ev); err != nil {
		log.Warn().Err(err).Msg("dropping realtime event")
		metrics.RealtimeEventsTotal.WithLabelValues(string(w.kind), "dropped").Inc()
		return
	}

	// 2. Dedup by delivery id.
	if r.dedup != nil && ev.EventID != "" {
		first, err := r.dedup.FirstSeen(w.ctx, ev.EventID)
		if err != nil {
			log.Warn().Err(err).Msg("dedup check failed, applying anyway")
		} else if !first {
			log.Debug().Str("event_id", ev.EventID).Msg("duplicate event skipped")
			metrics.RealtimeEventsTotal.WithLabelValues(string(ev.Kind), "duplicate").Inc()
			return
		}
	}

	// 3. Apply now, or after the row's in-flight mutation.
	ref := ""
	if ev.Row != nil {
		ev.Row = domain.Normalize(ev.Row)
		ref = ev.Row.Reference()
	}
	apply := func() { r.apply(log, ev) }
	if r.coord.Defer(ev.Kind, ev.ID, ref, apply) {
		log.Debug().Msg("realtime event deferred behind in-flight mutation")
		metrics.RealtimeEventsTotal.WithLabelValues(string(ev.Kind), "deferred").Inc()
		return
	}
	apply()
}

func (r *Reconciler) check(w *watch, ev domain.ChangeEvent) error {
	if err := ev.Check(); err != nil {
		return err
	}
	if ev.Kind != w.kind {
		return fmt.Errorf("event for %s on %s channel", ev.Kind, w.kind)
	}
	if m, ok := ev.Row.(*domain.Message); ok {
		conv, err := r.conversation(w.ctx, m.ConversationID)
		if err != nil {
			return err
		}
		if err := m.CheckIntegrity(conv); err != nil {
			return fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	return nil
}

// conversation returns the cached conversation, fetching it when absent.
func (r *Reconciler) conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if e, ok := r.cache.Get(domain.KindConversation, id); ok {
		return e.(*domain.Conversation), nil
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	rows, err := r.gateway.Fetch(ctx, domain.KindConversation, domain.Where(domain.AttrID, id))
	if err != nil {
		// The message may be legitimate; make the next read go back to the backend.
		r.cache.MarkStale(domain.KindMessage)
		return nil, fmt.Errorf("resolve conversation %s: %w", id, err)
	}
	for _, row := range rows {
		if c, ok := row.(*domain.Conversation); ok && c.ID == id {
			_ = r.cache.Put(domain.KindConversation, c)
			return c, nil
		}
	}
	return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrIntegrity)
}

func (r *Reconciler) apply(log zerolog.Logger, ev domain.ChangeEvent) {
	switch ev.Type {
	case domain.EventInsert, domain.EventUpdate:
		if err := r.cache.Put(ev.Kind, ev.Row); err != nil {
			log.Error().Err(err).Msg("apply realtime event")
			metrics.RealtimeEventsTotal.WithLabelValues(string(ev.Kind), "dropped").Inc()
			return
		}
	case domain.EventDelete:
		r.cache.Remove(ev.Kind, ev.ID)
	}
	metrics.RealtimeEventsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()
}

func (r *Reconciler) status(w *watch, s ports.ChannelStatus) {
	log := r.log.With().Str("kind", string(w.kind)).Str("filter", w.filter.Key()).Logger()

	w.mu.Lock()
	wasDown := w.disconnected
	w.disconnected = s == ports.ChannelDisconnected
	w.mu.Unlock()

	switch {
	case s == ports.ChannelDisconnected && !wasDown:
		log.Warn().Msg("realtime channel disconnected, marking stale")
		r.cache.MarkStale(w.kind)
	case s == ports.ChannelConnected && wasDown:
		log.Info().Msg("realtime channel reconnected, refreshing")
		ctx, cancel := context.WithTimeout(w.ctx, refreshTimeout)
		defer cancel()
		if err := r.coord.Refresh(ctx, w.kind, w.filter); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("reconnect refresh failed, cache left stale")
		}
	}
}
