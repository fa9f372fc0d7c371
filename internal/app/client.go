// Package app wires the sync layer into one explicit client context.
//
// A Client owns a scope: the cache, session, coordinator, reconciler and
// use-case services of one signed-in identity. Leaving that identity, by
// signing out or by the backend rejecting its credentials, tears the scope
// down and replaces it with an empty one, so nothing cached for one identity
// is ever visible to the next.
package app

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
	"github.com/practicehub/syncstore/internal/core/service"
)

// Dependencies are the backend adapters a Client is built from.
type Dependencies struct {
	Auth ports.AuthProvider
	// Gateway builds the backend gateway. It receives the client itself as
	// the token source so calls always carry the current session's token.
	Gateway func(tokens ports.TokenSource) (ports.Gateway, error)
	Store   ports.ObjectStore
	// Dedup is optional.
	Dedup           ports.Deduplicator
	Logger          zerolog.Logger
	MutationTimeout time.Duration
}

type scope struct {
	cache        *cache.Cache
	session      *service.Session
	coord        *service.Coordinator
	reconciler   *service.Reconciler
	appointments *service.AppointmentService
	tasks        *service.TaskService
	messages     *service.MessageService
	profile      *service.ProfileService

	stopListening func()
	closeOnce     sync.Once
}

// Client is the process-wide context of the sync layer.
type Client struct {
	deps    Dependencies
	gateway ports.Gateway
	logger  zerolog.Logger

	mu    sync.RWMutex
	scope *scope
}

var _ ports.TokenSource = (*Client)(nil)

func New(deps Dependencies) (*Client, error) {
	if deps.Auth == nil {
		return nil, errors.New("app: auth provider is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("app: gateway is required")
	}
	c := &Client{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "client").Logger(),
	}
	gw, err := deps.Gateway(c)
	if err != nil {
		return nil, fmt.Errorf("app: build gateway: %w", err)
	}
	c.gateway = gw
	c.scope = c.newScope()
	return c, nil
}

func (c *Client) newScope() *scope {
	log := c.deps.Logger
	s := &scope{cache: cache.New(log)}
	s.session = service.NewSession(c.deps.Auth, s.cache, log)
	s.coord = service.NewCoordinator(s.cache, c.gateway, log,
		service.WithGuard(s.session),
		service.WithTimeout(c.deps.MutationTimeout),
		service.WithAuthFailure(s.session.Expire),
	)
	s.reconciler = service.NewReconciler(c.gateway, s.coord, c.deps.Dedup, log)
	s.appointments = service.NewAppointmentService(s.coord, s.session, log)
	s.tasks = service.NewTaskService(s.coord, s.session, c.deps.Store, log)
	s.messages = service.NewMessageService(s.coord, s.session, log)
	s.profile = service.NewProfileService(s.coord, s.session)

	// Expire can fire inside one of this scope's realtime callbacks, so the
	// reset must not run on the caller's goroutine.
	leaving := false
	s.stopListening = s.session.OnChange(func(state service.SessionState, _ *domain.Identity) {
		switch state {
		case service.StateSigningOut:
			leaving = true
		case service.StateAnonymous:
			if leaving {
				leaving = false
				go c.reset(s)
			}
		}
	})
	return s
}

func (c *Client) current() *scope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope
}

// reset replaces old with a fresh scope if it is still current, then closes
// old. Concurrent resets of the same scope wait for the first to finish.
func (c *Client) reset(old *scope) {
	c.mu.Lock()
	swapped := c.scope == old
	if swapped {
		c.scope = c.newScope()
	}
	c.mu.Unlock()
	old.close()
	if swapped {
		c.logger.Info().Msg("client scope reset")
	}
}

func (s *scope) close() {
	s.closeOnce.Do(func() {
		s.stopListening()
		s.reconciler.Close()
		s.cache.Invalidate()
	})
}

// Token implements ports.TokenSource.
func (c *Client) Token() string { return c.current().session.Token() }

// SignIn authenticates and starts the realtime watches for the identity.
func (c *Client) SignIn(ctx context.Context, email, password string) (*domain.Identity, error) {
	s := c.current()
	id, err := s.session.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.watch(ctx, s, id)
	return id, nil
}

// SignUp registers a counterparty, signs it in and starts its watches.
func (c *Client) SignUp(ctx context.Context, in ports.SignUpInput) (*domain.Identity, error) {
	s := c.current()
	id, err := s.session.SignUp(ctx, in)
	if err != nil {
		return nil, err
	}
	c.watch(ctx, s, id)
	return id, nil
}

// Restore resumes a stored token.
func (c *Client) Restore(ctx context.Context, token string) (*domain.Identity, error) {
	s := c.current()
	id, err := s.session.Restore(ctx, token)
	if err != nil {
		return nil, err
	}
	c.watch(ctx, s, id)
	return id, nil
}

// SignOut ends the session and resets the client. The scope is replaced even
// when the backend call fails.
func (c *Client) SignOut(ctx context.Context) error {
	s := c.current()
	err := s.session.SignOut(ctx)
	c.reset(s)
	return err
}

// Close drops every realtime subscription.
func (c *Client) Close() {
	c.current().close()
}

// watch subscribes to the identity's rows. A watch that cannot be opened
// leaves its kind stale so the next read goes to the backend.
func (c *Client) watch(ctx context.Context, s *scope, id *domain.Identity) {
	for _, w := range Watches(id) {
		if err := s.reconciler.Watch(ctx, w.Kind, w.Filter); err != nil {
			c.logger.Warn().Err(err).Str("kind", string(w.Kind)).Msg("realtime unavailable")
			s.cache.MarkStale(w.Kind)
		}
	}
}

// Subscription is one realtime subscription opened on sign-in.
type Subscription struct {
	Kind   domain.Kind
	Filter domain.Filter
}

// Watches returns the subscriptions opened for id. The operator follows the
// whole practice; a counterparty only its own rows.
func Watches(id *domain.Identity) []Subscription {
	self := func(attr string) domain.Filter { return domain.Where(attr, id.ID) }
	subs := []Subscription{
		{Kind: domain.KindConversation, Filter: self(domain.AttrParticipant)},
		{Kind: domain.KindMessage, Filter: self(domain.AttrReceiverID)},
		{Kind: domain.KindMessage, Filter: self(domain.AttrSenderID)},
	}
	if id.Role == domain.RoleOperator {
		return append(subs,
			Subscription{Kind: domain.KindAppointment},
			Subscription{Kind: domain.KindTask},
			Subscription{Kind: domain.KindTemplate},
		)
	}
	return append(subs,
		Subscription{Kind: domain.KindAppointment, Filter: self(domain.AttrOwnerID)},
		Subscription{Kind: domain.KindTask, Filter: self(domain.AttrOwnerID)},
	)
}

func (c *Client) Session() *service.Session                 { return c.current().session }
func (c *Client) Cache() *cache.Cache                       { return c.current().cache }
func (c *Client) Coordinator() *service.Coordinator         { return c.current().coord }
func (c *Client) Appointments() *service.AppointmentService { return c.current().appointments }
func (c *Client) Tasks() *service.TaskService               { return c.current().tasks }
func (c *Client) Messages() *service.MessageService         { return c.current().messages }
func (c *Client) Profile() *service.ProfileService          { return c.current().profile }
func (c *Client) Reconciler() *service.Reconciler           { return c.current().reconciler }

// Status is a snapshot of the client's session.
type Status struct {
	State    service.SessionState `json:"state"`
	Identity *domain.Identity     `json:"identity,omitempty"`
}

func (c *Client) Status() Status {
	s := c.current().session
	return Status{State: s.State(), Identity: s.Identity()}
}

// Refresh forces a fetch of kind and filter into the current cache.
func (c *Client) Refresh(ctx context.Context, kind domain.Kind, filter domain.Filter) error {
	return c.current().coord.Refresh(ctx, kind, filter)
}
