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
	"github.com/practicehub/syncstore/internal/core/validation"
	"github.com/practicehub/syncstore/internal/metrics"
)

// SessionState is the authentication state of the client.
type SessionState string

const (
	StateAnonymous      SessionState = "anonymous"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
	StateSigningOut     SessionState = "signing_out"
)

var validSessionTransitions = map[SessionState][]SessionState{
	StateAnonymous:      {StateAuthenticating},
	StateAuthenticating: {StateAuthenticated, StateAnonymous},
	StateAuthenticated:  {StateSigningOut},
	StateSigningOut:     {StateAnonymous},
}

func (s SessionState) canTransitionTo(next SessionState) bool {
	for _, allowed := range validSessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrSessionBusy is returned when an auth operation is attempted from a
// state that does not allow it.
var ErrSessionBusy = errors.New("session busy")

// SessionListener is told about every state change. identity is nil unless
// the new state is authenticated.
type SessionListener func(state SessionState, identity *domain.Identity)

// Session holds the signed-in identity, gates queries by role and empties
// the cache whenever an identity is left behind.
type Session struct {
	auth   ports.AuthProvider
	cache  *cache.Cache
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	state   SessionState
	current *domain.Session

	lmu       sync.Mutex
	listeners map[int]SessionListener
	nextL     int
}

func NewSession(auth ports.AuthProvider, c *cache.Cache, logger zerolog.Logger) *Session {
	return &Session{
		auth:      auth,
		cache:     c,
		logger:    logger.With().Str("component", "session").Logger(),
		now:       time.Now,
		state:     StateAnonymous,
		listeners: make(map[int]SessionListener),
	}
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns a copy of the signed-in identity, or nil.
func (s *Session) Identity() *domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	id := s.current.Identity
	return &id
}

// Role returns the signed-in role, or "" when anonymous.
func (s *Session) Role() domain.Role {
	if id := s.Identity(); id != nil {
		return id.Role
	}
	return ""
}

// Token implements ports.TokenSource.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// OnChange registers l and returns a function that removes it.
func (s *Session) OnChange(l SessionListener) func() {
	s.lmu.Lock()
	id := s.nextL
	s.nextL++
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// SignIn authenticates with email and password.
func (s *Session) SignIn(ctx context.Context, email, password string) (*domain.Identity, error) {
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}
	return s.authenticate(ctx, "sign in", func(ctx context.Context) (*domain.Session, error) {
		return s.auth.SignIn(ctx, email, password)
	})
}

// SignUp registers a new counterparty and signs it in.
func (s *Session) SignUp(ctx context.Context, in ports.SignUpInput) (*domain.Identity, error) {
	if err := validation.Struct(in); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	return s.authenticate(ctx, "sign up", func(ctx context.Context) (*domain.Session, error) {
		return s.auth.SignUp(ctx, in.Email, in.Password, in.DisplayName)
	})
}

// Restore resumes a previously issued token.
func (s *Session) Restore(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, domain.ErrNotAuthenticated
	}
	return s.authenticate(ctx, "restore", func(ctx context.Context) (*domain.Session, error) {
		return s.auth.CurrentSession(ctx, token)
	})
}

func (s *Session) authenticate(ctx context.Context, op string, call func(context.Context) (*domain.Session, error)) (*domain.Identity, error) {
	if err := s.transition(StateAuthenticating, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sess, err := call(ctx)
	if err == nil && sess.Expired(s.now()) {
		err = domain.ErrNotAuthenticated
	}
	if err != nil {
		_ = s.transition(StateAnonymous, nil)
		s.logger.Warn().Err(err).Str("op", op).Msg("authentication failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.cache.Put(domain.KindIdentity, &sess.Identity); err != nil {
		_ = s.transition(StateAnonymous, nil)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.transition(StateAuthenticated, sess); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info().Str("id", sess.Identity.ID).Str("role", string(sess.Identity.Role)).Msg("signed in")
	return s.Identity(), nil
}

// SignOut ends the session. Local state is cleared even when the backend
// call fails; that failure is still returned.
func (s *Session) SignOut(ctx context.Context) error {
	token := s.Token()
	if err := s.transition(StateSigningOut, nil); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	err := s.auth.SignOut(ctx, token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("backend sign out failed")
	}
	_ = s.transition(StateAnonymous, nil)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Expire drops the session after the backend rejected its credentials.
func (s *Session) Expire(cause error) {
	if s.State() != StateAuthenticated {
		return
	}
	s.logger.Warn().Err(cause).Msg("credentials rejected, forcing re-authentication")
	if err := s.transition(StateSigningOut, nil); err != nil {
		return
	}
	_ = s.transition(StateAnonymous, nil)
}

// transition moves to next. Leaving an authenticated identity empties the
// cache before listeners run.
func (s *Session) transition(next SessionState, sess *domain.Session) error {
	s.mu.Lock()
	if !s.state.canTransitionTo(next) {
		cur := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrSessionBusy, cur, next)
	}
	leaving := s.state == StateAuthenticated
	s.state = next
	switch next {
	case StateAuthenticated:
		s.current = sess
	case StateAnonymous:
		s.current = nil
	}
	var identity *domain.Identity
	if s.current != nil && next == StateAuthenticated {
		id := s.current.Identity
		identity = &id
	}
	s.mu.Unlock()

	if leaving {
		s.cache.Invalidate()
	}
	metrics.SessionTransitionsTotal.WithLabelValues(string(next)).Inc()

	s.lmu.Lock()
	ls := make([]SessionListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.Unlock()
	for _, l := range ls {
		l(next, identity)
	}
	return nil
}

// setIdentity replaces the profile of the signed-in identity after an edit.
func (s *Session) setIdentity(id *domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Identity.ID == id.ID {
		s.current.Identity = *id
	}
}

// Authorize implements Guard. The operator may query anything; a
// counterparty only rows scoped to itself.
func (s *Session) Authorize(kind domain.Kind, filter domain.Filter) error {
	id := s.Identity()
	if id == nil {
		return domain.ErrNotAuthenticated
	}
	if id.Role == domain.RoleOperator {
		return nil
	}

	self := func(attr string) bool {
		v, ok := filter.Value(attr)
		return ok && v == id.ID
	}
	switch kind {
	case domain.KindIdentity:
		// Profiles may be looked up one at a time, or the operator found by role.
		if _, ok := filter.Value(domain.AttrID); ok {
			return nil
		}
		if r, ok := filter.Value(domain.AttrRole); ok && r == string(domain.RoleOperator) {
			return nil
		}
	case domain.KindAppointment, domain.KindTask:
		if self(domain.AttrOwnerID) {
			return nil
		}
	case domain.KindConversation:
		if self(domain.AttrParticipant) {
			return nil
		}
	case domain.KindMessage:
		if self(domain.AttrSenderID) || self(domain.AttrReceiverID) {
			return nil
		}
		if cid, ok := filter.Value(domain.AttrConversationID); ok {
			if e, ok := s.cache.Get(domain.KindConversation, cid); ok && e.(*domain.Conversation).Has(id.ID) {
				return nil
			}
		}
	case domain.KindTemplate:
		// Templates are the operator's working material.
	}
	return fmt.Errorf("%w: %s cannot list %s with filter %q", domain.ErrForbidden, id.Role, kind, filter.Key())
}
