package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

// Provider implements ports.AuthProvider and ports.TokenVerifier over a
// credential repository. Revocations are optional.
type Provider struct {
	repo    ports.CredentialRepository
	tokens  *Tokens
	revoked ports.TokenRevoker
	logger  zerolog.Logger
	now     func() time.Time
}

func NewProvider(repo ports.CredentialRepository, tokens *Tokens, revoked ports.TokenRevoker, logger zerolog.Logger) *Provider {
	return &Provider{repo: repo, tokens: tokens, revoked: revoked, logger: logger, now: time.Now}
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*domain.Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}
	cred, err := p.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := CheckPassword(cred.PasswordHash, password); err != nil {
		return nil, err
	}
	id, err := p.repo.FindIdentity(ctx, cred.IdentityID)
	if err != nil {
		return nil, err
	}
	return p.session(*id)
}

// SignUp always registers a counterparty. Operators are provisioned out of band.
func (p *Provider) SignUp(ctx context.Context, email, password, displayName string) (*domain.Session, error) {
	created, err := p.Provision(ctx, email, password, displayName, domain.RoleCounterparty)
	if err != nil {
		return nil, err
	}
	return p.session(*created)
}

// Provision registers an identity with the given role without signing it in.
func (p *Provider) Provision(ctx context.Context, email, password, displayName string, role domain.Role) (*domain.Identity, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}
	if _, err := p.repo.FindByEmail(ctx, email); err == nil {
		return nil, domain.ErrUserExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	identity := &domain.Identity{
		ID:          uuid.NewString(),
		Role:        role,
		DisplayName: strings.TrimSpace(displayName),
		Email:       email,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	created, err := p.repo.Create(ctx, &ports.Credential{IdentityID: identity.ID, Email: email, PasswordHash: hash}, identity)
	if err != nil {
		return nil, err
	}
	p.logger.Info().Str("id", created.ID).Str("role", string(role)).Msg("identity registered")
	return created, nil
}

// SignOut revokes token until it would have expired. Unknown or already
// invalid tokens are ignored.
func (p *Provider) SignOut(ctx context.Context, token string) error {
	pr, err := p.tokens.Parse(token)
	if err != nil || p.revoked == nil || pr.TokenID == "" {
		return nil
	}
	ttl := int64(pr.ExpiresAt.Sub(p.now()).Seconds()) + 1
	if ttl <= 0 {
		return nil
	}
	if err := p.revoked.Revoke(ctx, pr.TokenID, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (p *Provider) CurrentSession(ctx context.Context, token string) (*domain.Session, error) {
	pr, err := p.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	id, err := p.repo.FindIdentity(ctx, pr.IdentityID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: identity no longer exists", domain.ErrAuthorization)
		}
		return nil, err
	}
	return &domain.Session{Identity: *id, Token: token, ExpiresAt: pr.ExpiresAt}, nil
}

// Verify implements ports.TokenVerifier.
func (p *Provider) Verify(ctx context.Context, token string) (*ports.Principal, error) {
	pr, err := p.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	if p.revoked != nil && pr.TokenID != "" {
		revoked, err := p.revoked.IsRevoked(ctx, pr.TokenID)
		if err != nil {
			p.logger.Warn().Err(err).Msg("revocation check failed, accepting token")
		} else if revoked {
			return nil, fmt.Errorf("%w: token revoked", domain.ErrAuthorization)
		}
	}
	return pr, nil
}

func (p *Provider) session(id domain.Identity) (*domain.Session, error) {
	token, exp, err := p.tokens.Issue(id)
	if err != nil {
		return nil, err
	}
	return &domain.Session{Identity: id, Token: token, ExpiresAt: exp}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
