package ports

import (
	"context"
	"time"

	"github.com/practicehub/syncstore/internal/core/domain"
)

// AuthProvider is the backend's authentication interface.
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (*domain.Session, error)
	// SignUp registers a new counterparty identity and signs it in.
	SignUp(ctx context.Context, email, password, displayName string) (*domain.Session, error)
	SignOut(ctx context.Context, token string) error
	// CurrentSession resolves a previously issued token.
	CurrentSession(ctx context.Context, token string) (*domain.Session, error)
}

// CredentialRepository persists login credentials next to identities.
type CredentialRepository interface {
	FindByEmail(ctx context.Context, email string) (*Credential, error)
	Create(ctx context.Context, cred *Credential, identity *domain.Identity) (*domain.Identity, error)
	FindIdentity(ctx context.Context, id string) (*domain.Identity, error)
}

// Credential is the stored secret for one identity.
type Credential struct {
	IdentityID   string
	Email        string
	PasswordHash string
}

// TokenRevoker records signed-out tokens until they would have expired.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, ttlSeconds int64) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Principal is the verified subject of a bearer token.
type Principal struct {
	IdentityID string
	Role       domain.Role
	TokenID    string
	ExpiresAt  time.Time
}

// TokenVerifier resolves a bearer token into its principal. Invalid, expired
// and revoked tokens fail with domain.ErrAuthorization.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}
