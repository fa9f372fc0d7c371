package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

// Credentials implements ports.CredentialRepository. Identities are stored
// as rows of the backing Gateway so they can be fetched and joined.
type Credentials struct {
	gw    *Gateway
	mu    sync.Mutex
	creds map[string]ports.Credential
}

var _ ports.CredentialRepository = (*Credentials)(nil)

func NewCredentials(gw *Gateway) *Credentials {
	return &Credentials{gw: gw, creds: make(map[string]ports.Credential)}
}

func (c *Credentials) FindByEmail(_ context.Context, email string) (*ports.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.creds[strings.ToLower(email)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &cred, nil
}

func (c *Credentials) Create(_ context.Context, cred *ports.Credential, identity *domain.Identity) (*domain.Identity, error) {
	email := strings.ToLower(cred.Email)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.creds[email]; ok {
		return nil, domain.ErrUserExists
	}
	stored := *cred
	stored.Email = email
	c.creds[email] = stored
	c.gw.Seed(identity)
	out := *identity
	return &out, nil
}

func (c *Credentials) FindIdentity(_ context.Context, id string) (*domain.Identity, error) {
	row, ok := c.gw.Get(domain.KindIdentity, id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return row.(*domain.Identity), nil
}
