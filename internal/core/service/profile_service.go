package service

import (
	"context"
	"strings"

	"github.com/practicehub/syncstore/internal/core/domain"
)

// ProfileService edits the signed-in identity's profile and lists the
// practice's counterparties for the operator.
type ProfileService struct {
	coord   *Coordinator
	session *Session
}

func NewProfileService(coord *Coordinator, session *Session) *ProfileService {
	return &ProfileService{coord: coord, session: session}
}

// UpdateDisplayName renames the signed-in identity.
func (s *ProfileService) UpdateDisplayName(ctx context.Context, name string, opts ...MutationOption) (*domain.Identity, error) {
	me, err := signedIn(s.session)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Validationf("display name is required")
	}
	res, err := s.coord.Patch(ctx, domain.KindIdentity, me.ID, func(cur domain.Entity) (domain.Patch, error) {
		if cur.(*domain.Identity).DisplayName == name {
			return nil, nil
		}
		return domain.Patch{domain.FieldDisplayName: name}, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	id := res.Entity.(*domain.Identity)
	s.session.setIdentity(id)
	return id, nil
}

// Clients lists every counterparty ordered by display name. Operator only.
func (s *ProfileService) Clients(ctx context.Context, refresh bool) ([]*domain.Identity, error) {
	if err := requireOperator(s.session); err != nil {
		return nil, err
	}
	f := domain.Where(domain.AttrRole, string(domain.RoleCounterparty))
	rows, err := s.coord.Query(ctx, domain.KindIdentity, f, QueryOptions{Force: refresh})
	if err != nil {
		return nil, err
	}
	return typed[*domain.Identity](rows), nil
}
