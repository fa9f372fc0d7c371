package service

import (
	"fmt"

	"github.com/practicehub/syncstore/internal/core/domain"
)

func signedIn(s *Session) (*domain.Identity, error) {
	id := s.Identity()
	if id == nil {
		return nil, domain.ErrNotAuthenticated
	}
	return id, nil
}

func requireOperator(s *Session) error {
	id, err := signedIn(s)
	if err != nil {
		return err
	}
	if id.Role != domain.RoleOperator {
		return fmt.Errorf("%w: operator only", domain.ErrForbidden)
	}
	return nil
}

// canTouch allows the operator and the row's owner.
func canTouch(me *domain.Identity, ownerID string) error {
	if me.Role == domain.RoleOperator || me.ID == ownerID {
		return nil
	}
	return fmt.Errorf("%w: not the owner", domain.ErrForbidden)
}

// typed narrows cache rows to their concrete type.
func typed[T domain.Entity](rows []domain.Entity) []T {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
