package service

import (
	"context"

	"github.com/practicehub/syncstore/internal/core/domain"
)

// MutationOption customises a mutation issued through a use-case service.
type MutationOption func(*Mutation)

// OnResult delivers the terminal result to fn unless the caller's context
// is done by then, e.g. because the screen that started it went away.
func OnResult(fn func(Result)) MutationOption {
	return func(m *Mutation) { m.Notify = fn }
}

// Create optimistically inserts e and replaces it with the backend's row.
func (c *Coordinator) Create(ctx context.Context, e domain.Creatable, opts ...MutationOption) (Result, error) {
	m := Mutation{
		Kind: e.EntityKind(),
		Op:   OpCreate,
		Prepare: func(domain.Entity) (domain.Entity, error) {
			if err := e.Validate(); err != nil {
				return nil, err
			}
			return e.Clone(), nil
		},
		Commit: func(ctx context.Context, optimistic domain.Entity) (domain.Entity, error) {
			return c.gateway.Create(ctx, optimistic.EntityKind(), optimistic)
		},
	}
	return c.Execute(ctx, apply(m, opts))
}

// Patch builds a patch from the resolved row, applies it optimistically and
// sends it to the backend. A nil patch from build makes the call a no-op.
func (c *Coordinator) Patch(ctx context.Context, kind domain.Kind, id string, build func(current domain.Entity) (domain.Patch, error), opts ...MutationOption) (Result, error) {
	var patch domain.Patch
	m := Mutation{
		Kind: kind,
		Op:   OpUpdate,
		ID:   id,
		Prepare: func(current domain.Entity) (domain.Entity, error) {
			p, err := build(current)
			if err != nil || len(p) == 0 {
				return nil, err
			}
			patch = p
			return current.Apply(p)
		},
		Commit: func(ctx context.Context, _ domain.Entity) (domain.Entity, error) {
			return c.gateway.Update(ctx, kind, id, patch)
		},
	}
	return c.Execute(ctx, apply(m, opts))
}

// Delete optimistically removes the row. check, when set, may veto the
// removal based on the resolved row.
func (c *Coordinator) Delete(ctx context.Context, kind domain.Kind, id string, check func(current domain.Entity) error, opts ...MutationOption) (Result, error) {
	m := Mutation{
		Kind: kind,
		Op:   OpRemove,
		ID:   id,
		Prepare: func(current domain.Entity) (domain.Entity, error) {
			if check != nil {
				if err := check(current); err != nil {
					return nil, err
				}
			}
			return current, nil
		},
		Commit: func(ctx context.Context, _ domain.Entity) (domain.Entity, error) {
			return nil, c.gateway.Remove(ctx, kind, id)
		},
	}
	return c.Execute(ctx, apply(m, opts))
}

func apply(m Mutation, opts []MutationOption) Mutation {
	for _, o := range opts {
		o(&m)
	}
	return m
}
