package ports

import (
	"context"

	"github.com/practicehub/syncstore/internal/core/domain"
)

// ChannelStatus reports the health of a realtime subscription channel.
type ChannelStatus int

const (
	ChannelConnected ChannelStatus = iota
	ChannelDisconnected
)

func (s ChannelStatus) String() string {
	if s == ChannelConnected {
		return "connected"
	}
	return "disconnected"
}

// Listener receives realtime traffic for one subscription. Callbacks for a
// single subscription are never invoked concurrently.
type Listener struct {
	OnEvent  func(domain.ChangeEvent)
	OnStatus func(ChannelStatus)
}

// Unsubscribe releases a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Gateway is the uniform asynchronous interface to the hosted backend.
//
// Failures wrap one of the domain taxonomy errors: Fetch may fail with
// ErrNetwork, ErrAuthorization or ErrTimeout; Create with ErrValidation or
// ErrConflict; Update with ErrNotFound. Implementations must not retry
// Create, Update or Remove.
type Gateway interface {
	Fetch(ctx context.Context, kind domain.Kind, filter domain.Filter) ([]domain.Entity, error)
	// Create stores e and returns the authoritative row. When e carries a
	// client reference the backend already knows, the existing row is returned.
	Create(ctx context.Context, kind domain.Kind, e domain.Entity) (domain.Entity, error)
	Update(ctx context.Context, kind domain.Kind, id string, patch domain.Patch) (domain.Entity, error)
	Remove(ctx context.Context, kind domain.Kind, id string) error
	Subscribe(ctx context.Context, kind domain.Kind, filter domain.Filter, l Listener) (Unsubscribe, error)
}

// ChangePublisher fans row changes out to realtime subscribers.
type ChangePublisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// Deduplicator reports whether a realtime event id has already been seen,
// recording it when it has not.
type Deduplicator interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
}

// TokenSource yields the bearer token the gateway presents to the backend.
type TokenSource interface {
	Token() string
}
