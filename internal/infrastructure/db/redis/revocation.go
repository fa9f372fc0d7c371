package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/practicehub/syncstore/internal/core/ports"
)

// Revocations remembers signed-out token ids until they would have expired.
type Revocations struct {
	client *redis.Client
}

var _ ports.TokenRevoker = (*Revocations)(nil)

func NewRevocations(client *redis.Client) *Revocations {
	return &Revocations{client: client}
}

func (r *Revocations) Revoke(ctx context.Context, tokenID string, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(tokenID), "1", time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *Revocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("revocation check: %w", err)
	}
	return n > 0, nil
}

func (r *Revocations) key(tokenID string) string {
	return "auth:revoked:" + tokenID
}
