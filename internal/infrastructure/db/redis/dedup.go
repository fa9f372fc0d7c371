package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/practicehub/syncstore/internal/core/ports"
)

const dedupTTL = time.Hour

// DedupChecker records realtime delivery ids so replays are applied once.
// Key format: dedup:event:<event_id>
type DedupChecker struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ports.Deduplicator = (*DedupChecker)(nil)

// NewDedupChecker creates a DedupChecker wrapping the given Redis client.
func NewDedupChecker(client *redis.Client) *DedupChecker {
	return &DedupChecker{client: client, ttl: dedupTTL}
}

// FirstSeen atomically records eventID and reports whether it was new.
// Records expire after dedupTTL.
func (d *DedupChecker) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return ok, nil
}

func (d *DedupChecker) key(eventID string) string {
	return "dedup:event:" + eventID
}
