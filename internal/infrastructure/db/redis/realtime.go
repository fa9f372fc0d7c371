package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

const (
	channelPrefix    = "rt:"
	minRetryInterval = 50 * time.Millisecond
	maxRetryInterval = 2 * time.Second
)

// Realtime carries change events over Redis pub/sub, one channel per kind.
// It is both the publishing and the subscribing end.
type Realtime struct {
	client *redis.Client
	logger zerolog.Logger
}

var _ ports.ChangePublisher = (*Realtime)(nil)

func NewRealtime(client *redis.Client, logger zerolog.Logger) *Realtime {
	return &Realtime{client: client, logger: logger.With().Str("component", "realtime").Logger()}
}

type envelope struct {
	EventID   string           `json:"event_id"`
	Type      domain.EventType `json:"type"`
	Kind      domain.Kind      `json:"kind"`
	ID        string           `json:"id"`
	Row       json.RawMessage  `json:"row,omitempty"`
	Timestamp time.Time        `json:"ts"`
}

func channel(kind domain.Kind) string {
	return channelPrefix + string(kind)
}

// Publish implements ports.ChangePublisher.
func (r *Realtime) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel(ev.Kind), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Subscribe listens on the kind's channel and forwards events whose row
// matches filter. Deletes and undecodable payloads are always forwarded.
// Channel loss is reported through OnStatus and retried until unsubscribed.
func (r *Realtime) Subscribe(ctx context.Context, kind domain.Kind, filter domain.Filter, l ports.Listener) (ports.Unsubscribe, error) {
	ps := r.client.Subscribe(ctx, channel(kind))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %v", kind, domain.ErrNetwork, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.loop(loopCtx, ps, kind, filter, l)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
			<-done
		})
	}, nil
}

func (r *Realtime) loop(ctx context.Context, ps *redis.PubSub, kind domain.Kind, filter domain.Filter, l ports.Listener) {
	log := r.logger.With().Str("kind", string(kind)).Logger()
	down := false
	wait := minRetryInterval
	for {
		msg, err := ps.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !down {
				down = true
				log.Warn().Err(err).Msg("realtime channel lost")
				report(l, ports.ChannelDisconnected)
			}
			if sleep(ctx, wait) != nil {
				return
			}
			wait *= 2
			if wait > maxRetryInterval {
				wait = maxRetryInterval
			}
			continue
		}
		wait = minRetryInterval

		switch m := msg.(type) {
		case *redis.Subscription:
			if down && m.Kind == "subscribe" {
				down = false
				log.Info().Msg("realtime channel restored")
				report(l, ports.ChannelConnected)
			}
		case *redis.Message:
			ev := decodeEvent(kind, []byte(m.Payload))
			if !forward(ev, filter) || l.OnEvent == nil {
				continue
			}
			l.OnEvent(ev)
		}
	}
}

func forward(ev domain.ChangeEvent, filter domain.Filter) bool {
	if ev.Err != nil || ev.Row == nil {
		return true
	}
	return filter.Matches(domain.Normalize(ev.Row.Clone()))
}

func report(l ports.Listener, s ports.ChannelStatus) {
	if l.OnStatus != nil {
		l.OnStatus(s)
	}
}

func encodeEvent(ev domain.ChangeEvent) ([]byte, error) {
	env := envelope{EventID: ev.EventID, Type: ev.Type, Kind: ev.Kind, ID: ev.ID, Timestamp: ev.Timestamp}
	if ev.Row != nil {
		row, err := json.Marshal(ev.Row)
		if err != nil {
			return nil, fmt.Errorf("encode %s row: %w", ev.Kind, err)
		}
		env.Row = row
	}
	return json.Marshal(env)
}

// decodeEvent never fails; a payload that cannot be decoded yields an
// event with Err set so the consumer can log and drop it.
func decodeEvent(kind domain.Kind, payload []byte) domain.ChangeEvent {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.ChangeEvent{Kind: kind, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	ev := domain.ChangeEvent{EventID: env.EventID, Type: env.Type, Kind: env.Kind, ID: env.ID, Timestamp: env.Timestamp}
	if len(env.Row) == 0 || string(env.Row) == "null" {
		return ev
	}
	row, err := domain.NewEntity(env.Kind)
	if err != nil {
		ev.Err = err
		return ev
	}
	if err := json.Unmarshal(env.Row, row); err != nil {
		ev.Err = fmt.Errorf("decode %s row: %w", env.Kind, err)
		return ev
	}
	ev.Row = row
	return ev
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
