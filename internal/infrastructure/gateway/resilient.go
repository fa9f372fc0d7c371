// Package gateway decorates a backend Gateway with per-call timeouts,
// bounded retries for reads and error normalisation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
	"github.com/practicehub/syncstore/internal/metrics"
)

const (
	defaultTimeout = 15 * time.Second
	defaultRetries = 3
	defaultBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Config tunes the decorator. Zero values fall back to defaults; a negative
// Retries disables retrying.
type Config struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Resilient wraps a ports.Gateway. Only Fetch is retried: a repeated
// create, update or remove could apply twice.
type Resilient struct {
	next   ports.Gateway
	cfg    Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ ports.Gateway = (*Resilient)(nil)

func NewResilient(next ports.Gateway, cfg Config, logger zerolog.Logger) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Resilient{next: next, cfg: cfg, logger: logger, sleep: sleepCtx}
}

func (g *Resilient) Fetch(ctx context.Context, kind domain.Kind, filter domain.Filter) ([]domain.Entity, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		rows, err := g.fetchOnce(ctx, kind, filter)
		if err == nil {
			metrics.FetchAttemptsTotal.WithLabelValues(string(kind), "ok").Inc()
			return rows, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) || attempt >= g.cfg.Retries || ctx.Err() != nil {
			break
		}
		metrics.FetchAttemptsTotal.WithLabelValues(string(kind), "retry").Inc()
		wait := g.backoff(attempt)
		g.logger.Debug().Err(err).Str("kind", string(kind)).Int("attempt", attempt+1).Dur("wait", wait).Msg("retrying fetch")
		if err := g.sleep(ctx, wait); err != nil {
			lastErr = normalize(err)
			break
		}
	}
	metrics.FetchAttemptsTotal.WithLabelValues(string(kind), "error").Inc()
	return nil, lastErr
}

func (g *Resilient) fetchOnce(ctx context.Context, kind domain.Kind, filter domain.Filter) ([]domain.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	rows, err := g.next.Fetch(ctx, kind, filter)
	if err != nil {
		return nil, normalize(err)
	}
	for i, r := range rows {
		rows[i] = domain.Normalize(r)
	}
	return rows, nil
}

func (g *Resilient) Create(ctx context.Context, kind domain.Kind, e domain.Entity) (domain.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	row, err := g.next.Create(ctx, kind, e)
	if err != nil {
		return nil, normalize(err)
	}
	return domain.Normalize(row), nil
}

func (g *Resilient) Update(ctx context.Context, kind domain.Kind, id string, patch domain.Patch) (domain.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	row, err := g.next.Update(ctx, kind, id, patch)
	if err != nil {
		return nil, normalize(err)
	}
	return domain.Normalize(row), nil
}

func (g *Resilient) Remove(ctx context.Context, kind domain.Kind, id string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return normalize(g.next.Remove(ctx, kind, id))
}

// Subscribe normalises rows carried by realtime events before they reach l.
func (g *Resilient) Subscribe(ctx context.Context, kind domain.Kind, filter domain.Filter, l ports.Listener) (ports.Unsubscribe, error) {
	wrapped := l
	if l.OnEvent != nil {
		wrapped.OnEvent = func(ev domain.ChangeEvent) {
			if ev.Row != nil {
				ev.Row = domain.Normalize(ev.Row)
			}
			l.OnEvent(ev)
		}
	}
	unsub, err := g.next.Subscribe(ctx, kind, filter, wrapped)
	if err != nil {
		return nil, normalize(err)
	}
	return unsub, nil
}

func (g *Resilient) backoff(attempt int) time.Duration {
	d := g.cfg.Backoff << attempt
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// normalize maps context errors onto the gateway taxonomy. Errors that
// already carry a taxonomy error pass through.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case classified(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var taxonomy = []error{
	domain.ErrTimeout, domain.ErrNetwork, domain.ErrAuthorization, domain.ErrValidation,
	domain.ErrConflict, domain.ErrNotFound, domain.ErrInvalidTransition, domain.ErrIntegrity,
	domain.ErrForbidden,
}

func classified(err error) bool {
	for _, target := range taxonomy {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
