package queue

import (
	"context"
	"hash/fnv"

	"github.com/rs/zerolog"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

const (
	defaultWorkers = 8
	channelBuffer  = 256
)

// Dispatcher fans change events out to a fixed set of workers using
// consistent hashing on kind and row id, so events for one row reach the
// downstream publisher in the order they were produced.
type Dispatcher struct {
	workers []chan domain.ChangeEvent
	next    ports.ChangePublisher
	log     zerolog.Logger
}

var _ ports.ChangePublisher = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher(numWorkers int, next ports.ChangePublisher, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers: make([]chan domain.ChangeEvent, numWorkers),
		next:    next,
		log:     log,
	}
	for i := range d.workers {
		d.workers[i] = make(chan domain.ChangeEvent, channelBuffer)
	}
	return d
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.workers {
		go d.runWorker(ctx, i, ch)
	}
}

// Publish queues event on the worker owning its row. It blocks once that
// worker's buffer is full, until ctx is done.
func (d *Dispatcher) Publish(ctx context.Context, event domain.ChangeEvent) error {
	select {
	case d.workers[d.shardIndex(event.Kind, event.ID)] <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shardIndex maps a row deterministically to a worker index.
func (d *Dispatcher) shardIndex(kind domain.Kind, id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan domain.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := d.next.Publish(ctx, event); err != nil {
				d.log.Error().Err(err).
					Str("kind", string(event.Kind)).
					Str("id", event.ID).
					Int("worker_id", id).
					Msg("change publish failed")
			}
		}
	}
}
