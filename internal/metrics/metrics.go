// Package metrics defines and registers all custom Prometheus metrics for the
// sync layer. It is the single source of truth for metric names, labels, and
// help strings. Metrics register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "syncstore"

// ── Mutation metrics ──────────────────────────────────────────────────────────

// MutationsTotal counts mutations that reached a terminal state.
// Labels:
//   - kind: entity kind (e.g. "appointment")
//   - op: "create", "update" or "remove"
//   - result: "committed", "rolled_back" or "noop"
var MutationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mutations_total",
		Help:      "Total number of mutations by terminal state.",
	},
	[]string{"kind", "op", "result"},
)

// MutationDuration measures the time from optimistic apply to terminal state.
var MutationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mutation_duration_seconds",
		Help:      "Duration of a mutation from optimistic apply to commit or rollback.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"kind", "op"},
)

// ── Realtime metrics ──────────────────────────────────────────────────────────

// RealtimeEventsTotal counts realtime change events.
// Label:
//   - result: "applied", "deferred", "duplicate" or "dropped"
var RealtimeEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_events_total",
		Help:      "Total number of realtime change events, labelled by outcome.",
	},
	[]string{"kind", "result"},
)

// ── Gateway metrics ───────────────────────────────────────────────────────────

// FetchAttemptsTotal counts gateway fetch attempts including retries.
// Label:
//   - result: "ok", "retry" or "error"
var FetchAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Total number of gateway fetch attempts, labelled by outcome.",
	},
	[]string{"kind", "result"},
)

// ── Cache and session metrics ─────────────────────────────────────────────────

// CacheEntries tracks the number of rows currently held per kind.
var CacheEntries = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Current number of cached rows per entity kind.",
	},
	[]string{"kind"},
)

// SessionTransitionsTotal counts session state changes by target state.
var SessionTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_transitions_total",
		Help:      "Total number of session state transitions, labelled by target state.",
	},
	[]string{"to"},
)
