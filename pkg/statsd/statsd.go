// Package statsd centralizes the Prometheus metrics emitted by the cache
// engine. Every metric is registered once here via promauto and passed
// around as a *Metrics value rather than touched through package-level
// globals, so tests can register independent registries side by side.
package statsd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge, and histogram the cache engine emits.
type Metrics struct {
	// CacheState counts lifecycle outcomes by the freshness.State a
	// request resolved to ("subzero", "cold", "warm", "hot").
	CacheState *prometheus.CounterVec

	// CollapseOutcome counts request-coalescing outcomes: "leader",
	// "follower_finished", "follower_failed", "follower_timeout".
	CollapseOutcome *prometheus.CounterVec

	// PurgeResult counts purge operations by mode ("invalidate",
	// "delete", "revalidate") and target ("exact", "wildcard").
	PurgeResult *prometheus.CounterVec

	// OriginDuration tracks upstream fetch latency in seconds.
	OriginDuration *prometheus.HistogramVec

	// OriginErrors counts failed upstream fetches by class; pkg/lifecycle
	// records every fetch that got no response under "fetch".
	OriginErrors *prometheus.CounterVec

	// OriginRetries counts retry attempts against the upstream by error
	// class, before either succeeding or exhausting its attempts.
	OriginRetries *prometheus.CounterVec

	// QueueDepth reports the pending job count per queue name. No
	// component in this module sets it.
	QueueDepth *prometheus.GaugeVec

	// JobResult counts background job completions by class and outcome
	// ("ok", "retry", "dropped").
	JobResult *prometheus.CounterVec

	// WriteErrors counts cache-write failures by stage ("storage_put",
	// "tx_exec").
	WriteErrors *prometheus.CounterVec

	// LifecycleEvent counts each observable lifecycle event by tag
	// ("config_loaded", "cache_accessed", "origin_required",
	// "origin_fetched", "response_ready", "response_sent", "finished").
	LifecycleEvent *prometheus.CounterVec
}

// New registers every metric against reg and returns the bound Metrics.
// cmd/ledge and cmd/ledge-worker pass the registry their /metrics handler
// serves, created once per process; tests pass a fresh
// prometheus.NewRegistry() so repeated test runs don't collide on
// duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheState: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_cache_state_total",
				Help: "Total requests resolved by cache freshness state.",
			},
			[]string{"state"},
		),
		CollapseOutcome: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_collapse_outcome_total",
				Help: "Total request-coalescing outcomes.",
			},
			[]string{"outcome"},
		),
		PurgeResult: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_purge_total",
				Help: "Total purge operations by mode and target shape.",
			},
			[]string{"mode", "target"},
		),
		OriginDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledge_origin_fetch_duration_seconds",
				Help:    "Upstream fetch latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		OriginErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_origin_errors_total",
				Help: "Total upstream fetch failures by class.",
			},
			[]string{"class"},
		),
		OriginRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_origin_retries_total",
				Help: "Total upstream fetch retry attempts by error class.",
			},
			[]string{"class"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledge_queue_depth",
				Help: "Pending job count per queue.",
			},
			[]string{"queue"},
		),
		JobResult: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_job_result_total",
				Help: "Total background job completions by class and outcome.",
			},
			[]string{"class", "outcome"},
		),
		WriteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_write_errors_total",
				Help: "Total cache-write failures by stage.",
			},
			[]string{"stage"},
		),
		LifecycleEvent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledge_lifecycle_event_total",
				Help: "Total observable lifecycle events by tag.",
			},
			[]string{"tag"},
		),
	}
}
