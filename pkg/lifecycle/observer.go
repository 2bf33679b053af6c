package lifecycle

import (
	"net/http"

	"github.com/ledge-cache/ledge/pkg/statsd"
)

// Observer is notified of every stable lifecycle event the state machine
// passes through, in order:
// config_loaded -> cache_accessed -> (origin_required -> origin_fetched)
// -> response_ready -> response_sent -> finished. config_loaded fires
// once at startup, with a nil request, after configuration has loaded
// successfully; every other tag fires per request. It replaces a mutable
// global hook list with an explicit collaborator the caller controls.
type Observer interface {
	Observe(tag string, req *http.Request)
}

// NoopObserver discards every event. The zero value is ready to use.
type NoopObserver struct{}

func (NoopObserver) Observe(string, *http.Request) {}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(tag string, req *http.Request)

func (f ObserverFunc) Observe(tag string, req *http.Request) { f(tag, req) }

// StatsObserver increments pkg/statsd's LifecycleEvent counter for every
// observed tag, the default Observer wired by cmd/ledge.
type StatsObserver struct {
	Metrics *statsd.Metrics
}

func (o StatsObserver) Observe(tag string, _ *http.Request) {
	if o.Metrics != nil {
		o.Metrics.LifecycleEvent.WithLabelValues(tag).Inc()
	}
}
