package statsd

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCacheStateIncrementsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheState.WithLabelValues("hot").Inc()
	m.CacheState.WithLabelValues("hot").Inc()
	m.CacheState.WithLabelValues("cold").Inc()

	if got := counterValue(t, m.CacheState.WithLabelValues("hot")); got != 2 {
		t.Fatalf("hot count = %v, want 2", got)
	}
	if got := counterValue(t, m.CacheState.WithLabelValues("cold")); got != 1 {
		t.Fatalf("cold count = %v, want 1", got)
	}
}

func TestNewOnFreshRegistryDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	// A second independent registry must not collide with the first's
	// metric names; promauto panics on duplicate registration within the
	// same registry, not across registries.
	_ = New(reg)
	_ = New(prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
