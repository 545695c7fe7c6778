package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics collects per-run counters on a private registry. A release run is a
// short-lived process, so values are pushed to a Pushgateway instead of being
// scraped.
type Metrics struct {
	registry      *prometheus.Registry
	units         *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewMetrics registers the polyship collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyship_units_total",
			Help: "Units processed per pipeline stage, by result.",
		}, []string{"stage", "result"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyship_fallbacks_total",
			Help: "Fallback substitutions taken because a tool was unavailable.",
		}, []string{"concern"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polyship_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.units, m.fallbacks, m.stageDuration)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Unit counts one unit finishing stage with result ("ok" or "failed").
func (m *Metrics) Unit(stage, result string) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(stage, result).Inc()
}

// Fallback counts one substitution for concern ("sbom", "sign", "version").
func (m *Metrics) Fallback(concern string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(concern).Inc()
}

// ObserveStage records the time elapsed since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Push sends the collected metrics to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}
