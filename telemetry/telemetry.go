// Package telemetry exposes process metrics behind small interfaces so the
// rest of the code never imports prometheus directly. Until Initialize is
// called every metric is a no-op, which keeps tests free of registry state.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry *prometheus.Registry

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	Add(float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// CounterVec is a counter partitioned by one label.
type CounterVec interface {
	With(label string) Counter
}

// NoopStat implements every metric interface and does nothing.
type NoopStat struct{}

func (NoopStat) Inc()        {}
func (NoopStat) Add(float64) {}
func (NoopStat) Set(float64) {}
func (NoopStat) Dec()        {}

type noopCounterVec struct{}

func (noopCounterVec) With(string) Counter { return NoopStat{} }

type promCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *promCounterVec) With(label string) Counter {
	return p.vec.WithLabelValues(label)
}

// NewCounter registers a counter, or returns a no-op when telemetry is
// disabled.
func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "translicate",
		Name:      name,
		Help:      help,
	})
	registry.MustRegister(c)
	return c
}

// NewGauge registers a gauge, or returns a no-op when telemetry is disabled.
func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "translicate",
		Name:      name,
		Help:      help,
	})
	registry.MustRegister(g)
	return g
}

// NewCounterVec registers a labeled counter, or returns a no-op when
// telemetry is disabled.
func NewCounterVec(name, help, label string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "translicate",
		Name:      name,
		Help:      help,
	}, []string{label})
	registry.MustRegister(vec)
	return &promCounterVec{vec: vec}
}

// Initialize creates the registry and binds every metric to prometheus.
// Must run before components are constructed; metrics captured earlier stay
// no-ops.
func Initialize() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bindMetrics()
}

// Handler serves the metrics endpoint, or 404s when telemetry is disabled.
func Handler() http.Handler {
	if registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
