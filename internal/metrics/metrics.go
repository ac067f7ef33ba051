// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the engine.
type Collector struct {
	registry *prometheus.Registry

	TurnsTotal       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	NodeExecutions   *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
	MemoryWrites     *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
}

// NewCollector creates a collector with its own registry so tests can
// instantiate it repeatedly without duplicate-registration panics.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns processed, labelled by flow and outcome.",
		}, []string{"flow", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock turn duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flow"}),
		NodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node executions, labelled by flow, kind, and port.",
		}, []string{"flow", "kind", "port"}),
		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Reasoning and tool provider failures by provider name.",
		}, []string{"provider"}),
		MemoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Memory writes by scope.",
		}, []string{"scope"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently mid-turn.",
		}),
	}

	registry.MustRegister(
		c.TurnsTotal, c.TurnDuration, c.NodeExecutions,
		c.ProviderFailures, c.MemoryWrites, c.ActiveSessions,
	)
	return c
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
