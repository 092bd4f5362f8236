// Package metrics exposes Prometheus counters for the registration pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "push_registration"

type Metrics struct {
	registry *prometheus.Registry

	Transitions *prometheus.CounterVec
	Binds       *prometheus.CounterVec
	Resolutions *prometheus.CounterVec
	Callbacks   *prometheus.CounterVec
	Errors      *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Registration pipeline state transitions.",
		}, []string{"from", "to"}),
		Binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Device token bind attempts by result (bound, reaffirmed, failed).",
		}, []string{"result"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_token_resolutions_total",
			Help:      "Best-effort backend token resolutions by result.",
		}, []string{"result"}),
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_callbacks_total",
			Help:      "Platform callbacks received by kind.",
		}, []string{"kind"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_errors_total",
			Help:      "Registration errors surfaced to diagnostics by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.Transitions, m.Binds, m.Resolutions, m.Callbacks, m.Errors)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
