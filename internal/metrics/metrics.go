// ABOUTME: Prometheus collectors for gateway requests, provider selection, and action calls.
// ABOUTME: Each Metrics owns its registry so independent gateways can coexist in tests.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "copilot_bridge"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    prometheus.Histogram
	providerSelections *prometheus.CounterVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	toolRounds         prometheus.Histogram
}

// New creates collectors registered on a fresh registry, along with the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Total number of conversation requests by outcome",
		}, []string{"status"}),

		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Conversation request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		providerSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "provider_selections_total",
			Help:      "Total number of requests routed to each provider",
		}, []string{"provider"}),

		invocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "action_invocations_total",
			Help:      "Total action invocations by action and outcome",
		}, []string{"action", "outcome"}),

		invocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "action_duration_seconds",
			Help:      "Action handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),

		toolRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "tool_rounds",
			Help:      "Number of action rounds per conversation turn",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
		}),
	}
}

// ObserveRequest records one finished conversation request.
func (m *Metrics) ObserveRequest(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(status).Inc()
	m.requestDuration.Observe(d.Seconds())
}

// ObserveProvider records that a request was routed to provider.
func (m *Metrics) ObserveProvider(provider string) {
	if m == nil {
		return
	}
	m.providerSelections.WithLabelValues(provider).Inc()
}

// ObserveInvocation counts one action invocation by outcome.
func (m *Metrics) ObserveInvocation(action, outcome string) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveActionDuration records how long an action handler ran.
func (m *Metrics) ObserveActionDuration(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocationDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveToolRounds records how many action rounds a turn used.
func (m *Metrics) ObserveToolRounds(n int) {
	if m == nil {
		return
	}
	m.toolRounds.Observe(float64(n))
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
