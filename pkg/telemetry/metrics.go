package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning core. The
// collectors are always safe to use; they are only registered and exposed
// when the configuration enables metrics.
type Metrics struct {
	config MetricsConfig

	// RequestsSubmitted counts accepted provisioning requests.
	RequestsSubmitted prometheus.Counter

	// RequestsCompleted counts requests by terminal status.
	RequestsCompleted *prometheus.CounterVec

	// InFlightRequests gauges requests currently dispatching or
	// compensating.
	InFlightRequests prometheus.Gauge

	// GatedRequests gauges requests suspended pending approval.
	GatedRequests prometheus.Gauge

	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec

	// DiscrepanciesFound counts reconciliation discrepancies by kind.
	DiscrepanciesFound *prometheus.CounterVec

	// WorkflowDecisions counts approval decisions by outcome.
	WorkflowDecisions *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	namespace := cfg.Namespace

	m := &Metrics{
		config: cfg,

		RequestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Total number of provisioning requests accepted",
		}),
		RequestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Total number of provisioning requests by terminal status",
		}, []string{"status"}),
		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently dispatching or compensating",
		}),
		GatedRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_gated",
			Help:      "Requests suspended pending approval",
		}),
		connectorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_calls_total",
			Help:      "Total connector calls by target, operation, and outcome",
		}, []string{"target", "operation", "outcome"}),
		connectorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connector_call_duration_seconds",
			Help:      "Duration of connector calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target", "operation"}),
		DiscrepanciesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discrepancies_found_total",
			Help:      "Reconciliation discrepancies found by kind",
		}, []string{"kind"}),
		WorkflowDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_decisions_total",
			Help:      "Approval decisions recorded by outcome",
		}, []string{"decision"}),
	}

	if !cfg.Enabled {
		return m, nil
	}

	m.registry = prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		m.RequestsSubmitted,
		m.RequestsCompleted,
		m.InFlightRequests,
		m.GatedRequests,
		m.connectorCalls,
		m.connectorDuration,
		m.DiscrepanciesFound,
		m.WorkflowDecisions,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Enabled reports whether the collector is registered for exposure.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// ObserveConnectorCall records one connector call.
func (m *Metrics) ObserveConnectorCall(target, operation string, ok bool, d time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.connectorCalls.WithLabelValues(target, operation, outcome).Inc()
	m.connectorDuration.WithLabelValues(target, operation).Observe(d.Seconds())
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
