// Package selftelemetry exposes the sidecar's own operational state: a
// Prometheus metrics registry and a management HTTP server serving
// /health, /metrics, and /reload, grounded on this project's control
// plane API server.
package selftelemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lattice-telemetry/sidecar/internal/obslog"
)

var _ obslog.MetricsSink = (*Metrics)(nil)

// Metrics holds the Prometheus instruments the pipeline updates as
// records flow through it.
type Metrics struct {
	Registry *prometheus.Registry

	RecordsReceivedTotal *prometheus.CounterVec
	RecordsDroppedTotal  *prometheus.CounterVec
	RecordsRoutedTotal   *prometheus.CounterVec
	BackendLatencySecs   *prometheus.HistogramVec
	BackendCircuitState  *prometheus.GaugeVec
	SourceQueueSize      *prometheus.GaugeVec
	ConfigReloadTotal    *prometheus.CounterVec
}

// NewMetrics registers every instrument spec'd for GET /metrics against a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RecordsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_received_total",
			Help: "Records accepted by the listener, by source.",
		}, []string{"source"}),
		RecordsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_dropped_total",
			Help: "Records dropped before delivery, by reason.",
		}, []string{"reason"}),
		RecordsRoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_routed_total",
			Help: "Records successfully delivered, by backend.",
		}, []string{"backend"}),
		BackendLatencySecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backend_latency_seconds",
			Help:    "Backend delivery attempt latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		BackendCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backend_circuit_state",
			Help: "Circuit breaker state per backend: 0=closed, 1=half_open, 2=open.",
		}, []string{"backend"}),
		SourceQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "source_queue_size",
			Help: "Pending record count per source in the correlation engine.",
		}, []string{"source"}),
		ConfigReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "config_reload_total",
			Help: "Config reload attempts, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RecordsReceivedTotal, m.RecordsDroppedTotal, m.RecordsRoutedTotal,
		m.BackendLatencySecs, m.BackendCircuitState, m.SourceQueueSize, m.ConfigReloadTotal,
	)
	return m
}

// RecordReceived implements obslog.MetricsSink.
func (m *Metrics) RecordReceived(source string) {
	m.RecordsReceivedTotal.WithLabelValues(source).Inc()
}

// RecordDropped implements obslog.MetricsSink.
func (m *Metrics) RecordDropped(source, reason string) {
	m.RecordsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordRouted implements obslog.MetricsSink.
func (m *Metrics) RecordRouted(backend string, count int) {
	m.RecordsRoutedTotal.WithLabelValues(backend).Add(float64(count))
}

// RecordBackendLatency implements obslog.MetricsSink. The Prometheus
// histogram has no error dimension, so err is unused here — the OTLP
// mirror in cmd/sidecar's fan-out sink is what feeds it into a counter.
func (m *Metrics) RecordBackendLatency(backend string, seconds float64, err error) {
	m.BackendLatencySecs.WithLabelValues(backend).Observe(seconds)
}

// RecordBreakerTransition implements obslog.MetricsSink.
func (m *Metrics) RecordBreakerTransition(backend, to string) {
	m.BackendCircuitState.WithLabelValues(backend).Set(CircuitStateValue(to))
}

// RecordConfigReload implements obslog.MetricsSink.
func (m *Metrics) RecordConfigReload(result string) {
	m.ConfigReloadTotal.WithLabelValues(result).Inc()
}

// RefreshQueueGauges sets the source_queue_size gauge from a fresh
// snapshot, called periodically rather than on every enqueue/dequeue.
func (m *Metrics) RefreshQueueGauges(depths map[string]int) {
	m.SourceQueueSize.Reset()
	for source, depth := range depths {
		m.SourceQueueSize.WithLabelValues(source).Set(float64(depth))
	}
}

// RefreshBreakerGauges sets the backend_circuit_state gauge from a fresh
// breaker registry snapshot.
func (m *Metrics) RefreshBreakerGauges(states map[string]string) {
	for backend, state := range states {
		m.BackendCircuitState.WithLabelValues(backend).Set(CircuitStateValue(state))
	}
}

// CircuitStateValue maps a breaker.State string to the numeric gauge value
// GET /metrics reports it as.
func CircuitStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default: // closed
		return 0
	}
}
