// Package metrics provides Prometheus metrics for the forwarder.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dnscryptd"
)

// Metrics contains all Prometheus metrics the forwarder exposes.
type Metrics struct {
	QueriesTotal         *prometheus.CounterVec
	DecryptFailures      *prometheus.CounterVec
	CertificateQueries   prometheus.Counter
	UpstreamFallbacks    prometheus.Counter
	UpstreamErrors       *prometheus.CounterVec
	ResponsesTruncated   prometheus.Counter
	ActiveConnections    *prometheus.GaugeVec
	ConnectionsEvicted   *prometheus.CounterVec
	RotationsTotal       prometheus.Counter
	QueryLatency         prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, backed by the global
// Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, primarily for tests that need an isolated registry per case.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total DNSCrypt queries accepted, by transport",
		}, []string{"transport"}),
		DecryptFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Total queries that failed to decrypt, by reason",
		}, []string{"reason"}),
		CertificateQueries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_queries_total",
			Help:      "Total provider-name TXT certificate queries served",
		}),
		UpstreamFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fallbacks_total",
			Help:      "Total queries that fell back from UDP to TCP upstream on a truncated reply",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream forwarding errors, by transport",
		}, []string{"transport"}),
		ResponsesTruncated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_truncated_total",
			Help:      "Total responses the forwarder truncated to fit the client's max size",
		}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current in-flight connections admitted, by transport",
		}, []string{"transport"}),
		ConnectionsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_evicted_total",
			Help:      "Total connections evicted by admission control to make room, by transport",
		}, []string{"transport"}),
		RotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Total certificate rotations performed",
		}),
		QueryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Histogram of end-to-end query handling latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
}

// RecordQuery records an accepted query for a transport.
func (m *Metrics) RecordQuery(transport string) {
	m.QueriesTotal.WithLabelValues(transport).Inc()
}

// RecordDecryptFailure records a decryption failure by reason.
func (m *Metrics) RecordDecryptFailure(reason string) {
	m.DecryptFailures.WithLabelValues(reason).Inc()
}

// RecordCertificateQuery records a served certificate TXT response.
func (m *Metrics) RecordCertificateQuery() {
	m.CertificateQueries.Inc()
}

// RecordUpstreamFallback records a UDP-to-TCP upstream fallback.
func (m *Metrics) RecordUpstreamFallback() {
	m.UpstreamFallbacks.Inc()
}

// RecordUpstreamError records an upstream forwarding error by transport.
func (m *Metrics) RecordUpstreamError(transport string) {
	m.UpstreamErrors.WithLabelValues(transport).Inc()
}

// RecordResponseTruncated records a response the forwarder had to truncate.
func (m *Metrics) RecordResponseTruncated() {
	m.ResponsesTruncated.Inc()
}

// SetActiveConnections sets the current admitted connection count for a transport.
func (m *Metrics) SetActiveConnections(transport string, count int) {
	m.ActiveConnections.WithLabelValues(transport).Set(float64(count))
}

// RecordConnectionEvicted records an admission-control eviction for a transport.
func (m *Metrics) RecordConnectionEvicted(transport string) {
	m.ConnectionsEvicted.WithLabelValues(transport).Inc()
}

// RecordRotation records a completed certificate rotation.
func (m *Metrics) RecordRotation() {
	m.RotationsTotal.Inc()
}

// RecordQueryLatency records end-to-end query latency in seconds.
func (m *Metrics) RecordQueryLatency(seconds float64) {
	m.QueryLatency.Observe(seconds)
}
