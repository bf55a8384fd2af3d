package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.QueriesTotal == nil {
		t.Error("QueriesTotal metric is nil")
	}
	if m.QueryLatency == nil {
		t.Error("QueryLatency metric is nil")
	}
}

func TestRecordQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordQuery("udp")
	m.RecordQuery("udp")
	m.RecordQuery("tcp")

	udp := testutil.ToFloat64(m.QueriesTotal.WithLabelValues("udp"))
	if udp != 2 {
		t.Errorf("QueriesTotal[udp] = %v, want 2", udp)
	}
	tcp := testutil.ToFloat64(m.QueriesTotal.WithLabelValues("tcp"))
	if tcp != 1 {
		t.Errorf("QueriesTotal[tcp] = %v, want 1", tcp)
	}
}

func TestRecordDecryptFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDecryptFailure("unknown_client_magic")
	m.RecordDecryptFailure("unknown_client_magic")
	m.RecordDecryptFailure("auth_failed")

	unknown := testutil.ToFloat64(m.DecryptFailures.WithLabelValues("unknown_client_magic"))
	if unknown != 2 {
		t.Errorf("DecryptFailures[unknown_client_magic] = %v, want 2", unknown)
	}
}

func TestRecordCertificateQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCertificateQuery()
	m.RecordCertificateQuery()

	got := testutil.ToFloat64(m.CertificateQueries)
	if got != 2 {
		t.Errorf("CertificateQueries = %v, want 2", got)
	}
}

func TestRecordUpstreamFallbackAndErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUpstreamFallback()
	m.RecordUpstreamError("udp")
	m.RecordUpstreamError("udp")
	m.RecordUpstreamError("tcp")

	if got := testutil.ToFloat64(m.UpstreamFallbacks); got != 1 {
		t.Errorf("UpstreamFallbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("udp")); got != 2 {
		t.Errorf("UpstreamErrors[udp] = %v, want 2", got)
	}
}

func TestActiveConnectionsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetActiveConnections("udp", 5)
	m.SetActiveConnections("tcp", 3)
	m.RecordConnectionEvicted("udp")

	if got := testutil.ToFloat64(m.ActiveConnections.WithLabelValues("udp")); got != 5 {
		t.Errorf("ActiveConnections[udp] = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsEvicted.WithLabelValues("udp")); got != 1 {
		t.Errorf("ConnectionsEvicted[udp] = %v, want 1", got)
	}
}

func TestRecordRotation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRotation()
	m.RecordRotation()

	if got := testutil.ToFloat64(m.RotationsTotal); got != 2 {
		t.Errorf("RotationsTotal = %v, want 2", got)
	}
}

func TestRecordResponseTruncated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordResponseTruncated()

	if got := testutil.ToFloat64(m.ResponsesTruncated); got != 1 {
		t.Errorf("ResponsesTruncated = %v, want 1", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
