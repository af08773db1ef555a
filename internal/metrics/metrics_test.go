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
	if m.SOCKS5Connections == nil {
		t.Error("SOCKS5Connections metric is nil")
	}
	if m.BytesUploaded == nil {
		t.Error("BytesUploaded metric is nil")
	}
}

func TestRecordConnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect()
	m.RecordConnect()

	if got := testutil.ToFloat64(m.SOCKS5Connections); got != 2 {
		t.Errorf("SOCKS5Connections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SOCKS5ConnectionsTotal); got != 2 {
		t.Errorf("SOCKS5ConnectionsTotal = %v, want 2", got)
	}
}

func TestRecordDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect()
	m.RecordConnect()
	m.RecordDisconnect()

	if got := testutil.ToFloat64(m.SOCKS5Connections); got != 1 {
		t.Errorf("SOCKS5Connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SOCKS5ConnectionsTotal); got != 2 {
		t.Errorf("SOCKS5ConnectionsTotal = %v, want 2", got)
	}
}

func TestRecordAuthFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordAuthFailure()
	m.RecordAuthFailure()
	m.RecordAuthFailure()

	if got := testutil.ToFloat64(m.SOCKS5AuthFailures); got != 3 {
		t.Errorf("SOCKS5AuthFailures = %v, want 3", got)
	}
}

func TestRecordConnectLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectLatency(0.05)

	if got := testutil.CollectAndCount(m.SOCKS5ConnectLatency); got != 1 {
		t.Errorf("SOCKS5ConnectLatency collected metric count = %v, want 1", got)
	}
}

func TestUDPSessionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUDPSessionStart()
	m.RecordUDPSessionStart()
	m.RecordUDPSessionEnd()

	if got := testutil.ToFloat64(m.UDPSessionsActive); got != 1 {
		t.Errorf("UDPSessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UDPSessionsTotal); got != 2 {
		t.Errorf("UDPSessionsTotal = %v, want 2", got)
	}
}

func TestTrafficReportsDeltasOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	onUpdate := m.Traffic()
	onUpdate(100, 50)
	onUpdate(150, 50)
	onUpdate(150, 200)

	if got := testutil.ToFloat64(m.BytesUploaded); got != 150 {
		t.Errorf("BytesUploaded = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BytesDownloaded); got != 200 {
		t.Errorf("BytesDownloaded = %v, want 200", got)
	}
}

func TestDefault(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance across calls")
	}
}
