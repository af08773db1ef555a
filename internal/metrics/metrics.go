// Package metrics provides Prometheus metrics for the SOCKS5 proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "socks5d"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection metrics
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5AuthFailures     prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram

	// UDP ASSOCIATE metrics
	UDPSessionsActive prometheus.Gauge
	UDPSessionsTotal  prometheus.Counter

	// Traffic metrics, driven by socks5.TrafficCounters (§3)
	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered
// against the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of active SOCKS5 sessions",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total SOCKS5 sessions accepted",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total username/password authentication failures",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of CONNECT request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		UDPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions_active",
			Help:      "Number of active UDP ASSOCIATE relays",
		}),
		UDPSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_total",
			Help:      "Total UDP ASSOCIATE relays created",
		}),
		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes relayed from clients to targets",
		}),
		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Total bytes relayed from targets to clients",
		}),
	}
}

// RecordConnect records a new SOCKS5 session.
func (m *Metrics) RecordConnect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordDisconnect records a SOCKS5 session ending.
func (m *Metrics) RecordDisconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordAuthFailure records a failed username/password attempt.
func (m *Metrics) RecordAuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}

// RecordConnectLatency records CONNECT dial latency.
func (m *Metrics) RecordConnectLatency(seconds float64) {
	m.SOCKS5ConnectLatency.Observe(seconds)
}

// RecordUDPSessionStart records a new UDP ASSOCIATE relay.
func (m *Metrics) RecordUDPSessionStart() {
	m.UDPSessionsActive.Inc()
	m.UDPSessionsTotal.Inc()
}

// RecordUDPSessionEnd records a UDP ASSOCIATE relay tearing down.
func (m *Metrics) RecordUDPSessionEnd() {
	m.UDPSessionsActive.Dec()
}

// Traffic returns a func(upload, download uint64) that feeds cumulative
// upload/download totals into the Prometheus counters; the caller adapts
// it to a socks5.TrafficUpdateFunc. Counters are
// monotonic, but TrafficCounters reports running totals, so each call
// adds only the delta since the previous snapshot.
func (m *Metrics) Traffic() func(upload, download uint64) {
	var lastUp, lastDown uint64
	var mu sync.Mutex
	return func(upload, download uint64) {
		mu.Lock()
		defer mu.Unlock()
		if upload > lastUp {
			m.BytesUploaded.Add(float64(upload - lastUp))
			lastUp = upload
		}
		if download > lastDown {
			m.BytesDownloaded.Add(float64(download - lastDown))
			lastDown = download
		}
	}
}
