package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	Registry          *prometheus.Registry
	connectionsActive *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	handshakeDuration *prometheus.HistogramVec
	authAttempts      *prometheus.CounterVec
	bytesRelayed      *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	tlsErrors         *prometheus.CounterVec
	upstreamHealth    prometheus.Gauge
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgauthproxy_connections_active",
				Help: "Number of in-flight client connections per variant",
			},
			[]string{"variant"},
		),
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgauthproxy_connections_total",
				Help: "Total accepted client connections per variant",
			},
			[]string{"variant"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgauthproxy_session_duration_seconds",
				Help:    "Duration of proxied sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"variant"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgauthproxy_handshake_duration_seconds",
				Help:    "Time from accept to authentication outcome",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"variant"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgauthproxy_auth_attempts_total",
				Help: "Client authentication attempts by outcome",
			},
			[]string{"variant", "outcome"},
		),
		bytesRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgauthproxy_relayed_bytes_total",
				Help: "Bytes relayed after authentication, by direction",
			},
			[]string{"direction"},
		),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgauthproxy_protocol_errors_total",
				Help: "Wire protocol violations by kind",
			},
			[]string{"kind"},
		),
		tlsErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgauthproxy_tls_errors_total",
				Help: "TLS handshake failures by leg (downstream/upstream)",
			},
			[]string{"leg"},
		),
		upstreamHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgauthproxy_upstream_healthy",
				Help: "Whether the upstream database answers the wire probe (1=healthy, 0=unhealthy)",
			},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsTotal,
		c.sessionDuration,
		c.handshakeDuration,
		c.authAttempts,
		c.bytesRelayed,
		c.protocolErrors,
		c.tlsErrors,
		c.upstreamHealth,
	)

	return c
}

// ConnectionOpened records an accepted client connection.
func (c *Collector) ConnectionOpened(variant string) {
	c.connectionsActive.WithLabelValues(variant).Inc()
	c.connectionsTotal.WithLabelValues(variant).Inc()
}

// ConnectionClosed records a finished client connection and its lifetime.
func (c *Collector) ConnectionClosed(variant string, d time.Duration) {
	c.connectionsActive.WithLabelValues(variant).Dec()
	c.sessionDuration.WithLabelValues(variant).Observe(d.Seconds())
}

// HandshakeCompleted observes the time from accept to auth outcome.
func (c *Collector) HandshakeCompleted(variant string, d time.Duration) {
	c.handshakeDuration.WithLabelValues(variant).Observe(d.Seconds())
}

// AuthAttempt records an authentication attempt and its outcome.
func (c *Collector) AuthAttempt(variant, outcome string) {
	c.authAttempts.WithLabelValues(variant, outcome).Inc()
}

// BytesRelayed adds to the relayed byte counters. direction is
// "client_to_server" or "server_to_client".
func (c *Collector) BytesRelayed(direction string, n int64) {
	c.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// ProtocolError counts a wire protocol violation.
func (c *Collector) ProtocolError(kind string) {
	c.protocolErrors.WithLabelValues(kind).Inc()
}

// TLSError counts a failed TLS handshake on the given leg.
func (c *Collector) TLSError(leg string) {
	c.tlsErrors.WithLabelValues(leg).Inc()
}

// SetUpstreamHealth sets the upstream health gauge.
func (c *Collector) SetUpstreamHealth(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.upstreamHealth.Set(val)
}
