// Package metrics holds the prometheus collectors of the chat server. Every
// recording method is safe to call on a nil *Metrics, so components can run
// without a registry in tests and tools.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors registered for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	// Transport
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	HighWaterMarkHits prometheus.Counter

	// Protocol
	FramesTotal    *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// Business
	ActiveSessions prometheus.Gauge
	LoginsTotal    *prometheus.CounterVec
	KicksTotal     prometheus.Counter
	OfflineCached  *prometheus.CounterVec
	OfflineDrained *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a fresh registry
// together with the Go and process collectors.
//
// Parameters:
//   - namespace: Metric namespace, e.g. "flamingo"
//
// Returns:
//   - A new *Metrics
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return newMetrics(namespace, reg)
}

// NewMetricsWithRegistry registers the collectors on reg. Tests use it with
// a private registry.
func NewMetricsWithRegistry(namespace string, reg *prometheus.Registry) *Metrics {
	return newMetrics(namespace, reg)
}

func newMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "active_connections",
			Help:      "Number of live connections",
		}),
		HighWaterMarkHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "high_water_mark_total",
			Help:      "Times queued output crossed the high-water mark",
		}),

		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Total number of frames by direction",
		}, []string{"direction"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Connections closed for protocol violations",
		}, []string{"reason"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "active_sessions",
			Help:      "Number of registered chat sessions",
		}),
		LoginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "logins_total",
			Help:      "Login attempts by result",
		}, []string{"result"}),
		KicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "kicks_total",
			Help:      "Sessions invalidated by a newer login",
		}),
		OfflineCached: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "offline_cached_total",
			Help:      "Messages parked in an offline cache",
		}, []string{"cache"}),
		OfflineDrained: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "offline_drained_total",
			Help:      "Messages drained from an offline cache at login",
		}, []string{"cache"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionUp records an accepted connection.
func (m *Metrics) ConnectionUp() {
	if m == nil {
		return
	}

	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

// ConnectionDown records a destroyed connection.
func (m *Metrics) ConnectionDown() {
	if m == nil {
		return
	}

	m.ActiveConnections.Dec()
}

// HighWaterMark records a backpressure signal.
func (m *Metrics) HighWaterMark() {
	if m == nil {
		return
	}

	m.HighWaterMarkHits.Inc()
}

// FrameIn records a decoded inbound frame.
func (m *Metrics) FrameIn() {
	if m == nil {
		return
	}

	m.FramesTotal.WithLabelValues("in").Inc()
}

// FrameOut records an encoded outbound frame.
func (m *Metrics) FrameOut() {
	if m == nil {
		return
	}

	m.FramesTotal.WithLabelValues("out").Inc()
}

// ProtocolError records a connection closed for a protocol violation.
func (m *Metrics) ProtocolError(reason string) {
	if m == nil {
		return
	}

	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

// SessionAdded records a registered session.
func (m *Metrics) SessionAdded() {
	if m == nil {
		return
	}

	m.ActiveSessions.Inc()
}

// SessionRemoved records an unregistered session.
func (m *Metrics) SessionRemoved() {
	if m == nil {
		return
	}

	m.ActiveSessions.Dec()
}

// Login records a login attempt; result is "ok" or the failure reason.
func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}

	m.LoginsTotal.WithLabelValues(result).Inc()
}

// Kick records a session invalidated by a newer login.
func (m *Metrics) Kick() {
	if m == nil {
		return
	}

	m.KicksTotal.Inc()
}

// OfflineCache records n messages parked in cache.
func (m *Metrics) OfflineCache(cache string, n int) {
	if m == nil || n <= 0 {
		return
	}

	m.OfflineCached.WithLabelValues(cache).Add(float64(n))
}

// OfflineDrain records n messages drained from cache.
func (m *Metrics) OfflineDrain(cache string, n int) {
	if m == nil || n <= 0 {
		return
	}

	m.OfflineDrained.WithLabelValues(cache).Add(float64(n))
}
