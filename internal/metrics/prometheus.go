// Package metrics provides Prometheus metrics for the tunnel daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the tunnel daemon.
type Metrics struct {
	// Tunnel device metrics
	TunnelCreations     *prometheus.CounterVec
	TunnelFastPath      prometheus.Counter
	TunnelStaleMarks    prometheus.Counter
	DescriptorsReleased prometheus.Counter
	DescriptorsActive   prometheus.Gauge
	TunnelUpWait        prometheus.Histogram
	BypassCalls         *prometheus.CounterVec

	// Connectivity metrics
	ConnectivityTransitions *prometheus.CounterVec
	Connected               prometheus.Gauge
	AvailableNetworks       prometheus.Gauge
	BridgeNotifications     prometheus.Counter
	ObserverDrops           prometheus.Counter

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Tunnel device metrics
	m.TunnelCreations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_tunnel_creations_total",
			Help: "Total number of tunnel device creation attempts by result",
		},
		[]string{"result"},
	)

	m.TunnelFastPath = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_tunnel_reused_total",
			Help: "Total number of tunnel requests served by the already open device",
		},
	)

	m.TunnelStaleMarks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_tunnel_stale_marks_total",
			Help: "Total number of times the tunnel device was marked stale",
		},
	)

	m.DescriptorsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_tunnel_descriptors_released_total",
			Help: "Total number of tunnel descriptors released",
		},
	)

	m.DescriptorsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_tunnel_descriptors_active",
			Help: "Number of open tunnel descriptors owned by the manager (0 or 1)",
		},
	)

	m.TunnelUpWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bifrost_tunnel_up_wait_seconds",
			Help:    "Time spent waiting for a new tunnel device to become routable",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)

	m.BypassCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_tunnel_bypass_total",
			Help: "Total number of socket bypass requests by outcome",
		},
		[]string{"outcome"},
	)

	// Connectivity metrics
	m.ConnectivityTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_connectivity_transitions_total",
			Help: "Total number of connectivity state transitions",
		},
		[]string{"state"},
	)

	m.Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_connectivity_connected",
			Help: "Whether any usable network is available (1 = yes, 0 = no)",
		},
	)

	m.AvailableNetworks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_connectivity_available_networks",
			Help: "Number of tracked usable networks",
		},
	)

	m.BridgeNotifications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_connectivity_bridge_notifications_total",
			Help: "Total number of connectivity changes forwarded to the tunnel engine",
		},
	)

	m.ObserverDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_connectivity_observer_drops_total",
			Help: "Total number of connectivity events dropped for slow observers",
		},
	)

	// System metrics
	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_goroutines",
			Help: "Number of goroutines",
		},
	)

	// Register all metrics
	m.registry.MustRegister(
		m.TunnelCreations,
		m.TunnelFastPath,
		m.TunnelStaleMarks,
		m.DescriptorsReleased,
		m.DescriptorsActive,
		m.TunnelUpWait,
		m.BypassCalls,
		m.ConnectivityTransitions,
		m.Connected,
		m.AvailableNetworks,
		m.BridgeNotifications,
		m.ObserverDrops,
		m.Uptime,
		m.GoRoutines,
	)

	// Register default Go metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
