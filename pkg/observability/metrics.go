package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission propagation metrics
	RecalculationsTotal     *prometheus.CounterVec
	RecalculationDuration   *prometheus.HistogramVec
	CascadeNodesTotal       prometheus.Histogram
	CascadeFailuresTotal    *prometheus.CounterVec
	PermissionChecksTotal   *prometheus.CounterVec
	PermissionCacheHits     prometheus.Counter
	PermissionCacheMisses   prometheus.Counter

	// Asset metrics
	AssetSavesTotal       *prometheus.CounterVec
	VersionsCreatedTotal  prometheus.Counter
	SnapshotsCreatedTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdepot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formdepot_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RecalculationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdepot_permission_recalculations_total",
				Help: "Total number of inherited-permission recalculations",
			},
			[]string{"target_kind"},
		),
		RecalculationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formdepot_permission_recalculation_duration_seconds",
				Help:    "Duration of a single node recalculation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target_kind"},
		),
		CascadeNodesTotal: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "formdepot_permission_cascade_nodes",
				Help:    "Number of nodes touched per permission cascade",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		CascadeFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdepot_permission_cascade_failures_total",
				Help: "Total number of per-node failures during cascades",
			},
			[]string{"target_kind"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdepot_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"target_kind", "allowed"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "formdepot_permission_cache_hits_total",
				Help: "Permission check cache hits",
			},
		),
		PermissionCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "formdepot_permission_cache_misses_total",
				Help: "Permission check cache misses",
			},
		),
		AssetSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdepot_asset_saves_total",
				Help: "Total number of asset saves",
			},
			[]string{"kind"},
		),
		VersionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "formdepot_asset_versions_created_total",
				Help: "Total number of asset versions appended",
			},
		),
		SnapshotsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdepot_asset_snapshots_created_total",
				Help: "Total number of snapshots generated",
			},
			[]string{"status"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "formdepot_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "formdepot_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RecalculationsTotal,
		m.RecalculationDuration,
		m.CascadeNodesTotal,
		m.CascadeFailuresTotal,
		m.PermissionChecksTotal,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.AssetSavesTotal,
		m.VersionsCreatedTotal,
		m.SnapshotsCreatedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records a completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
