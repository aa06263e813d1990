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

	// Authorization guard metrics
	GuardDecisionsTotal *prometheus.CounterVec
	GuardBypassTotal    prometheus.Counter

	// Approval workflow metrics
	ApprovalsCreatedTotal *prometheus.CounterVec
	ApprovalsDecidedTotal *prometheus.CounterVec
	ApprovalsPending      prometheus.Gauge

	// Audit metrics
	AuditWritesTotal *prometheus.CounterVec

	// Storage metrics
	StorageRetriesTotal *prometheus.CounterVec

	// Database pool metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystone_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_guard_decisions_total",
				Help: "Authorization guard decisions by resource and outcome",
			},
			[]string{"resource", "decision"},
		),
		GuardBypassTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keystone_guard_superadmin_bypass_total",
				Help: "Authorization decisions granted through the super admin bypass",
			},
		),
		ApprovalsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_approvals_created_total",
				Help: "Approval requests created by mutation type",
			},
			[]string{"type"},
		),
		ApprovalsDecidedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_approvals_decided_total",
				Help: "Approval requests decided by outcome",
			},
			[]string{"outcome"},
		),
		ApprovalsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keystone_approvals_pending",
				Help: "Current number of pending approval requests",
			},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_audit_writes_total",
				Help: "Audit entries written by decision and write status",
			},
			[]string{"decision", "status"},
		),
		StorageRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystone_storage_retries_total",
				Help: "Transient storage errors retried by operation",
			},
			[]string{"operation"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keystone_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keystone_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GuardDecisionsTotal,
		m.GuardBypassTotal,
		m.ApprovalsCreatedTotal,
		m.ApprovalsDecidedTotal,
		m.ApprovalsPending,
		m.AuditWritesTotal,
		m.StorageRetriesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics from the registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
