package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	InstancesCreatedTotal *prometheus.CounterVec
	TransitionsTotal      *prometheus.CounterVec
	DecisionsTotal        *prometheus.CounterVec
	ConflictsTotal        *prometheus.CounterVec
	ValidationFailures    *prometheus.CounterVec

	// Store metrics
	TxDuration        *prometheus.HistogramVec
	AllocatorDuration prometheus.Histogram
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringi_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ringi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringi_instances_created_total",
			Help: "Total workflow instances created.",
		}, []string{"definition_id"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringi_instance_transitions_total",
			Help: "Total committed instance status transitions.",
		}, []string{"to_status"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringi_step_decisions_total",
			Help: "Total step decisions recorded.",
		}, []string{"decision"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringi_write_conflicts_total",
			Help: "Total optimistic concurrency conflicts surfaced.",
		}, []string{"operation"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringi_validation_failures_total",
			Help: "Total submissions rejected before any write.",
		}, []string{"operation"}),

		TxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ringi_store_tx_duration_seconds",
			Help:    "Tenant-scoped transaction duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"operation"}),
		AllocatorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringi_display_id_allocation_duration_seconds",
			Help:    "Display id allocation duration in seconds.",
			Buckets: storeDurationBuckets,
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstancesCreatedTotal,
		m.TransitionsTotal,
		m.DecisionsTotal,
		m.ConflictsTotal,
		m.ValidationFailures,
		m.TxDuration,
		m.AllocatorDuration,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records a committed instance status transition.
func (m *Metrics) RecordTransition(toStatus string) {
	m.TransitionsTotal.WithLabelValues(toStatus).Inc()
}

// RecordDecision records a committed step decision.
func (m *Metrics) RecordDecision(decision string) {
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordConflict records a surfaced optimistic concurrency conflict.
func (m *Metrics) RecordConflict(operation string) {
	m.ConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordValidationFailure records a submission rejected before any write.
func (m *Metrics) RecordValidationFailure(operation string) {
	m.ValidationFailures.WithLabelValues(operation).Inc()
}
