package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/lesson-sync-api/internal/models"
	"github.com/noah-isme/lesson-sync-api/pkg/jobs"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP edge and the engine.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Histogram
	cacheWrite      prometheus.Histogram
	cacheLookups    *prometheus.CounterVec

	bookingOps        *prometheus.CounterVec
	writeRetries      *prometheus.CounterVec
	consistencyIssues *prometheus.GaugeVec
	repairActions     *prometheus.CounterVec
	cascadeRuns       *prometheus.CounterVec
	cascadeAttempts   prometheus.Histogram
	jobTransitions    *prometheus.CounterVec
	breakerState      prometheus.Gauge
}

// NewMetricsService registers collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	m := &MetricsService{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		cacheLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_latency_seconds",
			Help:    "Latency for cache lookups",
			Buckets: prometheus.DefBuckets,
		}),
		cacheWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_write_seconds",
			Help:    "Latency for cache writes",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),
		bookingOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_operations_total",
			Help: "Slot operations by kind and outcome code",
		}, []string{"operation", "outcome"}),
		writeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "document_write_retries_total",
			Help: "Conditional writes retried after a version conflict",
		}, []string{"collection"}),
		consistencyIssues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consistency_issues",
			Help: "Issues found by the latest detection pass",
		}, []string{"kind"}),
		repairActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consistency_repair_actions_total",
			Help: "Repair actions by kind and result",
		}, []string{"kind", "result"}),
		cascadeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascade_executions_total",
			Help: "Cascade executions by entity type and outcome code",
		}, []string{"entity_type", "outcome"}),
		cascadeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cascade_transaction_attempts",
			Help:    "Transaction attempts needed per cascade",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "background_jobs_total",
			Help: "Background job transitions by type and status",
		}, []string{"type", "status"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "job_breaker_open",
			Help: "1 while the job circuit breaker is open or half open",
		}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(m.requestDuration, m.requestTotal, m.cacheLatency, m.cacheWrite,
		m.cacheLookups, m.bookingOps, m.writeRetries, m.consistencyIssues, m.repairActions, m.cascadeRuns,
		m.cascadeAttempts, m.jobTransitions, m.breakerState, goroutines)

	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Registry exposes the registry so other components can add collectors.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache lookup.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveCacheWrite tracks cache write latency.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordBooking counts a booking operation outcome ("ok" or an error code).
func (m *MetricsService) RecordBooking(operation, outcome string) {
	if m == nil {
		return
	}
	m.bookingOps.WithLabelValues(operation, outcome).Inc()
}

// RecordWriteRetry counts a conditional write lost to a concurrent writer.
func (m *MetricsService) RecordWriteRetry(collection string) {
	if m == nil {
		return
	}
	m.writeRetries.WithLabelValues(collection).Inc()
}

// SetConsistencyIssues publishes per-kind counts of the latest detection.
func (m *MetricsService) SetConsistencyIssues(counts map[models.IssueKind]int) {
	if m == nil {
		return
	}
	for _, kind := range models.IssueKinds {
		m.consistencyIssues.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}
}

// RecordRepairAction counts one planned or applied repair.
func (m *MetricsService) RecordRepairAction(kind models.IssueKind, result string) {
	if m == nil {
		return
	}
	m.repairActions.WithLabelValues(string(kind), result).Inc()
}

// RecordCascade counts a cascade outcome and the attempts it took.
func (m *MetricsService) RecordCascade(entityType models.EntityType, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.cascadeRuns.WithLabelValues(string(entityType), outcome).Inc()
	if attempts > 0 {
		m.cascadeAttempts.Observe(float64(attempts))
	}
}

// RecordJob counts a job status transition.
func (m *MetricsService) RecordJob(jobType models.JobType, status models.JobStatus) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(string(jobType), string(status)).Inc()
}

// SetBreakerState mirrors the job breaker state.
func (m *MetricsService) SetBreakerState(state jobs.BreakerState) {
	if m == nil {
		return
	}
	if state == jobs.BreakerClosed {
		m.breakerState.Set(0)
		return
	}
	m.breakerState.Set(1)
}

// RegisterGaugeFunc exposes a computed gauge, such as queue depth.
func (m *MetricsService) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}
