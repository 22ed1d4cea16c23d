// Package monitor exposes Prometheus metrics and event-driven alerts
// for the execution core.
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument on one private registry, so tests
// can construct independent instances without collector name clashes.
// All record methods are nil-safe; components built without metrics
// simply record nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsProcessed *prometheus.CounterVec
	jobsInflight  prometheus.Gauge
	jobDuration   *prometheus.HistogramVec
	jobRetries    *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	limiterWait     *prometheus.HistogramVec
	limiterFailOpen *prometheus.CounterVec

	tradesRecorded *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		jobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "The total number of submitted jobs.",
		}, []string{"type", "priority"}),

		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "The total number of processed jobs by final status.",
		}, []string{"type", "status"}), // status: completed, retrying, failed

		jobsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_inflight",
			Help: "Jobs currently being handled by workers.",
		}),

		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of job processing.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"type"}),

		jobRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Retries consumed across all jobs.",
		}, []string{"type"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),

		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"name", "to"}),

		limiterWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate limiter tokens.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"venue"}),

		limiterFailOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_failopen_total",
			Help: "Requests allowed because the rate limit store was unavailable.",
		}, []string{"venue"}),

		tradesRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trades_recorded_total",
			Help: "Trade recording outcomes.",
		}, []string{"outcome"}), // executed, already_executed, duplicate_prevented, skipped_regime

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"method", "path", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method", "path"}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobSubmitted counts one enqueue.
func (m *Metrics) JobSubmitted(jobType, priority string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(jobType, priority).Inc()
}

// JobStarted marks a worker picking up a job.
func (m *Metrics) JobStarted(jobType string) {
	if m == nil {
		return
	}
	m.jobsInflight.Inc()
}

// JobFinished marks a worker releasing a job and records its duration.
func (m *Metrics) JobFinished(jobType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsInflight.Dec()
	m.jobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

// JobProcessed counts one outcome decision.
func (m *Metrics) JobProcessed(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, status).Inc()
}

// JobRetried counts one consumed retry.
func (m *Metrics) JobRetried(jobType string) {
	if m == nil {
		return
	}
	m.jobRetries.WithLabelValues(jobType).Inc()
}

// SetBreakerState records a breaker's current state value.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// BreakerTransition counts one state change.
func (m *Metrics) BreakerTransition(name, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, to).Inc()
}

// LimiterWait records time spent blocked on token acquisition.
func (m *Metrics) LimiterWait(venue string, waited time.Duration) {
	if m == nil {
		return
	}
	m.limiterWait.WithLabelValues(venue).Observe(waited.Seconds())
}

// LimiterFailOpen counts one fail-open decision.
func (m *Metrics) LimiterFailOpen(venue string) {
	if m == nil {
		return
	}
	m.limiterFailOpen.WithLabelValues(venue).Inc()
}

// TradeRecorded counts one trade recording outcome.
func (m *Metrics) TradeRecorded(outcome string) {
	if m == nil {
		return
	}
	m.tradesRecorded.WithLabelValues(outcome).Inc()
}

// HTTPRequest records one served API request. path should be the route
// template, not the raw URL, to keep cardinality bounded.
func (m *Metrics) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
