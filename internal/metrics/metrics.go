// Package metrics holds the Prometheus instrumentation shared across the
// orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all collectors on one registry.
type Metrics struct {
	Registry *prometheus.Registry

	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec
	BreakerState  *prometheus.GaugeVec
	Incidents     *prometheus.CounterVec
	PurgedRecords *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitemedic_jobs_completed_total",
			Help: "Jobs completed successfully, by queue and job name.",
		}, []string{"queue", "job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitemedic_jobs_failed_total",
			Help: "Jobs that exhausted their attempts, by queue and job name.",
		}, []string{"queue", "job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitemedic_job_duration_seconds",
			Help:    "Job handler duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"queue", "job"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitemedic_queue_depth",
			Help: "Per-queue counts by state (waiting, active, delayed, failed).",
		}, []string{"queue", "state"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitemedic_breaker_state",
			Help: "Circuit breaker state per key: 0 closed, 1 open, 2 half-open.",
		}, []string{"key"}),
		Incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitemedic_incidents_total",
			Help: "Incident terminal outcomes by result (fixed, escalated, denied).",
		}, []string{"result"}),
		PurgedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitemedic_purged_records_total",
			Help: "Rows purged by the retention coordinator, per table.",
		}, []string{"table"}),
	}
	m.Registry.MustRegister(
		m.JobsCompleted, m.JobsFailed, m.JobDuration,
		m.QueueDepth, m.BreakerState,
		m.Incidents, m.PurgedRecords,
	)
	return m
}

// ObserveJobCompleted is the queue completion hook.
func (m *Metrics) ObserveJobCompleted(queue, job string, d time.Duration) {
	m.JobsCompleted.WithLabelValues(queue, job).Inc()
	m.JobDuration.WithLabelValues(queue, job).Observe(d.Seconds())
}

// ObserveJobFailed is the queue failure hook.
func (m *Metrics) ObserveJobFailed(queue, job string) {
	m.JobsFailed.WithLabelValues(queue, job).Inc()
}

// SetBreakerState is the breaker transition hook.
func (m *Metrics) SetBreakerState(key string, state int) {
	m.BreakerState.WithLabelValues(key).Set(float64(state))
}
