// ============================================================================
// Beaver Scheduler - Prometheus Metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Counters, gauges and histograms for the job stores and the
//          scheduler loop.
//
// Metrics:
//   Counters:
//     - scheduler_jobs_created_total         jobs created by CreateJob
//     - scheduler_jobs_saved_total           successful SaveJobDetails calls
//     - scheduler_jobs_deleted_total         jobs removed by DeleteJob
//     - scheduler_concurrency_conflicts_total stale or deleted saves
//     - scheduler_jobs_orphaned_total        Running jobs moved to Orphaned
//     - scheduler_poll_errors_total          swallowed watcher/lease errors
//     - scheduler_job_executions_total{result}
//   Histogram:
//     - scheduler_job_duration_seconds
//   Gauges:
//     - scheduler_jobs_running
//     - scheduler_registered_schedulers
//
// All Record methods are nil-safe so components can run without metrics.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scheduler's Prometheus collectors.
type Collector struct {
	jobsCreated   prometheus.Counter
	jobsSaved     prometheus.Counter
	jobsDeleted   prometheus.Counter
	conflicts     prometheus.Counter
	jobsOrphaned  prometheus.Counter
	pollErrors    *prometheus.CounterVec
	executions    *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	jobsRunning   prometheus.Gauge
	registrations prometheus.Gauge
}

// NewCollector creates the collectors and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		jobsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_saved_total",
			Help: "Total number of successful job detail saves",
		}),
		jobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_deleted_total",
			Help: "Total number of jobs deleted",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_concurrency_conflicts_total",
			Help: "Total number of saves rejected because the job was concurrently modified",
		}),
		jobsOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_jobs_orphaned_total",
			Help: "Total number of running jobs marked orphaned",
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_poll_errors_total",
			Help: "Total number of storage errors swallowed by background loops",
		}, []string{"loop"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_job_executions_total",
			Help: "Total number of finished job executions",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_jobs_running",
			Help: "Current number of jobs executing in this process",
		}),
		registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_registered_schedulers",
			Help: "Current number of scheduler registrations held by this process",
		}),
	}

	reg.MustRegister(
		c.jobsCreated,
		c.jobsSaved,
		c.jobsDeleted,
		c.conflicts,
		c.jobsOrphaned,
		c.pollErrors,
		c.executions,
		c.jobDuration,
		c.jobsRunning,
		c.registrations,
	)
	return c
}

func (c *Collector) RecordCreated() {
	if c != nil {
		c.jobsCreated.Inc()
	}
}

func (c *Collector) RecordSaved() {
	if c != nil {
		c.jobsSaved.Inc()
	}
}

func (c *Collector) RecordDeleted() {
	if c != nil {
		c.jobsDeleted.Inc()
	}
}

func (c *Collector) RecordConflict() {
	if c != nil {
		c.conflicts.Inc()
	}
}

func (c *Collector) RecordOrphaned(n int) {
	if c != nil && n > 0 {
		c.jobsOrphaned.Add(float64(n))
	}
}

// RecordPollError counts an error swallowed by the named background loop.
func (c *Collector) RecordPollError(loop string) {
	if c != nil {
		c.pollErrors.WithLabelValues(loop).Inc()
	}
}

// JobStarted bumps the running gauge.
func (c *Collector) JobStarted() {
	if c != nil {
		c.jobsRunning.Inc()
	}
}

// JobFinished records the outcome of one execution.
func (c *Collector) JobFinished(succeeded bool, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsRunning.Dec()
	result := "failure"
	if succeeded {
		result = "success"
	}
	c.executions.WithLabelValues(result).Inc()
	c.jobDuration.Observe(d.Seconds())
}

func (c *Collector) SetRegistrations(n int) {
	if c != nil {
		c.registrations.Set(float64(n))
	}
}

// Handler serves the metrics of the given gatherer, or the default one
// when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
