// ============================================================================
// offloadpool Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: collect and expose Prometheus metrics for a Pool.
//
// Relabeled from the teacher's job-queue metrics (internal/metrics/metrics.go)
// onto submission/worker vocabulary: jobs_* counters become submissions_*,
// job_latency_seconds becomes submission_latency_seconds, and
// jobs_pending/jobs_in_flight become submissions_pending plus a new
// workers_alive gauge this pool's worker-process model needs that the
// teacher's goroutine pool did not.
//
// Unlike the teacher, each Collector owns its own prometheus.Registry
// instead of registering onto the global default registry — a Pool (and
// its tests) may construct more than one Collector in the same process,
// which would otherwise panic on duplicate registration.
//
// ============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric a Pool reports.
type Collector struct {
	registry *prometheus.Registry

	submissionsTotal      prometheus.Counter
	submissionsCompleted  prometheus.Counter
	submissionsFailed     prometheus.Counter
	submissionsCancelled  prometheus.Counter
	workerCrashes         prometheus.Counter
	streamValuesEmitted   prometheus.Counter

	submissionLatency prometheus.Histogram

	submissionsPending prometheus.Gauge
	workersAlive       prometheus.Gauge
}

// New constructs a Collector with its own registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.submissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offloadpool_submissions_total",
		Help: "Total number of submissions accepted by the pool.",
	})
	c.submissionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offloadpool_submissions_completed_total",
		Help: "Total number of submissions that completed successfully.",
	})
	c.submissionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offloadpool_submissions_failed_total",
		Help: "Total number of submissions that failed.",
	})
	c.submissionsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offloadpool_submissions_cancelled_total",
		Help: "Total number of submissions that were cancelled.",
	})
	c.workerCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offloadpool_worker_crashes_total",
		Help: "Total number of worker processes that exited unexpectedly.",
	})
	c.streamValuesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offloadpool_stream_values_emitted_total",
		Help: "Total number of values emitted by streaming submissions.",
	})
	c.submissionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offloadpool_submission_latency_seconds",
		Help:    "Wall-clock time from Submit to a submission's terminal frame.",
		Buckets: prometheus.DefBuckets,
	})
	c.submissionsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offloadpool_submissions_pending",
		Help: "Current number of submissions queued, assigned, or running.",
	})
	c.workersAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offloadpool_workers_alive",
		Help: "Current number of worker processes believed alive.",
	})

	c.registry.MustRegister(
		c.submissionsTotal,
		c.submissionsCompleted,
		c.submissionsFailed,
		c.submissionsCancelled,
		c.workerCrashes,
		c.streamValuesEmitted,
		c.submissionLatency,
		c.submissionsPending,
		c.workersAlive,
	)

	return c
}

// Registry returns the Collector's private prometheus.Registry, for
// internal/httpapi to build a handler from.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RecordSubmitted records one accepted submission.
func (c *Collector) RecordSubmitted() { c.submissionsTotal.Inc() }

// RecordCompleted records a successful terminal frame with its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.submissionsCompleted.Inc()
	c.submissionLatency.Observe(latencySeconds)
}

// RecordFailed records a failed terminal frame.
func (c *Collector) RecordFailed() { c.submissionsFailed.Inc() }

// RecordCancelled records a cancelled terminal frame.
func (c *Collector) RecordCancelled() { c.submissionsCancelled.Inc() }

// RecordWorkerCrash records an unexpected worker process exit.
func (c *Collector) RecordWorkerCrash() { c.workerCrashes.Inc() }

// RecordStreamValue records one value emitted by a streaming submission.
func (c *Collector) RecordStreamValue() { c.streamValuesEmitted.Inc() }

// SetPending sets the current pending-submission gauge.
func (c *Collector) SetPending(n int) { c.submissionsPending.Set(float64(n)) }

// SetWorkersAlive sets the current live-worker-count gauge.
func (c *Collector) SetWorkersAlive(n int) { c.workersAlive.Set(float64(n)) }
