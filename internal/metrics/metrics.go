// Package metrics collects and exposes Prometheus metrics for the job
// queue's full lifecycle, following the teacher's internal/metrics.Collector
// shape.
//
// Metric categories (every registered name carries a "kueue_" prefix):
//
//  1. Counters (cumulative, monotonically increasing):
//     - jobs_promoted_total, jobs_dispatched_total, jobs_completed_total,
//       jobs_failed_total, jobs_retried_total, jobs_cancelled_total,
//       jobs_repeated_total
//
//  2. Histogram:
//     - job_latency_seconds: dispatch-to-completion latency
//
//  3. Gauges (instantaneous):
//     - jobs_waiting, jobs_ready, jobs_running
//
// Exposed via /metrics, scraped by Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one scheduler instance.
type Collector struct {
	jobsPromoted   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsCancelled  prometheus.Counter
	jobsRepeated   prometheus.Counter

	jobLatency prometheus.Histogram

	jobsWaiting prometheus.Gauge
	jobsReady   prometheus.Gauge
	jobsRunning prometheus.Gauge
}

// NewCollector builds a Collector and registers its metrics against reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated from the
// global default registry; the server command in internal/cli passes its
// own fresh registry too and serves it via StartServer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kueue_jobs_promoted_total",
			Help: "Total number of jobs promoted from waiting to ready",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kueue_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kueue_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kueue_jobs_failed_total",
			Help: "Total number of jobs failed terminally (fatal, or retry budget exhausted)",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kueue_jobs_retried_total",
			Help: "Total number of failed attempts that were retried",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kueue_jobs_cancelled_total",
			Help: "Total number of jobs cancelled, directly or via cascade",
		}),
		jobsRepeated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kueue_jobs_repeated_total",
			Help: "Total number of repeat siblings spawned on completion",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kueue_job_latency_seconds",
			Help:    "Dispatch-to-completion latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kueue_jobs_waiting",
			Help: "Current number of jobs in the waiting state",
		}),
		jobsReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kueue_jobs_ready",
			Help: "Current number of jobs in the ready state",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kueue_jobs_running",
			Help: "Current number of jobs in the running state",
		}),
	}

	reg.MustRegister(
		c.jobsPromoted, c.jobsDispatched, c.jobsCompleted, c.jobsFailed,
		c.jobsRetried, c.jobsCancelled, c.jobsRepeated,
		c.jobLatency,
		c.jobsWaiting, c.jobsReady, c.jobsRunning,
	)

	return c
}

// RecordPromoted records a waiting->ready promotion.
func (c *Collector) RecordPromoted() { c.jobsPromoted.Inc() }

// RecordDispatched records a ready->running dispatch.
func (c *Collector) RecordDispatched() { c.jobsDispatched.Inc() }

// RecordCompleted records a successful completion and its
// dispatch-to-completion latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed records a terminal failure: a fatal one, or one that
// exhausted the job's retry budget.
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// RecordRetried records a failed attempt that was retried rather than
// terminally failed.
func (c *Collector) RecordRetried() { c.jobsRetried.Inc() }

// RecordCancelled records one job transitioning to cancelled, whether by
// direct request or as part of a cascade.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// RecordRepeated records a repeat sibling spawned on completion.
func (c *Collector) RecordRepeated() { c.jobsRepeated.Inc() }

// SetQueueDepths updates the current waiting/ready/running gauges. Callers
// (typically the promotion loop) are expected to call this on every tick
// rather than incrementally, since the true counts live in the record
// store, not in the Collector.
func (c *Collector) SetQueueDepths(waiting, ready, running int) {
	c.jobsWaiting.Set(float64(waiting))
	c.jobsReady.Set(float64(ready))
	c.jobsRunning.Set(float64(running))
}

// StartServer starts a Prometheus metrics HTTP server on port, serving
// gatherer's families at /metrics.
func StartServer(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
