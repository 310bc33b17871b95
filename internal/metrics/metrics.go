// Package metrics aggregates the Prometheus instrumentation for the job
// engine: queue depth, in-flight work, per-kind outcome counters, and job
// duration distribution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the engine's Prometheus metrics. Each Collector carries its
// own registry so multiple instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec

	jobDuration *prometheus.HistogramVec

	queueDepth   prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector creates and registers the engine metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioengine_jobs_submitted_total",
			Help: "Total number of jobs submitted, by kind",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioengine_jobs_completed_total",
			Help: "Total number of jobs completed successfully, by kind",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioengine_jobs_failed_total",
			Help: "Total number of jobs that ended in failure, by kind",
		}, []string{"kind"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioengine_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before or during execution, by kind",
		}, []string{"kind"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioengine_job_retries_total",
			Help: "Total number of retry attempts, by kind",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bioengine_job_duration_seconds",
			Help:    "Wall-clock job execution time in seconds, by kind",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bioengine_queue_depth",
			Help: "Number of jobs admitted but not yet running",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bioengine_jobs_in_flight",
			Help: "Number of jobs currently executing",
		}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsRetried,
		c.jobDuration,
		c.queueDepth,
		c.jobsInFlight,
	)
	return c
}

// Handler returns the HTTP handler serving the collector's registry in
// Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordSubmitted(kind string) {
	c.jobsSubmitted.WithLabelValues(kind).Inc()
	c.queueDepth.Inc()
}

// RecordStarted moves a job from the queue gauge to the in-flight gauge.
func (c *Collector) RecordStarted() {
	c.queueDepth.Dec()
	c.jobsInFlight.Inc()
}

// RecordDequeued drops a job from the queue gauge without starting it, as
// happens when a queued job is cancelled.
func (c *Collector) RecordDequeued() {
	c.queueDepth.Dec()
}

func (c *Collector) RecordCompleted(kind string, seconds float64) {
	c.jobsInFlight.Dec()
	c.jobsCompleted.WithLabelValues(kind).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(seconds)
}

func (c *Collector) RecordFailed(kind string, seconds float64) {
	c.jobsInFlight.Dec()
	c.jobsFailed.WithLabelValues(kind).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(seconds)
}

func (c *Collector) RecordCancelled(kind string, running bool) {
	if running {
		c.jobsInFlight.Dec()
	}
	c.jobsCancelled.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordRetry(kind string) {
	c.jobsRetried.WithLabelValues(kind).Inc()
}
