// Package metrics collects Prometheus metrics for job orchestration and the live channel.
//
// Every Record method is safe on a nil *Collector, so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storyforge"

// Collector Prometheus metrics collector
type Collector struct {
	registry *prometheus.Registry

	// jobs
	jobsDispatched *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobConflicts   *prometheus.CounterVec
	jobsRequeued   prometheus.Counter
	jobDuration    *prometheus.HistogramVec

	// aggregate writes
	casRetries *prometheus.CounterVec

	// live channel
	liveSubscribers prometheus.Gauge
	liveEvents      *prometheus.CounterVec
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of generation jobs dispatched",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of generation jobs completed successfully",
		}, []string{"type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of generation jobs failed, by error kind",
		}, []string{"type", "kind"}),
		jobConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_conflicts_total",
			Help:      "Dispatches rejected because a job was already in progress",
		}, []string{"type"}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Pending jobs re-enqueued by the reconciler",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"type"}),
		casRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_retries_total",
			Help:      "Compare-and-set write retries caused by concurrent writers",
		}, []string{"collection"}),
		liveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscribers",
			Help:      "Currently connected live update subscribers",
		}),
		liveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_total",
			Help:      "Events emitted on live update channels",
		}, []string{"event"}),
	}

	c.registry.MustRegister(
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobConflicts,
		c.jobsRequeued,
		c.jobDuration,
		c.casRetries,
		c.liveSubscribers,
		c.liveEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) RecordDispatch(jobType string) {
	if c == nil {
		return
	}
	c.jobsDispatched.WithLabelValues(jobType).Inc()
}

func (c *Collector) RecordConflict(jobType string) {
	if c == nil {
		return
	}
	c.jobConflicts.WithLabelValues(jobType).Inc()
}

func (c *Collector) RecordCompletion(jobType string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsCompleted.WithLabelValues(jobType).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (c *Collector) RecordFailure(jobType, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsFailed.WithLabelValues(jobType, kind).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (c *Collector) RecordRequeue() {
	if c == nil {
		return
	}
	c.jobsRequeued.Inc()
}

func (c *Collector) RecordCASRetry(collection string) {
	if c == nil {
		return
	}
	c.casRetries.WithLabelValues(collection).Inc()
}

func (c *Collector) SubscriberConnected() {
	if c == nil {
		return
	}
	c.liveSubscribers.Inc()
}

func (c *Collector) SubscriberDisconnected() {
	if c == nil {
		return
	}
	c.liveSubscribers.Dec()
}

func (c *Collector) RecordLiveEvent(event string) {
	if c == nil {
		return
	}
	c.liveEvents.WithLabelValues(event).Inc()
}
