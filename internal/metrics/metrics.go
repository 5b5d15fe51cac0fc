// Package metrics exposes gateway activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dwebgate"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the gateway's collectors and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	stageDuration   *prometheus.HistogramVec
	guestDuration   prometheus.Histogram
	moduleBytes     prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	reloads         *prometheus.CounterVec
}

// NewCollector registers the gateway collectors, plus the Go and process
// collectors, on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by final stage, failure kind and status code.",
		}, []string{"stage", "kind", "status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End to end request latency.",
			Buckets:   DefaultBuckets,
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   DefaultBuckets,
		}, []string{"stage"}),
		guestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guest_execution_seconds",
			Help:      "Time spent inside the guest entry point.",
			Buckets:   DefaultBuckets,
		}),
		moduleBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_size_bytes",
			Help:      "Size of modules fetched from the content store.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-host rate limiter.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		c.requests, c.requestDuration, c.stageDuration, c.guestDuration,
		c.moduleBytes, c.cacheLookups, c.rateLimited, c.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a finished request. kind is empty on success.
func (c *Collector) RecordRequest(stage, kind string, status int, d time.Duration) {
	if kind == "" {
		kind = "none"
	}
	c.requests.WithLabelValues(stage, kind, strconv.Itoa(status)).Inc()
	c.requestDuration.Observe(d.Seconds())
}

// ObserveStage records how long one pipeline stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveGuest records time spent executing guest code.
func (c *Collector) ObserveGuest(d time.Duration) {
	c.guestDuration.Observe(d.Seconds())
}

// ObserveModuleSize records the size of a fetched module.
func (c *Collector) ObserveModuleSize(n int) {
	c.moduleBytes.Observe(float64(n))
}

// RecordCacheLookup counts a hit or miss in the named cache.
func (c *Collector) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordRateLimited counts a request rejected with 429.
func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// RecordReload counts a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// ExecutorStats is the subset of worker pool state exported as gauges.
type ExecutorStats struct {
	Workers   int
	Queued    int64
	Running   int64
	Completed int64
	Rejected  int64
}

// RegisterExecutor exports worker pool state sampled from stats at scrape
// time.
func (c *Collector) RegisterExecutor(stats func() ExecutorStats) {
	gauge := func(name, help string, pick func(ExecutorStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      name,
			Help:      help,
		}, func() float64 { return pick(stats()) })
	}
	c.registry.MustRegister(
		gauge("workers", "Configured guest workers.", func(s ExecutorStats) float64 { return float64(s.Workers) }),
		gauge("queued", "Requests waiting for a worker.", func(s ExecutorStats) float64 { return float64(s.Queued) }),
		gauge("running", "Guests currently executing.", func(s ExecutorStats) float64 { return float64(s.Running) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "completed_total",
			Help:      "Guest jobs completed.",
		}, func() float64 { return float64(stats().Completed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "rejected_total",
			Help:      "Guest jobs rejected because no worker was free.",
		}, func() float64 { return float64(stats().Rejected) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
