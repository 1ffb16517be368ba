// Package metrics collects Prometheus metrics for the proxy and serves
// them on a dedicated listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/pkg/types"
)

const subsystem = "shield"

// Collector owns every metric the proxy exports.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	staleServed prometheus.Counter

	renderDuration *prometheus.HistogramVec
	renderErrors   *prometheus.CounterVec

	activeRequests prometheus.Gauge

	registerer prometheus.Registerer
	handler    fasthttp.RequestHandler
	logger     *zap.Logger
}

// NewCollector registers the proxy metrics on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.NewRegistry(), logger)
}

// NewCollectorWithRegistry registers on a caller-owned registry; tests use
// this to keep registrations isolated.
func NewCollectorWithRegistry(namespace string, registry *prometheus.Registry, logger *zap.Logger) *Collector {
	c := &Collector{
		registerer: registry,
		logger:     logger,
	}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Requests served, labelled by handling route and response status class",
		},
		[]string{"route", "status"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request handling time",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_hits_total",
		Help:      "Snapshot cache hits",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_misses_total",
		Help:      "Snapshot cache misses",
	})
	c.staleServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stale_served_total",
		Help:      "Stale snapshots served while a background render refreshed them",
	})

	c.renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "render_duration_seconds",
			Help:      "Browser render time per navigation outcome",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
		},
		[]string{"outcome"},
	)

	c.renderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "render_errors_total",
			Help:      "Render failures by error type",
		},
		[]string{"error_type"},
	)

	c.activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_requests",
		Help:      "Requests currently being handled",
	})

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.cacheHits,
		c.cacheMisses,
		c.staleServed,
		c.renderDuration,
		c.renderErrors,
		c.activeRequests,
	)

	c.handler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return c
}

// RecordRequest counts one served request.
func (c *Collector) RecordRequest(route, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, status).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit() { c.cacheHits.Inc() }

func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }

func (c *Collector) RecordStale() { c.staleServed.Inc() }

// RecordRender observes one completed navigation.
func (c *Collector) RecordRender(outcome string, duration time.Duration) {
	c.renderDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *Collector) RecordRenderError(errorType string) {
	c.renderErrors.WithLabelValues(errorType).Inc()
}

func (c *Collector) IncActiveRequests() { c.activeRequests.Inc() }

func (c *Collector) DecActiveRequests() { c.activeRequests.Dec() }

// RegisterQueueMetrics exports the scheduler's queue counters as gauges.
func (c *Collector) RegisterQueueMetrics(namespace string, fn func() types.QueueMetrics) {
	gauge := func(name, help string, value func(types.QueueMetrics) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(fn()) })
	}

	c.registerer.MustRegister(
		gauge("render_queue_depth", "Jobs waiting for a browser context",
			func(m types.QueueMetrics) float64 { return float64(m.Queued) }),
		gauge("render_processing", "Jobs currently rendering",
			func(m types.QueueMetrics) float64 { return float64(m.Processing) }),
		gauge("render_completed_total", "Jobs completed since start",
			func(m types.QueueMetrics) float64 { return float64(m.Completed) }),
		gauge("render_errors_cumulative", "Jobs failed since start",
			func(m types.QueueMetrics) float64 { return float64(m.Errors) }),
	)
}

// RegisterDroppedEvents exports the async event queue's drop counter.
func (c *Collector) RegisterDroppedEvents(namespace string, fn func() int64) {
	c.registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_dropped_total",
		Help:      "Events discarded by the bounded emitter queue",
	}, func() float64 { return float64(fn()) }))
}

// ServeHTTP exposes the registry in Prometheus text format.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.handler(ctx)
}
