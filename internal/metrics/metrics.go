// Package metrics exposes broker-wide Prometheus metrics: item throughput,
// queue depth, cache performance, rate-limit decisions, and hook failures.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns the Prometheus vectors the broker updates as it
// processes items. A fresh Collector uses its own registry so tests can
// create independent instances without colliding on the default
// registry's global state.
type Collector struct {
	registry *prometheus.Registry

	itemsProcessed *prometheus.CounterVec // labels: queueId, outcome
	itemDuration   *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec // labels: queueId
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	rateLimitDeny  *prometheus.CounterVec // labels: queueId, window
	hookErrors     *prometheus.CounterVec // labels: hookType
	retryAttempts  *prometheus.CounterVec // labels: queueId, outcome
}

// NewCollector builds a Collector registered against a dedicated registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qm_items_processed_total",
			Help: "Items popped from a queue by outcome (completed, failed, timed_out).",
		}, []string{"queueId", "outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qm_item_duration_seconds",
			Help:    "Time from pop to completion/failure for a processed item.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queueId"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qm_queue_depth",
			Help: "Current item count for a queue.",
		}, []string{"queueId"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qm_cache_hits_total",
			Help: "Cache hits by cache kind (queue, items).",
		}, []string{"kind"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qm_cache_misses_total",
			Help: "Cache misses by cache kind (queue, items).",
		}, []string{"kind"}),
		rateLimitDeny: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qm_rate_limit_denied_total",
			Help: "Rate limit denials by queue and window.",
		}, []string{"queueId", "window"}),
		hookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qm_hook_errors_total",
			Help: "Hook invocation failures by hook type.",
		}, []string{"hookType"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qm_retry_attempts_total",
			Help: "Retry attempts by queue and outcome (success, failed, attempt).",
		}, []string{"queueId", "outcome"}),
	}

	reg.MustRegister(c.itemsProcessed, c.itemDuration, c.queueDepth, c.cacheHits, c.cacheMisses, c.rateLimitDeny, c.hookErrors, c.retryAttempts)
	return c
}

// Registry exposes the underlying Prometheus registry for an HTTP handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordItemCompleted(queueID string, duration time.Duration) {
	c.itemsProcessed.WithLabelValues(queueID, "completed").Inc()
	c.itemDuration.WithLabelValues(queueID).Observe(duration.Seconds())
}

func (c *Collector) RecordItemFailed(queueID string, duration time.Duration) {
	c.itemsProcessed.WithLabelValues(queueID, "failed").Inc()
	c.itemDuration.WithLabelValues(queueID).Observe(duration.Seconds())
}

func (c *Collector) RecordItemTimedOut(queueID string) {
	c.itemsProcessed.WithLabelValues(queueID, "timed_out").Inc()
}

func (c *Collector) RecordQueueDepth(queueID string, depth int64) {
	c.queueDepth.WithLabelValues(queueID).Set(float64(depth))
}

func (c *Collector) RecordCacheHit(kind string)  { c.cacheHits.WithLabelValues(kind).Inc() }
func (c *Collector) RecordCacheMiss(kind string) { c.cacheMisses.WithLabelValues(kind).Inc() }

func (c *Collector) RecordRateLimitDenied(queueID, window string) {
	c.rateLimitDeny.WithLabelValues(queueID, window).Inc()
}

func (c *Collector) RecordHookError(hookType string) {
	c.hookErrors.WithLabelValues(hookType).Inc()
}

func (c *Collector) RecordRetryAttempt(queueID, outcome string) {
	c.retryAttempts.WithLabelValues(queueID, outcome).Inc()
}

var (
	defaultCollector *Collector
	once             sync.Once
)

// Default returns the process-wide collector, lazily constructed.
func Default() *Collector {
	once.Do(func() { defaultCollector = NewCollector() })
	return defaultCollector
}
