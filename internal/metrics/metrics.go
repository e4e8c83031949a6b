// Package metrics exposes engine counters through Prometheus on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridsync/internal/util"
)

// Collector holds every gridsync metric. A nil *Collector is valid and
// records nothing, so tests and the one-shot CLI can skip metrics.
type Collector struct {
	registry *prometheus.Registry

	windows        *prometheus.CounterVec
	requests       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	rowsInserted   *prometheus.CounterVec
	rowsSkipped    *prometheus.CounterVec
	quarantined    *prometheus.CounterVec
	windowDuration *prometheus.HistogramVec
	lastSuccess    *prometheus.GaugeVec
}

// NewCollector creates and registers the collectors. When limiter is
// non-nil its counters are exported as gauge functions.
func NewCollector(limiter *util.RateLimiter) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_windows_total",
			Help: "Windows processed, by dataset and final status",
		}, []string{"dataset", "status"}),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_upstream_requests_total",
			Help: "Upstream requests, by source and outcome class",
		}, []string{"source", "class"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_upstream_retries_total",
			Help: "Upstream request retries, by source",
		}, []string{"source"}),

		rowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_rows_inserted_total",
			Help: "Rows merged into the destination",
		}, []string{"dataset"}),

		rowsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_rows_skipped_total",
			Help: "Records dropped by the deduplicator",
		}, []string{"dataset"}),

		quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_records_quarantined_total",
			Help: "Malformed records excluded by the normalizer",
		}, []string{"dataset"}),

		windowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridsync_window_duration_seconds",
			Help:    "Time from window start to ledger update",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"dataset"}),

		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridsync_last_success_timestamp_seconds",
			Help: "Unix time of the last window that reached success",
		}, []string{"dataset"}),
	}

	registry.MustRegister(
		c.windows, c.requests, c.retries, c.rowsInserted, c.rowsSkipped,
		c.quarantined, c.windowDuration, c.lastSuccess,
	)

	if limiter != nil {
		registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "gridsync_ratelimit_tokens_total",
				Help: "Tokens granted by the shared upstream rate limiter",
			}, func() float64 { return float64(limiter.Granted()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "gridsync_ratelimit_wait_seconds_total",
				Help: "Cumulative time workers spent waiting for a token",
			}, func() float64 { return limiter.Waited().Seconds() }),
		)
	}
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest implements fetch.Observer.
func (c *Collector) ObserveRequest(source, class string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(source, class).Inc()
}

// ObserveRetry implements fetch.Observer.
func (c *Collector) ObserveRetry(source string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(source).Inc()
}

// ObserveWindow records the outcome of one window.
func (c *Collector) ObserveWindow(dataset, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.windows.WithLabelValues(dataset, status).Inc()
	c.windowDuration.WithLabelValues(dataset).Observe(elapsed.Seconds())
	if status == "success" || status == "empty" {
		c.lastSuccess.WithLabelValues(dataset).SetToCurrentTime()
	}
}

// ObserveRows records dedup and merge counts for a window.
func (c *Collector) ObserveRows(dataset string, inserted, skipped, quarantined int) {
	if c == nil {
		return
	}
	c.rowsInserted.WithLabelValues(dataset).Add(float64(inserted))
	c.rowsSkipped.WithLabelValues(dataset).Add(float64(skipped))
	c.quarantined.WithLabelValues(dataset).Add(float64(quarantined))
}
