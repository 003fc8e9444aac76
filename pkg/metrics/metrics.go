// Package metrics exposes engine and HTTP metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipestudio"

// Collector owns a private Prometheus registry. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	NodeExecutions      *prometheus.CounterVec
	NodeDuration        *prometheus.HistogramVec
	RunTransitions      *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	SlotHeld            prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		NodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node executor invocations by outcome",
		}, []string{"executor", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node executor invocations in seconds",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"executor"}),
		RunTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions by target status",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of runs waiting in the queue",
		}),
		SlotHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_slot_held",
			Help:      "1 when a run holds the running slot",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		c.NodeExecutions,
		c.NodeDuration,
		c.RunTransitions,
		c.QueueDepth,
		c.SlotHeld,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)

	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler that serves the metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordNode(executor, status string, duration time.Duration) {
	if c == nil {
		return
	}

	c.NodeExecutions.WithLabelValues(executor, status).Inc()
	c.NodeDuration.WithLabelValues(executor).Observe(duration.Seconds())
}

func (c *Collector) RecordRunStatus(status string) {
	if c == nil {
		return
	}

	c.RunTransitions.WithLabelValues(status).Inc()
}

// SetQueue records the queue depth and whether the slot is held.
func (c *Collector) SetQueue(depth int, slotHeld bool) {
	if c == nil {
		return
	}

	c.QueueDepth.Set(float64(depth))

	if slotHeld {
		c.SlotHeld.Set(1)
	} else {
		c.SlotHeld.Set(0)
	}
}

func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}

	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
