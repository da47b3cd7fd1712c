// Package prometheus exports the sync server metrics to Prometheus.
package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	docsync "github.com/c0deZ3R0/go-doc-sync"
)

const namespace = "docsync"

// Collector implements docsync.MetricsCollector on a Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	messages     *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	broadcasts   prometheus.Histogram
	conflicts    prometheus.Counter
	rejections   prometheus.Counter
	errors       *prometheus.CounterVec
	connections  prometheus.Gauge
	controllers  prometheus.Gauge
	lastActivity prometheus.Gauge
}

var _ docsync.MetricsCollector = (*Collector)(nil)

// NewCollector registers the metrics on a new registry that also carries the
// Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound protocol messages by type",
		}, []string{"type"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Protocol operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		}, []string{"operation"}),
		broadcasts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients",
			Help:      "Connections reached per accepted update",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "State announcements answered with a full snapshot",
		}),
		rejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Updates rolled back by the coordinator",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed protocol operations by operation and reason",
		}, []string{"operation", "reason"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live client connections",
		}),
		controllers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_loaded",
			Help:      "Documents held in memory",
		}),
		lastActivity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_operation_timestamp_seconds",
			Help:      "Unix time of the last completed protocol operation",
		}),
	}
}

func (c *Collector) RecordMessage(msgType string) {
	c.messages.WithLabelValues(msgType).Inc()
}

func (c *Collector) RecordSyncDuration(op string, d time.Duration) {
	c.durations.WithLabelValues(op).Observe(d.Seconds())
	c.lastActivity.SetToCurrentTime()
}

func (c *Collector) RecordBroadcast(recipients int) {
	c.broadcasts.Observe(float64(recipients))
}

func (c *Collector) RecordConflict() { c.conflicts.Inc() }

func (c *Collector) RecordRejection() { c.rejections.Inc() }

func (c *Collector) RecordSyncErrors(op, reason string) {
	c.errors.WithLabelValues(op, reason).Inc()
}

func (c *Collector) SetConnections(n int) { c.connections.Set(float64(n)) }

func (c *Collector) SetControllers(n int) { c.controllers.Set(float64(n)) }

// Registry returns the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
