// Package metrics exposes prometheus collectors for the REST scheduler and the
// gateway shards. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardgate"

type Metrics struct {
	requests     *prometheus.CounterVec
	rateLimits   *prometheus.CounterVec
	queues       prometheus.Gauge
	shardLatency *prometheus.GaugeVec
	shardStatus  *prometheus.GaugeVec
	identifies   prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "requests_total",
			Help:      "API responses by route and status code.",
		}, []string{"route", "status"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "rate_limited_total",
			Help:      "429 responses by scope.",
		}, []string{"scope"}),
		queues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "bucket_queues",
			Help:      "Bucket queues currently in the active map.",
		}),
		shardLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeat_latency_seconds",
			Help:      "Last heartbeat round trip per shard.",
		}, []string{"shard"}),
		shardStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "shard_status",
			Help:      "Current state machine status per shard.",
		}, []string{"shard"}),
		identifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "identifies_total",
			Help:      "Identify attempts admitted by the session-start throttle.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(m.requests, m.rateLimits, m.queues, m.shardLatency, m.shardStatus, m.identifies)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}

func (m *Metrics) ObserveResponse(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RateLimited(global bool) {
	if m == nil {
		return
	}
	scope := "bucket"
	if global {
		scope = "global"
	}
	m.rateLimits.WithLabelValues(scope).Inc()
}

func (m *Metrics) SetQueues(n int) {
	if m == nil {
		return
	}
	m.queues.Set(float64(n))
}

func (m *Metrics) ShardLatency(shard int, latency time.Duration) {
	if m == nil {
		return
	}
	m.shardLatency.WithLabelValues(strconv.Itoa(shard)).Set(latency.Seconds())
}

func (m *Metrics) ShardStatus(shard int, status int) {
	if m == nil {
		return
	}
	m.shardStatus.WithLabelValues(strconv.Itoa(shard)).Set(float64(status))
}

func (m *Metrics) Identify() {
	if m == nil {
		return
	}
	m.identifies.Inc()
}
