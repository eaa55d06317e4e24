// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Metrics bundles every gateway collector behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	QueueWait        prometheus.Histogram
	QueueDepth       prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
	ProviderUp       *prometheus.GaugeVec
	WSClients        prometheus.Gauge
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests by terminal status and provider.",
		}, []string{"status", "provider"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Retry attempts by provider and error classification.",
		}, []string{"provider", "classification"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fallbacks_total",
			Help: "Fallback transitions between providers.",
		}, []string{"from", "to"}),
		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Cache hits by provider.",
		}, []string{"provider"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Cache misses by provider.",
		}, []string{"provider"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency by provider.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_queue_wait_seconds",
			Help:    "Time requests spend queued before processing.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Current number of queued requests.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_workers",
			Help: "Requests currently being processed.",
		}),
		ProviderUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_up",
			Help: "Provider availability (1 available, 0 not).",
		}, []string{"provider"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_websocket_clients",
			Help: "Connected WebSocket clients.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RetriesTotal,
		m.FallbacksTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.RequestLatency,
		m.QueueWait,
		m.QueueDepth,
		m.ActiveWorkers,
		m.ProviderUp,
		m.WSClients,
	)
	return m
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (m *Metrics) Handler() fasthttp.RequestHandler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(h)
}
