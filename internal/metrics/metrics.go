// Package metrics instruments the gateway with Prometheus collectors
// served in text exposition format on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmgw/gateway/internal/model"
)

// Metrics holds the gateway's Prometheus collectors on a dedicated
// registry so tests never collide with the default one.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          *prometheus.CounterVec
	requestDurationSeconds *prometheus.HistogramVec
	inflightRequests       prometheus.Gauge
	backendErrorsTotal     *prometheus.CounterVec
	tokensTotal            *prometheus.CounterVec
}

// New creates and registers all gateway collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Total HTTP requests processed by gateway",
	}, []string{"path", "method", "status", "stream"})

	requestDurationSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "gateway_http_request_duration_seconds",
		Help: "HTTP request latency in seconds",
	}, []string{"path", "method", "stream"})

	inflightRequests := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_inflight_requests",
		Help: "Current in-flight requests at gateway",
	})

	backendErrorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_errors_total",
		Help: "Total backend-related errors by stage",
	}, []string{"stage"})

	tokensTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tokens_total",
		Help: "Token accounting aggregated by type",
	}, []string{"kind"})

	registry.MustRegister(
		requestsTotal,
		requestDurationSeconds,
		inflightRequests,
		backendErrorsTotal,
		tokensTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		requestDurationSeconds: requestDurationSeconds,
		inflightRequests:       inflightRequests,
		backendErrorsTotal:     backendErrorsTotal,
		tokensTotal:            tokensTotal,
	}
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InflightAdd tracks a request entering the pipeline; the returned
// function marks its exit.
func (m *Metrics) InflightAdd() func() {
	m.inflightRequests.Inc()
	return m.inflightRequests.Dec
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(path, method string, stream bool, status int, duration time.Duration) {
	streamLabel := strconv.FormatBool(stream)
	m.requestsTotal.WithLabelValues(path, method, strconv.Itoa(status), streamLabel).Inc()
	m.requestDurationSeconds.WithLabelValues(path, method, streamLabel).Observe(duration.Seconds())
}

// ObserveBackendError counts an upstream failure by pipeline stage.
func (m *Metrics) ObserveBackendError(stage string) {
	m.backendErrorsTotal.WithLabelValues(stage).Inc()
}

// ObserveUsage accumulates token counts from a completed response.
func (m *Metrics) ObserveUsage(usage *model.Usage) {
	m.tokensTotal.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	m.tokensTotal.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	m.tokensTotal.WithLabelValues("total").Add(float64(usage.TotalTokens))
}
