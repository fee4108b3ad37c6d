// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitDenials *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	BackendRetries   *prometheus.CounterVec
	ActiveRequests   prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by service and status code.",
		}, []string{"service", "method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		RateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter, by identity type and window.",
		}, []string{"id_type", "window"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Breaker state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		BackendRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_retries_total",
			Help: "Retry attempts against backends.",
		}, []string{"service"}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Requests currently in flight.",
		}),
	}
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(service, method string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
