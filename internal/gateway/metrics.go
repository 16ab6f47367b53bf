package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Metrics holds the gateway's prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitBlocked prometheus.Counter
	breakerState     *prometheus.GaugeVec
}

// NewMetrics creates and registers the gateway collectors on a private
// registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests handled, by method, route, and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency, by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimitBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_blocked_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per service: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimitBlocked,
		m.breakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RateLimitBlocked counts one rejected request
func (m *Metrics) RateLimitBlocked() {
	m.rateLimitBlocked.Inc()
}

// SetBreakerState reflects a breaker transition on the gauge
func (m *Metrics) SetBreakerState(service string, state types.CircuitState) {
	var value float64
	switch state {
	case types.CircuitHalfOpen:
		value = 1
	case types.CircuitOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(service).Set(value)
}
