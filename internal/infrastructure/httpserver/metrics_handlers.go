package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "http_requests_total",
			Help:      "Requests handled by the gateway, by method, route and status",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Intercepted requests are mostly cache hits, so the low buckets matter.
	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "http_request_duration_seconds",
			Help:      "Gateway request latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(gatewayRequests, gatewayLatency)
}

// requestMetrics returns the collectors fed by the metrics middleware.
func requestMetrics() (*prometheus.CounterVec, *prometheus.HistogramVec) {
	return gatewayRequests, gatewayLatency
}

func (s *Server) logMetricsInitialization() {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"requests": "gateway_http_requests_total{method,endpoint,status}",
		"latency":  "gateway_http_request_duration_seconds{method,endpoint}",
		"offline":  "offline_fetch_total{source}, offline_lifecycle_total{event,outcome}",
		"endpoint": "/metrics",
	}).Debug("Prometheus collectors registered")
}

// metricsEndpoint serves the default registry, which also holds the offline collectors.
func (s *Server) metricsEndpoint(c echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
