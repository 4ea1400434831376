package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
)

// Deps are the services the gateway middleware reads from. Any of them may be
// nil; the middleware that needs it then lets requests through untouched.
type Deps struct {
	Tokens      ports.AdminTokenService
	Clients     ports.ClientRegistry
	Host        ports.WorkerHost
	RateLimiter ports.RateLimiterService
	Cookie      ClientCookieConfig
	Requests    *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
}

// MiddlewareCollection holds the gateway's middleware, built once per server.
type MiddlewareCollection struct {
	JWT       *JWTMiddleware
	Client    *ClientMiddleware
	Logging   *LoggingMiddleware
	RateLimit *RateLimitMiddleware
	Metrics   *MetricsMiddleware
}

func NewMiddlewareCollection(deps Deps, logger *logrus.Logger) *MiddlewareCollection {
	return &MiddlewareCollection{
		JWT:       NewJWTMiddleware(deps.Tokens, logger),
		Client:    NewClientMiddleware(deps.Clients, deps.Host, deps.Cookie, logger),
		Logging:   NewLoggingMiddleware(logger),
		RateLimit: NewRateLimitMiddleware(deps.RateLimiter, logger),
		Metrics:   NewMetricsMiddleware(deps.Requests, deps.Latency),
	}
}
