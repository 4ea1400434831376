package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/httpserver/helpers"
)

// RateLimitMiddleware throttles the admin API per token subject, so one
// runaway script cannot keep the host reinstalling.
type RateLimitMiddleware struct {
	limiter ports.RateLimiterService
	logger  *logrus.Logger
}

func NewRateLimitMiddleware(limiter ports.RateLimiterService, logger *logrus.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, logger: logger}
}

// Handler must run after JWTMiddleware.RequireScope. Without a limiter or
// admin claims it lets requests through, and limiter errors fail open.
func (r *RateLimitMiddleware) Handler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if r.limiter == nil {
				return next(c)
			}
			claims, err := helpers.GetAdminClaimsFromContext(c)
			if err != nil {
				return next(c)
			}

			allowed, remaining, limit, reset, err := r.limiter.Allow(c.Request().Context(), claims.Subject)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if err != nil {
				if r.logger != nil {
					r.logger.WithError(err).WithField("subject", claims.Subject).Warn("admin rate limiter unavailable; allowing request")
				}
				return next(c)
			}
			if allowed {
				return next(c)
			}

			wait := int(time.Until(reset).Seconds())
			if wait < 1 {
				wait = 1
			}
			h.Set("Retry-After", strconv.Itoa(wait))
			if r.logger != nil {
				r.logger.WithFields(logrus.Fields{"subject": claims.Subject, "path": c.Path(), "retry_after": wait}).Info("admin request rate limited")
			}
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
	}
}
