package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// optionalChecker marks dependencies the gateway can serve without. The
// origin is one: while it is down, cached pages are still answered.
type optionalChecker interface {
	Optional() bool
}

// Health check handler
func (s *Server) healthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	overall := "healthy"
	for _, hc := range s.healthCheckers {
		if hc == nil {
			continue
		}
		if err := hc.Check(ctx); err != nil {
			deps[hc.Name()] = "unhealthy"
			if oc, ok := hc.(optionalChecker); ok && oc.Optional() {
				if overall == "healthy" {
					overall = "degraded"
				}
				continue
			}
			overall = "unhealthy"
		} else {
			deps[hc.Name()] = "healthy"
		}
	}
	health := map[string]interface{}{
		"status":       overall,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"version":      s.config.Version,
		"service":      "offline-shell-gateway",
		"dependencies": deps,
	}
	if s.host != nil {
		health["controller"] = s.host.Controller()
	}
	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, health)
}
