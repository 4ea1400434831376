package httpserver

import (
	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/auth"
)

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", s.metricsEndpoint)

	admin := s.echo.Group("/_offline")
	admin.Use(s.middleware.JWT.RequireScope(auth.ScopeAdmin))
	admin.Use(s.middleware.RateLimit.Handler())
	admin.GET("/status", s.getStatus)
	admin.POST("/update", s.triggerUpdate)
	admin.GET("/clients", s.listClients)

	// Everything else is a page or asset request intercepted by the worker host.
	s.echo.Any("/*", s.serveOffline, s.middleware.Client.TrackClients())
}
