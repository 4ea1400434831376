package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/httpserver/helpers"
)

func (s *Server) getStatus(c echo.Context) error {
	st, err := s.host.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

// triggerUpdate registers the configured version, or ?version=, and by default
// waits for it to become active. ?wait=false returns as soon as it is dispatched.
func (s *Server) triggerUpdate(c echo.Context) error {
	ctx := c.Request().Context()

	var done ports.Completion
	version := offline.CacheVersion(strings.TrimSpace(c.QueryParam("version")))
	if version != "" {
		if err := version.Validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		done = s.host.Register(ctx, version)
	} else {
		done = s.host.Update(ctx)
	}

	if s.logger != nil {
		fields := logrus.Fields{"version": version}
		if claims, err := helpers.GetAdminClaimsFromContext(c); err == nil {
			fields["subject"] = claims.Subject
		}
		s.logger.WithFields(fields).Info("update requested")
	}

	if c.QueryParam("wait") == "false" {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "dispatched"})
	}

	if err := done.Wait(ctx); err != nil {
		switch {
		case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			return c.JSON(http.StatusAccepted, map[string]string{"status": "pending"})
		case errors.Is(err, offline.ErrSuperseded):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, offline.ErrInstallFailed):
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	st, err := s.host.Status(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) listClients(c echo.Context) error {
	clients := s.clients.List(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"clients": clients,
		"total":   len(clients),
	})
}
