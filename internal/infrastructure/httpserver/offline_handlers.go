package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/httpserver/helpers"
)

// SourceHeader tells the caller where a gateway response came from.
const SourceHeader = "X-Offline-Source"

// serveOffline hands every non-admin request to the worker host and writes
// whatever it answers with.
func (s *Server) serveOffline(c echo.Context) error {
	req, err := helpers.OfflineRequestFromContext(c)
	if err != nil {
		return err
	}

	resp, source, err := s.host.Fetch(c.Request().Context(), req)
	helpers.SetFetchSource(c, source)
	if err != nil {
		if errors.Is(err, offline.ErrNetworkFailure) {
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"method": req.Method, "url": req.URL, "mode": req.Mode}).WithError(err).Info("request failed offline")
			}
			return echo.NewHTTPError(http.StatusBadGateway, "origin unreachable and no cached response")
		}
		if errors.Is(err, offline.ErrResponseTooLarge) {
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"method": req.Method, "url": req.URL}).WithError(err).Warn("origin response too large")
			}
			return echo.NewHTTPError(http.StatusBadGateway, "origin response too large")
		}
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"method": req.Method, "url": req.URL}).WithError(err).Error("failed to handle request")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to handle request")
	}

	return writeOfflineResponse(c, resp, source)
}

func writeOfflineResponse(c echo.Context, resp *offline.Response, source ports.FetchSource) error {
	h := c.Response().Header()
	replayed := source == ports.FetchFromCache || source == ports.FetchFromFallback
	for k, vs := range resp.Header {
		// Stored cookies belong to whoever first fetched the asset.
		if replayed && k == "Set-Cookie" {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set(SourceHeader, string(source))
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.Response().WriteHeader(status)
	if c.Request().Method == http.MethodHead || len(resp.Body) == 0 {
		return nil
	}
	_, err := c.Response().Write(resp.Body)
	return err
}
