package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/httpserver/helpers"
)

type ClientCookieConfig struct {
	Name   string
	Secure bool
	// MaxAge in seconds; 0 makes it a session cookie.
	MaxAge int
}

// ClientMiddleware identifies the page a request belongs to. Navigations open
// (or revisit) a client and get a cookie; subresource requests only read it.
type ClientMiddleware struct {
	clients ports.ClientRegistry
	host    ports.WorkerHost
	cookie  ClientCookieConfig
	logger  *logrus.Logger
}

func NewClientMiddleware(clients ports.ClientRegistry, host ports.WorkerHost, cookie ClientCookieConfig, logger *logrus.Logger) *ClientMiddleware {
	if cookie.Name == "" {
		cookie.Name = "sw_client"
	}
	return &ClientMiddleware{clients: clients, host: host, cookie: cookie, logger: logger}
}

func (m *ClientMiddleware) TrackClients() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, known := m.clientID(c)
			if helpers.RequestMode(c.Request()) != offline.ModeNavigate {
				if known {
					helpers.SetClientID(c, id)
				}
				return next(c)
			}

			if !known {
				id = uuid.New()
				c.SetCookie(&http.Cookie{
					Name:     m.cookie.Name,
					Value:    id.String(),
					Path:     "/",
					MaxAge:   m.cookie.MaxAge,
					HttpOnly: true,
					Secure:   m.cookie.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			helpers.SetClientID(c, id)

			var controller offline.CacheVersion
			if m.host != nil {
				controller = m.host.Controller()
			}
			if _, err := m.clients.Touch(c.Request().Context(), id, c.Request().URL.RequestURI(), controller); err != nil && m.logger != nil {
				m.logger.WithError(err).WithField("client_id", id).Warn("failed to record client")
			}
			return next(c)
		}
	}
}

func (m *ClientMiddleware) clientID(c echo.Context) (uuid.UUID, bool) {
	ck, err := c.Cookie(m.cookie.Name)
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ck.Value)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
