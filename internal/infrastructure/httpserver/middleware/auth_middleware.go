package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/httpserver/helpers"
)

type JWTMiddleware struct {
	authService ports.AdminTokenService
	logger      *logrus.Logger
}

func NewJWTMiddleware(authService ports.AdminTokenService, logger *logrus.Logger) *JWTMiddleware {
	return &JWTMiddleware{authService: authService, logger: logger}
}

// RequireScope validates the bearer token and checks it carries scope.
func (m *JWTMiddleware) RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenString, err := helpers.GetJWTTokenFromContext(c)
			if err != nil {
				return err
			}

			claims, err := m.authService.ValidateToken(tokenString)
			if err != nil {
				if m.logger != nil {
					m.logger.WithFields(logrus.Fields{"ip": c.RealIP(), "path": c.Request().URL.Path, "error": err.Error()}).Warn("JWT validation failed")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			if !claims.HasScope(scope) {
				if m.logger != nil {
					m.logger.WithFields(logrus.Fields{"subject": claims.Subject, "scope": claims.Scope, "required": scope}).Warn("token lacks required scope")
				}
				return echo.NewHTTPError(http.StatusForbidden, "insufficient scope")
			}

			helpers.SetAdminClaims(c, claims)

			if m.logger != nil {
				m.logger.WithFields(logrus.Fields{"subject": claims.Subject, "jti": claims.ID}).Debug("admin token validated")
			}
			return next(c)
		}
	}
}
