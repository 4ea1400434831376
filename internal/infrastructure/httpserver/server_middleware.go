package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// setupMiddleware installs the chain every route shares. Client tracking and
// admin auth are attached per route in setupRoutes.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		DisablePrintStack: true,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{
					"method": c.Request().Method,
					"uri":    c.Request().RequestURI,
					"stack":  string(stack),
				}).WithError(err).Error("panic while handling request")
			}
			return err
		},
	}))
	s.echo.Use(middleware.RequestID())
	s.echo.Use(s.middleware.Metrics.CollectHTTPMetrics())
	s.echo.Use(s.middleware.Logging.RequestLogging())
}
