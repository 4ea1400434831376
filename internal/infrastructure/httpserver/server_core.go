package httpserver

import (
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	customMiddleware "github.com/avatarctic/offline-shell-gateway/internal/infrastructure/httpserver/middleware"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCertFile  string
	TLSKeyFile   string
	Environment  string
	Version      string
	// ClientCookie names the cookie that identifies an open page.
	ClientCookie string
}

type ServerDeps struct {
	Host               ports.WorkerHost
	Clients            ports.ClientRegistry
	AuthService        ports.AdminTokenService
	RateLimiterService ports.RateLimiterService
	HealthCheckers     []ports.HealthChecker
}

type Server struct {
	echo           *echo.Echo
	config         *ServerConfig
	logger         *logrus.Logger
	host           ports.WorkerHost
	clients        ports.ClientRegistry
	middleware     *customMiddleware.MiddlewareCollection
	healthCheckers []ports.HealthChecker
}

func NewServer(serverConfig *ServerConfig, logger *logrus.Logger, deps ServerDeps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	requests, latency := requestMetrics()

	server := &Server{
		echo:           e,
		config:         serverConfig,
		logger:         logger,
		host:           deps.Host,
		clients:        deps.Clients,
		healthCheckers: deps.HealthCheckers,
		middleware: customMiddleware.NewMiddlewareCollection(customMiddleware.Deps{
			Tokens:      deps.AuthService,
			Clients:     deps.Clients,
			Host:        deps.Host,
			RateLimiter: deps.RateLimiterService,
			Cookie: customMiddleware.ClientCookieConfig{
				Name:   serverConfig.ClientCookie,
				Secure: serverConfig.TLSCertFile != "" || serverConfig.Environment == "production",
			},
			Requests: requests,
			Latency:  latency,
		}, logger),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}
