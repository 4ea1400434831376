package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/avatarctic/offline-shell-gateway/configs"
	"github.com/avatarctic/offline-shell-gateway/internal/application/services"
	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/db"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/health"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/httpserver"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/metrics"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/network"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/redis"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/repositories"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Setup logger
	logger := logrus.New()
	if cfg.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"version": cfg.Offline.CacheVersion,
		"store":   cfg.Offline.StoreDriver,
		"origin":  cfg.Origin.BaseURL,
	}).Info("Starting offline shell gateway...")

	var (
		storage        ports.CacheStorage
		healthCheckers []ports.HealthChecker
		redisClient    *goredis.Client
	)

	// Redis backs the redis store, the hot cache and the admin rate limiter
	if cfg.RedisRequired() {
		connectCtx, cancelConnect := context.WithTimeout(context.Background(), 15*time.Second)
		redisClient, err = redis.NewRedisClient(connectCtx, &cfg.Redis)
		cancelConnect()
		if err != nil {
			logger.Fatal("Failed to connect to Redis:", err)
		}
		defer redisClient.Close()
		logger.Info("Connected to Redis successfully")
		healthCheckers = append(healthCheckers, health.NewRedisHealthChecker(redisClient))
	}

	// Initialize the cache store
	if cfg.Offline.StoreDriver == "redis" {
		storage = redis.NewCacheStorage(redisClient, cfg.Redis.KeyPrefix)
	} else {
		database, err := db.NewDatabaseWithConfig(&cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database:", err)
		}
		defer database.Close()
		logger.WithField("driver", database.Driver).Info("Connected to database successfully")

		if err := database.Migrate(); err != nil {
			logger.Fatal("Failed to run migrations:", err)
		}

		storage = repositories.NewSQLCacheStorage(database, logger)
		healthCheckers = append(healthCheckers, health.NewDBHealthChecker(database))

		// Optional shared hot tier for Match
		if cfg.Offline.HotCacheTTL > 0 {
			hot := redis.NewRedisCache(redisClient, cfg.Redis.KeyPrefix+":hot")
			storage = repositories.NewCachingCacheStorage(storage, hot, cfg.Offline.HotCacheTTL, logger)
			logger.WithField("ttl", cfg.Offline.HotCacheTTL).Info("Redis hot cache enabled")
		}
	}

	var rateLimiter ports.RateLimiterService
	if redisClient != nil && cfg.RateLimit.RequestsPerWindow > 0 {
		rateLimiter = services.NewRateLimiterService(repositories.NewRateLimitRedisRepository(redisClient), &services.RateLimiterConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			BurstMultiplier:   cfg.RateLimit.BurstMultiplier,
			Window:            cfg.RateLimit.Window,
			KeyPrefix:         cfg.RateLimit.KeyPrefix,
		}, logger)
	}

	// The network
	fetcher, err := network.NewHTTPFetcher(network.FetcherConfig{
		BaseURL:         cfg.Origin.BaseURL,
		RequestTimeout:  cfg.Origin.RequestTimeout,
		MaxIdleConns:    cfg.Origin.MaxIdleConns,
		IdleConnTimeout: cfg.Origin.IdleConnTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create origin fetcher:", err)
	}
	healthCheckers = append(healthCheckers, health.NewOriginHealthChecker(fetcher))

	offlineMetrics := metrics.NewOfflineMetrics(prometheus.DefaultRegisterer)
	clientRegistry := services.NewClientRegistry(cfg.Offline.ClientIdleTTL, logger)

	host := services.NewWorkerHost(services.WorkerHostConfig{
		Version:            offline.CacheVersion(cfg.Offline.CacheVersion),
		Manifest:           offline.Manifest(cfg.Offline.AssetManifest),
		FallbackPath:       cfg.Offline.FallbackPath,
		InstallConcurrency: cfg.Offline.InstallConcurrency,
	}, storage, fetcher, clientRegistry, offlineMetrics, logger)
	defer host.Close()

	authService := services.NewAuthService(&cfg.JWT, logger)
	if cfg.JWT.Secret == "" {
		logger.Warn("ADMIN_JWT_SECRET is not set - admin endpoints will reject every request")
	}

	// Create server configuration
	serverConfig := &httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		TLSCertFile:  cfg.Server.TLSCertFile,
		TLSKeyFile:   cfg.Server.TLSKeyFile,
		Environment:  cfg.Server.Environment,
		Version:      serviceVersion,
		ClientCookie: cfg.Offline.ClientCookie,
	}

	deps := httpserver.ServerDeps{
		Host:               host,
		Clients:            clientRegistry,
		AuthService:        authService,
		RateLimiterService: rateLimiter,
		HealthCheckers:     healthCheckers,
	}

	server := httpserver.NewServer(serverConfig, logger, deps)

	// Put an already installed store back in control first, then reinstall the
	// configured version to refresh it. A failed reinstall keeps the restored
	// store serving; with neither, requests pass through to the origin uncached.
	updateCtx, stopUpdates := context.WithCancel(context.Background())
	defer stopUpdates()
	resumed, err := host.Resume(updateCtx)
	if err != nil {
		logger.WithError(err).Warn("Failed to resume installed store")
	} else if resumed {
		logger.WithField("version", host.Controller()).Info("Offline cache resumed from store")
	}
	go func() {
		if err := host.Register(updateCtx, offline.CacheVersion(cfg.Offline.CacheVersion)).Wait(updateCtx); err != nil {
			if host.Controller() != "" {
				logger.WithError(err).Warn("Reinstall failed; serving the resumed store")
				return
			}
			logger.WithError(err).Error("Initial install failed; serving uncached until the next update")
			return
		}
		logger.WithField("version", host.Controller()).Info("Offline cache active")
	}()
	go host.RunUpdates(updateCtx, cfg.Offline.UpdateInterval)
	go clientRegistry.RunPruning(updateCtx, cfg.Offline.ClientIdleTTL/2)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server:", err)
		}
	}()

	logger.Infof("Server started on %s:%s", cfg.Server.Host, cfg.Server.Port)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopUpdates()
	host.Close()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown:", err)
	}

	logger.Info("Server exited")
}
