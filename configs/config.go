package configs

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultAssetManifest is the application shell cached on install.
var DefaultAssetManifest = []string{
	"/",
	"/index.html",
	"/style.css",
	"/first.js",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

type Config struct {
	Server    ServerConfig
	Origin    OriginConfig
	Offline   OfflineConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCertFile  string
	TLSKeyFile   string
	Environment  string
}

// OriginConfig describes the upstream the gateway treats as "the network".
type OriginConfig struct {
	BaseURL         string
	RequestTimeout  time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

type OfflineConfig struct {
	CacheVersion       string
	AssetManifest      []string
	FallbackPath       string
	StoreDriver        string // sqlite, postgres or redis
	UpdateInterval     time.Duration
	InstallConcurrency int
	ClientCookie       string
	// ClientIdleTTL forgets pages not seen for this long.
	ClientIdleTTL time.Duration
	// HotCacheTTL puts a Redis read cache in front of a SQL store when > 0.
	HotCacheTTL time.Duration
}

type DatabaseConfig struct {
	Driver     string // sqlite or postgres
	SQLitePath string
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	DSN        string
	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	// Enabled connects Redis even when the store is SQL, for the admin rate limiter.
	Enabled   bool
	Host      string
	Port      string
	Password  string
	DB        int
	KeyPrefix string
	// Pool and timeout settings
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	IdleTimeout  time.Duration
}

// JWTConfig protects the admin endpoints.
type JWTConfig struct {
	Secret   string
	TokenTTL time.Duration
	Issuer   string
}

// RateLimitConfig throttles admin callers. It needs Redis and is off at 0.
type RateLimitConfig struct {
	RequestsPerWindow int
	BurstMultiplier   float64
	Window            time.Duration
	KeyPrefix         string
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			TLSCertFile:  getEnv("TLS_CERT_FILE", ""),
			TLSKeyFile:   getEnv("TLS_KEY_FILE", ""),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Origin: OriginConfig{
			BaseURL:         getEnv("ORIGIN_BASE_URL", "http://localhost:3000"),
			RequestTimeout:  getDurationEnv("ORIGIN_REQUEST_TIMEOUT", 15*time.Second),
			MaxIdleConns:    getIntEnv("ORIGIN_MAX_IDLE_CONNS", 32),
			IdleConnTimeout: getDurationEnv("ORIGIN_IDLE_CONN_TIMEOUT", 90*time.Second),
		},
		Offline: OfflineConfig{
			CacheVersion:       getEnv("OFFLINE_CACHE_VERSION", "stem-learning-v1"),
			AssetManifest:      getListEnv("OFFLINE_ASSET_MANIFEST", DefaultAssetManifest),
			FallbackPath:       getEnv("OFFLINE_FALLBACK_PATH", "/index.html"),
			StoreDriver:        getEnv("OFFLINE_STORE_DRIVER", "sqlite"),
			UpdateInterval:     getDurationEnv("OFFLINE_UPDATE_INTERVAL", 24*time.Hour),
			InstallConcurrency: getIntEnv("OFFLINE_INSTALL_CONCURRENCY", 4),
			ClientCookie:       getEnv("OFFLINE_CLIENT_COOKIE", "sw_client"),
			ClientIdleTTL:      getDurationEnv("OFFLINE_CLIENT_IDLE_TTL", 30*time.Minute),
			HotCacheTTL:        getDurationEnv("OFFLINE_HOT_CACHE_TTL", 0),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "sqlite"),
			SQLitePath:      getEnv("DB_SQLITE_PATH", "offline-cache.db"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "offline_cache"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:      getEnv("REDIS_ENABLED", "false") == "true",
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "offline"),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntEnv("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolTimeout:  getDurationEnv("REDIS_POOL_TIMEOUT", 4*time.Second),
			IdleTimeout:  getDurationEnv("REDIS_IDLE_TIMEOUT", 5*time.Minute),
		},
		JWT: JWTConfig{
			Secret:   getEnv("ADMIN_JWT_SECRET", ""),
			TokenTTL: getDurationEnv("ADMIN_JWT_TTL", time.Hour),
			Issuer:   getEnv("ADMIN_JWT_ISSUER", "offline-shell-gateway"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getIntEnv("ADMIN_RATE_LIMIT", 30),
			BurstMultiplier:   getFloatEnv("ADMIN_RATE_LIMIT_BURST", 1),
			Window:            getDurationEnv("ADMIN_RATE_LIMIT_WINDOW", time.Minute),
			KeyPrefix:         getEnv("ADMIN_RATE_LIMIT_PREFIX", "ratelimit:admin"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if cfg.Database.Driver == "postgres" {
		cfg.Database.DSN = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.DBName,
			cfg.Database.SSLMode,
		)
	} else {
		cfg.Database.DSN = SQLiteDSN(cfg.Database.SQLitePath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RedisRequired reports whether any configured component needs a Redis connection.
func (c *Config) RedisRequired() bool {
	return c.Offline.StoreDriver == "redis" || c.Offline.HotCacheTTL > 0 || c.Redis.Enabled
}

// SQLiteDSN builds a modernc.org/sqlite DSN with WAL and a busy timeout so
// concurrent fetch handlers do not fail on a locked database.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Validate checks the settings the offline cache cannot run without.
func (c *Config) Validate() error {
	o := c.Offline
	if strings.TrimSpace(o.CacheVersion) == "" {
		return fmt.Errorf("OFFLINE_CACHE_VERSION must not be empty")
	}
	if len(o.AssetManifest) == 0 {
		return fmt.Errorf("OFFLINE_ASSET_MANIFEST must list at least one path")
	}
	found := false
	for _, p := range o.AssetManifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("asset path %q must start with /", p)
		}
		if p == o.FallbackPath {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("fallback path %q must be part of the asset manifest", o.FallbackPath)
	}
	switch o.StoreDriver {
	case "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown OFFLINE_STORE_DRIVER %q", o.StoreDriver)
	}
	if o.StoreDriver != "redis" && o.StoreDriver != c.Database.Driver {
		return fmt.Errorf("OFFLINE_STORE_DRIVER %q does not match DB_DRIVER %q", o.StoreDriver, c.Database.Driver)
	}
	u, err := url.Parse(c.Origin.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ORIGIN_BASE_URL %q is not an absolute URL", c.Origin.BaseURL)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping blanks.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
