package configs_test

import (
	"testing"
	"time"

	"github.com/avatarctic/offline-shell-gateway/configs"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OFFLINE_CACHE_VERSION", "")
	t.Setenv("OFFLINE_ASSET_MANIFEST", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("OFFLINE_STORE_DRIVER", "")
	t.Setenv("ORIGIN_BASE_URL", "")

	cfg, err := configs.Load()
	require.NoError(t, err)
	require.Equal(t, "stem-learning-v1", cfg.Offline.CacheVersion)
	require.Equal(t, configs.DefaultAssetManifest, cfg.Offline.AssetManifest)
	require.Equal(t, "/index.html", cfg.Offline.FallbackPath)
	require.Equal(t, "sqlite", cfg.Offline.StoreDriver)
	require.Contains(t, cfg.Database.DSN, "busy_timeout")
	require.Equal(t, time.Hour, cfg.JWT.TokenTTL)
	require.Equal(t, 30*time.Minute, cfg.Offline.ClientIdleTTL)
	require.False(t, cfg.RedisRequired())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("OFFLINE_CACHE_VERSION", "stem-learning-v9")
	t.Setenv("OFFLINE_ASSET_MANIFEST", " /, /app.html ,, /app.js ")
	t.Setenv("OFFLINE_FALLBACK_PATH", "/app.html")
	t.Setenv("OFFLINE_STORE_DRIVER", "postgres")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("OFFLINE_HOT_CACHE_TTL", "30s")
	t.Setenv("OFFLINE_CLIENT_IDLE_TTL", "5m")
	t.Setenv("ADMIN_RATE_LIMIT_BURST", "1.5")
	t.Setenv("OFFLINE_INSTALL_CONCURRENCY", "not-a-number")

	cfg, err := configs.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"/", "/app.html", "/app.js"}, cfg.Offline.AssetManifest)
	require.Contains(t, cfg.Database.DSN, "host=db.internal")
	require.Equal(t, 30*time.Second, cfg.Offline.HotCacheTTL)
	require.Equal(t, 5*time.Minute, cfg.Offline.ClientIdleTTL)
	require.Equal(t, 1.5, cfg.RateLimit.BurstMultiplier)
	require.Equal(t, 4, cfg.Offline.InstallConcurrency)
	require.True(t, cfg.RedisRequired())
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"fallback outside manifest": {"OFFLINE_FALLBACK_PATH": "/offline.html"},
		"relative asset path":       {"OFFLINE_ASSET_MANIFEST": "/,index.html"},
		"unknown store":             {"OFFLINE_STORE_DRIVER": "memcached"},
		"store and db disagree":     {"OFFLINE_STORE_DRIVER": "postgres", "DB_DRIVER": "sqlite"},
		"relative origin":           {"ORIGIN_BASE_URL": "/upstream"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := configs.Load()
			require.Error(t, err)
		})
	}
}
