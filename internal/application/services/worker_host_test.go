package services_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	impl "github.com/avatarctic/offline-shell-gateway/internal/application/services"
	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	tmocks "github.com/avatarctic/offline-shell-gateway/test/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newHost(version offline.CacheVersion, storage ports.CacheStorage, network ports.Fetcher, clients ports.ClientRegistry) *impl.WorkerHost {
	return impl.NewWorkerHost(impl.WorkerHostConfig{
		Version:      version,
		Manifest:     shellManifest,
		FallbackPath: "/index.html",
	}, storage, network, clients, nil, nil)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWorkerHost_UncontrolledRequestsPassThrough(t *testing.T) {
	net := tmocks.ManifestFetcher()
	host := newHost("v1", tmocks.NewCacheStorageMock(), net, nil)
	defer host.Close()

	require.Equal(t, offline.CacheVersion(""), host.Controller())
	resp, source, err := host.Fetch(context.Background(), get("/style.css"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchPassthrough, source)
	require.Equal(t, "body of /style.css", string(resp.Body))
}

func TestWorkerHost_RegisterInstallsAndActivates(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	net := tmocks.ManifestFetcher()
	clients := impl.NewClientRegistry(time.Hour, nil)
	host := newHost("v1", storage, net, clients)
	defer host.Close()

	page := uuid.New()
	_, err := clients.Touch(context.Background(), page, "/", "")
	require.NoError(t, err)

	require.NoError(t, host.Register(context.Background(), "v1").Wait(waitCtx(t)))
	require.Equal(t, offline.CacheVersion("v1"), host.Controller())

	c, ok := clients.Get(context.Background(), page)
	require.True(t, ok)
	require.Equal(t, offline.CacheVersion("v1"), c.Controller)

	before := net.Calls()
	_, source, err := host.Fetch(context.Background(), get("/index.html"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, before, net.Calls())
}

func TestWorkerHost_NewVersionReplacesOldStore(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	host := newHost("v1", storage, tmocks.ManifestFetcher(), nil)
	defer host.Close()

	require.NoError(t, host.Register(context.Background(), "v1").Wait(waitCtx(t)))
	require.NoError(t, host.Register(context.Background(), "v2").Wait(waitCtx(t)))

	require.Equal(t, offline.CacheVersion("v2"), host.Controller())
	keys, err := storage.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, keys)

	st, err := host.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Active)
	require.Equal(t, offline.CacheVersion("v2"), st.Active.Version)
	require.Equal(t, offline.StateActive, st.Active.State)
	require.Nil(t, st.Installing)
}

func TestWorkerHost_FailedInstallKeepsPassthroughAndRetries(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	var offlineOrigin atomic.Bool
	offlineOrigin.Store(true)
	net := &tmocks.FetcherMock{FetchFn: func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		if offlineOrigin.Load() && req.URL == "/first.js" {
			return &offline.Response{Status: http.StatusServiceUnavailable}, nil
		}
		return tmocks.OKResponse("body of " + req.URL), nil
	}}
	host := newHost("v1", storage, net, nil)
	defer host.Close()

	err := host.Update(context.Background()).Wait(waitCtx(t))
	require.ErrorIs(t, err, offline.ErrInstallFailed)
	require.Equal(t, offline.CacheVersion(""), host.Controller())
	keys, _ := storage.Keys(context.Background())
	require.Empty(t, keys)

	_, source, err := host.Fetch(context.Background(), get("/index.html"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchPassthrough, source)

	offlineOrigin.Store(false)
	require.NoError(t, host.Update(context.Background()).Wait(waitCtx(t)))
	require.Equal(t, offline.CacheVersion("v1"), host.Controller())
}

func TestWorkerHost_UpdateIsNoopWhenCurrent(t *testing.T) {
	net := tmocks.ManifestFetcher()
	host := newHost("v1", tmocks.NewCacheStorageMock(), net, nil)
	defer host.Close()

	require.NoError(t, host.Update(context.Background()).Wait(waitCtx(t)))
	calls := net.Calls()
	require.NoError(t, host.Update(context.Background()).Wait(waitCtx(t)))
	require.Equal(t, calls, net.Calls())
}

// gatedFetcher blocks manifest fetches while gated until their context ends.
func gatedFetcher(gated *atomic.Bool, started chan<- struct{}) *tmocks.FetcherMock {
	return &tmocks.FetcherMock{FetchFn: func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		if gated.Load() {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return tmocks.OKResponse("body of " + req.URL), nil
	}}
}

func TestWorkerHost_NewerRegistrationSupersedesInstall(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	var gated atomic.Bool
	gated.Store(true)
	started := make(chan struct{}, 1)
	host := newHost("v2", storage, gatedFetcher(&gated, started), nil)
	defer host.Close()

	first := host.Register(context.Background(), "v1")
	<-started

	st, err := host.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Installing)
	require.Equal(t, offline.StateInstalling, st.Installing.State)

	gated.Store(false)
	second := host.Register(context.Background(), "v2")

	err = first.Wait(waitCtx(t))
	require.True(t, errors.Is(err, offline.ErrSuperseded), "got %v", err)
	require.NoError(t, second.Wait(waitCtx(t)))
	require.Equal(t, offline.CacheVersion("v2"), host.Controller())
	require.NotContains(t, storage.Entries("v1"), "GET /")
}

func TestWorkerHost_SameVersionShareCompletion(t *testing.T) {
	var gated atomic.Bool
	gated.Store(true)
	started := make(chan struct{}, 1)
	host := newHost("v1", tmocks.NewCacheStorageMock(), gatedFetcher(&gated, started), nil)

	first := host.Register(context.Background(), "v1")
	<-started
	second := host.Update(context.Background())
	require.Equal(t, first, second)

	host.Close()
	err := first.Wait(waitCtx(t))
	require.ErrorIs(t, err, offline.ErrInstallFailed)
	require.NotErrorIs(t, err, offline.ErrSuperseded)
}

func TestWorkerHost_RegisterOutlivesCallerContext(t *testing.T) {
	host := newHost("v1", tmocks.NewCacheStorageMock(), tmocks.ManifestFetcher(), nil)
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := host.Register(ctx, "v1")
	cancel()

	require.NoError(t, done.Wait(waitCtx(t)))
	require.Equal(t, offline.CacheVersion("v1"), host.Controller())
}

func TestWorkerHost_InvalidVersionResolvesWithError(t *testing.T) {
	host := newHost("v1", tmocks.NewCacheStorageMock(), tmocks.ManifestFetcher(), nil)
	defer host.Close()

	done := host.Register(context.Background(), "has space")
	<-done.Done()
	require.Error(t, done.Err())
}

func TestWorkerHost_StatusReportsClientsAndStores(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	storage.Seed("legacy", http.MethodGet, "/", tmocks.OKResponse("x"))
	clients := &tmocks.ClientRegistryMock{CountFn: func() int { return 4 }}
	host := newHost("v1", storage, tmocks.ManifestFetcher(), clients)
	defer host.Close()

	st, err := host.Status(context.Background())
	require.NoError(t, err)
	require.Nil(t, st.Active)
	require.Equal(t, []string{"legacy"}, st.StoreKeys)
	require.Equal(t, 4, st.Clients)
}

func TestWorkerHost_RunUpdatesRetriesUntilActive(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	net := &tmocks.FetcherMock{FetchFn: func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		if req.URL == "/" && failures.Add(-1) >= 0 {
			return &offline.Response{Status: http.StatusBadGateway}, nil
		}
		return tmocks.OKResponse("body of " + req.URL), nil
	}}
	host := newHost("v1", tmocks.NewCacheStorageMock(), net, nil)
	defer host.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go host.RunUpdates(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return host.Controller() == "v1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerHost_ResumesInstalledStoreAfterRestartWhileOffline(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	first := newHost("v1", storage, tmocks.ManifestFetcher(), nil)
	require.NoError(t, first.Register(context.Background(), "v1").Wait(waitCtx(t)))
	first.Close()

	offlineNet := &tmocks.FetcherMock{}
	clients := impl.NewClientRegistry(time.Hour, nil)
	page := uuid.New()
	_, err := clients.Touch(context.Background(), page, "/", "")
	require.NoError(t, err)
	restarted := newHost("v1", storage, offlineNet, clients)
	defer restarted.Close()

	resumed, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, resumed)
	require.Equal(t, offline.CacheVersion("v1"), restarted.Controller())
	c, ok := clients.Get(context.Background(), page)
	require.True(t, ok)
	require.Equal(t, offline.CacheVersion("v1"), c.Controller)

	err = restarted.Register(context.Background(), "v1").Wait(waitCtx(t))
	require.ErrorIs(t, err, offline.ErrInstallFailed)
	require.Equal(t, offline.CacheVersion("v1"), restarted.Controller())

	resp, source, err := restarted.Fetch(context.Background(), navigate("/"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, "body of /", string(resp.Body))

	_, source, err = restarted.Fetch(context.Background(), get("/style.css"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)

	resp, source, err = restarted.Fetch(context.Background(), navigate("/lesson/unseen"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromFallback, source)
	require.Equal(t, "body of /index.html", string(resp.Body))

	keys, err := storage.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, keys)
}

func TestWorkerHost_ResumeWithoutStoreLeavesHostUncontrolled(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	storage.Seed("v1", http.MethodGet, "/index.html", tmocks.OKResponse("partial"))
	host := newHost("v1", storage, &tmocks.FetcherMock{}, nil)
	defer host.Close()

	resumed, err := host.Resume(context.Background())
	require.NoError(t, err)
	require.False(t, resumed)
	require.Equal(t, offline.CacheVersion(""), host.Controller())
}

func TestWorkerHost_ResumeKeepsAlreadyActiveManager(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	net := tmocks.ManifestFetcher()
	host := newHost("v1", storage, net, nil)
	defer host.Close()
	require.NoError(t, host.Register(context.Background(), "v1").Wait(waitCtx(t)))
	before, err := host.Status(context.Background())
	require.NoError(t, err)

	resumed, err := host.Resume(context.Background())
	require.NoError(t, err)
	require.False(t, resumed)

	after, err := host.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, before.Active.ActivatedAt, after.Active.ActivatedAt)
}
