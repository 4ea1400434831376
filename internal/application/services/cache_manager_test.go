package services_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	impl "github.com/avatarctic/offline-shell-gateway/internal/application/services"
	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	tmocks "github.com/avatarctic/offline-shell-gateway/test/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shellManifest = offline.Manifest{"/", "/index.html", "/style.css", "/first.js", "/icons/icon-192.png", "/icons/icon-512.png"}

func newManager(t *testing.T, version offline.CacheVersion, storage ports.CacheStorage, network ports.Fetcher, metrics ports.OfflineMetrics) *impl.CacheManager {
	t.Helper()
	m, err := impl.NewCacheManager(impl.CacheManagerConfig{
		Version:            version,
		Manifest:           shellManifest,
		FallbackPath:       "/index.html",
		InstallConcurrency: 2,
	}, storage, network, &tmocks.ClientRegistryMock{}, metrics, nil)
	require.NoError(t, err)
	return m
}

// activeManager returns an activated manager and the fetcher that served its install.
func activeManager(t *testing.T, storage *tmocks.CacheStorageMock, metrics *tmocks.OfflineMetricsMock) (*impl.CacheManager, *tmocks.FetcherMock) {
	t.Helper()
	net := tmocks.ManifestFetcher()
	var recorder ports.OfflineMetrics
	if metrics != nil {
		recorder = metrics
	}
	m := newManager(t, "stem-learning-v1", storage, net, recorder)
	require.NoError(t, m.Install(context.Background()))
	require.NoError(t, m.Activate(context.Background()))
	return m, net
}

func get(url string) *offline.Request {
	return &offline.Request{Method: http.MethodGet, URL: url, Mode: offline.ModeNoCORS}
}

func navigate(url string) *offline.Request {
	return &offline.Request{Method: http.MethodGet, URL: url, Mode: offline.ModeNavigate}
}

func TestNewCacheManager_RejectsInvalidConfig(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	net := &tmocks.FetcherMock{}

	_, err := impl.NewCacheManager(impl.CacheManagerConfig{Version: "", Manifest: shellManifest}, storage, net, nil, nil, nil)
	require.Error(t, err)

	_, err = impl.NewCacheManager(impl.CacheManagerConfig{Version: "v1", Manifest: offline.Manifest{"style.css"}}, storage, net, nil, nil, nil)
	require.Error(t, err)

	_, err = impl.NewCacheManager(impl.CacheManagerConfig{Version: "v1", Manifest: shellManifest}, nil, net, nil, nil, nil)
	require.Error(t, err)
}

func TestInstall_StoresEveryManifestAsset(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	metrics := &tmocks.OfflineMetricsMock{}
	net := tmocks.ManifestFetcher()
	m := newManager(t, "stem-learning-v1", storage, net, metrics)

	require.Equal(t, offline.StateParsed, m.State())
	require.NoError(t, m.Install(context.Background()))

	require.Equal(t, offline.StateInstalled, m.State())
	require.NotNil(t, m.Status().InstalledAt)
	require.Equal(t, len(shellManifest), net.Calls())
	require.ElementsMatch(t, []string{
		"GET /", "GET /index.html", "GET /style.css", "GET /first.js", "GET /icons/icon-192.png", "GET /icons/icon-512.png",
	}, storage.Entries("stem-learning-v1"))
	require.Equal(t, 1, metrics.Lifecycle("install", "success"))
}

func TestInstall_FailsWholeWhenOneAssetIsNotOK(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	metrics := &tmocks.OfflineMetricsMock{}
	net := &tmocks.FetcherMock{FetchFn: func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		if req.URL == "/first.js" {
			return &offline.Response{Status: http.StatusNotFound}, nil
		}
		return tmocks.OKResponse("ok"), nil
	}}
	m := newManager(t, "stem-learning-v1", storage, net, metrics)

	err := m.Install(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, offline.ErrInstallFailed))
	require.Equal(t, offline.StateRedundant, m.State())
	require.NotEmpty(t, m.Status().LastError)

	keys, err := storage.Keys(context.Background())
	require.NoError(t, err)
	require.Empty(t, keys, "a failed install must not leave a partial store")
	require.Equal(t, 1, metrics.Lifecycle("install", "failure"))
}

func TestInstall_FailsOnNetworkError(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	net := &tmocks.FetcherMock{}
	m := newManager(t, "stem-learning-v1", storage, net, nil)

	err := m.Install(context.Background())
	require.ErrorIs(t, err, offline.ErrInstallFailed)
	require.ErrorIs(t, err, offline.ErrNetworkFailure)
	require.Empty(t, storage.Entries("stem-learning-v1"))
}

func TestInstall_FailsWhenStoreWriteFails(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	storage.PutAllFn = func(ctx context.Context, name string, entries []offline.CacheEntry) error {
		return fmt.Errorf("disk full")
	}
	m := newManager(t, "stem-learning-v1", storage, tmocks.ManifestFetcher(), nil)

	err := m.Install(context.Background())
	require.ErrorIs(t, err, offline.ErrInstallFailed)
	require.Equal(t, offline.StateRedundant, m.State())
}

func TestLifecycle_RejectsOutOfOrderEvents(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m := newManager(t, "stem-learning-v1", storage, tmocks.ManifestFetcher(), nil)

	require.ErrorIs(t, m.Activate(context.Background()), offline.ErrInvalidTransition)
	require.NoError(t, m.Install(context.Background()))
	require.ErrorIs(t, m.Install(context.Background()), offline.ErrInvalidTransition)
	require.NoError(t, m.Activate(context.Background()))
	require.ErrorIs(t, m.Activate(context.Background()), offline.ErrInvalidTransition)
	require.Equal(t, offline.StateActive, m.State())
}

func TestActivate_DeletesStaleStoresAndClaimsClients(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	storage.Seed("stem-learning-v0", http.MethodGet, "/index.html", tmocks.OKResponse("old"))
	storage.Seed("scratch", http.MethodGet, "/x", tmocks.OKResponse("x"))
	metrics := &tmocks.OfflineMetricsMock{}

	var claimed offline.CacheVersion
	clients := &tmocks.ClientRegistryMock{ClaimFn: func(ctx context.Context, v offline.CacheVersion) (int, error) {
		claimed = v
		return 3, nil
	}}
	m, err := impl.NewCacheManager(impl.CacheManagerConfig{Version: "stem-learning-v1", Manifest: shellManifest}, storage, tmocks.ManifestFetcher(), clients, metrics, nil)
	require.NoError(t, err)

	require.NoError(t, m.Install(context.Background()))
	require.NoError(t, m.Activate(context.Background()))

	keys, err := storage.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"stem-learning-v1"}, keys)
	require.Equal(t, offline.CacheVersion("stem-learning-v1"), claimed)
	require.Equal(t, 2, metrics.StaleDeleted())
	require.Equal(t, offline.StateActive, m.State())
	require.NotNil(t, m.Status().ActivatedAt)
}

func TestActivate_ContinuesPastDeleteFailure(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	storage.Seed("broken", http.MethodGet, "/", tmocks.OKResponse("b"))
	storage.Seed("old", http.MethodGet, "/", tmocks.OKResponse("o"))
	storage.DeleteFn = func(ctx context.Context, name string) (bool, error) {
		if name == "broken" {
			return false, fmt.Errorf("locked")
		}
		return storage.Remove(name), nil
	}
	m := newManager(t, "v2", storage, tmocks.ManifestFetcher(), nil)
	require.NoError(t, m.Install(context.Background()))
	require.NoError(t, m.Activate(context.Background()))

	keys, _ := storage.Keys(context.Background())
	require.Contains(t, keys, "broken")
	require.NotContains(t, keys, "old")
	require.Equal(t, offline.StateActive, m.State())
}

func TestHandleFetch_CacheHitDoesNotTouchNetwork(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	metrics := &tmocks.OfflineMetricsMock{}
	m, net := activeManager(t, storage, metrics)
	before := net.Calls()

	resp, source, err := m.HandleFetch(context.Background(), get("/style.css"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, "body of /style.css", string(resp.Body))
	require.Equal(t, before, net.Calls())
	require.Equal(t, 1, metrics.Fetches(ports.FetchFromCache))
}

func TestHandleFetch_IgnoresFragmentAndHeaders(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	before := net.Calls()

	req := get("/first.js#main")
	req.Header = http.Header{"Accept": {"application/javascript"}}
	_, source, err := m.HandleFetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, before, net.Calls())
}

func TestHandleFetch_MissIsFetchedAndStored(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)

	resp, source, err := m.HandleFetch(context.Background(), get("/lesson/1?tab=2"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromNetwork, source)
	require.Equal(t, "body of /lesson/1?tab=2", string(resp.Body))
	require.Contains(t, storage.Entries("stem-learning-v1"), "GET /lesson/1?tab=2")

	calls := net.Calls()
	_, source, err = m.HandleFetch(context.Background(), get("/lesson/1?tab=2"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, calls, net.Calls())
}

func TestHandleFetch_ErrorStatusesAreCachedToo(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	net.FetchFn = func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		return &offline.Response{Status: http.StatusNotFound, Body: []byte("missing")}, nil
	}

	resp, source, err := m.HandleFetch(context.Background(), get("/nope"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromNetwork, source)
	require.Equal(t, http.StatusNotFound, resp.Status)

	resp, source, err = m.HandleFetch(context.Background(), get("/nope"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, http.StatusNotFound, resp.Status)
}

func TestHandleFetch_NonGetBypassesCache(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	before := net.Calls()

	req := &offline.Request{Method: http.MethodPost, URL: "/index.html", Body: []byte("a=1")}
	resp, source, err := m.HandleFetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromNetwork, source)
	require.Equal(t, "body of /index.html", string(resp.Body))
	require.Equal(t, before+1, net.Calls())
	require.NotContains(t, storage.Entries("stem-learning-v1"), "POST /index.html")
}

func TestHandleFetch_UnstorableResponsesAreNotStored(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	net.FetchFn = func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		if req.URL == "/video" {
			return &offline.Response{Status: http.StatusPartialContent, Body: []byte("part")}, nil
		}
		return &offline.Response{Status: http.StatusOK, Header: http.Header{"Vary": {"Accept, *"}}}, nil
	}

	_, _, err := m.HandleFetch(context.Background(), get("/video"))
	require.NoError(t, err)
	_, _, err = m.HandleFetch(context.Background(), get("/varies"))
	require.NoError(t, err)
	require.Equal(t, 0, storage.PutCount())
}

func TestHandleFetch_NavigationFallsBackToIndexWhenOffline(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	metrics := &tmocks.OfflineMetricsMock{}
	m, net := activeManager(t, storage, metrics)
	net.FetchFn = nil

	resp, source, err := m.HandleFetch(context.Background(), navigate("/some/unknown/page"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromFallback, source)
	require.Equal(t, "body of /index.html", string(resp.Body))
	require.Equal(t, 1, metrics.Fetches(ports.FetchFromFallback))
}

func TestHandleFetch_SubresourceFailsWhenOffline(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	metrics := &tmocks.OfflineMetricsMock{}
	m, net := activeManager(t, storage, metrics)
	net.FetchFn = nil

	resp, source, err := m.HandleFetch(context.Background(), get("/api/progress.json"))
	require.ErrorIs(t, err, offline.ErrNetworkFailure)
	require.Nil(t, resp)
	require.Equal(t, ports.FetchFailed, source)
	require.Equal(t, 1, metrics.Fetches(ports.FetchFailed))
}

func TestHandleFetch_NavigationFailsWhenFallbackMissing(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	net.FetchFn = nil
	_, err := storage.Delete(context.Background(), "stem-learning-v1")
	require.NoError(t, err)

	_, source, err := m.HandleFetch(context.Background(), navigate("/"))
	require.ErrorIs(t, err, offline.ErrNetworkFailure)
	require.Equal(t, ports.FetchFailed, source)
}

func TestHandleFetch_StoreReadErrorStillTriesNetwork(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	storage.MatchFn = func(ctx context.Context, name string, id offline.RequestIdentity) (*offline.Response, bool, error) {
		return nil, false, fmt.Errorf("io error")
	}
	before := net.Calls()

	resp, source, err := m.HandleFetch(context.Background(), get("/style.css"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromNetwork, source)
	require.Equal(t, "body of /style.css", string(resp.Body))
	require.Equal(t, before+1, net.Calls())
}

func TestHandleFetch_WriteFailureStillAnswers(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	metrics := &tmocks.OfflineMetricsMock{}
	m, _ := activeManager(t, storage, metrics)
	storage.PutFn = func(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error {
		return fmt.Errorf("quota exceeded")
	}

	resp, source, err := m.HandleFetch(context.Background(), get("/new.css"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromNetwork, source)
	require.Equal(t, "body of /new.css", string(resp.Body))
	require.Equal(t, 1, metrics.WriteFailures())
}

func TestHandleFetch_ReturnsIndependentCopies(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, _ := activeManager(t, storage, nil)

	first, _, err := m.HandleFetch(context.Background(), get("/fresh"))
	require.NoError(t, err)
	first.Body[0] = 'X'
	first.Header.Set("Content-Type", "mutated")

	second, source, err := m.HandleFetch(context.Background(), get("/fresh"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, "body of /fresh", string(second.Body))
	require.Equal(t, "text/plain", second.Header.Get("Content-Type"))
}

func TestHandleFetch_CoalescesConcurrentMisses(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	before := net.Calls()

	release := make(chan struct{})
	net.FetchFn = func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		<-release
		return tmocks.OKResponse("shared"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := m.HandleFetch(context.Background(), get("/slow.js"))
			if assert.NoError(t, err) {
				bodies[i] = string(resp.Body)
			}
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, b := range bodies {
		require.Equal(t, "shared", b)
	}
	require.Equal(t, before+1, net.Calls())
}

func TestHandleFetch_RetiredManagerDoesNotWrite(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, _ := activeManager(t, storage, nil)
	m.Retire()
	require.Equal(t, offline.StateRedundant, m.State())

	_, source, err := m.HandleFetch(context.Background(), get("/late"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromNetwork, source)
	require.Equal(t, 0, storage.PutCount())
}

func TestHandleFetch_CancelledCallerDoesNotFailCoalescedCallers(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, net := activeManager(t, storage, nil)
	before := net.Calls()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	net.FetchFn = func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return tmocks.OKResponse("slow body"), nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", offline.ErrNetworkFailure, ctx.Err())
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := m.HandleFetch(leaderCtx, get("/slow.js"))
		leaderErr <- err
	}()
	<-started

	type result struct {
		resp   *offline.Response
		source ports.FetchSource
		err    error
	}
	follower := make(chan result, 1)
	go func() {
		resp, source, err := m.HandleFetch(context.Background(), navigate("/slow.js"))
		follower <- result{resp, source, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	res := <-follower
	require.NoError(t, res.err)
	require.Equal(t, ports.FetchFromNetwork, res.source)
	require.Equal(t, "slow body", string(res.resp.Body))
	require.Equal(t, before+1, net.Calls())
	require.Contains(t, storage.Entries("stem-learning-v1"), "GET /slow.js")
}

func TestHandleFetch_OversizedResponseIsNotTreatedAsOffline(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	metrics := &tmocks.OfflineMetricsMock{}
	m, net := activeManager(t, storage, metrics)
	net.FetchFn = func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		return nil, fmt.Errorf("%w: response for %s exceeds 16 bytes", offline.ErrResponseTooLarge, req.URL)
	}

	resp, source, err := m.HandleFetch(context.Background(), navigate("/lesson/video"))
	require.ErrorIs(t, err, offline.ErrResponseTooLarge)
	require.NotErrorIs(t, err, offline.ErrNetworkFailure)
	require.Nil(t, resp)
	require.Equal(t, ports.FetchFailed, source)
	require.Equal(t, 0, metrics.Fetches(ports.FetchFromFallback))
}

func TestRetire_WaitsForInFlightStoreWrite(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m, _ := activeManager(t, storage, nil)

	var puts atomic.Int32
	writing := make(chan struct{})
	release := make(chan struct{})
	storage.PutFn = func(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error {
		if puts.Add(1) == 1 {
			close(writing)
			<-release
		}
		storage.Seed(name, id.Method, id.URL, resp)
		return nil
	}

	fetched := make(chan struct{})
	go func() {
		defer close(fetched)
		_, _, err := m.HandleFetch(context.Background(), get("/late.js"))
		assert.NoError(t, err)
	}()
	<-writing

	retired := make(chan struct{})
	go func() {
		m.Retire()
		close(retired)
	}()
	select {
	case <-retired:
		t.Fatal("Retire returned while a store write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-retired
	<-fetched
	require.Equal(t, offline.StateRedundant, m.State())
	require.Contains(t, storage.Entries("stem-learning-v1"), "GET /late.js")

	_, _, err := m.HandleFetch(context.Background(), get("/after-retire.js"))
	require.NoError(t, err)
	require.EqualValues(t, 1, puts.Load())
}

func TestRestore_AdoptsCompleteStoreWithoutNetwork(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	activeManager(t, storage, nil)

	offlineNet := &tmocks.FetcherMock{}
	m := newManager(t, "stem-learning-v1", storage, offlineNet, nil)
	require.NoError(t, m.Restore(context.Background()))
	require.Equal(t, offline.StateInstalled, m.State())
	require.NoError(t, m.Activate(context.Background()))

	resp, source, err := m.HandleFetch(context.Background(), get("/style.css"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromCache, source)
	require.Equal(t, "body of /style.css", string(resp.Body))

	resp, source, err = m.HandleFetch(context.Background(), navigate("/lesson/unseen"))
	require.NoError(t, err)
	require.Equal(t, ports.FetchFromFallback, source)
	require.Equal(t, "body of /index.html", string(resp.Body))
	require.Equal(t, 1, offlineNet.Calls())
}

func TestRestore_RejectsMissingOrPartialStore(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	m := newManager(t, "stem-learning-v1", storage, &tmocks.FetcherMock{}, nil)
	require.ErrorIs(t, m.Restore(context.Background()), offline.ErrStoreIncomplete)
	require.Equal(t, offline.StateParsed, m.State())

	storage.Seed("stem-learning-v1", http.MethodGet, "/", tmocks.OKResponse("root"))
	storage.Seed("stem-learning-v1", http.MethodGet, "/index.html", tmocks.OKResponse("shell"))
	err := m.Restore(context.Background())
	require.ErrorIs(t, err, offline.ErrStoreIncomplete)
	require.Contains(t, err.Error(), "/style.css")
	require.Equal(t, offline.StateParsed, m.State())
}

func TestRestore_PropagatesStoreErrors(t *testing.T) {
	storage := tmocks.NewCacheStorageMock()
	storage.HasFn = func(ctx context.Context, name string) (bool, error) {
		return false, errors.New("database is locked")
	}
	m := newManager(t, "stem-learning-v1", storage, &tmocks.FetcherMock{}, nil)

	err := m.Restore(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, offline.ErrStoreIncomplete)
}
