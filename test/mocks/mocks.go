package mocks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/auth"
	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/google/uuid"
)

// CacheStorageMock is an in-memory CacheStorage. Any Fn field that is set
// replaces the in-memory behavior for that method, which is how tests inject
// failures.
type CacheStorageMock struct {
	OpenFn   func(ctx context.Context, name string) error
	HasFn    func(ctx context.Context, name string) (bool, error)
	KeysFn   func(ctx context.Context) ([]string, error)
	DeleteFn func(ctx context.Context, name string) (bool, error)
	MatchFn  func(ctx context.Context, name string, id offline.RequestIdentity) (*offline.Response, bool, error)
	PutFn    func(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error
	PutAllFn func(ctx context.Context, name string, entries []offline.CacheEntry) error

	mu     sync.Mutex
	order  []string
	stores map[string]map[string]*offline.Response
	puts   int
}

func NewCacheStorageMock() *CacheStorageMock {
	return &CacheStorageMock{stores: map[string]map[string]*offline.Response{}}
}

func (m *CacheStorageMock) open(name string) map[string]*offline.Response {
	if m.stores == nil {
		m.stores = map[string]map[string]*offline.Response{}
	}
	s, ok := m.stores[name]
	if !ok {
		s = map[string]*offline.Response{}
		m.stores[name] = s
		m.order = append(m.order, name)
	}
	return s
}

func (m *CacheStorageMock) Open(ctx context.Context, name string) error {
	if m.OpenFn != nil {
		return m.OpenFn(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open(name)
	return nil
}

func (m *CacheStorageMock) Has(ctx context.Context, name string) (bool, error) {
	if m.HasFn != nil {
		return m.HasFn(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *CacheStorageMock) Keys(ctx context.Context) ([]string, error) {
	if m.KeysFn != nil {
		return m.KeysFn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.order...), nil
}

func (m *CacheStorageMock) Delete(ctx context.Context, name string) (bool, error) {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, name)
	}
	return m.Remove(name), nil
}

// Remove drops a store, bypassing any Fn override.
func (m *CacheStorageMock) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false
	}
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *CacheStorageMock) Match(ctx context.Context, name string, id offline.RequestIdentity) (*offline.Response, bool, error) {
	if m.MatchFn != nil {
		return m.MatchFn(ctx, name, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return nil, false, nil
	}
	r, ok := s[id.Key()]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *CacheStorageMock) Put(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error {
	if m.PutFn != nil {
		return m.PutFn(ctx, name, id, resp)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open(name)[id.Key()] = resp.Clone()
	m.puts++
	return nil
}

func (m *CacheStorageMock) PutAll(ctx context.Context, name string, entries []offline.CacheEntry) error {
	if m.PutAllFn != nil {
		return m.PutAllFn(ctx, name, entries)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.open(name)
	for _, e := range entries {
		s[e.Identity.Key()] = e.Response.Clone()
	}
	return nil
}

// Seed writes a response straight into a store, bypassing any Fn override.
func (m *CacheStorageMock) Seed(name, method, url string, resp *offline.Response) {
	id, err := offline.NewRequestIdentity(method, url)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open(name)[id.Key()] = resp.Clone()
}

// Entries returns the identity keys held by a store, sorted.
func (m *CacheStorageMock) Entries(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.stores[name] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutCount is the number of single-entry Puts that reached the in-memory store.
func (m *CacheStorageMock) PutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// FetcherMock is a lightweight mock for the network
type FetcherMock struct {
	FetchFn func(ctx context.Context, req *offline.Request) (*offline.Response, error)

	calls atomic.Int64
	mu    sync.Mutex
	urls  []string
}

func (m *FetcherMock) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.urls = append(m.urls, req.URL)
	m.mu.Unlock()
	if m.FetchFn != nil {
		return m.FetchFn(ctx, req)
	}
	return nil, fmt.Errorf("%w: no network in test", offline.ErrNetworkFailure)
}

func (m *FetcherMock) Calls() int { return int(m.calls.Load()) }

func (m *FetcherMock) URLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.urls...)
}

// OKResponse is a 200 with a text body, for FetchFn implementations.
func OKResponse(body string) *offline.Response {
	return &offline.Response{Status: 200, Header: map[string][]string{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

// ManifestFetcher answers each manifest path with 200 and the path as body.
func ManifestFetcher() *FetcherMock {
	return &FetcherMock{FetchFn: func(ctx context.Context, req *offline.Request) (*offline.Response, error) {
		return OKResponse("body of " + req.URL), nil
	}}
}

// OfflineMetricsMock counts what was recorded.
type OfflineMetricsMock struct {
	mu        sync.Mutex
	fetches   map[ports.FetchSource]int
	lifecycle map[string]int
	stale     int
	writes    int
}

func (m *OfflineMetricsMock) RecordFetch(source ports.FetchSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetches == nil {
		m.fetches = map[ports.FetchSource]int{}
	}
	m.fetches[source]++
}

func (m *OfflineMetricsMock) RecordLifecycle(event, outcome string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lifecycle == nil {
		m.lifecycle = map[string]int{}
	}
	m.lifecycle[event+"/"+outcome]++
}

func (m *OfflineMetricsMock) RecordStaleStoreDeleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale++
}

func (m *OfflineMetricsMock) RecordCacheWriteFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
}

func (m *OfflineMetricsMock) Fetches(source ports.FetchSource) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[source]
}

func (m *OfflineMetricsMock) Lifecycle(event, outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifecycle[event+"/"+outcome]
}

func (m *OfflineMetricsMock) StaleDeleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

func (m *OfflineMetricsMock) WriteFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// ClientRegistryMock is a lightweight mock for ClientRegistry
type ClientRegistryMock struct {
	TouchFn func(ctx context.Context, id uuid.UUID, url string, controller offline.CacheVersion) (*offline.Client, error)
	GetFn   func(ctx context.Context, id uuid.UUID) (*offline.Client, bool)
	ClaimFn func(ctx context.Context, version offline.CacheVersion) (int, error)
	ListFn  func(ctx context.Context) []*offline.Client
	CountFn func() int
}

func (m *ClientRegistryMock) Touch(ctx context.Context, id uuid.UUID, url string, controller offline.CacheVersion) (*offline.Client, error) {
	if m.TouchFn != nil {
		return m.TouchFn(ctx, id, url, controller)
	}
	return &offline.Client{ID: id, URL: url, Controller: controller}, nil
}
func (m *ClientRegistryMock) Get(ctx context.Context, id uuid.UUID) (*offline.Client, bool) {
	if m.GetFn != nil {
		return m.GetFn(ctx, id)
	}
	return nil, false
}
func (m *ClientRegistryMock) Claim(ctx context.Context, version offline.CacheVersion) (int, error) {
	if m.ClaimFn != nil {
		return m.ClaimFn(ctx, version)
	}
	return 0, nil
}
func (m *ClientRegistryMock) List(ctx context.Context) []*offline.Client {
	if m.ListFn != nil {
		return m.ListFn(ctx)
	}
	return nil
}
func (m *ClientRegistryMock) Count() int {
	if m.CountFn != nil {
		return m.CountFn()
	}
	return 0
}

// Completion is an already resolved ports.Completion.
type Completion struct{ err error }

func ResolvedCompletion(err error) *Completion { return &Completion{err: err} }

func (c *Completion) Wait(ctx context.Context) error { return c.err }
func (c *Completion) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (c *Completion) Err() error { return c.err }

// WorkerHostMock is a lightweight mock for WorkerHost
type WorkerHostMock struct {
	RegisterFn   func(ctx context.Context, version offline.CacheVersion) ports.Completion
	UpdateFn     func(ctx context.Context) ports.Completion
	ResumeFn     func(ctx context.Context) (bool, error)
	FetchFn      func(ctx context.Context, req *offline.Request) (*offline.Response, ports.FetchSource, error)
	ControllerFn func() offline.CacheVersion
	StatusFn     func(ctx context.Context) (*offline.HostStatus, error)
	CloseFn      func()
}

func (m *WorkerHostMock) Register(ctx context.Context, version offline.CacheVersion) ports.Completion {
	if m.RegisterFn != nil {
		return m.RegisterFn(ctx, version)
	}
	return ResolvedCompletion(nil)
}
func (m *WorkerHostMock) Update(ctx context.Context) ports.Completion {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx)
	}
	return ResolvedCompletion(nil)
}
func (m *WorkerHostMock) Resume(ctx context.Context) (bool, error) {
	if m.ResumeFn != nil {
		return m.ResumeFn(ctx)
	}
	return false, nil
}
func (m *WorkerHostMock) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, ports.FetchSource, error) {
	if m.FetchFn != nil {
		return m.FetchFn(ctx, req)
	}
	return nil, ports.FetchFailed, fmt.Errorf("%w: no network in test", offline.ErrNetworkFailure)
}
func (m *WorkerHostMock) Controller() offline.CacheVersion {
	if m.ControllerFn != nil {
		return m.ControllerFn()
	}
	return ""
}
func (m *WorkerHostMock) Status(ctx context.Context) (*offline.HostStatus, error) {
	if m.StatusFn != nil {
		return m.StatusFn(ctx)
	}
	return &offline.HostStatus{StoreKeys: []string{}}, nil
}
func (m *WorkerHostMock) Close() {
	if m.CloseFn != nil {
		m.CloseFn()
	}
}

// AdminTokenServiceMock is a lightweight mock for AdminTokenService
type AdminTokenServiceMock struct {
	GenerateTokenFn func(subject string, scopes ...string) (*auth.AdminToken, error)
	ValidateTokenFn func(tokenString string) (*auth.Claims, error)
}

func (m *AdminTokenServiceMock) GenerateToken(subject string, scopes ...string) (*auth.AdminToken, error) {
	if m.GenerateTokenFn != nil {
		return m.GenerateTokenFn(subject, scopes...)
	}
	return &auth.AdminToken{AccessToken: "token-" + subject}, nil
}
func (m *AdminTokenServiceMock) ValidateToken(tokenString string) (*auth.Claims, error) {
	if m.ValidateTokenFn != nil {
		return m.ValidateTokenFn(tokenString)
	}
	return nil, auth.ErrInvalidToken
}

// RateLimiterServiceMock is a lightweight mock for RateLimiterService
type RateLimiterServiceMock struct {
	AllowFn func(ctx context.Context, subject string) (bool, int, int, time.Time, error)
}

func (m *RateLimiterServiceMock) Allow(ctx context.Context, subject string) (bool, int, int, time.Time, error) {
	if m.AllowFn != nil {
		return m.AllowFn(ctx, subject)
	}
	return true, 1, 1, time.Now(), nil
}

// RateLimitRepositoryMock is a lightweight mock for RateLimitRepository
type RateLimitRepositoryMock struct {
	IncrementWindowFn func(ctx context.Context, key string, window, ttl time.Duration) (int, time.Time, error)
}

func (m *RateLimitRepositoryMock) IncrementWindow(ctx context.Context, key string, window, ttl time.Duration) (int, time.Time, error) {
	if m.IncrementWindowFn != nil {
		return m.IncrementWindowFn(ctx, key, window, ttl)
	}
	return 1, time.Now().Truncate(window), nil
}

// CacheMock is an in-memory ports.Cache that ignores TTLs.
type CacheMock struct {
	GetFn    func(ctx context.Context, key string) ([]byte, bool, error)
	DeleteFn func(ctx context.Context, key string) error

	mu   sync.Mutex
	data map[string][]byte
}

func (m *CacheMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}
func (m *CacheMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}
func (m *CacheMock) Delete(ctx context.Context, key string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
func (m *CacheMock) DeletePrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}
func (m *CacheMock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// HealthCheckerMock is a lightweight mock for HealthChecker
type HealthCheckerMock struct {
	NameValue string
	CheckFn   func(ctx context.Context) error
}

func (m *HealthCheckerMock) Name() string { return m.NameValue }
func (m *HealthCheckerMock) Check(ctx context.Context) error {
	if m.CheckFn != nil {
		return m.CheckFn(ctx)
	}
	return nil
}
