package ports

import (
	"context"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/google/uuid"
)

// CacheStorage is the set of named cache stores, one per cache version.
// Implementations must be durable across process restarts and safe for concurrent use.
type CacheStorage interface {
	// Open creates the named store if it does not exist yet.
	Open(ctx context.Context, name string) error
	// Has reports whether the named store exists.
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all stores in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a store and all of its entries. ok=false if it did not exist.
	Delete(ctx context.Context, name string) (bool, error)
	// Match returns the response stored under id. ok=false on a miss, including a missing store.
	Match(ctx context.Context, name string, id offline.RequestIdentity) (*offline.Response, bool, error)
	// Put stores resp under id, replacing any previous response. The store is created if absent.
	Put(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error
	// PutAll creates the store if needed and writes every entry in one atomic step:
	// either all entries become visible or none do.
	PutAll(ctx context.Context, name string, entries []offline.CacheEntry) error
}

// Fetcher performs a request against the network (the origin).
// A transport failure must be reported as an error wrapping offline.ErrNetworkFailure;
// any HTTP status, including 4xx/5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error)
}

// ClientRegistry tracks the pages served through the host.
type ClientRegistry interface {
	// Touch records a page visit, creating the client if needed.
	Touch(ctx context.Context, id uuid.UUID, url string, controller offline.CacheVersion) (*offline.Client, error)
	// Get returns a client by ID.
	Get(ctx context.Context, id uuid.UUID) (*offline.Client, bool)
	// Claim makes version the controller of every known client and returns how many changed.
	Claim(ctx context.Context, version offline.CacheVersion) (int, error)
	// List returns all clients ordered by first visit.
	List(ctx context.Context) []*offline.Client
	// Count returns the number of known clients.
	Count() int
}

// FetchSource labels where a fetch was answered from.
type FetchSource string

const (
	FetchFromCache    FetchSource = "cache"
	FetchFromNetwork  FetchSource = "network"
	FetchFromFallback FetchSource = "fallback"
	FetchPassthrough  FetchSource = "passthrough"
	FetchFailed       FetchSource = "error"
)

// OfflineMetrics receives cache manager observations. Implementations must be
// safe for concurrent use.
type OfflineMetrics interface {
	RecordFetch(source FetchSource)
	RecordLifecycle(event, outcome string, duration time.Duration)
	RecordStaleStoreDeleted()
	RecordCacheWriteFailure()
}

// CacheManager is the offline cache manager for one cache version.
type CacheManager interface {
	Version() offline.CacheVersion
	State() offline.State
	Status() offline.ManagerStatus
	// Install populates the version's store with the manifest, all-or-nothing.
	Install(ctx context.Context) error
	// Restore adopts a complete store left by an earlier process in place of Install.
	Restore(ctx context.Context) error
	// Activate deletes every non-current store and claims open clients.
	Activate(ctx context.Context) error
	// HandleFetch answers one intercepted request, cache first.
	HandleFetch(ctx context.Context, req *offline.Request) (*offline.Response, FetchSource, error)
	// Retire marks a replaced manager redundant.
	Retire()
}

// WorkerHost plays the role of the hosting environment: it owns the managers,
// dispatches lifecycle events and routes fetches to the active one.
type WorkerHost interface {
	// Register starts the lifecycle of a version. The returned completion resolves
	// once the version is active or its install failed.
	Register(ctx context.Context, version offline.CacheVersion) Completion
	// Update registers the configured version unless it is already active or installing.
	Update(ctx context.Context) Completion
	// Resume activates the configured version from its existing store, without
	// the network. It reports false when there is no complete store to adopt.
	Resume(ctx context.Context) (bool, error)
	// Fetch routes a request to the active manager, or straight to the network if none is active.
	Fetch(ctx context.Context, req *offline.Request) (*offline.Response, FetchSource, error)
	// Controller returns the active version, empty if none.
	Controller() offline.CacheVersion
	Status(ctx context.Context) (*offline.HostStatus, error)
	// Close cancels in-flight lifecycle work.
	Close()
}

// Completion is the future a lifecycle dispatch returns. The phase is complete
// only once Wait returns.
type Completion interface {
	Wait(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}
