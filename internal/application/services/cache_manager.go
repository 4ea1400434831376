package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// CacheManagerConfig groups the deploy-time constants of one cache generation.
type CacheManagerConfig struct {
	Version      offline.CacheVersion
	Manifest     offline.Manifest
	FallbackPath string
	// InstallConcurrency bounds parallel manifest fetches; <=0 means unbounded.
	InstallConcurrency int
}

// CacheManager implements ports.CacheManager for a single cache version.
type CacheManager struct {
	cfg     CacheManagerConfig
	storage ports.CacheStorage
	network ports.Fetcher
	clients ports.ClientRegistry
	metrics ports.OfflineMetrics
	logger  *logrus.Logger

	// misses coalesces concurrent network fetches of the same identity.
	misses singleflight.Group
	// writes is held shared across each runtime store write and exclusively
	// by Retire, so no write lands after retirement.
	writes sync.RWMutex

	mu          sync.RWMutex
	state       offline.State
	installedAt *time.Time
	activatedAt *time.Time
	lastErr     error
}

func NewCacheManager(cfg CacheManagerConfig, storage ports.CacheStorage, network ports.Fetcher, clients ports.ClientRegistry, metrics ports.OfflineMetrics, logger *logrus.Logger) (*CacheManager, error) {
	if err := cfg.Version.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if cfg.FallbackPath == "" {
		cfg.FallbackPath = "/index.html"
	}
	if storage == nil || network == nil {
		return nil, fmt.Errorf("cache storage and network fetcher are required")
	}
	return &CacheManager{
		cfg:     cfg,
		storage: storage,
		network: network,
		clients: clients,
		metrics: metrics,
		logger:  logger,
		state:   offline.StateParsed,
	}, nil
}

func (m *CacheManager) Version() offline.CacheVersion { return m.cfg.Version }

func (m *CacheManager) State() offline.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *CacheManager) Status() offline.ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := offline.ManagerStatus{
		Version:     m.cfg.Version,
		State:       m.state,
		InstalledAt: m.installedAt,
		ActivatedAt: m.activatedAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// transition moves from one of the allowed states to next.
func (m *CacheManager) transition(next offline.State, from ...offline.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", offline.ErrInvalidTransition, m.state, next)
}

func (m *CacheManager) fail(err error) {
	m.mu.Lock()
	m.state = offline.StateRedundant
	m.lastErr = err
	m.mu.Unlock()
}

func (m *CacheManager) log() *logrus.Entry {
	if m.logger == nil {
		return nil
	}
	return m.logger.WithField("version", m.cfg.Version)
}

// Install fetches every manifest asset and writes them to the version's store
// in a single atomic step. Any failed asset fails the whole install and the
// manager becomes redundant; nothing is written in that case.
func (m *CacheManager) Install(ctx context.Context) error {
	if err := m.transition(offline.StateInstalling, offline.StateParsed); err != nil {
		return err
	}
	start := time.Now()
	attempt := uuid.New()
	if l := m.log(); l != nil {
		l.WithFields(logrus.Fields{"attempt": attempt, "assets": len(m.cfg.Manifest)}).Info("installing")
	}

	entries, err := m.fetchManifest(ctx)
	if err == nil {
		err = m.storage.PutAll(ctx, string(m.cfg.Version), entries)
		if err != nil {
			err = fmt.Errorf("failed to populate store: %w", err)
		}
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(context.Cause(ctx), offline.ErrSuperseded) {
			err = fmt.Errorf("%w: %w", offline.ErrSuperseded, err)
		}
		err = fmt.Errorf("%w: %w", offline.ErrInstallFailed, err)
		m.fail(err)
		m.recordLifecycle("install", "failure", start)
		if l := m.log(); l != nil {
			l.WithField("attempt", attempt).WithError(err).Error("install failed")
		}
		return err
	}

	now := time.Now()
	m.mu.Lock()
	m.state = offline.StateInstalled
	m.installedAt = &now
	m.mu.Unlock()
	m.recordLifecycle("install", "success", start)
	if l := m.log(); l != nil {
		l.WithFields(logrus.Fields{"attempt": attempt, "duration_ms": time.Since(start).Milliseconds()}).Info("installed")
	}
	return nil
}

// fetchManifest fetches all assets concurrently. The first failure cancels the rest.
func (m *CacheManager) fetchManifest(ctx context.Context) ([]offline.CacheEntry, error) {
	entries := make([]offline.CacheEntry, len(m.cfg.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.InstallConcurrency > 0 {
		g.SetLimit(m.cfg.InstallConcurrency)
	}
	for i, path := range m.cfg.Manifest {
		i, path := i, path
		g.Go(func() error {
			req := &offline.Request{Method: "GET", URL: path, Mode: offline.ModeNoCORS}
			id, err := req.Identity()
			if err != nil {
				return err
			}
			resp, err := m.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", path, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", path, resp.Status)
			}
			entries[i] = offline.CacheEntry{Identity: id, Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Restore adopts the version's store as left by an earlier process, leaving the
// manager installed and ready for Activate. Every manifest asset must still be
// present; otherwise ErrStoreIncomplete is returned and the manager stays parsed.
func (m *CacheManager) Restore(ctx context.Context) error {
	store := string(m.cfg.Version)
	ok, err := m.storage.Has(ctx, store)
	if err != nil {
		return fmt.Errorf("failed to look up store %s: %w", store, err)
	}
	if !ok {
		return fmt.Errorf("%w: no store named %s", offline.ErrStoreIncomplete, store)
	}
	for _, path := range m.cfg.Manifest {
		id, err := offline.NewRequestIdentity("GET", path)
		if err != nil {
			return err
		}
		_, found, err := m.storage.Match(ctx, store, id)
		if err != nil {
			return fmt.Errorf("failed to read %s from store %s: %w", path, store, err)
		}
		if !found {
			return fmt.Errorf("%w: %s missing from %s", offline.ErrStoreIncomplete, path, store)
		}
	}

	if err := m.transition(offline.StateInstalled, offline.StateParsed); err != nil {
		return err
	}
	now := time.Now()
	m.mu.Lock()
	m.installedAt = &now
	m.mu.Unlock()
	if l := m.log(); l != nil {
		l.Info("restored installed store")
	}
	return nil
}

// Activate deletes every store other than the current version's, then claims
// open clients. Deletion failures are logged and do not stop the claim.
func (m *CacheManager) Activate(ctx context.Context) error {
	if err := m.transition(offline.StateActivating, offline.StateInstalled); err != nil {
		return err
	}
	start := time.Now()

	keys, err := m.storage.Keys(ctx)
	if err != nil {
		if l := m.log(); l != nil {
			l.WithError(err).Warn("failed to enumerate stores; stale stores kept until next activation")
		}
	}
	for _, key := range keys {
		if key == string(m.cfg.Version) {
			continue
		}
		if _, err := m.storage.Delete(ctx, key); err != nil {
			if l := m.log(); l != nil {
				l.WithField("store", key).WithError(err).Warn("failed to delete stale store")
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordStaleStoreDeleted()
		}
		if l := m.log(); l != nil {
			l.WithField("store", key).Info("deleted stale store")
		}
	}

	claimed := 0
	if m.clients != nil {
		if claimed, err = m.clients.Claim(ctx, m.cfg.Version); err != nil {
			if l := m.log(); l != nil {
				l.WithError(err).Warn("failed to claim clients")
			}
		}
	}

	now := time.Now()
	m.mu.Lock()
	m.state = offline.StateActive
	m.activatedAt = &now
	m.mu.Unlock()
	m.recordLifecycle("activate", "success", start)
	if l := m.log(); l != nil {
		l.WithField("claimed", claimed).Info("activated")
	}
	return nil
}

// Retire marks the manager redundant once a newer version replaces it. It
// waits for runtime writes already in progress.
func (m *CacheManager) Retire() {
	m.writes.Lock()
	defer m.writes.Unlock()
	m.mu.Lock()
	m.state = offline.StateRedundant
	m.mu.Unlock()
}

// store writes a network response to the version's store unless the manager
// has been retired.
func (m *CacheManager) store(ctx context.Context, id offline.RequestIdentity, resp *offline.Response) {
	m.writes.RLock()
	defer m.writes.RUnlock()
	if m.State() == offline.StateRedundant {
		return
	}
	if err := m.storage.Put(ctx, string(m.cfg.Version), id, resp); err != nil {
		if m.metrics != nil {
			m.metrics.RecordCacheWriteFailure()
		}
		if l := m.log(); l != nil {
			l.WithField("url", id.URL).WithError(err).Warn("failed to store network response")
		}
	}
}

// HandleFetch answers a request cache-first. A hit is returned verbatim with no
// network call. A miss goes to the network and a clone of the response is stored
// best-effort. When the network fails, navigations get the cached fallback
// document and everything else gets the failure.
func (m *CacheManager) HandleFetch(ctx context.Context, req *offline.Request) (*offline.Response, ports.FetchSource, error) {
	id, err := req.Identity()
	if err != nil {
		m.recordFetch(ports.FetchFailed)
		return nil, ports.FetchFailed, err
	}
	store := string(m.cfg.Version)

	if !id.Cacheable() {
		resp, err := m.network.Fetch(ctx, req)
		if err != nil {
			return m.fallback(ctx, req, err)
		}
		m.recordFetch(ports.FetchFromNetwork)
		return resp, ports.FetchFromNetwork, nil
	}

	cached, ok, err := m.storage.Match(ctx, store, id)
	if err != nil {
		if l := m.log(); l != nil {
			l.WithFields(logrus.Fields{"url": id.URL, "method": id.Method}).WithError(err).Warn("cache lookup failed")
		}
	} else if ok {
		m.recordFetch(ports.FetchFromCache)
		return cached, ports.FetchFromCache, nil
	}

	// The shared fetch runs detached from any one caller, so a caller that
	// goes away does not fail the others waiting on it.
	flight := m.misses.DoChan(id.Key(), func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		resp, err := m.network.Fetch(fctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Storable() {
			m.store(fctx, id, resp.Clone())
		}
		return resp, nil
	})
	select {
	case <-ctx.Done():
		m.recordFetch(ports.FetchFailed)
		return nil, ports.FetchFailed, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return m.fallback(ctx, req, res.Err)
		}
		m.recordFetch(ports.FetchFromNetwork)
		// Shared between coalesced callers; each gets its own copy.
		return res.Val.(*offline.Response).Clone(), ports.FetchFromNetwork, nil
	}
}

// fallback serves the cached fallback document for navigations that failed on
// the network. Any such navigation gets the same document, whatever URL was
// requested. Other errors are returned as they are.
func (m *CacheManager) fallback(ctx context.Context, req *offline.Request, cause error) (*offline.Response, ports.FetchSource, error) {
	if !errors.Is(cause, offline.ErrNetworkFailure) {
		m.recordFetch(ports.FetchFailed)
		return nil, ports.FetchFailed, cause
	}
	if req.IsNavigation() {
		id, err := offline.NewRequestIdentity("GET", m.cfg.FallbackPath)
		if err == nil {
			doc, ok, err := m.storage.Match(ctx, string(m.cfg.Version), id)
			if err == nil && ok {
				if l := m.log(); l != nil {
					l.WithFields(logrus.Fields{"url": req.URL, "fallback": m.cfg.FallbackPath}).Info("navigation fallback served")
				}
				m.recordFetch(ports.FetchFromFallback)
				return doc, ports.FetchFromFallback, nil
			}
		}
	}
	if l := m.log(); l != nil {
		l.WithFields(logrus.Fields{"url": req.URL, "mode": req.Mode}).WithError(cause).Debug("request failed offline")
	}
	m.recordFetch(ports.FetchFailed)
	return nil, ports.FetchFailed, cause
}

func (m *CacheManager) recordFetch(source ports.FetchSource) {
	if m.metrics != nil {
		m.metrics.RecordFetch(source)
	}
}

func (m *CacheManager) recordLifecycle(event, outcome string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordLifecycle(event, outcome, time.Since(start))
	}
}
