package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/sirupsen/logrus"
)

// WorkerHostConfig is the deployment the host keeps registered.
type WorkerHostConfig struct {
	Version            offline.CacheVersion
	Manifest           offline.Manifest
	FallbackPath       string
	InstallConcurrency int
}

// WorkerHost implements ports.WorkerHost. It owns at most one active and one
// installing manager, activates a freshly installed version immediately, and
// routes fetches to whichever manager is active.
type WorkerHost struct {
	cfg     WorkerHostConfig
	storage ports.CacheStorage
	network ports.Fetcher
	clients ports.ClientRegistry
	metrics ports.OfflineMetrics
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	active        ports.CacheManager
	installing    ports.CacheManager
	installDone   *Completion
	cancelInstall context.CancelCauseFunc
}

func NewWorkerHost(cfg WorkerHostConfig, storage ports.CacheStorage, network ports.Fetcher, clients ports.ClientRegistry, metrics ports.OfflineMetrics, logger *logrus.Logger) *WorkerHost {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerHost{
		cfg:     cfg,
		storage: storage,
		network: network,
		clients: clients,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register starts install of version. A version already installing is not
// restarted; a different installing version is cancelled as superseded.
// Lifecycle work outlives ctx's cancellation and stops only on Close or supersession.
func (h *WorkerHost) Register(ctx context.Context, version offline.CacheVersion) ports.Completion {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.installing != nil {
		if h.installing.Version() == version {
			return h.installDone
		}
		if h.logger != nil {
			h.logger.WithFields(logrus.Fields{"version": h.installing.Version(), "superseded_by": version}).Warn("cancelling superseded install")
		}
		h.cancelInstall(offline.ErrSuperseded)
	}

	m, err := h.newManager(version)
	if err != nil {
		return resolvedCompletion(fmt.Errorf("failed to create cache manager: %w", err))
	}

	lctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(h.ctx, func() { cancel(context.Canceled) })
	h.installing = m
	h.cancelInstall = cancel
	h.installDone = waitUntil(lctx, func(ctx context.Context) error {
		defer stop()
		defer cancel(nil)
		return h.lifecycle(ctx, m)
	})
	return h.installDone
}

func (h *WorkerHost) newManager(version offline.CacheVersion) (*CacheManager, error) {
	return NewCacheManager(CacheManagerConfig{
		Version:            version,
		Manifest:           h.cfg.Manifest,
		FallbackPath:       h.cfg.FallbackPath,
		InstallConcurrency: h.cfg.InstallConcurrency,
	}, h.storage, h.network, h.clients, h.metrics, h.logger)
}

// Resume puts the configured version back in control from the store an earlier
// process installed, so pages stay controlled while the origin is unreachable.
// It does nothing when a manager is already active.
func (h *WorkerHost) Resume(ctx context.Context) (bool, error) {
	m, err := h.newManager(h.cfg.Version)
	if err != nil {
		return false, fmt.Errorf("failed to create cache manager: %w", err)
	}
	if err := m.Restore(ctx); err != nil {
		if errors.Is(err, offline.ErrStoreIncomplete) {
			if h.logger != nil {
				h.logger.WithField("version", h.cfg.Version).WithError(err).Info("no installed store to resume")
			}
			return false, nil
		}
		return false, err
	}

	h.mu.Lock()
	if h.active != nil {
		h.mu.Unlock()
		m.Retire()
		return false, nil
	}
	h.active = m
	h.mu.Unlock()

	if err := m.Activate(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// lifecycle runs install then, since a new version takes over without waiting
// for open pages to close, promotes and activates it straight away. A failed
// install leaves the active manager, if any, in control.
func (h *WorkerHost) lifecycle(ctx context.Context, m ports.CacheManager) error {
	installErr := m.Install(ctx)

	h.mu.Lock()
	if h.installing == m {
		h.installing = nil
		h.installDone = nil
		h.cancelInstall = nil
	}
	if installErr != nil {
		h.mu.Unlock()
		return installErr
	}
	if err := context.Cause(ctx); err != nil {
		h.mu.Unlock()
		m.Retire()
		if errors.Is(err, offline.ErrSuperseded) {
			return err
		}
		return fmt.Errorf("%w: %w", offline.ErrInstallFailed, err)
	}
	previous := h.active
	h.active = m
	h.mu.Unlock()

	if previous != nil {
		previous.Retire()
		if h.logger != nil {
			h.logger.WithFields(logrus.Fields{"version": previous.Version(), "replaced_by": m.Version()}).Info("previous version retired")
		}
	}
	return m.Activate(ctx)
}

// Update registers the configured version unless it is already active or
// installing. It doubles as the retry after a failed install.
func (h *WorkerHost) Update(ctx context.Context) ports.Completion {
	h.mu.RLock()
	if h.active != nil && h.active.Version() == h.cfg.Version {
		h.mu.RUnlock()
		return resolvedCompletion(nil)
	}
	if h.installing != nil && h.installing.Version() == h.cfg.Version {
		done := h.installDone
		h.mu.RUnlock()
		return done
	}
	h.mu.RUnlock()
	return h.Register(ctx, h.cfg.Version)
}

// RunUpdates calls Update every interval until ctx is done.
func (h *WorkerHost) RunUpdates(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if err := h.Update(ctx).Wait(ctx); err != nil && h.logger != nil {
				h.logger.WithError(err).Warn("scheduled update failed; will retry")
			}
		}
	}
}

// Fetch routes req to the active manager. Without one the page is uncontrolled
// and the request goes straight to the network.
func (h *WorkerHost) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, ports.FetchSource, error) {
	h.mu.RLock()
	active := h.active
	h.mu.RUnlock()
	if active != nil {
		return active.HandleFetch(ctx, req)
	}
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordFetch(ports.FetchFailed)
		}
		return nil, ports.FetchFailed, err
	}
	if h.metrics != nil {
		h.metrics.RecordFetch(ports.FetchPassthrough)
	}
	return resp, ports.FetchPassthrough, nil
}

func (h *WorkerHost) Controller() offline.CacheVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil {
		return ""
	}
	return h.active.Version()
}

func (h *WorkerHost) Status(ctx context.Context) (*offline.HostStatus, error) {
	h.mu.RLock()
	st := &offline.HostStatus{}
	if h.active != nil {
		s := h.active.Status()
		st.Active = &s
	}
	if h.installing != nil {
		s := h.installing.Status()
		st.Installing = &s
	}
	h.mu.RUnlock()

	keys, err := h.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}
	st.StoreKeys = keys
	if h.clients != nil {
		st.Clients = h.clients.Count()
	}
	return st, nil
}

// Close cancels in-flight lifecycle work. Already active managers keep serving.
func (h *WorkerHost) Close() {
	h.cancel()
}
