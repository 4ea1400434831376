package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ClientRegistry keeps the open pages of this process in memory. Pages are
// re-registered on their next navigation after a restart, so nothing is persisted.
// A page not seen for idleTTL is treated as closed and dropped by Prune.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*offline.Client
	idleTTL time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// NewClientRegistry creates a registry; idleTTL <= 0 keeps clients forever.
func NewClientRegistry(idleTTL time.Duration, logger *logrus.Logger) *ClientRegistry {
	return &ClientRegistry{clients: make(map[uuid.UUID]*offline.Client), idleTTL: idleTTL, logger: logger, now: time.Now}
}

var _ ports.ClientRegistry = (*ClientRegistry)(nil)

func (r *ClientRegistry) idle(c *offline.Client, now time.Time) bool {
	return r.idleTTL > 0 && now.Sub(c.LastSeen) > r.idleTTL
}

// Touch records a visit. An existing client keeps its controller: a page is only
// taken over by a newer version through Claim.
func (r *ClientRegistry) Touch(ctx context.Context, id uuid.UUID, url string, controller offline.CacheVersion) (*offline.Client, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if ok && r.idle(c, now) {
		delete(r.clients, id)
		ok = false
	}
	if !ok {
		c = &offline.Client{ID: id, Controller: controller, FirstSeen: now}
		r.clients[id] = c
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"client_id": id, "controller": controller}).Debug("client registered")
		}
	}
	c.URL = url
	c.LastSeen = now
	cp := *c
	return &cp, nil
}

func (r *ClientRegistry) Get(ctx context.Context, id uuid.UUID) (*offline.Client, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok || r.idle(c, now) {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (r *ClientRegistry) Claim(ctx context.Context, version offline.CacheVersion) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := 0
	for _, c := range r.clients {
		if c.Controller != version {
			c.Controller = version
			changed++
		}
	}
	return changed, nil
}

func (r *ClientRegistry) List(ctx context.Context) []*offline.Client {
	now := r.now()
	r.mu.RLock()
	out := make([]*offline.Client, 0, len(r.clients))
	for _, c := range r.clients {
		if r.idle(c, now) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

func (r *ClientRegistry) Count() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.clients {
		if !r.idle(c, now) {
			n++
		}
	}
	return n
}

// Prune drops every idle client and returns how many were removed.
func (r *ClientRegistry) Prune(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, c := range r.clients {
		if r.idle(c, now) {
			delete(r.clients, id)
			removed++
		}
	}
	if removed > 0 && r.logger != nil {
		r.logger.WithFields(logrus.Fields{"removed": removed, "remaining": len(r.clients)}).Debug("pruned idle clients")
	}
	return removed
}

// RunPruning calls Prune every interval until ctx is done.
func (r *ClientRegistry) RunPruning(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune(ctx)
		}
	}
}
