package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Utility helpers
func cacheSetSilently(c ports.Cache, ctx context.Context, key string, v any, ttl time.Duration) {
	if c == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.Set(ctx, key, b, ttl)
}

func cacheGet[T any](c ports.Cache, ctx context.Context, key string) (*T, bool) {
	if c == nil {
		return nil, false
	}
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// hotEntry is the cached form of a stored response. Response.Body is not
// JSON-visible, so it gets its own field here.
type hotEntry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

func toHotEntry(r *offline.Response) hotEntry {
	return hotEntry{Status: r.Status, Header: r.Header, Body: r.Body, StoredAt: r.StoredAt}
}

func (e *hotEntry) response() *offline.Response {
	return &offline.Response{Status: e.Status, Header: e.Header, Body: e.Body, StoredAt: e.StoredAt}
}

// CachingCacheStorage decorates a CacheStorage with a cache-aside hot tier for
// Match. Only hits are cached; writes and deletes invalidate.
//
// Each store carries a write generation. A fill is cached only if no write to
// the same store landed while it read the inner store, so a fill that read an
// older row can never overwrite the invalidation of a newer one.
type CachingCacheStorage struct {
	inner  ports.CacheStorage
	cache  ports.Cache
	ttl    time.Duration
	logger *logrus.Logger
	sf     singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
}

func NewCachingCacheStorage(inner ports.CacheStorage, cache ports.Cache, ttl time.Duration, logger *logrus.Logger) ports.CacheStorage {
	return &CachingCacheStorage{inner: inner, cache: cache, ttl: ttl, logger: logger, generations: map[string]uint64{}}
}

func storePrefix(name string) string { return "entry:" + name + ":" }

func entryKey(name string, id offline.RequestIdentity) string {
	return storePrefix(name) + id.Key()
}

func (c *CachingCacheStorage) generation(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[name]
}

// fill caches resp unless the store was written since gen was read.
func (c *CachingCacheStorage) fill(ctx context.Context, name, key string, gen uint64, resp *offline.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[name] != gen {
		return
	}
	cacheSetSilently(c.cache, ctx, key, toHotEntry(resp), c.ttl)
}

// invalidate bumps the store's generation and runs drop under the same lock,
// after the inner write has committed.
func (c *CachingCacheStorage) invalidate(ctx context.Context, name string, drop func(ctx context.Context) error) error {
	c.mu.Lock()
	c.generations[name]++
	var err error
	if c.cache != nil {
		err = drop(ctx)
	}
	c.mu.Unlock()
	if err != nil {
		if c.logger != nil {
			c.logger.WithField("store", name).WithError(err).Error("failed to invalidate hot cache")
		}
		return fmt.Errorf("failed to invalidate hot cache for store %s: %w", name, err)
	}
	return nil
}

func (c *CachingCacheStorage) Open(ctx context.Context, name string) error {
	return c.inner.Open(ctx, name)
}

func (c *CachingCacheStorage) Has(ctx context.Context, name string) (bool, error) {
	return c.inner.Has(ctx, name)
}

func (c *CachingCacheStorage) Keys(ctx context.Context) ([]string, error) {
	return c.inner.Keys(ctx)
}

func (c *CachingCacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := c.inner.Delete(ctx, name)
	if err != nil {
		return ok, err
	}
	return ok, c.invalidate(ctx, name, func(ctx context.Context) error {
		return c.cache.DeletePrefix(ctx, storePrefix(name))
	})
}

func (c *CachingCacheStorage) Match(ctx context.Context, name string, id offline.RequestIdentity) (*offline.Response, bool, error) {
	key := entryKey(name, id)
	if v, ok := cacheGet[hotEntry](c.cache, ctx, key); ok {
		return v.response(), true, nil
	}
	type result struct {
		resp *offline.Response
		ok   bool
	}
	res, err, _ := c.sf.Do(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		gen := c.generation(name)
		resp, ok, err := c.inner.Match(fctx, name, id)
		if err != nil {
			return nil, err
		}
		if ok {
			c.fill(fctx, name, key, gen, resp)
		}
		return result{resp: resp, ok: ok}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r, ok := res.(result)
	if !ok {
		return nil, false, fmt.Errorf("unexpected type from singleflight result")
	}
	if !r.ok {
		return nil, false, nil
	}
	// Callers sharing one flight must not share a response.
	return r.resp.Clone(), true, nil
}

func (c *CachingCacheStorage) Put(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error {
	if err := c.inner.Put(ctx, name, id, resp); err != nil {
		return err
	}
	return c.invalidate(ctx, name, func(ctx context.Context) error {
		return c.cache.Delete(ctx, entryKey(name, id))
	})
}

// PutAll only logs an invalidation failure. Installs write a version's store
// once, so at worst a reinstall of the same version serves its previous
// assets until the hot TTL runs out.
func (c *CachingCacheStorage) PutAll(ctx context.Context, name string, entries []offline.CacheEntry) error {
	if err := c.inner.PutAll(ctx, name, entries); err != nil {
		return err
	}
	_ = c.invalidate(ctx, name, func(ctx context.Context) error {
		var errs []error
		for _, e := range entries {
			if err := c.cache.Delete(ctx, entryKey(name, e.Identity)); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	return nil
}
