package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/go-redis/redis/v8"
)

// CacheStorage implements ports.CacheStorage on Redis. Store names live in a
// sorted set scored by creation time; each store is one hash mapping the
// identity key to a JSON-encoded response.
type CacheStorage struct {
	r      redis.Cmdable
	prefix string
}

// NewCacheStorage creates a Redis-backed cache storage.
func NewCacheStorage(r redis.Cmdable, prefix string) *CacheStorage {
	return &CacheStorage{r: r, prefix: prefix}
}

var _ ports.CacheStorage = (*CacheStorage)(nil)

type storedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt int64       `json:"stored_at"`
}

func (c *CacheStorage) namespaced(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *CacheStorage) indexKey() string { return c.namespaced("stores") }

func (c *CacheStorage) storeKey(name string) string { return c.namespaced("store:" + name) }

// Open implements CacheStorage.Open.
func (c *CacheStorage) Open(ctx context.Context, name string) error {
	err := c.r.ZAddNX(ctx, c.indexKey(), &redis.Z{Score: float64(time.Now().UnixNano()), Member: name}).Err()
	if err != nil {
		return fmt.Errorf("failed to open cache store %q: %w", name, err)
	}
	return nil
}

// Has implements CacheStorage.Has.
func (c *CacheStorage) Has(ctx context.Context, name string) (bool, error) {
	err := c.r.ZScore(ctx, c.indexKey(), name).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up cache store %q: %w", name, err)
	}
	return true, nil
}

// Keys implements CacheStorage.Keys.
func (c *CacheStorage) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.r.ZRange(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}
	return keys, nil
}

// Delete implements CacheStorage.Delete.
func (c *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	pipe := c.r.TxPipeline()
	removed := pipe.ZRem(ctx, c.indexKey(), name)
	pipe.Del(ctx, c.storeKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to delete cache store %q: %w", name, err)
	}
	return removed.Val() > 0, nil
}

// Match implements CacheStorage.Match.
func (c *CacheStorage) Match(ctx context.Context, name string, id offline.RequestIdentity) (*offline.Response, bool, error) {
	raw, err := c.r.HGet(ctx, c.storeKey(name), id.Key()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to match %s in cache store %q: %w", id.Key(), name, err)
	}
	var sr storedResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, false, fmt.Errorf("corrupt entry %s in cache store %q: %w", id.Key(), name, err)
	}
	if sr.Header == nil {
		sr.Header = http.Header{}
	}
	return &offline.Response{Status: sr.Status, Header: sr.Header, Body: sr.Body, StoredAt: time.Unix(0, sr.StoredAt)}, true, nil
}

// Put implements CacheStorage.Put.
func (c *CacheStorage) Put(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error {
	return c.PutAll(ctx, name, []offline.CacheEntry{{Identity: id, Response: resp}})
}

// PutAll implements CacheStorage.PutAll inside MULTI/EXEC so a failed install
// leaves no entries behind.
func (c *CacheStorage) PutAll(ctx context.Context, name string, entries []offline.CacheEntry) error {
	now := time.Now()
	fields := make(map[string]any, len(entries))
	for _, e := range entries {
		if !e.Identity.Cacheable() || !e.Response.Storable() {
			return fmt.Errorf("%w: %s", offline.ErrNotCacheable, e.Identity.Key())
		}
		storedAt := e.Response.StoredAt
		if storedAt.IsZero() {
			storedAt = now
		}
		b, err := json.Marshal(storedResponse{
			Status:   e.Response.Status,
			Header:   e.Response.Header,
			Body:     e.Response.Body,
			StoredAt: storedAt.UnixNano(),
		})
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", e.Identity.Key(), err)
		}
		fields[e.Identity.Key()] = b
	}

	pipe := c.r.TxPipeline()
	pipe.ZAddNX(ctx, c.indexKey(), &redis.Z{Score: float64(now.UnixNano()), Member: name})
	if len(fields) > 0 {
		pipe.HSet(ctx, c.storeKey(name), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %d entries to cache store %q: %w", len(entries), name, err)
	}
	return nil
}
