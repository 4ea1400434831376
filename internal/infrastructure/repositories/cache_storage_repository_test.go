package repositories_test

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/db"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStorage(t *testing.T) ports.CacheStorage {
	t.Helper()
	database, err := db.NewSQLiteDatabase(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate())
	// Migrating twice is a no-op.
	require.NoError(t, database.Migrate())
	return repositories.NewSQLCacheStorage(database, nil)
}

func identity(t *testing.T, url string) offline.RequestIdentity {
	t.Helper()
	id, err := offline.NewRequestIdentity(http.MethodGet, url)
	require.NoError(t, err)
	return id
}

func entry(t *testing.T, url, body string) offline.CacheEntry {
	return offline.CacheEntry{
		Identity: identity(t, url),
		Response: &offline.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)},
	}
}

func TestSQLCacheStorage_OpenHasKeysInCreationOrder(t *testing.T) {
	s := newSQLiteStorage(t)
	ctx := context.Background()

	ok, err := s.Has(ctx, "v1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Open(ctx, "v2"))
	require.NoError(t, s.Open(ctx, "v1"))
	require.NoError(t, s.Open(ctx, "v2"))

	ok, err = s.Has(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v2", "v1"}, keys)
}

func TestSQLCacheStorage_PutAllAndMatch(t *testing.T) {
	s := newSQLiteStorage(t)
	ctx := context.Background()
	storedAt := time.Unix(1_700_000_000, 42)

	e := entry(t, "/index.html", "<html></html>")
	e.Response.StoredAt = storedAt
	require.NoError(t, s.PutAll(ctx, "v1", []offline.CacheEntry{e, entry(t, "/style.css?v=2", "body{}")}))

	resp, ok, err := s.Match(ctx, "v1", identity(t, "/index.html"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "<html></html>", string(resp.Body))
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.True(t, storedAt.Equal(resp.StoredAt))

	resp, ok, err = s.Match(ctx, "v1", identity(t, "/style.css?v=2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "body{}", string(resp.Body))

	_, ok, err = s.Match(ctx, "v1", identity(t, "/style.css"))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.Match(ctx, "missing", identity(t, "/index.html"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLCacheStorage_PutReplaces(t *testing.T) {
	s := newSQLiteStorage(t)
	ctx := context.Background()
	id := identity(t, "/lesson")

	require.NoError(t, s.Put(ctx, "v1", id, &offline.Response{Status: 404, Body: []byte("gone")}))
	require.NoError(t, s.Put(ctx, "v1", id, &offline.Response{Status: 200, Body: []byte("back")}))

	resp, ok, err := s.Match(ctx, "v1", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "back", string(resp.Body))
	require.NotNil(t, resp.Header)
}

func TestSQLCacheStorage_PutAllIsAllOrNothing(t *testing.T) {
	s := newSQLiteStorage(t)
	ctx := context.Background()

	bad := entry(t, "/video", "partial")
	bad.Response.Status = http.StatusPartialContent
	err := s.PutAll(ctx, "v1", []offline.CacheEntry{entry(t, "/", "root"), bad})
	require.ErrorIs(t, err, offline.ErrNotCacheable)

	ok, err := s.Has(ctx, "v1")
	require.NoError(t, err)
	require.False(t, ok)

	post := offline.CacheEntry{
		Identity: offline.RequestIdentity{Method: http.MethodPost, URL: "/"},
		Response: &offline.Response{Status: 200},
	}
	require.ErrorIs(t, s.Put(ctx, "v1", post.Identity, post.Response), offline.ErrNotCacheable)
}

func TestSQLCacheStorage_DeleteRemovesEntries(t *testing.T) {
	s := newSQLiteStorage(t)
	ctx := context.Background()
	require.NoError(t, s.PutAll(ctx, "v1", []offline.CacheEntry{entry(t, "/", "old")}))
	require.NoError(t, s.PutAll(ctx, "v2", []offline.CacheEntry{entry(t, "/", "new")}))

	deleted, err := s.Delete(ctx, "v1")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = s.Delete(ctx, "v1")
	require.NoError(t, err)
	require.False(t, deleted)

	_, ok, err := s.Match(ctx, "v1", identity(t, "/"))
	require.NoError(t, err)
	require.False(t, ok)

	resp, ok, err := s.Match(ctx, "v2", identity(t, "/"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(resp.Body))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, keys)
}

func TestSQLCacheStorage_ConcurrentPuts(t *testing.T) {
	s := newSQLiteStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := offline.RequestIdentity{Method: http.MethodGet, URL: "/page/" + string(rune('a'+i))}
			assert.NoError(t, s.Put(ctx, "v1", id, &offline.Response{Status: 200, Body: []byte{byte(i)}}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		_, ok, err := s.Match(ctx, "v1", identity(t, "/page/"+string(rune('a'+i))))
		require.NoError(t, err)
		require.True(t, ok)
	}
}
