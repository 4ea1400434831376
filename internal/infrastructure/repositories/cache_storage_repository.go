package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/avatarctic/offline-shell-gateway/internal/core/ports"
	"github.com/avatarctic/offline-shell-gateway/internal/infrastructure/db"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// SQLCacheStorage implements ports.CacheStorage on SQLite or PostgreSQL.
// Queries are written with ? placeholders and rebound for the active driver.
type SQLCacheStorage struct {
	db     *db.Database
	logger *logrus.Logger
}

// NewSQLCacheStorage creates a SQL-backed cache storage
func NewSQLCacheStorage(database *db.Database, logger *logrus.Logger) ports.CacheStorage {
	return &SQLCacheStorage{db: database, logger: logger}
}

type cacheEntryRow struct {
	Status   int    `db:"status"`
	Headers  string `db:"headers"`
	Body     []byte `db:"body"`
	StoredAt int64  `db:"stored_at"`
}

func (r *SQLCacheStorage) q(query string) string {
	return r.db.DB.Rebind(query)
}

const insertStoreQuery = `
	INSERT INTO cache_stores (name, seq, created_at)
	VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_stores), ?)
	ON CONFLICT (name) DO NOTHING`

const upsertEntryQuery = `
	INSERT INTO cache_entries (store_name, method, url, status, headers, body, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (store_name, method, url) DO UPDATE
	SET status = excluded.status, headers = excluded.headers, body = excluded.body, stored_at = excluded.stored_at`

// Open creates the named store if absent
func (r *SQLCacheStorage) Open(ctx context.Context, name string) error {
	if _, err := r.db.DB.ExecContext(ctx, r.q(insertStoreQuery), name, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to open cache store %q: %w", name, err)
	}
	return nil
}

// Has reports whether a store exists
func (r *SQLCacheStorage) Has(ctx context.Context, name string) (bool, error) {
	var count int
	if err := r.db.DB.GetContext(ctx, &count, r.q(`SELECT COUNT(*) FROM cache_stores WHERE name = ?`), name); err != nil {
		return false, fmt.Errorf("failed to look up cache store %q: %w", name, err)
	}
	return count > 0, nil
}

// Keys lists store names in creation order
func (r *SQLCacheStorage) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	if err := r.db.DB.SelectContext(ctx, &keys, `SELECT name FROM cache_stores ORDER BY seq ASC, name ASC`); err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}
	return keys, nil
}

// Delete removes a store and its entries in one transaction
func (r *SQLCacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM cache_entries WHERE store_name = ?`), name); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, r.q(`DELETE FROM cache_stores WHERE name = ?`), name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cache store %q: %w", name, err)
	}
	if deleted && r.logger != nil {
		r.logger.WithField("store", name).Debug("cache store deleted")
	}
	return deleted, nil
}

// Match returns the response stored under id
func (r *SQLCacheStorage) Match(ctx context.Context, name string, id offline.RequestIdentity) (*offline.Response, bool, error) {
	var row cacheEntryRow
	query := `
		SELECT status, headers, body, stored_at
		FROM cache_entries
		WHERE store_name = ? AND method = ? AND url = ?`
	err := r.db.DB.GetContext(ctx, &row, r.q(query), name, id.Method, id.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to match %s in cache store %q: %w", id.Key(), name, err)
	}
	resp := &offline.Response{Status: row.Status, Body: row.Body, StoredAt: time.Unix(0, row.StoredAt)}
	if err := json.Unmarshal([]byte(row.Headers), &resp.Header); err != nil {
		return nil, false, fmt.Errorf("corrupt headers for %s in cache store %q: %w", id.Key(), name, err)
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return resp, true, nil
}

// Put upserts one entry, creating the store if needed
func (r *SQLCacheStorage) Put(ctx context.Context, name string, id offline.RequestIdentity, resp *offline.Response) error {
	return r.PutAll(ctx, name, []offline.CacheEntry{{Identity: id, Response: resp}})
}

// PutAll writes every entry in a single transaction
func (r *SQLCacheStorage) PutAll(ctx context.Context, name string, entries []offline.CacheEntry) error {
	for _, e := range entries {
		if !e.Identity.Cacheable() || !e.Response.Storable() {
			return fmt.Errorf("%w: %s", offline.ErrNotCacheable, e.Identity.Key())
		}
	}
	now := time.Now()
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, r.q(insertStoreQuery), name, now.UnixNano()); err != nil {
			return err
		}
		stmt, err := tx.PreparexContext(ctx, r.q(upsertEntryQuery))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			headers, err := json.Marshal(e.Response.Header)
			if err != nil {
				return err
			}
			storedAt := e.Response.StoredAt
			if storedAt.IsZero() {
				storedAt = now
			}
			body := e.Response.Body
			if body == nil {
				body = []byte{}
			}
			if _, err := stmt.ExecContext(ctx, name, e.Identity.Method, e.Identity.URL, e.Response.Status, string(headers), body, storedAt.UnixNano()); err != nil {
				return fmt.Errorf("%s: %w", e.Identity.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d entries to cache store %q: %w", len(entries), name, err)
	}
	return nil
}

func (r *SQLCacheStorage) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
