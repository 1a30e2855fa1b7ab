// Package cache persists the last successfully indexed content hash of every
// workspace file. The coordinator compares fresh hashes against it to skip
// unchanged files.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"
)

// Cache is a write-through map of file path to content hash backed by SQLite.
// Reads are served from memory.
type Cache struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	hashes map[string]string
}

// Open opens or creates the cache database at path. An empty path keeps
// the cache in memory only.
func Open(path string) (*Cache, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := checkIntegrity(path); err != nil {
			slog.Warn("change_cache_corrupted",
				slog.String("path", path),
				slog.String("error", err.Error()))
			for _, p := range []string{path, path + "-wal", path + "-shm"} {
				if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
					return nil, fmt.Errorf("change cache corrupted at %s and cannot remove: %w", path, rmErr)
				}
			}
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open change cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS file_hashes (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c := &Cache{db: db, path: path, hashes: make(map[string]string)}
	if err := c.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func checkIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (c *Cache) load() error {
	rows, err := c.db.Query(`SELECT path, hash FROM file_hashes`)
	if err != nil {
		return fmt.Errorf("failed to load change cache: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return fmt.Errorf("failed to scan change cache row: %w", err)
		}
		c.hashes[p] = h
	}
	return rows.Err()
}

// Get returns the stored hash for path.
func (c *Cache) Get(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hashes[path]
	return h, ok
}

// Set records hash for path.
func (c *Cache) Set(ctx context.Context, path, hash string) error {
	return c.SetMany(ctx, map[string]string{path: hash})
}

// SetMany records several entries in one transaction.
func (c *Cache) SetMany(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO file_hashes (path, hash) VALUES (?, ?)
			 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for p, h := range entries {
			if _, err := stmt.ExecContext(ctx, p, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update change cache: %w", err)
	}

	for p, h := range entries {
		c.hashes[p] = h
	}
	return nil
}

// Delete removes the entries for paths. Unknown paths are ignored.
func (c *Cache) Delete(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM file_hashes WHERE path = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, p := range paths {
			if _, err := stmt.ExecContext(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete from change cache: %w", err)
	}

	for _, p := range paths {
		delete(c.hashes, p)
	}
	return nil
}

// Paths returns every cached path in sorted order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.hashes))
	for p := range c.hashes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hashes)
}

// Clear drops every entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM file_hashes`); err != nil {
		return fmt.Errorf("failed to clear change cache: %w", err)
	}
	c.hashes = make(map[string]string)
	return nil
}

// Close checkpoints the WAL and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	if c.path != "" {
		_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *Cache) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
