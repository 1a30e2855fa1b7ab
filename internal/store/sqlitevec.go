package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	sqlite3 "github.com/mattn/go-sqlite3"

	amerrors "github.com/Aman-CERP/amanindex/internal/errors"
)

func init() {
	sqlite_vec.Auto()
}

const (
	sqliteVecFile = "vectors.db"

	// deleteChunkSize keeps IN lists below SQLite's variable limit.
	deleteChunkSize = 500

	metaKeyDimensions = "dimensions"
	metaKeyCollection = "collection"
)

const sqliteVecSchema = `
CREATE TABLE IF NOT EXISTS points (
    pk         INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    file_path  TEXT NOT NULL,
    code_chunk TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    end_line   INTEGER NOT NULL,
    vector     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_file_path ON points(file_path);
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// SQLiteVecStore keeps points in an embedded SQLite database. Vectors live
// in a BLOB column; the vec0 ANN table is built on the first search and
// maintained alongside the base table afterwards.
type SQLiteVecStore struct {
	mu         sync.Mutex
	path       string
	collection string
	workspace  string
	dims       int
	logger     *slog.Logger
	busyRetry  amerrors.RetryConfig

	db       *sql.DB
	annReady bool
	ready    bool
	closed   bool
}

// Verify interface implementation at compile time
var _ VectorStore = (*SQLiteVecStore)(nil)

// NewSQLiteVecStore creates a store backed by <DataDir>/vectors.db.
func NewSQLiteVecStore(cfg Config) (*SQLiteVecStore, error) {
	if cfg.DataDir == "" {
		return nil, amerrors.ConfigError("sqlitevec store requires a data directory", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, amerrors.ConfigError("sqlitevec store requires positive dimensions", nil)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = CollectionName(cfg.Workspace)
	}
	s := &SQLiteVecStore{
		path:       filepath.Join(cfg.DataDir, sqliteVecFile),
		collection: collection,
		workspace:  cfg.Workspace,
		dims:       cfg.Dimensions,
		logger:     cfg.logger(),
	}
	s.busyRetry = amerrors.RetryConfig{
		MaxRetries:   5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			s.logger.Debug("sqlite_busy_retry",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		},
	}
	return s, nil
}

func (s *SQLiteVecStore) openLocked() error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return amerrors.StoreError("create data directory", err)
	}
	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return amerrors.StoreError("open vector database", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return nil
}

// isBusy reports whether err is SQLite's transient lock contention.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// isMalformed reports whether err is caused by the data itself. Resending
// the same statement cannot succeed.
func isMalformed(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
			return true
		}
	}
	return false
}

// withBusyRetry runs fn, retrying only SQLITE_BUSY and SQLITE_LOCKED.
// Malformed data comes back permanent; any other failure is a retryable
// AmanError with the given code, left to the caller's retry policy.
func (s *SQLiteVecStore) withBusyRetry(ctx context.Context, op, code string, fn func() error) error {
	err := amerrors.Retry(ctx, s.busyRetry, func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case isBusy(err):
			return amerrors.New(amerrors.ErrCodeStoreBusy, op+": database is busy", err)
		default:
			return amerrors.Permanent(err)
		}
	})
	if err == nil || !amerrors.IsPermanent(err) {
		return err
	}

	cause := err
	if inner := errors.Unwrap(err); inner != nil {
		cause = inner
	}
	var ae *amerrors.AmanError
	switch {
	case errors.As(cause, &ae):
		return cause
	case isMalformed(cause):
		return amerrors.New(amerrors.ErrCodeInvalidPayload, op+": "+cause.Error(), cause)
	default:
		storeErr := amerrors.New(code, op+": "+cause.Error(), cause)
		storeErr.Retryable = true
		return storeErr
	}
}

func (s *SQLiteVecStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func tableExists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	return n > 0, err
}

// Initialize implements VectorStore.
func (s *SQLiteVecStore) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errStoreClosed()
	}
	if err := s.openLocked(); err != nil {
		return false, err
	}

	var created bool
	err := s.withBusyRetry(ctx, "initialize", amerrors.ErrCodeStoreWrite, func() error {
		exists, err := tableExists(ctx, s.db, "points")
		if err != nil {
			return err
		}
		if exists {
			var value string
			err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaKeyDimensions).Scan(&value)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if existing, _ := strconv.Atoi(value); existing == s.dims {
				created = false
				s.annReady, err = tableExists(ctx, s.db, "vec_points")
				return err
			}
			s.logger.Warn("collection_dimension_mismatch",
				slog.String("collection", s.collection),
				slog.String("existing", value),
				slog.Int("configured", s.dims))
		}
		created = true
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range []string{
				"DROP TABLE IF EXISTS vec_points",
				"DROP TABLE IF EXISTS points",
				"DROP TABLE IF EXISTS meta",
			} {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, sqliteVecSchema); err != nil {
				return err
			}
			for k, v := range map[string]string{
				metaKeyDimensions: strconv.Itoa(s.dims),
				metaKeyCollection: s.collection,
			} {
				if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
					return err
				}
			}
			s.annReady = false
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	s.ready = true
	return created, nil
}

func (s *SQLiteVecStore) checkReady() error {
	if s.closed {
		return errStoreClosed()
	}
	if !s.ready {
		return amerrors.New(amerrors.ErrCodeStoreRead, "collection not initialized", nil).
			WithSuggestion("call Initialize first")
	}
	return nil
}

// UpsertPoints implements VectorStore.
func (s *SQLiteVecStore) UpsertPoints(ctx context.Context, points []Point) error {
	points = normalizePoints(s.workspace, points, s.logger)
	if len(points) == 0 {
		return nil
	}
	blobs := make([][]byte, len(points))
	for i, p := range points {
		if len(p.Vector) != s.dims {
			return errDimensionMismatch(s.dims, len(p.Vector))
		}
		blob, err := sqlite_vec.SerializeFloat32(p.Vector)
		if err != nil {
			return amerrors.Permanent(amerrors.StoreError("serialize vector", err))
		}
		blobs[i] = blob
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	return s.withBusyRetry(ctx, "upsert points", amerrors.ErrCodeStoreWrite, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO points (id, file_path, code_chunk, start_line, end_line, vector)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					file_path = excluded.file_path,
					code_chunk = excluded.code_chunk,
					start_line = excluded.start_line,
					end_line = excluded.end_line,
					vector = excluded.vector
				RETURNING pk`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for i, p := range points {
				var pk int64
				if err := stmt.QueryRowContext(ctx, p.ID, p.Payload.FilePath, p.Payload.CodeChunk,
					p.Payload.StartLine, p.Payload.EndLine, blobs[i]).Scan(&pk); err != nil {
					return fmt.Errorf("upsert point %s: %w", p.ID, err)
				}
				if !s.annReady {
					continue
				}
				// vec0 has no upsert.
				if _, err := tx.ExecContext(ctx, "DELETE FROM vec_points WHERE rowid = ?", pk); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO vec_points (rowid, embedding) VALUES (?, ?)", pk, blobs[i]); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ensureANNLocked builds the vec0 index from the base table if absent.
func (s *SQLiteVecStore) ensureANNLocked(ctx context.Context) error {
	if s.annReady {
		return nil
	}
	err := s.withBusyRetry(ctx, "build vector index", amerrors.ErrCodeStoreWrite, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS vec_points"); err != nil {
				return err
			}
			ddl := fmt.Sprintf(
				"CREATE VIRTUAL TABLE vec_points USING vec0(embedding float[%d] distance_metric=cosine)", s.dims)
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO vec_points (rowid, embedding) SELECT pk, vector FROM points")
			return err
		})
	})
	if err != nil {
		return err
	}
	s.annReady = true
	s.logger.Debug("vector_index_built", slog.String("collection", s.collection))
	return nil
}

// Search implements VectorStore. Without a prefix the vec0 KNN index is
// used; with one, matching rows are scanned exactly with
// vec_distance_cosine so the filter cannot starve the result set.
func (s *SQLiteVecStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(vector) != s.dims {
		return nil, errDimensionMismatch(s.dims, len(vector))
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, amerrors.ValidationError("serialize query vector", err)
	}
	prefix := NormalizePath(s.workspace, opts.DirectoryPrefix)
	minScore, limit := opts.minScore(), opts.maxResults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if err := s.ensureANNLocked(ctx); err != nil {
		return nil, err
	}

	var query string
	var args []any
	if prefix == "" {
		query = `
			SELECT p.id, p.file_path, p.code_chunk, p.start_line, p.end_line, v.distance
			FROM (SELECT rowid, distance FROM vec_points WHERE embedding MATCH ? AND k = ?) v
			JOIN points p ON p.pk = v.rowid
			ORDER BY v.distance`
		args = []any{blob, limit}
	} else {
		query = `
			SELECT id, file_path, code_chunk, start_line, end_line, vec_distance_cosine(vector, ?) AS distance
			FROM points
			WHERE file_path = ? OR substr(file_path, 1, length(?)) = ?
			ORDER BY distance
			LIMIT ?`
		args = []any{blob, prefix, prefix + "/", prefix + "/", limit}
	}

	var results []SearchResult
	err = s.withBusyRetry(ctx, "search", amerrors.ErrCodeSearchFailed, func() error {
		results = results[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r SearchResult
			var distance float64
			if err := rows.Scan(&r.ID, &r.Payload.FilePath, &r.Payload.CodeChunk,
				&r.Payload.StartLine, &r.Payload.EndLine, &distance); err != nil {
				return err
			}
			r.Score = 1 - distance
			if r.Score > minScore {
				results = append(results, r)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []SearchResult{}
	}
	sortResults(results)
	return results, nil
}

// DeletePointsByFilePath implements VectorStore.
func (s *SQLiteVecStore) DeletePointsByFilePath(ctx context.Context, filePath string) error {
	return s.DeletePointsByMultipleFilePaths(ctx, []string{filePath})
}

// DeletePointsByMultipleFilePaths implements VectorStore.
func (s *SQLiteVecStore) DeletePointsByMultipleFilePaths(ctx context.Context, filePaths []string) error {
	paths := normalizePaths(s.workspace, filePaths)
	if len(paths) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	return s.withBusyRetry(ctx, "delete points", amerrors.ErrCodeStoreWrite, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for start := 0; start < len(paths); start += deleteChunkSize {
				end := min(start+deleteChunkSize, len(paths))
				chunk := paths[start:end]
				placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
				args := make([]any, len(chunk))
				for i, p := range chunk {
					args[i] = p
				}
				if s.annReady {
					q := "DELETE FROM vec_points WHERE rowid IN (SELECT pk FROM points WHERE file_path IN (" + placeholders + "))"
					if _, err := tx.ExecContext(ctx, q, args...); err != nil {
						return err
					}
				}
				if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE file_path IN ("+placeholders+")", args...); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// DeletePointsByFilePathExcept implements VectorStore.
func (s *SQLiteVecStore) DeletePointsByFilePathExcept(ctx context.Context, filePath string, keepIDs []string) error {
	rel := NormalizePath(s.workspace, filePath)
	if rel == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	return s.withBusyRetry(ctx, "delete stale points", amerrors.ErrCodeStoreWrite, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, "SELECT pk, id FROM points WHERE file_path = ?", rel)
			if err != nil {
				return err
			}
			keep := make(map[string]struct{}, len(keepIDs))
			for _, id := range keepIDs {
				keep[id] = struct{}{}
			}
			var stale []int64
			for rows.Next() {
				var pk int64
				var id string
				if err := rows.Scan(&pk, &id); err != nil {
					_ = rows.Close()
					return err
				}
				if _, ok := keep[id]; !ok {
					stale = append(stale, pk)
				}
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return err
			}
			if err := rows.Close(); err != nil {
				return err
			}

			for _, pk := range stale {
				if s.annReady {
					if _, err := tx.ExecContext(ctx, "DELETE FROM vec_points WHERE rowid = ?", pk); err != nil {
						return err
					}
				}
				if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE pk = ?", pk); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ClearCollection implements VectorStore.
func (s *SQLiteVecStore) ClearCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.withBusyRetry(ctx, "clear collection", amerrors.ErrCodeStoreWrite, func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if s.annReady {
				if _, err := tx.ExecContext(ctx, "DELETE FROM vec_points"); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM points")
			return err
		})
	})
}

// DeleteCollection implements VectorStore. The database file is removed.
func (s *SQLiteVecStore) DeleteCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close vector database", slog.String("error", err.Error()))
		}
		s.db = nil
	}
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return amerrors.StoreError("remove vector database", err)
		}
	}
	s.ready = false
	s.annReady = false
	return nil
}

// CollectionExists implements VectorStore.
func (s *SQLiteVecStore) CollectionExists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errStoreClosed()
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return false, nil
	}
	if err := s.openLocked(); err != nil {
		return false, err
	}
	var exists bool
	err := s.withBusyRetry(ctx, "check collection", amerrors.ErrCodeStoreRead, func() error {
		var err error
		exists, err = tableExists(ctx, s.db, "points")
		return err
	})
	return exists, err
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteVecStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ready = false
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Debug("wal_checkpoint_failed", slog.String("error", err.Error()))
	}
	err := s.db.Close()
	s.db = nil
	return err
}
