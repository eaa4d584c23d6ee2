// Package sqlite implements the stores on an embedded SQLite database using
// the pure-Go modernc.org/sqlite driver.
//
// Timestamps are stored as INTEGER unix microseconds so the recency rule of
// the bulk upsert compares numbers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ajitpratap0/legacysync/pkg/store"
	"github.com/ajitpratap0/legacysync/pkg/syncerrors"
)

// DefaultParamLimit is SQLite's SQLITE_MAX_VARIABLE_NUMBER since 3.32
const DefaultParamLimit = 32766

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	legacy_id         INTEGER,
	user_name         TEXT    NOT NULL UNIQUE,
	email             TEXT    NOT NULL,
	legacy_created_at INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	deleted           INTEGER NOT NULL DEFAULT 0,
	deleted_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at);
CREATE INDEX IF NOT EXISTS idx_users_legacy_id ON users (legacy_id);

CREATE TABLE IF NOT EXISTS sync_logs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	status          TEXT    NOT NULL,
	started_at      INTEGER NOT NULL,
	finished_at     INTEGER,
	total_processed INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	duration_ms     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_started_at ON sync_logs (started_at);
CREATE INDEX IF NOT EXISTS idx_sync_logs_status ON sync_logs (status);
`

// Options configures Open
type Options struct {
	// ParamLimit caps bound parameters per statement (0 = DefaultParamLimit)
	ParamLimit int
	// Now is the time source (nil = time.Now)
	Now func() time.Time
	Logger *zap.Logger
}

// Store is a SQLite-backed store.Store
type Store struct {
	db         *sql.DB
	logger     *zap.Logger
	now        func() time.Time
	paramLimit int

	syncLogs *syncLogStore
	users    *userStore
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeStore, "failed to open sqlite database")
	}
	// SQLite serializes writers; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeStore, "failed to apply schema")
	}

	if opts.ParamLimit <= 0 {
		opts.ParamLimit = DefaultParamLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Store{
		db:         db,
		logger:     opts.Logger.With(zap.String("component", "sqlite_store")),
		now:        opts.Now,
		paramLimit: opts.ParamLimit,
	}
	s.syncLogs = &syncLogStore{s: s}
	s.users = &userStore{s: s}

	s.logger.Info("sqlite store opened", zap.String("path", path), zap.Int("param_limit", s.paramLimit))
	return s, nil
}

// SyncLogs returns the Sync Log store
func (s *Store) SyncLogs() store.SyncLogStore { return s.syncLogs }

// Users returns the user store
func (s *Store) Users() store.UserStore { return s.users }

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func storeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	return syncerrors.Wrap(err, syncerrors.ErrorTypeStore, msg)
}
