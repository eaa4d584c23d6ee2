// Package postgres implements the stores on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/store"
	"github.com/ajitpratap0/legacysync/pkg/syncerrors"
)

// DefaultParamLimit is the PostgreSQL wire protocol's bind-parameter limit
const DefaultParamLimit = 65535

var migrations = []string{
	/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS users (
		id                BIGSERIAL    PRIMARY KEY,
		legacy_id         BIGINT,
		user_name         VARCHAR(50)  NOT NULL UNIQUE,
		email             VARCHAR(255) NOT NULL,
		legacy_created_at TIMESTAMPTZ,
		created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
		deleted           BOOLEAN      NOT NULL DEFAULT FALSE,
		deleted_at        TIMESTAMPTZ
	)`,
	/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at)`,
	/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_users_legacy_id ON users (legacy_id)`,
	/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync_logs (
		id              BIGSERIAL   PRIMARY KEY,
		status          VARCHAR(20) NOT NULL,
		started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at     TIMESTAMPTZ,
		total_processed BIGINT      NOT NULL DEFAULT 0,
		error_message   TEXT,
		duration_ms     BIGINT
	)`,
	/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_sync_logs_started_at ON sync_logs (started_at)`,
	/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_sync_logs_status ON sync_logs (status)`,
}

// Options configures Open
type Options struct {
	MaxConns   int32
	MinConns   int32
	ParamLimit int
	Now        func() time.Time
	Logger     *zap.Logger
}

// Store is a PostgreSQL-backed store.Store
type Store struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	now        func() time.Time
	paramLimit int

	syncLogs *syncLogStore
	users    *userStore
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies connectivity and applies the schema
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "failed to parse connection string")
	}

	poolConfig.MaxConns = opts.MaxConns
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MinConns = opts.MinConns
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns / 2
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeStore, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeStore, "failed to ping database")
	}

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		pool.Close()
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
		pool:       pool,
		logger:     opts.Logger.With(zap.String("component", "postgres_store")),
		now:        opts.Now,
		paramLimit: opts.ParamLimit,
	}
	s.syncLogs = &syncLogStore{s: s}
	s.users = &userStore{s: s}

	s.logger.Info("postgres store opened",
		zap.Int32("max_connections", poolConfig.MaxConns),
		zap.Int("param_limit", s.paramLimit))
	return s, nil
}

// SyncLogs returns the Sync Log store
func (s *Store) SyncLogs() store.SyncLogStore { return s.syncLogs }

// Users returns the user store
func (s *Store) Users() store.UserStore { return s.users }

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withRetryableTx runs fn in a transaction, retrying serialization
// failures, deadlocks and lock timeouts a few times
func (s *Store) withRetryableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 3
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		if serr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return serr
		}
	}
	return err
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
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

func placeholderRow(start, n int) string {
	b := make([]byte, 0, n*5)
	b = append(b, '(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, fmt.Sprintf("$%d", start+i)...)
	}
	return string(append(b, ')'))
}
