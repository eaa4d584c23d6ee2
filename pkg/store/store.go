// Package store defines the persistence interfaces consumed by the sync
// pipeline and the REST layer, with SQLite and PostgreSQL implementations in
// the sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ajitpratap0/legacysync/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist or is soft-deleted
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a username is already taken
	ErrConflict = errors.New("username already exists")
	// ErrInvalidTransition is returned by UpdateIfStatus for a status change
	// the Sync Log state machine does not allow
	ErrInvalidTransition = errors.New("invalid sync status transition")
)

// CheckTransition validates the status change upd would apply to a log in
// expected. Updates that leave the status alone are always allowed.
func CheckTransition(expected models.SyncStatus, upd models.SyncLogUpdate) error {
	if upd.Status == nil || *upd.Status == expected && expected.IsActive() {
		return nil
	}
	if !expected.CanTransitionTo(*upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, *upd.Status)
	}
	return nil
}

// SyncLogStore persists Sync Logs
type SyncLogStore interface {
	// Create inserts a new log with the given status and returns it
	Create(ctx context.Context, status models.SyncStatus) (*models.SyncLog, error)
	// Update applies a partial update and returns the updated log
	Update(ctx context.Context, id int64, upd models.SyncLogUpdate) (*models.SyncLog, error)
	// UpdateIfStatus applies upd only when the log is currently in expected.
	// It reports whether the update was applied.
	UpdateIfStatus(ctx context.Context, id int64, expected models.SyncStatus, upd models.SyncLogUpdate) (bool, error)
	FindByID(ctx context.Context, id int64) (*models.SyncLog, error)
	// FindLatest returns the most recently started log, or ErrNotFound
	FindLatest(ctx context.Context) (*models.SyncLog, error)
	// FindAll returns up to limit logs, most recent first
	FindAll(ctx context.Context, limit int) ([]models.SyncLog, error)
	// FindStale returns active logs started more than threshold ago
	FindStale(ctx context.Context, threshold time.Duration) ([]models.SyncLog, error)
	// MarkStaleFailed fails every stale log and returns how many it changed
	MarkStaleFailed(ctx context.Context, threshold time.Duration, message string) (int, error)
}

// UserStore persists users
type UserStore interface {
	// FindAll returns one page of non-deleted users, newest first
	FindAll(ctx context.Context, page, limit int) (models.Page[models.User], error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByUsername(ctx context.Context, userName string) (*models.User, error)
	// Create inserts a user; ErrConflict when the username is taken
	Create(ctx context.Context, userName, email string) (*models.User, error)
	// Update patches a user; ErrNotFound or ErrConflict
	Update(ctx context.Context, id int64, patch models.UserPatch) (*models.User, error)
	// SoftDelete marks a user deleted; ErrNotFound when absent
	SoftDelete(ctx context.Context, id int64) error
	// BulkUpsert applies the recency rule and returns the rows attempted
	BulkUpsert(ctx context.Context, rows []models.UpsertUser) (int, error)
	// ExportAll streams non-deleted users in id order to fn
	ExportAll(ctx context.Context, filter models.ExportFilter, fn func(models.User) error) error
	// Ping checks connectivity
	Ping(ctx context.Context) error
}

// Store bundles both stores over one database
type Store interface {
	SyncLogs() SyncLogStore
	Users() UserStore
	Close() error
}

// ExportBatchSize is the cursor page size used by ExportAll
const ExportBatchSize = 1000

// ChunkSize returns how many rows fit in one statement:
// floor(paramLimit / fieldsPerRow), never less than 1
func ChunkSize(paramLimit, fieldsPerRow int) int {
	if fieldsPerRow <= 0 {
		return 1
	}
	n := paramLimit / fieldsPerRow
	if n < 1 {
		return 1
	}
	return n
}

// Chunks splits rows into consecutive slices of at most size elements
func Chunks[T any](rows []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	out := make([][]T, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

// DedupeLatest collapses rows sharing a username to the one a sequential
// application of the recency rule would leave: the first row with the
// greatest LegacyCreatedAt. Order of first appearance is kept.
func DedupeLatest(rows []models.UpsertUser) []models.UpsertUser {
	index := make(map[string]int, len(rows))
	out := make([]models.UpsertUser, 0, len(rows))
	for _, r := range rows {
		i, seen := index[r.UserName]
		if !seen {
			index[r.UserName] = len(out)
			out = append(out, r)
			continue
		}
		if r.LegacyCreatedAt.After(out[i].LegacyCreatedAt) {
			out[i] = r
		}
	}
	return out
}
