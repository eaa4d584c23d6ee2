package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

const syncLogColumns = `id, status, started_at, finished_at, total_processed, error_message, duration_ms`

type syncLogStore struct {
	s *Store
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(r rowScanner) (*models.SyncLog, error) {
	var (
		l          models.SyncLog
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		errMsg     sql.NullString
		duration   sql.NullInt64
	)
	if err := r.Scan(&l.ID, &status, &startedAt, &finishedAt, &l.TotalProcessed, &errMsg, &duration); err != nil {
		return nil, err
	}
	l.Status = models.SyncStatus(status)
	l.StartedAt = fromMicros(startedAt)
	l.FinishedAt = timePtr(finishedAt)
	if errMsg.Valid {
		l.ErrorMessage = &errMsg.String
	}
	if duration.Valid {
		l.DurationMs = &duration.Int64
	}
	return &l, nil
}

func (st *syncLogStore) Create(ctx context.Context, status models.SyncStatus) (*models.SyncLog, error) {
	res, err := st.s.db.ExecContext(ctx,
		`INSERT INTO sync_logs (status, started_at, total_processed) VALUES (?, ?, 0)`,
		string(status), toMicros(st.s.now()))
	if err != nil {
		return nil, storeErr(err, "failed to create sync log")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr(err, "failed to read sync log id")
	}
	return st.FindByID(ctx, id)
}

func (st *syncLogStore) Update(ctx context.Context, id int64, upd models.SyncLogUpdate) (*models.SyncLog, error) {
	set, args := updateClause(upd)
	if len(set) > 0 {
		args = append(args, id)
		res, err := st.s.db.ExecContext(ctx,
			`UPDATE sync_logs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, storeErr(err, "failed to update sync log")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, store.ErrNotFound
		}
	}
	return st.FindByID(ctx, id)
}

func (st *syncLogStore) UpdateIfStatus(ctx context.Context, id int64, expected models.SyncStatus, upd models.SyncLogUpdate) (bool, error) {
	if err := store.CheckTransition(expected, upd); err != nil {
		return false, err
	}
	set, args := updateClause(upd)
	if len(set) == 0 {
		return false, nil
	}
	args = append(args, id, string(expected))
	res, err := st.s.db.ExecContext(ctx,
		`UPDATE sync_logs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, storeErr(err, "failed to update sync log")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err, "failed to read affected rows")
	}
	return n == 1, nil
}

func (st *syncLogStore) FindByID(ctx context.Context, id int64) (*models.SyncLog, error) {
	row := st.s.db.QueryRowContext(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = ?`, id)
	l, err := scanSyncLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return l, storeErr(err, "failed to load sync log")
}

func (st *syncLogStore) FindLatest(ctx context.Context) (*models.SyncLog, error) {
	row := st.s.db.QueryRowContext(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs ORDER BY started_at DESC, id DESC LIMIT 1`)
	l, err := scanSyncLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return l, storeErr(err, "failed to load latest sync log")
}

func (st *syncLogStore) FindAll(ctx context.Context, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := st.s.db.QueryContext(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr(err, "failed to list sync logs")
	}
	return collectSyncLogs(rows)
}

func (st *syncLogStore) FindStale(ctx context.Context, threshold time.Duration) ([]models.SyncLog, error) {
	cutoff := toMicros(st.s.now().Add(-threshold))
	rows, err := st.s.db.QueryContext(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs
		 WHERE status IN (?, ?, ?) AND started_at <= ?
		 ORDER BY started_at DESC`,
		activeArgs(cutoff)...)
	if err != nil {
		return nil, storeErr(err, "failed to find stale sync logs")
	}
	return collectSyncLogs(rows)
}

func (st *syncLogStore) MarkStaleFailed(ctx context.Context, threshold time.Duration, message string) (int, error) {
	now := toMicros(st.s.now())
	cutoff := toMicros(st.s.now().Add(-threshold))

	args := []any{string(models.SyncStatusFailed), now, message, now}
	args = append(args, activeArgs(cutoff)...)

	res, err := st.s.db.ExecContext(ctx,
		`UPDATE sync_logs
		 SET status = ?, finished_at = ?, error_message = ?,
		     duration_ms = COALESCE(duration_ms, (? - started_at) / 1000)
		 WHERE status IN (?, ?, ?) AND started_at <= ?`, args...)
	if err != nil {
		return 0, storeErr(err, "failed to mark stale sync logs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err, "failed to read affected rows")
	}
	return int(n), nil
}

func activeArgs(cutoff int64) []any {
	return []any{
		string(models.SyncStatusPending),
		string(models.SyncStatusRunning),
		string(models.SyncStatusProcessing),
		cutoff,
	}
}

func collectSyncLogs(rows *sql.Rows) ([]models.SyncLog, error) {
	defer rows.Close()
	out := []models.SyncLog{}
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan sync log")
		}
		out = append(out, *l)
	}
	return out, storeErr(rows.Err(), "failed to iterate sync logs")
}

func updateClause(upd models.SyncLogUpdate) ([]string, []any) {
	var (
		set  []string
		args []any
	)
	if upd.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, toMicros(*upd.FinishedAt))
	}
	if upd.TotalProcessed != nil {
		set = append(set, "total_processed = ?")
		args = append(args, *upd.TotalProcessed)
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.DurationMs != nil {
		set = append(set, "duration_ms = ?")
		args = append(args, *upd.DurationMs)
	}
	return set, args
}
