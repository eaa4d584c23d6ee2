package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

const syncLogColumns = `id, status, started_at, finished_at, total_processed, error_message, duration_ms`

type syncLogStore struct {
	s *Store
}

func scanSyncLog(row pgx.Row) (*models.SyncLog, error) {
	var (
		l      models.SyncLog
		status string
	)
	if err := row.Scan(&l.ID, &status, &l.StartedAt, &l.FinishedAt, &l.TotalProcessed, &l.ErrorMessage, &l.DurationMs); err != nil {
		return nil, err
	}
	l.Status = models.SyncStatus(status)
	l.StartedAt = l.StartedAt.UTC()
	if l.FinishedAt != nil {
		t := l.FinishedAt.UTC()
		l.FinishedAt = &t
	}
	return &l, nil
}

func (st *syncLogStore) Create(ctx context.Context, status models.SyncStatus) (*models.SyncLog, error) {
	row := st.s.pool.QueryRow(ctx,
		`INSERT INTO sync_logs (status, started_at, total_processed) VALUES (@status, @started_at, 0)
		 RETURNING `+syncLogColumns,
		pgx.NamedArgs{"status": string(status), "started_at": st.s.now().UTC()})
	l, err := scanSyncLog(row)
	return l, storeErr(err, "failed to create sync log")
}

func (st *syncLogStore) Update(ctx context.Context, id int64, upd models.SyncLogUpdate) (*models.SyncLog, error) {
	row := st.s.pool.QueryRow(ctx,
		`UPDATE sync_logs SET
			status          = COALESCE(@status, status),
			finished_at     = COALESCE(@finished_at, finished_at),
			total_processed = COALESCE(@total_processed, total_processed),
			error_message   = COALESCE(@error_message, error_message),
			duration_ms     = COALESCE(@duration_ms, duration_ms)
		 WHERE id = @id
		 RETURNING `+syncLogColumns,
		updateArgs(id, upd))
	l, err := scanSyncLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return l, storeErr(err, "failed to update sync log")
}

func (st *syncLogStore) UpdateIfStatus(ctx context.Context, id int64, expected models.SyncStatus, upd models.SyncLogUpdate) (bool, error) {
	if err := store.CheckTransition(expected, upd); err != nil {
		return false, err
	}
	args := updateArgs(id, upd)
	args["expected"] = string(expected)
	tag, err := st.s.pool.Exec(ctx,
		`UPDATE sync_logs SET
			status          = COALESCE(@status, status),
			finished_at     = COALESCE(@finished_at, finished_at),
			total_processed = COALESCE(@total_processed, total_processed),
			error_message   = COALESCE(@error_message, error_message),
			duration_ms     = COALESCE(@duration_ms, duration_ms)
		 WHERE id = @id AND status = @expected`,
		args)
	if err != nil {
		return false, storeErr(err, "failed to update sync log")
	}
	return tag.RowsAffected() == 1, nil
}

func (st *syncLogStore) FindByID(ctx context.Context, id int64) (*models.SyncLog, error) {
	l, err := scanSyncLog(st.s.pool.QueryRow(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return l, storeErr(err, "failed to load sync log")
}

func (st *syncLogStore) FindLatest(ctx context.Context) (*models.SyncLog, error) {
	l, err := scanSyncLog(st.s.pool.QueryRow(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs ORDER BY started_at DESC, id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return l, storeErr(err, "failed to load latest sync log")
}

func (st *syncLogStore) FindAll(ctx context.Context, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := st.s.pool.Query(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr(err, "failed to list sync logs")
	}
	return collectSyncLogs(rows)
}

func (st *syncLogStore) FindStale(ctx context.Context, threshold time.Duration) ([]models.SyncLog, error) {
	rows, err := st.s.pool.Query(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs
		 WHERE status = ANY(@active) AND started_at <= @cutoff
		 ORDER BY started_at DESC`,
		pgx.NamedArgs{"active": activeStatuses(), "cutoff": st.s.now().Add(-threshold).UTC()})
	if err != nil {
		return nil, storeErr(err, "failed to find stale sync logs")
	}
	return collectSyncLogs(rows)
}

func (st *syncLogStore) MarkStaleFailed(ctx context.Context, threshold time.Duration, message string) (int, error) {
	now := st.s.now().UTC()
	tag, err := st.s.pool.Exec(ctx,
		`UPDATE sync_logs
		 SET status = @failed, finished_at = @now, error_message = @message,
		     duration_ms = COALESCE(duration_ms, (EXTRACT(EPOCH FROM (@now::timestamptz - started_at)) * 1000)::BIGINT)
		 WHERE status = ANY(@active) AND started_at <= @cutoff`,
		pgx.NamedArgs{
			"failed":  string(models.SyncStatusFailed),
			"now":     now,
			"message": message,
			"active":  activeStatuses(),
			"cutoff":  now.Add(-threshold),
		})
	if err != nil {
		return 0, storeErr(err, "failed to mark stale sync logs")
	}
	return int(tag.RowsAffected()), nil
}

func activeStatuses() []string {
	out := make([]string, 0, len(models.ActiveStatuses))
	for _, s := range models.ActiveStatuses {
		out = append(out, string(s))
	}
	return out
}

func collectSyncLogs(rows pgx.Rows) ([]models.SyncLog, error) {
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

func updateArgs(id int64, upd models.SyncLogUpdate) pgx.NamedArgs {
	args := pgx.NamedArgs{
		"id":              id,
		"status":          nil,
		"finished_at":     upd.FinishedAt,
		"total_processed": upd.TotalProcessed,
		"error_message":   upd.ErrorMessage,
		"duration_ms":     upd.DurationMs,
	}
	if upd.Status != nil {
		args["status"] = string(*upd.Status)
	}
	return args
}
