package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

const userColumns = `id, legacy_id, user_name, email, legacy_created_at, created_at, updated_at, deleted, deleted_at`

type userStore struct {
	s *Store
}

func scanUser(r rowScanner) (*models.User, error) {
	var (
		u               models.User
		legacyID        sql.NullInt64
		legacyCreatedAt sql.NullInt64
		createdAt       int64
		updatedAt       int64
		deletedAt       sql.NullInt64
	)
	if err := r.Scan(&u.ID, &legacyID, &u.UserName, &u.Email, &legacyCreatedAt,
		&createdAt, &updatedAt, &u.Deleted, &deletedAt); err != nil {
		return nil, err
	}
	if legacyID.Valid {
		u.LegacyID = &legacyID.Int64
	}
	u.LegacyCreatedAt = timePtr(legacyCreatedAt)
	u.CreatedAt = fromMicros(createdAt)
	u.UpdatedAt = fromMicros(updatedAt)
	u.DeletedAt = timePtr(deletedAt)
	return &u, nil
}

func (us *userStore) FindAll(ctx context.Context, page, limit int) (models.Page[models.User], error) {
	var total int64
	if err := us.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE deleted = 0`).Scan(&total); err != nil {
		return models.Page[models.User]{}, storeErr(err, "failed to count users")
	}

	rows, err := us.s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE deleted = 0
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, (page-1)*limit)
	if err != nil {
		return models.Page[models.User]{}, storeErr(err, "failed to list users")
	}
	users, err := collectUsers(rows)
	if err != nil {
		return models.Page[models.User]{}, err
	}
	return models.NewPage(users, total, page, limit), nil
}

func (us *userStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return us.findOne(ctx, `id = ?`, id)
}

func (us *userStore) FindByUsername(ctx context.Context, userName string) (*models.User, error) {
	return us.findOne(ctx, `user_name = ?`, userName)
}

func (us *userStore) findOne(ctx context.Context, where string, arg any) (*models.User, error) {
	row := us.s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE deleted = 0 AND `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return u, storeErr(err, "failed to load user")
}

func (us *userStore) Create(ctx context.Context, userName, email string) (*models.User, error) {
	now := toMicros(us.s.now())
	res, err := us.s.db.ExecContext(ctx,
		`INSERT INTO users (user_name, email, created_at, updated_at, deleted) VALUES (?, ?, ?, ?, 0)`,
		userName, email, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, storeErr(err, "failed to create user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr(err, "failed to read user id")
	}
	return us.FindByID(ctx, id)
}

func (us *userStore) Update(ctx context.Context, id int64, patch models.UserPatch) (*models.User, error) {
	res, err := us.s.db.ExecContext(ctx,
		`UPDATE users SET user_name = COALESCE(?, user_name), email = COALESCE(?, email), updated_at = ?
		 WHERE id = ? AND deleted = 0`,
		nullString(patch.UserName), nullString(patch.Email), toMicros(us.s.now()), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, storeErr(err, "failed to update user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return us.FindByID(ctx, id)
}

func (us *userStore) SoftDelete(ctx context.Context, id int64) error {
	now := toMicros(us.s.now())
	res, err := us.s.db.ExecContext(ctx,
		`UPDATE users SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		now, now, id)
	if err != nil {
		return storeErr(err, "failed to delete user")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// upsertSQL is the per-row recency rule: an existing row is overwritten only
// by a strictly newer legacy_created_at, or when it has none.
const upsertSQL = `
INSERT INTO users (legacy_id, user_name, email, legacy_created_at, created_at, updated_at, deleted, deleted_at)
VALUES %s
ON CONFLICT (user_name) DO UPDATE SET
	legacy_id = excluded.legacy_id,
	email = excluded.email,
	legacy_created_at = excluded.legacy_created_at,
	updated_at = excluded.updated_at,
	deleted = excluded.deleted,
	deleted_at = excluded.deleted_at
WHERE excluded.legacy_created_at > users.legacy_created_at
   OR users.legacy_created_at IS NULL`

func (us *userStore) BulkUpsert(ctx context.Context, rows []models.UpsertUser) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	size := store.ChunkSize(us.s.paramLimit, models.UpsertFields)
	chunks := store.Chunks(rows, size)
	rowPlaceholder := "(" + placeholders(models.UpsertFields) + ")"

	for i, chunk := range chunks {
		chunk = store.DedupeLatest(chunk)
		now := us.s.now()
		nowMicros := toMicros(now)

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*models.UpsertFields)
		for _, r := range chunk {
			values = append(values, rowPlaceholder)
			var legacyID sql.NullInt64
			if r.LegacyID != nil {
				legacyID = sql.NullInt64{Int64: *r.LegacyID, Valid: true}
			}
			args = append(args,
				legacyID,
				r.UserName,
				r.Email,
				toMicros(r.LegacyCreatedAt),
				nowMicros,
				nowMicros,
				r.Deleted,
				nullMicros(r.DeletedAt(now)),
			)
		}

		query := strings.Replace(upsertSQL, "%s", strings.Join(values, ", "), 1)
		err := us.s.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, query, args...)
			return err
		})
		if err != nil {
			us.s.logger.Error("bulk upsert chunk failed",
				zap.Int("chunk", i), zap.Int("chunks", len(chunks)), zap.Int("rows", len(chunk)), zap.Error(err))
			return 0, storeErr(err, "failed to upsert users")
		}
	}
	return len(rows), nil
}

func (us *userStore) ExportAll(ctx context.Context, filter models.ExportFilter, fn func(models.User) error) error {
	var lastID int64
	for {
		where := []string{"deleted = 0", "id > ?"}
		args := []any{lastID}
		if filter.CreatedFrom != nil {
			where = append(where, "created_at >= ?")
			args = append(args, toMicros(*filter.CreatedFrom))
		}
		if filter.CreatedTo != nil {
			where = append(where, "created_at <= ?")
			args = append(args, toMicros(*filter.CreatedTo))
		}
		args = append(args, store.ExportBatchSize)

		rows, err := us.s.db.QueryContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE `+strings.Join(where, " AND ")+` ORDER BY id ASC LIMIT ?`,
			args...)
		if err != nil {
			return storeErr(err, "failed to export users")
		}
		batch, err := collectUsers(rows)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, u := range batch {
			if err := fn(u); err != nil {
				return err
			}
		}
		lastID = batch[len(batch)-1].ID
	}
}

func (us *userStore) Ping(ctx context.Context) error {
	return us.s.db.PingContext(ctx)
}

func collectUsers(rows *sql.Rows) ([]models.User, error) {
	defer rows.Close()
	out := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storeErr(err, "failed to scan user")
		}
		out = append(out, *u)
	}
	return out, storeErr(rows.Err(), "failed to iterate users")
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
