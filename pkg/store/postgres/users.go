package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

const userColumns = `id, legacy_id, user_name, email, legacy_created_at, created_at, updated_at, deleted, deleted_at`

type userStore struct {
	s *Store
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.LegacyID, &u.UserName, &u.Email, &u.LegacyCreatedAt,
		&u.CreatedAt, &u.UpdatedAt, &u.Deleted, &u.DeletedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	if u.LegacyCreatedAt != nil {
		t := u.LegacyCreatedAt.UTC()
		u.LegacyCreatedAt = &t
	}
	if u.DeletedAt != nil {
		t := u.DeletedAt.UTC()
		u.DeletedAt = &t
	}
	return &u, nil
}

func (us *userStore) FindAll(ctx context.Context, page, limit int) (models.Page[models.User], error) {
	var total int64
	if err := us.s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE NOT deleted`).Scan(&total); err != nil {
		return models.Page[models.User]{}, storeErr(err, "failed to count users")
	}

	rows, err := us.s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE NOT deleted
		 ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
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
	return us.findOne(ctx, `id = $1`, id)
}

func (us *userStore) FindByUsername(ctx context.Context, userName string) (*models.User, error) {
	return us.findOne(ctx, `user_name = $1`, userName)
}

func (us *userStore) findOne(ctx context.Context, where string, arg any) (*models.User, error) {
	u, err := scanUser(us.s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE NOT deleted AND `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return u, storeErr(err, "failed to load user")
}

func (us *userStore) Create(ctx context.Context, userName, email string) (*models.User, error) {
	now := us.s.now().UTC()
	u, err := scanUser(us.s.pool.QueryRow(ctx,
		`INSERT INTO users (user_name, email, created_at, updated_at, deleted)
		 VALUES ($1, $2, $3, $3, FALSE)
		 RETURNING `+userColumns,
		userName, email, now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, storeErr(err, "failed to create user")
	}
	return u, nil
}

func (us *userStore) Update(ctx context.Context, id int64, patch models.UserPatch) (*models.User, error) {
	u, err := scanUser(us.s.pool.QueryRow(ctx,
		`UPDATE users SET user_name = COALESCE($1, user_name), email = COALESCE($2, email), updated_at = $3
		 WHERE id = $4 AND NOT deleted
		 RETURNING `+userColumns,
		patch.UserName, patch.Email, us.s.now().UTC(), id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, store.ErrNotFound
	case isUniqueViolation(err):
		return nil, store.ErrConflict
	case err != nil:
		return nil, storeErr(err, "failed to update user")
	}
	return u, nil
}

func (us *userStore) SoftDelete(ctx context.Context, id int64) error {
	now := us.s.now().UTC()
	tag, err := us.s.pool.Exec(ctx,
		`UPDATE users SET deleted = TRUE, deleted_at = $1, updated_at = $1 WHERE id = $2 AND NOT deleted`,
		now, id)
	if err != nil {
		return storeErr(err, "failed to delete user")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const upsertSQL = `
INSERT INTO users (legacy_id, user_name, email, legacy_created_at, created_at, updated_at, deleted, deleted_at)
VALUES %s
ON CONFLICT (user_name) DO UPDATE SET
	legacy_id = EXCLUDED.legacy_id,
	email = EXCLUDED.email,
	legacy_created_at = EXCLUDED.legacy_created_at,
	updated_at = EXCLUDED.updated_at,
	deleted = EXCLUDED.deleted,
	deleted_at = EXCLUDED.deleted_at
WHERE EXCLUDED.legacy_created_at > users.legacy_created_at
   OR users.legacy_created_at IS NULL`

func (us *userStore) BulkUpsert(ctx context.Context, rows []models.UpsertUser) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	size := store.ChunkSize(us.s.paramLimit, models.UpsertFields)
	chunks := store.Chunks(rows, size)

	for i, chunk := range chunks {
		// one statement may not touch the same conflict key twice
		chunk = store.DedupeLatest(chunk)
		now := us.s.now().UTC()

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*models.UpsertFields)
		for j, r := range chunk {
			values = append(values, placeholderRow(j*models.UpsertFields+1, models.UpsertFields))
			args = append(args,
				r.LegacyID,
				r.UserName,
				r.Email,
				r.LegacyCreatedAt.UTC(),
				now,
				now,
				r.Deleted,
				r.DeletedAt(now),
			)
		}

		query := strings.Replace(upsertSQL, "%s", strings.Join(values, ", "), 1)
		err := us.s.withRetryableTx(ctx, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, query, args...)
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
		rows, err := us.s.pool.Query(ctx,
			`SELECT `+userColumns+` FROM users
			 WHERE NOT deleted AND id > @last_id
			   AND (@from::timestamptz IS NULL OR created_at >= @from::timestamptz)
			   AND (@to::timestamptz IS NULL OR created_at <= @to::timestamptz)
			 ORDER BY id ASC LIMIT @limit`,
			pgx.NamedArgs{
				"last_id": lastID,
				"from":    filter.CreatedFrom,
				"to":      filter.CreatedTo,
				"limit":   store.ExportBatchSize,
			})
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
	return us.s.pool.Ping(ctx)
}

func collectUsers(rows pgx.Rows) ([]models.User, error) {
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
