package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
	"github.com/ajitpratap0/legacysync/pkg/testutil"
)

func TestPlaceholderRow(t *testing.T) {
	assert.Equal(t, "($1)", placeholderRow(1, 1))
	assert.Equal(t, "($9, $10, $11)", placeholderRow(9, 3))
}

func TestIsRetryablePGTxError(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"40001", true},
		{"40P01", true},
		{"55P03", true},
		{"23505", false},
		{"42P01", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: tt.code})
			assert.Equal(t, tt.want, isRetryablePGTxError(err))
		})
	}
	assert.False(t, isRetryablePGTxError(errors.New("plain")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "40001"}))
	assert.False(t, isUniqueViolation(nil))
}

type PostgresSuite struct {
	testutil.IntegrationTestSuite
	dsn   string
	store *Store
	clock *testutil.Clock
}

func TestPostgresSuite(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	suite.Run(t, &PostgresSuite{dsn: dsn})
}

func (s *PostgresSuite) SetupTest() {
	s.clock = testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := Open(s.Context(), s.dsn, Options{
		MaxConns:   4,
		ParamLimit: 40,
		Now:        s.clock.Now,
		Logger:     testutil.TestLogger(s.T()),
	})
	s.Require().NoError(err)
	_, err = st.pool.Exec(s.Context(), `TRUNCATE users, sync_logs RESTART IDENTITY`)
	s.Require().NoError(err)
	s.store = st
}

func (s *PostgresSuite) TearDownTest() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func upsertRow(name, email string, ts time.Time) models.UpsertUser {
	id := int64(len(name))
	return models.UpsertUser{LegacyID: &id, UserName: name, Email: email, LegacyCreatedAt: ts}
}

func (s *PostgresSuite) TestBulkUpsertRecency() {
	ctx := s.Context()
	users := s.store.Users()

	_, err := users.BulkUpsert(ctx, []models.UpsertUser{upsertRow("alice", "v1@x", base)})
	s.Require().NoError(err)
	_, err = users.BulkUpsert(ctx, []models.UpsertUser{upsertRow("alice", "old@x", base.Add(-time.Hour))})
	s.Require().NoError(err)

	u, err := users.FindByUsername(ctx, "alice")
	s.Require().NoError(err)
	s.Equal("v1@x", u.Email)

	_, err = users.BulkUpsert(ctx, []models.UpsertUser{upsertRow("alice", "v2@x", base.Add(time.Hour))})
	s.Require().NoError(err)
	u, _ = users.FindByUsername(ctx, "alice")
	s.Equal("v2@x", u.Email)
}

func (s *PostgresSuite) TestBulkUpsertDuplicateKeysInOneChunk() {
	ctx := s.Context()
	rows := []models.UpsertUser{
		upsertRow("bob", "first@x", base),
		upsertRow("bob", "latest@x", base.Add(2*time.Hour)),
		upsertRow("bob", "middle@x", base.Add(time.Hour)),
	}
	n, err := s.store.Users().BulkUpsert(ctx, rows)
	s.Require().NoError(err)
	s.Equal(3, n)

	u, err := s.store.Users().FindByUsername(ctx, "bob")
	s.Require().NoError(err)
	s.Equal("latest@x", u.Email)
}

func (s *PostgresSuite) TestBulkUpsertChunking() {
	ctx := s.Context()
	rows := make([]models.UpsertUser, 0, 23)
	for i := 0; i < 23; i++ {
		rows = append(rows, upsertRow(fmt.Sprintf("user%02d", i), fmt.Sprintf("u%d@x", i), base))
	}
	n, err := s.store.Users().BulkUpsert(ctx, rows)
	s.Require().NoError(err)
	s.Equal(23, n)

	page, err := s.store.Users().FindAll(ctx, 1, 100)
	s.Require().NoError(err)
	s.EqualValues(23, page.Total)
}

func (s *PostgresSuite) TestUserCRUD() {
	ctx := s.Context()
	users := s.store.Users()

	u, err := users.Create(ctx, "carol", "carol@x")
	s.Require().NoError(err)
	s.Nil(u.LegacyID)

	_, err = users.Create(ctx, "carol", "other@x")
	s.ErrorIs(err, store.ErrConflict)

	email := "new@x"
	u, err = users.Update(ctx, u.ID, models.UserPatch{Email: &email})
	s.Require().NoError(err)
	s.Equal("carol", u.UserName)
	s.Equal("new@x", u.Email)

	s.Require().NoError(users.SoftDelete(ctx, u.ID))
	_, err = users.FindByID(ctx, u.ID)
	s.ErrorIs(err, store.ErrNotFound)
	s.ErrorIs(users.SoftDelete(ctx, u.ID), store.ErrNotFound)
}

func (s *PostgresSuite) TestExportFilter() {
	ctx := s.Context()
	users := s.store.Users()

	_, err := users.Create(ctx, "early", "e@x")
	s.Require().NoError(err)
	s.clock.Advance(time.Hour)
	from := s.clock.Now()
	_, err = users.Create(ctx, "late", "l@x")
	s.Require().NoError(err)

	var names []string
	err = users.ExportAll(ctx, models.ExportFilter{CreatedFrom: &from}, func(u models.User) error {
		names = append(names, u.UserName)
		return nil
	})
	s.Require().NoError(err)
	s.Equal([]string{"late"}, names)
}

func (s *PostgresSuite) TestSyncLogLifecycle() {
	ctx := s.Context()
	logs := s.store.SyncLogs()

	l, err := logs.Create(ctx, models.SyncStatusPending)
	s.Require().NoError(err)

	ok, err := logs.UpdateIfStatus(ctx, l.ID, models.SyncStatusPending,
		models.SyncLogUpdate{Status: models.Ptr(models.SyncStatusRunning)})
	s.Require().NoError(err)
	s.True(ok)

	ok, err = logs.UpdateIfStatus(ctx, l.ID, models.SyncStatusPending,
		models.SyncLogUpdate{Status: models.Ptr(models.SyncStatusFailed)})
	s.Require().NoError(err)
	s.False(ok)

	s.clock.Advance(40 * time.Minute)
	n, err := logs.MarkStaleFailed(ctx, 30*time.Minute, "Sync stale: timeout after 30 minutes")
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := logs.FindLatest(ctx)
	s.Require().NoError(err)
	s.Equal(models.SyncStatusFailed, got.Status)
	s.Require().NotNil(got.DurationMs)
	s.EqualValues(40*60*1000, *got.DurationMs)

	_, err = logs.FindByID(ctx, 9999)
	s.ErrorIs(err, store.ErrNotFound)
}
