package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, paramLimit int) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "test.sqlite"), Options{
		ParamLimit: paramLimit,
		Now:        clock.Now,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func row(name, email string, ts time.Time, deleted bool) models.UpsertUser {
	id := int64(len(name))
	return models.UpsertUser{LegacyID: &id, UserName: name, Email: email, LegacyCreatedAt: ts, Deleted: deleted}
}

func TestBulkUpsertRecencyRule(t *testing.T) {
	s, _ := openTestStore(t, 0)
	ctx := context.Background()
	users := s.Users()

	n, err := users.BulkUpsert(ctx, []models.UpsertUser{row("alice", "old@x", base, false)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Older timestamp is ignored.
	_, err = users.BulkUpsert(ctx, []models.UpsertUser{row("alice", "older@x", base.Add(-time.Hour), false)})
	require.NoError(t, err)
	u, err := users.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "old@x", u.Email)

	// Equal timestamp is ignored.
	_, err = users.BulkUpsert(ctx, []models.UpsertUser{row("alice", "same@x", base, false)})
	require.NoError(t, err)
	u, _ = users.FindByUsername(ctx, "alice")
	assert.Equal(t, "old@x", u.Email)

	// Newer timestamp wins.
	_, err = users.BulkUpsert(ctx, []models.UpsertUser{row("alice", "new@x", base.Add(time.Hour), false)})
	require.NoError(t, err)
	u, _ = users.FindByUsername(ctx, "alice")
	assert.Equal(t, "new@x", u.Email)
	require.NotNil(t, u.LegacyCreatedAt)
	assert.True(t, u.LegacyCreatedAt.Equal(base.Add(time.Hour)))
}

func TestBulkUpsertOverwritesRowWithoutLegacyTimestamp(t *testing.T) {
	s, _ := openTestStore(t, 0)
	ctx := context.Background()

	created, err := s.Users().Create(ctx, "bob", "manual@x")
	require.NoError(t, err)
	assert.Nil(t, created.LegacyCreatedAt)

	_, err = s.Users().BulkUpsert(ctx, []models.UpsertUser{row("bob", "legacy@x", base.Add(-100*time.Hour), false)})
	require.NoError(t, err)

	u, err := s.Users().FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "legacy@x", u.Email)
}

func TestBulkUpsertCommutative(t *testing.T) {
	batchA := []models.UpsertUser{
		row("carol", "c1@x", base, false),
		row("dave", "d2@x", base.Add(2*time.Hour), false),
	}
	batchB := []models.UpsertUser{
		row("carol", "c2@x", base.Add(time.Hour), true),
		row("dave", "d1@x", base.Add(time.Hour), false),
	}

	final := func(order ...[]models.UpsertUser) map[string]string {
		s, _ := openTestStore(t, 0)
		ctx := context.Background()
		for _, b := range order {
			_, err := s.Users().BulkUpsert(ctx, b)
			require.NoError(t, err)
		}
		out := map[string]string{}
		err := s.Users().ExportAll(ctx, models.ExportFilter{}, func(u models.User) error {
			out[u.UserName] = u.Email
			return nil
		})
		require.NoError(t, err)
		// carol is soft-deleted by the newest record and excluded from reads.
		_, err = s.Users().FindByUsername(ctx, "carol")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return out
	}

	ab := final(batchA, batchB)
	ba := final(batchB, batchA)
	aab := final(batchA, batchA, batchB, batchB)

	assert.Equal(t, map[string]string{"dave": "d2@x"}, ab)
	assert.Equal(t, ab, ba)
	assert.Equal(t, ab, aab)
}

func TestBulkUpsertChunking(t *testing.T) {
	// 20 params fit 2 rows of 8 fields per statement.
	s, _ := openTestStore(t, 20)
	ctx := context.Background()

	var rows []models.UpsertUser
	for i := 0; i < 7; i++ {
		rows = append(rows, row(fmt.Sprintf("user%02d", i), fmt.Sprintf("u%d@x", i), base, false))
	}
	// A newer duplicate inside the same chunk as user06's first appearance.
	rows = append(rows, row("user06", "latest@x", base.Add(time.Minute), false))

	n, err := s.Users().BulkUpsert(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	page, err := s.Users().FindAll(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(7), page.Total)

	u, err := s.Users().FindByUsername(ctx, "user06")
	require.NoError(t, err)
	assert.Equal(t, "latest@x", u.Email)
}

func TestBulkUpsertConcurrentBatches(t *testing.T) {
	s, _ := openTestStore(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Users().BulkUpsert(ctx, []models.UpsertUser{
				row("shared", fmt.Sprintf("v%d@x", i), base.Add(time.Duration(i)*time.Hour), false),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	u, err := s.Users().FindByUsername(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "v4@x", u.Email)
}

func TestBulkUpsertEmpty(t *testing.T) {
	s, _ := openTestStore(t, 0)
	n, err := s.Users().BulkUpsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUserCRUD(t *testing.T) {
	s, clock := openTestStore(t, 0)
	ctx := context.Background()
	users := s.Users()

	alice, err := users.Create(ctx, "alice", "a@x")
	require.NoError(t, err)
	clock.Advance(time.Second)
	bob, err := users.Create(ctx, "bob", "b@x")
	require.NoError(t, err)

	_, err = users.Create(ctx, "alice", "dup@x")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = users.Update(ctx, bob.ID, models.UserPatch{UserName: models.Ptr("alice")})
	assert.ErrorIs(t, err, store.ErrConflict)

	updated, err := users.Update(ctx, bob.ID, models.UserPatch{Email: models.Ptr("bob@new")})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.UserName)
	assert.Equal(t, "bob@new", updated.Email)

	_, err = users.Update(ctx, 9999, models.UserPatch{Email: models.Ptr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)

	page, err := users.FindAll(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "bob", page.Items[0].UserName, "newest first")

	require.NoError(t, users.SoftDelete(ctx, alice.ID))
	assert.ErrorIs(t, users.SoftDelete(ctx, alice.ID), store.ErrNotFound)
	_, err = users.FindByID(ctx, alice.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	page, err = users.FindAll(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	require.NoError(t, users.Ping(ctx))
}

func TestFindAllPagination(t *testing.T) {
	s, clock := openTestStore(t, 0)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := s.Users().Create(ctx, fmt.Sprintf("u%02d", i), "x@x")
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	page, err := s.Users().FindAll(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 5)
	assert.Equal(t, "u04", page.Items[0].UserName)
}

func TestExportAllFiltersAndCursor(t *testing.T) {
	s, clock := openTestStore(t, 0)
	ctx := context.Background()

	start := clock.Now()
	for i := 0; i < store.ExportBatchSize+5; i++ {
		_, err := s.Users().Create(ctx, fmt.Sprintf("e%04d", i), "x@x")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	var all []int64
	require.NoError(t, s.Users().ExportAll(ctx, models.ExportFilter{}, func(u models.User) error {
		all = append(all, u.ID)
		return nil
	}))
	require.Len(t, all, store.ExportBatchSize+5)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1], all[i])
	}

	from := start.Add(10 * time.Second)
	to := start.Add(19 * time.Second)
	var names []string
	require.NoError(t, s.Users().ExportAll(ctx, models.ExportFilter{CreatedFrom: &from, CreatedTo: &to}, func(u models.User) error {
		names = append(names, u.UserName)
		return nil
	}))
	assert.Len(t, names, 10)
	assert.Equal(t, "e0010", names[0])
}

func TestSyncLogLifecycle(t *testing.T) {
	s, clock := openTestStore(t, 0)
	ctx := context.Background()
	logs := s.SyncLogs()

	_, err := logs.FindLatest(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	l, err := logs.Create(ctx, models.SyncStatusPending)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, l.Status)
	assert.Equal(t, int64(0), l.TotalProcessed)

	ok, err := logs.UpdateIfStatus(ctx, l.ID, models.SyncStatusPending,
		models.SyncLogUpdate{Status: models.Ptr(models.SyncStatusRunning)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = logs.UpdateIfStatus(ctx, l.ID, models.SyncStatusPending,
		models.SyncLogUpdate{Status: models.Ptr(models.SyncStatusRunning)})
	require.NoError(t, err)
	assert.False(t, ok)

	updated, err := logs.Update(ctx, l.ID, models.SyncLogUpdate{TotalProcessed: models.Ptr(int64(42))})
	require.NoError(t, err)
	assert.Equal(t, int64(42), updated.TotalProcessed)
	assert.Equal(t, models.SyncStatusRunning, updated.Status)

	clock.Advance(time.Minute)
	second, err := logs.Create(ctx, models.SyncStatusFailed)
	require.NoError(t, err)

	latest, err := logs.FindLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	history, err := logs.FindAll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)

	_, err = logs.Update(ctx, 12345, models.SyncLogUpdate{TotalProcessed: models.Ptr(int64(1))})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateIfStatusRejectsIllegalTransition(t *testing.T) {
	s, _ := openTestStore(t, 0)
	ctx := context.Background()
	logs := s.SyncLogs()

	l, err := logs.Create(ctx, models.SyncStatusFailed)
	require.NoError(t, err)

	ok, err := logs.UpdateIfStatus(ctx, l.ID, models.SyncStatusFailed,
		models.SyncLogUpdate{Status: models.Ptr(models.SyncStatusProcessing)})
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.False(t, ok)

	got, err := logs.FindByID(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
}

func TestMarkStaleFailed(t *testing.T) {
	s, clock := openTestStore(t, 0)
	ctx := context.Background()
	logs := s.SyncLogs()

	old, err := logs.Create(ctx, models.SyncStatusRunning)
	require.NoError(t, err)
	done, err := logs.Create(ctx, models.SyncStatusCompleted)
	require.NoError(t, err)

	clock.Advance(40 * time.Minute)
	fresh, err := logs.Create(ctx, models.SyncStatusPending)
	require.NoError(t, err)

	stale, err := logs.FindStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	n, err := logs.MarkStaleFailed(ctx, 30*time.Minute, "Sync stale: timeout after 30 minutes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := logs.FindByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Sync stale: timeout after 30 minutes", *got.ErrorMessage)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(40*60*1000), *got.DurationMs)

	got, _ = logs.FindByID(ctx, done.ID)
	assert.Equal(t, models.SyncStatusCompleted, got.Status)

	// Threshold zero catches every active log.
	n, err = logs.MarkStaleFailed(ctx, 0, "Sync interrupted: application restarted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = logs.FindByID(ctx, fresh.ID)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:", Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.SyncLogs().Create(context.Background(), models.SyncStatusPending)
	require.NoError(t, err)
}
