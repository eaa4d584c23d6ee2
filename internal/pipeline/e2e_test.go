package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
	"github.com/ajitpratap0/legacysync/pkg/store/sqlite"
	"github.com/ajitpratap0/legacysync/pkg/testutil"
)

type harness struct {
	store   *sqlite.Store
	service *Service
	batches *queue.Queue[models.BatchJob]
}

// startPipeline wires both queues, the orchestrator, the worker and the
// tracker the way the application does
func startPipeline(t *testing.T, streamer Streamer, users store.UserStore) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := openStore(t, testutil.NewClock(epoch))
	if users == nil {
		users = st.Users()
	}
	cfg := testConfig()

	syncs := queue.New[models.SyncJob](queue.Config{Name: SyncQueueName, Buffer: 4}, logger)
	batches := queue.New[models.BatchJob](queue.Config{Name: BatchQueueName, Buffer: 4}, logger)

	tracker := NewCompletionTracker(st.SyncLogs(), logger)
	batches.Subscribe(tracker.Observe)
	orch := NewOrchestrator(cfg, streamer, st.SyncLogs(), batches, syncs, tracker, logger)
	worker := NewBatchWorker(users, logger)
	svc := NewService(cfg, st.SyncLogs(), syncs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tracker.Run(ctx) })
	g.Go(func() error { return syncs.Run(ctx, cfg.WorkerConcurrency, orch.Handle) })
	g.Go(func() error { return batches.Run(ctx, 3, worker.Handle) })
	t.Cleanup(func() {
		cancel()
		require.NoError(t, g.Wait())
		orch.WaitRetries()
		syncs.Close()
		batches.Close()
	})

	return &harness{store: st, service: svc, batches: batches}
}

func TestPipelineEndToEnd(t *testing.T) {
	streamer := &fakeStreamer{chunks: [][]models.LegacyRecord{
		{user(1), user(2)},
		{user(3), user(4), user(5)},
	}}
	h := startPipeline(t, streamer, nil)
	ctx := testutil.TestContext(t)

	res, err := h.service.Trigger(ctx)
	require.NoError(t, err)

	got := waitStatus(t, h.store.SyncLogs(), res.SyncLogID, models.SyncStatusCompleted)
	assert.Equal(t, int64(5), got.TotalProcessed)
	assert.NotNil(t, got.FinishedAt)

	page, err := h.store.Users().FindAll(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)

	st, err := h.service.LatestStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, st.ProgressPercent)

	again, err := h.service.Trigger(ctx)
	require.NoError(t, err)
	assert.False(t, again.AlreadyRunning, "a completed run frees the slot")
}

// failingUsers fails every bulk upsert
type failingUsers struct {
	store.UserStore
}

func (failingUsers) BulkUpsert(context.Context, []models.UpsertUser) (int, error) {
	return 0, errors.New("database is locked")
}

func TestPipelineDeadLetteredBatchesFailRun(t *testing.T) {
	streamer := &fakeStreamer{chunks: [][]models.LegacyRecord{{user(1), user(2), user(3)}}}
	h := startPipeline(t, streamer, failingUsers{})
	ctx := testutil.TestContext(t)

	res, err := h.service.Trigger(ctx)
	require.NoError(t, err)

	got := waitStatus(t, h.store.SyncLogs(), res.SyncLogID, models.SyncStatusFailed)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "2 of 2 batches dead-lettered", *got.ErrorMessage)

	dead := h.batches.DeadLetters()
	require.Len(t, dead, 2)
	for _, job := range dead {
		assert.Equal(t, 3, job.AttemptsMade)
	}
}

func TestPipelineStreamFailureSchedulesDelayedRetry(t *testing.T) {
	streamer := &fakeStreamer{err: errors.New("legacy api unavailable")}
	h := startPipeline(t, streamer, nil)
	ctx := testutil.TestContext(t)

	res, err := h.service.Trigger(ctx)
	require.NoError(t, err)
	waitStatus(t, h.store.SyncLogs(), res.SyncLogID, models.SyncStatusFailed)

	var retry *models.SyncLog
	testutil.AssertEventually(t, func() bool {
		latest, err := h.store.SyncLogs().FindLatest(ctx)
		if err != nil || latest.ID == res.SyncLogID {
			return false
		}
		retry = latest
		return true
	}, 5*time.Second, "retry was never scheduled")
	assert.Equal(t, models.SyncStatusPending, retry.Status)

	again, err := h.service.Trigger(ctx)
	require.NoError(t, err)
	assert.True(t, again.AlreadyRunning, "the pending retry holds the slot")
	assert.Equal(t, retry.ID, again.SyncLogID)
}
