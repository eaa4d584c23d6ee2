package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/testutil"
)

func newTestOrchestrator(t *testing.T, cfg Config, streamer Streamer) (*Orchestrator, *fakeBatchQueue, *fakeSyncQueue, *testutil.Clock, *models.SyncLog) {
	t.Helper()
	clock := testutil.NewClock(epoch)
	st := openStore(t, clock)
	batches := &fakeBatchQueue{}
	syncs := &fakeSyncQueue{}
	o := NewOrchestrator(cfg, streamer, st.SyncLogs(), batches, syncs, nil, zaptest.NewLogger(t)).WithClock(clock.Now)

	log, err := st.SyncLogs().Create(context.Background(), models.SyncStatusPending)
	require.NoError(t, err)
	return o, batches, syncs, clock, log
}

func TestOrchestratorSplitsStreamIntoBatches(t *testing.T) {
	streamer := &fakeStreamer{chunks: [][]models.LegacyRecord{
		{user(1), user(2)},
		{user(3)},
	}}
	o, batches, _, _, log := newTestOrchestrator(t, testConfig(), streamer)
	ctx := testutil.TestContext(t)

	res, err := o.Run(ctx, log.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, res.TotalBatches)
	assert.Equal(t, int64(3), res.TotalEnqueued)
	assert.Equal(t, models.SyncStatusProcessing, res.Status)

	require.Len(t, batches.jobs, 2)
	assert.Equal(t, 0, batches.jobs[0].BatchNumber)
	assert.Equal(t, []models.LegacyRecord{user(1), user(2)}, batches.jobs[0].Records)
	assert.Equal(t, 1, batches.jobs[1].BatchNumber)
	assert.Equal(t, []models.LegacyRecord{user(3)}, batches.jobs[1].Records)
	for _, opts := range batches.opts {
		assert.Equal(t, 3, opts.Attempts)
		assert.Equal(t, time.Millisecond, opts.Backoff)
	}

	got, err := o.logs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusProcessing, got.Status)
	assert.Equal(t, int64(3), got.TotalProcessed)
	require.NotNil(t, got.DurationMs)
	assert.Nil(t, got.FinishedAt)
}

func TestOrchestratorBatchesAreIndependentCopies(t *testing.T) {
	chunk := []models.LegacyRecord{user(1), user(2), user(3), user(4)}
	o, batches, _, _, log := newTestOrchestrator(t, testConfig(), &fakeStreamer{chunks: [][]models.LegacyRecord{chunk}})

	_, err := o.Run(testutil.TestContext(t), log.ID)
	require.NoError(t, err)

	require.Len(t, batches.jobs, 2)
	assert.Equal(t, "u1", batches.jobs[0].Records[0].UserName)
	assert.Equal(t, "u3", batches.jobs[1].Records[0].UserName)
}

func TestOrchestratorEmptyStream(t *testing.T) {
	o, batches, _, _, log := newTestOrchestrator(t, testConfig(), &fakeStreamer{})

	res, err := o.Run(testutil.TestContext(t), log.ID)
	require.NoError(t, err)
	assert.Zero(t, res.TotalBatches)
	assert.Empty(t, batches.jobs)
	assert.Equal(t, models.SyncStatusProcessing, res.Status)
}

func TestOrchestratorPersistsProgressOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	streamer := &fakeStreamer{chunks: [][]models.LegacyRecord{{user(1)}, {user(2)}, {user(3)}}}
	o, _, _, clock, log := newTestOrchestrator(t, cfg, streamer)
	ctx := testutil.TestContext(t)

	persisted := func() int64 {
		got, err := o.logs.FindByID(ctx, log.ID)
		require.NoError(t, err)
		return got.TotalProcessed
	}
	streamer.between = func(i int) {
		switch i {
		case 0:
			assert.Zero(t, persisted(), "no progress before the interval elapses")
			clock.Advance(11 * time.Second)
		case 1:
			assert.Equal(t, int64(2), persisted())
		}
	}

	_, err := o.Run(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), persisted())
}

func TestOrchestratorFailureSchedulesRetry(t *testing.T) {
	streamer := &fakeStreamer{
		chunks: [][]models.LegacyRecord{{user(1), user(2)}, {user(3)}},
		err:    errors.New("connection reset"),
	}
	o, batches, syncs, _, log := newTestOrchestrator(t, testConfig(), streamer)
	ctx := testutil.TestContext(t)

	res, err := o.Run(ctx, log.ID)
	require.Error(t, err)
	assert.Equal(t, models.SyncStatusFailed, res.Status)
	assert.Equal(t, int64(2), res.TotalEnqueued)
	assert.Len(t, batches.jobs, 1, "the partial batch is not flushed after a failure")

	o.WaitRetries()

	got, err := o.logs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "connection reset", *got.ErrorMessage)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, int64(2), got.TotalProcessed)

	jobs := syncs.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 10*time.Minute, syncs.opts[0].Delay)

	latest, err := o.logs.FindLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs[0].SyncLogID, latest.ID)
	assert.Equal(t, models.SyncStatusPending, latest.Status)
}

func TestOrchestratorRetryNotDuplicated(t *testing.T) {
	streamer := &fakeStreamer{err: errors.New("boom")}
	o, _, syncs, _, log := newTestOrchestrator(t, testConfig(), streamer)
	syncs.delayed = 1

	_, err := o.Run(testutil.TestContext(t), log.ID)
	require.Error(t, err)
	o.WaitRetries()

	assert.Empty(t, syncs.Jobs())
	all, err := o.logs.FindAll(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOrchestratorRetrySkippedWhileAnotherRunIsActive(t *testing.T) {
	streamer := &fakeStreamer{err: errors.New("boom")}
	o, _, syncs, _, log := newTestOrchestrator(t, testConfig(), streamer)
	ctx := testutil.TestContext(t)

	other, err := o.logs.Create(ctx, models.SyncStatusPending)
	require.NoError(t, err)

	_, err = o.Run(ctx, log.ID)
	require.Error(t, err)
	o.WaitRetries()

	assert.Empty(t, syncs.Jobs())
	latest, err := o.logs.FindLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, other.ID, latest.ID)
}

func TestOrchestratorSkipsLogThatIsNotPending(t *testing.T) {
	streamer := &fakeStreamer{chunks: [][]models.LegacyRecord{{user(1)}}}
	o, batches, _, clock, log := newTestOrchestrator(t, testConfig(), streamer)
	ctx := testutil.TestContext(t)

	_, err := o.logs.Update(ctx, log.ID, models.Failed("Sync manually cancelled via API", clock.Now()))
	require.NoError(t, err)

	res, err := o.Run(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, res.Status)
	assert.Zero(t, streamer.Calls())
	assert.Empty(t, batches.jobs)
}

func TestOrchestratorResetMidStreamKeepsRunFailed(t *testing.T) {
	streamer := &fakeStreamer{chunks: [][]models.LegacyRecord{{user(1), user(2)}, {user(3)}}}
	o, batches, syncs, clock, log := newTestOrchestrator(t, testConfig(), streamer)
	ctx := testutil.TestContext(t)
	svcQueue := &fakeSyncQueue{}
	svc := NewService(testConfig(), o.logs, svcQueue, zaptest.NewLogger(t)).WithClock(clock.Now)

	var next int64
	streamer.between = func(i int) {
		if i != 0 {
			return
		}
		reset, err := svc.Reset(ctx)
		require.NoError(t, err)
		require.NotNil(t, reset)
		require.Equal(t, models.SyncStatusRunning, reset.PreviousStatus)
		triggered, err := svc.Trigger(ctx)
		require.NoError(t, err)
		next = triggered.SyncLogID
	}

	res, err := o.Run(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, res.Status)
	assert.Len(t, batches.jobs, 2, "batches already read are still enqueued")
	o.WaitRetries()

	got, err := o.logs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, MsgCancelled, *got.ErrorMessage)

	require.NotZero(t, next)
	fresh, err := o.logs.FindByID(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, fresh.Status)
	assert.Empty(t, syncs.Jobs(), "an abandoned run schedules no retry")
	assert.Len(t, svcQueue.Jobs(), 1)
}

func TestOrchestratorStopsStreamingWhenProgressWriteIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	streamer := &fakeStreamer{chunks: [][]models.LegacyRecord{{user(1)}, {user(2)}, {user(3)}}}
	o, batches, syncs, clock, log := newTestOrchestrator(t, cfg, streamer)
	ctx := testutil.TestContext(t)
	svc := NewService(cfg, o.logs, &fakeSyncQueue{}, zaptest.NewLogger(t)).WithClock(clock.Now)

	streamer.between = func(i int) {
		if i == 0 {
			_, err := svc.Reset(ctx)
			require.NoError(t, err)
			clock.Advance(11 * time.Second)
		}
	}

	res, err := o.Run(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, res.Status)
	assert.Len(t, batches.jobs, 2, "streaming stops at the rejected progress write")
	o.WaitRetries()
	assert.Empty(t, syncs.Jobs())

	got, err := o.logs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, got.Status)
	assert.Zero(t, got.TotalProcessed)
}

func TestOrchestratorFailureAfterResetSchedulesNoRetry(t *testing.T) {
	streamer := &fakeStreamer{
		chunks: [][]models.LegacyRecord{{user(1)}},
		err:    errors.New("connection reset"),
	}
	o, _, syncs, clock, log := newTestOrchestrator(t, testConfig(), streamer)
	ctx := testutil.TestContext(t)
	svc := NewService(testConfig(), o.logs, &fakeSyncQueue{}, zaptest.NewLogger(t)).WithClock(clock.Now)

	streamer.between = func(int) {
		_, err := svc.Reset(ctx)
		require.NoError(t, err)
	}

	_, err := o.Run(ctx, log.ID)
	require.Error(t, err)
	o.WaitRetries()

	assert.Empty(t, syncs.Jobs())
	got, err := o.logs.FindByID(ctx, log.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, MsgCancelled, *got.ErrorMessage)
}
