package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/metrics"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

type trackerEventKind int

const (
	batchCompleted trackerEventKind = iota
	batchDeadLettered
	runSealed
	runForgotten
)

type trackerEvent struct {
	kind      trackerEventKind
	syncLogID int64
	total     int
}

type runCounts struct {
	total     int
	sealed    bool
	completed int
	dead      int
}

// CompletionTracker closes processing runs once every batch job has either
// completed or been dead-lettered. Counters are owned by the Run goroutine.
type CompletionTracker struct {
	logs   store.SyncLogStore
	logger *zap.Logger
	now    func() time.Time

	events chan trackerEvent
	done   chan struct{}
	runs   map[int64]*runCounts
}

// NewCompletionTracker creates a tracker. Call Run to start it.
func NewCompletionTracker(logs store.SyncLogStore, logger *zap.Logger) *CompletionTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompletionTracker{
		logs:   logs,
		logger: logger.With(zap.String("component", "completion_tracker")),
		now:    time.Now,
		events: make(chan trackerEvent, 256),
		done:   make(chan struct{}),
		runs:   make(map[int64]*runCounts),
	}
}

// WithClock overrides the tracker clock
func (t *CompletionTracker) WithClock(now func() time.Time) *CompletionTracker {
	t.now = now
	return t
}

// Observe is a batch queue subscriber
func (t *CompletionTracker) Observe(ev queue.Event[models.BatchJob]) {
	switch ev.Type {
	case queue.EventCompleted:
		t.send(trackerEvent{kind: batchCompleted, syncLogID: ev.Job.Data.SyncLogID})
	case queue.EventDeadLettered:
		t.send(trackerEvent{kind: batchDeadLettered, syncLogID: ev.Job.Data.SyncLogID})
	}
}

// Seal records how many batches a run enqueued. The run is closed once that
// many batches have settled.
func (t *CompletionTracker) Seal(syncLogID int64, totalBatches int) {
	t.send(trackerEvent{kind: runSealed, syncLogID: syncLogID, total: totalBatches})
}

// Forget drops the counters of a run that failed before it was sealed
func (t *CompletionTracker) Forget(syncLogID int64) {
	t.send(trackerEvent{kind: runForgotten, syncLogID: syncLogID})
}

func (t *CompletionTracker) send(ev trackerEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Run processes events until ctx is done
func (t *CompletionTracker) Run(ctx context.Context) error {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			t.handle(ctx, ev)
		}
	}
}

func (t *CompletionTracker) handle(ctx context.Context, ev trackerEvent) {
	if ev.kind == runForgotten {
		delete(t.runs, ev.syncLogID)
		return
	}

	rc, ok := t.runs[ev.syncLogID]
	if !ok {
		rc = &runCounts{}
		t.runs[ev.syncLogID] = rc
	}

	switch ev.kind {
	case batchCompleted:
		rc.completed++
	case batchDeadLettered:
		rc.dead++
	case runSealed:
		rc.sealed = true
		rc.total = ev.total
	}

	if rc.sealed && rc.completed+rc.dead >= rc.total {
		delete(t.runs, ev.syncLogID)
		t.close(ctx, ev.syncLogID, rc)
	}
}

func (t *CompletionTracker) close(ctx context.Context, syncLogID int64, rc *runCounts) {
	logger := t.logger.With(zap.Int64("sync_log_id", syncLogID),
		zap.Int("total_batches", rc.total),
		zap.Int("dead_lettered", rc.dead))

	log, err := t.logs.FindByID(ctx, syncLogID)
	if err != nil {
		logger.Error("failed to load sync log", zap.Error(err))
		return
	}

	now := t.now()
	upd := models.SyncLogUpdate{
		Status:     models.Ptr(models.SyncStatusCompleted),
		FinishedAt: &now,
		DurationMs: models.Ptr(now.Sub(log.StartedAt).Milliseconds()),
	}
	if rc.dead > 0 {
		upd.Status = models.Ptr(models.SyncStatusFailed)
		upd.ErrorMessage = models.Ptr(fmt.Sprintf("%d of %d batches dead-lettered", rc.dead, rc.total))
	}

	applied, err := t.logs.UpdateIfStatus(ctx, syncLogID, models.SyncStatusProcessing, upd)
	if err != nil {
		logger.Error("failed to close sync log", zap.Error(err))
		return
	}
	if !applied {
		logger.Info("sync log no longer processing, leaving it as is")
		return
	}

	metrics.SyncRuns.WithLabelValues(string(*upd.Status)).Inc()
	metrics.SyncProgress.Set(0)
	if rc.dead > 0 {
		logger.Warn("sync finished with dead-lettered batches")
		return
	}
	logger.Info("sync completed", zap.Int64("total_processed", log.TotalProcessed))
}
