package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/logger"
	"github.com/ajitpratap0/legacysync/pkg/metrics"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/observability"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

// errRunAbandoned stops a run whose Sync Log left RUNNING underneath it,
// after a reset or a stale sweep
var errRunAbandoned = errors.New("sync log is no longer running")

// RunResult describes one orchestration
type RunResult struct {
	SyncLogID     int64             `json:"syncLogId"`
	TotalBatches  int               `json:"totalBatches"`
	TotalEnqueued int64             `json:"totalEnqueued"`
	Status        models.SyncStatus `json:"status"`
	DurationMs    int64             `json:"durationMs"`
}

// Orchestrator streams the legacy source into batch jobs
type Orchestrator struct {
	config  Config
	client  Streamer
	logs    store.SyncLogStore
	batches BatchQueue
	syncs   SyncQueue
	tracker *CompletionTracker
	logger  *zap.Logger
	now     func() time.Time

	retries sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. tracker may be nil, in which case
// runs stay in processing once ingestion ends.
func NewOrchestrator(config Config, client Streamer, logs store.SyncLogStore, batches BatchQueue, syncs SyncQueue, tracker *CompletionTracker, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Orchestrator{
		config:  config,
		client:  client,
		logs:    logs,
		batches: batches,
		syncs:   syncs,
		tracker: tracker,
		logger:  log.With(zap.String("component", "orchestrator")),
		now:     time.Now,
	}
}

// WithClock overrides the clock used for durations and progress cadence
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Handle is the sync queue handler
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job[models.SyncJob]) error {
	ctx = context.WithValue(ctx, logger.JobIDKey, job.ID)
	_, err := o.run(ctx, job.Data.SyncLogID, job.UpdateProgress)
	return err
}

// Run orchestrates the pending run syncLogID
func (o *Orchestrator) Run(ctx context.Context, syncLogID int64) (RunResult, error) {
	return o.run(ctx, syncLogID, nil)
}

// WaitRetries blocks until detached retry scheduling has finished
func (o *Orchestrator) WaitRetries() {
	o.retries.Wait()
}

func (o *Orchestrator) run(ctx context.Context, syncLogID int64, progress func(int64)) (result RunResult, err error) {
	ctx = logger.WithSyncLog(ctx, syncLogID)
	log := logger.WithContext(ctx, o.logger)
	start := o.now()
	result.SyncLogID = syncLogID

	ctx, span := observability.StartSpan(ctx, "sync.run")
	span.SetAttribute("sync_log.id", syncLogID)
	defer func() {
		span.SetAttribute("sync.total_batches", result.TotalBatches)
		span.SetAttribute("sync.total_enqueued", result.TotalEnqueued)
		span.End(err)
	}()

	applied, err := o.logs.UpdateIfStatus(ctx, syncLogID, models.SyncStatusPending,
		models.SyncLogUpdate{Status: models.Ptr(models.SyncStatusRunning)})
	if err != nil {
		return result, err
	}
	if !applied {
		current, ferr := o.logs.FindByID(ctx, syncLogID)
		if ferr != nil {
			return result, ferr
		}
		log.Info("sync log is no longer pending, skipping run", zap.String("status", string(current.Status)))
		result.Status = current.Status
		return result, nil
	}
	metrics.SyncRuns.WithLabelValues(string(models.SyncStatusRunning)).Inc()

	log.Info("starting sync run", zap.Int("batch_size", o.config.BatchSize))

	var (
		current      = make([]models.LegacyRecord, 0, o.config.BatchSize)
		batchNumber  int
		total        int64
		lastProgress = start
	)

	enqueue := func(ctx context.Context) error {
		records := make([]models.LegacyRecord, len(current))
		copy(records, current)
		current = current[:0]

		total += int64(len(records))
		if _, err := o.batches.Add(ctx, models.BatchJob{
			SyncLogID:   syncLogID,
			BatchNumber: batchNumber,
			Records:     records,
		}, queue.JobOptions{Attempts: o.config.BatchAttempts, Backoff: o.config.BatchBackoff}); err != nil {
			return err
		}
		log.Debug("batch enqueued",
			zap.Int("batch_number", batchNumber),
			zap.Int("records", len(records)),
			zap.Int64("total_enqueued", total))
		batchNumber++
		metrics.BatchesEnqueued.Inc()
		metrics.RecordsEnqueued.Add(float64(len(records)))
		metrics.SyncProgress.Set(float64(total))
		return nil
	}

	onBatch := func(ctx context.Context, records []models.LegacyRecord) error {
		for _, r := range records {
			current = append(current, r)
			if len(current) < o.config.BatchSize {
				continue
			}
			if err := enqueue(ctx); err != nil {
				return err
			}

			if now := o.now(); now.Sub(lastProgress) > o.config.ProgressInterval {
				applied, err := o.logs.UpdateIfStatus(ctx, syncLogID, models.SyncStatusRunning,
					models.SyncLogUpdate{TotalProcessed: models.Ptr(total)})
				if err != nil {
					return err
				}
				if !applied {
					return errRunAbandoned
				}
				if progress != nil {
					progress(total)
				}
				log.Info("sync progress", zap.Int64("total_enqueued", total), zap.Int("batches", batchNumber))
				lastProgress = now
			}
		}
		return nil
	}

	stream, err := o.client.FetchStreaming(ctx, onBatch)
	if err == nil && len(current) > 0 {
		err = enqueue(ctx)
	}
	result.TotalBatches = batchNumber
	result.TotalEnqueued = total
	if errors.Is(err, errRunAbandoned) {
		return o.abandon(ctx, log, result)
	}
	if err != nil {
		return o.fail(ctx, log, result, start, err)
	}

	durationMs := o.now().Sub(start).Milliseconds()
	applied, err = o.logs.UpdateIfStatus(ctx, syncLogID, models.SyncStatusRunning, models.SyncLogUpdate{
		Status:         models.Ptr(models.SyncStatusProcessing),
		TotalProcessed: models.Ptr(total),
		DurationMs:     models.Ptr(durationMs),
	})
	if err != nil {
		return o.fail(ctx, log, result, start, err)
	}
	if !applied {
		return o.abandon(ctx, log, result)
	}
	metrics.SyncRuns.WithLabelValues(string(models.SyncStatusProcessing)).Inc()

	if o.tracker != nil {
		o.tracker.Seal(syncLogID, batchNumber)
	}

	log.Info("streaming completed, batches enqueued",
		zap.Int("total_batches", batchNumber),
		zap.Int64("total_enqueued", total),
		zap.Int64("stream_errors", stream.TotalErrors),
		zap.Int64("duration_ms", durationMs))

	return RunResult{
		SyncLogID:     syncLogID,
		TotalBatches:  batchNumber,
		TotalEnqueued: total,
		Status:        models.SyncStatusProcessing,
		DurationMs:    durationMs,
	}, nil
}

// abandon stops a run whose Sync Log was moved out of RUNNING by someone
// else. The log is left as it is and no retry is scheduled.
func (o *Orchestrator) abandon(ctx context.Context, log *zap.Logger, result RunResult) (RunResult, error) {
	if o.tracker != nil {
		o.tracker.Forget(result.SyncLogID)
	}
	current, err := o.logs.FindByID(context.WithoutCancel(ctx), result.SyncLogID)
	if err != nil {
		return result, err
	}
	result.Status = current.Status
	log.Warn("sync log is no longer running, abandoning run",
		zap.String("status", string(current.Status)),
		zap.Int("total_batches", result.TotalBatches),
		zap.Int64("total_enqueued", result.TotalEnqueued))
	return result, nil
}

// fail persists the failure and schedules a retry in the background
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, result RunResult, start time.Time, cause error) (RunResult, error) {
	// persist even when ctx was cancelled by shutdown
	ctx = context.WithoutCancel(ctx)
	now := o.now()
	result.Status = models.SyncStatusFailed
	result.DurationMs = now.Sub(start).Milliseconds()

	log.Error("sync run failed",
		zap.Error(cause),
		zap.Int64("total_enqueued", result.TotalEnqueued),
		zap.Int64("duration_ms", result.DurationMs))

	upd := models.Failed(cause.Error(), now)
	upd.TotalProcessed = models.Ptr(result.TotalEnqueued)
	upd.DurationMs = models.Ptr(result.DurationMs)
	applied, err := o.logs.UpdateIfStatus(ctx, result.SyncLogID, models.SyncStatusRunning, upd)
	if err != nil {
		log.Error("failed to persist sync failure", zap.Error(err))
	}
	if err == nil && !applied {
		// already reset or swept
		if o.tracker != nil {
			o.tracker.Forget(result.SyncLogID)
		}
		log.Warn("sync log left running before the failure was recorded, not scheduling a retry")
		return result, cause
	}
	metrics.SyncRuns.WithLabelValues(string(models.SyncStatusFailed)).Inc()
	metrics.SyncProgress.Set(0)

	if o.tracker != nil {
		o.tracker.Forget(result.SyncLogID)
	}

	o.retries.Add(1)
	go func() {
		defer o.retries.Done()
		if err := o.scheduleRetry(ctx, result.SyncLogID, cause.Error()); err != nil {
			log.Warn("failed to schedule retry", zap.Error(err))
		}
	}()

	return result, cause
}

// scheduleRetry enqueues one delayed run unless a retry is already waiting or
// another run is active
func (o *Orchestrator) scheduleRetry(ctx context.Context, syncLogID int64, reason string) error {
	if o.syncs == nil {
		return nil
	}
	if n := o.syncs.Delayed(); n > 0 {
		o.logger.Info("retry already scheduled, ignoring request",
			zap.Int64("sync_log_id", syncLogID), zap.Int("delayed", n))
		return nil
	}

	latest, err := o.logs.FindLatest(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if latest.IsActive() {
		o.logger.Info("retry ignored: sync already in progress",
			zap.Int64("current_sync_log_id", latest.ID))
		return nil
	}

	next, err := o.logs.Create(ctx, models.SyncStatusPending)
	if err != nil {
		return err
	}
	if _, err := o.syncs.Add(ctx, models.SyncJob{SyncLogID: next.ID}, queue.JobOptions{Delay: o.config.RetryDelay}); err != nil {
		return err
	}

	o.logger.Info("retry scheduled",
		zap.Int64("original_sync_log_id", syncLogID),
		zap.Int64("new_sync_log_id", next.ID),
		zap.String("reason", reason),
		zap.Duration("delay", o.config.RetryDelay))
	return nil
}
