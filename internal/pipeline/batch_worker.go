package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/logger"
	"github.com/ajitpratap0/legacysync/pkg/metrics"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/observability"
	"github.com/ajitpratap0/legacysync/pkg/pool"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

// BatchResult describes one processed batch
type BatchResult struct {
	SyncLogID      int64 `json:"syncLogId"`
	BatchNumber    int   `json:"batchNumber"`
	ProcessedCount int   `json:"processedCount"`
	DurationMs     int64 `json:"durationMs"`
}

// upsertRows holds per-batch scratch rows; BulkUpsert does not retain them
var upsertRows = pool.NewSlicePool[models.UpsertUser](1000, 10_000)

// BatchWorker upserts batch jobs into the user store
type BatchWorker struct {
	users  store.UserStore
	logger *zap.Logger
}

// NewBatchWorker creates a batch worker
func NewBatchWorker(users store.UserStore, log *zap.Logger) *BatchWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchWorker{
		users:  users,
		logger: log.With(zap.String("component", "batch_worker")),
	}
}

// Handle is the batch queue handler
func (w *BatchWorker) Handle(ctx context.Context, job *queue.Job[models.BatchJob]) error {
	ctx = context.WithValue(ctx, logger.JobIDKey, job.ID)
	_, err := w.Process(ctx, job.Data)
	return err
}

// Process maps the job's records and bulk-upserts them. Store errors are
// returned so the queue can redeliver the job.
func (w *BatchWorker) Process(ctx context.Context, job models.BatchJob) (result BatchResult, err error) {
	ctx = logger.WithBatch(logger.WithSyncLog(ctx, job.SyncLogID), job.BatchNumber)
	log := logger.WithContext(ctx, w.logger)
	timer := metrics.NewTimer()

	ctx, span := observability.StartSpan(ctx, "sync.batch")
	span.SetAttribute("sync_log.id", job.SyncLogID)
	span.SetAttribute("batch.number", job.BatchNumber)
	span.SetAttribute("batch.size", len(job.Records))
	defer func() { span.End(err) }()

	log.Debug("processing batch", zap.Int("records", len(job.Records)))

	rows := upsertRows.Get(len(job.Records))
	defer func() { upsertRows.Put(rows) }()
	for _, r := range job.Records {
		row, err := r.ToUpsert()
		if err != nil {
			metrics.ParseErrors.WithLabelValues("record").Inc()
			log.Warn("skipping record with invalid timestamp",
				zap.Int64("legacy_id", r.ID),
				zap.String("user_name", r.UserName),
				zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}

	n, err := w.users.BulkUpsert(ctx, rows)
	elapsed := timer.Stop()
	metrics.BatchDuration.Observe(elapsed.Seconds())
	if err != nil {
		log.Error("error processing batch", zap.Int("records", len(rows)), zap.Error(err))
		return BatchResult{}, err
	}
	metrics.RecordsUpserted.Add(float64(n))

	result = BatchResult{
		SyncLogID:      job.SyncLogID,
		BatchNumber:    job.BatchNumber,
		ProcessedCount: n,
		DurationMs:     elapsed.Milliseconds(),
	}
	log.Info("batch processed",
		zap.Int("processed_count", n),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}
