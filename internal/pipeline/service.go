package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

// Messages recorded on Sync Logs closed outside the orchestrator
const (
	MsgAlreadyRunning = "Sync already in progress"
	MsgStarted        = "Sync started"
	MsgResetOK        = "Sync reset successfully"
	MsgCancelled      = "Sync manually cancelled via API"
	MsgInterrupted    = "Sync interrupted: application restarted"
)

// StaleMessage is the error message of a run failed by the stale sweep
func StaleMessage(threshold time.Duration) string {
	return fmt.Sprintf("Sync stale: timeout after %d minutes", int(threshold.Minutes()))
}

// TriggerResult is returned by Trigger
type TriggerResult struct {
	SyncLogID      int64  `json:"syncLogId"`
	Message        string `json:"message"`
	AlreadyRunning bool   `json:"alreadyRunning"`
}

// ResetResult is returned by Reset
type ResetResult struct {
	SyncLogID      int64             `json:"syncLogId"`
	PreviousStatus models.SyncStatus `json:"previousStatus"`
	Message        string            `json:"message"`
}

// Status is the latest Sync Log with derived metrics
type Status struct {
	ID                     int64             `json:"id"`
	Status                 models.SyncStatus `json:"status"`
	StartedAt              time.Time         `json:"startedAt"`
	FinishedAt             *time.Time        `json:"finishedAt"`
	TotalProcessed         int64             `json:"totalProcessed"`
	ErrorMessage           *string           `json:"errorMessage"`
	DurationMs             int64             `json:"durationMs"`
	DurationFormatted      string            `json:"durationFormatted"`
	RecordsPerSecond       *float64          `json:"recordsPerSecond"`
	EstimatedTimeRemaining *string           `json:"estimatedTimeRemaining"`
	ProgressPercent        float64           `json:"progressPercent"`
	BatchSize              int               `json:"batchSize"`
	WorkerConcurrency      int               `json:"workerConcurrency"`
}

// Service triggers, inspects and recovers sync runs
type Service struct {
	config Config
	logs   store.SyncLogStore
	syncs  SyncQueue
	logger *zap.Logger
	now    func() time.Time

	// serializes the check-then-create in Trigger
	triggerMu sync.Mutex
}

// NewService creates a sync service
func NewService(config Config, logs store.SyncLogStore, syncs SyncQueue, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config: config,
		logs:   logs,
		syncs:  syncs,
		logger: logger.With(zap.String("component", "sync_service")),
		now:    time.Now,
	}
}

// WithClock overrides the service clock
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Trigger starts a run unless one is active. Stale runs are failed first.
func (s *Service) Trigger(ctx context.Context) (TriggerResult, error) {
	s.triggerMu.Lock()
	defer s.triggerMu.Unlock()

	if _, err := s.SweepStale(ctx); err != nil {
		return TriggerResult{}, err
	}

	latest, err := s.logs.FindLatest(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return TriggerResult{}, err
	}
	if latest.IsActive() {
		s.logger.Info("sync already in progress",
			zap.Int64("sync_log_id", latest.ID),
			zap.String("status", string(latest.Status)))
		return TriggerResult{SyncLogID: latest.ID, Message: MsgAlreadyRunning, AlreadyRunning: true}, nil
	}

	log, err := s.logs.Create(ctx, models.SyncStatusPending)
	if err != nil {
		return TriggerResult{}, err
	}
	if _, err := s.syncs.Add(ctx, models.SyncJob{SyncLogID: log.ID}, queue.JobOptions{}); err != nil {
		if _, uerr := s.logs.Update(context.WithoutCancel(ctx), log.ID,
			models.Failed("failed to enqueue sync job: "+err.Error(), s.now())); uerr != nil {
			s.logger.Error("failed to fail unqueued sync log", zap.Int64("sync_log_id", log.ID), zap.Error(uerr))
		}
		return TriggerResult{}, err
	}

	s.logger.Info("sync job enqueued", zap.Int64("sync_log_id", log.ID))
	return TriggerResult{SyncLogID: log.ID, Message: MsgStarted}, nil
}

// Latest returns the most recent Sync Log, or store.ErrNotFound
func (s *Service) Latest(ctx context.Context) (*models.SyncLog, error) {
	return s.logs.FindLatest(ctx)
}

// LatestStatus returns the latest Sync Log with derived metrics, or
// store.ErrNotFound when no run exists
func (s *Service) LatestStatus(ctx context.Context) (*Status, error) {
	log, err := s.logs.FindLatest(ctx)
	if err != nil {
		return nil, err
	}
	return s.status(log), nil
}

func (s *Service) status(log *models.SyncLog) *Status {
	elapsedMs := s.now().Sub(log.StartedAt).Milliseconds()
	if log.DurationMs != nil {
		elapsedMs = *log.DurationMs
	}
	elapsedSeconds := float64(elapsedMs) / 1000

	var rate *float64
	if elapsedSeconds > 0 {
		r := math.Round(float64(log.TotalProcessed)/elapsedSeconds*10) / 10
		rate = &r
	}

	estimated := s.config.EstimatedTotalRecords
	progress := 100.0
	if log.Status != models.SyncStatusCompleted {
		progress = 0
		if estimated > 0 {
			progress = math.Min(math.Round(float64(log.TotalProcessed)/float64(estimated)*1000)/10, 99.9)
		}
	}

	var eta *string
	if rate != nil && *rate > 0 && log.Status.IsActive() {
		remaining := math.Max(float64(estimated-log.TotalProcessed), 0)
		formatted := FormatDuration(remaining / *rate * 1000)
		eta = &formatted
	}

	return &Status{
		ID:                     log.ID,
		Status:                 log.Status,
		StartedAt:              log.StartedAt,
		FinishedAt:             log.FinishedAt,
		TotalProcessed:         log.TotalProcessed,
		ErrorMessage:           log.ErrorMessage,
		DurationMs:             elapsedMs,
		DurationFormatted:      FormatDuration(float64(elapsedMs)),
		RecordsPerSecond:       rate,
		EstimatedTimeRemaining: eta,
		ProgressPercent:        progress,
		BatchSize:              s.config.BatchSize,
		WorkerConcurrency:      s.config.WorkerConcurrency,
	}
}

// FormatDuration renders milliseconds as "5m 30s", or "30s" under a minute
func FormatDuration(ms float64) string {
	if ms < 0 {
		ms = 0
	}
	mins := int64(math.Floor(ms / 60000))
	secs := int64(math.Floor(math.Mod(ms, 60000) / 1000))
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// History returns up to limit Sync Logs, most recent first
func (s *Service) History(ctx context.Context, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.logs.FindAll(ctx, limit)
}

// Reset fails the active latest run. It returns nil when nothing is active.
func (s *Service) Reset(ctx context.Context) (*ResetResult, error) {
	latest, err := s.logs.FindLatest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !latest.IsActive() {
		return nil, nil
	}

	applied, err := s.logs.UpdateIfStatus(ctx, latest.ID, latest.Status, models.Failed(MsgCancelled, s.now()))
	if err != nil {
		return nil, err
	}
	if !applied {
		// the run moved on between the read and the update
		return nil, nil
	}

	s.logger.Warn("sync manually reset",
		zap.Int64("sync_log_id", latest.ID),
		zap.String("previous_status", string(latest.Status)))

	return &ResetResult{SyncLogID: latest.ID, PreviousStatus: latest.Status, Message: MsgResetOK}, nil
}

// RecoverOnStartup fails every run left active by a previous process
func (s *Service) RecoverOnStartup(ctx context.Context) (int, error) {
	n, err := s.logs.MarkStaleFailed(ctx, 0, MsgInterrupted)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("orphan syncs marked as failed on startup", zap.Int("count", n))
	}
	return n, nil
}

// SweepStale fails active runs older than the stale threshold
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	threshold := s.config.StaleThreshold
	if threshold <= 0 {
		threshold = DefaultConfig().StaleThreshold
	}
	n, err := s.logs.MarkStaleFailed(ctx, threshold, StaleMessage(threshold))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("stale syncs marked as failed",
			zap.Int("count", n),
			zap.Duration("threshold", threshold))
	}
	return n, nil
}
