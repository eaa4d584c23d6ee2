package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper fails stale runs every interval until ctx is done. A
// non-positive interval disables the sweep.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	return s.every(ctx, interval, "stale sweep", func(ctx context.Context) error {
		_, err := s.SweepStale(ctx)
		return err
	})
}

// RunScheduler triggers a sync every interval until ctx is done. A
// non-positive interval disables scheduling.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) error {
	return s.every(ctx, interval, "scheduled sync", func(ctx context.Context) error {
		s.logger.Info("running scheduled sync")
		res, err := s.Trigger(ctx)
		if err == nil && res.AlreadyRunning {
			s.logger.Info("scheduled sync skipped", zap.Int64("sync_log_id", res.SyncLogID))
		}
		return err
	})
}

func (s *Service) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	if interval <= 0 {
		s.logger.Info(name+" disabled")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error(name+" failed", zap.Error(err))
			}
		}
	}
}
