package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/legacy"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store/sqlite"
	"github.com/ajitpratap0/legacysync/pkg/testutil"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, clock *testutil.Clock) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "sync.sqlite"), sqlite.Options{
		Now:    clock.Now,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.EstimatedTotalRecords = 10_000
	cfg.BatchBackoff = time.Millisecond
	return cfg
}

func user(id int64) models.LegacyRecord {
	return models.LegacyRecord{
		ID:        id,
		UserName:  fmt.Sprintf("u%d", id),
		Email:     fmt.Sprintf("u%d@example.com", id),
		CreatedAt: epoch.Add(time.Duration(id) * time.Minute).Format(time.RFC3339),
	}
}

// fakeStreamer hands each chunk to onBatch in order, then returns err
type fakeStreamer struct {
	chunks [][]models.LegacyRecord
	err    error
	// between runs after chunk i has been delivered
	between func(i int)

	mu    sync.Mutex
	calls int
}

func (f *fakeStreamer) FetchStreaming(ctx context.Context, onBatch legacy.BatchFunc) (legacy.StreamResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	var res legacy.StreamResult
	for i, chunk := range f.chunks {
		if err := onBatch(ctx, chunk); err != nil {
			return res, err
		}
		res.TotalProcessed += int64(len(chunk))
		if f.between != nil {
			f.between(i)
		}
	}
	return res, f.err
}

func (f *fakeStreamer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBatchQueue struct {
	mu   sync.Mutex
	jobs []models.BatchJob
	opts []queue.JobOptions
}

func (f *fakeBatchQueue) Add(_ context.Context, data models.BatchJob, opts queue.JobOptions) (*queue.Job[models.BatchJob], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, data)
	f.opts = append(f.opts, opts)
	return &queue.Job[models.BatchJob]{ID: fmt.Sprint(len(f.jobs)), Data: data, Options: opts}, nil
}

type fakeSyncQueue struct {
	mu      sync.Mutex
	jobs    []models.SyncJob
	opts    []queue.JobOptions
	delayed int
	err     error
}

func (f *fakeSyncQueue) Add(_ context.Context, data models.SyncJob, opts queue.JobOptions) (*queue.Job[models.SyncJob], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.jobs = append(f.jobs, data)
	f.opts = append(f.opts, opts)
	return &queue.Job[models.SyncJob]{ID: fmt.Sprint(len(f.jobs)), Data: data, Options: opts}, nil
}

func (f *fakeSyncQueue) Delayed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delayed
}

func (f *fakeSyncQueue) Jobs() []models.SyncJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SyncJob(nil), f.jobs...)
}

// runTracker starts t and stops it on cleanup
func runTracker(t *testing.T, tracker *CompletionTracker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tracker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}
