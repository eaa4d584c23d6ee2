// Package app wires configuration, storage, queues and the sync pipeline
// into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/legacysync/internal/api"
	"github.com/ajitpratap0/legacysync/internal/pipeline"
	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/clients"
	"github.com/ajitpratap0/legacysync/pkg/config"
	"github.com/ajitpratap0/legacysync/pkg/legacy"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/observability"
	"github.com/ajitpratap0/legacysync/pkg/store"
	"github.com/ajitpratap0/legacysync/pkg/store/postgres"
	"github.com/ajitpratap0/legacysync/pkg/store/sqlite"
)

// Version is reported by the version command and on spans
var Version = "0.1.0"

// App is one legacysync process
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store   store.Store
	syncs   *queue.Queue[models.SyncJob]
	batches *queue.Queue[models.BatchJob]

	client       *legacy.Client
	tracker      *pipeline.CompletionTracker
	orchestrator *pipeline.Orchestrator
	worker       *pipeline.BatchWorker
	service      *pipeline.Service
}

// Options overrides collaborators, mostly for tests
type Options struct {
	// Store replaces the store opened from cfg.Database
	Store store.Store
	// Streamer replaces the legacy HTTP client
	Streamer pipeline.Streamer
}

// New builds an App from cfg. The caller owns Close.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st := opts.Store
	if st == nil {
		var err error
		st, err = OpenStore(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
	}

	pcfg := pipeline.ConfigFrom(cfg)
	a := &App{cfg: cfg, logger: logger, store: st}

	a.syncs = queue.New[models.SyncJob](queue.Config{
		Name:           pipeline.SyncQueueName,
		Buffer:         16,
		DefaultOptions: queue.JobOptions{Attempts: 1},
	}, logger)
	a.batches = queue.New[models.BatchJob](queue.Config{
		Name:   pipeline.BatchQueueName,
		Buffer: cfg.Sync.QueueBuffer,
		DefaultOptions: queue.JobOptions{
			Attempts: cfg.Sync.BatchAttempts,
			Backoff:  cfg.Sync.BatchBackoff,
		},
	}, logger)

	a.client = NewLegacyClient(cfg, logger)
	streamer := opts.Streamer
	if streamer == nil {
		streamer = a.client
	}

	a.tracker = pipeline.NewCompletionTracker(st.SyncLogs(), logger)
	a.batches.Subscribe(a.tracker.Observe)
	a.orchestrator = pipeline.NewOrchestrator(pcfg, streamer, st.SyncLogs(), a.batches, a.syncs, a.tracker, logger)
	a.worker = pipeline.NewBatchWorker(st.Users(), logger)
	a.service = pipeline.NewService(pcfg, st.SyncLogs(), a.syncs, logger)

	return a, nil
}

// OpenStore opens the store selected by cfg.Driver
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Path, sqlite.Options{ParamLimit: cfg.ParamLimit, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN, postgres.Options{
			MaxConns:   cfg.MaxConns,
			MinConns:   cfg.MinConns,
			ParamLimit: cfg.ParamLimit,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// NewLegacyClient builds the legacy client from the reliability settings
func NewLegacyClient(cfg *config.Config, logger *zap.Logger) *legacy.Client {
	httpCfg := clients.DefaultHTTPConfig()
	if cfg.Legacy.DialTimeout > 0 {
		httpCfg.DialTimeout = cfg.Legacy.DialTimeout
	}
	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:             "legacy-api",
		FailureThreshold: cfg.Reliability.BreakerThreshold,
		ResetTimeout:     cfg.Reliability.BreakerTimeout,
	}, logger)
	policy := &clients.RetryPolicy{
		MaxAttempts:       cfg.Reliability.RetryAttempts,
		InitialDelay:      cfg.Reliability.RetryInitialDelay,
		MaxDelay:          cfg.Reliability.RetryMaxDelay,
		Multiplier:        cfg.Reliability.RetryMultiplier,
		RetryableStatuses: cfg.Reliability.RetryableStatuses,
	}
	return legacy.NewClient(legacy.Config{
		BaseURL:          cfg.Legacy.APIURL,
		APIKey:           cfg.Legacy.APIKey,
		ProgressInterval: cfg.Legacy.ProgressLogInterval,
	}, clients.NewStreamingHTTPClient(httpCfg, logger), breaker, policy, logger)
}

// InitTracing installs the tracer provider described by cfg.Observability
func InitTracing(cfg *config.Config) (observability.ShutdownFunc, error) {
	return observability.Init(observability.TracingConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		SamplingRate:   cfg.Observability.SampleRatio,
		BatchTimeout:   5 * time.Second,
	})
}

// Service returns the sync control service
func (a *App) Service() *pipeline.Service { return a.service }

// Store returns the underlying store
func (a *App) Store() store.Store { return a.store }

// Router builds the REST router
func (a *App) Router() *gin.Engine {
	gin.SetMode(a.cfg.Server.Mode)
	return api.NewRouter(api.Dependencies{
		Sync:          a.service,
		Users:         a.store.Users(),
		Breaker:       a.client.Breaker(),
		Queues:        []api.QueueInspector{api.InspectSyncs(a.syncs), api.InspectBatches(a.batches)},
		Logger:        a.logger,
		Driver:        a.cfg.Database.Driver,
		HealthTimeout: a.cfg.Database.HealthTimeout,
	})
}

// Recover fails every run left active by a previous process
func (a *App) Recover(ctx context.Context) (int, error) {
	return a.service.RecoverOnStartup(ctx)
}

// workers starts the tracker and both queue consumers on g
func (a *App) workers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return a.tracker.Run(ctx) })
	g.Go(func() error { return a.syncs.Run(ctx, a.cfg.Sync.WorkerConcurrency, a.orchestrator.Handle) })
	g.Go(func() error { return a.batches.Run(ctx, a.cfg.Sync.BatchConcurrency, a.worker.Handle) })
}

// Serve recovers orphaned runs, then runs the workers, the stale sweeper, the
// scheduler and the HTTP server until ctx is done
func (a *App) Serve(ctx context.Context) error {
	if _, err := a.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.workers(ctx, g)
	g.Go(func() error { return a.service.RunSweeper(ctx, a.cfg.Sync.SweepInterval) })
	g.Go(func() error { return a.service.RunScheduler(ctx, a.cfg.Sync.ScheduleInterval) })

	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	server := api.NewServer(addr, a.Router(), a.cfg.Server.ShutdownTimeout, a.logger)
	g.Go(func() error { return server.Run(ctx) })

	a.logger.Info("legacysync started",
		zap.String("addr", addr),
		zap.String("driver", a.cfg.Database.Driver),
		zap.Int("batch_size", a.cfg.Sync.BatchSize),
		zap.Int("batch_concurrency", a.cfg.Sync.BatchConcurrency))

	err := g.Wait()
	a.orchestrator.WaitRetries()
	return err
}

// SyncOnce triggers one run and waits for it to reach a terminal status
func (a *App) SyncOnce(ctx context.Context, poll time.Duration) (*models.SyncLog, error) {
	if poll <= 0 {
		poll = time.Second
	}
	if _, err := a.Recover(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, runCtx := errgroup.WithContext(runCtx)
	a.workers(runCtx, g)
	defer func() {
		cancel()
		_ = g.Wait()
		a.orchestrator.WaitRetries()
	}()

	res, err := a.service.Trigger(ctx)
	if err != nil {
		return nil, err
	}
	if res.AlreadyRunning {
		return nil, fmt.Errorf("sync %d already in progress", res.SyncLogID)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("sync workers stopped before the run finished")
		case <-ticker.C:
		}
		log, err := a.store.SyncLogs().FindByID(ctx, res.SyncLogID)
		if err != nil {
			return nil, err
		}
		if log.Status.IsTerminal() {
			return log, nil
		}
	}
}

// Close releases the queues and the store
func (a *App) Close() error {
	a.syncs.Close()
	a.batches.Close()
	return a.store.Close()
}
