package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/internal/app"
	"github.com/ajitpratap0/legacysync/pkg/config"
	"github.com/ajitpratap0/legacysync/pkg/logger"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string

	root := &cobra.Command{
		Use:   "legacysync",
		Short: "LegacySync - stream users from a legacy API into a local store",
		Long: `LegacySync pulls the full user set from a legacy HTTP API as a streaming
JSON array, splits it into batches and upserts them with a recency rule.
It also serves a REST API to trigger and inspect syncs and manage users.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("LegacySync v%s\n", app.Version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the REST API together with the sync workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configFile, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				return a.Serve(ctx)
			})
		},
	})

	var poll, timeout time.Duration
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and wait for it to finish",
		Long: `Run one sync without starting the REST API. The command exits non-zero
when the run fails.

Example:
  legacysync sync --config config.yaml --timeout 30m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configFile, func(ctx context.Context, a *app.App, log *zap.Logger) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				result, err := a.SyncOnce(ctx, poll)
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				log.Info("sync finished",
					zap.Int64("sync_log_id", result.ID),
					zap.String("status", string(result.Status)),
					zap.Int64("total_processed", result.TotalProcessed))
				fmt.Printf("Sync %d %s: %d records\n", result.ID, result.Status, result.TotalProcessed)
				if result.ErrorMessage != nil {
					return fmt.Errorf("sync %d failed: %s", result.ID, *result.ErrorMessage)
				}
				return nil
			})
		},
	}
	syncCmd.Flags().DurationVar(&poll, "poll-interval", time.Second, "How often to check the run status")
	syncCmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this long (0 = no limit)")
	root.AddCommand(syncCmd)

	root.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Fail every sync left active by a previous process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configFile, func(ctx context.Context, a *app.App, _ *zap.Logger) error {
				n, err := a.Recover(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Recovered %d interrupted sync(s)\n", n)
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			out, err := config.Dump(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads configuration, sets up logging and tracing, builds the app
// and runs fn until it returns or the process is signalled
func withApp(configFile string, fn func(ctx context.Context, a *app.App, log *zap.Logger) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	log, err := logger.Init(cfg.Observability.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log = log.With(zap.String("component", "legacysync-cli"))

	shutdownTracing, err := app.InitTracing(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to close store", zap.Error(err))
		}
	}()

	return fn(ctx, a, log)
}
