package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/jobline/internal/config"
	"github.com/3leaps/jobline/internal/server"
	"github.com/3leaps/jobline/internal/server/handlers"
	"github.com/3leaps/jobline/pkg/dispatch"
	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/queue"
	"github.com/3leaps/jobline/pkg/reconcile"
	"github.com/3leaps/jobline/pkg/supervisor"
)

var dispatchServe bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Consume job requests and run workers",
	Long: `Consume job-request messages, stage each input locally and start a
worker process for it in a bounded pool.

Requests that arrive while the pool is full stay on the queue. Workers that
fail or exceed dispatch.worker_timeout are recorded as FAILED. With
dispatch.stale_after set, RUNNING jobs older than that are failed
periodically.

Examples:
  jobline dispatch
  jobline dispatch --serve`,
	Args: cobra.NoArgs,
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.Flags().BoolVar(&dispatchServe, "serve", false, "Also run the ops HTTP server (server.enabled)")
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, "jobline-dispatch")
	if err != nil {
		return err
	}
	if err := requireConfig(cfg.RequireDispatch); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	inputs, err := openObjects(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open object storage", err)
	}

	qs, err := newQueues(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to create queue client", err)
	}
	requests, err := qs.open(cfg.Queue.RequestsURL)
	if err != nil {
		return exitError(exitConfig, "Invalid request queue", err)
	}
	dead, err := qs.deadLetter(cfg.Queue.RequestsDeadLetterURL)
	if err != nil {
		return exitError(exitConfig, "Invalid dead-letter queue", err)
	}

	if err := os.MkdirAll(cfg.Dispatch.StagingDir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create staging dir", err)
	}

	var d *dispatch.Dispatcher
	pool := supervisor.NewPool(newLauncher(cfg), supervisor.Config{
		MaxWorkers: cfg.Dispatch.MaxWorkers,
		Timeout:    cfg.Dispatch.WorkerTimeout,
		OnExit:     func(ctx context.Context, e supervisor.Exit) { d.OnWorkerExit(ctx, e) },
		Logger:     logger.Named("pool"),
	})

	d, err = dispatch.New(dispatch.Config{
		Store:      store,
		Inputs:     inputs,
		Workers:    pool,
		StagingDir: cfg.Dispatch.StagingDir,
		Logger:     logger.Named("dispatch"),
	})
	if err != nil {
		return exitError(exitConfig, "Invalid dispatcher configuration", err)
	}

	consumer, err := queue.New(queue.Options[job.Request]{
		Name:        "dispatch",
		Source:      requests,
		Decode:      job.DecodeRequest,
		Handle:      d.Handle,
		DeadLetter:  dead,
		MaxReceives: cfg.Queue.MaxReceives,
		Logger:      logger,
	})
	if err != nil {
		return exitError(exitConfig, "Invalid consumer configuration", err)
	}

	logger.Info("Dispatcher starting",
		zap.String("queue", requests.URL()),
		zap.String("staging_dir", cfg.Dispatch.StagingDir),
		zap.Int("max_workers", cfg.Dispatch.MaxWorkers),
		zap.Duration("worker_timeout", cfg.Dispatch.WorkerTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })

	if cfg.Dispatch.StaleAfter > 0 {
		r, err := reconcile.New(reconcile.Config{
			Store:        store,
			StaleAfter:   cfg.Dispatch.StaleAfter,
			PendingAfter: cfg.Dispatch.PendingAfter,
			Logger:       logger.Named("reconcile"),
		})
		if err != nil {
			return exitError(exitConfig, "Invalid reconciler configuration", err)
		}
		g.Go(func() error { return r.Every(gctx, cfg.Dispatch.ReconcileInterval) })
	}

	if dispatchServe || cfg.Server.Enabled {
		srv := newOpsServer(cfg, logger, server.WithStore(store), server.WithPool(pool), server.WithConsumers(consumer))
		srv.Health().RegisterChecker("store", storeChecker(store))
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.ShutdownTimeout) })
	}

	runErr := g.Wait()
	drain(logger, pool, cfg.Dispatch.ShutdownTimeout)

	if runErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Dispatcher stopped", runErr)
	}
	logger.Info("Dispatcher stopped", zap.Any("stats", consumer.Stats()))
	return nil
}

// drain waits for running workers, then cancels whatever is left.
func drain(logger *zap.Logger, pool *supervisor.Pool, timeout time.Duration) {
	if n := pool.Running(); n > 0 {
		logger.Info("Waiting for workers", zap.Int("running", n), zap.Duration("timeout", timeout))
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := pool.Wait(ctx); err != nil {
		logger.Warn("Cancelling remaining workers", zap.Int("running", pool.Running()))
		pool.Stop()
		_ = pool.Wait(context.Background())
	}
	pool.Close()
}

func newLauncher(cfg *config.Config) *supervisor.ExecLauncher {
	l := &supervisor.ExecLauncher{
		Command: cfg.Dispatch.WorkerCommand,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	if len(cfg.Dispatch.WorkerCommand) == 0 && configPath != "" {
		l.ExtraArgs = []string{"--config", configPath}
	}
	return l
}

func newOpsServer(cfg *config.Config, logger *zap.Logger, opts ...server.Option) *server.Server {
	opts = append([]server.Option{
		server.WithLogger(logger.Named("http")),
		server.WithVersion(versionInfo.Version),
		server.WithHealth(handlers.NewHealthManager(versionInfo.Version)),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}, opts...)
	return server.New(cfg.Server.Host, cfg.Server.Port, opts...)
}
