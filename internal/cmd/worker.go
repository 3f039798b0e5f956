package cmd

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/internal/config"
	"github.com/3leaps/jobline/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker <staged_file_path>",
	Short: "Run one job to completion",
	Long: `Run the computation for one staged input, upload the result and log
artifacts, record COMPLETED and publish the completion event.

The dispatcher launches this command; it can also be run by hand against a
file under dispatch.staging_dir laid out as {partition}/{user}/{job}/{file}.
It exits non-zero when the job could not be completed.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd, "jobline-worker")
	if err != nil {
		return err
	}
	if err := requireConfig(cfg.RequireWorker); err != nil {
		return err
	}

	// SIGINT comes from the pool on timeout or shutdown.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	results, err := openObjects(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open object storage", err)
	}
	pub, err := publisher(ctx, cfg, cfg.Events.ResultsTopicARN, cfg.Queue.ResultsURL)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to create completion publisher", err)
	}

	w, err := worker.New(worker.Config{
		Store:          store,
		Results:        results,
		Publisher:      pub,
		Computer:       newComputer(cfg),
		StagingDir:     cfg.Dispatch.StagingDir,
		ResultsBucket:  cfg.Storage.ResultsBucket,
		InputsBucket:   cfg.Storage.InputsBucket,
		PendingRetries: cfg.Worker.PendingRetries,
		PendingBackoff: cfg.Worker.PendingBackoff,
		Logger:         logger,
	})
	if err != nil {
		return exitError(exitConfig, "Invalid worker configuration", err)
	}

	report, err := w.Run(ctx, args[0])
	if err != nil {
		fields := []zap.Field{zap.String("staged_path", args[0]), zap.Error(err)}
		if report != nil {
			fields = append(fields, zap.String("outcome", report.Outcome.String()))
		}
		logger.Error("Worker failed", fields...)
		switch {
		case ctx.Err() != nil:
			return exitError(foundry.ExitSignalInt, "Worker cancelled", err)
		case errors.Is(err, worker.ErrComputation), errors.Is(err, worker.ErrNotRunning):
			return exitError(1, "Job not completed", err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Job not completed", err)
		}
	}
	return nil
}

func newComputer(cfg *config.Config) worker.Computer {
	if len(cfg.Worker.Command) == 0 {
		return worker.CountComputer{}
	}
	return &worker.ExecComputer{Command: cfg.Worker.Command, Stdout: os.Stderr, Stderr: os.Stderr}
}
