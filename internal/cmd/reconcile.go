package cmd

import (
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fail RUNNING jobs whose worker is gone",
	Long: `Scan RUNNING jobs and mark those started longer ago than --stale-after
as FAILED ("timed out"). With --pending-after, PENDING jobs submitted longer
ago than that are failed as well ("never dispatched").

Use this when the dispatcher host was lost with workers in flight, or when
job requests were lost before reaching the dispatcher.

Examples:
  jobline reconcile --stale-after 2h --dry-run
  jobline reconcile --pending-after 24h
  jobline reconcile --format json`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Duration("stale-after", 0, "Age after which a RUNNING job is failed (default dispatch.stale_after, else twice dispatch.worker_timeout)")
	reconcileCmd.Flags().Duration("pending-after", 0, "Age after which a PENDING job is failed (default dispatch.pending_after; 0 leaves PENDING jobs alone)")
	reconcileCmd.Flags().Bool("dry-run", false, "Report stale jobs without changing them")
	reconcileCmd.Flags().StringP("format", "o", "table", "Output format: table, json or yaml")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	staleAfter, _ := cmd.Flags().GetDuration("stale-after")
	pendingAfter, _ := cmd.Flags().GetDuration("pending-after")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	raw, _ := cmd.Flags().GetString("format")
	format, err := parseOutputFormat(raw)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --format", err)
	}

	cfg, logger, err := loadConfig(cmd, "jobline-reconcile")
	if err != nil {
		return err
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter(cfg.Dispatch.StaleAfter, cfg.Dispatch.WorkerTimeout)
	}
	if staleAfter <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Set --stale-after or dispatch.worker_timeout", nil)
	}
	if !cmd.Flags().Changed("pending-after") {
		pendingAfter = cfg.Dispatch.PendingAfter
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	r, err := reconcile.New(reconcile.Config{
		Store:        store,
		StaleAfter:   staleAfter,
		PendingAfter: pendingAfter,
		DryRun:       dryRun,
		Logger:       logger.Named("reconcile"),
	})
	if err != nil {
		return exitError(exitConfig, "Invalid reconciler configuration", err)
	}

	report, err := r.Once(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Reconcile failed", err)
	}
	logger.Debug("Reconcile finished",
		zap.Duration("stale_after", staleAfter),
		zap.Duration("pending_after", pendingAfter),
		zap.Bool("dry_run", dryRun))
	return writeReport(cmd, format, report, dryRun)
}

func defaultStaleAfter(configured, workerTimeout time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return 2 * workerTimeout
}

func writeReport(cmd *cobra.Command, format outputFormat, report *reconcile.Report, dryRun bool) error {
	w := cmd.OutOrStdout()
	switch format {
	case formatJSON:
		return encodeJSON(w, report)
	case formatYAML:
		return encodeYAML(w, report)
	}
	ids := report.Failed
	verb := "Failed"
	if dryRun {
		ids, verb = report.Stale, "Would fail"
	}
	_, _ = fmt.Fprintf(w, "Scanned %d jobs, %d stale\n", report.Scanned, len(report.Stale))
	for _, id := range ids {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", verb, id)
	}
	for _, id := range report.Skipped {
		_, _ = fmt.Fprintf(w, "Skipped\t%s\n", id)
	}
	return nil
}
