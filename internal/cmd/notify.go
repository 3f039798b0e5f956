package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/notify"
	"github.com/3leaps/jobline/pkg/notify/profiles"
	"github.com/3leaps/jobline/pkg/notify/ses"
	"github.com/3leaps/jobline/pkg/queue"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Consume completion events and email job owners",
	Long: `Consume job-completion events, look up the owner's address in the
accounts database and send a results-available email through SES.

A message is deleted only after the email was accepted; lookup or send
failures leave it for redelivery.`,
	Args: cobra.NoArgs,
	RunE: runNotify,
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, "jobline-notify")
	if err != nil {
		return err
	}
	if err := requireConfig(cfg.RequireNotify); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Notify.Location()
	if err != nil {
		return exitError(exitConfig, "Invalid notify.timezone", err)
	}

	resolver, err := profiles.Open(ctx, profiles.Config{DSN: cfg.Notify.ProfilesDSN, Table: cfg.Notify.ProfilesTable})
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to accounts database", err)
	}
	defer func() { _ = resolver.Close() }()

	sender, err := ses.New(ctx, ses.Config{From: cfg.Notify.Sender, AWS: cfg.AWS.Client()})
	if err != nil {
		return exitError(exitConfig, "Invalid SES configuration", err)
	}

	n, err := notify.New(notify.Config{
		Resolver:    resolver,
		Sender:      sender,
		WebEndpoint: cfg.Notify.WebEndpoint,
		Location:    loc,
		Logger:      logger.Named("notify"),
	})
	if err != nil {
		return exitError(exitConfig, "Invalid notifier configuration", err)
	}

	qs, err := newQueues(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to create queue client", err)
	}
	results, err := qs.open(cfg.Queue.ResultsURL)
	if err != nil {
		return exitError(exitConfig, "Invalid results queue", err)
	}
	dead, err := qs.deadLetter(cfg.Queue.ResultsDeadLetterURL)
	if err != nil {
		return exitError(exitConfig, "Invalid dead-letter queue", err)
	}

	consumer, err := queue.New(queue.Options[job.Completion]{
		Name:        "notify",
		Source:      results,
		Decode:      job.DecodeCompletion,
		Handle:      n.Handle,
		DeadLetter:  dead,
		MaxReceives: cfg.Queue.MaxReceives,
		Logger:      logger,
	})
	if err != nil {
		return exitError(exitConfig, "Invalid consumer configuration", err)
	}

	logger.Info("Notifier starting", zap.String("queue", results.URL()), zap.String("timezone", loc.String()))
	if err := consumer.Run(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Notifier stopped", err)
	}
	logger.Info("Notifier stopped", zap.Any("stats", consumer.Stats()))
	return nil
}
