package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/events"
	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
	"github.com/3leaps/jobline/pkg/provider"
)

var submitCmd = &cobra.Command{
	Use:   "submit --user <user_id> <file>",
	Short: "Upload an input file and request a job",
	Long: `Upload a local input file to the inputs bucket, create a PENDING job
record and publish the job request.

This plays the request-accepting tier for local and test deployments.

Examples:
  jobline submit --user U1 sample.vcf
  jobline submit --user U1 --job-id J1 sample.vcf --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("user", "", "Submitting user id (required)")
	submitCmd.Flags().String("job-id", "", "Job id (default: random UUID)")
	submitCmd.Flags().Bool("json", false, "Output the created record as JSON")
	_ = submitCmd.MarkFlagRequired("user")
}

// submitter creates jobs the way the request-accepting tier does.
type submitter struct {
	store     jobstore.Store
	inputs    provider.Opener
	publisher events.Publisher
	bucket    string
	partition string
	now       func() int64
}

func (s *submitter) submit(ctx context.Context, userID, jobID, srcPath string) (*job.Record, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	loc := job.Location{
		Partition: s.partition,
		UserID:    userID,
		JobID:     jobID,
		FileName:  filepath.Base(srcPath),
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	// An existing job's input must not be overwritten by the upload.
	if _, err := s.store.Get(ctx, jobID); err == nil {
		return nil, fmt.Errorf("create job record: %w: %s", jobstore.ErrAlreadyExists, jobID)
	} else if !jobstore.IsNotFound(err) {
		return nil, fmt.Errorf("check job record: %w", err)
	}

	p, err := s.inputs.Open(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("open inputs bucket: %w", err)
	}
	defer func() { _ = p.Close() }()
	if err := provider.UploadFile(ctx, p, loc.InputKey(), srcPath); err != nil {
		return nil, fmt.Errorf("upload input: %w", err)
	}

	now := job.EpochNow
	if s.now != nil {
		now = s.now
	}
	rec := &job.Record{
		JobID:         jobID,
		UserID:        userID,
		Partition:     loc.Partition,
		InputFileName: loc.FileName,
		InputsBucket:  s.bucket,
		InputKey:      loc.InputKey(),
		SubmitTime:    now(),
		Status:        job.StatusPending,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		// A concurrent submit that won the id owns the uploaded key.
		if !jobstore.IsAlreadyExists(err) {
			_ = p.DeleteObject(ctx, rec.InputKey)
		}
		return nil, fmt.Errorf("create job record: %w", err)
	}
	if err := events.PublishJSON(ctx, s.publisher, job.RequestFromRecord(rec)); err != nil {
		return rec, fmt.Errorf("publish job request: %w", err)
	}
	return rec, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetString("user")
	jobID, _ := cmd.Flags().GetString("job-id")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, logger, err := loadConfig(cmd, "jobline-submit")
	if err != nil {
		return err
	}
	if err := requireConfig(cfg.RequireSubmit); err != nil {
		return err
	}
	if _, err := os.Stat(args[0]); err != nil {
		return exitError(foundry.ExitFileNotFound, "Input file not readable", err)
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	inputs, err := openObjects(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open object storage", err)
	}
	pub, err := publisher(ctx, cfg, cfg.Events.RequestsTopicARN, cfg.Queue.RequestsURL)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to create request publisher", err)
	}

	s := &submitter{
		store:     store,
		inputs:    inputs,
		publisher: pub,
		bucket:    cfg.Storage.InputsBucket,
		partition: cfg.Dispatch.Partition,
	}
	rec, err := s.submit(ctx, userID, jobID, args[0])
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Submit failed", err)
	}
	logger.Info("Job submitted", zap.String("job_id", rec.JobID), zap.String("input_key", rec.InputKey))

	if jsonOutput {
		return writeRecord(cmd.OutOrStdout(), formatJSON, rec)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), rec.JobID)
	return nil
}
