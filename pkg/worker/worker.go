// Package worker runs one job to completion: compute, upload artifacts,
// clean up, record COMPLETED and publish the completion event.
//
// It runs once per process and does not retry. Failures after the
// computation has run are returned to the caller so the process exits
// non-zero.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/events"
	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
	"github.com/3leaps/jobline/pkg/provider"
)

var (
	// ErrComputation indicates the computation itself failed.
	ErrComputation = errors.New("computation failed")

	// ErrResultUpload indicates the result artifact could not be stored.
	ErrResultUpload = errors.New("result upload failed")

	// ErrNotRunning indicates the record was not RUNNING when completion was attempted.
	ErrNotRunning = errors.New("job is not running")
)

const (
	// DefaultPendingRetries bounds waiting for the dispatcher's RUNNING write.
	DefaultPendingRetries = 5
	// DefaultPendingBackoff is the pause between those retries.
	DefaultPendingBackoff = 500 * time.Millisecond
)

// Config wires a Worker.
type Config struct {
	Store     jobstore.Store
	Results   provider.Opener
	Publisher events.Publisher
	Computer  Computer

	// StagingDir is the base the staged path lives under.
	StagingDir string

	// ResultsBucket receives the artifacts.
	ResultsBucket string

	// InputsBucket is reported in the completion event when the record lacks one.
	InputsBucket string

	// PendingRetries and PendingBackoff control how long completion waits for a
	// record still PENDING because the dispatcher has not written RUNNING yet.
	PendingRetries int
	PendingBackoff time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// Worker completes jobs.
type Worker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// Report summarizes one run.
type Report struct {
	Location       job.Location
	ResultKey      string
	LogKey         string
	ResultUploaded bool
	LogUploaded    bool
	CompleteTime   int64
	Outcome        jobstore.Outcome
	Published      bool
}

// New validates cfg and builds a Worker.
func New(cfg Config) (*Worker, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("worker: store is required")
	case cfg.Results == nil:
		return nil, errors.New("worker: results provider is required")
	case cfg.Publisher == nil:
		return nil, errors.New("worker: publisher is required")
	case cfg.StagingDir == "":
		return nil, errors.New("worker: staging dir is required")
	case cfg.ResultsBucket == "":
		return nil, errors.New("worker: results bucket is required")
	}
	if cfg.Computer == nil {
		cfg.Computer = CountComputer{}
	}
	if cfg.PendingRetries < 0 {
		cfg.PendingRetries = 0
	} else if cfg.PendingRetries == 0 {
		cfg.PendingRetries = DefaultPendingRetries
	}
	if cfg.PendingBackoff <= 0 {
		cfg.PendingBackoff = DefaultPendingBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{cfg: cfg, logger: logger, now: now}, nil
}

// Run processes the staged input at stagedPath.
func (w *Worker) Run(ctx context.Context, stagedPath string) (*Report, error) {
	loc, err := job.ParseStagedPath(w.cfg.StagingDir, stagedPath)
	if err != nil {
		return nil, err
	}
	log := w.logger.With(zap.String("job_id", loc.JobID), zap.String("user_id", loc.UserID))
	report := &Report{Location: loc, ResultKey: loc.ResultKey(), LogKey: loc.LogKey()}

	dir := loc.StagingDir(w.cfg.StagingDir)
	comp := Computation{
		InputPath:  loc.StagedFile(w.cfg.StagingDir),
		ResultPath: filepath.Join(dir, job.ResultFileName(loc.FileName)),
		LogPath:    filepath.Join(dir, job.LogFileName(loc.FileName)),
	}

	started := w.now()
	if err := w.cfg.Computer.Compute(ctx, comp); err != nil {
		log.Error("Computation failed", zap.Error(err))
		w.cleanup(dir, log)
		w.fail(ctx, loc.JobID, fmt.Sprintf("computation failed: %v", err), log)
		return report, fmt.Errorf("%w: %w", ErrComputation, err)
	}
	log.Info("Computation finished", zap.Duration("duration", w.now().Sub(started)))

	report.ResultUploaded = w.upload(ctx, report.ResultKey, comp.ResultPath, log)
	report.LogUploaded = w.upload(ctx, report.LogKey, comp.LogPath, log)

	w.cleanup(dir, log)

	if !report.ResultUploaded {
		w.fail(ctx, loc.JobID, "result upload failed", log)
		return report, ErrResultUpload
	}

	report.CompleteTime = w.now().UTC().Unix()
	fields := job.Fields{
		CompleteTime:  report.CompleteTime,
		ResultsBucket: w.cfg.ResultsBucket,
		ResultKey:     report.ResultKey,
	}
	if report.LogUploaded {
		fields.LogKey = report.LogKey
	}

	rec, err := w.complete(ctx, loc.JobID, fields, log)
	report.Outcome = outcomeOf(err, rec)
	if err != nil {
		return report, err
	}

	inputsBucket := rec.InputsBucket
	if inputsBucket == "" {
		inputsBucket = w.cfg.InputsBucket
	}
	event := job.Completion{
		JobID:         loc.JobID,
		UserID:        loc.UserID,
		InputFileName: loc.FileName,
		InputsBucket:  inputsBucket,
		CompleteTime:  report.CompleteTime,
	}
	if err := events.PublishJSON(ctx, w.cfg.Publisher, event); err != nil {
		log.Error("Completion event publish failed", zap.Error(err))
		return report, fmt.Errorf("publish completion for %s: %w", loc.JobID, err)
	}
	report.Published = true
	log.Info("Job completed", zap.String("result_key", report.ResultKey))
	return report, nil
}

// complete performs RUNNING -> COMPLETED, waiting briefly when the record is
// still PENDING. It returns the record as read after the attempt.
func (w *Worker) complete(ctx context.Context, jobID string, fields job.Fields, log *zap.Logger) (*job.Record, error) {
	t := jobstore.Transition{From: job.StatusRunning, To: job.StatusCompleted, Fields: fields}

	for attempt := 0; ; attempt++ {
		out, err := w.cfg.Store.Transition(ctx, jobID, t)
		switch out {
		case jobstore.OutcomeApplied:
			return w.cfg.Store.Get(ctx, jobID)
		case jobstore.OutcomeAlreadyAdvanced:
		default:
			log.Error("COMPLETED transition failed", zap.String("outcome", out.String()), zap.Error(err))
			return nil, fmt.Errorf("complete %s: %w", jobID, err)
		}

		rec, err := w.cfg.Store.Get(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("complete %s: %w", jobID, err)
		}
		if rec.Status != job.StatusPending || attempt >= w.cfg.PendingRetries {
			log.Warn("Job not RUNNING at completion", zap.String("status", rec.Status.String()))
			return rec, fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, rec.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.cfg.PendingBackoff):
		}
	}
}

func outcomeOf(err error, rec *job.Record) jobstore.Outcome {
	switch {
	case err == nil:
		return jobstore.OutcomeApplied
	case errors.Is(err, ErrNotRunning):
		return jobstore.OutcomeAlreadyAdvanced
	case rec == nil && jobstore.IsNotFound(err):
		return jobstore.OutcomeNotFound
	default:
		return jobstore.OutcomeTransportError
	}
}

// upload stores one artifact. Failures are logged and reported as false.
func (w *Worker) upload(ctx context.Context, key, path string, log *zap.Logger) bool {
	dst, err := w.cfg.Results.Open(ctx, w.cfg.ResultsBucket)
	if err == nil {
		err = provider.UploadFile(ctx, dst, key, path)
	}
	if err != nil {
		log.Error("Artifact upload failed", zap.String("key", key), zap.Error(err))
		return false
	}
	log.Debug("Artifact uploaded", zap.String("key", key))
	return true
}

// cleanup removes the staging directory. Failures are not fatal.
func (w *Worker) cleanup(dir string, log *zap.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("Staging cleanup failed", zap.String("dir", dir), zap.Error(err))
	}
}

// fail records FAILED. A record that is no longer RUNNING is left as is.
func (w *Worker) fail(ctx context.Context, jobID, reason string, log *zap.Logger) {
	out, err := w.cfg.Store.Transition(ctx, jobID, jobstore.Transition{
		From:   job.StatusRunning,
		To:     job.StatusFailed,
		Fields: job.Fields{CompleteTime: w.now().UTC().Unix(), FailureReason: reason},
	})
	if out != jobstore.OutcomeApplied {
		log.Warn("Could not mark job FAILED", zap.String("outcome", out.String()), zap.Error(err))
	}
}
