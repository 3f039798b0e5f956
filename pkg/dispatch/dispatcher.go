// Package dispatch turns job-request messages into staged inputs and
// supervised worker processes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
	"github.com/3leaps/jobline/pkg/provider"
	"github.com/3leaps/jobline/pkg/queue"
	"github.com/3leaps/jobline/pkg/supervisor"
)

// Starter admits a worker task. *supervisor.Pool implements it.
type Starter interface {
	Start(ctx context.Context, t supervisor.Task) error
}

// Config wires a Dispatcher.
type Config struct {
	Store   jobstore.Store
	Inputs  provider.Opener
	Workers Starter

	// StagingDir is the local base for {partition}/{user}/{job}/{file}.
	StagingDir string

	Logger *zap.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Dispatcher handles job-request envelopes.
type Dispatcher struct {
	store      jobstore.Store
	inputs     provider.Opener
	workers    Starter
	stagingDir string
	logger     *zap.Logger
	now        func() time.Time
}

// New validates cfg and builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("dispatch: store is required")
	case cfg.Inputs == nil:
		return nil, errors.New("dispatch: inputs provider is required")
	case cfg.Workers == nil:
		return nil, errors.New("dispatch: worker starter is required")
	case cfg.StagingDir == "":
		return nil, errors.New("dispatch: staging dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:      cfg.Store,
		inputs:     cfg.Inputs,
		workers:    cfg.Workers,
		stagingDir: cfg.StagingDir,
		logger:     logger,
		now:        now,
	}, nil
}

// Handle stages the input, starts the worker and marks the job RUNNING.
//
// A nil return acknowledges the message. Records that already left PENDING
// are acknowledged without any side effect.
func (d *Dispatcher) Handle(ctx context.Context, m queue.Message, req job.Request) error {
	log := d.logger.With(zap.String("job_id", req.JobID), zap.String("message_id", m.ID))

	rec, err := d.store.Get(ctx, req.JobID)
	if err != nil {
		if jobstore.IsNotFound(err) {
			return fmt.Errorf("job %s has no record yet: %w", req.JobID, err)
		}
		return fmt.Errorf("read job %s: %w", req.JobID, err)
	}
	if rec.Status != job.StatusPending {
		log.Info("Job already dispatched; acknowledging duplicate request", zap.String("status", rec.Status.String()))
		return nil
	}

	loc, err := d.locate(req)
	if err != nil {
		return err
	}
	staged := loc.StagedFile(d.stagingDir)

	if err := os.MkdirAll(loc.StagingDir(d.stagingDir), 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	src, err := d.inputs.Open(ctx, req.InputsBucket)
	if err != nil {
		return fmt.Errorf("open inputs bucket: %w", err)
	}
	n, err := provider.DownloadFile(ctx, src, req.InputKey, staged)
	if err != nil {
		switch {
		case provider.IsNotFound(err):
			log.Warn("Input object not found; leaving request for redelivery", zap.String("key", req.InputKey))
		case provider.IsRetryable(err):
			return fmt.Errorf("%w: fetch input: %w", queue.ErrDeferred, err)
		}
		return fmt.Errorf("fetch input: %w", err)
	}
	log.Debug("Input staged", zap.String("path", staged), zap.Int64("bytes", n))

	if err := d.workers.Start(ctx, supervisor.Task{JobID: req.JobID, StagedPath: staged}); err != nil {
		if errors.Is(err, supervisor.ErrPoolFull) || errors.Is(err, supervisor.ErrAlreadyRunning) {
			return fmt.Errorf("%w: %w", queue.ErrDeferred, err)
		}
		return fmt.Errorf("start worker: %w", err)
	}

	out, err := d.store.Transition(ctx, req.JobID, jobstore.Transition{
		From:   job.StatusPending,
		To:     job.StatusRunning,
		Fields: job.Fields{StartTime: d.now().UTC().Unix()},
	})
	switch out {
	case jobstore.OutcomeApplied:
		log.Info("Job dispatched", zap.String("staged_path", staged))
	case jobstore.OutcomeAlreadyAdvanced:
		log.Warn("Job advanced by another writer before RUNNING transition")
	default:
		log.Error("RUNNING transition failed; acknowledging anyway", zap.String("outcome", out.String()), zap.Error(err))
	}
	return nil
}

// locate derives the job location from the request and checks it agrees
// with the envelope.
func (d *Dispatcher) locate(req job.Request) (job.Location, error) {
	loc, err := job.ParseInputKey(req.InputKey)
	if err != nil {
		return job.Location{}, fmt.Errorf("%w: %w", queue.ErrMalformedEnvelope, err)
	}
	if loc.JobID != req.JobID || loc.UserID != req.UserID {
		return job.Location{}, fmt.Errorf("%w: key %q does not match job %s for user %s",
			queue.ErrMalformedEnvelope, req.InputKey, req.JobID, req.UserID)
	}
	if req.InputFileName != "" {
		loc.FileName = req.InputFileName
	}
	if err := loc.Validate(); err != nil {
		return job.Location{}, fmt.Errorf("%w: %w", queue.ErrMalformedEnvelope, err)
	}
	return loc, nil
}

// OnWorkerExit records unsuccessful worker exits as FAILED.
//
// A job the worker already completed is left alone; a job whose RUNNING
// transition never landed is failed from PENDING.
func (d *Dispatcher) OnWorkerExit(ctx context.Context, e supervisor.Exit) {
	if e.State == supervisor.StateSucceeded {
		return
	}
	log := d.logger.With(zap.String("job_id", e.Task.JobID), zap.String("state", string(e.State)))

	reason := fmt.Sprintf("worker %s", e.State)
	if e.Err != nil {
		reason = fmt.Sprintf("%s: %v", reason, e.Err)
	}
	fields := job.Fields{CompleteTime: d.now().UTC().Unix(), FailureReason: reason}

	for _, from := range []job.Status{job.StatusRunning, job.StatusPending} {
		out, err := d.store.Transition(ctx, e.Task.JobID, jobstore.Transition{From: from, To: job.StatusFailed, Fields: fields})
		switch out {
		case jobstore.OutcomeApplied:
			log.Warn("Job marked FAILED", zap.String("from", from.String()), zap.String("reason", reason))
			d.cleanup(e.Task, log)
			return
		case jobstore.OutcomeAlreadyAdvanced:
			continue
		default:
			log.Error("Could not mark job FAILED", zap.String("outcome", out.String()), zap.Error(err))
			return
		}
	}
	log.Info("Job already terminal; worker exit not recorded")
}

func (d *Dispatcher) cleanup(t supervisor.Task, log *zap.Logger) {
	loc, err := job.ParseStagedPath(d.stagingDir, t.StagedPath)
	if err != nil {
		return
	}
	if err := os.RemoveAll(loc.StagingDir(d.stagingDir)); err != nil {
		log.Warn("Staging cleanup failed", zap.Error(err))
	}
}
