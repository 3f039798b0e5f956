// Package reconcile fails jobs whose worker has gone quiet.
//
// A RUNNING record older than the stale threshold has no live worker able
// to complete it, so it is moved to FAILED. When a pending threshold is set,
// PENDING records submitted longer ago than it are failed too. Each write is
// conditional on the status the record was listed with, which leaves a late
// dispatch or completion intact.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
)

// Reasons written to failure_reason.
const (
	TimedOutReason        = "timed out"
	NeverDispatchedReason = "never dispatched"
)

// Config wires a Reconciler.
type Config struct {
	Store jobstore.Store

	// StaleAfter is the RUNNING age beyond which a job is failed (required).
	StaleAfter time.Duration

	// PendingAfter is the PENDING age, measured from submit_time, beyond
	// which a job is failed. Zero leaves PENDING records alone.
	PendingAfter time.Duration

	// DryRun reports stale jobs without writing.
	DryRun bool

	Logger *zap.Logger
	Now    func() time.Time
}

// Reconciler scans RUNNING and, optionally, PENDING jobs.
type Reconciler struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// Report lists what one pass found.
type Report struct {
	Scanned int      `json:"scanned" yaml:"scanned"`
	Stale   []string `json:"stale" yaml:"stale"`
	Failed  []string `json:"failed" yaml:"failed"`
	Skipped []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// New validates cfg.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.StaleAfter <= 0 {
		return nil, errors.New("reconcile: stale-after must be positive")
	}
	if cfg.PendingAfter < 0 {
		return nil, errors.New("reconcile: pending-after must not be negative")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{cfg: cfg, logger: logger, now: now}, nil
}

// Stale reports whether rec has sat in its status longer than the threshold
// for it. RUNNING age counts from the start time, falling back to the
// submission time; PENDING age counts from the submission time.
func (r *Reconciler) Stale(rec job.Record) bool {
	var since int64
	var limit time.Duration
	switch rec.Status {
	case job.StatusRunning:
		since, limit = rec.StartTime, r.cfg.StaleAfter
		if since == 0 {
			since = rec.SubmitTime
		}
	case job.StatusPending:
		since, limit = rec.SubmitTime, r.cfg.PendingAfter
	default:
		return false
	}
	if since == 0 || limit <= 0 {
		return false
	}
	return r.now().Sub(time.Unix(since, 0)) > limit
}

func (r *Reconciler) statuses() []job.Status {
	if r.cfg.PendingAfter > 0 {
		return []job.Status{job.StatusRunning, job.StatusPending}
	}
	return []job.Status{job.StatusRunning}
}

func failureReason(s job.Status) string {
	if s == job.StatusPending {
		return NeverDispatchedReason
	}
	return TimedOutReason
}

// Once runs a single pass.
func (r *Reconciler) Once(ctx context.Context) (*Report, error) {
	var records []job.Record
	for _, status := range r.statuses() {
		recs, err := r.cfg.Store.ListByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", status, err)
		}
		records = append(records, recs...)
	}

	report := &Report{Scanned: len(records), Stale: []string{}, Failed: []string{}}
	for _, rec := range records {
		if !r.Stale(rec) {
			continue
		}
		report.Stale = append(report.Stale, rec.JobID)
		if r.cfg.DryRun {
			continue
		}

		out, err := r.cfg.Store.Transition(ctx, rec.JobID, jobstore.Transition{
			From: rec.Status,
			To:   job.StatusFailed,
			Fields: job.Fields{
				CompleteTime:  r.now().UTC().Unix(),
				FailureReason: failureReason(rec.Status),
			},
		})
		log := r.logger.With(zap.String("job_id", rec.JobID),
			zap.String("status", rec.Status.String()),
			zap.String("outcome", out.String()))
		switch out {
		case jobstore.OutcomeApplied:
			log.Warn("Stale job marked FAILED",
				zap.Int64("submit_time", rec.SubmitTime),
				zap.Int64("start_time", rec.StartTime))
			report.Failed = append(report.Failed, rec.JobID)
		case jobstore.OutcomeAlreadyAdvanced, jobstore.OutcomeNotFound:
			log.Info("Stale job advanced concurrently")
			report.Skipped = append(report.Skipped, rec.JobID)
		default:
			return report, fmt.Errorf("fail %s: %w", rec.JobID, err)
		}
	}
	return report, nil
}

// Every runs a pass per interval until ctx is done. Pass errors are logged.
func (r *Reconciler) Every(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("reconcile: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Once(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
