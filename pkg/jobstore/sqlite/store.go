// Package sqlite implements jobstore.Store on SQLite (modernc, pure Go) or
// libsql (cgo builds).
//
// The conditional transition is a single UPDATE guarded by a status prefix
// match, so it is atomic with respect to every other writer of the database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/jobstore"
)

const backendName = "sqlite"

// Store implements jobstore.Store.
type Store struct {
	db *sql.DB
}

var _ jobstore.Store = (*Store)(nil)

// Open opens the database and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

const selectColumns = `job_id, user_id, partition_id, input_file_name, s3_inputs_bucket, s3_key_input_file,
	submit_time, job_status, start_time, complete_time, s3_results_bucket, s3_key_result_file,
	s3_key_log_file, failure_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*job.Record, error) {
	var r job.Record
	var status string
	if err := row.Scan(
		&r.JobID, &r.UserID, &r.Partition, &r.InputFileName, &r.InputsBucket, &r.InputKey,
		&r.SubmitTime, &status, &r.StartTime, &r.CompleteTime, &r.ResultsBucket, &r.ResultKey,
		&r.LogKey, &r.FailureReason,
	); err != nil {
		return nil, err
	}
	r.Status = job.Status(status)
	return &r, nil
}

// Get returns the record for jobID.
func (s *Store) Get(ctx context.Context, jobID string) (*job.Record, error) {
	jobID = strings.TrimSpace(jobID)
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE job_id = ?`, jobID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.wrap("Get", jobID, jobstore.ErrNotFound)
	}
	if err != nil {
		return nil, s.wrap("Get", jobID, err)
	}
	return r, nil
}

// Create inserts record.
func (s *Store) Create(ctx context.Context, record *job.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		record.JobID, record.UserID, record.Partition, record.InputFileName, record.InputsBucket, record.InputKey,
		record.SubmitTime, string(record.Status), record.StartTime, record.CompleteTime, record.ResultsBucket,
		record.ResultKey, record.LogKey, record.FailureReason,
	)
	if err != nil {
		return s.wrap("Create", record.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("Create", record.JobID, err)
	}
	if n == 0 {
		return s.wrap("Create", record.JobID, jobstore.ErrAlreadyExists)
	}
	return nil
}

// Transition applies t when the stored status begins with t.From.
func (s *Store) Transition(ctx context.Context, jobID string, t jobstore.Transition) (jobstore.Outcome, error) {
	if err := t.Validate(); err != nil {
		return jobstore.OutcomeInvalid, err
	}

	f := t.Fields
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			job_status = ?,
			start_time = CASE WHEN ? != 0 THEN ? ELSE start_time END,
			complete_time = CASE WHEN ? != 0 THEN ? ELSE complete_time END,
			s3_results_bucket = CASE WHEN ? != '' THEN ? ELSE s3_results_bucket END,
			s3_key_result_file = CASE WHEN ? != '' THEN ? ELSE s3_key_result_file END,
			s3_key_log_file = CASE WHEN ? != '' THEN ? ELSE s3_key_log_file END,
			failure_reason = CASE WHEN ? != '' THEN ? ELSE failure_reason END
		WHERE job_id = ? AND substr(job_status, 1, length(?)) = ?`,
		string(t.To),
		f.StartTime, f.StartTime,
		f.CompleteTime, f.CompleteTime,
		f.ResultsBucket, f.ResultsBucket,
		f.ResultKey, f.ResultKey,
		f.LogKey, f.LogKey,
		f.FailureReason, f.FailureReason,
		jobID, string(t.From), string(t.From),
	)
	if err != nil {
		return jobstore.OutcomeTransportError, s.wrap("Transition", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return jobstore.OutcomeTransportError, s.wrap("Transition", jobID, err)
	}
	if n == 1 {
		return jobstore.OutcomeApplied, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return jobstore.OutcomeNotFound, s.wrap("Transition", jobID, jobstore.ErrNotFound)
	case err != nil:
		return jobstore.OutcomeTransportError, s.wrap("Transition", jobID, err)
	}
	return jobstore.OutcomeAlreadyAdvanced, nil
}

// ListByUser returns the user's jobs, newest submission first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]job.Record, error) {
	return s.list(ctx, "ListByUser",
		`SELECT `+selectColumns+` FROM jobs WHERE user_id = ? ORDER BY submit_time DESC, job_id`, userID)
}

// ListByStatus returns every job in status.
func (s *Store) ListByStatus(ctx context.Context, status job.Status) ([]job.Record, error) {
	return s.list(ctx, "ListByStatus",
		`SELECT `+selectColumns+` FROM jobs WHERE job_status = ? ORDER BY submit_time DESC, job_id`, string(status))
}

func (s *Store) list(ctx context.Context, op, query string, arg any) ([]job.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, s.wrap(op, "", err)
	}
	defer func() { _ = rows.Close() }()

	var out []job.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, s.wrap(op, "", fmt.Errorf("scan: %w", err))
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(op, "", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) wrap(op, jobID string, err error) error {
	return &jobstore.StoreError{Op: op, Backend: backendName, JobID: jobID, Err: err}
}
