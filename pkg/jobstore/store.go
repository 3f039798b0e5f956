// Package jobstore defines the durable job record store shared by every
// pipeline stage.
//
// The only mutation primitive used after creation is Transition, a
// conditional write that succeeds only when the stored status begins with the
// expected predecessor. Backends must make it atomic per key; it is the
// de-duplication boundary for redelivered messages.
package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/jobline/pkg/job"
)

// Store is the job record store.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record for jobID or ErrNotFound.
	Get(ctx context.Context, jobID string) (*job.Record, error)

	// Create inserts a new record. Returns ErrAlreadyExists if the job id is taken.
	Create(ctx context.Context, record *job.Record) error

	// Transition conditionally advances a record's status.
	Transition(ctx context.Context, jobID string, t Transition) (Outcome, error)

	// ListByUser returns the user's jobs, newest submission first.
	ListByUser(ctx context.Context, userID string) ([]job.Record, error)

	// ListByStatus returns every job currently in status.
	ListByStatus(ctx context.Context, status job.Status) ([]job.Record, error)

	// Close releases backend resources.
	Close() error
}

// Transition describes a conditional status change.
type Transition struct {
	// From is the expected predecessor, matched as a prefix of the stored status.
	From job.Status
	// To is the status written when the condition holds.
	To job.Status
	// Fields are written together with the status.
	Fields job.Fields
}

// Validate rejects transitions the lifecycle does not permit.
func (t Transition) Validate() error {
	if !job.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	return nil
}

// Outcome is the typed result of a conditional transition.
type Outcome int

const (
	// OutcomeApplied means the condition held and the write happened.
	OutcomeApplied Outcome = iota
	// OutcomeAlreadyAdvanced means another writer moved the record first.
	// It is not an error; callers log and continue.
	OutcomeAlreadyAdvanced
	// OutcomeNotFound means no record exists for the job id.
	OutcomeNotFound
	// OutcomeInvalid means the requested transition is not permitted.
	OutcomeInvalid
	// OutcomeTransportError means the store could not be reached or rejected the request.
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyAdvanced:
		return "already_advanced"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the job record does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists indicates a record with the same job id exists.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrInvalidTransition indicates the lifecycle forbids the transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StoreError wraps backend errors with operation context.
type StoreError struct {
	Op      string
	Backend string
	JobID   string
	Err     error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error indicates a duplicate job id.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
