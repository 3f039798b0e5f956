// Package supervisor runs worker processes under a bounded, cancellable pool.
//
// Admission is non-blocking: a saturated pool rejects new tasks so the
// message that requested them stays on the queue for redelivery.
package supervisor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPoolFull indicates every worker slot is taken.
	ErrPoolFull = errors.New("worker pool full")

	// ErrAlreadyRunning indicates a task for the same job id is still running.
	ErrAlreadyRunning = errors.New("job already running")

	// ErrPoolClosed indicates Stop was called.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is one worker invocation.
type Task struct {
	JobID      string
	StagedPath string
}

// State is the lifecycle state of a supervised task.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Process is a started worker.
type Process interface {
	// PID returns the OS process id, or 0 when not applicable.
	PID() int
	// Wait blocks until the worker exits.
	Wait() error
}

// Launcher starts worker processes. The process must stop when ctx is done.
type Launcher interface {
	Launch(ctx context.Context, t Task) (Process, error)
}

// Exit describes a finished task.
type Exit struct {
	Task      Task
	State     State
	Err       error
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}

// Status is a point-in-time view of a task for operators.
type Status struct {
	JobID      string     `json:"job_id"`
	StagedPath string     `json:"staged_path"`
	PID        int        `json:"pid,omitempty"`
	State      State      `json:"state"`
	ExitCode   int        `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}
