// Package job defines the job record, its status lifecycle, the queue
// envelopes exchanged between pipeline stages, and the naming conventions for
// staging paths and artifact keys.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the job store and travel on the wire;
// they are part of the stable contract with the request-accepting tier.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Rank orders statuses along the lifecycle. A record never moves to a lower rank.
// Unknown statuses rank below PENDING.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// CanTransition reports whether the lifecycle permits moving from one status to another.
//
// Allowed: PENDING->RUNNING, RUNNING->COMPLETED, RUNNING->FAILED, PENDING->FAILED.
func CanTransition(from, to Status) bool {
	switch {
	case from == StatusPending && to == StatusRunning:
		return true
	case from == StatusRunning && (to == StatusCompleted || to == StatusFailed):
		return true
	case from == StatusPending && to == StatusFailed:
		return true
	default:
		return false
	}
}

// Record is the durable job record keyed by JobID.
//
// Timestamps are UTC epoch seconds. Optional fields stay zero until the job
// reaches the stage that writes them.
type Record struct {
	JobID         string `json:"job_id" yaml:"job_id" dynamodbav:"job_id"`
	UserID        string `json:"user_id" yaml:"user_id" dynamodbav:"user_id"`
	Partition     string `json:"partition,omitempty" yaml:"partition,omitempty" dynamodbav:"partition,omitempty"`
	InputFileName string `json:"input_file_name" yaml:"input_file_name" dynamodbav:"input_file_name"`
	InputsBucket  string `json:"s3_inputs_bucket" yaml:"s3_inputs_bucket" dynamodbav:"s3_inputs_bucket"`
	InputKey      string `json:"s3_key_input_file" yaml:"s3_key_input_file" dynamodbav:"s3_key_input_file"`
	SubmitTime    int64  `json:"submit_time" yaml:"submit_time" dynamodbav:"submit_time"`
	Status        Status `json:"job_status" yaml:"job_status" dynamodbav:"job_status"`

	StartTime     int64  `json:"start_time,omitempty" yaml:"start_time,omitempty" dynamodbav:"start_time,omitempty"`
	CompleteTime  int64  `json:"complete_time,omitempty" yaml:"complete_time,omitempty" dynamodbav:"complete_time,omitempty"`
	ResultsBucket string `json:"s3_results_bucket,omitempty" yaml:"s3_results_bucket,omitempty" dynamodbav:"s3_results_bucket,omitempty"`
	ResultKey     string `json:"s3_key_result_file,omitempty" yaml:"s3_key_result_file,omitempty" dynamodbav:"s3_key_result_file,omitempty"`
	LogKey        string `json:"s3_key_log_file,omitempty" yaml:"s3_key_log_file,omitempty" dynamodbav:"s3_key_log_file,omitempty"`
	FailureReason string `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty" dynamodbav:"failure_reason,omitempty"`
}

// Validate checks the fields required to create a record.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(r.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid job_status %q", r.Status)
	}
	return nil
}

// Fields carries the attributes written alongside a status transition.
// Zero values are not written.
type Fields struct {
	StartTime     int64
	CompleteTime  int64
	ResultsBucket string
	ResultKey     string
	LogKey        string
	FailureReason string
}

// Apply copies the non-zero fields onto r.
func (f Fields) Apply(r *Record) {
	if f.StartTime != 0 {
		r.StartTime = f.StartTime
	}
	if f.CompleteTime != 0 {
		r.CompleteTime = f.CompleteTime
	}
	if f.ResultsBucket != "" {
		r.ResultsBucket = f.ResultsBucket
	}
	if f.ResultKey != "" {
		r.ResultKey = f.ResultKey
	}
	if f.LogKey != "" {
		r.LogKey = f.LogKey
	}
	if f.FailureReason != "" {
		r.FailureReason = f.FailureReason
	}
}

// EpochNow returns the current UTC time as epoch seconds.
func EpochNow() int64 {
	return time.Now().UTC().Unix()
}
