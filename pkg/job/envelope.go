package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnvelope indicates a structurally invalid job envelope.
var ErrInvalidEnvelope = errors.New("invalid job envelope")

// Request is the job-request envelope published by the request-accepting tier.
type Request struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputFileName string `json:"input_file_name"`
	InputsBucket  string `json:"s3_inputs_bucket"`
	InputKey      string `json:"s3_key_input_file"`
	SubmitTime    int64  `json:"submit_time"`
}

// Validate checks that every field the dispatcher depends on is present.
func (r Request) Validate() error {
	missing := missingFields(map[string]string{
		"job_id":            r.JobID,
		"user_id":           r.UserID,
		"input_file_name":   r.InputFileName,
		"s3_inputs_bucket":  r.InputsBucket,
		"s3_key_input_file": r.InputKey,
	})
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, strings.Join(missing, ", "))
	}
	return nil
}

// Completion is the event published when a job reaches COMPLETED.
type Completion struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputFileName string `json:"input_file_name"`
	InputsBucket  string `json:"s3_inputs_bucket"`
	CompleteTime  int64  `json:"complete_time"`
}

// Validate checks that the notifier has what it needs.
func (c Completion) Validate() error {
	missing := missingFields(map[string]string{
		"job_id":  c.JobID,
		"user_id": c.UserID,
	})
	if c.CompleteTime <= 0 {
		missing = append(missing, "complete_time")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, strings.Join(missing, ", "))
	}
	return nil
}

// DecodeRequest parses and validates a job-request payload.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(payload, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// DecodeCompletion parses and validates a completion payload.
func DecodeCompletion(payload []byte) (Completion, error) {
	var c Completion
	if err := json.Unmarshal(payload, &c); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := c.Validate(); err != nil {
		return Completion{}, err
	}
	return c, nil
}

// RequestFromRecord builds the request envelope for a freshly created record.
func RequestFromRecord(r *Record) Request {
	return Request{
		JobID:         r.JobID,
		UserID:        r.UserID,
		InputFileName: r.InputFileName,
		InputsBucket:  r.InputsBucket,
		InputKey:      r.InputKey,
		SubmitTime:    r.SubmitTime,
	}
}

func missingFields(fields map[string]string) []string {
	var missing []string
	for _, name := range []string{"job_id", "user_id", "input_file_name", "s3_inputs_bucket", "s3_key_input_file"} {
		v, ok := fields[name]
		if ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
