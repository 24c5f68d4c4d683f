package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotPending   = errors.New("job is not pending")
	ErrInvalidQueue    = errors.New("queue name must be 1..63 characters")
	ErrInvalidPriority = errors.New("priority must be between 1 and 32767")
	ErrInvalidSchedule = errors.New("scheduled_at must be a time or a positive epoch number")
)

// MaxQueueNameLength bounds queue names at enqueue and filter-build time.
// The column is wider (200) so operators can relax this without a migration.
const MaxQueueNameLength = 63

const (
	MinPriority     int16 = 1
	MaxPriority     int16 = 32767
	DefaultPriority int16 = 16383
)

const DefaultQueueName = "default"

// JobStatus is the single-character status code stored in quern_jobs.status.
type JobStatus string

const (
	JobPending   JobStatus = "p"
	JobExecuting JobStatus = "e"
	JobCompleted JobStatus = "c"
	JobFailed    JobStatus = "f"
	JobDiscarded JobStatus = "d"
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobExecuting:
		return "executing"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobDiscarded:
		return "discarded"
	default:
		return string(s)
	}
}

func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// JobOptions carries the optional per-job execution constraints from the
// options column. Both fields mirror the enqueuer's wire format: epoch
// seconds for the queue-time limit, plain seconds for the timeout.
type JobOptions struct {
	// StartExecutionBefore is an epoch-seconds deadline. A job dequeued
	// after it is discarded without running.
	StartExecutionBefore *float64 `json:"start_execution_before,omitempty"`
	// ExecutionTimeout is the maximum run time in seconds. A job running
	// past it is abandoned and discarded.
	ExecutionTimeout *float64 `json:"execution_timeout,omitempty"`
}

func (o *JobOptions) StartDeadline() (time.Time, bool) {
	if o == nil || o.StartExecutionBefore == nil {
		return time.Time{}, false
	}
	sec := *o.StartExecutionBefore
	return time.Unix(0, int64(sec*float64(time.Second))), true
}

func (o *JobOptions) Timeout() (time.Duration, bool) {
	if o == nil || o.ExecutionTimeout == nil || *o.ExecutionTimeout <= 0 {
		return 0, false
	}
	return time.Duration(*o.ExecutionTimeout * float64(time.Second)), true
}

type Job struct {
	ID          string
	Queue       string
	Priority    int16
	EnqueuedAt  time.Time
	ScheduledAt time.Time

	// ActiveJobID is the application-level job id supplied by the enqueuer;
	// it travels next to the payload so application code can correlate runs.
	ActiveJobID string
	Payload     json.RawMessage
	Options     *JobOptions

	Status   JobStatus
	Runtime  *float64 // seconds, set on completion or failure
	WorkerID *string  // non-nil iff Status == JobExecuting
}

// JobError is one row of the append-only error log attached to a job.
type JobError struct {
	ID        string
	JobID     string
	CreatedAt time.Time
	Error     json.RawMessage
}

// ErrorDetail is the JSON document stored in quern_job_errors.error.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func NewErrorDetail(kind, message string) json.RawMessage {
	raw, _ := json.Marshal(ErrorDetail{Kind: kind, Message: message})
	return raw
}
