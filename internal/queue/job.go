// Package queue runs blob processing jobs on a pool of workers over a
// pluggable broker.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// Job is one unit of processing work for a blob key.
type Job struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	State       State     `json:"state"`
	Progress    int       `json:"progress"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewJob creates a queued job for key.
func NewJob(key string, maxAttempts int) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Key:         key,
		MaxAttempts: maxAttempts,
		State:       StateQueued,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Exhausted reports whether the job may not be retried again.
// MaxAttempts of zero means unlimited.
func (j *Job) Exhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// Stats counts jobs by broker state.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

// Pending is the number of jobs in the queued state.
func (s Stats) Pending() int64 { return s.Waiting + s.Delayed }

// Broker transports jobs between producers and workers.
type Broker interface {
	// Push admits job unless a job for the same key is already queued.
	// It returns false when the job was coalesced.
	Push(ctx context.Context, job *Job) (bool, error)

	// Pop waits up to timeout for the next ready job and marks it processing.
	// It returns nil when no job became ready.
	Pop(ctx context.Context, timeout time.Duration) (*Job, error)

	// Progress records the progress of an active job.
	Progress(ctx context.Context, job *Job, percent int) error

	// Ack removes a completed job.
	Ack(ctx context.Context, job *Job) error

	// Retry returns an active job to the queued state after delay.
	Retry(ctx context.Context, job *Job, delay time.Duration) error

	// Dead moves an active job to the dead list.
	Dead(ctx context.Context, job *Job) error

	// Stats returns counts by state.
	Stats(ctx context.Context) (Stats, error)

	// Close releases broker resources.
	Close() error
}

// Recoverer is implemented by brokers that can requeue jobs left active by a
// previous process.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}
