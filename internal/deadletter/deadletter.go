// Package deadletter records jobs that exhausted their retries.
package deadletter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/logging"
)

// Entry is a dead job.
type Entry struct {
	JobID     string
	Key       string
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// Sink receives dead jobs.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// LogSink reports dead jobs to the log only.
type LogSink struct{}

// Record logs e at error level.
func (LogSink) Record(_ context.Context, e Entry) error {
	logging.Error("job dead-lettered",
		zap.String("job_id", e.JobID),
		logging.Key(e.Key),
		zap.Int("attempts", e.Attempts),
		zap.String("last_error", e.LastError))
	return nil
}

// MemorySink keeps dead jobs in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Record appends e.
func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
