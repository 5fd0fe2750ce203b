package pipeline

import (
	"context"

	"github.com/withDustin/targeek-image-server/internal/logging"
)

// Inline runs the pipeline in the caller's goroutine wherever a queue is
// expected. Nothing is ever pending.
type Inline struct {
	P *Pipeline
}

// Enqueue processes key immediately. Failures are logged and reported as not
// admitted; the next sweep picks the key up again.
func (q Inline) Enqueue(ctx context.Context, key string) (bool, error) {
	if err := q.P.Process(ctx, key, nil); err != nil {
		logging.Warn("inline processing failed", logging.Key(key), logging.Err(err))
		return false, nil
	}
	return true, nil
}

// Pending always returns 0.
func (q Inline) Pending(context.Context) (int64, error) { return 0, nil }
