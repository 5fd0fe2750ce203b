package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/deadletter"
	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
)

// Handler processes the blob behind a job and reports coarse progress.
type Handler func(ctx context.Context, key string, report func(percent int)) error

// Config controls the worker pool and retry policy.
type Config struct {
	Concurrency int
	// RetryDelay is the fixed delay before a failed job runs again.
	RetryDelay time.Duration
	// MaxAttempts bounds how often a job runs. Zero means unlimited.
	MaxAttempts int
	// PollTimeout is how long a worker blocks waiting for a job.
	PollTimeout time.Duration
	// DepthInterval is how often queue depth gauges are refreshed.
	DepthInterval time.Duration
}

// Queue is the processing queue shared by the upload path and the sweep.
type Queue struct {
	broker  Broker
	handler Handler
	sink    deadletter.Sink
	cfg     Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Queue. sink may be nil, in which case dead jobs are only logged.
func New(broker Broker, handler Handler, sink deadletter.Sink, cfg Config) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = 5 * time.Second
	}
	if sink == nil {
		sink = deadletter.LogSink{}
	}
	return &Queue{broker: broker, handler: handler, sink: sink, cfg: cfg}
}

// Enqueue admits a job for key. It returns false when a job for the key is
// already queued.
func (q *Queue) Enqueue(ctx context.Context, key string) (bool, error) {
	added, err := q.broker.Push(ctx, NewJob(key, q.cfg.MaxAttempts))
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if added {
		metrics.RecordJob("enqueued")
		logging.Debug("job enqueued", logging.Key(key))
	} else {
		metrics.RecordJob("coalesced")
	}
	return added, nil
}

// Pending returns the number of jobs waiting to run, including delayed retries.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	s, err := q.broker.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return s.Pending(), nil
}

// Stats returns job counts by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.broker.Stats(ctx)
}

// Start recovers orphaned jobs and launches the worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	if r, ok := q.broker.(Recoverer); ok {
		if n, err := r.Recover(ctx); err != nil {
			logging.Warn("failed to recover orphaned jobs", logging.Err(err))
		} else if n > 0 {
			logging.Info("recovered orphaned jobs", zap.Int("count", n))
		}
	}

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.reportDepth(ctx)

	logging.Info("queue started", zap.Int("workers", q.cfg.Concurrency))
}

// Stop signals workers to stop and waits for in-flight jobs to be handed back.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	logging.Info("queue stopped")
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.broker.Pop(ctx, q.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("queue pop failed", logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.PollTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}
		q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job *Job) {
	job.Attempts++
	start := time.Now()
	log := logging.L().With(zap.String("job_id", job.ID), logging.Key(job.Key), zap.Int("attempt", job.Attempts))

	err := q.handler(ctx, job.Key, func(percent int) {
		if perr := q.broker.Progress(ctx, job, percent); perr != nil {
			log.Debug("progress update failed", logging.Err(perr))
		}
	})
	metrics.ObserveJobDuration(time.Since(start))

	// Broker calls below must outlive a cancelled worker context.
	bg := context.WithoutCancel(ctx)

	if err == nil {
		if aerr := q.broker.Ack(bg, job); aerr != nil {
			log.Warn("ack failed", logging.Err(aerr))
		}
		metrics.RecordJob("completed")
		log.Debug("job completed", zap.Duration("duration", time.Since(start)))
		return
	}

	job.LastError = err.Error()

	if ctx.Err() != nil {
		// Interrupted by shutdown; hand the job back without charging an attempt.
		job.Attempts--
		if rerr := q.broker.Retry(bg, job, 0); rerr != nil {
			log.Warn("requeue on shutdown failed", logging.Err(rerr))
		}
		return
	}

	if job.Exhausted() {
		job.LastError = fmt.Errorf("%w after %d attempts: %w", errs.ErrMaxAttempts, job.Attempts, err).Error()
		q.dead(bg, job, log)
		return
	}
	if errs.ClassOf(err) != errs.Transient {
		q.dead(bg, job, log)
		return
	}

	if rerr := q.broker.Retry(bg, job, q.cfg.RetryDelay); rerr != nil {
		log.Error("retry scheduling failed", logging.Err(rerr))
		return
	}
	metrics.RecordJob("retried")
	log.Warn("job failed, retrying", logging.Err(err), zap.Duration("delay", q.cfg.RetryDelay))
}

func (q *Queue) dead(ctx context.Context, job *Job, log *zap.Logger) {
	if err := q.broker.Dead(ctx, job); err != nil {
		log.Error("dead-letter failed", logging.Err(err))
	}
	metrics.RecordJob("dead")
	entry := deadletter.Entry{
		JobID:     job.ID,
		Key:       job.Key,
		Attempts:  job.Attempts,
		LastError: job.LastError,
		FailedAt:  time.Now().UTC(),
	}
	if err := q.sink.Record(ctx, entry); err != nil {
		log.Error("dead-letter record failed", logging.Err(err))
	}
}

func (q *Queue) reportDepth(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := q.broker.Stats(ctx)
			if err != nil {
				continue
			}
			metrics.SetQueueDepth("waiting", s.Waiting)
			metrics.SetQueueDepth("delayed", s.Delayed)
			metrics.SetQueueDepth("active", s.Active)
			metrics.SetQueueDepth("dead", s.Dead)
		}
	}
}
