package queue

import (
	"context"
	"sync"
	"time"
)

type delayedJob struct {
	job     *Job
	readyAt time.Time
}

// MemoryBroker is an in-process Broker. Jobs do not survive a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	waiting []*Job
	delayed []delayedJob
	active  map[string]*Job
	dead    []*Job
	queued  map[string]int
	notify  chan struct{}
	now     func() time.Time
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		active: make(map[string]*Job),
		queued: make(map[string]int),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (b *MemoryBroker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Push(_ context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queued[job.Key] > 0 {
		return false, nil
	}
	job.State = StateQueued
	b.queued[job.Key]++
	b.waiting = append(b.waiting, job)
	b.signal()
	return true, nil
}

// promote moves due delayed jobs to waiting and returns the wait until the
// next delayed job is due, or zero when none are delayed. Caller holds mu.
func (b *MemoryBroker) promote() time.Duration {
	now := b.now()
	var next time.Duration
	kept := b.delayed[:0]
	for _, d := range b.delayed {
		if !d.readyAt.After(now) {
			b.waiting = append(b.waiting, d.job)
			continue
		}
		if wait := d.readyAt.Sub(now); next == 0 || wait < next {
			next = wait
		}
		kept = append(kept, d)
	}
	b.delayed = kept
	return next
}

func (b *MemoryBroker) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		next := b.promote()
		if len(b.waiting) > 0 {
			job := b.waiting[0]
			b.waiting = b.waiting[1:]
			b.queued[job.Key]--
			if b.queued[job.Key] <= 0 {
				delete(b.queued, job.Key)
			}
			job.State = StateProcessing
			b.active[job.ID] = job
			b.mu.Unlock()
			return job, nil
		}
		b.mu.Unlock()

		var (
			tick  <-chan time.Time
			timer *time.Timer
		)
		if next > 0 {
			timer = time.NewTimer(next)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)
			return nil, nil
		case <-b.notify:
		case <-tick:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (b *MemoryBroker) Progress(_ context.Context, job *Job, percent int) error {
	b.mu.Lock()
	job.Progress = percent
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Ack(_ context.Context, job *Job) error {
	b.mu.Lock()
	delete(b.active, job.ID)
	job.State = StateCompleted
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, job *Job, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, job.ID)
	job.State = StateQueued
	b.queued[job.Key]++
	b.delayed = append(b.delayed, delayedJob{job: job, readyAt: b.now().Add(delay)})
	b.signal()
	return nil
}

func (b *MemoryBroker) Dead(_ context.Context, job *Job) error {
	b.mu.Lock()
	delete(b.active, job.ID)
	job.State = StateDead
	b.dead = append(b.dead, job)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Stats(context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Waiting: int64(len(b.waiting)),
		Delayed: int64(len(b.delayed)),
		Active:  int64(len(b.active)),
		Dead:    int64(len(b.dead)),
	}, nil
}

// DeadJobs returns the dead-lettered jobs.
func (b *MemoryBroker) DeadJobs() []*Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Job(nil), b.dead...)
}

func (b *MemoryBroker) Close() error { return nil }
