package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withDustin/targeek-image-server/internal/deadletter"
	"github.com/withDustin/targeek-image-server/internal/errs"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		Concurrency: 2,
		RetryDelay:  10 * time.Millisecond,
		MaxAttempts: 3,
		PollTimeout: 20 * time.Millisecond,
	}
}

func TestEnqueueCoalescesWaitingKeys(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryBroker(), nil, nil, testConfig())

	added, err := q.Enqueue(ctx, "a")
	if err != nil || !added {
		t.Fatalf("first Enqueue = %v, %v", added, err)
	}
	added, _ = q.Enqueue(ctx, "a")
	if added {
		t.Error("duplicate key should be coalesced while queued")
	}
	q.Enqueue(ctx, "b")

	pending, _ := q.Pending(ctx)
	if pending != 2 {
		t.Errorf("expected 2 pending, got %d", pending)
	}
}

func TestJobsComplete(t *testing.T) {
	ctx := context.Background()
	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	handler := func(_ context.Context, key string, report func(int)) error {
		report(50)
		report(100)
		mu.Lock()
		seen[key] = append(seen[key], 100)
		mu.Unlock()
		return nil
	}

	broker := NewMemoryBroker()
	q := New(broker, handler, nil, testConfig())
	for _, k := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, k)
	}
	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	waitFor(t, time.Second, func() bool {
		s, _ := q.Stats(ctx)
		return s.Pending() == 0 && s.Active == 0
	})
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	handler := func(context.Context, string, func(int)) error {
		if calls.Add(1) < 3 {
			return errs.WrapTransient("put", errors.New("timeout"))
		}
		return nil
	}

	sink := &deadletter.MemorySink{}
	q := New(NewMemoryBroker(), handler, sink, testConfig())
	q.Enqueue(ctx, "flaky")
	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 })
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if len(sink.Entries()) != 0 {
		t.Error("successful job must not be dead-lettered")
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	handler := func(context.Context, string, func(int)) error {
		calls.Add(1)
		return errors.New("disk full")
	}

	broker := NewMemoryBroker()
	sink := &deadletter.MemorySink{}
	q := New(broker, handler, sink, testConfig())
	q.Enqueue(ctx, "broken")
	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(sink.Entries()) == 1 })

	e := sink.Entries()[0]
	if e.Key != "broken" || e.Attempts != 3 || e.LastError != "maximum attempts exceeded after 3 attempts: disk full" {
		t.Errorf("unexpected dead entry %+v", e)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	s, _ := q.Stats(ctx)
	if s.Dead != 1 || s.Pending() != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestInvalidErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	handler := func(context.Context, string, func(int)) error {
		calls.Add(1)
		return errs.WrapInvalid("decode", errs.ErrInvalidContent)
	}

	sink := &deadletter.MemorySink{}
	q := New(NewMemoryBroker(), handler, sink, testConfig())
	q.Enqueue(ctx, "bad")
	q.Start(ctx)
	defer q.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(sink.Entries()) == 1 })
	if calls.Load() != 1 {
		t.Errorf("invalid content should run once, ran %d times", calls.Load())
	}
}

func TestUnlimitedAttempts(t *testing.T) {
	job := NewJob("k", 0)
	job.Attempts = 1000
	if job.Exhausted() {
		t.Error("zero max attempts means unlimited")
	}
	job.MaxAttempts = 5
	job.Attempts = 5
	if !job.Exhausted() {
		t.Error("job at max attempts should be exhausted")
	}
}
