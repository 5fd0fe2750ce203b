package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBroker(client, "test"), mr
}

func TestRedisPushCoalesces(t *testing.T) {
	ctx := context.Background()
	b, _ := newRedisBroker(t)

	added, err := b.Push(ctx, NewJob("a", 5))
	if err != nil || !added {
		t.Fatalf("Push = %v, %v", added, err)
	}
	added, _ = b.Push(ctx, NewJob("a", 5))
	if added {
		t.Error("second push of a queued key should coalesce")
	}

	s, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Waiting != 1 {
		t.Errorf("expected 1 waiting, got %+v", s)
	}
}

func TestRedisLifecycle(t *testing.T) {
	ctx := context.Background()
	b, _ := newRedisBroker(t)

	b.Push(ctx, NewJob("a", 5))
	job, err := b.Pop(ctx, time.Second)
	if err != nil || job == nil {
		t.Fatalf("Pop = %v, %v", job, err)
	}
	if job.Key != "a" || job.State != StateProcessing || job.MaxAttempts != 5 {
		t.Errorf("unexpected job %+v", job)
	}

	// Key may be queued again while the first job runs.
	if added, _ := b.Push(ctx, NewJob("a", 5)); !added {
		t.Error("key should be pushable while processing")
	}

	if err := b.Progress(ctx, job, 50); err != nil {
		t.Fatal(err)
	}
	if err := b.Ack(ctx, job); err != nil {
		t.Fatal(err)
	}

	s, _ := b.Stats(ctx)
	if s.Active != 0 || s.Waiting != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRedisRetryDelaysJob(t *testing.T) {
	ctx := context.Background()
	b, _ := newRedisBroker(t)

	b.Push(ctx, NewJob("a", 5))
	job, _ := b.Pop(ctx, time.Second)
	job.Attempts = 1
	job.LastError = "timeout"
	if err := b.Retry(ctx, job, 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	s, _ := b.Stats(ctx)
	if s.Delayed != 1 || s.Pending() != 1 {
		t.Errorf("expected one delayed job, got %+v", s)
	}
	if added, _ := b.Push(ctx, NewJob("a", 5)); added {
		t.Error("a delayed job keeps its key queued")
	}

	time.Sleep(250 * time.Millisecond)
	again, err := b.Pop(ctx, time.Second)
	if err != nil || again == nil {
		t.Fatalf("Pop after delay = %v, %v", again, err)
	}
	if again.ID != job.ID || again.Attempts != 1 || again.LastError != "timeout" {
		t.Errorf("retried job lost state: %+v", again)
	}
}

func TestRedisDeadAndRecover(t *testing.T) {
	ctx := context.Background()
	b, _ := newRedisBroker(t)

	b.Push(ctx, NewJob("dead", 1))
	b.Push(ctx, NewJob("orphan", 1))

	job, _ := b.Pop(ctx, time.Second)
	job.Attempts = 1
	if err := b.Dead(ctx, job); err != nil {
		t.Fatal(err)
	}
	dead, err := b.DeadJobs(ctx, 10)
	if err != nil || len(dead) != 1 || dead[0].Key != "dead" || dead[0].State != StateDead {
		t.Fatalf("DeadJobs = %v, %v", dead, err)
	}

	// Simulate a crash while "orphan" was being processed.
	if _, err := b.Pop(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	n, err := b.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	s, _ := b.Stats(ctx)
	if s.Waiting != 1 || s.Active != 0 || s.Dead != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRedisPopTimeout(t *testing.T) {
	b, _ := newRedisBroker(t)
	job, err := b.Pop(context.Background(), time.Second)
	if err != nil || job != nil {
		t.Errorf("Pop on empty queue = %v, %v", job, err)
	}
}

func TestQueueOnRedis(t *testing.T) {
	ctx := context.Background()
	b, _ := newRedisBroker(t)

	done := make(chan string, 1)
	cfg := testConfig()
	cfg.PollTimeout = time.Second
	q := New(b, func(_ context.Context, key string, _ func(int)) error {
		done <- key
		return nil
	}, nil, cfg)

	q.Enqueue(ctx, "k")
	q.Start(ctx)
	defer q.Stop()

	select {
	case key := <-done:
		if key != "k" {
			t.Errorf("handled %q", key)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job not processed")
	}
}
