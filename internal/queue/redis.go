package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed promote.lua
var promoteScript string

const promoteBatch = 100

// RedisBroker keeps jobs in Redis so they survive restarts.
//
// Layout under prefix "imgq:<name>:": waiting is a LIST of job IDs pushed on
// the left and popped on the right, active is a LIST of jobs being processed,
// delayed is a ZSET of job IDs scored by ready time in unix milliseconds,
// queued is a SET of blob keys with a queued job, dead is a LIST of job IDs,
// and job:<id> is a HASH holding the job fields.
type RedisBroker struct {
	client  *redis.Client
	prefix  string
	promote *redis.Script
}

// NewRedisBroker creates a broker on client for queue name.
func NewRedisBroker(client *redis.Client, name string) *RedisBroker {
	return &RedisBroker{
		client:  client,
		prefix:  "imgq:" + name + ":",
		promote: redis.NewScript(promoteScript),
	}
}

// NewRedisClient parses url (redis://...) and checks connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBroker) key(name string) string { return b.prefix + name }
func (b *RedisBroker) jobKey(id string) string { return b.prefix + "job:" + id }

func (b *RedisBroker) Push(ctx context.Context, job *Job) (bool, error) {
	added, err := b.client.SAdd(ctx, b.key("queued"), job.Key).Result()
	if err != nil {
		return false, fmt.Errorf("mark queued: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	job.State = StateQueued
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.jobKey(job.ID), jobFields(job))
		pipe.LPush(ctx, b.key("waiting"), job.ID)
		return nil
	})
	if err != nil {
		b.client.SRem(ctx, b.key("queued"), job.Key)
		return false, fmt.Errorf("push job: %w", err)
	}
	return true, nil
}

func (b *RedisBroker) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := b.promote.Run(ctx, b.client, []string{b.key("delayed"), b.key("waiting")}, now, promoteBatch).Err(); err != nil {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	id, err := b.client.BLMove(ctx, b.key("waiting"), b.key("active"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}

	fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		// Job hash vanished; drop the orphaned ID.
		b.client.LRem(ctx, b.key("active"), 1, id)
		return nil, nil
	}
	job := jobFromFields(id, fields)
	job.State = StateProcessing

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, b.key("queued"), job.Key)
		pipe.HSet(ctx, b.jobKey(id), "state", string(StateProcessing))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark processing %s: %w", id, err)
	}
	return job, nil
}

func (b *RedisBroker) Progress(ctx context.Context, job *Job, percent int) error {
	job.Progress = percent
	return b.client.HSet(ctx, b.jobKey(job.ID), "progress", percent).Err()
}

func (b *RedisBroker) Ack(ctx context.Context, job *Job) error {
	job.State = StateCompleted
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.key("active"), 1, job.ID)
		pipe.Del(ctx, b.jobKey(job.ID))
		return nil
	})
	return err
}

func (b *RedisBroker) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	job.State = StateQueued
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.key("active"), 1, job.ID)
		pipe.HSet(ctx, b.jobKey(job.ID), jobFields(job))
		pipe.ZAdd(ctx, b.key("delayed"), redis.Z{Score: readyAt, Member: job.ID})
		pipe.SAdd(ctx, b.key("queued"), job.Key)
		return nil
	})
	return err
}

func (b *RedisBroker) Dead(ctx context.Context, job *Job) error {
	job.State = StateDead
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.key("active"), 1, job.ID)
		pipe.HSet(ctx, b.jobKey(job.ID), jobFields(job))
		pipe.LPush(ctx, b.key("dead"), job.ID)
		return nil
	})
	return err
}

func (b *RedisBroker) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	waiting := pipe.LLen(ctx, b.key("waiting"))
	delayed := pipe.ZCard(ctx, b.key("delayed"))
	active := pipe.LLen(ctx, b.key("active"))
	dead := pipe.LLen(ctx, b.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}, nil
}

// Recover moves jobs left in the active list back to waiting. It must run
// before any worker of this queue starts.
func (b *RedisBroker) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		id, err := b.client.LMove(ctx, b.key("active"), b.key("waiting"), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover jobs: %w", err)
		}
		key, err := b.client.HGet(ctx, b.jobKey(id), "key").Result()
		if err == nil {
			b.client.SAdd(ctx, b.key("queued"), key)
			b.client.HSet(ctx, b.jobKey(id), "state", string(StateQueued))
		}
		n++
	}
}

// DeadJobs returns up to limit dead-lettered jobs, newest first.
func (b *RedisBroker) DeadJobs(ctx context.Context, limit int64) ([]*Job, error) {
	ids, err := b.client.LRange(ctx, b.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		fields, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load job %s: %w", id, err)
		}
		if len(fields) > 0 {
			jobs = append(jobs, jobFromFields(id, fields))
		}
	}
	return jobs, nil
}

// Close closes the Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func jobFields(job *Job) map[string]any {
	return map[string]any{
		"id":           job.ID,
		"key":          job.Key,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"state":        string(job.State),
		"progress":     job.Progress,
		"last_error":   job.LastError,
		"enqueued_at":  job.EnqueuedAt.UnixMilli(),
	}
}

func jobFromFields(id string, f map[string]string) *Job {
	attempts, _ := strconv.Atoi(f["attempts"])
	maxAttempts, _ := strconv.Atoi(f["max_attempts"])
	progress, _ := strconv.Atoi(f["progress"])
	enqueued, _ := strconv.ParseInt(f["enqueued_at"], 10, 64)
	return &Job{
		ID:          id,
		Key:         f["key"],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		State:       State(f["state"]),
		Progress:    progress,
		LastError:   f["last_error"],
		EnqueuedAt:  time.UnixMilli(enqueued).UTC(),
	}
}
