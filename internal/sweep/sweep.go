// Package sweep periodically requeues blobs left in the local tier.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
	"github.com/withDustin/targeek-image-server/internal/storage"
)

// Queue is the part of the processing queue the sweep uses.
type Queue interface {
	Enqueue(ctx context.Context, key string) (bool, error)
	Pending(ctx context.Context) (int64, error)
}

// Config controls scheduling. Cron takes precedence over Interval.
type Config struct {
	Cron         string
	Interval     time.Duration
	InitialDelay time.Duration
	// Cooldown is the minimum time between two runs, however triggered.
	Cooldown time.Duration
}

// Result describes one sweep.
type Result struct {
	Files    int
	Enqueued int
	// Skipped is set when the queue still had pending jobs.
	Skipped bool
}

// Sweeper lists the local tier and enqueues everything found when the queue
// is idle. Gating on an idle queue prevents duplicate jobs, but under
// sustained load the sweep can be starved.
type Sweeper struct {
	local   storage.LocalStore
	queue   Queue
	cfg     Config
	limiter *rate.Limiter

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper and validates its schedule.
func New(local storage.LocalStore, queue Queue, cfg Config) (*Sweeper, error) {
	limit := rate.Inf
	if cfg.Cooldown > 0 {
		limit = rate.Every(cfg.Cooldown)
	}
	s := &Sweeper{
		local:   local,
		queue:   queue,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
	if cfg.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parse sweep cron %q: %w", cfg.Cron, errs.ErrConfig)
		}
	}
	return s, nil
}

// Run performs one sweep. It returns errs.ErrRateLimited when called again
// within the cooldown.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	if !s.limiter.Allow() {
		metrics.RecordSweep("rate_limited", -1)
		return Result{}, errs.ErrRateLimited
	}

	keys, err := s.local.List(ctx)
	if err != nil {
		metrics.RecordSweep("error", -1)
		return Result{}, fmt.Errorf("sweep: %w", err)
	}
	res := Result{Files: len(keys)}

	pending, err := s.queue.Pending(ctx)
	if err != nil {
		metrics.RecordSweep("error", len(keys))
		return res, fmt.Errorf("sweep: %w", err)
	}
	if pending > 0 {
		res.Skipped = true
		metrics.RecordSweep("skipped", len(keys))
		if len(keys) > 0 {
			logging.Info("sweep skipping files while queue is not empty",
				zap.Int("files", len(keys)), zap.Int64("pending", pending))
		}
		return res, nil
	}

	for _, key := range keys {
		added, err := s.queue.Enqueue(ctx, key)
		if err != nil {
			metrics.RecordSweep("error", len(keys))
			return res, fmt.Errorf("sweep: %w", err)
		}
		if added {
			res.Enqueued++
		}
	}
	metrics.RecordSweep("enqueued", len(keys))
	if res.Enqueued > 0 {
		logging.Info("sweep enqueued local files", zap.Int("count", res.Enqueued), zap.Strings("keys", keys))
	}
	return res, nil
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	_, err := s.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrRateLimited):
		logging.Debug("sweep rate limited")
	default:
		logging.Warn("sweep failed", logging.Err(err))
	}
}

// Start runs one sweep after InitialDelay and schedules the rest.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.InitialDelay):
		}
		s.runScheduled(ctx)
	}()

	switch {
	case s.cfg.Cron != "":
		s.cron = cron.New()
		// Expression was validated in New.
		s.cron.AddFunc(s.cfg.Cron, func() { s.runScheduled(ctx) })
		s.cron.Start()
		logging.Info("sweep scheduled", zap.String("cron", s.cfg.Cron))
	case s.cfg.Interval > 0:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runScheduled(ctx)
				}
			}
		}()
		logging.Info("sweep scheduled", zap.Duration("interval", s.cfg.Interval))
	}
}

// Stop cancels scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}
