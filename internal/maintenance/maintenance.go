// Package maintenance runs bulk repair operations over the storage tiers.
//
// Every operation walks its key set once, then keeps retrying the keys that
// failed in further rounds until none remain or a round fixes nothing.
package maintenance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/retry"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/transform"
)

const defaultPageSize = 1000

// Processor runs the derivative pipeline for one key.
type Processor interface {
	Process(ctx context.Context, key string, report func(percent int)) error
}

// Config holds bulk operation settings.
type Config struct {
	// PageSize is the number of remote keys listed per request.
	PageSize int
	// MaxRounds bounds the retry rounds over failed keys. 0 means rounds
	// continue until no progress is made.
	MaxRounds int
	// Retry is applied to every single-key operation.
	Retry retry.Config
}

// Report summarises a bulk operation.
type Report struct {
	Total  int
	Done   int
	Rounds int
	// Failed holds the keys still failing at the fixed point.
	Failed []string
}

// Inventory counts what each tier holds.
type Inventory struct {
	Local           int
	Remote          int
	RemoteOriginals int
}

// Runner executes maintenance operations.
type Runner struct {
	resolver  *storage.Resolver
	processor Processor
	cfg       Config
	log       *zap.Logger
}

// New creates a Runner. processor is only needed by ReprocessLocal.
func New(resolver *storage.Resolver, processor Processor, cfg Config) *Runner {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.InitialWait == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Runner{
		resolver:  resolver,
		processor: processor,
		cfg:       cfg,
		log:       logging.Named("maintenance"),
	}
}

// ReprocessLocal runs the pipeline for every key left in the local tier.
func (m *Runner) ReprocessLocal(ctx context.Context) (Report, error) {
	if m.processor == nil {
		return Report{}, fmt.Errorf("reprocess local: no processor configured")
	}
	keys, err := m.resolver.Local().List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reprocess local: %w", err)
	}
	m.log.Info("reprocessing local tier", zap.Int("keys", len(keys)))

	return m.untilFixedPoint(ctx, "reprocess", keys, func(ctx context.Context, key string) error {
		return m.processor.Process(ctx, key, nil)
	})
}

// ReuploadAll downloads every remote object and uploads it again with its
// detected content type and the configured ACL.
func (m *Runner) ReuploadAll(ctx context.Context) (Report, error) {
	remote := m.resolver.Remote()
	acl := m.resolver.ACL()

	return m.eachRemotePage(ctx, "reupload", func(ctx context.Context, key string) error {
		data, err := remote.GetObject(ctx, key)
		if err != nil {
			return err
		}
		contentType, _ := transform.Detect(data)
		return remote.PutObject(ctx, key, data, contentType, acl)
	})
}

// RepairACLs applies the configured ACL to every remote object.
func (m *Runner) RepairACLs(ctx context.Context) (Report, error) {
	remote := m.resolver.Remote()
	acl := m.resolver.ACL()
	if acl == "" {
		return Report{}, fmt.Errorf("repair acl: no ACL configured")
	}

	return m.eachRemotePage(ctx, "repair-acl", func(ctx context.Context, key string) error {
		return remote.PutObjectACL(ctx, key, acl)
	})
}

// Inventory counts keys in both tiers.
func (m *Runner) Inventory(ctx context.Context) (Inventory, error) {
	var inv Inventory

	keys, err := m.resolver.Local().List(ctx)
	if err != nil {
		return inv, fmt.Errorf("inventory: %w", err)
	}
	inv.Local = len(keys)

	err = m.walkRemote(ctx, func(page []string) error {
		inv.Remote += len(page)
		for _, k := range page {
			if _, class := transform.SplitVariantKey(k); class == transform.Original {
				inv.RemoteOriginals++
			}
		}
		return nil
	})
	return inv, err
}

// eachRemotePage applies fn to every remote key page by page, then retries
// the failures.
func (m *Runner) eachRemotePage(ctx context.Context, op string, fn func(context.Context, string) error) (Report, error) {
	var (
		total  int
		failed []string
	)
	err := m.walkRemote(ctx, func(page []string) error {
		total += len(page)
		failed = append(failed, m.apply(ctx, op, page, fn)...)
		return ctx.Err()
	})
	if err != nil {
		return Report{Total: total, Failed: failed}, fmt.Errorf("%s: %w", op, err)
	}
	m.log.Info("first pass finished", zap.String("op", op),
		zap.Int("keys", total), zap.Int("failed", len(failed)))

	rep, err := m.untilFixedPoint(ctx, op, failed, fn)
	rep.Total = total
	rep.Done = total - len(rep.Failed)
	rep.Rounds++
	return rep, err
}

func (m *Runner) walkRemote(ctx context.Context, fn func(page []string) error) error {
	remote := m.resolver.Remote()
	marker := ""
	for {
		var (
			page []string
			more bool
		)
		err := retry.Do(ctx, m.cfg.Retry, func() error {
			var err error
			page, more, err = remote.ListObjects(ctx, "", marker, m.cfg.PageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("list remote after %q: %w", marker, err)
		}
		if err := fn(page); err != nil {
			return err
		}
		if !more || len(page) == 0 {
			return nil
		}
		marker = page[len(page)-1]
	}
}

// untilFixedPoint applies fn to keys in rounds. Each round retries the keys
// that failed in the previous one. It stops when nothing fails, when a round
// fixes nothing or after MaxRounds.
func (m *Runner) untilFixedPoint(ctx context.Context, op string, keys []string, fn func(context.Context, string) error) (Report, error) {
	rep := Report{Total: len(keys)}
	pending := keys

	for len(pending) > 0 {
		if m.cfg.MaxRounds > 0 && rep.Rounds >= m.cfg.MaxRounds {
			break
		}
		rep.Rounds++
		failed := m.apply(ctx, op, pending, fn)
		if err := ctx.Err(); err != nil {
			rep.Failed = failed
			return rep, err
		}
		progress := len(failed) < len(pending)
		pending = failed
		if !progress {
			m.log.Warn("no progress, giving up", zap.String("op", op),
				zap.Int("round", rep.Rounds), zap.Int("failed", len(failed)))
			break
		}
	}

	rep.Failed = pending
	rep.Done = rep.Total - len(pending)
	return rep, nil
}

// apply runs fn for each key with retries and returns the keys that failed.
func (m *Runner) apply(ctx context.Context, op string, keys []string, fn func(context.Context, string) error) []string {
	var failed []string
	for i, key := range keys {
		if ctx.Err() != nil {
			return append(failed, keys[i:]...)
		}
		err := retry.Do(ctx, m.cfg.Retry, func() error { return fn(ctx, key) })
		if err != nil {
			m.log.Warn("item failed", zap.String("op", op), logging.Key(key), logging.Err(err))
			failed = append(failed, key)
		}
	}
	return failed
}
