// Package pipeline derives size variants from a stored blob and migrates
// everything it produced to the remote tier.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/transform"
)

// Progress milestones reported by Process.
const (
	ProgressLocated  = 10
	ProgressTyped    = 20
	ProgressRead     = 50
	ProgressDerived  = 75
	ProgressMigrated = 100
)

// Config holds output settings for derived variants.
type Config struct {
	Format  string
	Quality int
	Classes []transform.SizeClass
}

// Pipeline processes one key at a time. It is safe for concurrent use and
// every step may be repeated for the same key.
type Pipeline struct {
	resolver *storage.Resolver
	format   string
	quality  int
	classes  []transform.SizeClass
}

// New creates a Pipeline. Unset Config fields fall back to WebP, the default
// quality and transform.Classes.
func New(resolver *storage.Resolver, cfg Config) *Pipeline {
	format, ok := transform.NormalizeFormat(cfg.Format)
	if !ok {
		format = transform.FormatWebP
	}
	if cfg.Quality <= 0 {
		cfg.Quality = transform.DefaultQuality
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = transform.Classes
	}
	return &Pipeline{resolver: resolver, format: format, quality: cfg.Quality, classes: cfg.Classes}
}

// Format returns the canonical output format.
func (p *Pipeline) Format() string { return p.format }

// Process derives and migrates the variants of key.
//
// Absent keys are a no-op. Keys already in the remote tier are considered
// processed; only a stale local copy is removed. Content that is not an
// image or fails to decode is migrated as-is. Missing variants are derived
// on every run, so a retry completes what an earlier run left out. Store failures are returned so the caller can retry.
func (p *Pipeline) Process(ctx context.Context, key string, report func(percent int)) error {
	if report == nil {
		report = func(int) {}
	}
	start := time.Now()
	local := p.resolver.Local()

	loc, err := p.resolver.Locate(ctx, key)
	if err != nil {
		return err
	}
	if loc == storage.Absent {
		logging.Debug("nothing to process", logging.Key(key))
		return nil
	}
	report(ProgressLocated)

	if loc == storage.Remote {
		if err := local.Delete(ctx, key); err != nil {
			return fmt.Errorf("remove stale local %s: %w", key, err)
		}
		return nil
	}

	data, err := local.Read(ctx, key)
	if err != nil {
		if errs.IsNotFound(err) {
			// Consumed by a concurrent run between locate and read.
			return nil
		}
		return err
	}
	mime, isImage := transform.Detect(data)
	report(ProgressTyped)

	// Variant keys and everything non-transformable migrate as stored.
	contentType := mime
	_, class := transform.SplitVariantKey(key)
	if class == transform.Original && isImage {
		missing, err := p.missingVariants(ctx, key)
		if err != nil {
			return err
		}
		reencode := mime != transform.ContentType(p.format)
		if len(missing) > 0 || reencode {
			rewritten, err := p.derive(ctx, key, data, missing, reencode, report)
			if err != nil {
				return err
			}
			if rewritten {
				contentType = transform.ContentType(p.format)
			}
		}
	}
	report(ProgressDerived)

	if err := p.migrate(ctx, key, contentType); err != nil {
		return err
	}
	report(ProgressMigrated)

	logging.Info("processed",
		logging.Key(key),
		zap.String("mime", mime),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// missingVariants returns the resized classes of key held by neither tier.
func (p *Pipeline) missingVariants(ctx context.Context, key string) ([]transform.SizeClass, error) {
	var missing []transform.SizeClass
	for _, c := range p.classes {
		if c.Name == transform.Original {
			continue
		}
		loc, err := p.resolver.Locate(ctx, transform.VariantKey(key, c.Name))
		if err != nil {
			return nil, err
		}
		if loc == storage.Absent {
			missing = append(missing, c)
		}
	}
	return missing, nil
}

// derive writes classes of data to the local tier, then re-encodes key itself
// when reencode is set. key is rewritten only after every variant is stored,
// so a failed run leaves the source bytes for the retry. It reports whether
// key was rewritten; undecodable bytes are left alone.
func (p *Pipeline) derive(ctx context.Context, key string, data []byte, classes []transform.SizeClass, reencode bool, report func(percent int)) (bool, error) {
	img, err := transform.Decode(data)
	if err != nil {
		logging.Warn("decode failed, storing raw bytes", logging.Key(key), logging.Err(err))
		return false, nil
	}
	report(ProgressRead)

	local := p.resolver.Local()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range classes {
		g.Go(func() error {
			start := time.Now()
			out, err := transform.Encode(transform.Resize(img, c.Width, 0), p.format, p.quality)
			if err != nil {
				return fmt.Errorf("derive %s %s: %w", key, c.Name, err)
			}
			variant := transform.VariantKey(key, c.Name)
			if err := local.Write(gctx, variant, bytes.NewReader(out)); err != nil {
				return fmt.Errorf("write variant %s: %w", variant, err)
			}
			metrics.ObserveTransform("variant", time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	if !reencode {
		return false, nil
	}

	out, err := transform.Encode(img, p.format, p.quality)
	if err != nil {
		return false, fmt.Errorf("derive %s %s: %w", key, transform.Original, err)
	}
	if err := local.Write(ctx, key, bytes.NewReader(out)); err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}
	return true, nil
}

// migrate moves every local variant of key, and key itself, to the remote tier.
func (p *Pipeline) migrate(ctx context.Context, key, contentType string) error {
	local := p.resolver.Local()
	canonical := transform.ContentType(p.format)

	for _, c := range p.classes {
		if c.Name == transform.Original {
			continue
		}
		variant := transform.VariantKey(key, c.Name)
		ok, err := local.Exists(ctx, variant)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := p.resolver.Migrate(ctx, variant, canonical); err != nil {
			return err
		}
	}

	_, err := p.resolver.Migrate(ctx, key, contentType)
	return err
}
