// Package delivery serves blobs on the read path, transforming images on
// demand and caching rendered responses.
package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/withDustin/targeek-image-server/internal/cache"
	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/storage/local"
	"github.com/withDustin/targeek-image-server/internal/transform"
)

// Cache-Control values.
const (
	CacheControlPublic  = "public, max-age=31536000"
	CacheControlNoStore = "no-cache, no-store, must-revalidate"
)

// Response is a rendered read-path response.
type Response struct {
	Status       int
	ContentType  string
	CacheControl string
	Body         []byte
	// Cached is set when the response came from the cache.
	Cached bool
}

// Config holds read-path settings.
type Config struct {
	// Format is the canonical output format.
	Format  string
	Quality int
	TTL     cache.TTLPolicy
	// Placeholder is served for missing keys and failed reads. It defaults
	// to a generated 1x1 image in Format.
	Placeholder []byte
}

// Service renders responses for blob keys.
type Service struct {
	resolver *storage.Resolver
	store    cache.Store
	cfg      Config
	group    singleflight.Group

	placeholderType string
}

// New creates a Service.
func New(resolver *storage.Resolver, store cache.Store, cfg Config) *Service {
	format, ok := transform.NormalizeFormat(cfg.Format)
	if !ok {
		format = transform.FormatWebP
	}
	cfg.Format = format
	if cfg.Quality <= 0 {
		cfg.Quality = transform.DefaultQuality
	}
	if len(cfg.Placeholder) == 0 {
		cfg.Placeholder = transform.Placeholder(format)
	}
	placeholderType, _ := transform.Detect(cfg.Placeholder)
	return &Service{resolver: resolver, store: store, cfg: cfg, placeholderType: placeholderType}
}

// Serve returns the response for key rendered with p. Every outcome,
// including not-found and errors, is cached with the TTL of its class unless
// p.NoCache is set. The error is non-nil only for 5xx responses.
func (s *Service) Serve(ctx context.Context, key string, p Params) (*Response, error) {
	if p.NoCache {
		metrics.RecordCacheLookup("bypass")
		return s.render(ctx, key, p)
	}

	sig := p.Signature(key)
	entry, ok, err := s.store.Get(ctx, sig)
	if err != nil {
		logging.Warn("cache lookup failed", zap.String("signature", sig), logging.Err(err))
	}
	if ok {
		metrics.RecordCacheLookup("hit")
		return &Response{
			Status:       entry.Status,
			ContentType:  entry.ContentType,
			CacheControl: entry.CacheControl,
			Body:         entry.Body,
			Cached:       true,
		}, nil
	}
	metrics.RecordCacheLookup("miss")

	type result struct {
		resp *Response
		err  error
	}
	v, _, _ := s.group.Do(sig, func() (any, error) {
		resp, err := s.render(ctx, key, p)
		entry := cache.Entry{
			Status:       resp.Status,
			ContentType:  resp.ContentType,
			CacheControl: resp.CacheControl,
			Body:         resp.Body,
		}
		if serr := s.store.Set(ctx, sig, entry, s.cfg.TTL.TTL(resp.Status)); serr != nil {
			logging.Warn("cache store failed", zap.String("signature", sig), logging.Err(serr))
		}
		return result{resp, err}, nil
	})
	r := v.(result)
	return r.resp, r.err
}

func (s *Service) render(ctx context.Context, key string, p Params) (*Response, error) {
	if !local.ValidKey(key) {
		return s.notFound(), nil
	}

	if p.Size != "" && p.Size != transform.Original && p.plain(s.cfg.Format) {
		data, _, err := s.resolver.Read(ctx, transform.VariantKey(key, p.Size))
		if err == nil {
			mime, _ := transform.Detect(data)
			return success(mime, data), nil
		}
		if !errs.IsNotFound(err) {
			return s.failure(key, err)
		}
	}

	data, _, err := s.resolver.Read(ctx, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return s.notFound(), nil
		}
		return s.failure(key, err)
	}

	mime, isImage := transform.Detect(data)
	if !isImage {
		return success(mime, data), nil
	}

	opts := s.options(p)
	if !s.needsTransform(mime, p, opts) {
		return success(mime, data), nil
	}

	start := time.Now()
	out, contentType, err := transform.Apply(data, opts)
	if err != nil {
		logging.Debug("on-demand transform failed, serving raw bytes", logging.Key(key), logging.Err(err))
		return success(mime, data), nil
	}
	metrics.ObserveTransform("on_demand", time.Since(start))
	return success(contentType, out), nil
}

func (s *Service) options(p Params) transform.Options {
	opts := transform.Options{
		Width:   p.Width,
		Height:  p.Height,
		Format:  p.Format,
		Quality: p.Quality,
	}
	if opts.Width == 0 && p.Size != "" {
		if c, ok := transform.ClassByName(p.Size); ok {
			opts.Width = c.Width
		}
	}
	if opts.Format == "" {
		opts.Format = s.cfg.Format
	}
	if opts.Quality == 0 {
		opts.Quality = s.cfg.Quality
	}
	return opts
}

func (s *Service) needsTransform(mime string, p Params, opts transform.Options) bool {
	return opts.Width > 0 || opts.Height > 0 || p.Quality > 0 ||
		transform.ContentType(opts.Format) != mime
}

func success(contentType string, body []byte) *Response {
	return &Response{
		Status:       200,
		ContentType:  contentType,
		CacheControl: CacheControlPublic,
		Body:         body,
	}
}

func (s *Service) notFound() *Response {
	return &Response{
		Status:       404,
		ContentType:  s.placeholderType,
		CacheControl: CacheControlNoStore,
		Body:         s.cfg.Placeholder,
	}
}

func (s *Service) failure(key string, err error) (*Response, error) {
	logging.Error("read failed", logging.Key(key), logging.Err(err))
	resp := s.notFound()
	resp.Status = 500
	return resp, err
}
