// Package minio provides a remote tier backed by a MinIO server.
package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
)

const aclHeader = "x-amz-acl"

// Config is a JSON-serializable config for MinIO backends.
type Config struct {
	Endpoint     string `json:"endpoint"`
	Bucket       string `json:"bucket"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	Region       string `json:"region"`
	UseSSL       bool   `json:"use_ssl"`
	CreateBucket bool   `json:"create_bucket"`
}

// Backend implements storage.RemoteStore with minio-go.
type Backend struct {
	client *minio.Client
	bucket string
}

// New creates a MinIO client and optionally ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required: %w", errs.ErrConfig)
	}

	endpoint, secure := endpointOf(cfg)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client init: %w", err)
	}

	b := &Backend{client: client, bucket: cfg.Bucket}
	if cfg.CreateBucket {
		if err := b.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// endpointOf accepts both host:port and the URL form used by the s3 backend.
func endpointOf(cfg Config) (string, bool) {
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		return u.Host, u.Scheme == "https"
	}
	return cfg.Endpoint, cfg.UseSSL
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse minio config: %w", err)
	}
	return New(ctx, cfg)
}

func (b *Backend) ensureBucket(ctx context.Context, region string) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	logging.Info("created bucket", zap.String("bucket", b.bucket))
	return nil
}

// Ping checks that the bucket exists.
func (b *Backend) Ping(ctx context.Context) error {
	start := time.Now()
	exists, err := b.client.BucketExists(ctx, b.bucket)
	metrics.RecordRemoteOperation("head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist: %w", b.bucket, errs.ErrConfig)
	}
	return nil
}

// HeadObject reports whether key exists.
func (b *Backend) HeadObject(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			metrics.RecordRemoteOperation("head_object", time.Since(start), true)
			return false, nil
		}
		metrics.RecordRemoteOperation("head_object", time.Since(start), false)
		return false, errs.WrapTransient("stat object "+key, err)
	}
	metrics.RecordRemoteOperation("head_object", time.Since(start), true)
	return true, nil
}

// GetObject downloads key.
func (b *Backend) GetObject(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, errs.WrapTransient("get object "+key, err)
	}
	defer obj.Close()

	// minio-go defers the request until the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			metrics.RecordRemoteOperation("get_object", time.Since(start), true)
			return nil, fmt.Errorf("get object %s: %w", key, errs.ErrNotFound)
		}
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, errs.WrapTransient("read object "+key, err)
	}
	metrics.RecordRemoteOperation("get_object", time.Since(start), true)
	return data, nil
}

// PutObject uploads body under key.
func (b *Backend) PutObject(ctx context.Context, key string, body []byte, contentType, acl string) error {
	start := time.Now()
	opts := minio.PutObjectOptions{ContentType: contentType}
	if acl != "" {
		opts.UserMetadata = map[string]string{aclHeader: acl}
	}

	info, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		metrics.RecordRemoteOperation("put_object", time.Since(start), false)
		return errs.WrapTransient("put object "+key, err)
	}
	metrics.RecordRemoteOperation("put_object", time.Since(start), true)
	logging.Debug("MinIO put object", zap.String("key", key), zap.Int64("size", info.Size))
	return nil
}

// ListObjects returns one page of keys after marker.
func (b *Backend) ListObjects(ctx context.Context, prefix, marker string, limit int) ([]string, bool, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys := make([]string, 0, limit)
	truncated := false
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		StartAfter: marker,
		MaxKeys:    limit,
	}) {
		if obj.Err != nil {
			metrics.RecordRemoteOperation("list_objects", time.Since(start), false)
			return nil, false, errs.WrapTransient("list objects", obj.Err)
		}
		if len(keys) == limit {
			truncated = true
			break
		}
		keys = append(keys, obj.Key)
	}
	metrics.RecordRemoteOperation("list_objects", time.Since(start), true)
	return keys, truncated, nil
}

// PutObjectACL rewrites the object's canned ACL header with a server-side
// copy. The content type is carried over since the copy replaces metadata.
func (b *Backend) PutObjectACL(ctx context.Context, key, acl string) error {
	start := time.Now()
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		metrics.RecordRemoteOperation("put_object_acl", time.Since(start), false)
		if isNotFound(err) {
			return fmt.Errorf("put object acl %s: %w", key, errs.ErrNotFound)
		}
		return errs.WrapTransient("put object acl "+key, err)
	}

	meta := map[string]string{aclHeader: acl}
	if info.ContentType != "" {
		meta["Content-Type"] = info.ContentType
	}
	_, err = b.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          b.bucket,
			Object:          key,
			ReplaceMetadata: true,
			UserMetadata:    meta,
		},
		minio.CopySrcOptions{Bucket: b.bucket, Object: key},
	)
	metrics.RecordRemoteOperation("put_object_acl", time.Since(start), err == nil)
	if err != nil {
		return errs.WrapTransient("put object acl "+key, err)
	}
	return nil
}

// Type returns "minio".
func (b *Backend) Type() string { return "minio" }

// Close is a no-op; minio-go holds no long-lived connections of its own.
func (b *Backend) Close() error { return nil }

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
