// Package storage defines the two storage tiers and resolves which tier holds
// a blob.
//
// The local tier is a flat directory keyed by canonical blob key; it is fast
// but ephemeral. The remote tier is a durable object store and is authoritative
// once a key has been migrated there.
package storage

import (
	"context"
	"io"
	"os"
)

// LocalStore is the fast, ephemeral tier. Keys are flat file names.
type LocalStore interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Read returns the full content of key, or errs.ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores content under key atomically.
	Write(ctx context.Context, key string, body io.Reader) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Rename moves oldKey to newKey atomically, replacing newKey.
	Rename(ctx context.Context, oldKey, newKey string) error

	// List returns all data keys, skipping temp files and other artifacts.
	List(ctx context.Context) ([]string, error)

	// Stage creates a temp file in the tier for an incoming upload. The file
	// is invisible to List until it is renamed to a canonical key.
	Stage() (*os.File, error)

	// Discard removes a staged temp file.
	Discard(name string) error
}

// RemoteStore is the durable tier.
type RemoteStore interface {
	// HeadObject reports whether key exists. A missing key is (false, nil);
	// any other failure is returned as an error.
	HeadObject(ctx context.Context, key string) (bool, error)

	// GetObject returns the content of key, or errs.ErrNotFound.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// PutObject uploads body under key with a content type and canned ACL.
	PutObject(ctx context.Context, key string, body []byte, contentType, acl string) error

	// ListObjects returns up to limit keys with the given prefix that sort
	// after marker, and whether more keys follow.
	ListObjects(ctx context.Context, prefix, marker string, limit int) ([]string, bool, error)

	// PutObjectACL replaces the canned ACL on an existing object.
	PutObjectACL(ctx context.Context, key, acl string) error

	// Ping verifies the bucket is reachable.
	Ping(ctx context.Context) error

	// Type returns the backend type identifier ("s3", "minio").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
