// Package cache stores rendered read-path responses with a TTL chosen by
// result class.
package cache

import (
	"context"
	"time"
)

// Class groups responses by how long they may be cached.
type Class int

const (
	ClassSuccess Class = iota
	ClassNotFound
	ClassError
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// ClassOf maps an HTTP status to its cache class.
func ClassOf(status int) Class {
	switch {
	case status == 404:
		return ClassNotFound
	case status >= 200 && status < 400:
		return ClassSuccess
	default:
		return ClassError
	}
}

// Entry is a cached response.
type Entry struct {
	Status       int    `json:"status"`
	ContentType  string `json:"content_type"`
	CacheControl string `json:"cache_control"`
	Body         []byte `json:"body"`
}

// TTLPolicy maps each result class to its TTL.
type TTLPolicy struct {
	Success  time.Duration
	NotFound time.Duration
	Error    time.Duration
}

// DefaultTTLPolicy caches hits for a minute, misses for 15s and errors for 1s.
var DefaultTTLPolicy = TTLPolicy{
	Success:  60 * time.Second,
	NotFound: 15 * time.Second,
	Error:    time.Second,
}

// TTL returns the TTL for a response with status.
func (p TTLPolicy) TTL(status int) time.Duration {
	switch ClassOf(status) {
	case ClassSuccess:
		return p.Success
	case ClassNotFound:
		return p.NotFound
	default:
		return p.Error
	}
}

// Store is a key-value store with per-key TTL.
type Store interface {
	// Get returns the entry for key, or false when absent or expired.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores e under key for ttl. A non-positive ttl is a no-op.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error

	// Keys returns the live keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Close() error
}
