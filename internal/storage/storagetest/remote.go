// Package storagetest provides an in-memory remote tier for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/withDustin/targeek-image-server/internal/errs"
)

// Object is a stored remote object.
type Object struct {
	Body        []byte
	ContentType string
	ACL         string
}

// Remote is an in-memory storage.RemoteStore that counts uploads.
type Remote struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    map[string]int
	gets    map[string]int
	flaky   map[string]int

	// HeadErr, when set, is returned by every HeadObject call.
	HeadErr error
	// PutErr, when set, is returned by every PutObject call.
	PutErr error
	// GetErr, when set, is returned by every GetObject call.
	GetErr error
}

// NewRemote creates an empty Remote.
func NewRemote() *Remote {
	return &Remote{
		objects: make(map[string]Object),
		puts:    make(map[string]int),
		gets:    make(map[string]int),
		flaky:   make(map[string]int),
	}
}

func (r *Remote) HeadObject(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.HeadErr != nil {
		return false, r.HeadErr
	}
	_, ok := r.objects[key]
	return ok, nil
}

func (r *Remote) GetObject(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets[key]++
	if r.GetErr != nil {
		return nil, r.GetErr
	}
	obj, ok := r.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, errs.ErrNotFound)
	}
	return append([]byte(nil), obj.Body...), nil
}

func (r *Remote) PutObject(_ context.Context, key string, body []byte, contentType, acl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PutErr != nil {
		return r.PutErr
	}
	if err := r.failFlaky(key); err != nil {
		return err
	}
	r.objects[key] = Object{Body: append([]byte(nil), body...), ContentType: contentType, ACL: acl}
	r.puts[key]++
	return nil
}

func (r *Remote) ListObjects(_ context.Context, prefix, marker string, limit int) ([]string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k := range r.objects {
		if strings.HasPrefix(k, prefix) && k > marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		return keys[:limit], true, nil
	}
	return keys, false, nil
}

func (r *Remote) PutObjectACL(_ context.Context, key, acl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFlaky(key); err != nil {
		return err
	}
	obj, ok := r.objects[key]
	if !ok {
		return fmt.Errorf("acl %s: %w", key, errs.ErrNotFound)
	}
	obj.ACL = acl
	r.objects[key] = obj
	return nil
}

func (r *Remote) Ping(context.Context) error { return nil }
func (r *Remote) Type() string              { return "memory" }
func (r *Remote) Close() error              { return nil }

// Object returns the stored object for key.
func (r *Remote) Object(key string) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[key]
	return obj, ok
}

// Keys returns all stored keys in order.
func (r *Remote) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.objects))
	for k := range r.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns how many times key was uploaded.
func (r *Remote) Puts(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts[key]
}

// Gets returns how many times key was downloaded or probed by GetObject.
func (r *Remote) Gets(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets[key]
}

// Seed stores an object without counting it as an upload.
func (r *Remote) Seed(key string, body []byte, contentType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[key] = Object{Body: body, ContentType: contentType}
}

// SetGetErr sets GetErr under the lock.
func (r *Remote) SetGetErr(err error) {
	r.mu.Lock()
	r.GetErr = err
	r.mu.Unlock()
}

// SetHeadErr sets HeadErr under the lock.
func (r *Remote) SetHeadErr(err error) {
	r.mu.Lock()
	r.HeadErr = err
	r.mu.Unlock()
}

// FailWrites makes the next n writes (PutObject or PutObjectACL) of key fail
// with a transient error.
func (r *Remote) FailWrites(key string, n int) {
	r.mu.Lock()
	r.flaky[key] = n
	r.mu.Unlock()
}

func (r *Remote) failFlaky(key string) error {
	if r.flaky[key] <= 0 {
		return nil
	}
	r.flaky[key]--
	return errs.WrapTransient("write "+key, errFlaky)
}

var errFlaky = errors.New("injected failure")
