// Package errs defines the error classes shared by the storage, pipeline and
// queue layers.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Class is the handling classification of an error.
type Class int

const (
	// Transient errors are retried by the work queue.
	Transient Class = iota
	// Invalid errors come from content or requests that will never succeed.
	Invalid
	// Fatal errors stop the process at startup.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrNotFound means the key is absent from both tiers.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidContent means bytes could not be decoded as the expected type.
	ErrInvalidContent = errors.New("invalid content")
	// ErrConfig marks configuration or environment failures.
	ErrConfig = errors.New("invalid configuration")
	// ErrRateLimited is returned by rate limited operations that were refused.
	ErrRateLimited = errors.New("rate limited")
	// ErrMaxAttempts prefixes the last error of jobs that exhausted their retries.
	ErrMaxAttempts = errors.New("maximum attempts exceeded")
)

// ClassifiedError wraps an error with its classification and the operation that failed.
type ClassifiedError struct {
	Class Class
	Op    string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// WrapTransient marks err as transient.
func WrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: Transient, Op: op, Err: err}
}

// WrapInvalid marks err as invalid input.
func WrapInvalid(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: Invalid, Op: op, Err: err}
}

// WrapFatal marks err as fatal.
func WrapFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: Fatal, Op: op, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are treated as
// transient, except for the invalid-content and configuration sentinels.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrInvalidContent):
		return Invalid
	case errors.Is(err, ErrConfig):
		return Fatal
	}
	return Transient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return ClassOf(err) == Transient
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
