package sched

import (
	"context"
	"errors"
	"time"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task is a unit of deferred work. Fn runs on a pool slot once Due has
// passed; Status transitions pending -> running -> {completed|failed} only,
// with cancelled reachable from pending.
type Task struct {
	ID         string
	Kind       string
	Ref        string // opaque reference, e.g. an opportunity fingerprint
	Due        time.Time
	Priority   int
	RetryCount int
	MaxRetries int
	Status     string
	Fn         func(ctx context.Context) error
}

type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// Retry marks an error as retryable; the scheduler re-enqueues the task with
// backoff until MaxRetries is exceeded.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Retryable reports whether err was marked with Retry.
func Retryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
