// Package resilience classifies failures into the retry taxonomy the
// scheduler consumes: transient errors are retried with backoff, permanent
// errors collapse the job into terminal failure.
package resilience

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying (network timeouts, RPC rate
// limits, missing samples).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that no retry can fix (contract reverts,
// invalid market configuration).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transientf formats a new transient error.
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanentf formats a new permanent error.
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is marked permanent anywhere in its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Unclassified errors are
// treated as transient: dropping a job on an unknown fault is worse than one
// wasted retry round.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
