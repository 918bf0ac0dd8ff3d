package queue

import (
	"errors"
)

var (
	// ErrUnknownJobType is returned for job kinds the queue has no handler for. Never retried.
	ErrUnknownJobType     = errors.New("unknown job type")
	ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")
	ErrAlreadyRunning     = errors.New("job queue already running")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable: the job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
