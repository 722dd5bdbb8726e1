package queue

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned by backends for an unknown job id.
var ErrJobNotFound = errors.New("job not found")

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type deferError struct {
	err   error
	after time.Duration
}

func (e deferError) Error() string { return e.err.Error() }

func (e deferError) Unwrap() error { return e.err }

// Defer asks for the job to run again after d without counting the current
// attempt. Use it when the handler could not begin work, e.g. because the
// resource it needs is busy.
func Defer(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return deferError{err: err, after: d}
}

// deferral reports whether err was wrapped with Defer and for how long.
func deferral(err error) (time.Duration, bool) {
	var d deferError
	if !errors.As(err, &d) {
		return 0, false
	}
	return d.after, true
}
