// Package clock abstracts time so that deadline-driven code (readiness
// watches, queue backoff) can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(start) and move time with
// Advance, synchronising with WaitForTimers before advancing.
package clock

import "time"

// Clock is the subset of the time package the manager depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) *Timer
}

// Timer is a one-shot timer. Read the fire time from C.
type Timer struct {
	C <-chan time.Time

	stop func() bool
}

// Stop prevents the timer from firing. Returns false if it already fired
// or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stop: t.Stop}
}
