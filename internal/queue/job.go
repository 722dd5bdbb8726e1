// Package queue is a small at-least-once job queue with bounded
// concurrency, fixed-backoff retries and a pluggable durable backend.
package queue

import (
	"context"
	"time"
)

// State is the backend-level state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the job will never run again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is the externally reported progress of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNotFound   Status = "not-found"
)

// Job is one unit of queued work.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	State       State
	Attempt     int // attempts started so far, 1-based once claimed
	MaxAttempts int
	Result      string
	Error       string
	RunAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LastAttempt reports whether a failure of the current attempt exhausts
// the job's retries.
func (j Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Status maps the backend state to the reported status. A job that has
// started at least once never reports pending again.
func (j Job) Status() Status {
	switch j.State {
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateWaiting:
		if j.Attempt == 0 {
			return StatusPending
		}
	}
	return StatusInProgress
}

// Info is the answer to a status query.
type Info struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts"`

	// Payload is the job's input, for callers that need to interpret it.
	Payload []byte `json:"-"`
}

// Handler performs one attempt of a job. A nil error completes the job with
// result. An error wrapped with Permanent fails it immediately; one wrapped
// with Defer reschedules it without using up an attempt; any other error is
// retried until MaxAttempts is reached.
type Handler func(ctx context.Context, job Job) (result string, err error)

// EventType names a queue lifecycle event.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventDrained   EventType = "drained"
)

// Event is delivered to listeners. Job is zero for EventDrained.
type Event struct {
	Type EventType
	Job  Job
	Err  error
}

// Listener observes queue events. Listeners run on the dispatcher's
// goroutines and must not block.
type Listener func(Event)
