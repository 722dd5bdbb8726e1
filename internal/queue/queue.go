package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/mcmanager/manager/internal/clock"
)

const (
	DefaultConcurrency  = 3
	DefaultMaxAttempts  = 3
	DefaultBackoff      = time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Options configures a Queue. Zero fields take the defaults.
type Options struct {
	Name         string
	Concurrency  int
	MaxAttempts  int
	Backoff      time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Queue dispatches jobs from a Backend to a Handler with at most
// Concurrency attempts in flight.
type Queue struct {
	opts    Options
	backend Backend
	handler Handler
	clock   clock.Clock
	logger  *slog.Logger

	wake chan struct{}

	mu        sync.RWMutex
	listeners []Listener
}

// New returns a Queue. Nothing runs until Run is called.
func New(backend Backend, handler Handler, clk clock.Clock, logger *slog.Logger, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		opts:    opts,
		backend: backend,
		handler: handler,
		clock:   clk,
		logger:  logger.With("queue", opts.Name),
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.opts.Name }

// OnEvent registers a listener for completed, failed, retrying and drained
// events.
func (q *Queue) OnEvent(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

func (q *Queue) emit(ev Event) {
	q.mu.RLock()
	ls := q.listeners
	q.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue stores a new job and returns its id without waiting for it to run.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	now := q.clock.Now()
	job := Job{
		ID:          uuid.NewString(),
		Queue:       q.opts.Name,
		Payload:     payload,
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.backend.Add(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Debug("job enqueued", "job_id", job.ID)
	q.signal()
	return job.ID, nil
}

// Status reports a job's progress. An unknown id yields StatusNotFound and
// a nil error.
func (q *Queue) Status(ctx context.Context, jobID string) (Info, error) {
	job, err := q.backend.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return Info{ID: jobID, Status: StatusNotFound}, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("job status: %w", err)
	}
	return Info{
		ID:          job.ID,
		Status:      job.Status(),
		Result:      job.Result,
		Error:       job.Error,
		Attempts:    job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Payload:     job.Payload,
	}, nil
}

// Run dispatches jobs until ctx is cancelled, then waits for in-flight
// attempts to return. Jobs left active by a previous process are made
// ready again first.
func (q *Queue) Run(ctx context.Context) error {
	n, err := q.backend.Recover(ctx, q.opts.Name, q.clock.Now())
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn("redelivering interrupted jobs", "count", n)
	}

	q.logger.Info("queue started", "concurrency", q.opts.Concurrency, "max_attempts", q.opts.MaxAttempts)

	slots := make(chan struct{}, q.opts.Concurrency)
	var wg conc.WaitGroup
	defer wg.Wait()

	busy := false
	for {
		claimed := q.fill(ctx, slots, &wg)
		if claimed {
			busy = true
		} else if busy && len(slots) == 0 {
			busy = false
			q.emit(Event{Type: EventDrained})
			q.logger.Debug("queue drained")
		}

		select {
		case <-ctx.Done():
			q.logger.Info("queue stopping", "in_flight", len(slots))
			return nil
		case <-q.wake:
		case <-q.clock.After(q.opts.PollInterval):
		}
	}
}

// fill claims ready jobs while slots are free. It reports whether any job
// was claimed.
func (q *Queue) fill(ctx context.Context, slots chan struct{}, wg *conc.WaitGroup) bool {
	claimed := false
	for ctx.Err() == nil {
		select {
		case slots <- struct{}{}:
		default:
			return claimed
		}

		job, ok, err := q.backend.Claim(ctx, q.opts.Name, q.clock.Now())
		if err != nil || !ok {
			<-slots
			if err != nil && ctx.Err() == nil {
				q.logger.Error("claim job failed", "err", err)
			}
			return claimed
		}

		claimed = true
		wg.Go(func() {
			defer func() {
				<-slots
				q.signal()
			}()
			q.process(ctx, job)
		})
	}
	return claimed
}

func (q *Queue) process(ctx context.Context, job Job) {
	log := q.logger.With("job_id", job.ID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts)
	log.Info("job started")

	result, err := q.invoke(ctx, job)

	// Bookkeeping must land even when shutdown cancelled the attempt.
	wctx := context.WithoutCancel(ctx)
	now := q.clock.Now()

	switch {
	case err == nil:
		if berr := q.backend.Complete(wctx, job.ID, result, now); berr != nil {
			log.Error("record job completion failed", "err", berr)
			return
		}
		job.State, job.Result = StateCompleted, result
		log.Info("job completed")
		q.emit(Event{Type: EventCompleted, Job: job})

	case ctx.Err() != nil:
		// Left active; Recover hands it out again on the next start.
		log.Warn("job interrupted by shutdown", "err", err)

	case isDeferred(err):
		after, _ := deferral(err)
		runAt := now.Add(after)
		if berr := q.backend.Release(wctx, job.ID, runAt, now); berr != nil {
			log.Error("defer job failed", "err", berr)
			return
		}
		log.Debug("job deferred", "reason", err, "delay", after)

	case IsPermanent(err) || job.LastAttempt():
		if berr := q.backend.Fail(wctx, job.ID, err.Error(), now); berr != nil {
			log.Error("record job failure failed", "err", berr)
			return
		}
		job.State, job.Error = StateFailed, err.Error()
		log.Error("job failed", "err", err, "permanent", IsPermanent(err))
		q.emit(Event{Type: EventFailed, Job: job, Err: err})

	default:
		runAt := now.Add(q.opts.Backoff)
		if berr := q.backend.Retry(wctx, job.ID, err.Error(), runAt, now); berr != nil {
			log.Error("schedule job retry failed", "err", berr)
			return
		}
		job.State, job.Error, job.RunAt = StateDelayed, err.Error(), runAt
		log.Warn("job attempt failed, retrying", "err", err, "backoff", q.opts.Backoff)
		q.emit(Event{Type: EventRetrying, Job: job, Err: err})
	}
}

func isDeferred(err error) bool {
	_, ok := deferral(err)
	return ok
}

func (q *Queue) invoke(ctx context.Context, job Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}
