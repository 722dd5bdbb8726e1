package queue

import (
	"context"
	"sync"
	"time"
)

// Backend stores jobs and hands them out. Implementations must make Claim
// atomic: a ready job is returned to exactly one caller.
type Backend interface {
	// Add stores a new waiting job.
	Add(ctx context.Context, job Job) error
	// Get returns the job or ErrJobNotFound.
	Get(ctx context.Context, id string) (Job, error)
	// Claim moves the oldest ready job (waiting, or delayed with RunAt <= now)
	// of the named queue to active and increments its Attempt. ok is false
	// when nothing is ready.
	Claim(ctx context.Context, queue string, now time.Time) (job Job, ok bool, err error)
	// Complete records a successful attempt.
	Complete(ctx context.Context, id, result string, now time.Time) error
	// Retry schedules another attempt at runAt, keeping the error.
	Retry(ctx context.Context, id, errMsg string, runAt, now time.Time) error
	// Release returns an active job to delayed until runAt and takes back
	// the attempt Claim counted. Error and Result are untouched.
	Release(ctx context.Context, id string, runAt, now time.Time) error
	// Fail records a terminal failure.
	Fail(ctx context.Context, id, errMsg string, now time.Time) error
	// Recover returns active jobs, orphaned by a previous process, to
	// waiting. It returns how many were recovered.
	Recover(ctx context.Context, queue string, now time.Time) (int, error)
}

// MemoryBackend keeps jobs in process memory. Jobs do not survive restarts.
type MemoryBackend struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: make(map[string]*Job)}
}

func (b *MemoryBackend) Add(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j := job
	j.Payload = append([]byte(nil), job.Payload...)
	b.jobs[job.ID] = &j
	b.order = append(b.order, job.ID)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

func (b *MemoryBackend) Claim(_ context.Context, queue string, now time.Time) (Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		j := b.jobs[id]
		if j.Queue != queue {
			continue
		}
		if j.State != StateWaiting && j.State != StateDelayed {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		j.State = StateActive
		j.Attempt++
		j.UpdatedAt = now
		return *j, true, nil
	}
	return Job{}, false, nil
}

func (b *MemoryBackend) Complete(_ context.Context, id, result string, now time.Time) error {
	return b.update(id, func(j *Job) {
		j.State = StateCompleted
		j.Result = result
		j.Error = ""
		j.UpdatedAt = now
	})
}

func (b *MemoryBackend) Retry(_ context.Context, id, errMsg string, runAt, now time.Time) error {
	return b.update(id, func(j *Job) {
		j.State = StateDelayed
		j.Error = errMsg
		j.RunAt = runAt
		j.UpdatedAt = now
	})
}

func (b *MemoryBackend) Release(_ context.Context, id string, runAt, now time.Time) error {
	return b.update(id, func(j *Job) {
		j.State = StateDelayed
		if j.Attempt > 0 {
			j.Attempt--
		}
		j.RunAt = runAt
		j.UpdatedAt = now
	})
}

func (b *MemoryBackend) Fail(_ context.Context, id, errMsg string, now time.Time) error {
	return b.update(id, func(j *Job) {
		j.State = StateFailed
		j.Error = errMsg
		j.UpdatedAt = now
	})
}

func (b *MemoryBackend) Recover(_ context.Context, queue string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, j := range b.jobs {
		if j.Queue == queue && j.State == StateActive {
			j.State = StateWaiting
			j.RunAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) update(id string, fn func(*Job)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(j)
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
