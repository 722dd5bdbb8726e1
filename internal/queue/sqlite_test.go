package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcmanager/manager/internal/clock"
	"github.com/mcmanager/manager/internal/storage"
)

func openSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "manager.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewSQLiteBackend(store.DB())
}

func addJob(t *testing.T, b Backend, id string, at time.Time) {
	t.Helper()
	err := b.Add(context.Background(), Job{
		ID: id, Queue: "q", Payload: []byte(id), State: StateWaiting,
		MaxAttempts: 3, RunAt: at, CreatedAt: at, UpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
}

func TestSQLiteClaimIsFIFO(t *testing.T) {
	b := openSQLiteBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addJob(t, b, "first", now)
	addJob(t, b, "second", now)

	j, ok, err := b.Claim(context.Background(), "q", now)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if j.ID != "first" || j.State != StateActive || j.Attempt != 1 {
		t.Fatalf("claimed %+v", j)
	}
	if string(j.Payload) != "first" {
		t.Fatalf("payload = %q", j.Payload)
	}

	j, ok, _ = b.Claim(context.Background(), "q", now)
	if !ok || j.ID != "second" {
		t.Fatalf("second claim = %+v ok=%v", j, ok)
	}

	if _, ok, _ := b.Claim(context.Background(), "q", now); ok {
		t.Fatal("nothing should be ready")
	}
}

func TestSQLiteDelayedJobWaitsForRunAt(t *testing.T) {
	b := openSQLiteBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addJob(t, b, "j", now)

	if _, ok, _ := b.Claim(context.Background(), "q", now); !ok {
		t.Fatal("claim failed")
	}
	if err := b.Retry(context.Background(), "j", "boom", now.Add(time.Second), now); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Claim(context.Background(), "q", now.Add(500*time.Millisecond)); ok {
		t.Fatal("claimed before backoff elapsed")
	}
	j, ok, _ := b.Claim(context.Background(), "q", now.Add(time.Second))
	if !ok || j.Attempt != 2 || j.Error != "boom" {
		t.Fatalf("claim after backoff = %+v ok=%v", j, ok)
	}

	if err := b.Fail(context.Background(), "j", "final", now); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(context.Background(), "j")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateFailed || got.Error != "final" {
		t.Fatalf("job = %+v", got)
	}
}

func TestSQLiteRecover(t *testing.T) {
	b := openSQLiteBackend(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addJob(t, b, "j", now)
	if _, ok, _ := b.Claim(context.Background(), "q", now); !ok {
		t.Fatal("claim failed")
	}

	n, err := b.Recover(context.Background(), "q", now)
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	got, _ := b.Get(context.Background(), "j")
	if got.State != StateWaiting || got.Status() != StatusInProgress {
		t.Fatalf("recovered job = %+v", got)
	}
}

func TestSQLiteUnknownJob(t *testing.T) {
	b := openSQLiteBackend(t)
	if _, err := b.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("get: %v", err)
	}
	if err := b.Complete(context.Background(), "missing", "", time.Now()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("complete: %v", err)
	}
}

func TestQueueOverSQLite(t *testing.T) {
	b := openSQLiteBackend(t)
	q := New(b, func(_ context.Context, job Job) (string, error) {
		if job.Attempt == 1 {
			return "", errors.New("first attempt fails")
		}
		return "done", nil
	}, clock.Real(), discard(), fastOptions())
	startQueue(t, q)

	id, err := q.Enqueue(context.Background(), []byte{0xa1})
	if err != nil {
		t.Fatal(err)
	}
	info := waitStatus(t, q, id, StatusCompleted)
	if info.Result != "done" || info.Attempts != 2 {
		t.Fatalf("info = %+v", info)
	}
}

func TestSQLiteReleaseReturnsAttempt(t *testing.T) {
	b := openSQLiteBackend(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	addJob(t, b, "j", now)

	if _, ok, _ := b.Claim(ctx, "q", now); !ok {
		t.Fatal("claim failed")
	}
	if err := b.Release(ctx, "j", now.Add(time.Second), now); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(ctx, "j")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateDelayed || got.Attempt != 0 {
		t.Fatalf("released job = %+v", got)
	}
	if got.Status() != StatusInProgress {
		t.Fatalf("status = %s, want in-progress", got.Status())
	}
	if _, ok, _ := b.Claim(ctx, "q", now.Add(500*time.Millisecond)); ok {
		t.Fatal("claimed before runAt")
	}
	j, ok, _ := b.Claim(ctx, "q", now.Add(time.Second))
	if !ok || j.Attempt != 1 {
		t.Fatalf("reclaim = %+v ok=%v", j, ok)
	}
	if err := b.Release(ctx, "missing", now, now); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("release unknown = %v", err)
	}
}
