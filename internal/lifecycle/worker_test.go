package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcmanager/manager/internal/clock"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/queue"
	"github.com/mcmanager/manager/internal/readiness"
)

type workerFixture struct {
	store    Store
	docker   *fakeContainers
	detector *scriptedDetector
	notifier *recordingNotifier
	worker   *Worker
}

func newWorkerFixture(t *testing.T, store Store) *workerFixture {
	t.Helper()
	f := &workerFixture{
		store:    store,
		docker:   newFakeContainers(),
		detector: &scriptedDetector{},
		notifier: newRecordingNotifier(),
	}
	f.worker = NewWorker(f.store, f.docker, f.detector, f.notifier, clock.Real(), discard())
	return f
}

func TestWorkerStartsServerAndNotifies(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusToSetup, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)

	result, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	var res StartResult
	if err := json.Unmarshal([]byte(result), &res); err != nil {
		t.Fatalf("result %q: %v", result, err)
	}
	if res.ServerID != inst.ID || res.Port != inst.Port || res.ContainerID != "container01" {
		t.Errorf("result = %+v", res)
	}
	if got := statusOf(t, s, inst.ID); got != domain.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got)
	}
	if n := f.docker.count("start "); n != 1 {
		t.Errorf("started %d times, want 1", n)
	}

	events := f.notifier.get("job-1")
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one", events)
	}
	if events[0].ServerID != inst.ID || events[0].Error != "" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestWorkerTimeoutMarksFailedAndRetries(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusToSetup, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)
	f.detector.results = []error{domain.ReadinessTimeoutError{Ref: "container01", Idle: 90 * time.Second}}

	_, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3))
	var te domain.ReadinessTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want readiness timeout", err)
	}
	if queue.IsPermanent(err) {
		t.Error("timeout must be retryable")
	}
	if got := statusOf(t, s, inst.ID); got != domain.StatusFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
	if n := f.docker.count("stop "); n != 1 {
		t.Errorf("unready container stopped %d times, want 1", n)
	}
	if events := f.notifier.get("job-1"); len(events) != 0 {
		t.Errorf("notified before the last attempt: %+v", events)
	}

	// The retry starts again from FAILED.
	if _, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 2, 3)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := statusOf(t, s, inst.ID); got != domain.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got)
	}
	if n := f.docker.count("start "); n != 2 {
		t.Errorf("started %d times, want 2", n)
	}
}

func TestWorkerNotifiesFailureOnLastAttempt(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusFailed, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)
	f.detector.results = []error{domain.ReadinessTimeoutError{Ref: "container01", Idle: time.Second}}

	if _, err := f.worker.Handle(context.Background(), startJob(t, "job-9", inst, 3, 3)); err == nil {
		t.Fatal("expected failure")
	}
	events := f.notifier.get("job-9")
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one", events)
	}
	if events[0].Status != domain.StatusFailed || events[0].Error == "" {
		t.Errorf("event = %+v, want a failure", events[0])
	}
}

func TestWorkerDeletedServerIsPermanent(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusDeleted, "container01")
	f := newWorkerFixture(t, s)

	_, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3))
	if !queue.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if !errors.Is(err, domain.ErrInstanceDeleted) {
		t.Errorf("err = %v, want ErrInstanceDeleted", err)
	}
	if n := f.docker.count("start "); n != 0 {
		t.Errorf("container started for a deleted server")
	}
	if events := f.notifier.get("job-1"); len(events) != 1 || events[0].Status != domain.StatusFailed {
		t.Errorf("events = %+v, want one failure", events)
	}
}

func TestWorkerUnknownServerIsPermanent(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, openStore(t))

	_, err := f.worker.Handle(context.Background(), startJob(t, "job-1", domain.Instance{ID: 404}, 1, 3))
	if !queue.IsPermanent(err) || !domain.IsNotFound(err) {
		t.Fatalf("err = %v, want permanent not-found", err)
	}
}

func TestWorkerMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, openStore(t))

	_, err := f.worker.Handle(context.Background(), queue.Job{ID: "job-1", Payload: []byte("junk"), Attempt: 1, MaxAttempts: 3})
	if !queue.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestWorkerRunningServerIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusRunning, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", true)

	if _, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := f.docker.count("start "); n != 0 {
		t.Errorf("running container restarted")
	}
	if f.detector.calls != 0 {
		t.Errorf("readiness awaited for a running server")
	}
	if events := f.notifier.get("job-1"); len(events) != 1 {
		t.Errorf("events = %+v, want one", events)
	}
}

func TestWorkerRestartsStaleRunningServer(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusRunning, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)

	if _, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := f.docker.count("start "); n != 1 {
		t.Errorf("started %d times, want 1", n)
	}
	if got := statusOf(t, s, inst.ID); got != domain.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got)
	}
}

func TestWorkerAdoptsRunningContainerOnResume(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusStarting, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", true)

	if _, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 2, 3)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if n := f.docker.count("start "); n != 0 {
		t.Errorf("container restarted on resume")
	}
	if len(f.detector.since) != 1 || !f.detector.since[0].Equal(epoch) {
		t.Errorf("readiness since = %v, want container start %v", f.detector.since, epoch)
	}
}

func TestWorkerStartFailureIsProvisioningError(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusStopped, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)
	f.docker.startErr = errors.New("port is already allocated")

	_, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3))
	var pe domain.ProvisioningError
	if !errors.As(err, &pe) || pe.Op != "start" {
		t.Fatalf("err = %v, want start provisioning error", err)
	}
	if got := statusOf(t, s, inst.ID); got != domain.StatusFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
}

func TestWorkerStopDuringWaitEndsJob(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusStopped, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)
	f.worker.detector = detectorFunc(func() error {
		// A stop request lands while the server is starting.
		return s.TransitionStatus(context.Background(), inst.ID, domain.StatusStopped, domain.StatusStarting)
	})

	_, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3))
	if !queue.IsPermanent(err) || !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("err = %v, want permanent conflict", err)
	}
	if got := statusOf(t, s, inst.ID); got != domain.StatusStopped {
		t.Errorf("status = %s, want STOPPED", got)
	}
}

func TestWorkerRetriesThroughQueue(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusToSetup, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)
	timeout := domain.ReadinessTimeoutError{Ref: "container01", Idle: time.Second}
	f.detector.results = []error{timeout, timeout}

	q := queue.New(queue.NewMemoryBackend(), f.worker.Handle, clock.Real(), discard(), queue.Options{
		Name:         "initialize-server",
		MaxAttempts:  3,
		Backoff:      10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	payload, err := EncodePayload(StartPayload{InstanceID: inst.ID, ContainerRef: inst.ContainerRef})
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := q.Status(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if info.Status == queue.StatusCompleted {
			if info.Attempts != 3 {
				t.Errorf("attempts = %d, want 3", info.Attempts)
			}
			break
		}
		if info.Status == queue.StatusFailed || time.Now().After(deadline) {
			t.Fatalf("job = %+v, want completed", info)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if got := statusOf(t, s, inst.ID); got != domain.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got)
	}
	if events := f.notifier.get(id); len(events) != 1 || events[0].Error != "" {
		t.Errorf("events = %+v, want one success", events)
	}
}

func TestWorkerSettledRepeatsOutcome(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t, openStore(t))
	job := startJob(t, "job-1", domain.Instance{ID: 3}, 1, 3)

	job.Error = "readiness timeout"
	f.worker.Settled(queue.Event{Type: queue.EventFailed, Job: job})
	f.worker.Settled(queue.Event{Type: queue.EventRetrying, Job: job})

	events := f.notifier.get("job-1")
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one", events)
	}
	if events[0].ServerID != 3 || events[0].Status != domain.StatusFailed || events[0].Error != "readiness timeout" {
		t.Errorf("event = %+v", events[0])
	}
}

// gatedDetector blocks Wait for refs that have a gate until it is closed.
type gatedDetector struct {
	gates map[string]chan struct{}
}

func (d gatedDetector) Wait(ctx context.Context, ref string, _ time.Time) (readiness.State, error) {
	if gate, ok := d.gates[ref]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return readiness.StateWaiting, ctx.Err()
		}
	}
	return readiness.StateReady, nil
}

func TestWorkerBusyServerIsDeferredWithoutNotifying(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	inst := seed(t, s, domain.StatusStopped, "container01")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)
	gate := make(chan struct{})
	f.worker.detector = gatedDetector{gates: map[string]chan struct{}{"container01": gate}}

	first := make(chan error, 1)
	go func() {
		_, err := f.worker.Handle(context.Background(), startJob(t, "job-1", inst, 1, 3))
		first <- err
	}()
	waitFor(t, func() bool { return f.docker.count("start container01") == 1 })

	// Last attempt of a second job for the same server.
	_, err := f.worker.Handle(context.Background(), startJob(t, "job-2", inst, 3, 3))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("err = %v, want a deferral", err)
	}
	if events := f.notifier.get("job-2"); len(events) != 0 {
		t.Fatalf("busy job notified: %+v", events)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first job: %v", err)
	}
	f.worker.mu.Lock()
	held := len(f.worker.busy)
	f.worker.mu.Unlock()
	if held != 0 {
		t.Fatalf("%d servers still marked busy", held)
	}
}

func TestWorkerBusyServerDoesNotBlockOtherServers(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	a := seed(t, s, domain.StatusStopped, "container01")
	b := seed(t, s, domain.StatusStopped, "container02")
	f := newWorkerFixture(t, s)
	f.docker.setRunning("container01", false)
	f.docker.setRunning("container02", false)
	gate := make(chan struct{})
	f.worker.detector = gatedDetector{gates: map[string]chan struct{}{"container01": gate}}
	f.worker.busyRetry = 5 * time.Millisecond

	q := queue.New(queue.NewMemoryBackend(), f.worker.Handle, clock.Real(), discard(), queue.Options{
		Name:         "initialize-server",
		Concurrency:  2,
		MaxAttempts:  3,
		Backoff:      10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	enqueue := func(inst domain.Instance) string {
		payload, err := EncodePayload(StartPayload{InstanceID: inst.ID, ContainerRef: inst.ContainerRef})
		if err != nil {
			t.Fatal(err)
		}
		id, err := q.Enqueue(ctx, payload)
		if err != nil {
			t.Fatal(err)
		}
		return id
	}
	first := enqueue(a)
	waitFor(t, func() bool { return f.docker.count("start container01") == 1 })
	duplicate := enqueue(a)
	other := enqueue(b)

	// Server b starts while server a still holds one slot and its duplicate
	// keeps being deferred.
	waitJob(t, q, other, queue.StatusCompleted)
	if info, _ := q.Status(ctx, first); info.Status != queue.StatusInProgress {
		t.Fatalf("first job = %+v, want in-progress", info)
	}

	close(gate)
	waitJob(t, q, first, queue.StatusCompleted)
	info := waitJob(t, q, duplicate, queue.StatusCompleted)
	if info.Attempts != 1 {
		t.Errorf("duplicate attempts = %d, want 1", info.Attempts)
	}
	if got := f.docker.count("start container01"); got != 1 {
		t.Errorf("container01 started %d times, want 1", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitJob(t *testing.T, q *queue.Queue, id string, want queue.Status) queue.Info {
	t.Helper()
	var info queue.Info
	waitFor(t, func() bool {
		var err error
		info, err = q.Status(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		return info.Status == want
	})
	return info
}
