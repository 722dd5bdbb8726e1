package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcmanager/manager/internal/docker"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/notify"
	"github.com/mcmanager/manager/internal/queue"
	"github.com/mcmanager/manager/internal/readiness"
	"github.com/mcmanager/manager/internal/storage"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "manager.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seed creates a server with a container in the given status.
func seed(t *testing.T, s *storage.Store, status domain.Status, ref string) domain.Instance {
	t.Helper()
	ctx := context.Background()
	used, _ := s.UsedPorts(ctx)
	inst, err := s.CreateInstance(ctx, domain.Instance{Name: "srv", Port: 25565 + len(used)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ref != "" {
		if err := s.UpdateContainer(ctx, inst.ID, ref, "", domain.Properties{}); err != nil {
			t.Fatal(err)
		}
		inst.ContainerRef = ref
	}
	if status != domain.StatusToSetup {
		if err := s.UpdateStatus(ctx, inst.ID, status); err != nil {
			t.Fatal(err)
		}
		inst.Status = status
	}
	return inst
}

func statusOf(t *testing.T, s *storage.Store, id int64) domain.Status {
	t.Helper()
	inst, err := s.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return inst.Status
}

// fakeContainers is an in-memory container runtime.
type fakeContainers struct {
	mu        sync.Mutex
	running   map[string]bool
	started   map[string]time.Time
	calls     []string
	nextRef   int
	created   []docker.CreateOptions
	startErr  error
	createErr error
	execOut   string
	files     map[string]string
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{running: map[string]bool{}, started: map[string]time.Time{}}
}

func (f *fakeContainers) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeContainers) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeContainers) Create(_ context.Context, opts docker.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create " + opts.Name)
	if f.createErr != nil {
		return "", domain.ProvisioningError{Op: "create", Err: f.createErr}
	}
	f.nextRef++
	f.created = append(f.created, opts)
	return fmt.Sprintf("container%02d", f.nextRef), nil
}

func (f *fakeContainers) Start(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start " + ref)
	if f.startErr != nil {
		return f.startErr
	}
	f.running[ref] = true
	f.started[ref] = epoch
	return nil
}

func (f *fakeContainers) Stop(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop " + ref)
	f.running[ref] = false
	return nil
}

func (f *fakeContainers) Delete(_ context.Context, ref string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("rm %s force=%v", ref, force))
	delete(f.running, ref)
	return nil
}

func (f *fakeContainers) Inspect(_ context.Context, ref string) (domain.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect " + ref)
	running, ok := f.running[ref]
	if !ok {
		return domain.ContainerState{}, errors.New("no such container: " + ref)
	}
	st := domain.ContainerState{Status: "exited", Running: running}
	if running {
		st.Status = "running"
		st.StartedAt = f.started[ref]
	}
	return st, nil
}

func (f *fakeContainers) Logs(_ context.Context, ref string, opts docker.LogOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("logs %s tail=%d", ref, opts.Tail))
	return "log line\n", nil
}

func (f *fakeContainers) Exec(_ context.Context, ref, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec " + ref + " " + command)
	return f.execOut, nil
}

func (f *fakeContainers) ExecAll(ctx context.Context, ref string, commands []string) ([]docker.ExecResult, error) {
	out := make([]docker.ExecResult, 0, len(commands))
	for _, c := range commands {
		o, _ := f.Exec(ctx, ref, c)
		out = append(out, docker.ExecResult{Command: c, Output: o})
	}
	return out, nil
}

func (f *fakeContainers) ReadFile(_ context.Context, ref, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("read " + ref + " " + path)
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
	}
	return []byte(data), nil
}

// setRunning registers a container the runtime knows about.
func (f *fakeContainers) setRunning(ref string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[ref] = running
	if running {
		f.started[ref] = epoch
	}
}

// scriptedDetector returns queued outcomes, one per Wait call, then READY.
type scriptedDetector struct {
	mu      sync.Mutex
	results []error
	calls   int
	since   []time.Time
}

func (d *scriptedDetector) Wait(_ context.Context, _ string, since time.Time) (readiness.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.since = append(d.since, since)
	if len(d.results) == 0 {
		return readiness.StateReady, nil
	}
	err := d.results[0]
	d.results = d.results[1:]
	if err != nil {
		var te domain.ReadinessTimeoutError
		if errors.As(err, &te) {
			return readiness.StateTimedOut, err
		}
		return readiness.StateWaiting, err
	}
	return readiness.StateReady, nil
}

// recordingNotifier captures every delivery.
type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]notify.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: map[string][]notify.Event{}}
}

func (n *recordingNotifier) Deliver(jobID string, ev notify.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[jobID] = append(n.events[jobID], ev)
	return true
}

func (n *recordingNotifier) get(jobID string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events[jobID]...)
}

// recordingJobs captures enqueued payloads.
type recordingJobs struct {
	mu       sync.Mutex
	payloads [][]byte
	infos    map[string]queue.Info
}

func (j *recordingJobs) Enqueue(_ context.Context, payload []byte) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.payloads = append(j.payloads, payload)
	return fmt.Sprintf("job-%d", len(j.payloads)), nil
}

func (j *recordingJobs) Status(_ context.Context, id string) (queue.Info, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if info, ok := j.infos[id]; ok {
		return info, nil
	}
	return queue.Info{ID: id, Status: queue.StatusNotFound}, nil
}

func (j *recordingJobs) last(t *testing.T) StartPayload {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.payloads) == 0 {
		t.Fatal("nothing enqueued")
	}
	p, err := DecodePayload(j.payloads[len(j.payloads)-1])
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func startJob(t *testing.T, id string, inst domain.Instance, attempt, max int) queue.Job {
	t.Helper()
	payload, err := EncodePayload(StartPayload{InstanceID: inst.ID, ContainerRef: inst.ContainerRef, EnqueuedAt: epoch.UnixMilli()})
	if err != nil {
		t.Fatal(err)
	}
	return queue.Job{ID: id, Payload: payload, Attempt: attempt, MaxAttempts: max, State: queue.StateActive}
}

// detectorFunc runs fn in place of waiting and reports READY when it
// returns nil.
type detectorFunc func() error

func (fn detectorFunc) Wait(context.Context, string, time.Time) (readiness.State, error) {
	if err := fn(); err != nil {
		return readiness.StateWaiting, err
	}
	return readiness.StateReady, nil
}
