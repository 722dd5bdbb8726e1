package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcmanager/manager/internal/clock"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/notify"
	"github.com/mcmanager/manager/internal/queue"
)

// Worker handles start jobs: it moves a server to STARTING, starts its
// container, waits for readiness and records RUNNING or FAILED.
type Worker struct {
	store    Store
	docker   Containers
	detector Detector
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger

	busyRetry time.Duration

	mu   sync.Mutex
	busy map[int64]struct{}
}

func NewWorker(store Store, containers Containers, detector Detector, notifier Notifier, clk clock.Clock, logger *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		docker:    containers,
		detector:  detector,
		notifier:  notifier,
		clock:     clk,
		logger:    logger,
		busyRetry: defaultBusyRetry,
		busy:      make(map[int64]struct{}),
	}
}

// defaultBusyRetry is how long a start job waits before retrying a server
// that another job is already starting.
const defaultBusyRetry = 2 * time.Second

// tryLock marks a server as being started by this process. It reports false
// when another job holds it; that job's queue slot is not shared.
func (w *Worker) tryLock(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, held := w.busy[id]; held {
		return false
	}
	w.busy[id] = struct{}{}
	return true
}

func (w *Worker) unlock(id int64) {
	w.mu.Lock()
	delete(w.busy, id)
	w.mu.Unlock()
}

// StartResult is the job result recorded for a server that became ready.
type StartResult struct {
	ServerID    int64  `json:"serverId"`
	Port        int    `json:"port"`
	ContainerID string `json:"containerId"`
}

func startResult(inst domain.Instance) string {
	data, _ := json.Marshal(StartResult{ServerID: inst.ID, Port: inst.Port, ContainerID: inst.ContainerRef})
	return string(data)
}

// Handle is the queue.Handler for start jobs. When the job will not be
// retried, the waiting client is told it failed.
func (w *Worker) Handle(ctx context.Context, job queue.Job) (string, error) {
	log := w.logger.With("job_id", job.ID, "attempt", job.Attempt)

	p, err := DecodePayload(job.Payload)
	if err != nil {
		log.Error("dropping malformed start job", "err", err)
		return "", queue.Permanent(err)
	}
	log = log.With("server_id", p.InstanceID)

	if !w.tryLock(p.InstanceID) {
		log.Debug("server busy with another start job, deferring")
		return "", queue.Defer(fmt.Errorf("server %d is being started by another job", p.InstanceID), w.busyRetry)
	}
	result, err := w.start(ctx, log, p)
	w.unlock(p.InstanceID)
	if err != nil && ctx.Err() == nil && (queue.IsPermanent(err) || job.LastAttempt()) {
		w.notifier.Deliver(job.ID, notify.Event{
			ServerID: p.InstanceID,
			Status:   domain.StatusFailed,
			Error:    err.Error(),
		})
	}
	if err == nil {
		w.notifier.Deliver(job.ID, notify.Event{ServerID: p.InstanceID})
	}
	return result, err
}

func (w *Worker) start(ctx context.Context, log *slog.Logger, p StartPayload) (string, error) {
	inst, err := w.store.GetInstance(ctx, p.InstanceID)
	if err != nil {
		if domain.IsNotFound(err) {
			log.Error("start job for unknown server", "err", err)
			return "", queue.Permanent(err)
		}
		log.Error("load server failed", "err", err)
		return "", err
	}
	if inst.Status == domain.StatusDeleted {
		err := fmt.Errorf("server %d: %w", inst.ID, domain.ErrInstanceDeleted)
		log.Warn("start job for deleted server", "err", err)
		return "", queue.Permanent(err)
	}
	if inst.ContainerRef == "" {
		err := fmt.Errorf("server %d has no container", inst.ID)
		log.Error("start job cannot run", "err", err)
		return "", queue.Permanent(err)
	}
	if p.ContainerRef != "" && p.ContainerRef != inst.ContainerRef {
		log.Info("container replaced since enqueue",
			"queued_container", domain.ShortRef(p.ContainerRef),
			"container_id", inst.ShortRef(),
		)
	}
	log = log.With("container_id", inst.ShortRef())

	if inst.Status == domain.StatusRunning {
		st, err := w.docker.Inspect(ctx, inst.ContainerRef)
		if err == nil && st.Running {
			log.Info("server already running")
			return startResult(inst), nil
		}
		log.Warn("server marked running but container is not, restarting", "inspect_err", err)
		if err := w.store.TransitionStatus(ctx, inst.ID, domain.StatusStopped, domain.StatusRunning); err != nil {
			return "", w.storeError(log, "mark stale server stopped", err)
		}
	}

	if err := w.store.TransitionStatus(ctx, inst.ID, domain.StatusStarting, domain.Startable...); err != nil {
		return "", w.storeError(log, "mark server starting", err)
	}

	since, err := w.startContainer(ctx, log, inst)
	if err != nil {
		return "", w.fail(ctx, log, inst, err)
	}
	if _, err := w.detector.Wait(ctx, inst.ContainerRef, since); err != nil {
		return "", w.fail(ctx, log, inst, err)
	}

	if err := w.store.TransitionStatus(ctx, inst.ID, domain.StatusRunning, domain.StatusStarting); err != nil {
		return "", w.storeError(log, "mark server running", err)
	}
	log.Info("server running", "port", inst.Port)
	return startResult(inst), nil
}

// startContainer starts the container and returns the instant from which
// its output counts toward readiness. A container still running from an
// interrupted attempt is adopted rather than restarted.
func (w *Worker) startContainer(ctx context.Context, log *slog.Logger, inst domain.Instance) (time.Time, error) {
	if st, err := w.docker.Inspect(ctx, inst.ContainerRef); err == nil && st.Running && !st.StartedAt.IsZero() {
		log.Info("container already running, resuming readiness watch", "started_at", st.StartedAt)
		return st.StartedAt, nil
	}

	since := w.clock.Now()
	if err := w.docker.Start(ctx, inst.ContainerRef); err != nil {
		return time.Time{}, domain.ProvisioningError{Op: "start", Ref: inst.ContainerRef, Err: err}
	}
	log.Info("container started, waiting for readiness")
	return since, nil
}

// fail records an unsuccessful attempt and returns the error the queue
// should see.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, inst domain.Instance, cause error) error {
	if ctx.Err() != nil {
		log.Warn("start interrupted", "err", cause)
		return cause
	}

	st, err := w.docker.Inspect(ctx, inst.ContainerRef)
	if err != nil {
		log.Error("server failed to start", "err", cause, "inspect_err", err)
	} else {
		log.Error("server failed to start", "err", cause,
			"container_status", st.Status,
			"exit_code", st.ExitCode,
			"container_error", st.Error,
		)
	}

	// The next attempt starts from a clean container.
	if st.Running {
		if err := w.docker.Stop(ctx, inst.ContainerRef); err != nil {
			log.Warn("stop unready container failed", "err", err)
		}
	}

	if err := w.store.TransitionStatus(ctx, inst.ID, domain.StatusFailed, domain.StatusStarting); err != nil {
		if queue.IsPermanent(w.storeError(log, "mark server failed", err)) {
			return queue.Permanent(cause)
		}
	}
	return cause
}

// storeError classifies a status write failure. A concurrent change (stop,
// delete) ends the job; anything else is retried.
func (w *Worker) storeError(log *slog.Logger, op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrInstanceDeleted), domain.IsNotFound(err):
		log.Warn(op+" skipped, server changed concurrently", "err", err)
		return queue.Permanent(err)
	default:
		log.Error(op+" failed", "err", err)
		return err
	}
}

// Settled is a queue.Listener that repeats a job's outcome once the queue has
// recorded it. A client that registers after Handle notified nobody, but
// before the job settled, is answered here. The notifier delivers each job
// at most once, so clients served by Handle see nothing more.
func (w *Worker) Settled(ev queue.Event) {
	if ev.Type != queue.EventCompleted && ev.Type != queue.EventFailed {
		return
	}
	p, err := DecodePayload(ev.Job.Payload)
	if err != nil {
		return
	}
	out := notify.Event{ServerID: p.InstanceID}
	if ev.Type == queue.EventFailed {
		out.Status, out.Error = domain.StatusFailed, ev.Job.Error
	}
	w.notifier.Deliver(ev.Job.ID, out)
}
