// Package lifecycle drives game servers through their status machine: the
// request-path Service, the queued start Worker and the boot Reconciler.
package lifecycle

import (
	"context"
	"time"

	"github.com/mcmanager/manager/internal/docker"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/notify"
	"github.com/mcmanager/manager/internal/queue"
	"github.com/mcmanager/manager/internal/readiness"
)

// Store is the status store as seen by lifecycle code.
type Store interface {
	CreateInstance(ctx context.Context, inst domain.Instance) (domain.Instance, error)
	GetInstance(ctx context.Context, id int64) (domain.Instance, error)
	ListInstances(ctx context.Context) ([]domain.Instance, error)
	UsedPorts(ctx context.Context) ([]int, error)
	UpdateStatus(ctx context.Context, id int64, to domain.Status) error
	TransitionStatus(ctx context.Context, id int64, to domain.Status, from ...domain.Status) error
	UpdateContainer(ctx context.Context, id int64, ref, version string, props domain.Properties) error
}

// Containers is the container control client.
type Containers interface {
	Create(ctx context.Context, opts docker.CreateOptions) (string, error)
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Delete(ctx context.Context, ref string, force bool) error
	Inspect(ctx context.Context, ref string) (domain.ContainerState, error)
	Logs(ctx context.Context, ref string, opts docker.LogOptions) (string, error)
	Exec(ctx context.Context, ref, command string) (string, error)
	ExecAll(ctx context.Context, ref string, commands []string) ([]docker.ExecResult, error)
	ReadFile(ctx context.Context, ref, path string) ([]byte, error)
}

// Detector reports when a started container is ready.
type Detector interface {
	Wait(ctx context.Context, ref string, since time.Time) (readiness.State, error)
}

// Notifier pushes job outcomes to waiting clients.
type Notifier interface {
	Deliver(jobID string, ev notify.Event) bool
}

// Jobs is the start-job queue.
type Jobs interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
	Status(ctx context.Context, jobID string) (queue.Info, error)
}

// Ports hands out external ports.
type Ports interface {
	Allocate(used []int) (int, error)
	Release(ports ...int)
}
