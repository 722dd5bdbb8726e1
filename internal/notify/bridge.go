// Package notify routes a job's completion to the client connection that
// asked to be told about it.
package notify

import (
	"log/slog"
	"sync"

	"github.com/mcmanager/manager/internal/domain"
)

// ActionServerReady is the action name carried by readiness notifications.
const ActionServerReady = "checkServerIsReady"

// Event is the message pushed to a waiting client. JobID lets a client that
// waits on several jobs over one connection tell the answers apart.
type Event struct {
	Action   string        `json:"action"`
	ServerID int64         `json:"serverId"`
	JobID    string        `json:"jobId,omitempty"`
	Status   domain.Status `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Conn is a client connection able to receive events. Implementations must
// be comparable (pointer types) so Forget can find them.
type Conn interface {
	Send(Event) error
}

// Bridge maps job ids to the one connection waiting on each.
type Bridge struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]Conn
}

func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{logger: logger, pending: make(map[string]Conn)}
}

// Register records that conn waits for jobID. A job already awaited by
// another registration is rejected.
func (b *Bridge) Register(jobID string, conn Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[jobID]; ok {
		return domain.DuplicateRegistrationError{JobID: jobID}
	}
	b.pending[jobID] = conn
	return nil
}

// Pending reports whether a client is waiting on jobID.
func (b *Bridge) Pending(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[jobID]
	return ok
}

// Deliver sends ev to the connection registered for jobID and drops the
// registration. It reports whether the event was sent. Unknown ids are a
// no-op; a job is delivered at most once.
func (b *Bridge) Deliver(jobID string, ev Event) bool {
	b.mu.Lock()
	conn, ok := b.pending[jobID]
	delete(b.pending, jobID)
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("no client waiting for job", "job_id", jobID)
		return false
	}
	if ev.Action == "" {
		ev.Action = ActionServerReady
	}
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	if err := conn.Send(ev); err != nil {
		b.logger.Warn("notify client failed", "job_id", jobID, "server_id", ev.ServerID, "err", err)
		return false
	}
	b.logger.Info("client notified", "job_id", jobID, "server_id", ev.ServerID)
	return true
}

// Forget drops every registration held by conn. Called when it closes.
func (b *Bridge) Forget(conn Conn) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, c := range b.pending {
		if c == conn {
			delete(b.pending, id)
			n++
		}
	}
	return n
}
