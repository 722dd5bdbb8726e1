package server

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/notify"
	"github.com/mcmanager/manager/internal/queue"
	"golang.org/x/net/websocket"
)

const maxDecodeErrorsPerConn = 3

// wsRequest is a client frame asking to be told when a start job settles.
type wsRequest struct {
	Action   string `json:"action"`
	ServerID int64  `json:"serverId"`
	JobID    string `json:"jobId"`
}

// wsPeer serializes writes to one connection. It is the notify.Conn the
// bridge delivers to.
type wsPeer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *wsPeer) Send(ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(ev)
}

func (p *wsPeer) sendError(req wsRequest, msg string) {
	_ = p.Send(notify.Event{Action: notify.ActionServerReady, ServerID: req.ServerID, JobID: req.JobID, Error: msg})
}

// Watch upgrades to a websocket over which clients register for start-job
// notifications.
func (h *Handler) Watch() websocket.Handler {
	return func(conn *websocket.Conn) {
		h.handleWSConn(conn)
	}
}

func (h *Handler) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	peer := &wsPeer{enc: json.NewEncoder(conn)}
	defer func() {
		if n := h.bridge.Forget(peer); n > 0 {
			h.logger.Info("client left with pending registrations", "count", n)
		}
	}()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var req wsRequest
		if err := decoder.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntax *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if !errors.As(err, &syntax) && !errors.As(err, &typ) {
				return
			}
			decodeErrors++
			peer.sendError(wsRequest{}, "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0
		h.register(conn, peer, req)
	}
}

func (h *Handler) register(conn *websocket.Conn, peer *wsPeer, req wsRequest) {
	req.JobID = strings.TrimSpace(req.JobID)
	switch {
	case req.Action != notify.ActionServerReady:
		peer.sendError(req, "unsupported action")
		return
	case req.JobID == "":
		peer.sendError(req, "jobId is required")
		return
	}

	log := h.logger.With("job_id", req.JobID, "server_id", req.ServerID)
	if err := h.bridge.Register(req.JobID, peer); err != nil {
		log.Warn("registration rejected", "err", err)
		peer.sendError(req, err.Error())
		return
	}
	log.Debug("client registered")

	// A job that already settled is answered now, naming the server the job
	// actually started. The bridge delivers at most once, so a racing worker
	// notification is harmless.
	info, err := h.servers.TaskStatus(conn.Request().Context(), req.JobID)
	serverID := info.ServerID
	if serverID == 0 {
		serverID = req.ServerID
	}
	if serverID != req.ServerID {
		log.Warn("job belongs to another server", "job_server_id", serverID)
	}
	switch {
	case domain.IsNotFound(err):
		h.bridge.Deliver(req.JobID, notify.Event{ServerID: serverID, Error: err.Error()})
	case err != nil:
		log.Warn("task status lookup failed", "err", err)
	case info.Status == queue.StatusCompleted:
		h.bridge.Deliver(req.JobID, notify.Event{ServerID: serverID})
	case info.Status == queue.StatusFailed:
		h.bridge.Deliver(req.JobID, notify.Event{ServerID: serverID, Status: domain.StatusFailed, Error: info.Error})
	}
}
