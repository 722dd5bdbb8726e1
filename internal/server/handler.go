package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mcmanager/manager/internal/docker"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/lifecycle"
	"github.com/mcmanager/manager/internal/network"
	"github.com/mcmanager/manager/internal/notify"
	"github.com/mcmanager/manager/internal/storage"
)

// Servers is the lifecycle service the API exposes.
type Servers interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (domain.Instance, string, error)
	List(ctx context.Context) ([]domain.Instance, error)
	Get(ctx context.Context, id int64) (lifecycle.ServerView, error)
	Update(ctx context.Context, id int64, req lifecycle.UpdateRequest) (domain.Instance, error)
	Delete(ctx context.Context, id int64, force bool) error
	Start(ctx context.Context, id int64) (string, error)
	Stop(ctx context.Context, id int64) (domain.Instance, error)
	Restart(ctx context.Context, id int64) (string, error)
	Exec(ctx context.Context, id int64, commands []string) ([]docker.ExecResult, error)
	Operators(ctx context.Context, id int64, player string, revoke bool) (string, error)
	ListOperators(ctx context.Context, id int64) ([]domain.Operator, error)
	SaveWorld(ctx context.Context, id int64) (string, error)
	Logs(ctx context.Context, id int64, tail int) (string, error)
	TaskStatus(ctx context.Context, jobID string) (lifecycle.TaskInfo, error)
}

type response struct {
	Ok    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type Handler struct {
	servers Servers
	bridge  *notify.Bridge
	logger  *slog.Logger
}

func NewHandler(servers Servers, bridge *notify.Bridge, logger *slog.Logger) *Handler {
	return &Handler{servers: servers, bridge: bridge, logger: logger}
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var (
		validation domain.ValidationError
		duplicate  domain.DuplicateRegistrationError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &duplicate), lifecycle.IsConflict(err), errors.Is(err, storage.ErrPortTaken):
		return http.StatusConflict
	case errors.Is(err, network.ErrNoFreePort):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", "err", err, "request_id", c.GetString("request_id"))
	} else {
		h.logger.Warn(op+" rejected", "err", err, "request_id", c.GetString("request_id"))
	}
	c.JSON(code, response{Error: err.Error()})
}

func (h *Handler) ok(c *gin.Context, code int, data any) {
	c.JSON(code, response{Ok: true, Data: data})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, response{Error: err.Error()})
}

// serverID parses the :id path parameter, answering 400 when it is invalid.
func (h *Handler) serverID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, domain.ValidationError{Field: "id", Msg: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) Ping(c *gin.Context) {
	h.ok(c, http.StatusOK, nil)
}

// ---------------------------------------------------------------------------
// Servers
// ---------------------------------------------------------------------------

type createdResponse struct {
	Server domain.Instance `json:"server"`
	JobID  string          `json:"jobId"`
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

func (h *Handler) CreateServer(c *gin.Context) {
	var req lifecycle.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	inst, jobID, err := h.servers.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "create server", err)
		return
	}
	h.ok(c, http.StatusCreated, createdResponse{Server: inst, JobID: jobID})
}

func (h *Handler) ListServers(c *gin.Context) {
	list, err := h.servers.List(c.Request.Context())
	if err != nil {
		h.fail(c, "list servers", err)
		return
	}
	if list == nil {
		list = []domain.Instance{}
	}
	h.ok(c, http.StatusOK, list)
}

func (h *Handler) GetServer(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	view, err := h.servers.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get server", err)
		return
	}
	h.ok(c, http.StatusOK, view)
}

func (h *Handler) UpdateServer(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	var req lifecycle.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	inst, err := h.servers.Update(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, "update server", err)
		return
	}
	h.ok(c, http.StatusOK, inst)
}

func (h *Handler) DeleteServer(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	if err := h.servers.Delete(c.Request.Context(), id, force); err != nil {
		h.fail(c, "delete server", err)
		return
	}
	h.ok(c, http.StatusOK, nil)
}

func (h *Handler) StartServer(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	jobID, err := h.servers.Start(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "start server", err)
		return
	}
	h.ok(c, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (h *Handler) RestartServer(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	jobID, err := h.servers.Restart(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "restart server", err)
		return
	}
	h.ok(c, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (h *Handler) StopServer(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	inst, err := h.servers.Stop(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "stop server", err)
		return
	}
	h.ok(c, http.StatusOK, inst)
}

// ---------------------------------------------------------------------------
// Console
// ---------------------------------------------------------------------------

type commandsRequest struct {
	Commands []string `json:"commands" binding:"required"`
}

type operatorRequest struct {
	Player string `json:"player" binding:"required"`
	Revoke bool   `json:"revoke"`
}

type outputResponse struct {
	Output string `json:"output"`
}

func (h *Handler) RunCommands(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	var req commandsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	results, err := h.servers.Exec(c.Request.Context(), id, req.Commands)
	if err != nil && results == nil {
		h.fail(c, "run commands", err)
		return
	}
	if err != nil {
		// Partial failure: per-command errors are in the results.
		c.JSON(http.StatusOK, response{Ok: false, Data: results, Error: err.Error()})
		return
	}
	h.ok(c, http.StatusOK, results)
}

func (h *Handler) SetOperator(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	out, err := h.servers.Operators(c.Request.Context(), id, req.Player, req.Revoke)
	if err != nil {
		h.fail(c, "set operator", err)
		return
	}
	h.ok(c, http.StatusOK, outputResponse{Output: out})
}

func (h *Handler) ListOperators(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	ops, err := h.servers.ListOperators(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "list operators", err)
		return
	}
	h.ok(c, http.StatusOK, ops)
}

func (h *Handler) RemoveOperator(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	out, err := h.servers.Operators(c.Request.Context(), id, c.Param("player"), true)
	if err != nil {
		h.fail(c, "remove operator", err)
		return
	}
	h.ok(c, http.StatusOK, outputResponse{Output: out})
}

func (h *Handler) SaveWorld(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	out, err := h.servers.SaveWorld(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "save world", err)
		return
	}
	h.ok(c, http.StatusOK, outputResponse{Output: out})
}

type logsResponse struct {
	Logs string `json:"logs"`
}

func (h *Handler) ServerLogs(c *gin.Context) {
	id, ok := h.serverID(c)
	if !ok {
		return
	}
	tail := 100
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.badRequest(c, domain.ValidationError{Field: "tail", Msg: "must be an integer"})
			return
		}
		tail = n
	}
	logs, err := h.servers.Logs(c.Request.Context(), id, tail)
	if err != nil {
		h.fail(c, "server logs", err)
		return
	}
	h.ok(c, http.StatusOK, logsResponse{Logs: logs})
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (h *Handler) TaskStatus(c *gin.Context) {
	info, err := h.servers.TaskStatus(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.fail(c, "task status", err)
		return
	}
	h.ok(c, http.StatusOK, info)
}
