package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mcmanager/manager/internal/clock"
	"github.com/mcmanager/manager/internal/docker"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/queue"
)

// GamePort is the port the server listens on inside its container.
const GamePort = 25565

// opsFile is where the server keeps its operator list.
const opsFile = "/data/ops.json"

// ServiceOptions are the fixed settings applied to every server.
type ServiceOptions struct {
	Image           string
	ContainerPrefix string
	DataDir         string
}

// Service is the request-path API over servers. It never waits for a
// server to become ready; starts are handed to the job queue.
type Service struct {
	store  Store
	docker Containers
	jobs   Jobs
	ports  Ports
	clock  clock.Clock
	logger *slog.Logger
	opts   ServiceOptions
}

func NewService(store Store, containers Containers, jobs Jobs, ports Ports, clk clock.Clock, logger *slog.Logger, opts ServiceOptions) *Service {
	if opts.ContainerPrefix == "" {
		opts.ContainerPrefix = "mcmanager"
	}
	return &Service{
		store:  store,
		docker: containers,
		jobs:   jobs,
		ports:  ports,
		clock:  clk,
		logger: logger,
		opts:   opts,
	}
}

// CreateRequest describes a new server.
type CreateRequest struct {
	Name       string            `json:"name"`
	Version    string            `json:"version"`
	Properties domain.Properties `json:"properties"`
}

// UpdateRequest replaces a server's version and properties. Empty fields
// keep their current values.
type UpdateRequest struct {
	Version    string            `json:"version"`
	Properties domain.Properties `json:"properties"`
}

// ServerView is a stored server plus the live state of its container.
type ServerView struct {
	domain.Instance
	Container *domain.ContainerState `json:"container,omitempty"`
}

var (
	playerName  = regexp.MustCompile(`^[A-Za-z0-9_]{1,16}$`)
	versionName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,32}$`)
)

func validateNameVersion(name, version string, requireName bool) error {
	name = strings.TrimSpace(name)
	if requireName && name == "" {
		return domain.ValidationError{Field: "name", Msg: "is required"}
	}
	if len(name) > 64 {
		return domain.ValidationError{Field: "name", Msg: "must be at most 64 characters"}
	}
	if version != "" && !versionName.MatchString(version) {
		return domain.ValidationError{Field: "version", Msg: "must be a release name such as 1.20.4 or LATEST"}
	}
	return nil
}

// Create allocates a port, records the server as TO_SETUP, creates its
// container and enqueues the first start. It returns the new server and
// the start job id.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Instance, string, error) {
	if err := validateNameVersion(req.Name, req.Version, true); err != nil {
		return domain.Instance{}, "", err
	}
	if err := req.Properties.Validate(); err != nil {
		return domain.Instance{}, "", err
	}

	used, err := s.store.UsedPorts(ctx)
	if err != nil {
		return domain.Instance{}, "", err
	}
	port, err := s.ports.Allocate(used)
	if err != nil {
		return domain.Instance{}, "", err
	}
	defer s.ports.Release(port)

	inst, err := s.store.CreateInstance(ctx, domain.Instance{
		Name:       req.Name,
		Status:     domain.StatusToSetup,
		Port:       port,
		Version:    req.Version,
		Properties: req.Properties,
	})
	if err != nil {
		return domain.Instance{}, "", err
	}
	log := s.logger.With("server_id", inst.ID, "port", port)

	ref, err := s.docker.Create(ctx, s.createOptions(inst))
	if err != nil {
		log.Error("create container failed", "err", err)
		if derr := s.store.UpdateStatus(ctx, inst.ID, domain.StatusDeleted); derr != nil {
			log.Error("discard server record failed", "err", derr)
		}
		return domain.Instance{}, "", err
	}
	if err := s.store.UpdateContainer(ctx, inst.ID, ref, inst.Version, inst.Properties); err != nil {
		return domain.Instance{}, "", err
	}
	inst.ContainerRef = ref
	log.Info("server created", "container_id", inst.ShortRef())

	jobID, err := s.enqueueStart(ctx, inst)
	if err != nil {
		return inst, "", err
	}
	return inst, jobID, nil
}

func (s *Service) createOptions(inst domain.Instance) docker.CreateOptions {
	return docker.CreateOptions{
		Image: s.opts.Image,
		Name:  docker.ContainerName(s.opts.ContainerPrefix, inst.ID),
		Env:   ContainerEnv(inst),
		Ports: []docker.PortBinding{{HostPort: inst.Port, ContainerPort: GamePort, Proto: "tcp"}},
		Volumes: []docker.VolumeBinding{{
			HostPath:      filepath.Join(s.opts.DataDir, strconv.FormatInt(inst.ID, 10)),
			ContainerPath: "/data",
		}},
	}
}

// ContainerEnv maps a server's settings to the image's environment.
func ContainerEnv(inst domain.Instance) map[string]string {
	p := inst.Properties.WithDefaults()
	version := inst.Version
	if version == "" {
		version = "LATEST"
	}
	return map[string]string{
		"EULA":          "TRUE",
		"VERSION":       version,
		"MOTD":          p.MOTD,
		"MAX_PLAYERS":   strconv.Itoa(p.MaxPlayers),
		"DIFFICULTY":    p.Difficulty,
		"LEVEL":         p.LevelName,
		"VIEW_DISTANCE": strconv.Itoa(p.ViewDistance),
		"ONLINE_MODE":   "FALSE",
	}
}

func (s *Service) enqueueStart(ctx context.Context, inst domain.Instance) (string, error) {
	payload, err := EncodePayload(StartPayload{
		InstanceID:   inst.ID,
		ContainerRef: inst.ContainerRef,
		EnqueuedAt:   s.clock.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	jobID, err := s.jobs.Enqueue(ctx, payload)
	if err != nil {
		return "", err
	}
	s.logger.Info("start queued", "server_id", inst.ID, "job_id", jobID)
	return jobID, nil
}

// live loads a server and rejects DELETED ones.
func (s *Service) live(ctx context.Context, id int64) (domain.Instance, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	if inst.Status == domain.StatusDeleted {
		return domain.Instance{}, domain.NotFoundError{Kind: "server", ID: strconv.FormatInt(id, 10)}
	}
	return inst, nil
}

// Get returns a server and, when it has one, its container's state.
func (s *Service) Get(ctx context.Context, id int64) (ServerView, error) {
	inst, err := s.live(ctx, id)
	if err != nil {
		return ServerView{}, err
	}
	view := ServerView{Instance: inst}
	if inst.ContainerRef != "" {
		st, err := s.docker.Inspect(ctx, inst.ContainerRef)
		if err != nil {
			s.logger.Warn("inspect container failed", "server_id", id, "err", err)
		} else {
			view.Container = &st
		}
	}
	return view, nil
}

// List returns every server that is not DELETED.
func (s *Service) List(ctx context.Context) ([]domain.Instance, error) {
	return s.store.ListInstances(ctx)
}

// Start enqueues a start job. A server already starting is rejected so two
// jobs never drive the same container.
func (s *Service) Start(ctx context.Context, id int64) (string, error) {
	inst, err := s.live(ctx, id)
	if err != nil {
		return "", err
	}
	if inst.Status == domain.StatusStarting {
		return "", fmt.Errorf("server %d is already starting: %w", id, domain.ErrStatusConflict)
	}
	if inst.ContainerRef == "" {
		return "", fmt.Errorf("server %d has no container: %w", id, domain.ErrStatusConflict)
	}
	return s.enqueueStart(ctx, inst)
}

// Stop stops the container and records STOPPED.
func (s *Service) Stop(ctx context.Context, id int64) (domain.Instance, error) {
	inst, err := s.live(ctx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	if inst.Status == domain.StatusStopped {
		return inst, nil
	}
	if !slices.Contains(domain.Stoppable, inst.Status) {
		return domain.Instance{}, fmt.Errorf("server %d is %s: %w", id, inst.Status, domain.ErrStatusConflict)
	}
	if err := s.docker.Stop(ctx, inst.ContainerRef); err != nil {
		return domain.Instance{}, err
	}
	if err := s.store.TransitionStatus(ctx, id, domain.StatusStopped, domain.Stoppable...); err != nil {
		return domain.Instance{}, err
	}
	inst.Status = domain.StatusStopped
	s.logger.Info("server stopped", "server_id", id)
	return inst, nil
}

// Restart stops the server and enqueues a fresh start.
func (s *Service) Restart(ctx context.Context, id int64) (string, error) {
	inst, err := s.live(ctx, id)
	if err != nil {
		return "", err
	}
	if inst.Status == domain.StatusStarting {
		return "", fmt.Errorf("server %d is already starting: %w", id, domain.ErrStatusConflict)
	}
	if inst.Status == domain.StatusRunning || inst.Status == domain.StatusFailed {
		if err := s.docker.Stop(ctx, inst.ContainerRef); err != nil {
			return "", err
		}
		if err := s.store.TransitionStatus(ctx, id, domain.StatusStopped, domain.Stoppable...); err != nil {
			return "", err
		}
		inst.Status = domain.StatusStopped
	}
	return s.enqueueStart(ctx, inst)
}

// Delete removes the container and marks the server DELETED. A running or
// starting server needs force.
func (s *Service) Delete(ctx context.Context, id int64, force bool) error {
	inst, err := s.live(ctx, id)
	if err != nil {
		return err
	}
	active := inst.Status == domain.StatusRunning || inst.Status == domain.StatusStarting
	if active && !force {
		return fmt.Errorf("server %d is %s, stop it first or force: %w", id, inst.Status, domain.ErrStatusConflict)
	}
	if inst.ContainerRef != "" {
		if err := s.docker.Delete(ctx, inst.ContainerRef, force); err != nil {
			return err
		}
	}
	if err := s.store.UpdateStatus(ctx, id, domain.StatusDeleted); err != nil {
		return err
	}
	s.logger.Info("server deleted", "server_id", id, "force", force)
	return nil
}

// Update recreates the container with new settings. The port and world
// directory are kept; the server ends up STOPPED.
func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (domain.Instance, error) {
	if err := validateNameVersion("", req.Version, false); err != nil {
		return domain.Instance{}, err
	}
	if err := req.Properties.Validate(); err != nil {
		return domain.Instance{}, err
	}
	inst, err := s.live(ctx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	if inst.Status == domain.StatusStarting {
		return domain.Instance{}, fmt.Errorf("server %d is starting: %w", id, domain.ErrStatusConflict)
	}
	log := s.logger.With("server_id", id)

	if req.Version != "" {
		inst.Version = req.Version
	}
	inst.Properties = mergeProperties(inst.Properties, req.Properties)

	if inst.ContainerRef != "" {
		if err := s.docker.Delete(ctx, inst.ContainerRef, true); err != nil {
			return domain.Instance{}, err
		}
	}
	if inst.Status != domain.StatusStopped && inst.Status != domain.StatusToSetup {
		if err := s.store.UpdateStatus(ctx, id, domain.StatusStopped); err != nil {
			return domain.Instance{}, err
		}
		inst.Status = domain.StatusStopped
	}

	ref, err := s.docker.Create(ctx, s.createOptions(inst))
	if err != nil {
		log.Error("recreate container failed", "err", err)
		if uerr := s.store.UpdateContainer(ctx, id, "", inst.Version, inst.Properties); uerr != nil {
			log.Error("clear container reference failed", "err", uerr)
		}
		return domain.Instance{}, err
	}
	if err := s.store.UpdateContainer(ctx, id, ref, inst.Version, inst.Properties); err != nil {
		return domain.Instance{}, err
	}
	inst.ContainerRef = ref
	log.Info("server reconfigured", "container_id", inst.ShortRef())
	return s.store.GetInstance(ctx, id)
}

func mergeProperties(cur, upd domain.Properties) domain.Properties {
	if upd.MOTD != "" {
		cur.MOTD = upd.MOTD
	}
	if upd.LevelName != "" {
		cur.LevelName = upd.LevelName
	}
	if upd.MaxPlayers != 0 {
		cur.MaxPlayers = upd.MaxPlayers
	}
	if upd.Difficulty != "" {
		cur.Difficulty = upd.Difficulty
	}
	if upd.ViewDistance != 0 {
		cur.ViewDistance = upd.ViewDistance
	}
	return cur
}

// running loads a server whose console is reachable.
func (s *Service) running(ctx context.Context, id int64) (domain.Instance, error) {
	inst, err := s.live(ctx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	if inst.Status != domain.StatusRunning {
		return domain.Instance{}, fmt.Errorf("server %d is %s, not running: %w", id, inst.Status, domain.ErrStatusConflict)
	}
	return inst, nil
}

// Exec runs console commands in order and returns each one's output.
func (s *Service) Exec(ctx context.Context, id int64, commands []string) ([]docker.ExecResult, error) {
	if len(commands) == 0 {
		return nil, domain.ValidationError{Field: "commands", Msg: "at least one command is required"}
	}
	inst, err := s.running(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.docker.ExecAll(ctx, inst.ContainerRef, commands)
}

// Operators grants (or with revoke, removes) operator rights for player.
func (s *Service) Operators(ctx context.Context, id int64, player string, revoke bool) (string, error) {
	if !playerName.MatchString(player) {
		return "", domain.ValidationError{Field: "player", Msg: "must be 1-16 letters, digits or underscores"}
	}
	inst, err := s.running(ctx, id)
	if err != nil {
		return "", err
	}
	cmd := "op " + player
	if revoke {
		cmd = "deop " + player
	}
	return s.docker.Exec(ctx, inst.ContainerRef, cmd)
}

// ListOperators returns the server's operators. A server that never had one
// has no ops.json yet and yields an empty list.
func (s *Service) ListOperators(ctx context.Context, id int64) ([]domain.Operator, error) {
	inst, err := s.running(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.docker.ReadFile(ctx, inst.ContainerRef, opsFile)
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.Operator{}, nil
	}
	if err != nil {
		return nil, err
	}
	ops := []domain.Operator{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return ops, nil
	}
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("parse %s: %w", opsFile, err)
	}
	return ops, nil
}

// SaveWorld flushes the world to disk.
func (s *Service) SaveWorld(ctx context.Context, id int64) (string, error) {
	inst, err := s.running(ctx, id)
	if err != nil {
		return "", err
	}
	return s.docker.Exec(ctx, inst.ContainerRef, "save-all flush")
}

// Logs returns the last tail lines of the server's output.
func (s *Service) Logs(ctx context.Context, id int64, tail int) (string, error) {
	if tail < 0 {
		return "", domain.ValidationError{Field: "tail", Msg: "must not be negative"}
	}
	inst, err := s.live(ctx, id)
	if err != nil {
		return "", err
	}
	if inst.ContainerRef == "" {
		return "", nil
	}
	return s.docker.Logs(ctx, inst.ContainerRef, docker.LogOptions{Tail: tail})
}

// TaskInfo is a start job's progress and the server it starts.
type TaskInfo struct {
	queue.Info
	ServerID int64 `json:"serverId,omitempty"`
}

// TaskStatus reports a start job's progress.
func (s *Service) TaskStatus(ctx context.Context, jobID string) (TaskInfo, error) {
	if strings.TrimSpace(jobID) == "" {
		return TaskInfo{}, domain.ValidationError{Field: "jobId", Msg: "is required"}
	}
	info, err := s.jobs.Status(ctx, jobID)
	if err != nil {
		return TaskInfo{}, err
	}
	if info.Status == queue.StatusNotFound {
		return TaskInfo{Info: info}, domain.NotFoundError{Kind: "job", ID: jobID}
	}
	task := TaskInfo{Info: info}
	if p, err := DecodePayload(info.Payload); err == nil {
		task.ServerID = p.InstanceID
	} else {
		s.logger.Warn("undecodable start job payload", "job_id", jobID, "err", err)
	}
	return task, nil
}

// IsConflict reports whether err means the server was in the wrong status.
func IsConflict(err error) bool {
	return errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrInstanceDeleted)
}
