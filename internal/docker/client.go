// Package docker is the container control client. It issues imperative
// operations against the docker daemon and surfaces the runtime's errors
// unchanged; retry decisions belong to callers.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mcmanager/manager/internal/domain"
)

// PortBinding publishes a container port on the host.
type PortBinding struct {
	HostPort      int
	ContainerPort int
	Proto         string
}

func (p PortBinding) String() string {
	proto := p.Proto
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto)
}

// VolumeBinding mounts a host path into the container.
type VolumeBinding struct {
	HostPath      string
	ContainerPath string
}

// CreateOptions describes a container to create.
type CreateOptions struct {
	Image   string
	Name    string
	Env     map[string]string
	Ports   []PortBinding
	Volumes []VolumeBinding
}

// Client drives containers through a Runner.
type Client struct {
	runner  Runner
	logger  *slog.Logger
	console []string
}

// NewClient returns a Client. console is the in-container program used by
// Exec (for example "rcon-cli"); empty selects rcon-cli.
func NewClient(runner Runner, logger *slog.Logger, console ...string) *Client {
	if len(console) == 0 {
		console = []string{"rcon-cli"}
	}
	return &Client{runner: runner, logger: logger, console: console}
}

// ImageExists reports whether image is present in the local image store.
func (c *Client) ImageExists(ctx context.Context, image string) bool {
	_, err := c.runner.Run(ctx, "image", "inspect", "--format", "{{.Id}}", image)
	return err == nil
}

// Pull downloads image.
func (c *Client) Pull(ctx context.Context, image string) error {
	c.logger.Info("pulling image", "image", image)
	if _, err := c.runner.Run(ctx, "pull", image); err != nil {
		return domain.ProvisioningError{Op: "pull " + image, Err: err}
	}
	return nil
}

// Create pulls the image when missing and creates (but does not start) a
// container. It returns the new container reference.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Image == "" {
		return "", domain.ProvisioningError{Op: "create", Err: fmt.Errorf("image is required")}
	}
	if !c.ImageExists(ctx, opts.Image) {
		if err := c.Pull(ctx, opts.Image); err != nil {
			return "", err
		}
	}

	args := createArgs(opts)
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		c.logger.Error("container create failed", "image", opts.Image, "err", err)
		return "", domain.ProvisioningError{Op: "create", Err: err}
	}

	ref := strings.TrimSpace(string(out))
	if ref == "" {
		return "", domain.ProvisioningError{Op: "create", Err: fmt.Errorf("docker returned no container id")}
	}
	c.logger.Info("container created", "container_id", domain.ShortRef(ref), "image", opts.Image)
	return ref, nil
}

func createArgs(opts CreateOptions) []string {
	args := []string{"create", "-t"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	for _, p := range opts.Ports {
		args = append(args, "-p", p.String())
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", v.HostPath+":"+v.ContainerPath)
	}
	return append(args, opts.Image)
}

// Start starts a created or stopped container.
func (c *Client) Start(ctx context.Context, ref string) error {
	return c.simple(ctx, "start", ref)
}

// Stop stops a running container.
func (c *Client) Stop(ctx context.Context, ref string) error {
	return c.simple(ctx, "stop", ref)
}

// Restart restarts a container.
func (c *Client) Restart(ctx context.Context, ref string) error {
	return c.simple(ctx, "restart", ref)
}

// Delete removes a container. force also removes a running one.
func (c *Client) Delete(ctx context.Context, ref string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, ref)
	if _, err := c.runner.Run(ctx, args...); err != nil {
		c.logger.Error("docker command failed", "op", "rm", "container_id", domain.ShortRef(ref), "err", err)
		return err
	}
	c.logger.Info("container removed", "container_id", domain.ShortRef(ref))
	return nil
}

func (c *Client) simple(ctx context.Context, op, ref string) error {
	if _, err := c.runner.Run(ctx, op, ref); err != nil {
		c.logger.Error("docker command failed", "op", op, "container_id", domain.ShortRef(ref), "err", err)
		return err
	}
	c.logger.Info("docker command ok", "op", op, "container_id", domain.ShortRef(ref))
	return nil
}

// inspectState is the subset of `docker inspect .State` we read.
type inspectState struct {
	Status     string `json:"Status"`
	Running    bool   `json:"Running"`
	Paused     bool   `json:"Paused"`
	Restarting bool   `json:"Restarting"`
	ExitCode   int    `json:"ExitCode"`
	Error      string `json:"Error"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

// Inspect returns the container's current state.
func (c *Client) Inspect(ctx context.Context, ref string) (domain.ContainerState, error) {
	out, err := c.runner.Run(ctx, "inspect", "--format", "{{json .State}}", ref)
	if err != nil {
		return domain.ContainerState{}, err
	}
	return parseState(out)
}

func parseState(raw []byte) (domain.ContainerState, error) {
	var st inspectState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.ContainerState{}, fmt.Errorf("decode container state: %w", err)
	}
	return domain.ContainerState{
		Status:     st.Status,
		Running:    st.Running,
		Paused:     st.Paused,
		Restarting: st.Restarting,
		ExitCode:   st.ExitCode,
		Error:      st.Error,
		StartedAt:  parseDockerTime(st.StartedAt),
		FinishedAt: parseDockerTime(st.FinishedAt),
	}, nil
}

func parseDockerTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}

// Logs returns already captured output bounded by opts.
func (c *Client) Logs(ctx context.Context, ref string, opts LogOptions) (string, error) {
	args := append([]string{"logs"}, opts.args()...)
	args = append(args, ref)
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// StreamLogs follows the container's output starting at since. The caller
// must Close the returned stream.
func (c *Client) StreamLogs(ctx context.Context, ref string, since time.Time) (*LogStream, error) {
	args := []string{"logs", "--follow"}
	if !since.IsZero() {
		args = append(args, "--since", formatSince(since))
	}
	args = append(args, ref)

	rc, err := c.runner.Stream(ctx, args...)
	if err != nil {
		c.logger.Error("log stream failed", "container_id", domain.ShortRef(ref), "err", err)
		return nil, err
	}
	return NewLogStream(rc), nil
}

// ContainerName derives a deterministic container name for a server.
func ContainerName(prefix string, serverID int64) string {
	return prefix + "-" + strconv.FormatInt(serverID, 10)
}
