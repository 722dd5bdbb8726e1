package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes docker CLI invocations.
type Runner interface {
	// Run executes the command and returns its stdout. A non-zero exit is
	// returned as an error carrying the trimmed stderr.
	Run(ctx context.Context, args ...string) ([]byte, error)

	// Stream starts the command and returns its combined stdout/stderr.
	// Closing the reader terminates the process.
	Stream(ctx context.Context, args ...string) (io.ReadCloser, error)
}

// CLIRunner implements Runner with os/exec. Host, when set, is exported as
// DOCKER_HOST so a remote daemon can be addressed.
type CLIRunner struct {
	Binary string
	Host   string
}

// NewCLIRunner returns a runner for the given docker binary and daemon host.
func NewCLIRunner(binary, host string) *CLIRunner {
	if binary == "" {
		binary = "docker"
	}
	return &CLIRunner{Binary: binary, Host: host}
}

func (r *CLIRunner) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	if r.Host != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+r.Host)
	}
	return cmd
}

func (r *CLIRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := r.command(ctx, args)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("docker %s: %w: %s", subcommand(args), err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("docker %s: %w", subcommand(args), err)
	}
	return stdout.Bytes(), nil
}

func (r *CLIRunner) Stream(ctx context.Context, args ...string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := r.command(ctx, args)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("docker %s: %w", subcommand(args), err)
	}

	go func() {
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			_ = pw.CloseWithError(fmt.Errorf("docker %s: %w", subcommand(args), err))
			return
		}
		_ = pw.Close()
	}()

	return &processReader{PipeReader: pr, cancel: cancel}, nil
}

type processReader struct {
	*io.PipeReader
	cancel context.CancelFunc
	once   sync.Once
}

func (p *processReader) Close() error {
	p.once.Do(p.cancel)
	return p.PipeReader.Close()
}

func subcommand(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
