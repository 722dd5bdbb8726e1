package docker

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/mcmanager/manager/internal/domain"
)

// ExecResult is the captured output of one console command.
type ExecResult struct {
	Command string `json:"command"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Exec sends one command to the server's administrative console and
// returns its output.
func (c *Client) Exec(ctx context.Context, ref, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty console command")
	}

	args := append([]string{"exec", ref}, c.console...)
	args = append(args, strings.Fields(command)...)
	out, err := c.runner.Run(ctx, args...)
	if err != nil {
		c.logger.Warn("console command failed",
			"container_id", domain.ShortRef(ref),
			"cmd", command,
			"err", err,
		)
		return strings.TrimSpace(string(out)), err
	}
	return strings.TrimSpace(string(out)), nil
}

// ReadFile returns the contents of a file inside a running container. A
// missing file yields an error wrapping fs.ErrNotExist.
func (c *Client) ReadFile(ctx context.Context, ref, path string) ([]byte, error) {
	out, err := c.runner.Run(ctx, "exec", ref, "cat", path)
	if err != nil {
		if strings.Contains(err.Error(), "No such file") {
			return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// ExecAll runs commands one after another. Every command runs even if an
// earlier one failed; each result carries its own output and error.
func (c *Client) ExecAll(ctx context.Context, ref string, commands []string) ([]ExecResult, error) {
	results := make([]ExecResult, 0, len(commands))
	var failed int
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		out, err := c.Exec(ctx, ref, cmd)
		res := ExecResult{Command: cmd, Output: out}
		if err != nil {
			res.Error = err.Error()
			failed++
		}
		results = append(results, res)
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d console commands failed", failed, len(commands))
	}
	return results, nil
}
