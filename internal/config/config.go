package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds the manager configuration loaded from environment variables.
type Config struct {
	// Debug enables verbose logging and gin debug mode.
	Debug bool `env:"MANAGER_DEBUG"`

	// LogDir is the directory for log files. Empty logs to stdout only.
	LogDir string `env:"MANAGER_LOG_DIR" envDefault:"/var/log/mcmanager"`

	// HTTPAddr is the listen address of the API.
	HTTPAddr string `env:"MANAGER_HTTP_ADDR" envDefault:"0.0.0.0:4011"`

	// APIKey is the shared secret clients send in X-API-Key.
	APIKey string `env:"MANAGER_API_KEY"`

	// ServerURL is where CLI commands reach a running manager.
	ServerURL string `env:"MANAGER_URL" envDefault:"http://127.0.0.1:4011"`

	// DatabasePath is the SQLite file holding servers and queued jobs.
	DatabasePath string `env:"MANAGER_DATABASE" envDefault:"/var/lib/mcmanager/manager.db"`

	// DataDir is the root of per-server world directories mounted at /data.
	DataDir string `env:"MANAGER_DATA_DIR" envDefault:"/var/lib/mcmanager/servers"`

	// DockerHost addresses a remote daemon, e.g. tcp://10.0.0.5:2375.
	DockerHost string `env:"DOCKER_HOST"`

	// DockerBinary is the docker CLI executable.
	DockerBinary string `env:"MANAGER_DOCKER_BINARY" envDefault:"docker"`

	// Image is the game-server image every container is created from.
	Image string `env:"MANAGER_IMAGE" envDefault:"itzg/minecraft-server"`

	// ContainerPrefix prefixes container names (<prefix>-<server id>).
	ContainerPrefix string `env:"MANAGER_CONTAINER_PREFIX" envDefault:"mcmanager"`

	// BasePort is the first external port handed to a server.
	BasePort int `env:"MANAGER_BASE_PORT" envDefault:"25565"`

	ReadySentinel    string        `env:"MANAGER_READY_SENTINEL" envDefault:"RCON running on 0.0.0.0:25575"`
	ReadyIdleTimeout time.Duration `env:"MANAGER_READY_IDLE_TIMEOUT" envDefault:"90s"`
	ReadyTailLines   int           `env:"MANAGER_READY_TAIL_LINES" envDefault:"100"`

	QueueName         string        `env:"MANAGER_QUEUE_NAME" envDefault:"initialize-server"`
	QueueConcurrency  int           `env:"MANAGER_QUEUE_CONCURRENCY" envDefault:"3"`
	QueueMaxAttempts  int           `env:"MANAGER_QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	QueueBackoff      time.Duration `env:"MANAGER_QUEUE_BACKOFF" envDefault:"1s"`
	QueuePollInterval time.Duration `env:"MANAGER_QUEUE_POLL_INTERVAL" envDefault:"250ms"`

	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration `env:"MANAGER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// DefaultConfig returns a Config populated with the defaults alone,
// ignoring the process environment.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads configuration from environment variables, applying defaults
// for anything not explicitly set.
func Load() (*Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	return cfg, nil
}

// ValidateServer checks what `serve` needs beyond the defaults.
func (c *Config) ValidateServer() error {
	if c.APIKey == "" {
		return fmt.Errorf("MANAGER_API_KEY is required")
	}
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("MANAGER_QUEUE_CONCURRENCY must be at least 1")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("MANAGER_QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		return fmt.Errorf("MANAGER_BASE_PORT out of range: %d", c.BasePort)
	}
	return nil
}

// NewLogger creates a structured logger that writes to stdout and, when
// LogDir is set, to <LogDir>/<name>.log (or ~/.mcmanager/logs/<name>.log
// when LogDir cannot be created).
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	var out io.Writer = os.Stdout
	if cfg.LogDir != "" {
		logPath, _ := ResolvePath(filepath.Join(cfg.LogDir, name+".log"), filepath.Join("logs", name+".log"))
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", logPath, err)
		}
		out = io.MultiWriter(os.Stdout, file)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("version", Version), nil
}
