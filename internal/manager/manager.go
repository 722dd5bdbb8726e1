// Package manager wires the subsystems into the running service.
package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/pool"

	"github.com/mcmanager/manager/internal/clock"
	"github.com/mcmanager/manager/internal/config"
	"github.com/mcmanager/manager/internal/docker"
	"github.com/mcmanager/manager/internal/lifecycle"
	"github.com/mcmanager/manager/internal/network"
	"github.com/mcmanager/manager/internal/notify"
	"github.com/mcmanager/manager/internal/queue"
	"github.com/mcmanager/manager/internal/readiness"
	"github.com/mcmanager/manager/internal/server"
	"github.com/mcmanager/manager/internal/storage"
)

// Manager is the top-level application that orchestrates all subsystems.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *storage.Store
	docker     *docker.Client
	bridge     *notify.Bridge
	queue      *queue.Queue
	service    *lifecycle.Service
	reconciler *lifecycle.Reconciler
	httpServer *server.Server
}

// New opens the database and wires every subsystem. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	dbPath, fellBack := config.ResolvePath(cfg.DatabasePath, "manager.db")
	if fellBack {
		logger.Warn("database directory not writable, using fallback", "preferred", cfg.DatabasePath, "path", dbPath)
	}
	store, err := storage.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	clk := clock.Real()
	dockerClient := docker.NewClient(docker.NewCLIRunner(cfg.DockerBinary, cfg.DockerHost), logger)
	detector := readiness.New(dockerClient, clk, logger, readiness.Config{
		Sentinel:    cfg.ReadySentinel,
		IdleTimeout: cfg.ReadyIdleTimeout,
		TailLines:   cfg.ReadyTailLines,
	})
	bridge := notify.NewBridge(logger)

	worker := lifecycle.NewWorker(store, dockerClient, detector, bridge, clk, logger)
	q := queue.New(queue.NewSQLiteBackend(store.DB()), worker.Handle, clk, logger, queue.Options{
		Name:         cfg.QueueName,
		Concurrency:  cfg.QueueConcurrency,
		MaxAttempts:  cfg.QueueMaxAttempts,
		Backoff:      cfg.QueueBackoff,
		PollInterval: cfg.QueuePollInterval,
	})
	q.OnEvent(worker.Settled)

	// Probing the host only makes sense when the daemon is local.
	ports := network.NewPortAllocator(cfg.BasePort, cfg.DockerHost == "")

	service := lifecycle.NewService(store, dockerClient, q, ports, clk, logger, lifecycle.ServiceOptions{
		Image:           cfg.Image,
		ContainerPrefix: cfg.ContainerPrefix,
		DataDir:         cfg.DataDir,
	})

	return &Manager{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		docker:     dockerClient,
		bridge:     bridge,
		queue:      q,
		service:    service,
		reconciler: lifecycle.NewReconciler(store, dockerClient, logger),
		httpServer: server.NewServer(cfg.HTTPAddr, server.NewHandler(service, bridge, logger), cfg.APIKey, logger),
	}, nil
}

// Reconcile corrects stored statuses against the containers that exist.
func (m *Manager) Reconcile(ctx context.Context) (lifecycle.ReconcileReport, error) {
	return m.reconciler.Run(ctx)
}

// Run reconciles, then serves the API and works the queue until ctx is
// cancelled or either fails.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	m.logger.Info("manager ready",
		"version", config.Version,
		"addr", m.cfg.HTTPAddr,
		"queue", m.queue.Name(),
		"docker_host", m.cfg.DockerHost,
	)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		if err := m.queue.Run(ctx); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		if err := m.httpServer.Run(ctx, m.cfg.ShutdownTimeout); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	err := p.Wait()
	m.logger.Info("manager stopped")
	return err
}

// Close releases the database.
func (m *Manager) Close() error {
	return m.store.Close()
}
