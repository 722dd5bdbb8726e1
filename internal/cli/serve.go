package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcmanager/manager/internal/config"
	"github.com/mcmanager/manager/internal/manager"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the manager: HTTP API, start-job queue and readiness watcher",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := config.NewLogger(cfg, "manager")
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	logger.Info("starting mcmanager",
		"version", config.Version,
		"build_time", config.BuildTime,
		"debug", cfg.Debug,
	)

	// Create context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, err := manager.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create manager", "err", err)
		return err
	}
	defer m.Close()

	if err := m.Run(ctx); err != nil {
		logger.Error("manager exited with error", "err", err)
		return err
	}
	logger.Info("manager stopped cleanly")
	return nil
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Correct stored server statuses against running containers, then exit",
		Long: `Reconcile marks every server whose container is no longer running as STOPPED.
"serve" does this on every boot; run it by hand only while the manager is down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			logger, err := config.NewLogger(cfg, "reconcile")
			if err != nil {
				return fmt.Errorf("logger error: %w", err)
			}
			ctx := cmd.Context()
			m, err := manager.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer m.Close()

			report, err := m.Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d servers, corrected %d\n", report.Checked, report.Corrected)
			return nil
		},
	}
}
