// Package cli implements the mcmanager command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mcmanager/manager/internal/client"
	"github.com/mcmanager/manager/internal/config"
)

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcmanager",
		Short: "On-demand Minecraft server manager",
		Long: `mcmanager provisions Minecraft servers in Docker containers, starts them
through a persistent job queue and reports when each one is ready for players.

Run "mcmanager serve" on the host; the other commands talk to it over HTTP.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("url", "", "manager URL (default $MANAGER_URL)")
	root.PersistentFlags().String("api-key", "", "API key (default $MANAGER_API_KEY)")

	root.AddCommand(
		newServeCommand(),
		newReconcileCommand(),
		newServerCommand(),
		newTaskCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcmanager %s (built %s)\n", config.Version, config.BuildTime)
		},
	}
}

// apiClient builds a client from the environment, overridden by flags.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	url, apiKey := cfg.ServerURL, cfg.APIKey
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		url = v
	}
	if v, _ := cmd.Flags().GetString("api-key"); v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("an API key is required: set MANAGER_API_KEY or --api-key")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return client.New(url, apiKey, logger), nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid server id %q", arg)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
