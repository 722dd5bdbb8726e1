package cli

import (
	"github.com/spf13/cobra"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"job"},
		Short:   "Inspect start jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's state, attempts and last error",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskStatus,
	})
	return cmd
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	info, err := c.TaskStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), info)
}
