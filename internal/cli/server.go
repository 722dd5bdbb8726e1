package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mcmanager/manager/internal/client"
	"github.com/mcmanager/manager/internal/domain"
	"github.com/mcmanager/manager/internal/lifecycle"
)

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"servers", "srv"},
		Short:   "Manage Minecraft servers",
	}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a server and queue its first start",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerCreate,
	}
	create.Flags().String("version", "LATEST", "Minecraft version")
	addPropertyFlags(create.Flags())
	addWaitFlags(create.Flags())

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List servers",
		Args:    cobra.NoArgs,
		RunE:    runServerList,
	}

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a server and its container state",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerGet,
	}

	start := &cobra.Command{
		Use:   "start ID",
		Short: "Queue a start job",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerStart,
	}
	addWaitFlags(start.Flags())

	restart := &cobra.Command{
		Use:   "restart ID",
		Short: "Stop the container and queue a start job",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerStart,
	}
	addWaitFlags(restart.Flags())

	stop := &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a server",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerStop,
	}

	del := &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a server and remove its container",
		Args:    cobra.ExactArgs(1),
		RunE:    runServerDelete,
	}
	del.Flags().Bool("force", false, "delete even while the server is running")

	update := &cobra.Command{
		Use:   "update ID",
		Short: "Change a stopped server's version or properties",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerUpdate,
	}
	update.Flags().String("version", "", "Minecraft version")
	addPropertyFlags(update.Flags())

	logs := &cobra.Command{
		Use:   "logs ID",
		Short: "Print the tail of a server's log",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerLogs,
	}
	logs.Flags().Int("tail", 100, "number of lines")

	exec := &cobra.Command{
		Use:   "exec ID COMMAND...",
		Short: "Run console commands",
		Long:  "Each argument is sent to the server console as one command.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runServerExec,
	}

	op := &cobra.Command{
		Use:   "op ID PLAYER",
		Short: "Grant or revoke operator status",
		Args:  cobra.ExactArgs(2),
		RunE:  runServerOp,
	}
	op.Flags().Bool("revoke", false, "revoke instead of grant")

	ops := &cobra.Command{
		Use:   "ops ID",
		Short: "List operators",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerOps,
	}

	save := &cobra.Command{
		Use:   "save ID",
		Short: "Flush the world to disk",
		Args:  cobra.ExactArgs(1),
		RunE:  runServerSave,
	}

	cmd.AddCommand(create, list, get, start, restart, stop, del, update, logs, exec, op, ops, save)
	return cmd
}

func addPropertyFlags(fs *pflag.FlagSet) {
	fs.String("motd", "", "message of the day")
	fs.String("level-name", "", "world name")
	fs.Int("max-players", 0, "player limit")
	fs.String("difficulty", "", "peaceful, easy, normal or hard")
	fs.Int("view-distance", 0, "view distance in chunks")
}

func addWaitFlags(fs *pflag.FlagSet) {
	fs.Bool("wait", false, "block until the server is ready")
	fs.Duration("wait-timeout", 10*time.Minute, "give up waiting after this long")
}

func propertiesFrom(fs *pflag.FlagSet) domain.Properties {
	var p domain.Properties
	p.MOTD, _ = fs.GetString("motd")
	p.LevelName, _ = fs.GetString("level-name")
	p.MaxPlayers, _ = fs.GetInt("max-players")
	p.Difficulty, _ = fs.GetString("difficulty")
	p.ViewDistance, _ = fs.GetInt("view-distance")
	return p
}

// waitIfAsked follows a start job to completion when --wait is set.
func waitIfAsked(cmd *cobra.Command, c *client.Client, id int64, jobID string) error {
	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		return nil
	}
	timeout, _ := cmd.Flags().GetDuration("wait-timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "waiting for server %d (job %s)...\n", id, jobID)
	if _, err := c.WaitReady(ctx, id, jobID); err != nil {
		return fmt.Errorf("server %d did not become ready: %w", id, err)
	}
	fmt.Fprintf(out, "server %d is ready\n", id)
	return nil
}

func runServerCreate(cmd *cobra.Command, args []string) error {
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	version, _ := cmd.Flags().GetString("version")
	created, err := c.CreateServer(cmd.Context(), lifecycle.CreateRequest{
		Name:       args[0],
		Version:    version,
		Properties: propertiesFrom(cmd.Flags()),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created server %d %q on port %d, start job %s\n",
		created.Server.ID, created.Server.Name, created.Server.Port, created.JobID)
	return waitIfAsked(cmd, c, created.Server.ID, created.JobID)
}

func runServerList(cmd *cobra.Command, args []string) error {
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	list, err := c.ListServers(cmd.Context())
	if err != nil {
		return err
	}
	writeServerTable(cmd.OutOrStdout(), list)
	return nil
}

func writeServerTable(w io.Writer, list []domain.Instance) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPORT\tVERSION\tCONTAINER")
	for _, inst := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			inst.ID, inst.Name, inst.Status, inst.Port, inst.Version, inst.ShortRef())
	}
	tw.Flush()
}

func runServerGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	view, err := c.GetServer(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), view)
}

// runServerStart serves both start and restart.
func runServerStart(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	var jobID string
	if cmd.Name() == "restart" {
		jobID, err = c.RestartServer(cmd.Context(), id)
	} else {
		jobID, err = c.StartServer(cmd.Context(), id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s job %s for server %d\n", cmd.Name(), jobID, id)
	return waitIfAsked(cmd, c, id, jobID)
}

func runServerStop(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	inst, err := c.StopServer(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "server %d is %s\n", inst.ID, inst.Status)
	return nil
}

func runServerDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	if err := c.DeleteServer(cmd.Context(), id, force); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted server %d\n", id)
	return nil
}

func runServerUpdate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	version, _ := cmd.Flags().GetString("version")
	inst, err := c.UpdateServer(cmd.Context(), id, lifecycle.UpdateRequest{
		Version:    version,
		Properties: propertiesFrom(cmd.Flags()),
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), inst)
}

func runServerLogs(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	tail, _ := cmd.Flags().GetInt("tail")
	logs, err := c.Logs(cmd.Context(), id, tail)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), logs)
	return nil
}

func runServerExec(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	results, err := c.Exec(cmd.Context(), id, args[1:])
	out := cmd.OutOrStdout()
	for _, r := range results {
		fmt.Fprintf(out, "> %s\n", r.Command)
		if r.Error != "" {
			fmt.Fprintf(out, "error: %s\n", r.Error)
			continue
		}
		if s := strings.TrimRight(r.Output, "\n"); s != "" {
			fmt.Fprintln(out, s)
		}
	}
	return err
}

func runServerOp(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	revoke, _ := cmd.Flags().GetBool("revoke")
	out, err := c.Operator(cmd.Context(), id, args[1], revoke)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(out))
	return nil
}

func runServerOps(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	ops, err := c.ListOperators(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ops) == 0 {
		fmt.Fprintln(out, "no operators")
		return nil
	}
	for _, o := range ops {
		fmt.Fprintf(out, "%s\tlevel %d\t%s\n", o.Name, o.Level, o.UUID)
	}
	return nil
}

func runServerSave(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := apiClient(cmd)
	if err != nil {
		return err
	}
	out, err := c.SaveWorld(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(out))
	return nil
}
