package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mcps/internal/api"
	"mcps/internal/daemonctl"
	"mcps/internal/daemonrun"
)

const stopGrace = 5 * time.Second

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the pooling daemon",
	}
	daemonCmd.AddCommand(
		newDaemonStartCommand(ctx),
		newDaemonStopCommand(ctx),
		newDaemonRestartCommand(ctx),
		newDaemonStatusCommand(ctx),
		newDaemonReconnectCommand(ctx),
		newDaemonRunCommand(ctx),
	)
	return daemonCmd
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, result, err := ctx.ensureDaemon(cmd.Context())
			if err != nil {
				return err
			}
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintf(stdout, "Daemon started on %s\n", client.BaseURL())
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running on %s\n", client.BaseURL())
			}
			if result.Status != nil {
				printConnectionSummary(stdout, result.Status)
			}
			return nil
		},
	}
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon and every server it spawned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, err := ctx.client()
			if err != nil {
				return err
			}
			result, err := daemonctl.StopAndWait(cmd.Context(), client, ctx.configValue().PIDPath(), stopGrace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Daemon did not exit in %s; killed pid %d\n", stopGrace, result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}
}

func newDaemonRestartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, err := ctx.client()
			if err != nil {
				return err
			}
			opts := ctx.launchOptions()
			result, err := daemonctl.Restart(
				cmd.Context(),
				client,
				ctx.configValue().PIDPath(),
				func() error { return launchDaemon(opts) },
				stopGrace,
				ctx.startTimeout(),
			)
			if err != nil {
				return err
			}
			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Killed daemon process (pid %d)\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintln(stdout, "Daemon restarted")
			if result.Start.Status != nil {
				printConnectionSummary(stdout, result.Start.Status)
			}
			return nil
		},
	}
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and pooled connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Probe(cmd.Context())
			if daemonctl.IsNotRunning(err) {
				if jsonOutput {
					return writeJSON(cmd, map[string]any{"status": "stopped"})
				}
				fmt.Fprintf(stdout, "Daemon is not running (%s)\n", client.BaseURL())
				return nil
			}
			if err != nil {
				return err
			}
			if detailed, err := client.Details(cmd.Context()); err == nil {
				status = detailed
			}
			if jsonOutput {
				return writeJSON(cmd, status)
			}
			renderDaemonStatus(stdout, status, shouldColorize(stdout))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	return cmd
}

func newDaemonReconnectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect [server]",
		Short: "Reconnect one server, or every enabled server, inside the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			server := ""
			if len(args) == 1 {
				server = args[0]
			}
			message, err := client.Restart(cmd.Context(), server)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), message)
			return nil
		},
	}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel: cfg.LogLevel(),
				Stdout:   true,
			})
		},
	}
}

func renderDaemonStatus(out io.Writer, status *api.StatusResponse, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	phase := "ready"
	switch {
	case status.Initializing:
		phase = "initializing"
	case !status.Initialized:
		phase = "starting"
	}
	fmt.Fprintln(out, renderKeyValue("Status", statusLabel(status.Status, colorize)))
	fmt.Fprintln(out, renderKeyValue("Phase", statusLabel(phase, colorize)))
	fmt.Fprintln(out, renderKeyValue("Version", status.Version))
	fmt.Fprintln(out, renderKeyValue("PID", strconv.Itoa(status.PID)))
	if status.Port > 0 {
		fmt.Fprintln(out, renderKeyValue("Port", strconv.Itoa(status.Port)))
	}
	if status.StartedAt != "" {
		fmt.Fprintln(out, renderKeyValue("Started", status.StartedAt))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Connections", colorize) {
		fmt.Fprintln(out, line)
	}
	if len(status.Connections) == 0 {
		fmt.Fprintln(out, "No active connections")
		return
	}
	rows := make([][]string, 0, len(status.Connections))
	for _, conn := range status.Connections {
		rows = append(rows, []string{conn.Name, toolsCount(conn.ToolsCount), statusLabel(conn.Status, colorize), formatPIDs(conn.PIDs)})
	}
	fmt.Fprintln(out, renderTable([]string{"Server", "Tools", "Status", "PIDs"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft, alignLeft}))
}

func printConnectionSummary(out io.Writer, status *api.StatusResponse) {
	connected := 0
	for _, conn := range status.Connections {
		if conn.Status == "connected" {
			connected++
		}
	}
	fmt.Fprintf(out, "%d of %d server(s) connected\n", connected, len(status.Connections))
}

func toolsCount(count *int) string {
	if count == nil {
		return "-"
	}
	return strconv.Itoa(*count)
}

func formatPIDs(pids []int) string {
	if len(pids) == 0 {
		return "-"
	}
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = strconv.Itoa(pid)
	}
	return strings.Join(parts, ",")
}
