package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mcps/internal/daemonctl"
	"mcps/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		server     string
		limit      int
		jsonOutput bool
		clear      bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent tool calls made through the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if clear {
				store, err := history.Open(cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				removed, err := store.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Cleared %d call(s)\n", removed)
				return nil
			}

			calls, err := loadHistory(cmd, ctx, server, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if calls == nil {
					calls = []history.Call{}
				}
				return writeJSON(cmd, calls)
			}
			if len(calls) == 0 {
				fmt.Fprintln(out, "No calls recorded")
				return nil
			}

			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(calls))
			for _, call := range calls {
				rows = append(rows, []string{
					call.StartedAt.Local().Format("2006-01-02 15:04:05"),
					call.Server,
					call.Tool,
					statusLabel(string(call.Outcome), colorize),
					formatDuration(call.Duration),
					truncate(call.Error, 50),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Time", "Server", "Tool", "Outcome", "Duration", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "", "Only show calls to this server")
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "Maximum number of calls to show")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	cmd.Flags().BoolVar(&clear, "clear", false, "Delete all recorded calls")
	return cmd
}

// loadHistory asks the running daemon, or reads the database directly when
// no daemon is up.
func loadHistory(cmd *cobra.Command, ctx *commandContext, server string, limit int) ([]history.Call, error) {
	client, err := ctx.client()
	if err != nil {
		return nil, err
	}
	calls, err := client.History(cmd.Context(), server, limit)
	if err == nil || !daemonctl.IsNotRunning(err) {
		return calls, err
	}

	cfg := ctx.configValue()
	store, err := history.Open(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Recent(cmd.Context(), history.Query{Server: server, Limit: limit})
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
	return d.Round(10 * time.Millisecond).String()
}
