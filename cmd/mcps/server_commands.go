package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mcps/internal/config"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured servers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.servers()
			if err != nil {
				return err
			}
			file, err := store.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if jsonOutput {
				entries := make([]serverJSON, 0, len(file.Servers))
				for _, desc := range file.Servers {
					entries = append(entries, toServerJSON(desc))
				}
				return writeJSON(cmd, entries)
			}

			if len(file.Servers) == 0 && len(file.Invalid) == 0 {
				fmt.Fprintf(out, "No servers configured in %s\n", store.Path())
				fmt.Fprintln(out, "Add one with `mcps add <name> --command <cmd>` or `mcps add <name> --url <url>`.")
				return nil
			}

			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(file.Servers)+len(file.Invalid))
			for _, desc := range file.Servers {
				status := "enabled"
				if desc.Disabled {
					status = "disabled"
				}
				rows = append(rows, []string{desc.Name, desc.Kind.Label(), truncate(desc.Target(), 60), statusLabel(status, colorize)})
			}
			invalid := make([]string, 0, len(file.Invalid))
			for name := range file.Invalid {
				invalid = append(invalid, name)
			}
			sort.Strings(invalid)
			for _, name := range invalid {
				rows = append(rows, []string{name, "-", truncate(file.Invalid[name].Error(), 60), statusLabel("invalid", colorize)})
			}
			fmt.Fprintln(out, renderTable([]string{"Name", "Type", "Target", "Status"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

type serverJSON struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	URL      string            `json:"url,omitempty"`
	Disabled bool              `json:"disabled"`
}

func toServerJSON(desc config.ServerDescriptor) serverJSON {
	return serverJSON{
		Name:     desc.Name,
		Type:     desc.Kind.Label(),
		Command:  desc.Command,
		Args:     desc.Args,
		Env:      desc.Env,
		Cwd:      desc.Cwd,
		URL:      desc.URL,
		Disabled: desc.Disabled,
	}
}

// serverFlags are shared by add and update.
type serverFlags struct {
	kind    string
	command string
	args    []string
	env     []string
	cwd     string
	url     string
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.kind, "type", "t", "", "Server type: stdio, http, or sse (detected when omitted)")
	cmd.Flags().StringVar(&f.command, "command", "", "Command to spawn for stdio servers")
	cmd.Flags().StringSliceVar(&f.args, "args", nil, "Command arguments (comma separated, or after --)")
	cmd.Flags().StringArrayVarP(&f.env, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Working directory for stdio servers")
	cmd.Flags().StringVar(&f.url, "url", "", "Endpoint for http and sse servers")
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q (expected KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}

func newAddCommand(ctx *commandContext) *cobra.Command {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:   "add <name> [-- args...]",
		Short: "Add a server to mcp.json",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.servers()
			if err != nil {
				return err
			}
			env, err := parseEnvPairs(flags.env)
			if err != nil {
				return err
			}
			desc := config.ServerDescriptor{
				Name:    strings.TrimSpace(args[0]),
				Command: flags.command,
				Args:    append(append([]string(nil), flags.args...), args[1:]...),
				Env:     env,
				Cwd:     flags.cwd,
				URL:     flags.url,
			}
			if strings.TrimSpace(flags.kind) != "" {
				kind, err := config.ParseKind(flags.kind)
				if err != nil {
					return err
				}
				desc.Kind = kind
			} else {
				desc.Kind = config.DetectKind(flags.url)
			}
			if err := store.Add(desc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s server %q\n", desc.Kind.Label(), desc.Name)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a server from mcp.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.servers()
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed server %q\n", args[0])
			return nil
		},
	}
}

func newUpdateCommand(ctx *commandContext) *cobra.Command {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:   "update <name> [-- args...]",
		Short: "Change fields of a configured server",
		Long:  "Change fields of a configured server. Only the flags given are changed; --env KEY= removes a variable.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.servers()
			if err != nil {
				return err
			}
			var update config.ServerUpdate
			changed := cmd.Flags().Changed
			if changed("type") {
				kind, err := config.ParseKind(flags.kind)
				if err != nil {
					return err
				}
				update.Kind = &kind
			}
			if changed("command") {
				update.Command = &flags.command
			}
			if changed("args") || len(args) > 1 {
				update.Args = append(append([]string{}, flags.args...), args[1:]...)
			}
			if changed("env") {
				env, err := parseEnvPairs(flags.env)
				if err != nil {
					return err
				}
				update.Env = env
			}
			if changed("cwd") {
				update.Cwd = &flags.cwd
			}
			if changed("url") {
				update.URL = &flags.url
			}
			if !anyChanged(cmd, "type", "command", "args", "env", "cwd", "url") && len(args) == 1 {
				return fmt.Errorf("nothing to update; pass at least one of --type, --command, --args, --env, --cwd, --url")
			}

			desc, err := store.Update(args[0], update)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated server %q (%s: %s)\n", desc.Name, desc.Kind.Label(), desc.Target())
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newEnableCommand(ctx *commandContext, enable bool) *cobra.Command {
	use, short, verb := "enable <name>", "Enable a server", "Enabled"
	if !enable {
		use, short, verb = "disable <name>", "Disable a server without removing it", "Disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.servers()
			if err != nil {
				return err
			}
			if err := store.SetDisabled(args[0], !enable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s server %q\n", verb, args[0])
			return nil
		},
	}
}

func anyChanged(cmd *cobra.Command, names ...string) bool {
	for _, name := range names {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if limit <= 3 || len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}
