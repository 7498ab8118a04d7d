package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"mcps/internal/mcpclient"
)

func newToolsCommand(ctx *commandContext) *cobra.Command {
	var (
		filters    []string
		simple     bool
		jsonOutput bool
		direct     bool
	)
	cmd := &cobra.Command{
		Use:   "tools <server>",
		Short: "List the tools a server exposes",
		Long: `List the tools a server exposes, through the daemon unless --direct is set.

--tool accepts substrings or glob patterns (for example "read_*" or "*file*")
and may be repeated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := args[0]
			store, err := ctx.servers()
			if err != nil {
				return err
			}
			if _, err := store.Get(server); err != nil {
				return err
			}

			tools, err := listTools(cmd.Context(), ctx, server, direct)
			if err != nil {
				return fmt.Errorf("failed to list tools: %w", err)
			}
			tools, err = filterTools(tools, filters)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if tools == nil {
					tools = []mcpclient.Tool{}
				}
				return writeJSON(cmd, tools)
			}
			if len(tools) == 0 {
				fmt.Fprintln(out, "No tools found.")
				return nil
			}
			if simple {
				for _, tool := range tools {
					fmt.Fprintln(out, tool.Name)
				}
				fmt.Fprintf(out, "\nTotal: %d tool(s)\n", len(tools))
				return nil
			}
			printTools(out, server, tools)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&filters, "tool", "t", nil, "Filter tools by name substring or glob (repeatable)")
	cmd.Flags().BoolVarP(&simple, "simple", "s", false, "Show only tool names")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output raw JSON")
	cmd.Flags().BoolVar(&direct, "direct", false, "Connect to the server directly instead of through the daemon")
	return cmd
}

func listTools(ctx context.Context, cmdCtx *commandContext, server string, direct bool) ([]mcpclient.Tool, error) {
	if direct {
		var tools []mcpclient.Tool
		err := cmdCtx.withDirect(ctx, server, func(conn mcpclient.Conn) error {
			var listErr error
			tools, listErr = conn.ListTools(ctx)
			return listErr
		})
		return tools, err
	}
	client, _, err := cmdCtx.ensureDaemon(ctx)
	if err != nil {
		return nil, err
	}
	return client.ListTools(ctx, server)
}

// filterTools keeps tools matching any filter. Filters with glob syntax are
// matched against the whole name; others match as substrings. Matching is
// case-insensitive.
func filterTools(tools []mcpclient.Tool, filters []string) ([]mcpclient.Tool, error) {
	patterns := make([]string, 0, len(filters))
	for _, f := range filters {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if !doublestar.ValidatePattern(f) {
			return nil, fmt.Errorf("invalid --tool pattern %q", f)
		}
		patterns = append(patterns, f)
	}
	if len(patterns) == 0 {
		return tools, nil
	}

	var kept []mcpclient.Tool
	for _, tool := range tools {
		name := strings.ToLower(tool.Name)
		for _, pattern := range patterns {
			if toolNameMatches(pattern, name) {
				kept = append(kept, tool)
				break
			}
		}
	}
	return kept, nil
}

func toolNameMatches(pattern, name string) bool {
	if strings.ContainsAny(pattern, "*?[{") {
		ok, err := doublestar.Match(pattern, name)
		return err == nil && ok
	}
	return strings.Contains(name, pattern)
}

// schemaNode is the subset of JSON Schema rendered by printTools.
type schemaNode struct {
	Type        json.RawMessage        `json:"type"`
	Description string                 `json:"description"`
	Properties  map[string]*schemaNode `json:"properties"`
	Required    []string               `json:"required"`
	Items       *schemaNode            `json:"items"`
	Enum        []json.RawMessage      `json:"enum"`
}

// typeName renders "string", "string|null", or "any".
func (n *schemaNode) typeName() string {
	if n == nil || len(n.Type) == 0 {
		return "any"
	}
	var single string
	if json.Unmarshal(n.Type, &single) == nil && single != "" {
		return single
	}
	var many []string
	if json.Unmarshal(n.Type, &many) == nil && len(many) > 0 {
		return strings.Join(many, "|")
	}
	return "any"
}

func printTools(out io.Writer, server string, tools []mcpclient.Tool) {
	fmt.Fprintf(out, "Available tools for %s:\n", server)
	for _, tool := range tools {
		fmt.Fprintf(out, "\n- %s\n", tool.Name)
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			fmt.Fprintf(out, "  %s\n", desc)
		}
		fmt.Fprintln(out, "  Arguments:")
		var schema schemaNode
		if len(tool.InputSchema) == 0 || json.Unmarshal(tool.InputSchema, &schema) != nil || len(schema.Properties) == 0 {
			fmt.Fprintln(out, "    None")
			continue
		}
		printProperties(out, &schema, 2)
	}
	fmt.Fprintf(out, "\nTotal: %d tool(s)\n", len(tools))
}

func printProperties(out io.Writer, parent *schemaNode, indent int) {
	required := make(map[string]bool, len(parent.Required))
	for _, name := range parent.Required {
		required[name] = true
	}
	names := make([]string, 0, len(parent.Properties))
	for name := range parent.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	pad := strings.Repeat("  ", indent)
	for _, name := range names {
		prop := parent.Properties[name]
		mark := ""
		if required[name] {
			mark = "*"
		}
		desc := ""
		if prop != nil && strings.TrimSpace(prop.Description) != "" {
			desc = " (" + strings.TrimSpace(prop.Description) + ")"
		}
		if prop != nil && prop.typeName() == "object" && len(prop.Properties) > 0 {
			fmt.Fprintf(out, "%s%s%s: object%s\n", pad, name, mark, desc)
			printProperties(out, prop, indent+1)
			continue
		}
		fmt.Fprintf(out, "%s%s%s: %s%s\n", pad, name, mark, describeType(prop), desc)
	}
}

func describeType(node *schemaNode) string {
	info := node.typeName()
	if node == nil {
		return info
	}
	if info == "array" && node.Items != nil {
		info = "array of " + node.Items.typeName()
	}
	if len(node.Enum) > 0 {
		values := make([]string, 0, len(node.Enum))
		for _, raw := range node.Enum {
			values = append(values, string(raw))
		}
		info += " [" + strings.Join(values, ", ") + "]"
	}
	return info
}
