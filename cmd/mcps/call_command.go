package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mcps/internal/daemonctl"
	"mcps/internal/jsonval"
	"mcps/internal/mcpclient"
)

func newCallCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var direct bool
	cmd := &cobra.Command{
		Use:   "call <server> <tool> [key=value ...]",
		Short: "Call a tool on a server",
		Long: `Call a tool on a server. Arguments are key=value pairs.

Values are parsed as JSON when possible (numbers, booleans, null, arrays,
objects) and otherwise passed as strings. The call goes through the daemon,
which is started on demand; when it cannot be started the server is
contacted directly.`,
		Example: `  mcps call my-server echo message="Hello World"
  mcps call my-server add a=10 b=20
  mcps call my-server createUser user='{"name":"Alice","age":30}'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, tool := args[0], args[1]
			params, skipped := jsonval.ParseAssignments(args[2:])
			for _, arg := range skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "warn: ignoring argument %q (expected key=value)\n", arg)
			}

			result, err := callTool(cmd.Context(), ctx, cmd.ErrOrStderr(), server, tool, params, direct)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), result, jsonOutput); err != nil {
				return err
			}
			if result.IsError {
				return &exitError{reason: fmt.Sprintf("tool %s reported an error", tool)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Print the raw result as JSON")
	cmd.Flags().BoolVar(&direct, "direct", false, "Connect to the server directly instead of through the daemon")
	return cmd
}

// callTool prefers the daemon and falls back to a direct session only when
// no daemon can be reached. Errors reported by a running daemon are final.
func callTool(ctx context.Context, cmdCtx *commandContext, stderr io.Writer, server, tool string, params jsonval.Object, direct bool) (*mcpclient.CallResult, error) {
	if !direct {
		client, _, err := cmdCtx.ensureDaemon(ctx)
		if err == nil {
			result, callErr := client.Call(ctx, server, tool, params)
			if callErr == nil || !daemonctl.IsNotRunning(callErr) {
				return result, callErr
			}
			err = callErr
		}
		var daemonErr *daemonctl.DaemonError
		if errors.As(err, &daemonErr) {
			return nil, err
		}
		fmt.Fprintf(stderr, "Daemon unavailable (%v); calling %s directly\n", err, server)
	}

	var result *mcpclient.CallResult
	err := cmdCtx.withDirect(ctx, server, func(conn mcpclient.Conn) error {
		var callErr error
		result, callErr = conn.CallTool(ctx, tool, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}
	return result, nil
}

// printResult renders text content as-is, images and resources as
// placeholders, and anything else as indented JSON.
func printResult(out io.Writer, result *mcpclient.CallResult, jsonOutput bool) error {
	if jsonOutput || len(result.Content) == 0 {
		if !jsonOutput && len(result.StructuredContent) > 0 {
			return printIndented(out, result.StructuredContent)
		}
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		return printIndented(out, data)
	}

	for _, item := range result.Content {
		switch item.Type {
		case "text":
			fmt.Fprintln(out, item.Text)
		case "image":
			fmt.Fprintf(out, "[Image: %s]\n", item.MIMEType)
		case "audio":
			fmt.Fprintf(out, "[Audio: %s]\n", item.MIMEType)
		case "resource":
			uri := item.URI
			if item.Resource != nil {
				uri = item.Resource.URI
			}
			fmt.Fprintf(out, "[Resource: %s]\n", uri)
		case "resource_link":
			fmt.Fprintf(out, "[Resource: %s]\n", item.URI)
		default:
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("encode content: %w", err)
			}
			if err := printIndented(out, data); err != nil {
				return err
			}
		}
	}
	return nil
}

func printIndented(out io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}
