package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcps/internal/config"
	"mcps/internal/jsonval"
	"mcps/internal/logging"
)

const (
	clientName    = "mcps"
	clientVersion = "1.0.0"
)

// SDKConnector connects through the official MCP Go SDK.
type SDKConnector struct {
	logger *slog.Logger
	// HTTPClient is used for http and sse backends; nil means the SDK default.
	HTTPClient *http.Client
}

// NewSDKConnector returns a connector. Backend stderr is logged at debug
// level through logger.
func NewSDKConnector(logger *slog.Logger) *SDKConnector {
	return &SDKConnector{logger: logging.NewComponentLogger(logger, "mcpclient")}
}

// Connect starts or dials the backend and completes the protocol handshake.
func (c *SDKConnector) Connect(ctx context.Context, desc config.ServerDescriptor) (Conn, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)

	conn := &sdkConn{name: desc.Name}
	var transport mcp.Transport
	switch desc.Kind {
	case config.KindProcess:
		cmd := exec.Command(desc.Command, desc.Args...)
		cmd.Env = mergeEnv(os.Environ(), desc.Env)
		cmd.Dir = desc.Cwd
		stderr := newLineLogger(c.logger.With(logging.String(logging.FieldServer, desc.Name)))
		cmd.Stderr = stderr
		conn.cmd = cmd
		conn.stderr = stderr
		transport = &mcp.CommandTransport{Command: cmd}
	case config.KindHTTP:
		transport = &mcp.StreamableClientTransport{Endpoint: desc.URL, HTTPClient: c.HTTPClient}
	case config.KindEventStream:
		transport = &mcp.SSEClientTransport{Endpoint: desc.URL, HTTPClient: c.HTTPClient}
	default:
		return nil, fmt.Errorf("unsupported server type %q", desc.Kind)
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		conn.reap()
		return nil, err
	}
	conn.session = session
	return conn, nil
}

type sdkConn struct {
	name    string
	session *mcp.ClientSession
	cmd     *exec.Cmd
	stderr  *lineLogger

	closeOnce sync.Once
	closeErr  error
}

func (c *sdkConn) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	var cursor string
	for {
		res, err := c.session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, tool := range res.Tools {
			if tool == nil {
				continue
			}
			entry := Tool{Name: tool.Name, Title: tool.Title, Description: tool.Description}
			if tool.InputSchema != nil {
				schema, err := json.Marshal(tool.InputSchema)
				if err != nil {
					return nil, fmt.Errorf("encode schema for %s: %w", tool.Name, err)
				}
				entry.InputSchema = schema
			}
			tools = append(tools, entry)
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	sort.SliceStable(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

func (c *sdkConn) CallTool(ctx context.Context, name string, args jsonval.Object) (*CallResult, error) {
	arguments, err := jsonval.MarshalObject(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return DecodeCallResult(raw)
}

func (c *sdkConn) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *sdkConn) Close() error {
	c.closeOnce.Do(func() {
		if c.session != nil {
			c.closeErr = c.session.Close()
		}
		c.reap()
	})
	return c.closeErr
}

// reap waits for a spawned process that the transport did not collect.
func (c *sdkConn) reap() {
	if c.stderr != nil {
		_ = c.stderr.Close()
	}
	if c.cmd == nil || c.cmd.Process == nil || c.cmd.ProcessState != nil {
		return
	}
	if c.session == nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

// lineLogger forwards backend stderr to the logger line by line.
type lineLogger struct {
	pw   *io.PipeWriter
	done chan struct{}
}

func newLineLogger(logger *slog.Logger) *lineLogger {
	pr, pw := io.Pipe()
	l := &lineLogger{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			logger.Debug("backend stderr", logging.String("line", scanner.Text()))
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			_, _ = io.Copy(io.Discard, pr)
		}
	}()
	return l
}

func (l *lineLogger) Write(p []byte) (int, error) {
	return l.pw.Write(p)
}

func (l *lineLogger) Close() error {
	return l.pw.Close()
}
