package daemonctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"mcps/internal/api"
	"mcps/internal/history"
	"mcps/internal/jsonval"
	"mcps/internal/mcpclient"
)

// ErrDaemonNotRunning indicates nothing answers on the control port.
var ErrDaemonNotRunning = errors.New("daemon not running")

// DaemonError is a failure reported by the daemon itself. Error returns the
// daemon's message verbatim.
type DaemonError struct {
	Status  int
	Message string
}

func (e *DaemonError) Error() string {
	return e.Message
}

// Client speaks the control protocol.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the daemon on the local port.
func NewClient(port int) *Client {
	return NewClientURL("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// NewClientURL returns a client for the daemon at base.
func NewClientURL(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
	}
}

// BaseURL returns the daemon address.
func (c *Client) BaseURL() string {
	return c.base
}

// Status fetches /status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Details fetches /status after the daemon retries tool counts it never
// obtained.
func (c *Client) Details(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status?refresh=1", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Probe reports the daemon status with a short deadline.
func (c *Client) Probe(ctx context.Context) (*api.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Status(ctx)
}

// Call invokes a tool through the daemon.
func (c *Client) Call(ctx context.Context, server, tool string, args jsonval.Object) (*mcpclient.CallResult, error) {
	var resp api.CallResponse
	req := api.CallRequest{Server: server, Tool: tool, Args: args}
	if err := c.do(ctx, http.MethodPost, "/call", req, &resp); err != nil {
		return nil, err
	}
	return resp.Decode()
}

// ListTools lists a backend's tools through the daemon.
func (c *Client) ListTools(ctx context.Context, server string) ([]mcpclient.Tool, error) {
	var resp api.ListResponse
	if err := c.do(ctx, http.MethodPost, "/list", api.ListRequest{Server: server}, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// Restart reconnects one backend, or all of them when server is empty.
func (c *Client) Restart(ctx context.Context, server string) (string, error) {
	var resp api.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/restart", api.RestartRequest{Server: server}, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Stop asks the daemon to shut down.
func (c *Client) Stop(ctx context.Context) (string, error) {
	var resp api.MessageResponse
	if err := c.do(ctx, http.MethodPost, "/stop", nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// History fetches recent calls, newest first.
func (c *Client) History(ctx context.Context, server string, limit int) ([]history.Call, error) {
	query := url.Values{}
	if server != "" {
		query.Set("server", server)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/history"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Calls, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDaemonUnavailable(err) {
			return fmt.Errorf("%w at %s", ErrDaemonNotRunning, c.base)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp api.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return &DaemonError{Status: resp.StatusCode, Message: errResp.Error}
		}
		return &DaemonError{Status: resp.StatusCode, Message: fmt.Sprintf("daemon returned %s", resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isDaemonUnavailable(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ECONNRESET)
}

// IsNotRunning reports whether err means no daemon answered.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrDaemonNotRunning)
}
