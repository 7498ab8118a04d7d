package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mcps/internal/config"
	"mcps/internal/jsonval"
	"mcps/internal/logging"
	"mcps/internal/mcpclient"
	"mcps/internal/proctrack"
	"mcps/internal/services"
)

// State is the lifecycle state of a session.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Session wraps one protocol connection to one backend.
type Session struct {
	Name string
	Kind config.Kind

	conn        mcpclient.Conn
	connectedAt time.Time

	mu      sync.RWMutex
	state   State
	pids    []int
	tools   []mcpclient.Tool
	fetched bool
	lastErr error
	closed  bool
}

func newSession(desc config.ServerDescriptor, conn mcpclient.Conn) *Session {
	return &Session{
		Name:        desc.Name,
		Kind:        desc.Kind,
		conn:        conn,
		connectedAt: time.Now(),
		state:       StateConnecting,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that moved the session into StateError.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// OwnedPIDs returns the processes attributed to this session.
func (s *Session) OwnedPIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.pids...)
}

// ToolCount returns the cached tool count; ok is false until a list succeeds.
func (s *Session) ToolCount() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tools), s.fetched
}

// ConnectedAt returns when the connect finished.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Tools returns the cached tool list, fetching it once if absent.
func (s *Session) Tools(ctx context.Context) ([]mcpclient.Tool, error) {
	s.mu.RLock()
	if s.fetched {
		tools := append([]mcpclient.Tool(nil), s.tools...)
		s.mu.RUnlock()
		return tools, nil
	}
	s.mu.RUnlock()
	return s.refreshTools(ctx)
}

func (s *Session) refreshTools(ctx context.Context) ([]mcpclient.Tool, error) {
	tools, err := s.conn.ListTools(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateError
		s.lastErr = services.Wrap(services.ErrListFailed, s.Name, "list tools", "", err)
		return nil, s.lastErr
	}
	if tools == nil {
		tools = []mcpclient.Tool{}
	}
	s.tools = tools
	s.fetched = true
	s.state = StateConnected
	s.lastErr = nil
	return append([]mcpclient.Tool(nil), tools...), nil
}

// Call invokes a tool. A result flagged isError is returned without error.
func (s *Session) Call(ctx context.Context, tool string, args jsonval.Object) (*mcpclient.CallResult, error) {
	result, err := s.conn.CallTool(ctx, tool, args)
	if err != nil {
		return nil, services.Wrap(services.ErrInvocationFailed, s.Name, "call", tool, err)
	}
	return result, nil
}

func (s *Session) setPIDs(pids []int) {
	s.mu.Lock()
	s.pids = append([]int(nil), pids...)
	s.mu.Unlock()
}

// close kills owned processes, then closes the transport, waiting at most
// wait. It reports the number of processes signalled.
func (s *Session) close(tracker *proctrack.Tracker, wait time.Duration, logger *slog.Logger) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	pids := s.pids
	s.pids = nil
	s.mu.Unlock()

	if tracker != nil && len(pids) > 0 {
		tracker.Kill(s.Name, pids)
	}
	closeConn(s.Name, s.conn, wait, logger)
	return len(pids)
}

// closeConn closes conn in the background and waits at most wait for it.
func closeConn(name string, conn mcpclient.Conn, wait time.Duration, logger *slog.Logger) {
	if conn == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			logger.Debug("transport close error",
				logging.String(logging.FieldServer, name),
				logging.Error(err),
			)
		}
	case <-timer.C:
		logging.WarnWithContext(logger, "transport close timed out; continuing", "transport_close_timeout",
			logging.String(logging.FieldServer, name),
			logging.Duration("wait", wait),
			logging.String(logging.FieldImpact, "backend transport closes in the background"),
		)
	}
}
