package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"mcps/internal/api"
	"mcps/internal/config"
	"mcps/internal/history"
	"mcps/internal/logging"
	"mcps/internal/metrics"
	"mcps/internal/pool"
	"mcps/internal/services"
)

// ErrAlreadyRunning reports that another mcps daemon owns the lock or port.
var ErrAlreadyRunning = errors.New("mcps daemon already running")

// State is the listener lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultHost     = "127.0.0.1"
	shutdownTimeout = 5 * time.Second
	probeTimeout    = time.Second
	maxBodyBytes    = 10 << 20
)

// Options configures a ControlServer.
type Options struct {
	Host string
	// Port is the control port; zero picks an ephemeral port.
	Port int
	// LockPath names the single-instance lock file; empty disables locking.
	LockPath string

	Pool    *pool.Pool
	History *history.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Servers is watched for descriptor changes when Watch is set.
	Servers       *config.ServerStore
	Watch         bool
	WatchDebounce time.Duration
}

// ControlServer serves the control protocol for one pool.
type ControlServer struct {
	host     string
	port     int
	lockPath string

	pool    *pool.Pool
	history *history.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	servers       *config.ServerStore
	watch         bool
	watchDebounce time.Duration

	state     atomic.Int32
	startedAt time.Time
	handler   http.Handler

	mu          sync.Mutex
	server      *http.Server
	listener    net.Listener
	lock        *flock.Flock
	watchCancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	serveErr chan error
}

// New builds a server in StateStarting.
func New(opts Options) (*ControlServer, error) {
	if opts.Pool == nil {
		return nil, errors.New("control server requires a pool")
	}
	host := opts.Host
	if host == "" {
		host = defaultHost
	}
	s := &ControlServer{
		host:          host,
		port:          opts.Port,
		lockPath:      opts.LockPath,
		pool:          opts.Pool,
		history:       opts.History,
		metrics:       opts.Metrics,
		logger:        logging.NewComponentLogger(opts.Logger, "control"),
		servers:       opts.Servers,
		watch:         opts.Watch,
		watchDebounce: opts.WatchDebounce,
		stopCh:        make(chan struct{}),
		serveErr:      make(chan error, 1),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *ControlServer) Handler() http.Handler {
	return s.handler
}

// State returns the lifecycle state.
func (s *ControlServer) State() State {
	return State(s.state.Load())
}

func (s *ControlServer) setState(state State) {
	s.state.Store(int32(state))
}

// Port returns the bound port once listening, else the configured one.
func (s *ControlServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.port
}

// URL returns the base URL of the bound listener.
func (s *ControlServer) URL() string {
	return "http://" + net.JoinHostPort(s.host, strconv.Itoa(s.Port()))
}

// StopRequested is closed when a client asks the daemon to stop.
func (s *ControlServer) StopRequested() <-chan struct{} {
	return s.stopCh
}

// Errors delivers a fatal serve error, if one occurs.
func (s *ControlServer) Errors() <-chan error {
	return s.serveErr
}

func (s *ControlServer) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Start acquires the instance lock, binds the port, and begins serving. It
// returns ErrAlreadyRunning when another daemon holds the lock or answers on
// the port, and an ErrPortInUse-tagged error for any other bind failure.
func (s *ControlServer) Start(ctx context.Context) error {
	if s.State() != StateStarting {
		return errors.New("control server already started")
	}

	var lock *flock.Flock
	if s.lockPath != "" {
		lock = flock.New(s.lockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: lock %s is held", ErrAlreadyRunning, s.lockPath)
		}
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		if errors.Is(err, syscall.EADDRINUSE) && probeExisting(ctx, addr) {
			return fmt.Errorf("%w on %s", ErrAlreadyRunning, addr)
		}
		return services.Wrap(services.ErrPortInUse, "", "listen", addr, err)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: tool calls may legitimately run for minutes.
	}

	s.mu.Lock()
	s.lock = lock
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	s.startedAt = time.Now()
	s.setState(StateListening)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", logging.Error(err))
			select {
			case s.serveErr <- err:
			default:
			}
		}
	}()

	if s.watch && s.servers != nil {
		s.startWatcher(ctx)
	}

	s.logger.Info("control server listening",
		logging.String("address", listener.Addr().String()),
		logging.Int("pid", os.Getpid()),
	)
	return nil
}

func (s *ControlServer) startWatcher(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	err := config.WatchServers(watchCtx, s.servers, config.WatchOptions{
		Debounce: s.watchDebounce,
		OnChange: func(names []string) {
			closed := s.pool.Invalidate(names...)
			s.logger.Info("server descriptors changed",
				logging.Any("changed", names),
				logging.Any("reconnect_pending", closed),
			)
		},
		OnError: func(err error) {
			logging.WarnWithContext(s.logger, "server descriptor reload failed", "config_reload_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "fix mcp.json; the previous descriptors stay in effect"),
			)
		},
	})
	if err != nil {
		cancel()
		logging.WarnWithContext(s.logger, "descriptor watcher unavailable", "config_watch_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "descriptor edits apply after a restart"),
		)
		return
	}
	s.mu.Lock()
	s.watchCancel = cancel
	s.mu.Unlock()
}

// Shutdown stops accepting requests, waits for in-flight ones, closes every
// session, and releases the lock. It is safe to call more than once.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	if s.state.CompareAndSwap(int32(StateStarting), int32(StateStopped)) {
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateListening), int32(StateShuttingDown)) {
		return nil
	}
	s.logger.Info("control server shutting down")

	s.mu.Lock()
	server := s.server
	lock := s.lock
	watchCancel := s.watchCancel
	s.watchCancel = nil
	s.mu.Unlock()

	if watchCancel != nil {
		watchCancel()
	}

	var shutdownErr error
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("shutdown control server: %w", err)
			_ = server.Close()
		}
		cancel()
	}

	s.pool.Shutdown()

	if lock != nil {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}
	s.setState(StateStopped)
	s.logger.Info("control server stopped")
	return shutdownErr
}

// probeExisting reports whether addr answers /status like an mcps daemon.
func probeExisting(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false
	}
	return status.Version != "" && status.PID > 0
}
