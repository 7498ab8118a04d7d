package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"mcps/internal/config"
	"mcps/internal/daemon"
	"mcps/internal/fileutil"
	"mcps/internal/history"
	"mcps/internal/logging"
	"mcps/internal/mcpclient"
	"mcps/internal/metrics"
	"mcps/internal/pool"
	"mcps/internal/proctrack"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Stdout mirrors log output to standard output in addition to the log file.
	Stdout bool
}

// Run starts the mcps daemon and blocks until a signal, a /stop request, or
// a fatal serve error. A second daemon exits cleanly without error.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := uuid.NewString()
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("mcps-%s.log", runID))
	outputs := []string{logPath}
	if opts.Stdout {
		outputs = append([]string{"stdout"}, outputs...)
	}
	logger, err := logging.New(logging.Options{
		Level:       opts.LogLevel,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String("run_id", runID))

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update mcps.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, "mcps-*.log", logPath)

	servers := config.OpenServerStore(cfg)
	tracker := proctrack.New(proctrack.Options{
		Matcher:     proctrack.Matcher{MinArgLength: cfg.Daemon.ArgMatchMinLength},
		SettleDelay: cfg.SettleDelay(),
		Logger:      logger,
	})

	var sessions *pool.Pool
	m := metrics.New(func() int {
		if sessions == nil {
			return 0
		}
		return sessions.Len()
	})
	sessions, err = pool.New(pool.Options{
		Source:         servers,
		Connector:      mcpclient.NewSDKConnector(logger),
		Tracker:        tracker,
		Metrics:        m,
		Logger:         logger,
		ConnectTimeout: cfg.ConnectTimeout(),
		InitTimeout:    cfg.InitTimeout(),
		CloseTimeout:   cfg.CloseTimeout(),
	})
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	var calls *history.Store
	if cfg.History.Enabled {
		calls, err = history.Open(cfg)
		if err != nil {
			logging.WarnWithContext(logger, "call history unavailable", "history_open_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "tool calls will not be recorded"),
			)
			calls = nil
		} else {
			defer calls.Close()
		}
	}

	server, err := daemon.New(daemon.Options{
		Port:     cfg.Daemon.Port,
		LockPath: cfg.LockPath(),
		Pool:     sessions,
		History:  calls,
		Metrics:  m,
		Logger:   logger,
		Servers:  servers,
		Watch:    cfg.Daemon.WatchServers,
	})
	if err != nil {
		return fmt.Errorf("create control server: %w", err)
	}

	if err := server.Start(signalCtx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			logger.Info("mcps daemon already running",
				logging.String(logging.FieldEventType, "daemon_already_running"),
				logging.Int("port", cfg.Daemon.Port),
			)
			return nil
		}
		logging.ErrorWithContext(logger, "control server start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the control port is free"),
		)
		return err
	}

	pidPath := cfg.PIDPath()
	if err := fileutil.WritePIDFile(pidPath); err != nil {
		logging.WarnWithContext(logger, "pid file not written", "pid_file_failed", logging.Error(err))
	}
	defer removePIDFile(pidPath)

	logger.Info("mcps daemon listening",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("url", server.URL()),
		logging.Int("pid", os.Getpid()),
		logging.String("log_path", logPath),
	)

	initDone := make(chan struct{})
	go func() {
		defer close(initDone)
		initialize(signalCtx, sessions, logger)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("signal received")
	case <-server.StopRequested():
		logger.Info("stop requested by client")
	case err := <-server.Errors():
		logging.ErrorWithContext(logger, "control server failed", "daemon_serve_failed", logging.Error(err))
	}

	logger.Info("mcps daemon shutting down", logging.String(logging.FieldEventType, "daemon_stopping"))
	if err := server.Shutdown(context.Background()); err != nil {
		logging.WarnWithContext(logger, "shutdown incomplete", "daemon_shutdown_failed", logging.Error(err))
	}
	// A connect still in flight discards its session on completion; wait for
	// it so its processes are killed before exit.
	select {
	case <-initDone:
	case <-time.After(cfg.InitTimeout() + cfg.CloseTimeout()):
		logging.WarnWithContext(logger, "initialization still running at exit", "init_abandoned")
	}
	logger.Info("mcps daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return nil
}

// initialize connects every enabled server once the listener is up.
func initialize(ctx context.Context, sessions *pool.Pool, logger *slog.Logger) {
	report := sessions.InitializeAll(ctx)
	if report.Err != nil {
		return
	}
	failed := report.Failed()
	logger.Info("initialization complete",
		logging.String(logging.FieldEventType, "init_complete"),
		logging.Int("connected", len(report.Succeeded())),
		logging.Int("failed", len(failed)),
	)
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "mcps.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

// removePIDFile deletes the pid file only when it still names this process.
func removePIDFile(path string) {
	if pid, err := fileutil.ReadPIDFile(path); err == nil && pid == os.Getpid() {
		_ = os.Remove(path)
	}
}
