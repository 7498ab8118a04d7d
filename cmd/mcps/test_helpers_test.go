package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mcps/internal/config"
	"mcps/internal/daemon"
	"mcps/internal/daemonctl"
	"mcps/internal/history"
	"mcps/internal/logging"
	"mcps/internal/mcpclient"
	"mcps/internal/pool"
	"mcps/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	port       int

	// direct serves --direct and fallback connections.
	direct   *testsupport.FakeConnector
	launches atomic.Int32

	// pooled backs the in-process daemon started by startDaemon.
	pooled  *testsupport.FakeConnector
	server  *daemon.ControlServer
	history *history.Store
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	t.Setenv("MCPS_PORT", "")
	t.Setenv("MCPS_VERBOSE", "")
	cfg := testsupport.NewConfig(t, testsupport.WithHistory(true))
	t.Setenv("MCP_CONFIG_DIR", cfg.Paths.ConfigDir)

	env := &cliTestEnv{
		cfg:    cfg,
		port:   freePort(t),
		direct: testsupport.NewFakeConnector(),
		pooled: testsupport.NewFakeConnector(),
	}
	env.configPath = filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, env.configPath, cfg)

	prevLaunch, prevConnector := launchDaemon, newDirectConnector
	launchDaemon = func(daemonctl.LaunchOptions) error {
		env.launches.Add(1)
		return errors.New("launch disabled in tests")
	}
	newDirectConnector = func(*slog.Logger) mcpclient.Connector { return env.direct }
	t.Cleanup(func() {
		launchDaemon, newDirectConnector = prevLaunch, prevConnector
	})
	return env
}

// startDaemon serves the control protocol in-process on env.port. A /stop
// request shuts it down the way the daemon runtime does.
func (env *cliTestEnv) startDaemon(t *testing.T) {
	t.Helper()

	p, err := pool.New(pool.Options{
		Source:         config.OpenServerStore(env.cfg),
		Connector:      env.pooled,
		Logger:         logging.NewNop(),
		ConnectTimeout: 2 * time.Second,
		CloseTimeout:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	env.history = testsupport.MustOpenHistory(t, env.cfg)
	srv, err := daemon.New(daemon.Options{
		Port:    env.port,
		Pool:    p,
		History: env.history,
		Logger:  logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	p.InitializeAll(ctx)
	go func() {
		select {
		case <-srv.StopRequested():
			_ = srv.Shutdown(context.Background())
		case <-ctx.Done():
		}
	}()
	env.server = srv
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
}

func (env *cliTestEnv) writeServers(t *testing.T, entries map[string]testsupport.ServerEntry) {
	t.Helper()
	testsupport.WriteServers(t, env.cfg, entries)
}

func (env *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return runCLI(t, args, env.configPath, env.port)
}

func runCLI(t *testing.T, args []string, configPath string, port int) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--config", configPath}
	if port > 0 {
		flags = append(flags, "--port", strconv.Itoa(port))
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[daemon]
start_timeout_seconds = 1
settle_delay_ms = 0
watch_servers = false

[paths]
config_dir = %q
log_dir = %q
state_dir = %q

[history]
enabled = true
`, cfg.Paths.ConfigDir, cfg.Paths.LogDir, cfg.Paths.StateDir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireNotContains(t *testing.T, output, substr string) {
	t.Helper()
	if strings.Contains(output, substr) {
		t.Fatalf("expected %q not to contain %q", output, substr)
	}
}
