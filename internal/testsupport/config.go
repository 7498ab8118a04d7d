package testsupport

import (
	"path/filepath"
	"testing"

	"mcps/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ConfigDir = filepath.Join(base, "mcpp")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Daemon.Port = 0
	cfgVal.Daemon.SettleDelayMillis = 0
	cfgVal.Daemon.CloseTimeoutMillis = 200
	cfgVal.Daemon.ConnectTimeoutSeconds = 5
	cfgVal.Daemon.InitTimeoutSeconds = 5
	cfgVal.Daemon.WatchServers = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithPort sets the control port.
func WithPort(port int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.Port = port
	}
}

// WithHistory enables the call history store.
func WithHistory(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.History.Enabled = enabled
	}
}

// WithWatcher enables the descriptor file watcher.
func WithWatcher() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.WatchServers = true
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ConfigDir)
}
