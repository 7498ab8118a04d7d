package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Daemon contains control server and connection pool tuning.
type Daemon struct {
	Port                  int `toml:"port"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	InitTimeoutSeconds    int `toml:"init_timeout_seconds"`
	StartTimeoutSeconds   int `toml:"start_timeout_seconds"`
	// SettleDelayMillis is how long process discovery waits after a connect
	// before taking the second snapshot.
	SettleDelayMillis int `toml:"settle_delay_ms"`
	// CloseTimeoutMillis bounds the wait for a transport to close.
	CloseTimeoutMillis int `toml:"close_timeout_ms"`
	// ArgMatchMinLength is the minimum length of a configured argument that
	// may identify a spawned process by command line. Heuristic; tune per host.
	ArgMatchMinLength int  `toml:"arg_match_min_length"`
	WatchServers      bool `toml:"watch_servers"`
}

// Paths contains directory configuration.
type Paths struct {
	ConfigDir string `toml:"config_dir"`
	LogDir    string `toml:"log_dir"`
	StateDir  string `toml:"state_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// History contains configuration for the tool call log.
type History struct {
	Enabled bool `toml:"enabled"`
	// MaxEntries caps stored calls; older rows are pruned on insert.
	MaxEntries int `toml:"max_entries"`
}

// Config encapsulates all configuration values for mcps.
//
// Configuration sections by subsystem:
//   - Daemon: control port, connect/init/start timeouts, process tracking knobs
//   - Paths: server descriptor directory, log directory, state directory
//   - Logging: log format, level, and retention
//   - History: persisted tool call log
//
// Server descriptors live separately in <config_dir>/mcp.json; see ServerStore.
type Config struct {
	Daemon  Daemon  `toml:"daemon"`
	Paths   Paths   `toml:"paths"`
	Logging Logging `toml:"logging"`
	History History `toml:"history"`

	// Verbose is set from MCPS_VERBOSE or the --verbose flag, never from file.
	Verbose bool `toml:"-"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/mcps/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("mcps.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ConfigDir, c.Paths.LogDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ServersPath returns the location of the server descriptor file.
func (c *Config) ServersPath() string {
	return filepath.Join(c.Paths.ConfigDir, "mcp.json")
}

// EnvFilePath returns the optional dotenv file consulted for placeholders.
func (c *Config) EnvFilePath() string {
	return filepath.Join(c.Paths.ConfigDir, ".env")
}

// HistoryPath returns the SQLite database holding the call log.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "mcps.lock")
}

// PIDPath returns the daemon pid file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "mcps.pid")
}

// ConnectTimeout returns the per-request backend connect budget.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Daemon.ConnectTimeoutSeconds) * time.Second
}

// InitTimeout returns the per-server budget used during bulk initialization.
func (c *Config) InitTimeout() time.Duration {
	return time.Duration(c.Daemon.InitTimeoutSeconds) * time.Second
}

// StartTimeout returns how long clients wait for a spawned daemon to become ready.
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Daemon.StartTimeoutSeconds) * time.Second
}

// SettleDelay returns the process discovery settle delay.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Daemon.SettleDelayMillis) * time.Millisecond
}

// CloseTimeout returns the bounded wait for a transport close.
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.Daemon.CloseTimeoutMillis) * time.Millisecond
}

// LogLevel returns the effective log level, honouring verbose mode.
func (c *Config) LogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return c.Logging.Level
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
