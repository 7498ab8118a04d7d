package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDaemon(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeHistory()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("MCP_CONFIG_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.ConfigDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.ConfigDir) == "" {
		c.Paths.ConfigDir = defaultConfigDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}

	var err error
	if c.Paths.ConfigDir, err = expandPath(c.Paths.ConfigDir); err != nil {
		return fmt.Errorf("paths.config_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDaemon() error {
	if value, ok := os.LookupEnv("MCPS_PORT"); ok && strings.TrimSpace(value) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("MCPS_PORT: invalid port %q", value)
		}
		c.Daemon.Port = port
	}
	if c.Daemon.Port == 0 {
		c.Daemon.Port = DefaultPort
	}
	if c.Daemon.ConnectTimeoutSeconds == 0 {
		c.Daemon.ConnectTimeoutSeconds = defaultConnectTimeoutSeconds
	}
	if c.Daemon.InitTimeoutSeconds == 0 {
		c.Daemon.InitTimeoutSeconds = defaultInitTimeoutSeconds
	}
	if c.Daemon.StartTimeoutSeconds == 0 {
		c.Daemon.StartTimeoutSeconds = defaultStartTimeoutSeconds
	}
	if c.Daemon.CloseTimeoutMillis == 0 {
		c.Daemon.CloseTimeoutMillis = defaultCloseTimeoutMillis
	}
	if c.Daemon.ArgMatchMinLength == 0 {
		c.Daemon.ArgMatchMinLength = defaultArgMatchMinLength
	}
	if value, ok := os.LookupEnv("MCPS_VERBOSE"); ok {
		c.Verbose = truthy(value)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeHistory() {
	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = defaultHistoryMaxEntries
	}
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
