package config

import (
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateHistory(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be between 0 and 65535, got %d", c.Daemon.Port)
	}
	if c.Daemon.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("daemon.connect_timeout_seconds must be positive")
	}
	if c.Daemon.InitTimeoutSeconds < 0 {
		return fmt.Errorf("daemon.init_timeout_seconds must be positive")
	}
	if c.Daemon.StartTimeoutSeconds < 0 {
		return fmt.Errorf("daemon.start_timeout_seconds must be positive")
	}
	if c.Daemon.SettleDelayMillis < 0 {
		return fmt.Errorf("daemon.settle_delay_ms must be zero or positive")
	}
	if c.Daemon.CloseTimeoutMillis < 0 {
		return fmt.Errorf("daemon.close_timeout_ms must be zero or positive")
	}
	if c.Daemon.ArgMatchMinLength < 1 {
		return fmt.Errorf("daemon.arg_match_min_length must be at least 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (expected console or json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return fmt.Errorf("logging.retention_days must be zero or positive")
	}
	return nil
}

func (c *Config) validateHistory() error {
	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history.max_entries must be zero or positive")
	}
	return nil
}
