package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"mcps/internal/config"
	"mcps/internal/daemonctl"
	"mcps/internal/logging"
	"mcps/internal/mcpclient"
)

// launchDaemon spawns the background daemon. Replaced in tests.
var launchDaemon = func(opts daemonctl.LaunchOptions) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return daemonctl.Launch(exe, opts)
}

// newDirectConnector builds the connector used when bypassing the daemon.
var newDirectConnector = func(logger *slog.Logger) mcpclient.Connector {
	return mcpclient.NewSDKConnector(logger)
}

type commandContext struct {
	configFlag  *string
	portFlag    *int
	verboseFlag *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, portFlag *int, verboseFlag *bool) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		portFlag:    portFlag,
		verboseFlag: verboseFlag,
	}
}

// ensureConfig loads the configuration once and applies flag overrides,
// which win over environment and file values.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if c.portFlag != nil && *c.portFlag > 0 {
			cfg.Daemon.Port = *c.portFlag
		}
		if c.verboseFlag != nil && *c.verboseFlag {
			cfg.Verbose = true
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) servers() (*config.ServerStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return config.OpenServerStore(cfg), nil
}

func (c *commandContext) client() (*daemonctl.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return daemonctl.NewClient(cfg.Daemon.Port), nil
}

func (c *commandContext) launchOptions() daemonctl.LaunchOptions {
	cfg := c.configValue()
	opts := daemonctl.LaunchOptions{ConfigPath: c.configPath()}
	if cfg != nil {
		opts.Port = cfg.Daemon.Port
		opts.Verbose = cfg.Verbose
	}
	return opts
}

// startTimeout prefers the daemonTimeout setting in mcp.json.
func (c *commandContext) startTimeout() time.Duration {
	cfg := c.configValue()
	if store, err := c.servers(); err == nil {
		if timeout := store.DaemonTimeout(); timeout > 0 {
			return timeout
		}
	}
	if cfg == nil {
		return 10 * time.Second
	}
	return cfg.StartTimeout()
}

// ensureDaemon returns a client for a daemon that has finished
// initialization, launching one when nothing answers.
func (c *commandContext) ensureDaemon(ctx context.Context) (*daemonctl.Client, daemonctl.StartResult, error) {
	client, err := c.client()
	if err != nil {
		return nil, daemonctl.StartResult{}, err
	}
	opts := c.launchOptions()
	result, err := daemonctl.EnsureDaemon(ctx, client, func() error { return launchDaemon(opts) }, c.startTimeout())
	if err != nil {
		return nil, result, err
	}
	return client, result, nil
}

// logger writes CLI diagnostics to stderr; quiet unless verbose.
func (c *commandContext) logger() *slog.Logger {
	cfg := c.configValue()
	if cfg == nil || !cfg.Verbose {
		return logging.NewNop()
	}
	return logging.NewWriter(os.Stderr, "console", "debug")
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
