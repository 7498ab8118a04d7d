package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"mcps/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MCPS_PORT", "")
	t.Setenv("MCP_CONFIG_DIR", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if cfg.Daemon.Port != config.DefaultPort {
		t.Fatalf("unexpected port: %d", cfg.Daemon.Port)
	}
	if want := filepath.Join(tempHome, ".mcpp"); cfg.Paths.ConfigDir != want {
		t.Fatalf("unexpected config dir: got %q want %q", cfg.Paths.ConfigDir, want)
	}
	if want := filepath.Join(tempHome, ".mcpp", "mcp.json"); cfg.ServersPath() != want {
		t.Fatalf("unexpected servers path: got %q want %q", cfg.ServersPath(), want)
	}
	if want := filepath.Join(tempHome, ".local", "share", "mcps", "logs"); cfg.Paths.LogDir != want {
		t.Fatalf("unexpected log dir: got %q want %q", cfg.Paths.LogDir, want)
	}
	if cfg.Daemon.ArgMatchMinLength != 11 {
		t.Fatalf("unexpected arg match length: %d", cfg.Daemon.ArgMatchMinLength)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
}

func TestLoadHonoursEnvironmentOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	customDir := filepath.Join(tempHome, "servers")
	t.Setenv("MCPS_PORT", "4321")
	t.Setenv("MCP_CONFIG_DIR", customDir)
	t.Setenv("MCPS_VERBOSE", "1")

	cfg, _, _, err := config.Load(filepath.Join(tempHome, "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Daemon.Port != 4321 {
		t.Fatalf("expected port from env, got %d", cfg.Daemon.Port)
	}
	if cfg.Paths.ConfigDir != customDir {
		t.Fatalf("expected config dir from env, got %q", cfg.Paths.ConfigDir)
	}
	if !cfg.Verbose || cfg.LogLevel() != "debug" {
		t.Fatalf("expected verbose debug logging, got verbose=%v level=%q", cfg.Verbose, cfg.LogLevel())
	}
}

func TestLoadRejectsInvalidPortEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MCPS_PORT", "not-a-port")
	if _, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for invalid MCPS_PORT")
	}
}

func TestLoadReadsTOMLFile(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MCPS_PORT", "")
	t.Setenv("MCP_CONFIG_DIR", "")

	cfg := config.Default()
	cfg.Daemon.Port = 4555
	cfg.Daemon.SettleDelayMillis = 250
	cfg.Logging.Format = "json"
	cfg.Paths.ConfigDir = "~/custom-mcp"
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(tempHome, "config.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loaded, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected existing config at %q, got %q exists=%v", path, resolved, exists)
	}
	if loaded.Daemon.Port != 4555 {
		t.Fatalf("unexpected port: %d", loaded.Daemon.Port)
	}
	if loaded.SettleDelay().Milliseconds() != 250 {
		t.Fatalf("unexpected settle delay: %s", loaded.SettleDelay())
	}
	if loaded.Logging.Format != "json" {
		t.Fatalf("unexpected format: %q", loaded.Logging.Format)
	}
	if loaded.Paths.ConfigDir != filepath.Join(tempHome, "custom-mcp") {
		t.Fatalf("unexpected config dir: %q", loaded.Paths.ConfigDir)
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("expected logging.format error, got %v", err)
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MCPS_PORT", "")
	t.Setenv("MCP_CONFIG_DIR", "")
	path := filepath.Join(tempHome, ".config", "mcps", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.Daemon.Port != config.DefaultPort {
		t.Fatalf("unexpected sample port: %d", cfg.Daemon.Port)
	}
}
