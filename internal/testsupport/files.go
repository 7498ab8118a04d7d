package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"mcps/internal/config"
)

// ServerEntry is one mcpServers entry in the on-disk layout.
type ServerEntry struct {
	Type     string            `json:"type,omitempty"`
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	URL      string            `json:"url,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// WriteServers replaces the descriptor file of cfg with entries.
func WriteServers(t testing.TB, cfg *config.Config, entries map[string]ServerEntry) string {
	t.Helper()

	path := cfg.ServersPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data, err := json.MarshalIndent(map[string]any{"mcpServers": entries}, "", "  ")
	if err != nil {
		t.Fatalf("encode servers: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
