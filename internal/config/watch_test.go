package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mcps/internal/config"
)

func waitForChange(t *testing.T, changes <-chan []string) []string {
	t.Helper()
	select {
	case names := <-changes:
		return names
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for descriptor change")
		return nil
	}
}

func TestWatchServersReportsChangedNames(t *testing.T) {
	store := newStore(t, `{"mcpServers": {"stable": {"command": "stable-server"}}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	err := config.WatchServers(ctx, store, config.WatchOptions{
		Debounce: 20 * time.Millisecond,
		OnChange: func(names []string) { changes <- names },
	})
	if err != nil {
		t.Fatalf("WatchServers: %v", err)
	}

	if err := store.Add(config.ServerDescriptor{Name: "fresh", Kind: config.KindProcess, Command: "fresh-server"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if names := waitForChange(t, changes); len(names) != 1 || names[0] != "fresh" {
		t.Fatalf("expected [fresh], got %v", names)
	}

	if err := store.SetDisabled("stable", true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if names := waitForChange(t, changes); len(names) != 1 || names[0] != "stable" {
		t.Fatalf("expected [stable], got %v", names)
	}
}

func TestWatchServersEnvFileTouchesPlaceholderServers(t *testing.T) {
	store := newStore(t, `{"mcpServers": {
  "plain": {"command": "plain-server"},
  "keyed": {"command": "keyed-server", "env": {"TOKEN": "${API_TOKEN}"}}
}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	if err := config.WatchServers(ctx, store, config.WatchOptions{
		Debounce: 20 * time.Millisecond,
		OnChange: func(names []string) { changes <- names },
	}); err != nil {
		t.Fatalf("WatchServers: %v", err)
	}

	envPath := filepath.Join(filepath.Dir(store.Path()), ".env")
	if err := os.WriteFile(envPath, []byte("API_TOKEN=rotated\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if names := waitForChange(t, changes); len(names) != 1 || names[0] != "keyed" {
		t.Fatalf("expected [keyed], got %v", names)
	}
}

func TestWatchServersKeepsSnapshotAfterParseError(t *testing.T) {
	store := newStore(t, `{"mcpServers": {"one": {"command": "one-server"}}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	errs := make(chan error, 4)
	if err := config.WatchServers(ctx, store, config.WatchOptions{
		Debounce: 20 * time.Millisecond,
		OnChange: func(names []string) { changes <- names },
		OnError:  func(err error) { errs <- err },
	}); err != nil {
		t.Fatalf("WatchServers: %v", err)
	}

	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-errs:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload error")
	}

	// The diff runs against the snapshot kept from before the bad write.
	if err := os.WriteFile(store.Path(), []byte(`{"mcpServers": {"one": {"command": "one-server"}, "two": {"command": "two-server"}}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if names := waitForChange(t, changes); len(names) != 1 || names[0] != "two" {
		t.Fatalf("expected [two], got %v", names)
	}
}
