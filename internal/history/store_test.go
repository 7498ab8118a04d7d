package history_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"mcps/internal/history"
	"mcps/internal/testsupport"
)

func TestRecordAndRecent(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithHistory(true))
	store := testsupport.MustOpenHistory(t, cfg)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := store.Record(ctx, history.Call{
		RequestID: "req-1",
		Server:    "fs",
		Tool:      "read_file",
		Args:      json.RawMessage(`{"path":"/tmp/a"}`),
		Duration:  1500 * time.Millisecond,
		StartedAt: started,
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected id to be assigned")
	}
	if _, err := store.Record(ctx, history.Call{
		Server:  "gh",
		Tool:    "search",
		Outcome: history.OutcomeError,
		Error:   "connect timeout",
	}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	calls, err := store.Recent(ctx, history.Query{})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Server != "gh" || calls[0].Outcome != history.OutcomeError || calls[0].Error != "connect timeout" {
		t.Fatalf("unexpected newest call %#v", calls[0])
	}
	first := calls[1]
	if first.Outcome != history.OutcomeOK {
		t.Fatalf("expected default outcome ok, got %q", first.Outcome)
	}
	if first.RequestID != "req-1" || string(first.Args) != `{"path":"/tmp/a"}` {
		t.Fatalf("unexpected stored call %#v", first)
	}
	if first.Duration != 1500*time.Millisecond || !first.StartedAt.Equal(started) {
		t.Fatalf("unexpected timing %s at %s", first.Duration, first.StartedAt)
	}

	filtered, err := store.Recent(ctx, history.Query{Server: "fs"})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Tool != "read_file" {
		t.Fatalf("expected only fs call, got %#v", filtered)
	}
}

func TestRecordRequiresServerAndTool(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenHistory(t, cfg)

	if _, err := store.Record(context.Background(), history.Call{Server: "fs"}); err == nil {
		t.Fatal("expected error when tool missing")
	}
}

func TestRecordPrunesBeyondMaxEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := history.OpenPath(dir+"/history.db", 3)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for i := range 5 {
		if _, err := store.Record(ctx, history.Call{Server: "s", Tool: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 retained calls, got %d", count)
	}
	calls, err := store.Recent(ctx, history.Query{Limit: 10})
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if calls[0].Tool != "t4" || calls[2].Tool != "t2" {
		t.Fatalf("expected newest three retained, got %s..%s", calls[0].Tool, calls[2].Tool)
	}

	removed, err := store.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := t.TempDir() + "/history.db"
	store, err := history.OpenPath(path, 0)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if _, err := store.Record(context.Background(), history.Call{Server: "s", Tool: "t"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	store.Close()

	reopened, err := history.OpenPath(path, 0)
	if err != nil {
		if errors.Is(err, history.ErrSchemaMismatch) {
			t.Fatalf("unexpected schema mismatch: %v", err)
		}
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if count, _ := reopened.Count(context.Background()); count != 1 {
		t.Fatalf("expected 1 call after reopen, got %d", count)
	}
}

func TestCallJSONIncludesDurationMillis(t *testing.T) {
	call := history.Call{ID: 7, Server: "fs", Tool: "read", Outcome: history.OutcomeOK, Duration: 250 * time.Millisecond}
	data, err := json.Marshal(call)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["durationMs"] != float64(250) || decoded["server"] != "fs" {
		t.Fatalf("unexpected encoding %s", data)
	}

	var back history.Call
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if back.Duration != 250*time.Millisecond || back.ID != 7 {
		t.Fatalf("unexpected decoded call %#v", back)
	}
}
