package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mcps/internal/logging"
	"mcps/internal/services"
)

func TestConsoleLoggerOmitsSourceForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")

	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "info",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without source")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no source information in info logs, got %q", content)
	}
	if !strings.Contains(string(content), "INFO message without source") {
		t.Fatalf("unexpected console output %q", content)
	}
}

func TestConsoleLoggerIncludesSourceForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")

	logger, err := logging.New(logging.Options{
		Format:      "console",
		Level:       "debug",
		OutputPaths: []string{logPath},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("debug with source")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "logger_test.go:") {
		t.Fatalf("expected source information in debug logs, got %q", content)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestConsoleHandlerHoistsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewComponentLogger(logging.NewWriter(&buf, "console", "info"), "pool")
	logger.Info("session connected", logging.String("server", "fs"), logging.Int("tools", 3))

	line := buf.String()
	if !strings.Contains(line, "INFO pool: session connected") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "server=fs") || !strings.Contains(line, "tools=3") {
		t.Fatalf("expected attrs in output, got %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Fatalf("component should not repeat as attr, got %q", line)
	}
}

func TestConsoleHandlerQuotesValues(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriter(&buf, "console", "info")
	logger.Info("call", logging.String("args", `{"a": 1}`), logging.String("empty", ""))

	line := buf.String()
	if !strings.Contains(line, `args="{\"a\": 1}"`) {
		t.Fatalf("expected quoted args, got %q", line)
	}
	if !strings.Contains(line, `empty=""`) {
		t.Fatalf("expected quoted empty value, got %q", line)
	}
}

func TestJSONHandlerShape(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriter(&buf, "json", "info")
	logger.Warn("slow backend", logging.Duration("elapsed", time.Second))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, buf.String())
	}
	if record["level"] != "warn" {
		t.Fatalf("expected lower-case level, got %v", record["level"])
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", record)
	}
	if record["msg"] != "slow backend" {
		t.Fatalf("unexpected msg %v", record["msg"])
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := logging.NewWriter(&buf, "console", "info")

	ctx := services.WithServer(context.Background(), "fs")
	ctx = services.WithTool(ctx, "read_file")
	ctx = services.WithRequestID(ctx, "req-1")
	logging.WithContext(ctx, base).Info("tool request")

	line := buf.String()
	for _, want := range []string{"server=fs", "tool=read_file", "request_id=req-1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logging.WarnWithContext(logging.NewWriter(&buf, "console", "info"), "kill failed", "process_kill_failed")

	line := buf.String()
	for _, want := range []string{"event_type=process_kill_failed", "error_hint=", "impact="} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "mcps-old.log")
	fresh := filepath.Join(dir, "mcps-new.log")
	keep := filepath.Join(dir, "mcps-keep.log")
	other := filepath.Join(dir, "notes.txt")
	for _, path := range []string{old, fresh, keep, other} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	past := time.Now().AddDate(0, 0, -30)
	for _, path := range []string{old, keep, other} {
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.CleanupOldLogs(logging.NewNop(), 7, dir, "mcps-*.log", keep)
	if removed != 1 {
		t.Fatalf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old log removed, stat err=%v", err)
	}
	for _, path := range []string{fresh, keep, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s kept: %v", path, err)
		}
	}
}

func TestCleanupOldLogsDisabled(t *testing.T) {
	if removed := logging.CleanupOldLogs(nil, 0, t.TempDir(), "*"); removed != 0 {
		t.Fatalf("expected no pruning when retention is zero, got %d", removed)
	}
}
