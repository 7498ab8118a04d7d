// Package logging assembles structured slog loggers and formatting helpers used
// across mcps.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pool and control server code
// can tag log lines with server names, tool names, and request IDs. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail, plus retention pruning for per-run daemon log files.
package logging
