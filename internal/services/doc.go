// Package services defines shared utilities consumed by the connection pool,
// the control server, and the CLI.
//
// Key responsibilities:
//   - Context helpers that stamp backend server names, tool names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper that let callers classify
//     failures (not found, connect timeout, invocation failure) with errors.Is
//     and translate them into control-protocol status codes.
//
// Use these helpers when wiring new pool or handler logic so failure
// reporting stays uniform between the daemon and its clients.
package services
