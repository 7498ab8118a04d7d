// Package daemon hosts the control server of the long-running mcps process.
//
// ControlServer exposes the connection pool over a small JSON HTTP protocol
// on a local port: status, tool calls, tool listing, restarts, stop, metrics
// and call history. It owns the listener lifecycle
// (starting, listening, shutting_down, stopped), enforces single-instance
// execution with a flock-based lock, and watches the server descriptor file
// so changed backends reconnect with fresh settings.
//
// Keep request handling here: pooling and process tracking live in their
// own packages while this package focuses on transport, validation, and the
// lifecycle around them.
package daemon
