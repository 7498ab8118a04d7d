// Package history persists a log of tool invocations routed through the
// daemon in SQLite.
//
// The Store records one row per call with its outcome and latency and serves
// the most recent rows to the /history endpoint and the `mcps history`
// command. The log is bounded: inserts prune everything beyond the configured
// maximum. Schema changes bump schemaVersion; users delete the database to
// adopt a new schema.
package history
