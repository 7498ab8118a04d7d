// Package main hosts the mcps CLI entrypoint and command graph.
//
// The Cobra command tree manages server descriptors in mcp.json, invokes
// tools through the pooling daemon (starting it on demand and falling back
// to a direct connection when it cannot start), and controls the daemon
// lifecycle. `mcps daemon run` is the foreground entry the launcher spawns.
//
// Keep this package lean: behaviour belongs in the internal packages and is
// only surfaced here as commands and flags.
package main
