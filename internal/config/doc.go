// Package config loads, normalizes, and validates mcps configuration data.
//
// Two layers live here. The daemon settings file (TOML) carries control port,
// timeouts, process-tracking knobs, paths, and logging options, with
// environment overrides such as MCPS_PORT, MCP_CONFIG_DIR, and MCPS_VERBOSE.
// The server descriptor store (mcp.json in the config directory) persists the
// backends the daemon can connect to, using the mcpServers layout shared by
// other MCP clients, and resolves ${VAR} placeholders against the environment
// and an optional .env file.
//
// Always obtain settings through this package so downstream code receives
// expanded paths, resolved placeholders, and clear validation errors.
package config
