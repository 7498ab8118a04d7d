package proctrack

import (
	"path/filepath"
	"strings"

	"mcps/internal/config"
)

// DefaultArgMatchMinLength is the shortest configured argument that may
// identify a process on its own.
const DefaultArgMatchMinLength = 11

// wrapperFamilies maps a launcher to the command prefixes its children run.
var wrapperFamilies = map[string][]string{
	"npx":     {"npx", "npm exec", "node"},
	"npm":     {"npm", "node"},
	"pnpm":    {"pnpm dlx", "pnpm", "node"},
	"bunx":    {"bunx", "bun"},
	"bun":     {"bun"},
	"uvx":     {"uvx", "uv tool run", "uv", "python"},
	"uv":      {"uv", "python"},
	"pipx":    {"pipx", "python"},
	"node":    {"node"},
	"python":  {"python"},
	"python3": {"python"},
	"deno":    {"deno"},
	"docker":  {"docker run", "docker"},
}

// Matcher decides whether a newly seen process belongs to a descriptor.
type Matcher struct {
	// MinArgLength is the minimum length of a configured argument that counts
	// as a unique token. Zero means DefaultArgMatchMinLength.
	MinArgLength int
}

// Matches reports whether cmdline plausibly belongs to desc.
func (m Matcher) Matches(cmdline string, desc config.ServerDescriptor) bool {
	cmdline = strings.TrimSpace(cmdline)
	if cmdline == "" {
		return false
	}
	base := commandBase(desc.Command)
	if base != "" && strings.Contains(cmdline, base) {
		return true
	}
	if family, ok := wrapperFamilies[base]; ok && invokesAny(cmdline, family) {
		return true
	}
	minLen := m.MinArgLength
	if minLen <= 0 {
		minLen = DefaultArgMatchMinLength
	}
	for _, arg := range desc.Args {
		if len(arg) >= minLen && strings.Contains(cmdline, arg) {
			return true
		}
	}
	return false
}

func commandBase(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}
	base := filepath.Base(command)
	base = strings.TrimSuffix(base, ".exe")
	// python3.12 and friends belong to the python family.
	if strings.HasPrefix(base, "python") {
		if _, ok := wrapperFamilies[base]; !ok {
			return "python"
		}
	}
	return base
}

// invokesAny reports whether the executable of cmdline (with its first
// argument, for two-word prefixes) starts with one of the prefixes.
func invokesAny(cmdline string, prefixes []string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}
	head := filepath.Base(fields[0])
	if len(fields) > 1 {
		head += " " + fields[1]
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}
