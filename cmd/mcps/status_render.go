package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const statusLabelWidth = 14

var titleCaser = cases.Title(language.English)

// statusLabel renders a lower-case state such as "connected" for display.
func statusLabel(state string, colorize bool) string {
	label := titleCaser.String(strings.ReplaceAll(strings.TrimSpace(state), "_", " "))
	if !colorize {
		return label
	}
	if color := stateColor(state); color != "" {
		return color + label + ansiReset
	}
	return label
}

func stateColor(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "connected", "enabled", "ready", "running", "ok":
		return ansiGreen
	case "connecting", "initializing", "disabled", "tool_error":
		return ansiYellow
	case "error", "invalid", "stopped":
		return ansiRed
	default:
		return ""
	}
}

func renderKeyValue(label, value string) string {
	return fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", value)
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
