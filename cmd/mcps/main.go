package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *exitError
		switch {
		case errors.As(err, &exitErr):
		case !errors.Is(err, context.Canceled):
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// exitError fails the process without printing; the command already
// reported the problem on stdout.
type exitError struct {
	reason string
}

func (e *exitError) Error() string {
	return e.reason
}
