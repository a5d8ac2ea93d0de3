package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spboyer/guardrail/internal/watcher"
)

// Exit codes for different failure modes
const (
	ExitSuccess        = 0 // Clean shutdown
	ExitForcedShutdown = 1 // In-flight tasks were cancelled at shutdown
	ExitError          = 2 // Configuration or runtime error
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, watcher.ErrForcedShutdown):
		return ExitForcedShutdown
	default:
		// All other errors are configuration/runtime errors
		return ExitError
	}
}
