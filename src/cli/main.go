package main

import (
	"errors"
	"os"

	"github.com/bundleforge/bundleforge/src/cli/cmd"
	"github.com/bundleforge/bundleforge/src/engine"
	"github.com/bundleforge/bundleforge/src/pipeline"
)

func main() {
	os.Exit(exitCode(cmd.Execute()))
}

// exitCode maps terminal errors to process exit codes: 0 success,
// 1 validation or pipeline error, 2 classified build failure,
// 130 aborted by signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, pipeline.ErrAborted) {
		return 130
	}
	var bf *engine.BuildFailure
	if errors.As(err, &bf) {
		return 2
	}
	return 1
}
