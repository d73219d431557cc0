// Package output renders human-facing terminal output: framed
// sections, step summaries, and warnings. Machine-facing progress
// goes through the engine's JSONL sink instead.
package output

import (
	"fmt"
	"io"
	"os"
)

// UseColor reports whether ANSI color should be emitted on stderr.
// Color is suppressed when NO_COLOR is set or stderr is not a terminal,
// except on GitLab CI where the job log renders ANSI.
func UseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if IsGitLabCI() {
		return true
	}
	if IsCI() {
		return false
	}
	return isTerminal(os.Stderr)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Warnings prints a non-fatal warning block, one line per warning.
func Warnings(w io.Writer, warnings []string, color bool) {
	if len(warnings) == 0 {
		return
	}
	prefix := "warning:"
	if color {
		prefix = "\033[33mwarning:\033[0m"
	}
	for _, warn := range warnings {
		fmt.Fprintf(w, "    %s %s\n", prefix, warn)
	}
}

// Failure prints a classified build failure with its suggestions.
func Failure(w io.Writer, category, rawError string, suggestions []string, color bool) {
	label := "build failed"
	if color {
		label = "\033[31mbuild failed\033[0m"
	}
	fmt.Fprintf(w, "\n    %s (%s)\n", label, category)
	if rawError != "" {
		fmt.Fprintf(w, "    %s\n", Dimmed(rawError, color))
	}
	for _, s := range suggestions {
		fmt.Fprintf(w, "    → %s\n", s)
	}
}
