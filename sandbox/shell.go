package sandbox

import (
	"strconv"
	"strings"
)

// QuoteArg wraps s in single quotes so a POSIX shell reads it back as one
// literal word. Each embedded single quote closes the quoting, emits an
// escaped quote and reopens it.
//
// This file is the only place that escapes text for a shell.
func QuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildCommandLine renders command followed by its quoted arguments. The
// command itself is emitted verbatim; with no arguments the result is the
// command unchanged.
func BuildCommandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}

	var b strings.Builder
	b.WriteString(command)
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(QuoteArg(arg))
	}
	return b.String()
}

// cloneCommand is the container entrypoint used when a source repository is
// given: a shallow clone into dir, then idle.
func cloneCommand(src *Source, dir string) string {
	depth := src.Depth
	if depth <= 0 {
		depth = 1
	}
	revision := src.Revision
	if revision == "" {
		revision = "main"
	}

	return BuildCommandLine("git clone", []string{
		"--depth", strconv.Itoa(depth), "-b", revision, src.URL, dir,
	}) + " && " + idleCommand
}

const idleCommand = "tail -f /dev/null"
