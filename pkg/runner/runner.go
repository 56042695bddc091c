// Package runner executes commands on the host that carries the test fabric,
// either locally or over SSH.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Runner executes argv vectors. Run waits and returns combined stdout and
// stderr; a non-zero exit yields an *ExitError alongside the output.
// Start launches a long-running process detached from the caller, with
// output redirected to logPath, and returns its pid.
type Runner interface {
	Run(ctx context.Context, argv ...string) (string, error)
	Start(ctx context.Context, logPath string, argv ...string) (int, error)
}

// ErrEmptyCommand is returned when Run or Start is called without argv.
var ErrEmptyCommand = errors.New("empty command")

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Argv   []string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", Join(e.Argv), e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", Join(e.Argv), e.Code, firstLine(out))
}

// ExitCode returns the exit status carried by err, or -1 if err is not an
// *ExitError.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// InNamespace prefixes argv with "ip netns exec ns". An empty ns leaves
// argv unchanged.
func InNamespace(ns string, argv ...string) []string {
	if ns == "" {
		return argv
	}
	return append([]string{"ip", "netns", "exec", ns}, argv...)
}

// Join renders argv as a single shell command line, quoting arguments that
// need it.
func Join(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = Quote(a)
	}
	return strings.Join(parts, " ")
}

// Quote shell-quotes s if it contains characters the shell would interpret.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return singleQuote(s)
}

// singleQuote wraps a string in single quotes, escaping any embedded single quotes.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:=,@%+", r)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
