// Package testutil provides fakes and fixtures shared by package tests.
package testutil

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner records commands and answers them from registered rules.
// Unmatched commands succeed with no output.
type FakeRunner struct {
	mu      sync.Mutex
	rules   []rule
	calls   [][]string
	started []Started
	nextPID int
}

// Started records a FakeRunner.Start call.
type Started struct {
	LogPath string
	Argv    []string
	PID     int
}

type rule struct {
	substr string
	fn     func(argv []string) (string, error)
}

// On answers every command whose joined argv contains substr. Rules added
// later take precedence.
func (f *FakeRunner) On(substr, output string, err error) *FakeRunner {
	return f.OnFunc(substr, func([]string) (string, error) { return output, err })
}

// OnFunc is On with a computed answer.
func (f *FakeRunner) OnFunc(substr string, fn func(argv []string) (string, error)) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{substr: substr, fn: fn})
	return f
}

// Run implements runner.Runner.
func (f *FakeRunner) Run(_ context.Context, argv ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), argv...))
	line := strings.Join(argv, " ")
	var fn func([]string) (string, error)
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(line, f.rules[i].substr) {
			fn = f.rules[i].fn
			break
		}
	}
	f.mu.Unlock()

	if fn == nil {
		return "", nil
	}
	return fn(argv)
}

// Start implements runner.Runner. PIDs are allocated from 1000 upward.
func (f *FakeRunner) Start(_ context.Context, logPath string, argv ...string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextPID == 0 {
		f.nextPID = 1000
	}
	pid := f.nextPID
	f.nextPID++
	f.started = append(f.started, Started{LogPath: logPath, Argv: append([]string(nil), argv...), PID: pid})
	return pid, nil
}

// Commands returns every Run call as a space-joined line.
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// CommandsContaining returns the Run lines containing substr.
func (f *FakeRunner) CommandsContaining(substr string) []string {
	var out []string
	for _, c := range f.Commands() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

// StartedProcesses returns every Start call.
func (f *FakeRunner) StartedProcesses() []Started {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Started(nil), f.started...)
}

// Reset forgets recorded calls but keeps rules.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.started = nil
}
