package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning  RunStatus = "running"
	StatusComplete RunStatus = "complete"
	StatusAborted  RunStatus = "aborted"
	// StatusRunFailed avoids a collision with the step-level status names.
	StatusRunFailed RunStatus = "failed"
)

// RunState is persisted to <state dir>/run.json while scenarios run.
type RunState struct {
	ScenariosDir string          `json:"scenarios_dir"`
	PID          int             `json:"pid"`
	Status       RunStatus       `json:"status"`
	Started      time.Time       `json:"started"`
	Updated      time.Time       `json:"updated"`
	Scenarios    []ScenarioState `json:"scenarios"`
}

// ScenarioState tracks the outcome of a single scenario within a run.
type ScenarioState struct {
	Name     string `json:"name"`
	Topology string `json:"topology"`
	Status   string `json:"status"`   // "PASS","FAIL","SKIP","ERROR","" (pending)
	Duration string `json:"duration"` // e.g. "2s", "15s"
}

// Active reports whether the process that owns the state is still running.
func (s *RunState) Active() bool {
	return s.Status == StatusRunning && isProcessAlive(s.PID)
}

func runStatePath(dir string) string {
	return filepath.Join(dir, "run.json")
}

// SaveRunState writes state to run.json in dir.
func SaveRunState(dir string, state *RunState) error {
	state.Updated = time.Now()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("topotest: create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return fmt.Errorf("topotest: marshal state: %w", err)
	}

	if err := os.WriteFile(runStatePath(dir), data, 0o644); err != nil {
		return fmt.Errorf("topotest: write state: %w", err)
	}
	return nil
}

// LoadRunState reads run.json from dir. Returns nil, nil if not found.
func LoadRunState(dir string) (*RunState, error) {
	data, err := os.ReadFile(runStatePath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("topotest: read state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("topotest: parse run.json: %w", err)
	}
	return &state, nil
}

// RemoveRunState deletes run.json from dir.
func RemoveRunState(dir string) error {
	if err := os.Remove(runStatePath(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
