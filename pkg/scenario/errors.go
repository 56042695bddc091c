package scenario

import "fmt"

// InfraError is a failure of the harness rather than of the system under
// test: loading the topology, building the fabric, starting daemons or
// peers.
type InfraError struct {
	Op   string // "topology", "setup", "daemons", "peers"
	Node string // "" for fabric-level failures
	Err  error
}

func (e *InfraError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("topotest: %s %s: %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("topotest: %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// StepError represents a step execution error.
type StepError struct {
	Step   string
	Action StepAction
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("topotest: step %s (%s): %v", e.Step, e.Action, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
