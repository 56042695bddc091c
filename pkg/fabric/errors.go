// Package fabric builds and tears down virtual test topologies out of
// network namespaces, veth pairs, bridges and dummy interfaces.
//
// A Topology compiles into a Plan of typed ops. The Builder runs the plan
// through an Executor, records every op that succeeded in a Handle, and
// undoes exactly those ops, latest first, on Teardown.
package fabric

import (
	"errors"
	"fmt"
)

var (
	// ErrSetupInconsistent means the host did not accept a setup op. The
	// fabric is partially built and the test cannot run.
	ErrSetupInconsistent = errors.New("fabric setup inconsistent")

	// ErrUnexpectedOutput is returned by ShellExecutor when an ip(8)
	// command prints anything. Successful mutations are silent.
	ErrUnexpectedOutput = errors.New("unexpected command output")

	// ErrAbsent marks a failure caused by the target object not existing.
	ErrAbsent = errors.New("object absent")
)

// SetupError reports the op that stopped Setup.
type SetupError struct {
	Fabric string
	Index  int
	Op     Op
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("fabric %s: setup step %d (%s): %v", e.Fabric, e.Index+1, e.Op, e.Err)
}

func (e *SetupError) Unwrap() []error {
	return []error{ErrSetupInconsistent, e.Err}
}

// IsAbsent reports whether err was caused by a missing object.
func IsAbsent(err error) bool {
	return errors.Is(err, ErrAbsent)
}
