// Package daemon starts, stops and restarts FRR daemons inside fabric
// namespaces.
//
// Each (node, role) pair has at most one instance. Daemons start
// backgrounded with "-d" and a pidfile under the run directory; the
// manager reads the pid back and signals it through the same Runner, so
// the node can be local or remote.
package daemon

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Role is an FRR daemon.
type Role string

const (
	Mgmtd   Role = "mgmtd"
	Zebra   Role = "zebra"
	Staticd Role = "staticd"
	Bgpd    Role = "bgpd"
	Ldpd    Role = "ldpd"
	Pathd   Role = "pathd"
	Vrrpd   Role = "vrrpd"
	Nhrpd   Role = "nhrpd"
)

// StartOrder is the order daemons of one node start in. The forwarding
// plane manager comes before the protocol daemons that feed it.
var StartOrder = []Role{Mgmtd, Zebra, Staticd, Bgpd, Ldpd, Pathd, Vrrpd, Nhrpd}

// ParseRole validates a daemon name.
func ParseRole(s string) (Role, error) {
	for _, r := range StartOrder {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown daemon %q (want one of %s)", s, roleList())
}

func roleList() string {
	names := make([]string, len(StartOrder))
	for i, r := range StartOrder {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

func rank(r Role) int {
	for i, o := range StartOrder {
		if o == r {
			return i
		}
	}
	return len(StartOrder)
}

var (
	// ErrCapabilityMissing means the host lacks a binary, option or kernel
	// feature a scenario needs. Scenarios skip rather than fail on it.
	ErrCapabilityMissing = errors.New("capability missing")

	// ErrNotLoaded is returned when operating on a role without a config.
	ErrNotLoaded = errors.New("daemon not loaded")

	// ErrRunning is returned by LoadConfig for an instance that is running.
	ErrRunning = errors.New("daemon running")

	// ErrStartFailed means the daemon never wrote a live pid.
	ErrStartFailed = errors.New("daemon did not start")
)

// Instance is one daemon of one node.
type Instance struct {
	Node      string
	Namespace string
	Role      Role
	Config    string
	Args      []string
	// PID is 0 while the daemon is stopped.
	PID int
}

// Running reports whether the instance has a live pid.
func (i Instance) Running() bool {
	return i.PID > 0
}

func (i Instance) String() string {
	return i.Node + "/" + string(i.Role)
}

// Paths locates daemon binaries and per-node run and log directories.
type Paths struct {
	BinDir string
	RunDir string
	LogDir string
}

// Binary returns the path of role's executable.
func (p Paths) Binary(role Role) string {
	return filepath.Join(p.BinDir, string(role))
}

// PIDFile returns <RunDir>/<node>/<role>.pid.
func (p Paths) PIDFile(node string, role Role) string {
	return filepath.Join(p.RunDir, node, string(role)+".pid")
}

// LogFile returns <LogDir>/<node>/<role>.log.
func (p Paths) LogFile(node string, role Role) string {
	return filepath.Join(p.LogDir, node, string(role)+".log")
}

// Command returns the argv that starts inst.
func (p Paths) Command(inst Instance) []string {
	argv := []string{
		p.Binary(inst.Role),
		"-d",
		"-N", inst.Node,
		"-f", inst.Config,
		"-i", p.PIDFile(inst.Node, inst.Role),
		"--log", "file:" + p.LogFile(inst.Node, inst.Role),
	}
	argv = append(argv, inst.Args...)
	if inst.Namespace == "" {
		return argv
	}
	return append([]string{"ip", "netns", "exec", inst.Namespace}, argv...)
}
