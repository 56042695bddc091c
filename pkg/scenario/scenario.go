// Package scenario runs routing test scenarios. A scenario is a directory
// holding a YAML description, the fabric topology it needs, daemon and peer
// configuration, and reference output. The runner builds a fresh fabric for
// every scenario, starts FRR and the peer emulators inside it, executes the
// steps in order, and tears everything down again.
package scenario

import (
	"path/filepath"
	"time"
)

// FileName is the scenario description inside a scenario directory.
const FileName = "scenario.yaml"

// Scenario is a parsed test scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Topology is the fabric description, relative to Dir.
	Topology string   `yaml:"topology"`
	Requires []string `yaml:"requires,omitempty"`
	// Capabilities must all be present or the scenario is skipped.
	Capabilities []Capability `yaml:"capabilities,omitempty"`
	Daemons      []DaemonSpec `yaml:"daemons"`
	Peers        []PeerSpec   `yaml:"peers,omitempty"`
	// ExaBGPEnv is the environment file shared by all ExaBGP peers.
	ExaBGPEnv string `yaml:"exabgp_env,omitempty"`
	Repeat    int    `yaml:"repeat,omitempty"`
	Steps     []Step `yaml:"steps"`

	// Dir is the directory the scenario was loaded from.
	Dir string `yaml:"-"`
}

// Path resolves a path from the scenario file against Dir.
func (s *Scenario) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Dir, p)
}

// Capability is a command-line flag a daemon binary must advertise in its
// --help output.
type Capability struct {
	Daemon string `yaml:"daemon"`
	Flag   string `yaml:"flag"`
}

// DaemonSpec loads one FRR daemon on a node.
type DaemonSpec struct {
	Node   string   `yaml:"node"`
	Role   string   `yaml:"role"`
	Config string   `yaml:"config"`
	Args   []string `yaml:"args,omitempty"`
}

// PeerKind selects the emulator behind a peer.
type PeerKind string

const (
	PeerExaBGP PeerKind = "exabgp"
	PeerGoBGP  PeerKind = "gobgp"
)

// PeerSpec starts an emulator in a topology peer's namespace.
type PeerSpec struct {
	Name string   `yaml:"name"`
	Kind PeerKind `yaml:"kind"`
	// Dir holds exabgp.cfg; defaults to the peer name.
	Dir string `yaml:"dir,omitempty"`
	// Config is the gobgpd configuration file.
	Config string `yaml:"config,omitempty"`
}

// Step is a single action within a scenario. Fields are action-specific;
// the parser checks that each action has what it needs.
type Step struct {
	Name   string     `yaml:"name"`
	Action StepAction `yaml:"action"`

	// Node is the router for vtysh, verify-json and daemon actions.
	Node string `yaml:"node,omitempty"`
	// Namespace runs exec and shell-sourced verify-json steps in a
	// namespace other than the node's own, e.g. a VRF.
	Namespace string `yaml:"namespace,omitempty"`
	// Peer is the GoBGP peer for verify-peer, announce and withdraw.
	Peer string `yaml:"peer,omitempty"`

	// verify-*, vtysh, exec
	Command string `yaml:"command,omitempty"`

	// vtysh-config
	Lines []string `yaml:"lines,omitempty"`

	// kill-daemon, restart-daemon; empty means every daemon of the node
	Roles []string `yaml:"roles,omitempty"`

	// announce, withdraw
	Prefixes []string `yaml:"prefixes,omitempty"`
	NextHop  string   `yaml:"nexthop,omitempty"`

	// wait
	Duration time.Duration `yaml:"duration,omitempty"`

	Expect *ExpectBlock `yaml:"expect,omitempty"`
}

// StepAction identifies the type of step to execute.
type StepAction string

const (
	ActionVerifyJSON    StepAction = "verify-json"
	ActionVerifyPeer    StepAction = "verify-peer"
	ActionVerifyRedis   StepAction = "verify-redis"
	ActionVtysh         StepAction = "vtysh"
	ActionVtyshConfig   StepAction = "vtysh-config"
	ActionExec          StepAction = "exec"
	ActionKillDaemon    StepAction = "kill-daemon"
	ActionRestartDaemon StepAction = "restart-daemon"
	ActionAnnounce      StepAction = "announce"
	ActionWithdraw      StepAction = "withdraw"
	ActionWait          StepAction = "wait"
)

// validActions is derived from the executors map in steps.go.
var validActions map[StepAction]bool

func init() {
	validActions = make(map[StepAction]bool, len(executors))
	for action := range executors {
		validActions[action] = true
	}
}

// ExpectBlock is a union of the action-specific expectations.
type ExpectBlock struct {
	// verify-json, verify-peer, verify-redis: the expected pattern, inline
	// or from a JSON/YAML file relative to the scenario directory.
	JSON any    `yaml:"json,omitempty"`
	File string `yaml:"file,omitempty"`

	// vtysh, exec
	Contains    string   `yaml:"contains,omitempty"`
	NotContains string   `yaml:"not_contains,omitempty"`
	SuccessRate *float64 `yaml:"success_rate,omitempty"`

	// Polling. Zero values take the runner's policy for verify actions and
	// a single attempt for vtysh and exec.
	Attempts int           `yaml:"attempts,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

func (e *ExpectBlock) hasPattern() bool {
	return e != nil && (e.JSON != nil || e.File != "")
}

func (e *ExpectBlock) hasOutputCheck() bool {
	return e != nil && (e.Contains != "" || e.NotContains != "" || e.SuccessRate != nil)
}
