package peer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/runner"
	"github.com/newtron-network/topotest/pkg/util"
)

// ExaBGP runs "exabgp -e <Env> <Dir>/exabgp.cfg" in the peer's namespace.
// Dir holds the peer's configuration and whatever helper scripts it
// references.
type ExaBGP struct {
	PeerName  string
	Namespace string
	Dir       string
	// Env is the exabgp environment file, shared by all peers of a scenario.
	Env    string
	Binary string
	LogDir string
	Runner runner.Runner
	Poll   poll.Policy

	proc process
}

// Name implements Emulator.
func (e *ExaBGP) Name() string { return e.PeerName }

// Config returns the path of the peer's configuration file.
func (e *ExaBGP) Config() string {
	return filepath.Join(e.Dir, "exabgp.cfg")
}

// LogPath returns where the peer's output goes.
func (e *ExaBGP) LogPath() string {
	return filepath.Join(e.LogDir, e.PeerName, "exabgp.log")
}

// Argv returns the argv that starts the peer.
func (e *ExaBGP) Argv() []string {
	bin := e.Binary
	if bin == "" {
		bin = "exabgp"
	}
	argv := []string{bin}
	if e.Env != "" {
		argv = append(argv, "-e", e.Env)
	}
	argv = append(argv, e.Config())
	return runner.InNamespace(e.Namespace, argv...)
}

// Start launches exabgp and checks that it survived startup.
func (e *ExaBGP) Start(ctx context.Context) error {
	if e.proc.running() {
		return nil
	}
	e.proc.runner = e.Runner
	pid, err := e.Runner.Start(ctx, e.LogPath(), e.Argv()...)
	if err != nil {
		return fmt.Errorf("start exabgp: %w", err)
	}
	e.proc.pid = pid
	if !e.proc.alive(ctx) {
		e.proc.pid = 0
		return fmt.Errorf("exabgp exited during startup, see %s", e.LogPath())
	}
	util.WithNode(e.PeerName).Infof("Started exabgp (pid %d)", pid)
	return nil
}

// Stop terminates exabgp.
func (e *ExaBGP) Stop(ctx context.Context) error {
	return e.proc.stop(ctx, e.PeerName, e.Poll)
}

// PID returns the process id, 0 when stopped.
func (e *ExaBGP) PID() int {
	return e.proc.pid
}
