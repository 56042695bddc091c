// Package peer runs emulated BGP speakers inside fabric namespaces.
//
// ExaBGP peers are driven entirely by their configuration file. GoBGP
// peers also expose the daemon's gRPC API over a unix socket, which lets a
// scenario announce and withdraw routes and read the peer's view of the
// session and RIB.
package peer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/runner"
	"github.com/newtron-network/topotest/pkg/util"
)

// Emulator is a BGP speaker that the harness starts and stops.
type Emulator interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ErrNotStarted is returned by operations that need a running peer.
var ErrNotStarted = errors.New("peer not started")

// StartAll starts every emulator concurrently and returns the first error.
// Emulators that did start are left running; callers stop them with StopAll.
func StartAll(ctx context.Context, emus []Emulator) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range emus {
		e := e
		g.Go(func() error {
			if err := e.Start(ctx); err != nil {
				return fmt.Errorf("peer %s: %w", e.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every emulator, continuing past failures, and ignores
// cancellation of ctx.
func StopAll(ctx context.Context, emus []Emulator) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, e := range emus {
		if err := e.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// process is a background process started through a Runner.
type process struct {
	runner runner.Runner
	pid    int
}

func (p *process) running() bool {
	return p.pid > 0
}

func (p *process) alive(ctx context.Context) bool {
	if p.pid <= 0 {
		return false
	}
	_, err := p.runner.Run(ctx, "kill", "-0", strconv.Itoa(p.pid))
	return err == nil
}

// stop sends SIGTERM, waits for the process to exit within policy, then
// falls back to SIGKILL. A process that is already gone is not an error.
func (p *process) stop(ctx context.Context, name string, policy poll.Policy) error {
	if !p.running() {
		return nil
	}
	pid := strconv.Itoa(p.pid)
	log := util.WithNode(name)

	if _, err := p.runner.Run(ctx, "kill", "-TERM", pid); err != nil {
		if p.alive(ctx) {
			return fmt.Errorf("SIGTERM pid %s: %w", pid, err)
		}
		p.pid = 0
		return nil
	}
	res := poll.Until(ctx, policy.Named("stop "+name), func(int) (struct{}, bool) {
		return struct{}{}, !p.alive(ctx)
	})
	if !res.Converged {
		log.Warnf("pid %s survived SIGTERM, sending SIGKILL", pid)
		if _, err := p.runner.Run(ctx, "kill", "-KILL", pid); err != nil && p.alive(ctx) {
			return fmt.Errorf("SIGKILL pid %s: %w", pid, err)
		}
	}
	log.Infof("Stopped (pid %s)", pid)
	p.pid = 0
	return nil
}
