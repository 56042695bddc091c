package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/topotest/pkg/runner"
)

// CheckCapability runs "<role> --help" and requires flag in its output,
// e.g. CheckCapability(ctx, Zebra, "vrfwnetns") for VRF-as-netns support.
func (m *Manager) CheckCapability(ctx context.Context, role Role, flag string) error {
	bin := m.Paths.Binary(role)
	out, err := m.Runner.Run(ctx, bin, "--help")
	// some daemons exit non-zero after printing usage
	if err != nil && strings.TrimSpace(out) == "" {
		return fmt.Errorf("%w: %s not runnable: %v", ErrCapabilityMissing, bin, err)
	}
	if !strings.Contains(out, flag) {
		return fmt.Errorf("%w: %s does not support %s", ErrCapabilityMissing, role, flag)
	}
	return nil
}

// CheckNetns requires a working "ip netns".
func CheckNetns(ctx context.Context, r runner.Runner) error {
	if _, err := r.Run(ctx, "ip", "netns", "list"); err != nil {
		return fmt.Errorf("%w: ip netns: %v", ErrCapabilityMissing, err)
	}
	return nil
}
