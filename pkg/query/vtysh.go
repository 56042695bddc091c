package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/topotest/pkg/jsoncmp"
	"github.com/newtron-network/topotest/pkg/runner"
	"github.com/newtron-network/topotest/pkg/util"
)

// DefaultVtysh is the vtysh binary used when Vtysh.Path is empty.
const DefaultVtysh = "vtysh"

// Vtysh talks to the FRR daemons of one node through vtysh. The daemons
// must have been started with "-N <Node>" so their sockets live in the
// node's pathspace.
type Vtysh struct {
	Runner runner.Runner
	// Node is the FRR pathspace, passed as "-N".
	Node string
	// Namespace is where vtysh runs; "" is the default namespace.
	Namespace string
	Path      string
}

// NewVtysh returns a client for node's daemons, running in namespace ns.
func NewVtysh(r runner.Runner, node, ns string) *Vtysh {
	return &Vtysh{Runner: r, Node: node, Namespace: ns}
}

func (v *Vtysh) argv(cmds ...string) []string {
	path := v.Path
	if path == "" {
		path = DefaultVtysh
	}
	argv := []string{path}
	if v.Node != "" {
		argv = append(argv, "-N", v.Node)
	}
	for _, c := range cmds {
		argv = append(argv, "-c", c)
	}
	return runner.InNamespace(v.Namespace, argv...)
}

// Command runs one vtysh command and returns its output.
func (v *Vtysh) Command(ctx context.Context, cmd string) (string, error) {
	out, err := v.Runner.Run(ctx, v.argv(cmd)...)
	if err != nil {
		return out, fmt.Errorf("vtysh %s: %w", v.Node, err)
	}
	return out, nil
}

// JSON runs cmd, appending " json" when missing, and parses the output.
func (v *Vtysh) JSON(ctx context.Context, cmd string) (jsoncmp.Value, error) {
	if !strings.HasSuffix(strings.TrimSpace(cmd), " json") {
		cmd = strings.TrimSpace(cmd) + " json"
	}
	out, err := v.Command(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return parseOutput(cmd, out)
}

// Configure applies lines in configuration mode as a single vtysh call:
// vtysh -c "configure terminal" -c line1 -c line2 ...
// Any line of output starting with "%" is treated as a rejection.
func (v *Vtysh) Configure(ctx context.Context, lines ...string) error {
	cmds := append([]string{"configure terminal"}, lines...)
	util.WithNode(v.Node).Debugf("vtysh configure: %s", strings.Join(lines, " / "))

	out, err := v.Runner.Run(ctx, v.argv(cmds...)...)
	if err != nil {
		return fmt.Errorf("vtysh %s configure: %w", v.Node, err)
	}
	var rejected []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "%") {
			rejected = append(rejected, strings.TrimSpace(line))
		}
	}
	if len(rejected) > 0 {
		return fmt.Errorf("vtysh %s: %w: %s", v.Node, ErrRejected, strings.Join(rejected, "; "))
	}
	return nil
}
