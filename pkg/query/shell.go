package query

import (
	"context"

	"github.com/newtron-network/topotest/pkg/jsoncmp"
	"github.com/newtron-network/topotest/pkg/runner"
)

// Shell runs commands through "sh -c" inside a namespace. It serves
// JSON-emitting tools such as "ip -j route".
type Shell struct {
	Runner    runner.Runner
	Namespace string
}

// Command runs cmd and returns its combined output.
func (s *Shell) Command(ctx context.Context, cmd string) (string, error) {
	return s.Runner.Run(ctx, runner.InNamespace(s.Namespace, "sh", "-c", cmd)...)
}

// JSON runs cmd and parses its output.
func (s *Shell) JSON(ctx context.Context, cmd string) (jsoncmp.Value, error) {
	out, err := s.Command(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return parseOutput(cmd, out)
}
