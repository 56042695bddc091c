package fabric

import (
	"context"
	"fmt"
	"strings"

	"github.com/newtron-network/topotest/pkg/runner"
)

// ShellExecutor runs each op as an ip(8) command through a Runner. Any
// output from a command counts as failure.
type ShellExecutor struct {
	Runner runner.Runner
}

var absentMessages = []string{
	"Cannot find device",
	"No such file or directory",
	"Cannot open network namespace",
	"does not exist",
}

// Exec implements Executor.
func (e *ShellExecutor) Exec(ctx context.Context, op Op) error {
	out, err := e.Runner.Run(ctx, op.Args()...)
	out = strings.TrimSpace(out)
	if err != nil {
		for _, msg := range absentMessages {
			if strings.Contains(out, msg) {
				return fmt.Errorf("%s: %w: %s", op, ErrAbsent, out)
			}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if out != "" {
		return fmt.Errorf("%s: %w: %s", op, ErrUnexpectedOutput, out)
	}
	return nil
}
