package poll

import (
	"context"

	"github.com/newtron-network/topotest/pkg/jsoncmp"
	"github.com/newtron-network/topotest/pkg/util"
)

// JSONSource runs an introspection command and returns its parsed output.
type JSONSource interface {
	JSON(ctx context.Context, command string) (jsoncmp.Value, error)
}

// JSONFunc adapts a function to JSONSource.
type JSONFunc func(ctx context.Context, command string) (jsoncmp.Value, error)

// JSON calls f(ctx, command).
func (f JSONFunc) JSON(ctx context.Context, command string) (jsoncmp.Value, error) {
	return f(ctx, command)
}

// Convergence is the result of polling a command against an expected pattern.
type Convergence struct {
	Converged bool
	// LastDiff is nil when converged. Otherwise it describes the final
	// attempt; a failed query is reported as an Unavailable mismatch.
	LastDiff *jsoncmp.Diff
	Attempts int
	// Last is the final observed value, nil if the final query failed.
	Last jsoncmp.Value
	Err  error
}

type observation struct {
	value jsoncmp.Value
	diff  *jsoncmp.Diff
}

// JSON polls src with command until its output matches expected.
// Query errors count as failed attempts and never abort the poll.
func JSON(ctx context.Context, p Policy, src JSONSource, command string, expected jsoncmp.Value) Convergence {
	if p.Name == "" {
		p.Name = command
	}
	log := util.WithField("command", command)

	out := Until(ctx, p, func(attempt int) (observation, bool) {
		v, err := src.JSON(ctx, command)
		if err != nil {
			log.Debugf("attempt %d: query failed: %v", attempt, err)
			return observation{diff: jsoncmp.UnavailableDiff(err)}, false
		}
		d := jsoncmp.Compare(v, expected)
		if d != nil {
			log.Debugf("attempt %d: %d mismatches, first: %s", attempt, d.Len(), d.Mismatches[0])
		}
		return observation{value: v, diff: d}, d == nil
	})

	if out.Converged {
		log.Debugf("converged after %d attempts", out.Attempts)
	} else {
		log.Infof("not converged after %d attempts: %s", out.Attempts, out.Value.diff.Summary())
	}

	return Convergence{
		Converged: out.Converged,
		LastDiff:  out.Value.diff,
		Attempts:  out.Attempts,
		Last:      out.Value.value,
		Err:       out.Err,
	}
}
