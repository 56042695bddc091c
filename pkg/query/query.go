// Package query reads state from the daemons and hosts of a running fabric.
//
// Every source implements Querier: Command returns raw text, JSON returns the
// parsed document for comparison with jsoncmp. A Querier is a poll.JSONSource.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/newtron-network/topotest/pkg/jsoncmp"
)

// Querier runs introspection commands against one state source.
type Querier interface {
	Command(ctx context.Context, cmd string) (string, error)
	JSON(ctx context.Context, cmd string) (jsoncmp.Value, error)
}

var (
	// ErrEmptyOutput is returned by JSON when the command printed nothing.
	ErrEmptyOutput = errors.New("empty output")

	// ErrRejected is returned when a daemon refuses configuration.
	ErrRejected = errors.New("configuration rejected")

	// ErrUnknownCommand is returned for commands a Querier does not support.
	ErrUnknownCommand = errors.New("unknown command")
)

// parseOutput decodes command output as JSON.
func parseOutput(cmd, out string) (jsoncmp.Value, error) {
	if strings.TrimSpace(out) == "" {
		return nil, fmt.Errorf("%s: %w", cmd, ErrEmptyOutput)
	}
	v, err := jsoncmp.Parse([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return v, nil
}
