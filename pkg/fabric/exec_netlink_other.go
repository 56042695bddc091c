//go:build !linux

package fabric

import (
	"context"
	"errors"
)

// NetlinkExecutor is only available on Linux.
type NetlinkExecutor struct{}

// Exec always fails outside Linux.
func (e *NetlinkExecutor) Exec(context.Context, Op) error {
	return errors.New("netlink executor requires linux")
}
