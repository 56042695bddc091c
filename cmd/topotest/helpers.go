package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/newtron-network/topotest/pkg/daemon"
	"github.com/newtron-network/topotest/pkg/fabric"
	"github.com/newtron-network/topotest/pkg/metrics"
	"github.com/newtron-network/topotest/pkg/query"
	"github.com/newtron-network/topotest/pkg/runner"
	"github.com/newtron-network/topotest/pkg/scenario"
	"github.com/newtron-network/topotest/pkg/settings"
)

// host is the machine the fabric lives on: this one, or an SSH target.
type host struct {
	runner.Runner
	// dial reaches unix sockets and TCP ports on the host; nil dials
	// locally.
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
	close func() error
}

func (h *host) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// openHost connects to the fabric host named by s.
func openHost(s *settings.Settings) (*host, error) {
	if !s.Remote() {
		return &host{Runner: &runner.Local{Sudo: s.SSH.Sudo && os.Geteuid() != 0}}, nil
	}
	c, err := runner.DialSSH(s.SSHRunnerConfig())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", s.SSH.Host, err)
	}
	c.Sudo = s.SSH.Sudo
	return &host{Runner: c, dial: c.DialContext, close: c.Close}, nil
}

// newBuilder returns a fabric builder persisting handles under the state
// directory. obs may be nil.
func newBuilder(s *settings.Settings, h *host, obs *metrics.Collector) *fabric.Builder {
	b := &fabric.Builder{StateDir: s.Dirs.State}
	switch s.Fabric.Executor {
	case settings.ExecutorNetlink:
		b.Exec = &fabric.NetlinkExecutor{}
	default:
		b.Exec = &fabric.ShellExecutor{Runner: h}
	}
	if obs != nil {
		b.Observer = obs
	}
	return b
}

// newScenarioRunner wires settings, host and metrics into a scenario
// runner. obs may be nil.
func newScenarioRunner(s *settings.Settings, h *host, obs *metrics.Collector) *scenario.Runner {
	r := &scenario.Runner{
		Exec:   h,
		Fabric: newBuilder(s, h, obs),
		Paths: daemon.Paths{
			BinDir: s.FRR.BinDir,
			RunDir: s.Dirs.Run,
			LogDir: s.Dirs.Log,
		},
		Tools: scenario.Tools{
			Vtysh:  s.FRR.Vtysh,
			ExaBGP: s.Peers.ExaBGP,
			GoBGPd: s.Peers.GoBGPd,
		},
		Poll: s.PollPolicy(),
		Dial: h.dial,
	}
	if obs != nil {
		r.Poll.Observer = obs
		r.Observer = obs
		r.DaemonObserver = obs
	}
	if s.Redis.Addr != "" {
		r.Redis = newRedis(s, h)
	}
	return r
}

func newRedis(s *settings.Settings, h *host) *query.Redis {
	return query.NewRedis(query.RedisConfig{
		Addr:   s.Redis.Addr,
		DB:     s.Redis.DB,
		Dialer: h.dial,
	})
}

// loadTopologyArg loads a topology file, or returns a nil topology and
// the argument as fabric name when no such file exists.
func loadTopologyArg(arg string) (*fabric.Topology, string, error) {
	if _, err := os.Stat(arg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, arg, nil
		}
		return nil, "", err
	}
	t, err := fabric.LoadTopology(arg)
	if err != nil {
		return nil, "", err
	}
	return t, t.Name, nil
}
