package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/newtron-network/topotest/pkg/jsoncmp"
	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/query"
	"github.com/newtron-network/topotest/pkg/runner"
	"github.com/newtron-network/topotest/pkg/util"
)

// GoBGP runs gobgpd in the peer's namespace with its gRPC API on a unix
// socket. The socket lives in the shared filesystem, so the harness can
// reach the API from the default namespace.
//
// GoBGP is also a query.Querier answering "neighbors", "rib" and
// "rib ipv6".
type GoBGP struct {
	PeerName  string
	Namespace string
	Config    string
	Socket    string
	Binary    string
	LogDir    string
	Runner    runner.Runner
	// Poll bounds waiting for the API after start and for exit on stop.
	Poll poll.Policy
	// Dialer replaces the unix socket dial, e.g. with runner.SSH.DialContext
	// when the fabric host is remote.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	proc process

	mu   sync.Mutex
	conn *grpc.ClientConn
	api  apipb.GobgpApiClient
}

var (
	_ Emulator      = (*GoBGP)(nil)
	_ query.Querier = (*GoBGP)(nil)
)

// Name implements Emulator.
func (g *GoBGP) Name() string { return g.PeerName }

// LogPath returns where gobgpd's output goes.
func (g *GoBGP) LogPath() string {
	return filepath.Join(g.LogDir, g.PeerName, "gobgpd.log")
}

// Argv returns the argv that starts gobgpd.
func (g *GoBGP) Argv() []string {
	bin := g.Binary
	if bin == "" {
		bin = "gobgpd"
	}
	return runner.InNamespace(g.Namespace, bin,
		"-f", g.Config,
		"--api-hosts", "unix://"+g.Socket,
		"--pprof-disable")
}

// Start launches gobgpd and waits for its API to answer.
func (g *GoBGP) Start(ctx context.Context) error {
	if g.proc.running() {
		return nil
	}
	log := util.WithNode(g.PeerName)
	g.proc.runner = g.Runner

	if _, err := g.Runner.Run(ctx, "rm", "-f", g.Socket); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	pid, err := g.Runner.Start(ctx, g.LogPath(), g.Argv()...)
	if err != nil {
		return fmt.Errorf("start gobgpd: %w", err)
	}
	g.proc.pid = pid

	if err := g.connect(); err != nil {
		return err
	}

	res := poll.Until(ctx, g.Poll.Named("gobgp api "+g.PeerName), func(int) (string, bool) {
		if _, err := g.client().GetBgp(ctx, &apipb.GetBgpRequest{}); err != nil {
			return err.Error(), false
		}
		return "", true
	})
	if !res.Converged {
		return fmt.Errorf("gobgpd API on %s not ready after %d attempts: %s", g.Socket, res.Attempts, res.Value)
	}
	log.Infof("Started gobgpd (pid %d, api %s)", pid, g.Socket)
	return nil
}

func (g *GoBGP) connect() error {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if g.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return g.Dialer(ctx, "unix", g.Socket)
		}))
	}
	conn, err := grpc.NewClient("unix://"+g.Socket, opts...)
	if err != nil {
		return fmt.Errorf("gobgp client %s: %w", g.Socket, err)
	}
	g.mu.Lock()
	g.conn = conn
	g.api = apipb.NewGobgpApiClient(conn)
	g.mu.Unlock()
	return nil
}

func (g *GoBGP) client() apipb.GobgpApiClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.api
}

// Stop closes the API connection and terminates gobgpd.
func (g *GoBGP) Stop(ctx context.Context) error {
	g.mu.Lock()
	conn := g.conn
	g.conn, g.api = nil, nil
	g.mu.Unlock()

	var errs []error
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gobgp client: %w", err))
		}
	}
	if err := g.proc.stop(ctx, g.PeerName, g.Poll); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

// Announce injects prefix with the given next hop into the global RIB.
func (g *GoBGP) Announce(ctx context.Context, prefix, nexthop string) error {
	api := g.client()
	if api == nil {
		return fmt.Errorf("announce %s: %w", prefix, ErrNotStarted)
	}
	path, err := buildPath(prefix, nexthop)
	if err != nil {
		return err
	}
	if _, err := api.AddPath(ctx, &apipb.AddPathRequest{TableType: apipb.TableType_GLOBAL, Path: path}); err != nil {
		return fmt.Errorf("announce %s: %w", prefix, err)
	}
	util.WithNode(g.PeerName).Debugf("announced %s via %s", prefix, nexthop)
	return nil
}

// Withdraw removes a prefix previously announced with Announce.
func (g *GoBGP) Withdraw(ctx context.Context, prefix, nexthop string) error {
	api := g.client()
	if api == nil {
		return fmt.Errorf("withdraw %s: %w", prefix, ErrNotStarted)
	}
	path, err := buildPath(prefix, nexthop)
	if err != nil {
		return err
	}
	_, err = api.DeletePath(ctx, &apipb.DeletePathRequest{
		TableType: apipb.TableType_GLOBAL,
		Family:    path.Family,
		Path:      path,
	})
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", prefix, err)
	}
	util.WithNode(g.PeerName).Debugf("withdrew %s", prefix)
	return nil
}

var (
	familyIPv4 = &apipb.Family{Afi: apipb.Family_AFI_IP, Safi: apipb.Family_SAFI_UNICAST}
	familyIPv6 = &apipb.Family{Afi: apipb.Family_AFI_IP6, Safi: apipb.Family_SAFI_UNICAST}
)

// buildPath encodes a unicast path. IPv4 carries its next hop in NEXT_HOP,
// IPv6 in MP_REACH_NLRI.
func buildPath(prefix, nexthop string) (*apipb.Path, error) {
	ip, ipnet, err := net.ParseCIDR(prefix)
	if err != nil {
		return nil, fmt.Errorf("prefix %q: %w", prefix, err)
	}
	if net.ParseIP(nexthop) == nil {
		return nil, fmt.Errorf("next hop %q: invalid address", nexthop)
	}
	ones, _ := ipnet.Mask.Size()

	nlri, err := anypb.New(&apipb.IPAddressPrefix{Prefix: ipnet.IP.String(), PrefixLen: uint32(ones)})
	if err != nil {
		return nil, err
	}
	origin, err := anypb.New(&apipb.OriginAttribute{Origin: 0})
	if err != nil {
		return nil, err
	}

	family := familyIPv4
	var nh *anypb.Any
	if ip.To4() != nil {
		nh, err = anypb.New(&apipb.NextHopAttribute{NextHop: nexthop})
	} else {
		family = familyIPv6
		nh, err = anypb.New(&apipb.MpReachNLRIAttribute{
			Family:   familyIPv6,
			NextHops: []string{nexthop},
			Nlris:    []*anypb.Any{nlri},
		})
	}
	if err != nil {
		return nil, err
	}

	return &apipb.Path{Family: family, Nlri: nlri, Pattrs: []*anypb.Any{origin, nh}}, nil
}

// ---------------------------------------------------------------------------
// Querier
// ---------------------------------------------------------------------------

// JSON answers "neighbors", "rib" and "rib ipv6".
func (g *GoBGP) JSON(ctx context.Context, cmd string) (jsoncmp.Value, error) {
	api := g.client()
	if api == nil {
		return nil, fmt.Errorf("%s: %w", cmd, ErrNotStarted)
	}
	switch strings.Join(strings.Fields(cmd), " ") {
	case "neighbors":
		return listPeers(ctx, api)
	case "rib", "rib ipv4":
		return listPaths(ctx, api, familyIPv4)
	case "rib ipv6":
		return listPaths(ctx, api, familyIPv6)
	}
	return nil, fmt.Errorf("gobgp %q: %w", cmd, query.ErrUnknownCommand)
}

// Command returns JSON output as text.
func (g *GoBGP) Command(ctx context.Context, cmd string) (string, error) {
	v, err := g.JSON(ctx, cmd)
	if err != nil {
		return "", err
	}
	return jsoncmp.Format(v, 0), nil
}

func listPeers(ctx context.Context, api apipb.GobgpApiClient) (jsoncmp.Value, error) {
	stream, err := api.ListPeer(ctx, &apipb.ListPeerRequest{})
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	out := jsoncmp.Mapping{}
	for {
		r, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list peers: %w", err)
		}
		if r.Peer == nil || r.Peer.State == nil {
			continue
		}
		st := r.Peer.State
		out[st.NeighborAddress] = peerValue(st)
	}
}

func peerValue(st *apipb.PeerState) jsoncmp.Mapping {
	return jsoncmp.Mapping{
		"state":      jsoncmp.String(st.SessionState.String()),
		"adminState": jsoncmp.String(st.AdminState.String()),
		"peerAs":     jsoncmp.Number(st.PeerAsn),
		"routerId":   jsoncmp.String(st.RouterId),
	}
}

func listPaths(ctx context.Context, api apipb.GobgpApiClient, family *apipb.Family) (jsoncmp.Value, error) {
	stream, err := api.ListPath(ctx, &apipb.ListPathRequest{TableType: apipb.TableType_GLOBAL, Family: family})
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}
	out := jsoncmp.Mapping{}
	for {
		r, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list paths: %w", err)
		}
		if d := r.Destination; d != nil {
			out[d.Prefix] = destinationValue(d)
		}
	}
}

func destinationValue(d *apipb.Destination) jsoncmp.Sequence {
	seq := make(jsoncmp.Sequence, 0, len(d.Paths))
	for _, p := range d.Paths {
		seq = append(seq, jsoncmp.Mapping{
			"nexthop":  jsoncmp.String(pathNextHop(p)),
			"best":     jsoncmp.Bool(p.Best),
			"neighbor": jsoncmp.String(p.NeighborIp),
		})
	}
	return seq
}

func pathNextHop(p *apipb.Path) string {
	for _, a := range p.Pattrs {
		var nh apipb.NextHopAttribute
		if a.MessageIs(&nh) && a.UnmarshalTo(&nh) == nil {
			return nh.NextHop
		}
		var mp apipb.MpReachNLRIAttribute
		if a.MessageIs(&mp) && a.UnmarshalTo(&mp) == nil && len(mp.NextHops) > 0 {
			return mp.NextHops[0]
		}
	}
	return ""
}
