package peer

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/newtron-network/topotest/internal/testutil"
	"github.com/newtron-network/topotest/pkg/jsoncmp"
	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/query"
)

// fakeGoBGP answers the subset of the GoBGP API the emulator uses.
type fakeGoBGP struct {
	apipb.UnimplementedGobgpApiServer

	mu      sync.Mutex
	peers   []*apipb.Peer
	added   []*apipb.Path
	deleted []*apipb.Path
	dests   []*apipb.Destination
}

func (f *fakeGoBGP) GetBgp(context.Context, *apipb.GetBgpRequest) (*apipb.GetBgpResponse, error) {
	return &apipb.GetBgpResponse{Global: &apipb.Global{Asn: 65001, RouterId: "10.0.0.1"}}, nil
}

func (f *fakeGoBGP) AddPath(_ context.Context, req *apipb.AddPathRequest) (*apipb.AddPathResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, req.Path)
	return &apipb.AddPathResponse{}, nil
}

func (f *fakeGoBGP) DeletePath(_ context.Context, req *apipb.DeletePathRequest) (*emptypb.Empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, req.Path)
	return &emptypb.Empty{}, nil
}

func (f *fakeGoBGP) ListPeer(_ *apipb.ListPeerRequest, stream apipb.GobgpApi_ListPeerServer) error {
	for _, p := range f.peers {
		if err := stream.Send(&apipb.ListPeerResponse{Peer: p}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeGoBGP) ListPath(req *apipb.ListPathRequest, stream apipb.GobgpApi_ListPathServer) error {
	for _, d := range f.dests {
		if req.Family.Afi == apipb.Family_AFI_IP6 && !strings.Contains(d.Prefix, ":") {
			continue
		}
		if req.Family.Afi == apipb.Family_AFI_IP && strings.Contains(d.Prefix, ":") {
			continue
		}
		if err := stream.Send(&apipb.ListPathResponse{Destination: d}); err != nil {
			return err
		}
	}
	return nil
}

func startFakeGoBGP(t *testing.T, srv *fakeGoBGP) (*GoBGP, *testutil.FakeRunner) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	apipb.RegisterGobgpApiServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	r := &testutil.FakeRunner{}
	r.On("kill -0", "", errors.New("exit status 1"))
	g := &GoBGP{
		PeerName:  "peer1",
		Namespace: "peer1",
		Config:    "/etc/topotest/peer1/gobgpd.toml",
		Socket:    "/run/topotest/peer1/gobgp.sock",
		LogDir:    "/var/log/topotest",
		Runner:    r,
		Poll:      poll.Policy{MaxAttempts: 3, Interval: time.Millisecond},
		Dialer: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		},
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = g.Stop(context.Background()) })
	return g, r
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestGoBGPCommand(t *testing.T) {
	g := &GoBGP{Namespace: "peer1", Config: "/c/gobgpd.toml", Socket: "/run/p1.sock"}
	want := []string{"ip", "netns", "exec", "peer1", "gobgpd",
		"-f", "/c/gobgpd.toml", "--api-hosts", "unix:///run/p1.sock", "--pprof-disable"}
	if diff := cmp.Diff(want, g.Argv()); diff != "" {
		t.Errorf("Argv() mismatch (-want +got):\n%s", diff)
	}
}

func TestGoBGPStartStop(t *testing.T) {
	g, r := startFakeGoBGP(t, &fakeGoBGP{})

	started := r.StartedProcesses()
	if len(started) != 1 {
		t.Fatalf("started %d processes, want 1", len(started))
	}
	if started[0].LogPath != "/var/log/topotest/peer1/gobgpd.log" {
		t.Errorf("LogPath = %q", started[0].LogPath)
	}
	if len(r.CommandsContaining("rm -f /run/topotest/peer1/gobgp.sock")) != 1 {
		t.Errorf("stale socket not removed: %v", r.Commands())
	}

	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := r.CommandsContaining("kill -TERM 1000"); len(got) != 1 {
		t.Errorf("kill -TERM calls = %v, want 1", got)
	}
	if _, err := g.JSON(context.Background(), "neighbors"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("JSON() after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestGoBGPNotStarted(t *testing.T) {
	g := &GoBGP{PeerName: "peer1"}
	ctx := context.Background()
	if err := g.Announce(ctx, "10.0.0.0/24", "10.0.0.1"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Announce() error = %v, want ErrNotStarted", err)
	}
	if err := g.Withdraw(ctx, "10.0.0.0/24", "10.0.0.1"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Withdraw() error = %v, want ErrNotStarted", err)
	}
	if err := g.Stop(ctx); err != nil {
		t.Errorf("Stop() on idle peer error = %v", err)
	}
}

// ============================================================================
// Routes
// ============================================================================

func TestGoBGPAnnounceWithdraw(t *testing.T) {
	srv := &fakeGoBGP{}
	g, _ := startFakeGoBGP(t, srv)
	ctx := context.Background()

	if err := g.Announce(ctx, "10.201.0.0/24", "10.0.0.2"); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if err := g.Withdraw(ctx, "10.201.0.0/24", "10.0.0.2"); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.added) != 1 || len(srv.deleted) != 1 {
		t.Fatalf("added %d deleted %d paths, want 1 and 1", len(srv.added), len(srv.deleted))
	}
	var nlri apipb.IPAddressPrefix
	if err := srv.added[0].Nlri.UnmarshalTo(&nlri); err != nil {
		t.Fatalf("UnmarshalTo() error = %v", err)
	}
	if nlri.Prefix != "10.201.0.0" || nlri.PrefixLen != 24 {
		t.Errorf("nlri = %s/%d, want 10.201.0.0/24", nlri.Prefix, nlri.PrefixLen)
	}
	if got := pathNextHop(srv.added[0]); got != "10.0.0.2" {
		t.Errorf("next hop = %q, want 10.0.0.2", got)
	}
}

func TestBuildPath(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		nexthop string
		afi     apipb.Family_Afi
		wantErr bool
	}{
		{name: "ipv4", prefix: "10.1.0.0/16", nexthop: "10.0.0.1", afi: apipb.Family_AFI_IP},
		{name: "ipv4 host bits", prefix: "10.1.2.3/16", nexthop: "10.0.0.1", afi: apipb.Family_AFI_IP},
		{name: "ipv6", prefix: "2001:db8::/64", nexthop: "fd00::1", afi: apipb.Family_AFI_IP6},
		{name: "bad prefix", prefix: "10.1.0.0", nexthop: "10.0.0.1", wantErr: true},
		{name: "bad next hop", prefix: "10.1.0.0/16", nexthop: "nowhere", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildPath(tt.prefix, tt.nexthop)
			if tt.wantErr {
				if err == nil {
					t.Fatal("buildPath() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildPath() error = %v", err)
			}
			if p.Family.Afi != tt.afi {
				t.Errorf("Afi = %v, want %v", p.Family.Afi, tt.afi)
			}
			if got := pathNextHop(p); got != tt.nexthop {
				t.Errorf("next hop = %q, want %q", got, tt.nexthop)
			}
			var nlri apipb.IPAddressPrefix
			if err := p.Nlri.UnmarshalTo(&nlri); err != nil {
				t.Fatalf("UnmarshalTo() error = %v", err)
			}
			if strings.Contains(nlri.Prefix, "1.2.3") {
				t.Errorf("nlri prefix %q keeps host bits", nlri.Prefix)
			}
		})
	}
}

// ============================================================================
// Querier
// ============================================================================

func TestGoBGPNeighbors(t *testing.T) {
	srv := &fakeGoBGP{peers: []*apipb.Peer{
		{State: &apipb.PeerState{
			NeighborAddress: "10.0.0.1",
			PeerAsn:         100,
			RouterId:        "1.1.1.1",
			SessionState:    apipb.PeerState_ESTABLISHED,
			AdminState:      apipb.PeerState_UP,
		}},
		{State: &apipb.PeerState{
			NeighborAddress: "10.0.0.5",
			PeerAsn:         200,
			SessionState:    apipb.PeerState_ACTIVE,
		}},
		{},
	}}
	g, _ := startFakeGoBGP(t, srv)

	got, err := g.JSON(context.Background(), "neighbors")
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	want := jsoncmp.MustParse(`{"10.0.0.1": {"state": "ESTABLISHED", "peerAs": 100, "routerId": "1.1.1.1"},
		"10.0.0.5": {"state": "ACTIVE"}}`)
	if d := jsoncmp.Compare(got, want); d != nil {
		t.Errorf("neighbors mismatch:\n%s", d)
	}
	if m := got.(jsoncmp.Mapping); len(m) != 2 {
		t.Errorf("neighbors = %d entries, want 2", len(m))
	}
}

func TestGoBGPRib(t *testing.T) {
	nh := func(addr string) *anypb.Any {
		a, err := anypb.New(&apipb.NextHopAttribute{NextHop: addr})
		if err != nil {
			t.Fatal(err)
		}
		return a
	}
	srv := &fakeGoBGP{dests: []*apipb.Destination{
		{Prefix: "10.101.0.0/24", Paths: []*apipb.Path{
			{Best: true, NeighborIp: "10.0.0.1", Pattrs: []*anypb.Any{nh("10.0.0.1")}},
			{NeighborIp: "10.0.0.5", Pattrs: []*anypb.Any{nh("10.0.0.5")}},
		}},
		{Prefix: "2001:db8::/64", Paths: []*apipb.Path{{Best: true}}},
	}}
	g, _ := startFakeGoBGP(t, srv)
	ctx := context.Background()

	got, err := g.JSON(ctx, "rib")
	if err != nil {
		t.Fatalf("JSON(rib) error = %v", err)
	}
	want := jsoncmp.MustParse(`{"10.101.0.0/24": [
		{"nexthop": "10.0.0.1", "best": true, "neighbor": "10.0.0.1"},
		{"nexthop": "10.0.0.5", "best": false}]}`)
	if d := jsoncmp.Compare(got, want); d != nil {
		t.Errorf("rib mismatch:\n%s", d)
	}
	if _, ok := jsoncmp.Lookup(got, "2001:db8::/64"); ok {
		t.Error("ipv4 rib contains ipv6 prefix")
	}

	got6, err := g.JSON(ctx, "  rib   ipv6 ")
	if err != nil {
		t.Fatalf("JSON(rib ipv6) error = %v", err)
	}
	if _, ok := jsoncmp.Lookup(got6, "2001:db8::/64"); !ok {
		t.Errorf("ipv6 rib = %s, want 2001:db8::/64", jsoncmp.Format(got6, 0))
	}

	if _, err := g.JSON(ctx, "show ip route"); !errors.Is(err, query.ErrUnknownCommand) {
		t.Errorf("JSON(unknown) error = %v, want ErrUnknownCommand", err)
	}
}

func TestGoBGPAsQuerier(t *testing.T) {
	srv := &fakeGoBGP{peers: []*apipb.Peer{
		{State: &apipb.PeerState{NeighborAddress: "10.0.0.1", PeerAsn: 100, SessionState: apipb.PeerState_ESTABLISHED}},
	}}
	g, _ := startFakeGoBGP(t, srv)
	var q query.Querier = g

	out, err := q.Command(context.Background(), "neighbors")
	if err != nil {
		t.Fatalf("Command(neighbors) error = %v", err)
	}
	if !strings.Contains(out, "ESTABLISHED") || !strings.Contains(out, "10.0.0.1") {
		t.Errorf("Command(neighbors) = %q", out)
	}
	if _, err := q.Command(context.Background(), "summary"); !errors.Is(err, query.ErrUnknownCommand) {
		t.Errorf("Command(unknown) error = %v, want ErrUnknownCommand", err)
	}
}
