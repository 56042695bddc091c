package daemon

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/topotest/internal/testutil"
	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/runner"
)

var testPaths = Paths{BinDir: "/usr/lib/frr", RunDir: "/run/topotest", LogDir: "/var/log/topotest"}

// fakeHost models pidfiles and a process table behind a FakeRunner.
type fakeHost struct {
	pidfiles   map[string]int
	alive      map[int]bool
	roles      map[int]string
	nextPID    int
	noPIDFile  map[string]bool // role -> never writes its pidfile
	ignoreTerm map[string]bool // role -> survives SIGTERM
	help       string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		pidfiles:   map[string]int{},
		alive:      map[int]bool{},
		roles:      map[int]string{},
		nextPID:    4000,
		noPIDFile:  map[string]bool{},
		ignoreTerm: map[string]bool{},
	}
}

func exitErr(argv []string, out string) error {
	return &runner.ExitError{Argv: argv, Code: 1, Output: out}
}

func (h *fakeHost) run(argv []string) (string, error) {
	switch argv[0] {
	case "mkdir":
		return "", nil
	case "rm":
		delete(h.pidfiles, argv[len(argv)-1])
		return "", nil
	case "cat":
		pid, ok := h.pidfiles[argv[1]]
		if !ok {
			return "cat: " + argv[1] + ": No such file or directory", exitErr(argv, "")
		}
		return strconv.Itoa(pid) + "\n", nil
	case "kill":
		pid, _ := strconv.Atoi(argv[2])
		if !h.alive[pid] {
			return "kill: No such process", exitErr(argv, "")
		}
		switch argv[1] {
		case "-TERM":
			if !h.ignoreTerm[h.roles[pid]] {
				h.alive[pid] = false
			}
		case "-KILL":
			h.alive[pid] = false
		}
		return "", nil
	}

	for i, a := range argv {
		if a == "--help" {
			return h.help, nil
		}
		if a == "-i" && i+1 < len(argv) {
			bin := argv[i-6]
			role := bin[strings.LastIndex(bin, "/")+1:]
			pid := h.nextPID
			h.nextPID++
			h.alive[pid] = true
			h.roles[pid] = role
			if !h.noPIDFile[role] {
				h.pidfiles[argv[i+1]] = pid
			}
			return "", nil
		}
	}
	return "", nil
}

type eventLog []string

func (e *eventLog) ObserveDaemon(role, event string) {
	*e = append(*e, role+":"+event)
}

func newTestManager(t *testing.T) (*Manager, *fakeHost, *testutil.FakeRunner, *eventLog) {
	t.Helper()
	host := newFakeHost()
	fr := &testutil.FakeRunner{}
	fr.OnFunc("", host.run)
	m := NewManager(fr, testPaths)
	m.Poll = poll.Policy{MaxAttempts: 3}
	events := &eventLog{}
	m.Observer = events
	return m, host, fr, events
}

func startLines(fr *testutil.FakeRunner) []string {
	return fr.CommandsContaining(" -d -N ")
}

// ============================================================================
// Paths and roles
// ============================================================================

func TestPathsCommand(t *testing.T) {
	inst := Instance{
		Node: "r1", Namespace: "r1", Role: Zebra,
		Config: "/tmp/r1/zebra.conf",
		Args:   []string{"--vrfwnetns", "-o", "vrf0"},
	}
	want := []string{
		"ip", "netns", "exec", "r1",
		"/usr/lib/frr/zebra", "-d", "-N", "r1",
		"-f", "/tmp/r1/zebra.conf",
		"-i", "/run/topotest/r1/zebra.pid",
		"--log", "file:/var/log/topotest/r1/zebra.log",
		"--vrfwnetns", "-o", "vrf0",
	}
	if diff := cmp.Diff(want, testPaths.Command(inst)); diff != "" {
		t.Errorf("Command (-want +got):\n%s", diff)
	}

	inst.Namespace = ""
	if got := testPaths.Command(inst)[0]; got != "/usr/lib/frr/zebra" {
		t.Errorf("host daemon argv[0] = %q", got)
	}
}

func TestParseRole(t *testing.T) {
	for _, r := range StartOrder {
		got, err := ParseRole(string(r))
		if err != nil || got != r {
			t.Errorf("ParseRole(%q) = %q, %v", r, got, err)
		}
	}
	if _, err := ParseRole("ospfd6"); err == nil {
		t.Error("ParseRole(ospfd6) should fail")
	}
}

// ============================================================================
// Start
// ============================================================================

func TestStart_Order(t *testing.T) {
	m, _, fr, events := newTestManager(t)
	for _, r := range []Role{Bgpd, Staticd, Zebra} {
		if err := m.LoadConfig("r1", r, "/cfg/r1/"+string(r)+".conf"); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Start(context.Background(), "r1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	lines := startLines(fr)
	if len(lines) != 3 {
		t.Fatalf("start commands = %v", lines)
	}
	for i, want := range []string{"/zebra ", "/staticd ", "/bgpd "} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("start[%d] = %q, want %s", i, lines[i], want)
		}
	}

	insts := m.Instances("r1")
	for _, inst := range insts {
		if !inst.Running() {
			t.Errorf("%s not running", inst)
		}
	}
	if insts[0].Role != Zebra || insts[0].PID != 4000 {
		t.Errorf("first instance = %+v", insts[0])
	}
	if diff := cmp.Diff(eventLog{"zebra:start", "staticd:start", "bgpd:start"}, *events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	// a second Start leaves running daemons alone
	fr.Reset()
	if err := m.Start(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if lines := startLines(fr); len(lines) != 0 {
		t.Errorf("second Start issued %v", lines)
	}
}

func TestStart_Failure(t *testing.T) {
	m, host, fr, events := newTestManager(t)
	host.noPIDFile["zebra"] = true
	m.LoadConfig("r1", Zebra, "/cfg/zebra.conf")
	m.LoadConfig("r1", Bgpd, "/cfg/bgpd.conf")

	err := m.Start(context.Background(), "r1")
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Start error = %v, want ErrStartFailed", err)
	}
	if !strings.Contains(err.Error(), "/var/log/topotest/r1/zebra.log") {
		t.Errorf("error should name the log file: %v", err)
	}
	if got := len(fr.CommandsContaining("cat /run/topotest/r1/zebra.pid")); got != 3 {
		t.Errorf("pidfile read %d times, want 3", got)
	}
	if lines := startLines(fr); len(lines) != 1 {
		t.Errorf("bgpd should not start after zebra failed: %v", lines)
	}
	if diff := cmp.Diff(eventLog{"zebra:start-failed"}, *events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestStart_NothingLoaded(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if err := m.Start(context.Background(), "r9"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Start(unknown node) = %v, want ErrNotLoaded", err)
	}
}

func TestLoadConfig(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if err := m.LoadConfig("r1", Role("isisd6"), "/x"); err == nil {
		t.Error("LoadConfig should reject unknown roles")
	}

	m.SetNamespace("r1", "")
	if err := m.LoadConfig("r1", Zebra, "/a.conf"); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadConfig("r1", Zebra, "/b.conf", "-M", "fpm"); err != nil {
		t.Fatalf("reloading a stopped daemon: %v", err)
	}
	inst := m.Instances("r1")[0]
	if inst.Config != "/b.conf" || inst.Namespace != "" || len(inst.Args) != 2 {
		t.Errorf("instance = %+v", inst)
	}

	if err := m.Start(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadConfig("r1", Zebra, "/c.conf"); !errors.Is(err, ErrRunning) {
		t.Errorf("LoadConfig on running daemon = %v, want ErrRunning", err)
	}
}

// ============================================================================
// Kill / Restart / StopAll
// ============================================================================

func TestKill(t *testing.T) {
	m, host, fr, events := newTestManager(t)
	m.LoadConfig("r1", Zebra, "/z.conf")
	m.LoadConfig("r1", Bgpd, "/b.conf")
	if err := m.Start(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	*events = nil
	fr.Reset()

	if err := m.Kill(context.Background(), "r1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	terms := fr.CommandsContaining("kill -TERM")
	if diff := cmp.Diff([]string{"kill -TERM 4001", "kill -TERM 4000"}, terms); diff != "" {
		t.Errorf("SIGTERM order (-want +got):\n%s", diff)
	}
	for _, inst := range m.Instances("r1") {
		if inst.Running() {
			t.Errorf("%s still running", inst)
		}
	}
	if host.alive[4000] || host.alive[4001] {
		t.Error("processes still alive")
	}
	if diff := cmp.Diff(eventLog{"bgpd:stop", "zebra:stop"}, *events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	fr.Reset()
	if err := m.Kill(context.Background(), "r1", Bgpd); err != nil {
		t.Errorf("killing a stopped daemon: %v", err)
	}
	if got := fr.Commands(); len(got) != 0 {
		t.Errorf("killing a stopped daemon ran %v", got)
	}

	if err := m.Kill(context.Background(), "r1", Ldpd); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Kill(ldpd) = %v, want ErrNotLoaded", err)
	}
}

func TestKill_ForceAfterTerm(t *testing.T) {
	m, host, fr, events := newTestManager(t)
	host.ignoreTerm["bgpd"] = true
	m.LoadConfig("r1", Bgpd, "/b.conf")
	m.Start(context.Background(), "r1")

	if err := m.Kill(context.Background(), "r1", Bgpd); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if got := fr.CommandsContaining("kill -KILL 4000"); len(got) != 1 {
		t.Errorf("SIGKILL commands = %v", got)
	}
	if host.alive[4000] {
		t.Error("bgpd survived SIGKILL")
	}
	if (*events)[len(*events)-2] != "bgpd:force-kill" {
		t.Errorf("events = %v", *events)
	}
}

func TestKill_AlreadyDead(t *testing.T) {
	m, host, _, _ := newTestManager(t)
	m.LoadConfig("r1", Bgpd, "/b.conf")
	m.Start(context.Background(), "r1")
	host.alive[4000] = false // crashed

	if err := m.Kill(context.Background(), "r1"); err != nil {
		t.Fatalf("Kill of crashed daemon: %v", err)
	}
	if m.Instances("r1")[0].Running() {
		t.Error("crashed daemon still marked running")
	}
}

func TestRestart(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	m.LoadConfig("r1", Zebra, "/z.conf", "--vrfwnetns")
	m.LoadConfig("r1", Bgpd, "/b.conf")
	m.Start(context.Background(), "r1")

	if err := m.Restart(context.Background(), "r1", Bgpd); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	insts := m.Instances("r1")
	if insts[0].PID != 4000 {
		t.Errorf("zebra pid = %d, want untouched 4000", insts[0].PID)
	}
	if insts[1].PID != 4002 || insts[1].Config != "/b.conf" {
		t.Errorf("bgpd after restart = %+v", insts[1])
	}
}

func TestStopAll(t *testing.T) {
	m, host, _, _ := newTestManager(t)
	for _, node := range []string{"r1", "r2"} {
		m.LoadConfig(node, Zebra, "/z.conf")
		m.LoadConfig(node, Bgpd, "/b.conf")
		if err := m.Start(context.Background(), node); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for pid, alive := range host.alive {
		if alive {
			t.Errorf("pid %d still alive", pid)
		}
	}
	if diff := cmp.Diff([]string{"r1", "r2"}, m.Nodes()); diff != "" {
		t.Errorf("Nodes (-want +got):\n%s", diff)
	}
}

// ============================================================================
// Capability probes
// ============================================================================

func TestCheckCapability(t *testing.T) {
	m, host, fr, _ := newTestManager(t)
	host.help = "Usage: zebra [OPTION...]\n  -n, --vrfwnetns  Use NetNS as VRF backend\n"

	if err := m.CheckCapability(context.Background(), Zebra, "vrfwnetns"); err != nil {
		t.Errorf("CheckCapability(vrfwnetns) = %v", err)
	}
	if err := m.CheckCapability(context.Background(), Zebra, "--graceful-restart"); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("CheckCapability(missing flag) = %v, want ErrCapabilityMissing", err)
	}
	if got := fr.CommandsContaining("/usr/lib/frr/zebra --help"); len(got) != 2 {
		t.Errorf("help probes = %v", got)
	}

	fr.On("bgpd --help", "", exitErr([]string{"bgpd"}, ""))
	if err := m.CheckCapability(context.Background(), Bgpd, "x"); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("CheckCapability(missing binary) = %v, want ErrCapabilityMissing", err)
	}
}

func TestCheckNetns(t *testing.T) {
	fr := &testutil.FakeRunner{}
	if err := CheckNetns(context.Background(), fr); err != nil {
		t.Errorf("CheckNetns = %v", err)
	}
	fr.On("ip netns list", "Object \"netns\" is unknown", exitErr(nil, ""))
	if err := CheckNetns(context.Background(), fr); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("CheckNetns = %v, want ErrCapabilityMissing", err)
	}
}
