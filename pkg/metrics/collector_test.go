package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/newtron-network/topotest/pkg/daemon"
	"github.com/newtron-network/topotest/pkg/fabric"
	"github.com/newtron-network/topotest/pkg/poll"
)

var (
	_ poll.Observer   = (*Collector)(nil)
	_ fabric.Observer = (*Collector)(nil)
	_ daemon.Observer = (*Collector)(nil)
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveDaemon("zebra", "start")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("Gather() returned no families")
	}
}

func TestNewCollector_NilRegistry(t *testing.T) {
	a := NewCollector(nil)
	b := NewCollector(nil)
	a.ObserveDaemon("bgpd", "stop")
	if got := promtest.ToFloat64(b.DaemonEvents.WithLabelValues("bgpd", "stop")); got != 0 {
		t.Errorf("collectors share state: got %v, want 0", got)
	}
}

// ============================================================================
// Observer hooks
// ============================================================================

func TestObservePoll(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveAttempt("route r1", 1, false)
	c.ObserveAttempt("route r1", 2, false)
	c.ObserveAttempt("route r1", 3, true)
	c.ObserveOutcome("route r1", true, 3)
	c.ObserveOutcome("bgp r1", false, 20)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"miss attempts", promtest.ToFloat64(c.PollAttempts.WithLabelValues("route r1", "miss")), 2},
		{"ok attempts", promtest.ToFloat64(c.PollAttempts.WithLabelValues("route r1", "ok")), 1},
		{"converged", promtest.ToFloat64(c.PollOutcomes.WithLabelValues("route r1", "converged")), 1},
		{"timeout", promtest.ToFloat64(c.PollOutcomes.WithLabelValues("bgp r1", "timeout")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if n := promtest.CollectAndCount(c.PollAttemptsToConverge); n != 1 {
		t.Errorf("attempts_to_converge series = %d, want 1 (timeouts are not observed)", n)
	}
}

func TestObserveOp(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveOp("setup", "AddVeth", nil)
	c.ObserveOp("setup", "AddVeth", nil)
	c.ObserveOp("teardown", "DelNamespace", errors.New("busy"))

	if got := promtest.ToFloat64(c.FabricOps.WithLabelValues("setup", "AddVeth", "ok")); got != 2 {
		t.Errorf("setup AddVeth ok = %v, want 2", got)
	}
	if got := promtest.ToFloat64(c.FabricOps.WithLabelValues("teardown", "DelNamespace", "error")); got != 1 {
		t.Errorf("teardown DelNamespace error = %v, want 1", got)
	}
}

func TestObserveDaemonAndStep(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveDaemon("bgpd", "force-kill")
	c.ObserveStep("bgp_vrf_netns_leak", "PASS")
	c.ObserveStep("bgp_vrf_netns_leak", "PASS")

	if got := promtest.ToFloat64(c.DaemonEvents.WithLabelValues("bgpd", "force-kill")); got != 1 {
		t.Errorf("force-kill = %v, want 1", got)
	}
	if got := promtest.ToFloat64(c.ScenarioSteps.WithLabelValues("bgp_vrf_netns_leak", "PASS")); got != 2 {
		t.Errorf("PASS steps = %v, want 2", got)
	}
}

// ============================================================================
// Export
// ============================================================================

func TestWriteTextfile(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveOp("setup", "AddNamespace", nil)
	c.ObserveDaemon("zebra", "start")

	path := filepath.Join(t.TempDir(), "textfile", "topotest.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{
		`topotest_fabric_ops_total{op="AddNamespace",phase="setup",result="ok"} 1`,
		`topotest_daemon_events_total{event="start",role="zebra"} 1`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}

func TestWriteTextfile_EmptyPath(t *testing.T) {
	if err := NewCollector(nil).WriteTextfile(""); err == nil {
		t.Error("WriteTextfile(\"\") error = nil, want error")
	}
}
