package scenario

import (
	"bytes"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/topotest/pkg/cli"
)

func sampleResults() []*ScenarioResult {
	return []*ScenarioResult{
		{
			Name: "leak", Topology: "vrf-leak", Status: StepStatusFailed, Duration: 42 * time.Second,
			Steps: []StepResult{
				{Name: "summary", Action: ActionVerifyJSON, Status: StepStatusPassed, Node: "r1"},
				{
					Name: "leaked-route", Action: ActionVerifyJSON, Status: StepStatusFailed, Node: "r1",
					Message: "show ip route vrf r1-cust1 json: not converged after 3 attempts\n$.x: missing, expected 1\n",
				},
				{Name: "ping", Action: ActionExec, Status: StepStatusSkipped, Message: `after failure of step "leaked-route"`},
			},
		},
		{Name: "gated", Topology: "vrf-leak", Status: StepStatusSkipped, SkipReason: "requires 'leak' which failed"},
		{
			Name: "broken", Topology: "basic", Status: StepStatusError,
			Error: &InfraError{Op: "setup", Err: errors.New("ip netns add r1: exit status 2")},
		},
		{
			Name: "flap", Topology: "basic", Status: StepStatusPassed, Duration: 3 * time.Second, Repeat: 2,
			Steps: []StepResult{
				{Name: "kill", Action: ActionKillDaemon, Status: StepStatusPassed, Iteration: 1},
				{Name: "kill", Action: ActionKillDaemon, Status: StepStatusPassed, Iteration: 2},
			},
		},
	}
}

// ============================================================================
// Report Tests
// ============================================================================

func TestWriteMarkdown(t *testing.T) {
	g := &ReportGenerator{Results: sampleResults()}
	var buf bytes.Buffer
	g.writeMarkdown(&buf, time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC))
	out := buf.String()

	for _, want := range []string{
		"# topotest report, 2024-05-01 12:30:00\n",
		"| leak | vrf-leak | FAIL | 42s |  |\n",
		"| gated | vrf-leak | SKIP | 0s | requires 'leak' which failed |\n",
		"| flap | basic | PASS | 3s | 2 iterations |\n",
		"## Failures",
		"### broken\ntopotest: setup: ip netns add r1: exit status 2\n",
		"Step leaked-route (verify-json) FAIL on r1\n",
		"```\nshow ip route vrf r1-cust1 json: not converged after 3 attempts\n$.x: missing, expected 1\n```\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Step summary") || strings.Contains(out, "Step ping") {
		t.Errorf("passed or skipped steps listed under failures:\n%s", out)
	}
}

func TestWriteMarkdown_NoFailures(t *testing.T) {
	g := &ReportGenerator{Results: []*ScenarioResult{{Name: "ok", Status: StepStatusPassed}}}
	var buf bytes.Buffer
	g.writeMarkdown(&buf, time.Now())
	if strings.Contains(buf.String(), "Failures") {
		t.Errorf("unexpected failures section:\n%s", buf.String())
	}
}

func TestWriteJUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "junit.xml")
	g := &ReportGenerator{Results: sampleResults()}
	if err := g.WriteJUnit(path); err != nil {
		t.Fatalf("WriteJUnit: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte(xml.Header)) {
		t.Error("missing XML header")
	}

	var suites junitTestSuites
	if err := xml.Unmarshal(data, &suites); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	type counts struct{ Tests, Failures, Errors, Skipped int }
	got := map[string]counts{}
	for _, s := range suites.Suites {
		got[s.Name] = counts{s.Tests, s.Failures, s.Errors, s.Skipped}
	}
	want := map[string]counts{
		"leak":   {3, 1, 0, 1},
		"gated":  {1, 0, 0, 1},
		"broken": {1, 0, 1, 0},
		"flap":   {2, 0, 0, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("suite counts mismatch (-want +got):\n%s", diff)
	}

	leak := suites.Suites[0]
	if f := leak.Cases[1].Failure; f == nil || f.Type != "verify-json" || !strings.Contains(f.Message, "not converged") {
		t.Errorf("failure = %+v", f)
	}
	broken := suites.Suites[2]
	if e := broken.Cases[0].Error; e == nil || e.Type != "infra" || !strings.Contains(e.Message, "ip netns add r1") {
		t.Errorf("error = %+v", e)
	}
	flap := suites.Suites[3]
	if flap.Cases[1].Name != "[iter 2] kill" {
		t.Errorf("iteration case name = %q", flap.Cases[1].Name)
	}
}

// ============================================================================
// Progress Tests
// ============================================================================

func TestConsoleProgress(t *testing.T) {
	cli.SetColor(false)
	defer cli.SetColor(os.Getenv("NO_COLOR") == "")

	var buf bytes.Buffer
	p := &ConsoleProgress{W: &buf}
	results := sampleResults()

	p.SuiteStart([]*Scenario{{Name: "leak"}, {Name: "gated"}, {Name: "broken"}, {Name: "flap"}})
	for i, r := range results {
		p.ScenarioEnd(r, i, len(results))
	}
	p.SuiteEnd(results, 50*time.Second)
	out := buf.String()

	for _, want := range []string{
		"topotest: 4 scenarios\n",
		"  [1/4]   leak ....... FAIL  (42s)\n",
		"  [2/4]   gated ...... SKIP\n",
		"topotest: 4 scenarios: 1 passed, 1 failed, 1 errored, 1 skipped  (50s)\n",
		"    [1]  leak\n",
		`         step "leaked-route" (verify-json): show ip route vrf r1-cust1 json: not converged after 3 attempts` + "\n",
		"    [3]  broken\n         topotest: setup: ip netns add r1: exit status 2\n",
		"    [2]  gated ...... requires 'leak' which failed\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsoleProgress_VerboseStep(t *testing.T) {
	cli.SetColor(false)
	defer cli.SetColor(os.Getenv("NO_COLOR") == "")

	var buf bytes.Buffer
	p := &ConsoleProgress{W: &buf, Verbose: true, dotWidth: 20}
	p.StepEnd("leak", &StepResult{
		Name:    "route",
		Status:  StepStatusFailed,
		Message: "first line\nsecond line\n",
	}, 0, 2)

	want := "          [1/2] route .... FAIL  (<1s)\n" +
		"               first line\n" +
		"               second line\n"
	if got := buf.String(); got != want {
		t.Errorf("StepEnd output:\n%q\nwant\n%q", got, want)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "<1s"},
		{1500 * time.Millisecond, "2s"},
		{59 * time.Second, "59s"},
		{2 * time.Minute, "2m"},
		{125 * time.Second, "2m05s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

// ============================================================================
// Run State Tests
// ============================================================================

func TestStateReporter(t *testing.T) {
	dir := t.TempDir()
	inner := &recordingProgress{}
	r := &StateReporter{Inner: inner, Dir: dir, State: &RunState{ScenariosDir: "scenarios"}}
	scenarios := []*Scenario{{Name: "a", Topology: "t1.yaml"}, {Name: "b", Topology: "t2.yaml"}}

	r.SuiteStart(scenarios)
	st, err := LoadRunState(dir)
	if err != nil || st == nil {
		t.Fatalf("LoadRunState = %v, %v", st, err)
	}
	if st.Status != StatusRunning || st.PID != os.Getpid() || len(st.Scenarios) != 2 {
		t.Errorf("running state = %+v", st)
	}
	if !st.Active() {
		t.Error("Active() = false for this process")
	}

	resA := &ScenarioResult{Name: "a", Status: StepStatusPassed, Duration: 2 * time.Second}
	resB := &ScenarioResult{Name: "b", Status: StepStatusFailed, Duration: 15 * time.Second}
	r.ScenarioEnd(resA, 0, 2)
	r.ScenarioEnd(resB, 1, 2)
	r.SuiteEnd([]*ScenarioResult{resA, resB}, time.Minute)

	st, err = LoadRunState(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []ScenarioState{
		{Name: "a", Topology: "t1.yaml", Status: "PASS", Duration: "2s"},
		{Name: "b", Topology: "t2.yaml", Status: "FAIL", Duration: "15s"},
	}
	if diff := cmp.Diff(want, st.Scenarios); diff != "" {
		t.Errorf("scenarios mismatch (-want +got):\n%s", diff)
	}
	if st.Status != StatusRunFailed || st.PID != 0 {
		t.Errorf("final status = %s pid %d, want failed pid 0", st.Status, st.PID)
	}
	if st.Active() {
		t.Error("Active() = true after the run ended")
	}
	if len(inner.events) != 4 {
		t.Errorf("inner reporter saw %v", inner.events)
	}
}

func TestRunState_Missing(t *testing.T) {
	dir := t.TempDir()
	st, err := LoadRunState(dir)
	if st != nil || err != nil {
		t.Errorf("LoadRunState = %v, %v, want nil, nil", st, err)
	}
	if err := RemoveRunState(dir); err != nil {
		t.Errorf("RemoveRunState on missing file: %v", err)
	}
}

func TestRunState_Remove(t *testing.T) {
	dir := t.TempDir()
	if err := SaveRunState(dir, &RunState{Status: StatusComplete}); err != nil {
		t.Fatal(err)
	}
	if err := RemoveRunState(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run.json")); !os.IsNotExist(err) {
		t.Errorf("run.json still present: %v", err)
	}
}
