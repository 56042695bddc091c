package poll

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/newtron-network/topotest/pkg/jsoncmp"
)

// fakeClock records sleeps without waiting.
type fakeClock struct {
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	return nil
}

type recordingObserver struct {
	attempts  int
	outcomes  int
	converged bool
	total     int
}

func (o *recordingObserver) ObserveAttempt(string, int, bool) { o.attempts++ }

func (o *recordingObserver) ObserveOutcome(_ string, converged bool, attempts int) {
	o.outcomes++
	o.converged = converged
	o.total = attempts
}

// ============================================================================
// Until
// ============================================================================

func TestUntil_NeverSucceeds(t *testing.T) {
	for _, max := range []int{1, 2, 5, 20} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			clock := &fakeClock{}
			calls := 0
			out := Until(context.Background(), Policy{MaxAttempts: max, Interval: time.Second, Clock: clock},
				func(int) (int, bool) {
					calls++
					return calls, false
				})

			if calls != max {
				t.Errorf("probe calls = %d, want %d", calls, max)
			}
			if out.Converged {
				t.Error("Converged = true, want false")
			}
			if out.Attempts != max {
				t.Errorf("Attempts = %d, want %d", out.Attempts, max)
			}
			if out.Value != max {
				t.Errorf("Value = %d, want last probe value %d", out.Value, max)
			}
			if len(clock.sleeps) != max-1 {
				t.Errorf("sleeps = %d, want %d", len(clock.sleeps), max-1)
			}
		})
	}
}

func TestUntil_EarlyExit(t *testing.T) {
	for k := 1; k <= 5; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			clock := &fakeClock{}
			calls := 0
			out := Until(context.Background(), Policy{MaxAttempts: 5, Interval: 500 * time.Millisecond, Clock: clock},
				func(attempt int) (int, bool) {
					calls++
					return attempt, attempt == k
				})

			if calls != k {
				t.Errorf("probe calls = %d, want %d", calls, k)
			}
			if !out.Converged || out.Attempts != k {
				t.Errorf("outcome = %+v, want converged at %d", out, k)
			}
			if len(clock.sleeps) != k-1 {
				t.Errorf("sleeps = %d, want %d", len(clock.sleeps), k-1)
			}
			for _, d := range clock.sleeps {
				if d != 500*time.Millisecond {
					t.Errorf("sleep = %s, want constant 500ms", d)
				}
			}
		})
	}
}

func TestUntil_ZeroAttemptsTreatedAsOne(t *testing.T) {
	calls := 0
	Until(context.Background(), Policy{Clock: &fakeClock{}}, func(int) (struct{}, bool) {
		calls++
		return struct{}{}, false
	})
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}
}

func TestUntil_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	out := Until(ctx, Policy{MaxAttempts: 10, Interval: time.Hour}, func(int) (int, bool) {
		calls++
		cancel()
		return 0, false
	})
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", out.Err)
	}
}

func TestUntil_RealClock(t *testing.T) {
	start := time.Now()
	out := Until(context.Background(), Policy{MaxAttempts: 3, Interval: 10 * time.Millisecond},
		func(int) (int, bool) { return 0, false })
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("elapsed = %s, want at least 20ms", elapsed)
	}
}

func TestUntil_Observer(t *testing.T) {
	obs := &recordingObserver{}
	Until(context.Background(), Policy{MaxAttempts: 4, Clock: &fakeClock{}, Observer: obs},
		func(attempt int) (int, bool) { return 0, attempt == 3 })

	if obs.attempts != 3 || obs.outcomes != 1 || !obs.converged || obs.total != 3 {
		t.Errorf("observer = %+v", obs)
	}
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxAttempts != 20 || p.Interval != 500*time.Millisecond {
		t.Errorf("DefaultPolicy = %+v", p)
	}
	if p.Budget() != 9500*time.Millisecond {
		t.Errorf("Budget = %s, want 9.5s", p.Budget())
	}
	if p.String() != "20 attempts every 500ms" {
		t.Errorf("String = %q", p.String())
	}
	if p.Named("summary").Name != "summary" {
		t.Error("Named did not set Name")
	}
}

// ============================================================================
// JSON
// ============================================================================

// scriptedSource returns responses in order, repeating the last one.
type scriptedSource struct {
	responses []response
	calls     int
}

type response struct {
	value string
	err   error
}

func (s *scriptedSource) JSON(_ context.Context, _ string) (jsoncmp.Value, error) {
	r := s.responses[min(s.calls, len(s.responses)-1)]
	s.calls++
	if r.err != nil {
		return nil, r.err
	}
	return jsoncmp.MustParse(r.value), nil
}

func TestJSON_ConvergesAfterFlaps(t *testing.T) {
	src := &scriptedSource{responses: []response{
		{err: errors.New("vtysh: bgpd is not running")},
		{value: `{"peers":{"1.1.1.2":{"state":"Active"}}}`},
		{value: `{"peers":{"1.1.1.2":{"state":"Established"}}}`},
	}}
	expected := jsoncmp.MustParse(`{"peers":{"1.1.1.2":{"state":"Established"}}}`)

	c := JSON(context.Background(), Policy{MaxAttempts: 20, Clock: &fakeClock{}}, src, "show bgp summary json", expected)

	if !c.Converged || c.LastDiff != nil {
		t.Fatalf("Convergence = %+v, want converged", c)
	}
	if c.Attempts != 3 || src.calls != 3 {
		t.Errorf("Attempts = %d, calls = %d, want 3", c.Attempts, src.calls)
	}
	if c.Last == nil {
		t.Error("Last = nil, want observed value")
	}
}

func TestJSON_ExhaustsBudget(t *testing.T) {
	src := &scriptedSource{responses: []response{{value: `{"peers":{}}`}}}
	expected := jsoncmp.MustParse(`{"peers":{"1.1.1.2":{"state":"Established"}}}`)

	c := JSON(context.Background(), Policy{MaxAttempts: 7, Clock: &fakeClock{}}, src, "show bgp summary json", expected)

	if c.Converged {
		t.Fatal("Converged = true, want false")
	}
	if src.calls != 7 {
		t.Errorf("calls = %d, want 7", src.calls)
	}
	if c.LastDiff.Len() != 1 || c.LastDiff.Mismatches[0].Kind != jsoncmp.MissingKey {
		t.Errorf("LastDiff = %s", c.LastDiff)
	}
}

func TestJSON_QueryErrorIsUnavailable(t *testing.T) {
	src := JSONFunc(func(context.Context, string) (jsoncmp.Value, error) {
		return nil, errors.New("no such namespace")
	})

	c := JSON(context.Background(), Policy{MaxAttempts: 2, Clock: &fakeClock{}}, src, "show ip route json", jsoncmp.Mapping{})

	if c.Converged {
		t.Fatal("Converged = true, want false")
	}
	if c.LastDiff.Len() != 1 || c.LastDiff.Mismatches[0].Kind != jsoncmp.Unavailable {
		t.Errorf("LastDiff = %s, want unavailable", c.LastDiff)
	}
	if c.Last != nil {
		t.Errorf("Last = %v, want nil", c.Last)
	}
}
