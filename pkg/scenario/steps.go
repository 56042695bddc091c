package scenario

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/newtron-network/topotest/pkg/daemon"
	"github.com/newtron-network/topotest/pkg/jsoncmp"
	"github.com/newtron-network/topotest/pkg/peer"
	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/query"
)

// stepExecutor executes a single step.
type stepExecutor interface {
	Execute(ctx context.Context, r *Runner, step *Step) *StepResult
}

// executors maps each StepAction to its executor implementation.
var executors = map[StepAction]stepExecutor{
	ActionVerifyJSON:    &verifyJSONExecutor{},
	ActionVerifyPeer:    &verifyPeerExecutor{},
	ActionVerifyRedis:   &verifyRedisExecutor{},
	ActionVtysh:         &vtyshExecutor{},
	ActionVtyshConfig:   &vtyshConfigExecutor{},
	ActionExec:          &execExecutor{},
	ActionKillDaemon:    &daemonExecutor{restart: false},
	ActionRestartDaemon: &daemonExecutor{restart: true},
	ActionAnnounce:      &routeExecutor{withdraw: false},
	ActionWithdraw:      &routeExecutor{withdraw: true},
	ActionWait:          &waitExecutor{},
}

// maxOutput bounds the command output quoted in a step message.
const maxOutput = 2048

func errorResult(format string, args ...any) *StepResult {
	return &StepResult{Status: StepStatusError, Message: fmt.Sprintf(format, args...)}
}

// policy returns the poll budget for step. Verify actions default to the
// runner's policy, output checks to a single attempt.
func (r *Runner) policy(step *Step, verify bool) poll.Policy {
	p := r.Poll
	if !verify {
		p.MaxAttempts = 1
	}
	if e := step.Expect; e != nil {
		if e.Attempts > 0 {
			p.MaxAttempts = e.Attempts
		}
		if e.Interval > 0 {
			p.Interval = e.Interval
		}
	}
	return p.Named(r.scenario.Name + "/" + step.Name)
}

// expected loads the pattern a verify step compares against.
func (r *Runner) expected(step *Step) (jsoncmp.Value, error) {
	if step.Expect.File != "" {
		return jsoncmp.Load(r.scenario.Path(step.Expect.File))
	}
	return jsoncmp.FromAny(step.Expect.JSON)
}

// vtysh returns the vtysh client of a router.
func (r *Runner) vtysh(node string) (*query.Vtysh, error) {
	if v, ok := r.env.vtysh[node]; ok {
		return v, nil
	}
	rt := r.env.topo.Router(node)
	if rt == nil {
		return nil, fmt.Errorf("%s is not a router of topology %s", node, r.env.topo.Name)
	}
	v := query.NewVtysh(r.Exec, node, rt.Namespace())
	v.Path = r.Tools.Vtysh
	r.env.vtysh[node] = v
	return v, nil
}

func (r *Runner) gobgpPeer(name string) (*peer.GoBGP, error) {
	g, ok := r.env.gobgp[name]
	if !ok {
		return nil, fmt.Errorf("%s is not a running gobgp peer", name)
	}
	return g, nil
}

// verify polls src with the step's command until it matches the expected
// pattern. A timeout fails the step and quotes the last diff.
func (r *Runner) verify(ctx context.Context, step *Step, src query.Querier) *StepResult {
	expected, err := r.expected(step)
	if err != nil {
		return errorResult("expected pattern: %v", err)
	}

	conv := poll.JSON(ctx, r.policy(step, true), src, step.Command, expected)
	switch {
	case conv.Converged:
		return &StepResult{
			Status:   StepStatusPassed,
			Attempts: conv.Attempts,
			Message:  fmt.Sprintf("%s matched after %d attempts", step.Command, conv.Attempts),
		}
	case conv.Err != nil:
		return &StepResult{
			Status:   StepStatusError,
			Attempts: conv.Attempts,
			Message:  fmt.Sprintf("interrupted after %d attempts: %v", conv.Attempts, conv.Err),
		}
	default:
		return &StepResult{
			Status:   StepStatusFailed,
			Attempts: conv.Attempts,
			Message:  fmt.Sprintf("%s: not converged after %d attempts\n%s", step.Command, conv.Attempts, conv.LastDiff),
		}
	}
}

// ============================================================================
// verifyJSONExecutor
// ============================================================================

// verifyJSONExecutor compares vtysh output of a router, or the output of a
// JSON-emitting shell command when a namespace is given.
//
// YAML:
//
//	action: verify-json
//	node: r1
//	command: show bgp vrf r1-cust1 summary json
//	expect:
//	  file: r1/summary_peer1.json
type verifyJSONExecutor struct{}

func (e *verifyJSONExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	if step.Namespace != "" {
		return r.verify(ctx, step, &query.Shell{Runner: r.Exec, Namespace: step.Namespace})
	}
	v, err := r.vtysh(step.Node)
	if err != nil {
		return errorResult("%v", err)
	}
	return r.verify(ctx, step, v)
}

// ============================================================================
// verifyPeerExecutor
// ============================================================================

type verifyPeerExecutor struct{}

func (e *verifyPeerExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	g, err := r.gobgpPeer(step.Peer)
	if err != nil {
		return errorResult("%v", err)
	}
	return r.verify(ctx, step, g)
}

// ============================================================================
// verifyRedisExecutor
// ============================================================================

type verifyRedisExecutor struct{}

func (e *verifyRedisExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	if r.Redis == nil {
		return errorResult("no redis database configured")
	}
	return r.verify(ctx, step, r.Redis)
}

// ============================================================================
// vtyshExecutor
// ============================================================================

type vtyshExecutor struct{}

func (e *vtyshExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	v, err := r.vtysh(step.Node)
	if err != nil {
		return errorResult("%v", err)
	}
	return r.checkOutput(ctx, step, func() (string, error) {
		return v.Command(ctx, step.Command)
	})
}

// ============================================================================
// vtyshConfigExecutor
// ============================================================================

// vtyshConfigExecutor applies configuration lines in one vtysh session.
// Lines the daemon rejects fail the step.
type vtyshConfigExecutor struct{}

func (e *vtyshConfigExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	v, err := r.vtysh(step.Node)
	if err != nil {
		return errorResult("%v", err)
	}
	if err := v.Configure(ctx, step.Lines...); err != nil {
		if errors.Is(err, query.ErrRejected) {
			return &StepResult{Status: StepStatusFailed, Message: err.Error()}
		}
		return errorResult("%v", err)
	}
	return &StepResult{
		Status:  StepStatusPassed,
		Message: fmt.Sprintf("%d lines applied", len(step.Lines)),
	}
}

// ============================================================================
// execExecutor
// ============================================================================

// execExecutor runs a shell command inside a namespace.
//
// YAML:
//
//	action: exec
//	namespace: r1-cust1
//	command: ping 10.75.0.1 -f -c 1000
//	expect:
//	  contains: "1000 packets transmitted, 1000 received"
type execExecutor struct{}

func (e *execExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	ns := step.Namespace
	if ns == "" {
		var ok bool
		if ns, ok = r.env.topo.NodeNamespace(step.Node); !ok {
			return errorResult("%s is not a node of topology %s", step.Node, r.env.topo.Name)
		}
	}
	sh := &query.Shell{Runner: r.Exec, Namespace: ns}
	result := r.checkOutput(ctx, step, func() (string, error) {
		return sh.Command(ctx, step.Command)
	})
	result.Node = ns
	return result
}

type commandOutput struct {
	out string
	msg string
}

// checkOutput runs probe until its output meets the step's expectations.
// Without expectations the command only has to succeed.
func (r *Runner) checkOutput(ctx context.Context, step *Step, probe func() (string, error)) *StepResult {
	res := poll.Until(ctx, r.policy(step, false), func(int) (commandOutput, bool) {
		out, err := probe()
		ok, msg := matchOutput(step.Expect, out, err)
		return commandOutput{out: out, msg: msg}, ok
	})

	switch {
	case res.Converged:
		return &StepResult{Status: StepStatusPassed, Attempts: res.Attempts, Message: res.Value.msg}
	case res.Err != nil:
		return &StepResult{
			Status:   StepStatusError,
			Attempts: res.Attempts,
			Message:  fmt.Sprintf("interrupted after %d attempts: %v", res.Attempts, res.Err),
		}
	default:
		msg := res.Value.msg
		if out := strings.TrimSpace(res.Value.out); out != "" {
			msg += "\n" + truncate(out, maxOutput)
		}
		return &StepResult{Status: StepStatusFailed, Attempts: res.Attempts, Message: msg}
	}
}

// matchOutput checks command output against e. Output checks ignore the
// exit status, since the expected text is often an error message.
func matchOutput(e *ExpectBlock, out string, err error) (bool, string) {
	if !e.hasOutputCheck() {
		if err != nil {
			return false, fmt.Sprintf("command failed: %v", err)
		}
		return true, "command succeeded"
	}

	var passed []string
	if e.SuccessRate != nil {
		rate := parsePingSuccessRate(out)
		if rate < *e.SuccessRate {
			return false, fmt.Sprintf("%.0f%% success (expected >= %.0f%%)", rate*100, *e.SuccessRate*100)
		}
		passed = append(passed, fmt.Sprintf("%.0f%% success", rate*100))
	}
	if e.Contains != "" {
		if !strings.Contains(out, e.Contains) {
			return false, fmt.Sprintf("output does not contain %q", e.Contains)
		}
		passed = append(passed, fmt.Sprintf("output contains %q", e.Contains))
	}
	if e.NotContains != "" {
		if strings.Contains(out, e.NotContains) {
			return false, fmt.Sprintf("output contains %q", e.NotContains)
		}
		passed = append(passed, fmt.Sprintf("output lacks %q", e.NotContains))
	}
	return true, strings.Join(passed, ", ")
}

var packetLossRe = regexp.MustCompile(`([\d.]+)% packet loss`)

func parsePingSuccessRate(output string) float64 {
	matches := packetLossRe.FindStringSubmatch(output)
	if len(matches) < 2 {
		return 0
	}
	loss, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0
	}
	return 1.0 - (loss / 100.0)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

// ============================================================================
// daemonExecutor
// ============================================================================

// daemonExecutor kills or restarts daemons of one node, all of them when no
// roles are given.
type daemonExecutor struct {
	restart bool
}

func (e *daemonExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	roles := make([]daemon.Role, 0, len(step.Roles))
	for _, s := range step.Roles {
		role, err := daemon.ParseRole(s)
		if err != nil {
			return errorResult("%v", err)
		}
		roles = append(roles, role)
	}

	verb := "killed"
	op := r.env.daemons.Kill
	if e.restart {
		verb = "restarted"
		op = r.env.daemons.Restart
	}
	if err := op(ctx, step.Node, roles...); err != nil {
		return errorResult("%v", err)
	}

	which := "all daemons"
	if len(step.Roles) > 0 {
		which = strings.Join(step.Roles, ", ")
	}
	return &StepResult{
		Status:  StepStatusPassed,
		Message: fmt.Sprintf("%s %s on %s", verb, which, step.Node),
	}
}

// ============================================================================
// routeExecutor
// ============================================================================

// routeExecutor announces or withdraws prefixes through a GoBGP peer.
type routeExecutor struct {
	withdraw bool
}

func (e *routeExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	g, err := r.gobgpPeer(step.Peer)
	if err != nil {
		return errorResult("%v", err)
	}

	verb := "announced"
	op := g.Announce
	if e.withdraw {
		verb = "withdrew"
		op = g.Withdraw
	}
	for _, prefix := range step.Prefixes {
		if err := op(ctx, prefix, step.NextHop); err != nil {
			return errorResult("%v", err)
		}
	}
	return &StepResult{
		Status:  StepStatusPassed,
		Message: fmt.Sprintf("%s %d prefixes via %s", verb, len(step.Prefixes), step.NextHop),
	}
}

// ============================================================================
// waitExecutor
// ============================================================================

type waitExecutor struct{}

func (e *waitExecutor) Execute(ctx context.Context, r *Runner, step *Step) *StepResult {
	t := time.NewTimer(step.Duration)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return errorResult("interrupted")
	}
	return &StepResult{
		Status:  StepStatusPassed,
		Message: fmt.Sprintf("%s elapsed", step.Duration),
	}
}
