package scenario

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/newtron-network/topotest/pkg/daemon"
	"github.com/newtron-network/topotest/pkg/fabric"
	"github.com/newtron-network/topotest/pkg/peer"
	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/query"
	"github.com/newtron-network/topotest/pkg/runner"
	"github.com/newtron-network/topotest/pkg/util"
)

// Tools locates the command-line tools the runner drives besides the FRR
// daemons themselves.
type Tools struct {
	Vtysh  string
	ExaBGP string
	GoBGPd string
}

// StepObserver is notified of every finished step.
type StepObserver interface {
	ObserveStep(scenario, status string)
}

// Runner executes scenarios. Every scenario gets a fresh fabric, fresh
// daemons and fresh peers, which are torn down when it ends unless Keep is
// set.
type Runner struct {
	// Exec runs every host command: daemons, vtysh, peers, exec steps.
	Exec runner.Runner
	// Fabric builds the per-scenario fabric.
	Fabric *fabric.Builder
	Paths  daemon.Paths
	Tools  Tools
	// Poll is the convergence budget of verify steps and the wait budget of
	// daemon and peer lifecycle operations.
	Poll poll.Policy
	// Redis backs verify-redis steps; nil turns them into errors.
	Redis query.Querier
	// Dial reaches GoBGP API sockets, e.g. through an SSH tunnel. Nil dials
	// locally.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	Progress       ProgressReporter
	Observer       StepObserver
	DaemonObserver daemon.Observer

	// Keep leaves fabric, daemons and peers running after each scenario.
	Keep bool

	scenario *Scenario
	env      *environment
}

// environment is what one scenario has running.
type environment struct {
	topo    *fabric.Topology
	handle  *fabric.Handle
	daemons *daemon.Manager
	peers   []peer.Emulator
	gobgp   map[string]*peer.GoBGP
	vtysh   map[string]*query.Vtysh
}

// Run executes scenarios in dependency order and returns one result per
// scenario. A scenario whose requirement did not pass is skipped. The only
// error is an invalid dependency graph.
func (r *Runner) Run(ctx context.Context, scenarios []*Scenario) ([]*ScenarioResult, error) {
	if HasRequires(scenarios) {
		sorted, err := ValidateDependencyGraph(scenarios)
		if err != nil {
			return nil, err
		}
		scenarios = sorted
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	r.progress(func(p ProgressReporter) { p.SuiteStart(scenarios) })
	suiteStart := time.Now()

	status := make(map[string]StepStatus, len(scenarios))
	results := make([]*ScenarioResult, 0, len(scenarios))
	for i, sc := range scenarios {
		var result *ScenarioResult
		if reason := checkRequires(sc, status); reason != "" {
			result = &ScenarioResult{
				Name:       sc.Name,
				Topology:   sc.Topology,
				Status:     StepStatusSkipped,
				SkipReason: reason,
			}
		} else if ctx.Err() != nil {
			result = &ScenarioResult{
				Name:       sc.Name,
				Topology:   sc.Topology,
				Status:     StepStatusSkipped,
				SkipReason: "run interrupted",
			}
		} else {
			r.progress(func(p ProgressReporter) { p.ScenarioStart(sc.Name, i, len(scenarios)) })
			result = r.RunScenario(ctx, sc)
		}

		results = append(results, result)
		status[sc.Name] = result.Status
		r.progress(func(p ProgressReporter) { p.ScenarioEnd(result, i, len(scenarios)) })
	}

	r.progress(func(p ProgressReporter) { p.SuiteEnd(results, time.Since(suiteStart)) })
	return results, nil
}

// RunScenario executes a single scenario end-to-end.
func (r *Runner) RunScenario(ctx context.Context, sc *Scenario) *ScenarioResult {
	r.scenario = sc
	log := util.WithScenario(sc.Name)

	result := &ScenarioResult{Name: sc.Name, Topology: sc.Topology, Repeat: sc.Repeat}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	topo, err := fabric.LoadTopology(sc.Path(sc.Topology))
	if err != nil {
		return r.infraFailure(result, &InfraError{Op: "topology", Err: err})
	}
	result.Topology = topo.Name

	env := &environment{
		topo:    topo,
		daemons: r.newManager(topo),
		gobgp:   map[string]*peer.GoBGP{},
		vtysh:   map[string]*query.Vtysh{},
	}

	if err := r.checkCapabilities(ctx, sc, env); err != nil {
		if errors.Is(err, daemon.ErrCapabilityMissing) {
			log.Infof("Skipping: %v", err)
			result.Status = StepStatusSkipped
			result.SkipReason = err.Error()
			return result
		}
		return r.infraFailure(result, &InfraError{Op: "capabilities", Err: err})
	}

	r.env = env
	defer func() {
		r.teardown(ctx, sc, env)
		r.env = nil
	}()

	env.handle, err = r.Fabric.Setup(ctx, topo)
	if err != nil {
		if errors.Is(err, fabric.ErrSetupInconsistent) {
			log.Warnf("Skipping: %v", err)
			result.Status = StepStatusSkipped
			result.SkipReason = err.Error()
			return result
		}
		return r.infraFailure(result, &InfraError{Op: "setup", Err: err})
	}

	if err := r.startDaemons(ctx, sc, env); err != nil {
		return r.infraFailure(result, err)
	}
	if err := r.startPeers(ctx, sc, env); err != nil {
		return r.infraFailure(result, err)
	}

	r.runScenarioSteps(ctx, sc, result)
	return result
}

func (r *Runner) infraFailure(result *ScenarioResult, err error) *ScenarioResult {
	util.WithScenario(result.Name).Errorf("%v", err)
	result.Status = StepStatusError
	result.Error = err
	return result
}

func (r *Runner) newManager(topo *fabric.Topology) *daemon.Manager {
	m := daemon.NewManager(r.Exec, r.Paths)
	m.Poll = r.Poll
	m.Observer = r.DaemonObserver
	for _, rt := range topo.Routers {
		m.SetNamespace(rt.Name, rt.Namespace())
	}
	return m
}

// checkCapabilities requires a working "ip netns" and every flag the
// scenario names.
func (r *Runner) checkCapabilities(ctx context.Context, sc *Scenario, env *environment) error {
	if err := daemon.CheckNetns(ctx, r.Exec); err != nil {
		return err
	}
	for _, c := range sc.Capabilities {
		role, err := daemon.ParseRole(c.Daemon)
		if err != nil {
			return err
		}
		if err := env.daemons.CheckCapability(ctx, role, c.Flag); err != nil {
			return err
		}
	}
	return nil
}

// startDaemons loads every daemon of the scenario and starts the nodes in
// the order they first appear.
func (r *Runner) startDaemons(ctx context.Context, sc *Scenario, env *environment) error {
	var nodes []string
	seen := map[string]bool{}
	for _, d := range sc.Daemons {
		if env.topo.Router(d.Node) == nil {
			return &InfraError{Op: "daemons", Node: d.Node, Err: fmt.Errorf("not a router of topology %s", env.topo.Name)}
		}
		role, err := daemon.ParseRole(d.Role)
		if err != nil {
			return &InfraError{Op: "daemons", Node: d.Node, Err: err}
		}
		if err := env.daemons.LoadConfig(d.Node, role, sc.Path(d.Config), d.Args...); err != nil {
			return &InfraError{Op: "daemons", Node: d.Node, Err: err}
		}
		if !seen[d.Node] {
			seen[d.Node] = true
			nodes = append(nodes, d.Node)
		}
	}
	for _, node := range nodes {
		if err := env.daemons.Start(ctx, node); err != nil {
			return &InfraError{Op: "daemons", Node: node, Err: err}
		}
	}
	return nil
}

func (r *Runner) startPeers(ctx context.Context, sc *Scenario, env *environment) error {
	for _, ps := range sc.Peers {
		tp := env.topo.Peer(ps.Name)
		if tp == nil {
			return &InfraError{Op: "peers", Node: ps.Name, Err: fmt.Errorf("not a peer of topology %s", env.topo.Name)}
		}
		switch ps.Kind {
		case PeerGoBGP:
			g := &peer.GoBGP{
				PeerName:  ps.Name,
				Namespace: tp.Name,
				Config:    sc.Path(ps.Config),
				Socket:    filepath.Join(r.Paths.RunDir, ps.Name, "gobgpd.sock"),
				Binary:    r.Tools.GoBGPd,
				LogDir:    r.Paths.LogDir,
				Runner:    r.Exec,
				Poll:      r.Poll,
				Dialer:    r.Dial,
			}
			env.gobgp[ps.Name] = g
			env.peers = append(env.peers, g)
		default:
			env.peers = append(env.peers, &peer.ExaBGP{
				PeerName:  ps.Name,
				Namespace: tp.Name,
				Dir:       sc.Path(ps.Dir),
				Env:       sc.Path(sc.ExaBGPEnv),
				Binary:    r.Tools.ExaBGP,
				LogDir:    r.Paths.LogDir,
				Runner:    r.Exec,
				Poll:      r.Poll,
			})
		}
	}
	if len(env.peers) == 0 {
		return nil
	}
	if err := peer.StartAll(ctx, env.peers); err != nil {
		return &InfraError{Op: "peers", Err: err}
	}
	return nil
}

// teardown stops peers and daemons and removes the fabric. Failures are
// logged and never change the scenario result.
func (r *Runner) teardown(ctx context.Context, sc *Scenario, env *environment) {
	log := util.WithScenario(sc.Name)
	if r.Keep {
		log.Infof("Keeping fabric %s running", env.topo.Name)
		return
	}
	ctx = context.WithoutCancel(ctx)

	if err := peer.StopAll(ctx, env.peers); err != nil {
		log.Warnf("stopping peers: %v", err)
	}
	if err := env.daemons.StopAll(ctx); err != nil {
		log.Warnf("stopping daemons: %v", err)
	}
	if env.handle == nil {
		return
	}
	report := r.Fabric.Teardown(ctx, env.handle)
	if !report.OK() {
		log.Warnf("teardown: %s", report)
	}
}

// runScenarioSteps executes the steps of a scenario, appending results to
// result. After the first failing step the rest are recorded as skipped.
// When Repeat > 1 all steps run in a loop, stopping at the first failed
// iteration.
func (r *Runner) runScenarioSteps(ctx context.Context, sc *Scenario, result *ScenarioResult) {
	repeat := max(sc.Repeat, 1)

	for iter := 1; iter <= repeat; iter++ {
		failedAt := -1
		for i := range sc.Steps {
			step := &sc.Steps[i]
			var sr StepResult
			if failedAt >= 0 {
				sr = StepResult{
					Name:    step.Name,
					Action:  step.Action,
					Node:    stepNode(step),
					Status:  StepStatusSkipped,
					Message: fmt.Sprintf("after failure of step %q", sc.Steps[failedAt].Name),
				}
			} else {
				r.progress(func(p ProgressReporter) { p.StepStart(sc.Name, step, i, len(sc.Steps)) })
				sr = *r.executeStep(ctx, step)
			}
			if repeat > 1 {
				sr.Iteration = iter
			}
			result.Steps = append(result.Steps, sr)
			r.observe(sc.Name, sr.Status)
			r.progress(func(p ProgressReporter) { p.StepEnd(sc.Name, &sr, i, len(sc.Steps)) })

			if failedAt < 0 && (sr.Status == StepStatusFailed || sr.Status == StepStatusError) {
				failedAt = i
			}
		}

		if failedAt >= 0 {
			if repeat > 1 {
				result.FailedIteration = iter
			}
			break
		}
	}

	result.Status = computeOverallStatus(result.Steps)
}

// executeStep dispatches a step to its executor.
func (r *Runner) executeStep(ctx context.Context, step *Step) *StepResult {
	executor, ok := executors[step.Action]
	if !ok {
		err := &StepError{
			Step:   step.Name,
			Action: step.Action,
			Err:    fmt.Errorf("unknown action: %s", step.Action),
		}
		return &StepResult{
			Name:    step.Name,
			Action:  step.Action,
			Status:  StepStatusError,
			Message: err.Error(),
		}
	}

	start := time.Now()
	result := executor.Execute(ctx, r, step)
	result.Duration = time.Since(start)
	result.Name = step.Name
	result.Action = step.Action
	if result.Node == "" {
		result.Node = stepNode(step)
	}
	return result
}

func stepNode(step *Step) string {
	switch {
	case step.Node != "":
		return step.Node
	case step.Peer != "":
		return step.Peer
	default:
		return step.Namespace
	}
}

func computeOverallStatus(steps []StepResult) StepStatus {
	hasError := false
	for _, s := range steps {
		if s.Status == StepStatusError {
			hasError = true
		}
		if s.Status == StepStatusFailed {
			return StepStatusFailed
		}
	}
	if hasError {
		return StepStatusError
	}
	return StepStatusPassed
}

// HasRequires returns true if any scenario declares dependencies.
func HasRequires(scenarios []*Scenario) bool {
	for _, s := range scenarios {
		if len(s.Requires) > 0 {
			return true
		}
	}
	return false
}

// checkRequires returns a skip reason if any required scenario did not pass,
// or "" if all requirements are satisfied.
func checkRequires(sc *Scenario, status map[string]StepStatus) string {
	for _, req := range sc.Requires {
		st, ok := status[req]
		if !ok {
			return fmt.Sprintf("requires '%s' which has not run yet", req)
		}
		if st != StepStatusPassed {
			return fmt.Sprintf("requires '%s' which %s", req, statusVerb(st))
		}
	}
	return ""
}

// progress calls fn with the ProgressReporter if one is set.
func (r *Runner) progress(fn func(ProgressReporter)) {
	if r.Progress != nil {
		fn(r.Progress)
	}
}

func (r *Runner) observe(scenario string, status StepStatus) {
	if r.Observer != nil {
		r.Observer.ObserveStep(scenario, string(status))
	}
}
