package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/newtron-network/topotest/pkg/poll"
	"github.com/newtron-network/topotest/pkg/runner"
	"github.com/newtron-network/topotest/pkg/util"
)

// Events reported to Observer.
const (
	EventStart       = "start"
	EventStartFailed = "start-failed"
	EventStop        = "stop"
	EventForceKill   = "force-kill"
)

// Observer is notified of daemon lifecycle events.
type Observer interface {
	ObserveDaemon(role, event string)
}

// Manager tracks the daemons of every node of one fabric.
type Manager struct {
	Runner runner.Runner
	Paths  Paths
	// Poll bounds waiting for a pidfile after start and for a process to
	// exit after SIGTERM.
	Poll     poll.Policy
	Observer Observer

	mu         sync.Mutex
	namespaces map[string]string
	instances  map[string]map[Role]*Instance
}

// NewManager returns a manager using the default poll budget.
func NewManager(r runner.Runner, paths Paths) *Manager {
	return &Manager{
		Runner:     r,
		Paths:      paths,
		Poll:       poll.DefaultPolicy(),
		namespaces: map[string]string{},
		instances:  map[string]map[Role]*Instance{},
	}
}

// SetNamespace sets the namespace node's daemons run in. Nodes default to
// a namespace named after them; "" is the default namespace.
func (m *Manager) SetNamespace(node, ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[node] = ns
}

func (m *Manager) namespace(node string) string {
	if ns, ok := m.namespaces[node]; ok {
		return ns
	}
	return node
}

// LoadConfig registers role on node with its configuration file and extra
// arguments. Reloading a stopped instance replaces its configuration.
func (m *Manager) LoadConfig(node string, role Role, configPath string, extraArgs ...string) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byRole := m.instances[node]
	if byRole == nil {
		byRole = map[Role]*Instance{}
		m.instances[node] = byRole
	}
	if cur := byRole[role]; cur != nil && cur.Running() {
		return fmt.Errorf("%s: %w (pid %d)", cur, ErrRunning, cur.PID)
	}
	byRole[role] = &Instance{
		Node:      node,
		Namespace: m.namespace(node),
		Role:      role,
		Config:    configPath,
		Args:      append([]string(nil), extraArgs...),
	}
	return nil
}

// Instances returns node's instances in start order.
func (m *Manager) Instances(node string) []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Instance
	for _, inst := range m.sorted(node) {
		out = append(out, *inst)
	}
	return out
}

// Nodes returns the nodes with at least one loaded daemon, sorted.
func (m *Manager) Nodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.instances))
	for n := range m.instances {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) sorted(node string) []*Instance {
	var out []*Instance
	for _, inst := range m.instances[node] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i].Role) < rank(out[j].Role) })
	return out
}

// selectRoles returns the loaded instances named by roles, all of them if
// roles is empty, in start order.
func (m *Manager) selectRoles(node string, roles []Role) ([]*Instance, error) {
	all := m.sorted(node)
	if len(roles) == 0 {
		return all, nil
	}
	want := map[Role]bool{}
	for _, r := range roles {
		want[r] = true
		if m.instances[node][r] == nil {
			return nil, fmt.Errorf("%s/%s: %w", node, r, ErrNotLoaded)
		}
	}
	var out []*Instance
	for _, inst := range all {
		if want[inst.Role] {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Start starts every loaded, stopped daemon of node in start order. The
// first daemon that fails to start stops the sequence.
func (m *Manager) Start(ctx context.Context, node string) error {
	return m.start(ctx, node, nil)
}

func (m *Manager) start(ctx context.Context, node string, roles []Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts, err := m.selectRoles(node, roles)
	if err != nil {
		return err
	}
	if len(insts) == 0 {
		return fmt.Errorf("node %s: %w", node, ErrNotLoaded)
	}
	for _, inst := range insts {
		if inst.Running() {
			continue
		}
		if err := m.startOne(ctx, inst); err != nil {
			m.observe(inst.Role, EventStartFailed)
			return err
		}
		m.observe(inst.Role, EventStart)
	}
	return nil
}

func (m *Manager) startOne(ctx context.Context, inst *Instance) error {
	log := util.WithNode(inst.Node).WithField("daemon", inst.Role)
	pidFile := m.Paths.PIDFile(inst.Node, inst.Role)
	logFile := m.Paths.LogFile(inst.Node, inst.Role)

	for _, argv := range [][]string{
		{"mkdir", "-p", filepath.Dir(pidFile), filepath.Dir(logFile)},
		{"rm", "-f", pidFile},
	} {
		if _, err := m.Runner.Run(ctx, argv...); err != nil {
			return fmt.Errorf("%s: prepare: %w", inst, err)
		}
	}

	argv := m.Paths.Command(*inst)
	log.Debugf("starting: %s", runner.Join(argv))
	if out, err := m.Runner.Run(ctx, argv...); err != nil {
		return fmt.Errorf("%s: %w: %v (log %s)", inst, ErrStartFailed, err, logFile)
	} else if s := strings.TrimSpace(out); s != "" {
		log.Debugf("start output: %s", s)
	}

	res := poll.Until(ctx, m.Poll.Named("start "+inst.String()), func(int) (int, bool) {
		pid, err := m.readPID(ctx, pidFile)
		if err != nil || pid <= 0 {
			return 0, false
		}
		return pid, m.alive(ctx, pid)
	})
	if !res.Converged {
		return fmt.Errorf("%s: %w after %d checks of %s (log %s)", inst, ErrStartFailed, res.Attempts, pidFile, logFile)
	}

	inst.PID = res.Value
	log.Infof("Started (pid %d)", inst.PID)
	return nil
}

func (m *Manager) readPID(ctx context.Context, path string) (int, error) {
	out, err := m.Runner.Run(ctx, "cat", path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func (m *Manager) alive(ctx context.Context, pid int) bool {
	_, err := m.Runner.Run(ctx, "kill", "-0", strconv.Itoa(pid))
	return err == nil
}

// Kill stops the named daemons of node, all of them if roles is empty, in
// reverse start order. Each gets SIGTERM and, if it outlives the poll
// budget, SIGKILL. Killing a stopped daemon is a no-op.
func (m *Manager) Kill(ctx context.Context, node string, roles ...Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts, err := m.selectRoles(node, roles)
	if err != nil {
		return err
	}
	var errs []error
	for i := len(insts) - 1; i >= 0; i-- {
		if err := m.killOne(ctx, insts[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) killOne(ctx context.Context, inst *Instance) error {
	if !inst.Running() {
		return nil
	}
	log := util.WithNode(inst.Node).WithField("daemon", inst.Role)
	pid := strconv.Itoa(inst.PID)

	if _, err := m.Runner.Run(ctx, "kill", "-TERM", pid); err != nil {
		if m.alive(ctx, inst.PID) {
			return fmt.Errorf("%s: SIGTERM pid %s: %w", inst, pid, err)
		}
		log.Debugf("pid %s already gone", pid)
		inst.PID = 0
		return nil
	}

	res := poll.Until(ctx, m.Poll.Named("stop "+inst.String()), func(int) (struct{}, bool) {
		return struct{}{}, !m.alive(ctx, inst.PID)
	})
	if !res.Converged {
		log.Warnf("pid %s survived SIGTERM, sending SIGKILL", pid)
		m.observe(inst.Role, EventForceKill)
		if _, err := m.Runner.Run(ctx, "kill", "-KILL", pid); err != nil && m.alive(ctx, inst.PID) {
			return fmt.Errorf("%s: SIGKILL pid %s: %w", inst, pid, err)
		}
	}

	log.Infof("Stopped (pid %s)", pid)
	m.observe(inst.Role, EventStop)
	inst.PID = 0
	return nil
}

// Restart kills and starts the named daemons, all of node's if roles is
// empty, keeping their loaded configuration.
func (m *Manager) Restart(ctx context.Context, node string, roles ...Role) error {
	if err := m.Kill(ctx, node, roles...); err != nil {
		return err
	}
	return m.start(ctx, node, roles)
}

// StopAll kills every daemon of every node. It keeps going past failures
// and ignores cancellation of ctx.
func (m *Manager) StopAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, node := range m.Nodes() {
		if err := m.Kill(ctx, node); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) observe(role Role, event string) {
	if m.Observer != nil {
		m.Observer.ObserveDaemon(string(role), event)
	}
}
