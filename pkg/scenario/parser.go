package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/topotest/pkg/daemon"
)

// ParseScenario reads a scenario from a YAML file, or from the
// scenario.yaml inside a scenario directory, and validates it.
func ParseScenario(path string) (*Scenario, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	s.Dir = filepath.Dir(path)
	if s.Name == "" {
		if filepath.Base(path) == FileName {
			s.Name = filepath.Base(s.Dir)
		} else {
			s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
	}

	applyDefaults(&s)
	if err := validateScenario(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ParseAllScenarios reads every scenario directory and .yaml file in dir.
func ParseAllScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios dir %s: %w", dir, err)
	}

	var scenarios []*Scenario
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if _, err := os.Stat(filepath.Join(path, FileName)); err != nil {
				continue
			}
		} else if !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		s, err := ParseScenario(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// Load returns the named scenarios from dir, or all of them when names is
// empty.
func Load(dir string, names []string) ([]*Scenario, error) {
	if len(names) == 0 {
		scenarios, err := ParseAllScenarios(dir)
		if err != nil {
			return nil, err
		}
		if len(scenarios) == 0 {
			return nil, fmt.Errorf("no scenarios found in %s", dir)
		}
		return scenarios, nil
	}

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		path, err := resolveScenarioPath(dir, name)
		if err != nil {
			return nil, err
		}
		s, err := ParseScenario(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	prefix := "scenario " + s.Name
	if s.Topology == "" {
		return fmt.Errorf("%s: topology is required", prefix)
	}
	for i, c := range s.Capabilities {
		if _, err := daemon.ParseRole(c.Daemon); err != nil {
			return fmt.Errorf("%s: capability %d: %w", prefix, i+1, err)
		}
		if c.Flag == "" {
			return fmt.Errorf("%s: capability %d: flag is required", prefix, i+1)
		}
	}
	for i, d := range s.Daemons {
		if d.Node == "" || d.Config == "" {
			return fmt.Errorf("%s: daemon %d: node and config are required", prefix, i+1)
		}
		if _, err := daemon.ParseRole(d.Role); err != nil {
			return fmt.Errorf("%s: daemon %d: %w", prefix, i+1, err)
		}
	}
	seen := map[string]bool{}
	for i, p := range s.Peers {
		if p.Name == "" {
			return fmt.Errorf("%s: peer %d: name is required", prefix, i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s: duplicate peer %s", prefix, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case PeerExaBGP:
		case PeerGoBGP:
			if p.Config == "" {
				return fmt.Errorf("%s: peer %s: config is required for gobgp", prefix, p.Name)
			}
		default:
			return fmt.Errorf("%s: peer %s: unknown kind %q (want exabgp or gobgp)", prefix, p.Name, p.Kind)
		}
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		if !validActions[step.Action] {
			return fmt.Errorf("%s step %d (%s): unknown action %q", prefix, i+1, step.Name, step.Action)
		}
		if err := validateStepFields(s, i+1, step); err != nil {
			return err
		}
	}
	return nil
}

// stepValidation declares what each action requires.
type stepValidation struct {
	fields  []string // required step-level fields
	pattern bool     // expect.json or expect.file required
	custom  func(prefix string, s *Scenario, step *Step) error
}

// stepValidations is the declarative validation table for all step actions.
var stepValidations = map[StepAction]stepValidation{
	ActionVerifyJSON:  {fields: []string{"node", "command"}, pattern: true},
	ActionVerifyPeer:  {fields: []string{"peer", "command"}, pattern: true, custom: requireGoBGPPeer},
	ActionVerifyRedis: {fields: []string{"command"}, pattern: true},
	ActionVtysh:       {fields: []string{"node", "command"}},
	ActionVtyshConfig: {fields: []string{"node"}, custom: func(prefix string, _ *Scenario, step *Step) error {
		if len(step.Lines) == 0 {
			return fmt.Errorf("%s: lines is required", prefix)
		}
		return nil
	}},
	ActionExec: {fields: []string{"command"}, custom: func(prefix string, _ *Scenario, step *Step) error {
		if step.Node == "" && step.Namespace == "" {
			return fmt.Errorf("%s: node or namespace is required", prefix)
		}
		return nil
	}},
	ActionKillDaemon:    {fields: []string{"node"}, custom: validateRoles},
	ActionRestartDaemon: {fields: []string{"node"}, custom: validateRoles},
	ActionAnnounce: {fields: []string{"peer", "nexthop"}, custom: func(prefix string, s *Scenario, step *Step) error {
		if len(step.Prefixes) == 0 {
			return fmt.Errorf("%s: prefixes is required", prefix)
		}
		return requireGoBGPPeer(prefix, s, step)
	}},
	ActionWithdraw: {fields: []string{"peer", "nexthop"}, custom: func(prefix string, s *Scenario, step *Step) error {
		if len(step.Prefixes) == 0 {
			return fmt.Errorf("%s: prefixes is required", prefix)
		}
		return requireGoBGPPeer(prefix, s, step)
	}},
	ActionWait: {custom: func(prefix string, _ *Scenario, step *Step) error {
		if step.Duration <= 0 {
			return fmt.Errorf("%s: duration is required", prefix)
		}
		return nil
	}},
}

// stepFieldGetter maps step-level field names to their accessors.
var stepFieldGetter = map[string]func(*Step) string{
	"node":    func(s *Step) string { return s.Node },
	"peer":    func(s *Step) string { return s.Peer },
	"command": func(s *Step) string { return s.Command },
	"nexthop": func(s *Step) string { return s.NextHop },
}

func validateRoles(prefix string, _ *Scenario, step *Step) error {
	for _, r := range step.Roles {
		if _, err := daemon.ParseRole(r); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	}
	return nil
}

func requireGoBGPPeer(prefix string, s *Scenario, step *Step) error {
	for _, p := range s.Peers {
		if p.Name == step.Peer {
			if p.Kind != PeerGoBGP {
				return fmt.Errorf("%s: peer %s is %s, not gobgp", prefix, p.Name, p.Kind)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: peer %s is not declared", prefix, step.Peer)
}

// validateStepFields checks required fields per action type using the
// stepValidations table.
func validateStepFields(s *Scenario, index int, step *Step) error {
	prefix := fmt.Sprintf("scenario %s step %d (%s)", s.Name, index, step.Name)

	v, ok := stepValidations[step.Action]
	if !ok {
		return nil
	}
	for _, field := range v.fields {
		getter, exists := stepFieldGetter[field]
		if !exists {
			return fmt.Errorf("%s: unknown validation field %q (bug)", prefix, field)
		}
		if getter(step) == "" {
			return fmt.Errorf("%s: %s is required", prefix, field)
		}
	}
	if v.pattern && !step.Expect.hasPattern() {
		return fmt.Errorf("%s: expect.json or expect.file is required", prefix)
	}
	if v.custom != nil {
		if err := v.custom(prefix, s, step); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDependencyGraph checks that all Requires references exist and there
// are no cycles. On success it returns scenarios in dependency order.
func ValidateDependencyGraph(scenarios []*Scenario) ([]*Scenario, error) {
	names := make(map[string]bool, len(scenarios))
	for _, s := range scenarios {
		if names[s.Name] {
			return nil, fmt.Errorf("duplicate scenario name: %s", s.Name)
		}
		names[s.Name] = true
	}

	for _, s := range scenarios {
		for _, req := range s.Requires {
			if req == s.Name {
				return nil, fmt.Errorf("scenario %s requires itself", s.Name)
			}
			if !names[req] {
				return nil, fmt.Errorf("scenario %s requires unknown scenario %q", s.Name, req)
			}
		}
	}

	return topologicalSort(scenarios)
}

// topologicalSort returns scenarios in dependency order using Kahn's
// algorithm. Independent scenarios keep their input order.
func topologicalSort(scenarios []*Scenario) ([]*Scenario, error) {
	byName := make(map[string]*Scenario, len(scenarios))
	inDegree := make(map[string]int, len(scenarios))
	dependents := make(map[string][]string)

	for _, s := range scenarios {
		byName[s.Name] = s
		inDegree[s.Name] = len(s.Requires)
		for _, req := range s.Requires {
			dependents[req] = append(dependents[req], s.Name)
		}
	}

	var queue []string
	for _, s := range scenarios {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	var sorted []*Scenario
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		sorted = append(sorted, byName[name])

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(scenarios) {
		var inCycle []string
		for _, s := range scenarios {
			if inDegree[s.Name] > 0 {
				inCycle = append(inCycle, s.Name)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving: %s", strings.Join(inCycle, ", "))
	}

	return sorted, nil
}

// applyDefaults fills in names and directories the scenario left out.
func applyDefaults(s *Scenario) {
	for i := range s.Peers {
		if s.Peers[i].Kind == "" {
			s.Peers[i].Kind = PeerExaBGP
		}
		if s.Peers[i].Kind == PeerExaBGP && s.Peers[i].Dir == "" {
			s.Peers[i].Dir = s.Peers[i].Name
		}
	}
	for i := range s.Steps {
		if s.Steps[i].Name == "" {
			s.Steps[i].Name = fmt.Sprintf("%s-%d", s.Steps[i].Action, i+1)
		}
	}
}

// resolveScenarioPath resolves a scenario name to a path.
// Tries in order:
//  1. Scenario directory: <dir>/<name>/scenario.yaml
//  2. Exact file: <dir>/<name>.yaml
//  3. Numbered prefix: <dir>/*-<name> or <dir>/*-<name>.yaml
//  4. Scan for a matching name: field
func resolveScenarioPath(dir, name string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, name, FileName)); err == nil {
		return filepath.Join(dir, name), nil
	}
	exact := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*-"+name))
	more, _ := filepath.Glob(filepath.Join(dir, "*-"+name+".yaml"))
	matches = append(matches, more...)
	if len(matches) == 1 {
		return matches[0], nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scenario %q not found: %w", name, err)
	}
	var found string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		s, err := ParseScenario(path)
		if err != nil {
			continue
		}
		if s.Name == name {
			if found != "" {
				return "", fmt.Errorf("ambiguous scenario name %q: found in %s and %s", name, filepath.Base(found), e.Name())
			}
			found = path
		}
	}
	if found != "" {
		return found, nil
	}

	return "", fmt.Errorf("scenario %q not found in %s", name, dir)
}
