package scenario

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/newtron-network/topotest/pkg/cli"
	"github.com/newtron-network/topotest/pkg/util"
)

// ProgressReporter receives lifecycle callbacks during a run.
type ProgressReporter interface {
	SuiteStart(scenarios []*Scenario)
	ScenarioStart(name string, index, total int)
	ScenarioEnd(result *ScenarioResult, index, total int)
	StepStart(scenario string, step *Step, index, total int)
	StepEnd(scenario string, result *StepResult, index, total int)
	SuiteEnd(results []*ScenarioResult, duration time.Duration)
}

// ConsoleProgress is an append-only terminal progress reporter. It never
// rewrites lines, so its output is safe for pipes and CI logs.
type ConsoleProgress struct {
	W       io.Writer
	Verbose bool

	dotWidth int
}

// NewConsoleProgress creates a ConsoleProgress writing to stdout.
func NewConsoleProgress(verbose bool) *ConsoleProgress {
	return &ConsoleProgress{
		W:       os.Stdout,
		Verbose: verbose,
	}
}

func (p *ConsoleProgress) SuiteStart(scenarios []*Scenario) {
	if len(scenarios) == 0 {
		return
	}

	maxName := 0
	for _, s := range scenarios {
		maxName = max(maxName, len(s.Name))
	}
	p.dotWidth = maxName + 6

	fmt.Fprintf(p.W, "\ntopotest: %d scenarios\n\n", len(scenarios))

	fmt.Fprintf(p.W, "  %-4s  %-*s  %s\n", "#", p.dotWidth-6, "SCENARIO", "STEPS")
	for i, s := range scenarios {
		fmt.Fprintf(p.W, "  %-4d  %-*s  %d\n", i+1, p.dotWidth-6, s.Name, len(s.Steps))
	}
	fmt.Fprintln(p.W)
}

func (p *ConsoleProgress) ScenarioStart(name string, index, total int) {
	if p.Verbose {
		fmt.Fprintf(p.W, "  [%d/%d]  %s\n", index+1, total, name)
	}
}

func (p *ConsoleProgress) ScenarioEnd(result *ScenarioResult, index, total int) {
	tag := fmt.Sprintf("[%d/%d]", index+1, total)

	if p.Verbose {
		if result.Error != nil {
			fmt.Fprintf(p.W, "          %s\n", cli.Dim(result.Error.Error()))
		}
		if result.SkipReason != "" {
			fmt.Fprintf(p.W, "          %s\n", cli.Dim(result.SkipReason))
		}
		fmt.Fprintf(p.W, "          %s  (%s)\n\n", colorStatus(result.Status), formatDuration(result.Duration))
		return
	}

	padded := cli.DotPad(result.Name, p.dotWidth)
	if result.Status == StepStatusSkipped {
		fmt.Fprintf(p.W, "  %-7s %s %s\n", tag, padded, colorStatus(result.Status))
		return
	}
	fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, colorStatus(result.Status), formatDuration(result.Duration))
}

func (p *ConsoleProgress) StepStart(scenario string, step *Step, index, total int) {
	util.WithScenario(scenario).Debugf("step %d/%d: %s (%s)", index+1, total, step.Name, step.Action)
}

func (p *ConsoleProgress) StepEnd(scenario string, result *StepResult, index, total int) {
	if !p.Verbose {
		return
	}

	stepDot := cli.DotPad(result.Name, max(p.dotWidth-10, len(result.Name)+2))
	tag := fmt.Sprintf("[%d/%d]", index+1, total)
	fmt.Fprintf(p.W, "          %s %s %s  (%s)\n", tag, stepDot, colorStatus(result.Status), formatDuration(result.Duration))

	if (result.Status == StepStatusFailed || result.Status == StepStatusError) && result.Message != "" {
		for _, line := range strings.Split(strings.TrimRight(result.Message, "\n"), "\n") {
			fmt.Fprintf(p.W, "               %s\n", cli.Dim(line))
		}
	}
}

func (p *ConsoleProgress) SuiteEnd(results []*ScenarioResult, duration time.Duration) {
	passed, failed, skipped, errored := 0, 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case StepStatusPassed:
			passed++
		case StepStatusFailed:
			failed++
		case StepStatusSkipped:
			skipped++
		case StepStatusError:
			errored++
		}
	}

	fmt.Fprintf(p.W, "\n---\n")
	fmt.Fprintf(p.W, "topotest: %d scenarios", len(results))

	var parts []string
	if passed > 0 {
		parts = append(parts, cli.Green(fmt.Sprintf("%d passed", passed)))
	}
	if failed > 0 {
		parts = append(parts, cli.Red(fmt.Sprintf("%d failed", failed)))
	}
	if errored > 0 {
		parts = append(parts, cli.Red(fmt.Sprintf("%d errored", errored)))
	}
	if skipped > 0 {
		parts = append(parts, cli.Yellow(fmt.Sprintf("%d skipped", skipped)))
	}
	if len(parts) > 0 {
		fmt.Fprintf(p.W, ": %s", strings.Join(parts, ", "))
	}
	fmt.Fprintf(p.W, "  (%s)\n", formatDuration(duration))

	if failed+errored > 0 {
		fmt.Fprintf(p.W, "\n  FAILED:\n")
		for i, r := range results {
			if r.Status != StepStatusFailed && r.Status != StepStatusError {
				continue
			}
			fmt.Fprintf(p.W, "    [%d]  %s\n", i+1, r.Name)
			if r.Error != nil {
				fmt.Fprintf(p.W, "         %s\n", r.Error)
				continue
			}
			for _, step := range r.Steps {
				if step.Status != StepStatusFailed && step.Status != StepStatusError {
					continue
				}
				msg, _, _ := strings.Cut(step.Message, "\n")
				if msg == "" {
					msg = string(step.Status)
				}
				fmt.Fprintf(p.W, "         step %q (%s): %s\n", step.Name, step.Action, msg)
			}
		}
	}

	if skipped > 0 {
		fmt.Fprintf(p.W, "\n  SKIPPED:\n")
		for i, r := range results {
			if r.Status != StepStatusSkipped {
				continue
			}
			reason := r.SkipReason
			if reason == "" {
				reason = "skipped"
			}
			padded := cli.DotPad(r.Name, p.dotWidth)
			fmt.Fprintf(p.W, "    [%d]  %s %s\n", i+1, padded, reason)
		}
	}

	fmt.Fprintln(p.W)
}

func colorStatus(s StepStatus) string {
	switch s {
	case StepStatusPassed:
		return cli.Green(string(s))
	case StepStatusFailed, StepStatusError:
		return cli.Red(string(s))
	case StepStatusSkipped:
		return cli.Yellow(string(s))
	default:
		return string(s)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// StateReporter wraps a ProgressReporter and persists run state after each
// scenario completes, for the status command.
type StateReporter struct {
	Inner ProgressReporter
	Dir   string
	State *RunState
}

func (r *StateReporter) save() {
	if err := SaveRunState(r.Dir, r.State); err != nil {
		util.Logger.Warnf("saving run state: %v", err)
	}
}

func (r *StateReporter) SuiteStart(scenarios []*Scenario) {
	r.State.Status = StatusRunning
	r.State.PID = os.Getpid()
	if r.State.Started.IsZero() {
		r.State.Started = time.Now()
	}
	r.State.Scenarios = make([]ScenarioState, len(scenarios))
	for i, s := range scenarios {
		r.State.Scenarios[i] = ScenarioState{Name: s.Name, Topology: s.Topology}
	}
	r.save()
	r.Inner.SuiteStart(scenarios)
}

func (r *StateReporter) ScenarioStart(name string, index, total int) {
	r.Inner.ScenarioStart(name, index, total)
}

func (r *StateReporter) ScenarioEnd(result *ScenarioResult, index, total int) {
	if index < len(r.State.Scenarios) {
		r.State.Scenarios[index].Status = string(result.Status)
		r.State.Scenarios[index].Duration = result.Duration.Round(time.Second).String()
	}
	r.save()
	r.Inner.ScenarioEnd(result, index, total)
}

func (r *StateReporter) StepStart(scenario string, step *Step, index, total int) {
	r.Inner.StepStart(scenario, step, index, total)
}

func (r *StateReporter) StepEnd(scenario string, result *StepResult, index, total int) {
	r.Inner.StepEnd(scenario, result, index, total)
}

func (r *StateReporter) SuiteEnd(results []*ScenarioResult, duration time.Duration) {
	r.State.Status = StatusComplete
	for _, res := range results {
		if res.Status == StepStatusFailed || res.Status == StepStatusError {
			r.State.Status = StatusRunFailed
		}
	}
	r.State.PID = 0
	r.save()
	r.Inner.SuiteEnd(results, duration)
}
