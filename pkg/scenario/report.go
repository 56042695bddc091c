package scenario

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DateTimeFormat is the timestamp layout used in reports.
const DateTimeFormat = "2006-01-02 15:04:05"

// StepStatus represents the outcome of a step or scenario.
type StepStatus string

const (
	StepStatusPassed  StepStatus = "PASS"
	StepStatusFailed  StepStatus = "FAIL"
	StepStatusSkipped StepStatus = "SKIP"
	StepStatusError   StepStatus = "ERROR"
)

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name     string
	Topology string
	Status   StepStatus
	Duration time.Duration
	Steps    []StepResult
	// Error is the infrastructure failure that stopped the scenario before
	// or between steps.
	Error      error
	SkipReason string // set when Status==StepStatusSkipped

	Repeat          int // total iterations requested (0 = no repeat)
	FailedIteration int // which iteration failed (only set when Repeat > 1)
}

// StepResult holds the result of a single step execution.
type StepResult struct {
	Name     string
	Action   StepAction
	Status   StepStatus
	Duration time.Duration
	Message  string
	Node     string
	// Attempts is how many times a polled expectation was evaluated.
	Attempts  int
	Iteration int // 1-based iteration number (0 = no repeat)
}

// ReportGenerator produces test reports from scenario results.
type ReportGenerator struct {
	Results []*ScenarioResult
}

// WriteMarkdown writes a markdown report to the given path.
func (g *ReportGenerator) WriteMarkdown(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	g.writeMarkdown(f, time.Now())
	return nil
}

func (g *ReportGenerator) writeMarkdown(w io.Writer, now time.Time) {
	fmt.Fprintf(w, "# topotest report, %s\n\n", now.Format(DateTimeFormat))

	fmt.Fprintln(w, "| Scenario | Topology | Result | Duration | Note |")
	fmt.Fprintln(w, "|----------|----------|--------|----------|------|")
	for _, r := range g.Results {
		note := r.SkipReason
		if r.Repeat > 1 && r.FailedIteration > 0 {
			note = fmt.Sprintf("failed on iteration %d/%d", r.FailedIteration, r.Repeat)
		} else if r.Repeat > 1 {
			note = fmt.Sprintf("%d iterations", r.Repeat)
		}
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s |\n",
			r.Name, r.Topology, r.Status, r.Duration.Round(time.Second), note)
	}

	hasFailures := false
	header := func() {
		if !hasFailures {
			fmt.Fprintf(w, "\n## Failures\n\n")
			hasFailures = true
		}
	}
	for _, r := range g.Results {
		if r.Error != nil {
			header()
			fmt.Fprintf(w, "### %s\n%s\n\n", r.Name, r.Error)
		}
		for _, s := range r.Steps {
			if s.Status != StepStatusFailed && s.Status != StepStatusError {
				continue
			}
			header()
			fmt.Fprintf(w, "### %s\n", r.Name)
			fmt.Fprintf(w, "Step %s (%s) %s", s.Name, s.Action, s.Status)
			if s.Node != "" {
				fmt.Fprintf(w, " on %s", s.Node)
			}
			fmt.Fprint(w, "\n\n")
			if s.Message != "" {
				fmt.Fprintf(w, "```\n%s\n```\n\n", strings.TrimRight(s.Message, "\n"))
			}
		}
	}
}

// WriteJUnit writes a JUnit XML report for CI integration.
func (g *ReportGenerator) WriteJUnit(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := g.junit()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (g *ReportGenerator) junit() ([]byte, error) {
	suites := junitTestSuites{}

	for _, r := range g.Results {
		suite := junitTestSuite{
			Name: r.Name,
			Time: r.Duration.Seconds(),
		}

		// Scenario-level skip or error: a single test case stands for it
		if len(r.Steps) == 0 && (r.Status == StepStatusSkipped || r.Status == StepStatusError) {
			suite.Tests = 1
			tc := junitTestCase{Name: r.Name, ClassName: r.Name}
			if r.Status == StepStatusSkipped {
				suite.Skipped = 1
				tc.Skipped = &junitSkipped{Message: r.SkipReason}
			} else {
				suite.Errors = 1
				msg := ""
				if r.Error != nil {
					msg = r.Error.Error()
				}
				tc.Error = &junitError{Message: msg, Type: "infra"}
			}
			suite.Cases = append(suite.Cases, tc)
			suites.Suites = append(suites.Suites, suite)
			continue
		}

		for _, s := range r.Steps {
			suite.Tests++
			stepName := s.Name
			if s.Iteration > 0 {
				stepName = fmt.Sprintf("[iter %d] %s", s.Iteration, s.Name)
			}
			tc := junitTestCase{
				Name:      stepName,
				ClassName: r.Name,
				Time:      s.Duration.Seconds(),
			}

			switch s.Status {
			case StepStatusFailed:
				suite.Failures++
				tc.Failure = &junitFailure{Message: s.Message, Type: string(s.Action)}
			case StepStatusSkipped:
				suite.Skipped++
				tc.Skipped = &junitSkipped{Message: s.Message}
			case StepStatusError:
				suite.Errors++
				tc.Error = &junitError{Message: s.Message, Type: string(s.Action)}
			}

			suite.Cases = append(suite.Cases, tc)
		}

		suites.Suites = append(suites.Suites, suite)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

// statusVerb returns a past-tense verb for a status, used in skip reasons.
func statusVerb(s StepStatus) string {
	switch s {
	case StepStatusFailed:
		return "failed"
	case StepStatusError:
		return "errored"
	case StepStatusSkipped:
		return "was skipped"
	default:
		return string(s)
	}
}

// JUnit XML types

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Errors   int             `xml:"errors,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     float64         `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	Error     *junitError   `xml:"error,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

type junitSkipped struct {
	Message string `xml:"message,attr"`
}

type junitError struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}
