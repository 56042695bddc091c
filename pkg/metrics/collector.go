// Package metrics exports harness activity as Prometheus metrics.
//
// A run is short-lived, so nothing is served over HTTP; the registry is
// written to a node_exporter textfile when the run ends.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Metric constants
// -------------------------------------------------------------------------

const namespace = "topotest"

const (
	labelPoll     = "poll"
	labelResult   = "result"
	labelPhase    = "phase"
	labelOp       = "op"
	labelRole     = "role"
	labelEvent    = "event"
	labelScenario = "scenario"
	labelStatus   = "status"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds the harness metrics. It satisfies poll.Observer,
// fabric.Observer and daemon.Observer.
type Collector struct {
	// PollAttempts counts probe attempts per poll name and result (ok, miss).
	PollAttempts *prometheus.CounterVec

	// PollOutcomes counts finished polls per name and result
	// (converged, timeout).
	PollOutcomes *prometheus.CounterVec

	// PollAttemptsToConverge records how many attempts converged polls took.
	PollAttemptsToConverge *prometheus.HistogramVec

	// FabricOps counts executed fabric ops per phase, kind and result.
	FabricOps *prometheus.CounterVec

	// DaemonEvents counts daemon lifecycle events per role.
	DaemonEvents *prometheus.CounterVec

	// ScenarioSteps counts step results per scenario and status.
	ScenarioSteps *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates a Collector registered against reg. A nil reg gets a
// fresh private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := newMetrics()
	c.gatherer = reg
	reg.MustRegister(
		c.PollAttempts,
		c.PollOutcomes,
		c.PollAttemptsToConverge,
		c.FabricOps,
		c.DaemonEvents,
		c.ScenarioSteps,
	)
	return c
}

func newMetrics() *Collector {
	return &Collector{
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "attempts_total",
			Help:      "Probe attempts made by bounded polls.",
		}, []string{labelPoll, labelResult}),

		PollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "outcomes_total",
			Help:      "Finished polls by result.",
		}, []string{labelPoll, labelResult}),

		PollAttemptsToConverge: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "attempts_to_converge",
			Help:      "Attempts needed by polls that converged.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20, 40},
		}, []string{labelPoll}),

		FabricOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fabric",
			Name:      "ops_total",
			Help:      "Fabric ops executed by phase, kind and result.",
		}, []string{labelPhase, labelOp, labelResult}),

		DaemonEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "events_total",
			Help:      "Routing daemon lifecycle events.",
		}, []string{labelRole, labelEvent}),

		ScenarioSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "steps_total",
			Help:      "Scenario step results by status.",
		}, []string{labelScenario, labelStatus}),
	}
}

// -------------------------------------------------------------------------
// Observer hooks
// -------------------------------------------------------------------------

// ObserveAttempt implements poll.Observer.
func (c *Collector) ObserveAttempt(name string, _ int, ok bool) {
	c.PollAttempts.WithLabelValues(name, resultLabel(ok, "ok", "miss")).Inc()
}

// ObserveOutcome implements poll.Observer.
func (c *Collector) ObserveOutcome(name string, converged bool, attempts int) {
	c.PollOutcomes.WithLabelValues(name, resultLabel(converged, "converged", "timeout")).Inc()
	if converged {
		c.PollAttemptsToConverge.WithLabelValues(name).Observe(float64(attempts))
	}
}

// ObserveOp implements fabric.Observer.
func (c *Collector) ObserveOp(phase, kind string, err error) {
	c.FabricOps.WithLabelValues(phase, kind, resultLabel(err == nil, "ok", "error")).Inc()
}

// ObserveDaemon implements daemon.Observer.
func (c *Collector) ObserveDaemon(role, event string) {
	c.DaemonEvents.WithLabelValues(role, event).Inc()
}

// ObserveStep records a finished scenario step.
func (c *Collector) ObserveStep(scenario, status string) {
	c.ScenarioSteps.WithLabelValues(scenario, status).Inc()
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// -------------------------------------------------------------------------
// Export
// -------------------------------------------------------------------------

// WriteTextfile writes every gathered metric to path in the text exposition
// format, creating the parent directory. The write is atomic.
func (c *Collector) WriteTextfile(path string) error {
	if path == "" {
		return errors.New("metrics textfile path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.gatherer); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
