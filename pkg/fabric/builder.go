package fabric

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/newtron-network/topotest/pkg/util"
)

// Executor applies one op to the host. Implementations wrap failures
// caused by a missing object with ErrAbsent.
type Executor interface {
	Exec(ctx context.Context, op Op) error
}

// Observer is notified of every executed op.
type Observer interface {
	ObserveOp(phase, kind string, err error)
}

// Phases passed to Observer.
const (
	PhasePreClean = "preclean"
	PhaseSetup    = "setup"
	PhaseTeardown = "teardown"
)

// Builder builds and tears down fabrics.
type Builder struct {
	Exec Executor
	// StateDir holds persisted handles and lock files. Empty disables both.
	StateDir string
	Observer Observer
}

// Setup removes leftovers of a previous run, then executes the setup plan
// op by op. The first failing op stops Setup with a *SetupError; the
// returned handle still records what was built so Teardown can undo it.
func (b *Builder) Setup(ctx context.Context, t *Topology) (*Handle, error) {
	plan, err := Compile(t)
	if err != nil {
		return nil, err
	}
	log := util.WithField("fabric", t.Name)

	h := newHandle(t.Name)
	if b.StateDir != "" {
		lk, err := AcquireLock(b.StateDir, t.Name)
		if err != nil {
			return nil, err
		}
		h.lock = lk
	}

	log.Infof("Pre-cleaning %d namespaces", len(plan.PreClean))
	for _, op := range plan.PreClean {
		if err := b.exec(ctx, PhasePreClean, op); err != nil {
			log.Debugf("pre-clean %s: %v", op, err)
		}
	}

	log.Infof("Building fabric (%d ops)", len(plan.Setup))
	for i, op := range plan.Setup {
		if err := b.exec(ctx, PhaseSetup, op); err != nil {
			// the op took effect even though ip printed something
			if errors.Is(err, ErrUnexpectedOutput) {
				h.record(op)
			}
			b.persist(h)
			serr := &SetupError{Fabric: t.Name, Index: i, Op: op, Err: err}
			log.Warnf("Aborting: %v", serr)
			return h, serr
		}
		h.record(op)
		b.persist(h)
	}

	log.Infof("Fabric ready: %d namespaces", len(h.States))
	return h, nil
}

// TeardownReport summarises a teardown. Failures never stop a teardown.
type TeardownReport struct {
	Fabric    string
	Attempted int
	// Absent counts ops whose object was already gone.
	Absent   int
	Failures []OpFailure
}

// OpFailure is a teardown op that failed for a reason other than absence.
type OpFailure struct {
	Op  Op
	Err error
}

// OK reports whether every op succeeded or found its object already gone.
func (r *TeardownReport) OK() bool {
	return len(r.Failures) == 0
}

func (r *TeardownReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fabric %s: %d ops, %d already absent, %d failed",
		r.Fabric, r.Attempted, r.Absent, len(r.Failures))
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n  %s: %v", f.Op, f.Err)
	}
	return b.String()
}

// Teardown undoes every op recorded in h, latest first. Each op is attempted
// regardless of earlier failures. Cancellation of ctx does not stop it.
func (b *Builder) Teardown(ctx context.Context, h *Handle) *TeardownReport {
	ctx = context.WithoutCancel(ctx)
	log := util.WithField("fabric", h.Fabric)

	report := b.run(ctx, h.Fabric, PhaseTeardown, h.TeardownOps(), h)
	for ns := range h.States {
		h.States[ns] = NSTornDown
	}

	if b.StateDir != "" {
		if err := RemoveHandle(b.StateDir, h.Fabric); err != nil {
			log.Warnf("remove fabric handle: %v", err)
		}
	}
	h.release()

	if report.OK() {
		log.Infof("Fabric torn down (%d ops, %d already absent)", report.Attempted, report.Absent)
	} else {
		log.Warnf("Fabric teardown incomplete: %d of %d ops failed", len(report.Failures), report.Attempted)
	}
	return report
}

// Purge deletes every namespace t would create, without a handle. Used to
// recover after a crash left a fabric behind.
func (b *Builder) Purge(ctx context.Context, t *Topology) (*TeardownReport, error) {
	plan, err := Compile(t)
	if err != nil {
		return nil, err
	}
	if b.StateDir != "" {
		lk, err := AcquireLock(b.StateDir, t.Name)
		if err != nil {
			return nil, err
		}
		defer lk.Unlock()
	}

	report := b.run(context.WithoutCancel(ctx), t.Name, PhasePreClean, plan.PreClean, nil)
	if b.StateDir != "" {
		if err := RemoveHandle(b.StateDir, t.Name); err != nil {
			util.WithField("fabric", t.Name).Warnf("remove fabric handle: %v", err)
		}
	}
	return report, nil
}

func (b *Builder) run(ctx context.Context, fabric, phase string, ops []Op, h *Handle) *TeardownReport {
	log := util.WithField("fabric", fabric)
	report := &TeardownReport{Fabric: fabric}
	for _, op := range ops {
		report.Attempted++
		err := b.exec(ctx, phase, op)
		switch {
		case err == nil:
			if h != nil {
				h.apply(op)
			}
		case IsAbsent(err):
			report.Absent++
			log.Debugf("%s: already absent", op)
		default:
			report.Failures = append(report.Failures, OpFailure{Op: op, Err: err})
			log.Warnf("%s: %v", op, err)
		}
	}
	return report
}

func (b *Builder) exec(ctx context.Context, phase string, op Op) error {
	err := ctx.Err()
	if err == nil {
		log := util.WithOperation(phase)
		if ns := op.Namespace(); ns != "" {
			log = util.WithNamespace(ns).WithField("operation", phase)
		}
		log.Debugf("exec: %s", op)
		err = b.Exec.Exec(ctx, op)
	}
	if b.Observer != nil {
		b.Observer.ObserveOp(phase, op.Kind(), err)
	}
	return err
}

func (b *Builder) persist(h *Handle) {
	if b.StateDir == "" {
		return
	}
	if err := SaveHandle(b.StateDir, h); err != nil {
		util.WithField("fabric", h.Fabric).Warnf("save fabric handle: %v", err)
	}
}
