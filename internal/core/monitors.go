package core

import (
	"sync/atomic"

	"replinet/internal/rcode"
)

// =============================================================================
// PMonitor
// =============================================================================

// PMonitor watches a prediction until a fact settles it or its deadline
// passes, which counts as a failure.
type PMonitor struct {
	ctrl       *mdlController
	target     *rcode.Object
	prediction *rcode.Object
	pair       requirementsPair
	// injected is false for silent predictions, whose failures are not rated.
	injected bool
	done     atomic.Bool
}

func newPMonitor(c *mdlController, target, prediction *rcode.Object, pair requirementsPair, injected bool) *PMonitor {
	return &PMonitor{ctrl: c, target: target, prediction: prediction, pair: pair, injected: injected}
}

func (p *PMonitor) isAlive() bool { return !p.done.Load() && !p.ctrl.IsInvalidated() }

func (p *PMonitor) update(now uint64) uint64 {
	if p.done.CompareAndSwap(false, true) {
		p.ctrl.registerPredOutcome(p, false, nil)
	}
	return 0
}

// reduce reports whether input settled the prediction. Predictions and
// goals never do.
func (p *PMonitor) reduce(input *rcode.Object) bool {
	if p.done.Load() || !rcode.IsAnyFact(input) || predOf(input) != nil || goalOf(input) != nil {
		return false
	}
	r := p.ctrl.newBindings().MatchFact(input, p.target)
	if r == MatchFailure || !p.done.CompareAndSwap(false, true) {
		return false
	}
	p.ctrl.registerPredOutcome(p, r == MatchSuccessPositive, input)
	return true
}

// =============================================================================
// GMonitor
// =============================================================================

// GMonitor watches a goal. A genuine goal is settled by a fact on its
// target; a simulated one commits its simulation as soon as its target is
// observed or predicted.
type GMonitor struct {
	ctrl   *mdlController
	goal   *rcode.Object
	target *rcode.Object
	sim    *Sim
	// drive marks the monitors of drives, whose outcome goes to the drives
	// group.
	drive bool
	done  atomic.Bool
}

func (g *GMonitor) isAlive() bool {
	if g.done.Load() || g.ctrl.IsInvalidated() {
		return false
	}
	return g.sim == nil || !g.sim.isCommitted()
}

func (g *GMonitor) update(now uint64) uint64 {
	if g.done.CompareAndSwap(false, true) && g.sim == nil {
		g.settle(false, nil)
	}
	return 0
}

func (g *GMonitor) reduce(input *rcode.Object) bool {
	if g.done.Load() || goalOf(input) != nil {
		return false
	}
	fact := input
	if p := predOf(input); p != nil {
		if g.sim == nil {
			return false
		}
		fact = rcode.RefAt(p, rcode.PredTarget)
	}
	if !rcode.IsAnyFact(fact) {
		return false
	}
	r := g.ctrl.newBindings().MatchFact(fact, g.target)
	if r == MatchFailure {
		return false
	}
	if g.sim != nil {
		if r == MatchSuccessPositive && g.done.CompareAndSwap(false, true) {
			g.sim.commit()
			return true
		}
		return false
	}
	if !g.done.CompareAndSwap(false, true) {
		return false
	}
	g.settle(r == MatchSuccessPositive, input)
	return true
}

func (g *GMonitor) settle(success bool, evidence *rcode.Object) {
	g.goal.Invalidate()
	if g.drive {
		if t, ok := g.ctrl.self.(*TopLevelMDLController); ok {
			t.registerDriveOutcome(g.goal, success, evidence)
			return
		}
	}
	g.ctrl.registerGoalOutcome(g.goal, success, evidence)
}

// =============================================================================
// RMonitor
// =============================================================================

// RMonitor holds an abduction back until a requirement for its binding is
// stored, then resumes it.
type RMonitor struct {
	ctrl      *mdlController
	pattern   *rcode.Object
	bm        *BindingMap
	superGoal *rcode.Object
	target    *rcode.Object
	opposite  bool
	sim       *Sim
	done      atomic.Bool
}

func (r *RMonitor) isAlive() bool { return !r.done.Load() && !r.ctrl.IsInvalidated() }

func (r *RMonitor) update(now uint64) uint64 {
	r.done.Store(true)
	return 0
}

func (r *RMonitor) reduce(fImdl *rcode.Object) bool {
	if r.done.Load() {
		return false
	}
	trial := r.bm.Clone()
	if !trial.MatchStrict(fImdl, r.pattern) || !r.done.CompareAndSwap(false, true) {
		return false
	}
	r.ctrl.abduceLHS(trial, r.superGoal, r.target, r.opposite, r.sim)
	return true
}
