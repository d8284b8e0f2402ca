package core

import (
	"fmt"
	"sync/atomic"

	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// SimMode tells how a simulation branch relates to its parent.
type SimMode uint8

const (
	// SimRoot branches from a genuine goal. If it is not committed by its
	// deadline, the model falls back to a genuine sub-goal.
	SimRoot SimMode = iota
	// SimOptional explores one way to achieve the parent's goal.
	SimOptional
	// SimMandatory explores how to prevent what the parent's goal opposes.
	SimMandatory
)

func (m SimMode) String() string {
	switch m {
	case SimRoot:
		return "root"
	case SimOptional:
		return "optional"
	case SimMandatory:
		return "mandatory"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// Sim is a branch of backward chaining explored without injecting genuine
// goals. It remembers the abduction that opened it, so committing the
// branch replays those abductions for real, from the grounded end up to
// the root.
type Sim struct {
	Mode     SimMode
	Deadline uint64

	parent    *Sim
	origin    *mdlController
	bm        *BindingMap
	superGoal *rcode.Object
	target    *rcode.Object
	opposite  bool
	committed atomic.Bool
}

func (s *Sim) isCommitted() bool { return s.committed.Load() }

// budget is the horizon a child of s may simulate for: half of what is left,
// less half the minimum horizon.
func (s *Sim) budget(now, min uint64) uint64 {
	if s.Deadline <= now {
		return 0
	}
	left := (s.Deadline - now) / 2
	if left <= min/2 {
		return 0
	}
	return left - min/2
}

// commit turns the branch into genuine sub-goals.
func (s *Sim) commit() {
	if s == nil || !s.committed.CompareAndSwap(false, true) {
		return
	}
	chainingTotal.WithLabelValues("commit").Inc()
	logging.ChainDebug("simulation of model %d committed (%s)", s.origin.mdl.OID(), s.Mode)
	if !s.origin.IsInvalidated() {
		s.origin.abduceLHS(s.bm.Clone(), s.superGoal, s.target, s.opposite, nil)
	}
	s.parent.commit()
}

// SimulationJob falls back to a genuine sub-goal when a root simulation
// found nothing by its deadline.
type SimulationJob struct {
	timeJob
	sim *Sim
}

func (j *SimulationJob) Kind() string { return "simulation" }
func (j *SimulationJob) IsAlive() bool {
	return !j.sim.isCommitted() && !j.sim.origin.IsInvalidated()
}

func (j *SimulationJob) Update(now uint64) {
	s := j.sim
	if !s.committed.CompareAndSwap(false, true) {
		return
	}
	logging.ChainDebug("simulation of model %d timed out, abducing for real", s.origin.mdl.OID())
	s.origin.abduceReal(s.bm, s.superGoal, s.target, s.opposite)
}

// =============================================================================
// Abduction
// =============================================================================

// abduce serves a goal whose target matched the rhs under bm (opposite when
// it matched with the other polarity). While simulation budget remains the
// goal is explored in a simulation; otherwise genuine sub-goals are
// injected, or, inside an exhausted simulation, the lhs is predicted.
func (c *mdlController) abduce(bm *BindingMap, superGoal, target *rcode.Object, opposite bool) {
	now := c.mem.Now()
	s := c.mem.cfg()
	parent := simOf(superGoal)
	_, deadline := rcode.FactTimings(target)

	var thz uint64
	if parent == nil {
		thz = s.getSimTHZ(now, deadline)
	} else {
		thz = parent.budget(now, s.MinSimTimeHorizon)
	}

	if thz > 0 {
		sim := &Sim{
			Mode:      SimOptional,
			Deadline:  now + thz,
			parent:    parent,
			origin:    c,
			bm:        bm.Clone(),
			superGoal: superGoal,
			target:    target,
			opposite:  opposite,
		}
		switch {
		case parent == nil:
			sim.Mode = SimRoot
			c.mem.pushTimeJob(&SimulationJob{timeJob: timeJob{target: sim.Deadline}, sim: sim})
		case opposite:
			sim.Mode = SimMandatory
		}
		lhsAfter, lhsBefore := c.lhsTimings(bm, target)
		status, _ := c.retrieveIMDLBwd(bm, c.ihlpPattern(bm, lhsAfter, lhsBefore), true)
		if status.allowsChaining() {
			c.abduceLHS(bm, superGoal, target, opposite, sim)
		} else {
			c.abduceIMDL(bm, superGoal, target, opposite, sim)
		}
		return
	}

	if parent == nil {
		c.abduceReal(bm, superGoal, target, opposite)
		return
	}
	c.predictSimulatedLHS(bm, target, opposite, parent)
}

// abduceReal abduces with genuine sub-goals.
func (c *mdlController) abduceReal(bm *BindingMap, superGoal, target *rcode.Object, opposite bool) {
	lhsAfter, lhsBefore := c.lhsTimings(bm, target)
	status, _ := c.retrieveIMDLBwd(bm, c.ihlpPattern(bm, lhsAfter, lhsBefore), false)
	if status.allowsChaining() {
		c.abduceLHS(bm, superGoal, target, opposite, nil)
		return
	}
	c.abduceIMDL(bm, superGoal, target, opposite, nil)
}

// lhsTimings is where the lhs falls in time for target, without touching bm.
func (c *mdlController) lhsTimings(bm *BindingMap, target *rcode.Object) (uint64, uint64) {
	return rcode.FactTimings(c.bindLHS(bm.Clone(), target, false, 1))
}

// abduceLHS turns the lhs under bm into a sub-goal of superGoal. An lhs
// already observed settles the sub-goal at once; one already predicted is
// monitored but not injected. Within a simulation, observing or predicting
// the lhs commits the simulation and anything else yields a simulated
// sub-goal.
func (c *mdlController) abduceLHS(bm *BindingMap, superGoal, target *rcode.Object, opposite bool, sim *Sim) {
	if !bm.EvalGuards(c.mdl, rcode.HlpBwdGuards) {
		return
	}
	anti := rcode.IsAntiFact(c.lhs) != opposite
	lhs := c.bindLHS(bm, target, anti, 1)
	now := c.mem.Now()

	ev, r := c.checkEvidences(lhs)
	_, predicted := c.checkPredictedEvidences(lhs)

	if sim != nil {
		if r == MatchSuccessPositive || predicted == MatchSuccessPositive {
			sim.commit()
			return
		}
		if r == MatchSuccessNegative {
			return
		}
		c.injectSimulatedGoal(lhs, superGoal, sim)
		return
	}

	subGoal := rcode.NewFact(rcode.NewGoal(lhs, c.mem.self, 1), now, now, 1, 1)
	subGoal.SetExtension(&chainInfo{origin: c})
	switch r {
	case MatchSuccessPositive:
		c.registerGoalOutcome(subGoal, true, ev)
		return
	case MatchSuccessNegative:
		c.registerGoalOutcome(subGoal, false, ev)
		return
	}

	_, before := rcode.FactTimings(lhs)
	if before <= now {
		return
	}
	c.addGMonitor(&GMonitor{ctrl: c, goal: subGoal, target: lhs}, before)
	if predicted == MatchSuccessPositive {
		return
	}
	c.injectGoal(subGoal, superGoal, before-now)
}

// abduceIMDL asks for the requirement the binding lacks: a sub-goal on the
// imdl lets the requiring models abduce their own lhs, and a requirement
// monitor resumes this abduction once the requirement shows up.
func (c *mdlController) abduceIMDL(bm *BindingMap, superGoal, target *rcode.Object, opposite bool, sim *Sim) {
	now := c.mem.Now()
	after, before := c.lhsTimings(bm, target)
	if before <= now {
		return
	}
	fImdl := rcode.NewFact(bm.BuildIHlp(rcode.OpIMdl, c.mdl, false), after, before, 1, 1)
	deadline := before
	if sim != nil && sim.Deadline < deadline {
		deadline = sim.Deadline
	}
	c.addRMonitor(&RMonitor{
		ctrl:      c,
		pattern:   c.ihlpPattern(bm, after, before),
		bm:        bm.Clone(),
		superGoal: superGoal,
		target:    target,
		opposite:  opposite,
		sim:       sim,
	}, deadline)

	if sim != nil {
		c.injectSimulatedGoal(fImdl, superGoal, sim)
		return
	}
	subGoal := rcode.NewFact(rcode.NewGoal(fImdl, c.mem.self, 1), now, now, 1, 1)
	subGoal.SetExtension(&chainInfo{origin: c})
	c.injectGoal(subGoal, superGoal, before-now)
}

// predictSimulatedLHS ends a simulation that ran out of budget: an lhs
// already observed commits it, otherwise the lhs is predicted within the
// simulation so forward chaining can carry on.
func (c *mdlController) predictSimulatedLHS(bm *BindingMap, target *rcode.Object, opposite bool, sim *Sim) {
	if !bm.EvalGuards(c.mdl, rcode.HlpBwdGuards) {
		return
	}
	anti := rcode.IsAntiFact(c.lhs) != opposite
	lhs := c.bindLHS(bm, target, anti, 1)
	if _, r := c.checkEvidences(lhs); r == MatchSuccessPositive {
		sim.commit()
		return
	}
	c.injectSimulatedPrediction(lhs, nil, sim)
}

// injectGoal injects a genuine sub-goal into the host with a reduction
// marker into the output groups.
func (c *mdlController) injectGoal(subGoal, superGoal *rcode.Object, ttl uint64) {
	chainingTotal.WithLabelValues("goal").Inc()
	c.injectInto([]*Group{c.host}, subGoal, 1, c.mem.cfg().goalPredSuccessRes(c.host, ttl))
	c.injectNotifications(rcode.NewMkRdx(c.mdl, superGoal, subGoal, 1))
}

// injectSimulatedGoal injects a simulated sub-goal, watched until the
// simulation deadline.
func (c *mdlController) injectSimulatedGoal(target, superGoal *rcode.Object, sim *Sim) {
	now := c.mem.Now()
	if sim.Deadline <= now || sim.isCommitted() {
		return
	}
	chainingTotal.WithLabelValues("simulated_goal").Inc()
	goal := rcode.NewFact(rcode.NewGoal(target, c.mem.self, 1), now, now, 1, 1)
	goal.SetExtension(&chainInfo{sim: sim, origin: c})
	c.addGMonitor(&GMonitor{ctrl: c, goal: goal, target: target, sim: sim}, sim.Deadline)
	c.injectInto([]*Group{c.host}, goal, 1, c.mem.cfg().goalPredSuccessRes(c.host, sim.Deadline-now))
}

// injectSimulatedPrediction injects a prediction that only lives within sim.
func (c *mdlController) injectSimulatedPrediction(target, input *rcode.Object, sim *Sim) {
	now := c.mem.Now()
	if sim.Deadline <= now || sim.isCommitted() {
		return
	}
	chainingTotal.WithLabelValues("simulated_prediction").Inc()
	pred := rcode.NewFact(rcode.NewPred(target, 1), now, now, 1, 1)
	pred.SetExtension(&chainInfo{sim: sim, origin: c})
	sln := rcode.FactCfdOf(target)
	c.injectInto([]*Group{c.host}, pred, sln, c.mem.cfg().goalPredSuccessRes(c.host, sim.Deadline-now))
	if input != nil {
		c.injectNotifications(rcode.NewMkRdx(c.mdl, input, pred, 1))
	}
}
