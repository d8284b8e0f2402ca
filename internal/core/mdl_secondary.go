package core

import (
	"replinet/internal/atom"
	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// =============================================================================
// SecondaryMDLController
// =============================================================================

// SecondaryMDLController runs a phased-out model in a secondary group. Its
// predictions are never injected: they only rate the model, on successes,
// so that a model whose context came back is phased in again.
type SecondaryMDLController struct {
	mdlController
}

func newSecondaryMDLController(m *Mem, host *Group, v *rcode.View) *SecondaryMDLController {
	c := &SecondaryMDLController{}
	c.initModel(m, host, v, c)
	host.after(c.linkPrimary)
	return c
}

func (c *SecondaryMDLController) linkPrimary() {
	p := c.host.Primary()
	if p == nil {
		return
	}
	v := p.View(c.mdl)
	if v == nil {
		return
	}
	if pc, ok := v.Controller().(*PrimaryMDLController); ok {
		pc.pair(&c.mdlController)
	}
}

func (c *SecondaryMDLController) Reduce(input *rcode.View) {
	if c.IsInvalidated() {
		return
	}
	obj := input.Object()
	if obj.IsInvalidated() || !rcode.IsAnyFact(obj) || goalOf(obj) != nil {
		return
	}
	matched, _ := c.reduceForward(obj, nil)
	if !matched {
		c.monitorPredictions(obj)
	}
	c.storeEvidence(obj)
	c.checkLastMatchTime(matched)
}

func (c *SecondaryMDLController) reduceForward(obj *rcode.Object, ground *REntry) (matched, predicted bool) {
	if predOf(obj) != nil {
		return false, false
	}
	bm := c.newBindings()
	if bm.MatchFact(obj, c.lhs) != MatchSuccessPositive {
		return false, false
	}
	c.lastMatch.Store(c.mem.Now())

	after, before := rcode.FactTimings(obj)
	pattern := c.ihlpPattern(bm, after, before)
	if ground != nil && !bm.MatchStrict(ground.Evidence, pattern) {
		return true, false
	}
	status, _, pair := c.retrieveIMDLFwd(bm, pattern, ground, false)
	if status == NoR && c.hasTemplate {
		return true, false
	}
	if !bm.EvalGuards(c.mdl, rcode.HlpFwdGuards) {
		return true, false
	}
	allowed := status.allowsChaining()
	cfd := 0.0
	if allowed {
		cfd = rcode.FactCfdOf(obj) * c.confidence()
	}
	rhs := c.bindRHS(bm, obj, cfd)

	if c.reqKind != notRequirement {
		// Requirements go to the secondary controller of the required model.
		if r := c.requiredController(); r != nil {
			if p := r.partner.Load(); p != nil && !p.IsInvalidated() {
				p.storeRequirement(rhs, &c.mdlController, allowed, false)
			}
		}
		return true, allowed
	}
	_, deadline := rcode.FactTimings(rhs)
	if deadline <= c.mem.Now() {
		return true, false
	}
	c.addPMonitor(newPMonitor(&c.mdlController, rhs, nil, pair, false), deadline)
	return true, allowed
}

// rateModel acknowledges successes only. Once the success rate passes the
// activation threshold of the primary group, the model is phased in.
func (c *SecondaryMDLController) rateModel(success bool) {
	if !success || c.IsInvalidated() {
		return
	}
	var sr float64
	c.mdl.PatchCode(func(code []atom.Atom) {
		cnt := float64(code[rcode.MdlCnt].AsFloat()) + 1
		old := float64(code[rcode.MdlSR].AsFloat())
		sr = old + (1-old)/cnt
		code[rcode.MdlDSR] = atom.Float64(sr - old)
		code[rcode.MdlSR] = atom.Float64(sr)
		code[rcode.MdlCnt] = atom.Float64(cnt)
	})
	modelRatingsTotal.WithLabelValues("success").Inc()

	p := c.partner.Load()
	primary := c.host.Primary()
	if p == nil || primary == nil || sr <= primary.actThr() {
		return
	}
	modelRatingsTotal.WithLabelValues("phased_in").Inc()
	logging.Chain("model %d phased in, sr %.3f", c.mdl.OID(), sr)
	c.view.SetAct(0)
	p.view.SetAct(sr)
}

// checkLastMatchTime deletes a model that matched nothing in the secondary
// group for longer than the secondary horizon.
func (c *SecondaryMDLController) checkLastMatchTime(matched bool) {
	thz := c.mem.cfg().SecondaryTHZ
	if matched || thz == 0 {
		return
	}
	now, last := c.mem.Now(), c.lastMatch.Load()
	if now > last && now-last > thz {
		c.killModel()
	}
}

// =============================================================================
// TopLevelMDLController
// =============================================================================

// TopLevelMDLController runs a model whose rhs is about an entity: it turns
// drives into goals on its lhs and reports the drive outcomes into the last
// of its output groups. It never predicts.
type TopLevelMDLController struct {
	mdlController
}

func newTopLevelMDLController(m *Mem, host *Group, v *rcode.View) *TopLevelMDLController {
	c := &TopLevelMDLController{}
	c.initModel(m, host, v, c)
	c.registerRequirement()
	return c
}

func (c *TopLevelMDLController) Reduce(input *rcode.View) {
	if c.IsInvalidated() {
		return
	}
	obj := input.Object()
	if obj.IsInvalidated() || !rcode.IsAnyFact(obj) {
		return
	}
	if g := goalOf(obj); g != nil {
		c.reduceDrive(obj, g)
		return
	}
	c.monitorGoals(obj)
	if predOf(obj) == nil && c.newBindings().MatchFact(obj, c.lhs) == MatchSuccessPositive {
		c.lastMatch.Store(c.mem.Now())
	}
	c.storeEvidence(obj)
}

func (c *TopLevelMDLController) reduceDrive(drive, goal *rcode.Object) {
	if ci := chainInfoOf(drive); ci != nil && ci.origin == &c.mdlController {
		return
	}
	if actor := rcode.RefAt(goal, rcode.GoalActor); actor != nil && actor != c.mem.self {
		return
	}
	target := rcode.RefAt(goal, rcode.GoalTarget)
	if !rcode.IsAnyFact(target) || c.confidence()*rcode.FactCfdOf(target) <= c.host.slnThr() {
		return
	}

	bm := c.newBindings()
	if !bm.MatchStrict(target, c.rhs) {
		imdl := rcode.FactTargetOf(target)
		if !rcode.Is(imdl, rcode.OpIMdl) || rcode.RefAt(imdl, rcode.IHlpTarget) != c.mdl {
			return
		}
		bm = c.newBindings()
		if !bm.MatchArgs(imdl) {
			return
		}
	}
	if ev, r := c.checkEvidences(target); r != MatchFailure {
		c.registerDriveOutcome(drive, r == MatchSuccessPositive, ev)
		return
	}
	chainingTotal.WithLabelValues("drive").Inc()
	if _, before := rcode.FactTimings(target); before > c.mem.Now() {
		c.addGMonitor(&GMonitor{ctrl: &c.mdlController, goal: drive, target: target, drive: true}, before)
	}
	c.abduce(bm, drive, target, false)
}

// registerDriveOutcome injects the success or failure of a drive into the
// drives group, the last output group.
func (c *TopLevelMDLController) registerDriveOutcome(drive *rcode.Object, success bool, evidence *rcode.Object) {
	drive.Invalidate()
	out := c.outGroups()
	logging.Chain("drive %d of model %d settled, success %t", drive.OID(), c.mdl.OID(), success)
	c.injectSuccess(out[len(out)-1:], drive, evidence, success)
}
