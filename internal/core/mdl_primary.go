package core

import (
	"sync"

	"replinet/internal/atom"
	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// PrimaryMDLController runs a model in a primary group: it predicts forward
// from the inputs that match the lhs, serves goals that match the rhs and
// rates the model from the outcome of its predictions.
type PrimaryMDLController struct {
	mdlController

	asmMu sync.Mutex
	// assumptions maps the lhs facts this model assumed to their deadline,
	// so they are not reduced again when they come back as inputs.
	assumptions map[*rcode.Object]uint64
}

func newPrimaryMDLController(m *Mem, host *Group, v *rcode.View) *PrimaryMDLController {
	c := &PrimaryMDLController{assumptions: make(map[*rcode.Object]uint64)}
	c.initModel(m, host, v, c)
	c.registerRequirement()
	if s := host.Secondary(); s != nil {
		host.after(func() { c.spawnSecondary(s) })
	}
	return c
}

// spawnSecondary hosts the model in the secondary group, inactive, and pairs
// the two controllers.
func (c *PrimaryMDLController) spawnSecondary(s *Group) {
	if c.IsInvalidated() {
		return
	}
	if c.mdl.GetView(s, false) == nil {
		c.mem.injectNow(rcode.NewView(rcode.SyncOnce, c.mem.Now(), c.view.Sln(), c.view.Res(), s, c.host, c.mdl))
	}
	v := s.View(c.mdl)
	if v == nil {
		return
	}
	if sc, ok := v.Controller().(*SecondaryMDLController); ok {
		c.pair(&sc.mdlController)
	}
}

func (c *PrimaryMDLController) Reduce(input *rcode.View) {
	if c.IsInvalidated() {
		return
	}
	obj := input.Object()
	if obj.IsInvalidated() || !rcode.IsAnyFact(obj) || c.isAssumption(obj) {
		return
	}
	if g := goalOf(obj); g != nil {
		c.reduceGoal(obj, g)
		return
	}

	consumed := c.monitorPredictions(obj)
	if c.monitorGoals(obj) {
		consumed = true
	}
	matched, predicted := c.reduceForward(obj, nil)
	if !matched && !consumed {
		c.assume(obj)
	}
	if ev := c.storeEvidence(obj); ev != nil && predicted {
		ev.chained.Store(true)
	}
	c.checkLastMatchTime(matched)
}

// reduceGoal serves a goal whose target the rhs produces, or, for a goal on
// an instance of this very model, the lhs that would fire it.
func (c *PrimaryMDLController) reduceGoal(obj, goal *rcode.Object) {
	if ci := chainInfoOf(obj); ci != nil && ci.origin == &c.mdlController {
		return
	}
	if actor := rcode.RefAt(goal, rcode.GoalActor); actor != nil && actor != c.mem.self {
		return
	}
	target := rcode.RefAt(goal, rcode.GoalTarget)
	if !rcode.IsAnyFact(target) {
		return
	}
	if c.confidence()*rcode.FactCfdOf(target) <= c.host.slnThr() {
		return
	}

	bm := c.newBindings()
	switch bm.MatchFact(target, c.rhs) {
	case MatchSuccessPositive:
		c.abduce(bm, obj, target, false)
	case MatchSuccessNegative:
		c.abduce(bm, obj, target, true)
	default:
		if c.reqKind != notRequirement {
			return
		}
		imdl := rcode.FactTargetOf(target)
		if !rcode.Is(imdl, rcode.OpIMdl) || rcode.RefAt(imdl, rcode.IHlpTarget) != c.mdl {
			return
		}
		bm = c.newBindings()
		if bm.MatchArgs(imdl) {
			c.abduce(bm, obj, target, false)
		}
	}
}

// reduceForward matches obj, a fact or the fact a prediction is about,
// against the lhs and predicts the rhs when the requirements allow it.
// ground is the requirement that triggered a replay, if any.
func (c *PrimaryMDLController) reduceForward(obj *rcode.Object, ground *REntry) (matched, predicted bool) {
	input := obj
	var sim *Sim
	isPred := false
	if p := predOf(obj); p != nil {
		input = rcode.RefAt(p, rcode.PredTarget)
		sim = simOf(obj)
		isPred = true
	}
	bm := c.newBindings()
	if bm.MatchFact(input, c.lhs) != MatchSuccessPositive {
		return false, false
	}
	c.lastMatch.Store(c.mem.Now())

	after, before := rcode.FactTimings(input)
	pattern := c.ihlpPattern(bm, after, before)
	if ground != nil && !bm.MatchStrict(ground.Evidence, pattern) {
		return true, false
	}
	status, _, pair := c.retrieveIMDLFwd(bm, pattern, ground, sim != nil)
	if status == NoR && c.hasTemplate {
		return true, false
	}
	if !bm.EvalGuards(c.mdl, rcode.HlpFwdGuards) {
		return true, false
	}
	fImdl := rcode.NewFact(bm.BuildIHlp(rcode.OpIMdl, c.mdl, status == WREnabled), after, before, 1, 1)
	return true, c.predict(bm, input, fImdl, status.allowsChaining(), pair, sim, isPred)
}

// predict produces the rhs. Requirements are stored in the required model;
// other predictions are injected when confident enough and monitored.
// Predictions made while the requirements disallowed chaining are monitored
// silently, so only their successes count.
func (c *PrimaryMDLController) predict(bm *BindingMap, input, fImdl *rcode.Object, allowed bool, pair requirementsPair, sim *Sim, isPred bool) bool {
	if isPred && !allowed {
		return false
	}
	cfd := 0.0
	if allowed {
		cfd = rcode.FactCfdOf(input) * c.confidence()
	}
	rhs := c.bindRHS(bm, input, cfd)
	now := c.mem.Now()
	_, before := rcode.FactTimings(rhs)

	if c.reqKind != notRequirement {
		if allowed && sim == nil {
			c.countInstance()
		}
		if r := c.requiredController(); r != nil {
			chainingTotal.WithLabelValues("requirement").Inc()
			r.storeRequirement(rhs, &c.mdlController, allowed, sim != nil)
		}
		return allowed
	}

	if sim != nil {
		c.injectSimulatedPrediction(rhs, input, sim)
		return true
	}

	if !allowed {
		c.countInstance()
		c.addPMonitor(newPMonitor(&c.mdlController, rhs, nil, pair, false), before)
		return false
	}
	if before <= now {
		return false
	}
	if isPred {
		pred := rcode.NewFact(rcode.NewPred(fImdl, 1), now, now, 1, 1)
		c.injectPrediction(rhs, pred, nil, cfd, before-now)
		return true
	}

	c.countInstance()
	pred, injected := c.injectPrediction(rhs, fImdl, input, cfd, before-now)
	c.addPMonitor(newPMonitor(&c.mdlController, rhs, pred, pair, injected), before)
	logging.ChainDebug("model %d predicted %d (cfd %.3f, injected %t)", c.mdl.OID(), pred.OID(), cfd, injected)
	return true
}

// injectPrediction wraps rhs into a prediction and injects it into the host,
// along with fImdl, when cfd passes the host's salience threshold. The
// returned prediction exists either way.
func (c *PrimaryMDLController) injectPrediction(rhs, fImdl, input *rcode.Object, cfd float64, ttl uint64) (*rcode.Object, bool) {
	now := c.mem.Now()
	pred := rcode.NewFact(rcode.NewPred(rhs, 1), now, now, 1, 1)
	pred.SetExtension(&chainInfo{origin: &c.mdlController})
	if cfd <= c.host.slnThr() {
		return pred, false
	}
	chainingTotal.WithLabelValues("prediction").Inc()
	host := []*Group{c.host}
	c.injectInto(host, pred, cfd, c.mem.cfg().goalPredSuccessRes(c.host, ttl))
	c.injectInto(host, fImdl, 1, 1)
	if input == nil {
		return pred, true
	}
	c.injectNotifications(rcode.NewMkRdx(fImdl, input, pred, 1))
	if s := c.host.Secondary(); s != nil {
		c.injectInto([]*Group{s}, fImdl, cfd, 1)
	}
	return pred, true
}

// assume explains an input the rhs produces by the lhs that would have
// caused it. Only strong plain models assume.
func (c *PrimaryMDLController) assume(obj *rcode.Object) {
	if c.reqKind != notRequirement || c.isReuse || c.isCmd || c.strength() == 0 || predOf(obj) != nil {
		return
	}
	cfd := c.confidence() * rcode.FactCfdOf(obj)
	if cfd <= c.host.slnThr() {
		return
	}
	bm := c.newBindings()
	r := bm.MatchFact(obj, c.rhs)
	if r == MatchFailure {
		return
	}
	after, before := c.lhsTimings(bm, obj)
	status, _ := c.retrieveIMDLBwd(bm, c.ihlpPattern(bm, after, before), false)
	if !status.allowsChaining() || !bm.EvalGuards(c.mdl, rcode.HlpBwdGuards) {
		return
	}
	anti := rcode.IsAntiFact(c.lhs) != (r == MatchSuccessNegative)
	lhs := c.bindLHS(bm, obj, anti, cfd)

	now := c.mem.Now()
	_, deadline := rcode.FactTimings(lhs)
	var ttl uint64
	if deadline > now {
		ttl = deadline - now
	}
	c.asmMu.Lock()
	c.assumptions[lhs] = deadline
	c.asmMu.Unlock()

	chainingTotal.WithLabelValues("assumption").Inc()
	logging.ChainDebug("model %d assumed %s from %d", c.mdl.OID(), rcode.OpcodeName(rcode.FactTargetOf(lhs).Opcode()), obj.OID())
	c.injectInto([]*Group{c.host}, lhs, cfd, c.mem.cfg().goalPredSuccessRes(c.host, ttl))
}

// isAssumption reports whether obj is an assumption of this model, and
// forgets it. Stale assumptions are dropped on the way.
func (c *PrimaryMDLController) isAssumption(obj *rcode.Object) bool {
	now, tol := c.mem.Now(), c.mem.cfg().TimeTolerance
	c.asmMu.Lock()
	defer c.asmMu.Unlock()
	for a, deadline := range c.assumptions {
		if a.IsInvalidated() || deadline+tol < now {
			delete(c.assumptions, a)
		}
	}
	if _, ok := c.assumptions[obj]; ok {
		delete(c.assumptions, obj)
		return true
	}
	return false
}

// checkLastMatchTime deactivates a model that matched nothing for longer
// than the primary horizon; strong models are handed to the secondary group.
func (c *PrimaryMDLController) checkLastMatchTime(matched bool) {
	thz := c.mem.cfg().PrimaryTHZ
	if matched || thz == 0 {
		return
	}
	now, last := c.mem.Now(), c.lastMatch.Load()
	if now <= last || now-last <= thz {
		return
	}
	if c.strength() >= 1 && c.partner.Load() != nil {
		c.phaseOut(c.successRate())
		return
	}
	c.view.SetAct(0)
}

// rateModel applies one outcome. A failing model stays active while its
// success rate holds above the activation threshold; below it, strong models
// are phased out and weak ones deleted.
func (c *PrimaryMDLController) rateModel(success bool) {
	if c.IsInvalidated() {
		return
	}
	sr, promoted := c.rate(success)
	if success {
		modelRatingsTotal.WithLabelValues("success").Inc()
		if promoted {
			modelRatingsTotal.WithLabelValues("promoted").Inc()
			logging.Chain("model %d promoted to strong", c.mdl.OID())
		}
		c.view.SetAct(sr)
		return
	}
	modelRatingsTotal.WithLabelValues("failure").Inc()
	switch {
	case sr > c.host.actThr():
		c.view.SetAct(sr)
	case c.strength() >= 1:
		c.phaseOut(sr)
	default:
		c.killModel()
	}
}

// rate folds one outcome into the running success rate of the model. A
// success that lifts a weak model over both inertia thresholds makes it
// strong, with its statistics reset.
func (c *mdlController) rate(success bool) (sr float64, promoted bool) {
	s := c.mem.cfg()
	outcome := 0.0
	if success {
		outcome = 1
	}
	c.mdl.PatchCode(func(code []atom.Atom) {
		cnt := float64(code[rcode.MdlCnt].AsFloat())
		if cnt < 1 {
			cnt = 1
		}
		old := float64(code[rcode.MdlSR].AsFloat())
		sr = old + (outcome-old)/cnt
		code[rcode.MdlDSR] = atom.Float64(sr - old)
		if success && code[rcode.MdlStrength].AsFloat() < 1 && sr >= s.MdlInertiaSRThr && cnt >= s.MdlInertiaCntThr {
			code[rcode.MdlStrength] = atom.Float64(1)
			sr, cnt, promoted = 1, 1, true
		}
		code[rcode.MdlSR] = atom.Float64(sr)
		code[rcode.MdlCnt] = atom.Float64(cnt)
	})
	return sr, promoted
}
