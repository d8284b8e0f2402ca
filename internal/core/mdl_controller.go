package core

import (
	"sync"
	"sync/atomic"

	"replinet/internal/atom"
	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// requirementKind tells how a model's rhs requires another model.
type requirementKind uint8

const (
	notRequirement requirementKind = iota
	weakRequirement
	strongRequirement
)

// mdlController is the state shared by the primary, secondary and top-level
// controllers of a model: its patterns, its requirement and evidence caches
// and its monitors.
type mdlController struct {
	controller

	mdl         *rcode.Object
	lhs, rhs    *rcode.Object
	nvars       int
	hasTemplate bool

	// reqKind and required describe what this model's rhs requires.
	reqKind  requirementKind
	required *rcode.Object
	// requiredCount is set once this controller counts as a requirer.
	requiredCount *requirementCount
	isReuse       bool
	isCmd         bool

	// reqCount counts the models requiring this one.
	reqCount        *requirementCount
	reqMu           sync.Mutex
	requirements    reqCache
	simRequirements reqCache

	evidences          evidenceCache
	predictedEvidences evidenceCache

	// Guarded by controller.mu.
	pmonitors []*PMonitor
	gmonitors []*GMonitor
	rmonitors []*RMonitor

	partner   atomic.Pointer[mdlController]
	released  atomic.Bool
	lastMatch atomic.Uint64
}

// rater is implemented by the controllers whose predictions rate the model.
type rater interface {
	rateModel(success bool)
}

func (c *mdlController) initModel(m *Mem, host *Group, v *rcode.View, self Controller) {
	c.init(m, host, v, self)
	c.mdl = v.Object()
	if objs := rcode.SetReferences(c.mdl, rcode.HlpObjs); len(objs) == 2 {
		c.lhs, c.rhs = objs[0], objs[1]
	}
	c.nvars = variableCount(c.mdl)
	c.hasTemplate = len(rcode.SetElements(c.mdl, rcode.HlpTemplate)) > 0
	c.reqCount = m.requirementsOf(c.mdl)
	c.lastMatch.Store(m.Now())

	if t := rcode.FactTargetOf(c.rhs); rcode.Is(t, rcode.OpIMdl) {
		c.required = rcode.RefAt(t, rcode.IHlpTarget)
		c.reqKind = weakRequirement
		if rcode.IsAntiFact(c.rhs) {
			c.reqKind = strongRequirement
		}
	}
	t := rcode.FactTargetOf(c.lhs)
	c.isReuse = rcode.Is(t, rcode.OpIMdl)
	c.isCmd = rcode.Is(t, rcode.OpCmd)
}

func (c *mdlController) model() *mdlController { return c }

// registerRequirement counts this model as a requirer of the model its rhs
// names. Only primary and top-level controllers count.
func (c *mdlController) registerRequirement() {
	if c.required == nil {
		return
	}
	rc := c.mem.requirementsOf(c.required)
	if c.reqKind == strongRequirement {
		rc.strong.Add(1)
	} else {
		rc.weak.Add(1)
	}
	c.requiredCount = rc
}

// Invalidate retires the controller, gives back its requirement count and
// takes its partner down with it.
func (c *mdlController) Invalidate() {
	c.controller.Invalidate()
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	if rc := c.requiredCount; rc != nil {
		if c.reqKind == strongRequirement {
			rc.strong.Add(-1)
		} else {
			rc.weak.Add(-1)
		}
	}
	if p := c.partner.Load(); p != nil {
		p.Invalidate()
	}
}

func (c *mdlController) pair(other *mdlController) {
	c.partner.Store(other)
	other.partner.Store(c)
	if c.IsInvalidated() || other.IsInvalidated() {
		c.Invalidate()
		other.Invalidate()
	}
}

func (c *mdlController) newBindings() *BindingMap {
	s := c.mem.cfg()
	return NewBindingMap(c.nvars, s.FloatTolerance, s.TimeTolerance)
}

func (c *mdlController) strength() float64    { return c.mdl.Float(rcode.MdlStrength) }
func (c *mdlController) successRate() float64 { return c.mdl.Float(rcode.MdlSR) }
func (c *mdlController) count() float64       { return c.mdl.Float(rcode.MdlCnt) }

// confidence scales the predictions of the model. Strong models are
// latched at 1.
func (c *mdlController) confidence() float64 {
	if c.strength() >= 1 {
		return 1
	}
	return c.successRate()
}

// outGroups resolves the output groups of the model; the host when none
// is set.
func (c *mdlController) outGroups() []*Group { return outGroupsOf(c.mem, c.mdl, c.host) }

// outGroupsOf resolves the output groups of a model or composite state,
// defaulting to host.
func outGroupsOf(m *Mem, hlp *rcode.Object, host *Group) []*Group {
	var out []*Group
	for _, o := range rcode.SetReferences(hlp, rcode.HlpOutGroups) {
		if g := m.groupOf(o); g != nil && !g.IsInvalidated() {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		out = append(out, host)
	}
	return out
}

// requiredController finds the primary controller of the required model.
// It takes group locks.
func (c *mdlController) requiredController() *mdlController {
	if c.required == nil || !c.required.IsRegistered() {
		return nil
	}
	find := func(g *Group) *mdlController {
		if g == nil || g.IsSecondary() {
			return nil
		}
		v := g.View(c.required)
		if v == nil {
			return nil
		}
		if mc, ok := v.Controller().(interface{ model() *mdlController }); ok {
			if r := mc.model(); !r.IsInvalidated() {
				return r
			}
		}
		return nil
	}
	for _, g := range append([]*Group{c.host}, c.outGroups()...) {
		if r := find(g); r != nil {
			return r
		}
	}
	for _, g := range c.mem.allGroups() {
		if r := find(g); r != nil {
			return r
		}
	}
	return nil
}

// countInstance records one more firing of the model.
func (c *mdlController) countInstance() {
	c.mdl.PatchCode(func(code []atom.Atom) {
		code[rcode.MdlCnt] = atom.Float64(float64(code[rcode.MdlCnt].AsFloat()) + 1)
	})
}

// killModel deletes the model: both views lose their resilience and the
// object is invalidated, which unregisters it everywhere. It takes group
// locks.
func (c *mdlController) killModel() {
	modelRatingsTotal.WithLabelValues("killed").Inc()
	logging.Chain("model %d deleted, sr %.3f over %.0f instances", c.mdl.OID(), c.successRate(), c.count())
	c.Invalidate()
	c.view.ForceRes(0)
	if p := c.partner.Load(); p != nil {
		p.view.ForceRes(0)
	}
	c.mdl.Invalidate()
}

// phaseOut moves a strong model to the secondary group.
func (c *mdlController) phaseOut(sr float64) {
	modelRatingsTotal.WithLabelValues("phased_out").Inc()
	logging.Chain("model %d phased out, sr %.3f", c.mdl.OID(), sr)
	c.view.SetAct(0)
	if p := c.partner.Load(); p != nil {
		p.view.SetAct(sr)
	}
}

// =============================================================================
// Binding helpers
// =============================================================================

// chainInfo annotates the predictions and goals a model produces.
type chainInfo struct {
	sim    *Sim
	origin *mdlController
}

func chainInfoOf(o *rcode.Object) *chainInfo {
	if o == nil {
		return nil
	}
	ci, _ := o.Extension().(*chainInfo)
	return ci
}

func simOf(o *rcode.Object) *Sim {
	if ci := chainInfoOf(o); ci != nil {
		return ci.sim
	}
	return nil
}

// predOf returns the pred held by fact o, or nil.
func predOf(o *rcode.Object) *rcode.Object {
	if !rcode.IsFact(o) {
		return nil
	}
	if t := rcode.FactTargetOf(o); rcode.Is(t, rcode.OpPred) {
		return t
	}
	return nil
}

// goalOf returns the goal held by fact o, or nil.
func goalOf(o *rcode.Object) *rcode.Object {
	if !rcode.IsFact(o) {
		return nil
	}
	if t := rcode.FactTargetOf(o); rcode.Is(t, rcode.OpGoal) {
		return t
	}
	return nil
}

// refactor rebuilds fact f with the given polarity and confidence.
func refactor(f *rcode.Object, anti bool, cfd float64) *rcode.Object {
	after, before := rcode.FactTimings(f)
	target := rcode.FactTargetOf(f)
	if anti {
		return rcode.NewAntiFact(target, after, before, cfd, 1)
	}
	return rcode.NewFact(target, after, before, cfd, 1)
}

func timingVar(pattern *rcode.Object, slot int) (int, bool) {
	a := pattern.At(slot)
	if a.IsFloat() || a.Descriptor() != atom.VL_PTR {
		return 0, false
	}
	return int(a.AsIndex()), true
}

// bindTimings binds the timing variables of pattern left unbound.
func (bm *BindingMap) bindTimings(pattern *rcode.Object, after, before uint64) {
	if i, ok := timingVar(pattern, rcode.FactAfter); ok && !bm.Get(i).IsBound() {
		bm.Set(i, timestampValue(after))
	}
	if i, ok := timingVar(pattern, rcode.FactBefore); ok && !bm.Get(i).IsBound() {
		bm.Set(i, timestampValue(before))
	}
}

func (c *mdlController) span(after, before uint64) uint64 {
	if before > after {
		return before - after
	}
	return c.mem.cfg().BasePeriod
}

// bindRHS binds the rhs into a fact with confidence cfd. When no guard
// placed the rhs in time, it follows the input for as long as the input
// lasted.
func (c *mdlController) bindRHS(bm *BindingMap, input *rcode.Object, cfd float64) *rcode.Object {
	after, before := rcode.FactTimings(input)
	bm.bindTimings(c.rhs, before, before+c.span(after, before))
	return refactor(bm.Bind(c.rhs), rcode.IsAntiFact(c.rhs), cfd)
}

// bindLHS binds the lhs for a target the rhs was matched against. When no
// guard placed the lhs in time, it ends where the target begins.
func (c *mdlController) bindLHS(bm *BindingMap, target *rcode.Object, anti bool, cfd float64) *rcode.Object {
	after, before := rcode.FactTimings(target)
	d := c.span(after, before)
	start := uint64(0)
	if after > d {
		start = after - d
	}
	bm.bindTimings(c.lhs, start, after)
	return refactor(bm.Bind(c.lhs), anti, cfd)
}

// =============================================================================
// Evidence caches
// =============================================================================

const maxEvidences = 512

type evidence struct {
	obj     *rcode.Object
	chained atomic.Bool
}

// evidenceCache keeps the facts a model saw, oldest first. Entries whose
// fact ended are dropped on every access.
type evidenceCache struct {
	mu      sync.Mutex
	entries []*evidence
}

func (c *evidenceCache) gcLocked(now, tol uint64) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if _, before := rcode.FactTimings(e.obj); before+tol >= now {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(c.entries); i++ {
		c.entries[i] = nil
	}
	c.entries = kept
}

func (c *evidenceCache) add(obj *rcode.Object, now, tol uint64) *evidence {
	e := &evidence{obj: obj}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gcLocked(now, tol)
	if len(c.entries) >= maxEvidences {
		c.entries = append(c.entries[:0], c.entries[1:]...)
	}
	c.entries = append(c.entries, e)
	return e
}

// unchained returns the live entries that did not lead to a prediction yet,
// newest first.
func (c *evidenceCache) unchained(now, tol uint64) []*evidence {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gcLocked(now, tol)
	var out []*evidence
	for i := len(c.entries) - 1; i >= 0; i-- {
		if !c.entries[i].chained.Load() {
			out = append(out, c.entries[i])
		}
	}
	return out
}

// find matches the newest entry against pattern.
func (c *evidenceCache) find(proto *BindingMap, pattern *rcode.Object, now, tol uint64) (*rcode.Object, MatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gcLocked(now, tol)
	for i := len(c.entries) - 1; i >= 0; i-- {
		ev := c.entries[i].obj
		if r := proto.Clone().MatchFact(ev, pattern); r != MatchFailure {
			return ev, r
		}
	}
	return nil, MatchFailure
}

func (c *evidenceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// storeEvidence caches a fact input; predictions go to the predicted
// evidences.
func (c *mdlController) storeEvidence(obj *rcode.Object) *evidence {
	now, tol := c.mem.Now(), c.mem.cfg().TimeTolerance
	if p := predOf(obj); p != nil {
		if t := rcode.RefAt(p, rcode.PredTarget); rcode.IsAnyFact(t) {
			return c.predictedEvidences.add(t, now, tol)
		}
		return nil
	}
	return c.evidences.add(obj, now, tol)
}

func (c *mdlController) checkEvidences(pattern *rcode.Object) (*rcode.Object, MatchResult) {
	return c.evidences.find(c.newBindings(), pattern, c.mem.Now(), c.mem.cfg().TimeTolerance)
}

func (c *mdlController) checkPredictedEvidences(pattern *rcode.Object) (*rcode.Object, MatchResult) {
	return c.predictedEvidences.find(c.newBindings(), pattern, c.mem.Now(), c.mem.cfg().TimeTolerance)
}

// =============================================================================
// Construction
// =============================================================================

// newModelController picks the controller of a model hosted by g: a
// secondary controller in secondary groups, a top-level one for models
// whose rhs is about an entity, a primary one otherwise.
func (m *Mem) newModelController(g *Group, v *rcode.View) Controller {
	mdl := v.Object()
	objs := rcode.SetReferences(mdl, rcode.HlpObjs)
	if len(objs) != 2 || !rcode.IsAnyFact(objs[0]) || !rcode.IsAnyFact(objs[1]) {
		logging.MemWarn("model %d: lhs and rhs must be fact patterns", mdl.OID())
		return nil
	}
	switch {
	case g.IsSecondary():
		return newSecondaryMDLController(m, g, v)
	case rcode.Is(rcode.FactTargetOf(objs[1]), rcode.OpEnt):
		return newTopLevelMDLController(m, g, v)
	}
	return newPrimaryMDLController(m, g, v)
}

// =============================================================================
// Monitoring
// =============================================================================

func (c *mdlController) addPMonitor(pm *PMonitor, deadline uint64) {
	c.mu.Lock()
	c.pmonitors = append(c.pmonitors, pm)
	c.mu.Unlock()
	c.mem.pushTimeJob(newMonitoringJob(c.mem, pm, deadline))
}

func (c *mdlController) addGMonitor(gm *GMonitor, deadline uint64) {
	c.mu.Lock()
	c.gmonitors = append(c.gmonitors, gm)
	c.mu.Unlock()
	c.mem.pushTimeJob(newMonitoringJob(c.mem, gm, deadline))
}

func (c *mdlController) addRMonitor(rm *RMonitor, deadline uint64) {
	c.mu.Lock()
	c.rmonitors = append(c.rmonitors, rm)
	c.mu.Unlock()
	c.mem.pushTimeJob(newMonitoringJob(c.mem, rm, deadline))
}

// monitorPredictions hands obj to every prediction monitor and reports
// whether one of them was settled by it.
func (c *mdlController) monitorPredictions(obj *rcode.Object) bool {
	c.mu.Lock()
	pms := append([]*PMonitor(nil), c.pmonitors...)
	c.mu.Unlock()
	consumed := false
	for _, pm := range pms {
		if pm.reduce(obj) {
			consumed = true
		}
	}
	c.pruneMonitors()
	return consumed
}

// monitorGoals is monitorPredictions for goal monitors.
func (c *mdlController) monitorGoals(obj *rcode.Object) bool {
	c.mu.Lock()
	gms := append([]*GMonitor(nil), c.gmonitors...)
	c.mu.Unlock()
	consumed := false
	for _, gm := range gms {
		if gm.reduce(obj) {
			consumed = true
		}
	}
	c.pruneMonitors()
	return consumed
}

// wakeRequirementMonitors resumes the abductions waiting for fImdl.
func (c *mdlController) wakeRequirementMonitors(fImdl *rcode.Object) {
	c.mu.Lock()
	rms := append([]*RMonitor(nil), c.rmonitors...)
	c.mu.Unlock()
	for _, rm := range rms {
		rm.reduce(fImdl)
	}
	c.pruneMonitors()
}

func (c *mdlController) pruneMonitors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pmonitors = pruneDone(c.pmonitors)
	c.gmonitors = pruneDone(c.gmonitors)
	c.rmonitors = pruneDone(c.rmonitors)
}

func pruneDone[M interface{ isAlive() bool }](ms []M) []M {
	kept := ms[:0]
	for _, m := range ms {
		if m.isAlive() {
			kept = append(kept, m)
		}
	}
	var zero M
	for i := len(kept); i < len(ms); i++ {
		ms[i] = zero
	}
	return kept
}

// =============================================================================
// Outcomes
// =============================================================================

func (c *mdlController) injectInto(groups []*Group, obj *rcode.Object, sln, res float64) {
	now := c.mem.Now()
	for _, g := range groups {
		c.mem.injectNow(rcode.NewView(rcode.SyncOnce, now, sln, res, g, c.host, obj))
	}
}

// injectNotifications publishes a reduction marker into the output groups.
func (c *mdlController) injectNotifications(mk *rcode.Object) {
	c.injectInto(c.outGroups(), mk, 1, c.mem.cfg().NotificationResilience)
}

// injectSuccess injects (fact|anti-fact (success object evidence)) into groups.
func (c *mdlController) injectSuccess(groups []*Group, object, evidence *rcode.Object, success bool) {
	now := c.mem.Now()
	s := rcode.NewSuccess(object, evidence, 1)
	f := rcode.NewFact(s, now, now, 1, 1)
	if !success {
		f = rcode.NewAntiFact(s, now, now, 1, 1)
	}
	c.injectInto(groups, f, 1, c.mem.cfg().goalPredSuccessRes(c.host, 0))
}

// registerPredOutcome settles a prediction: the model is rated, the
// requirements that allowed it get feedback and, for plain models, the
// outcome is published.
func (c *mdlController) registerPredOutcome(pm *PMonitor, success bool, evidence *rcode.Object) {
	if pm.prediction != nil {
		pm.prediction.Invalidate()
	}
	if success || pm.injected {
		if r, ok := c.self.(rater); ok {
			r.rateModel(success)
		}
	}
	if evidence == nil || rcode.FactCfdOf(evidence) == 1 {
		for _, r := range pm.pair.positive {
			r.registerReqOutcome(success)
		}
		for _, r := range pm.pair.negative {
			r.registerReqOutcome(!success)
		}
	}
	if c.reqKind != notRequirement || !pm.injected {
		return
	}
	c.injectSuccess(c.outGroups(), pm.prediction, evidence, success)
	if !success && evidence == nil {
		after, before := rcode.FactTimings(pm.target)
		absentee := rcode.NewAntiFact(rcode.FactTargetOf(pm.target), after, before, 1, 1)
		c.injectInto(c.outGroups(), absentee, 1, 1)
	}
}

// registerReqOutcome rates a requiring model from the outcome of a
// prediction its requirement allowed.
func (c *mdlController) registerReqOutcome(success bool) {
	if c == nil || c.IsInvalidated() {
		return
	}
	if r, ok := c.self.(rater); ok {
		r.rateModel(success)
	}
}

// registerGoalOutcome publishes the outcome of a goal into the output groups.
func (c *mdlController) registerGoalOutcome(goal *rcode.Object, success bool, evidence *rcode.Object) {
	c.injectSuccess(c.outGroups(), goal, evidence, success)
}
