package core

import (
	"math"
	"sort"
	"time"

	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// groupState caches the control state for the duration of one update, so
// views are judged against a stable picture even if members change mid-cycle.
type groupState struct {
	formerSlnThr float64
	wasCActive   bool
	isCActive    bool
	wasCSalient  bool
	isCSalient   bool
}

// update runs one update cycle planned at planned.
func (g *Group) update(planned uint64) {
	start := time.Now()
	g.locked(func() { g.doUpdate(planned) })
	groupUpdatesTotal.Inc()
	groupUpdateDuration.Observe(time.Since(start).Seconds())
}

func (g *Group) doUpdate(planned uint64) {
	if g.IsInvalidated() {
		return
	}
	if !g.isRoot() && g.obj.ViewCount() == 0 {
		logging.GroupDebug("group %d has no views left, invalidating", g.OID())
		obj := g.obj
		g.after(func() { obj.Invalidate() })
		return
	}
	now := g.mem.Now()
	g.newlySalient = g.newlySalient[:0]

	for _, op := range g.takePending() {
		op()
	}

	st := groupState{
		formerSlnThr: g.slnThr(),
		wasCActive:   g.cActive.Load(),
		wasCSalient:  g.cSalient.Load(),
	}
	g.updateDecay()
	g.applyControlValues()
	st.isCActive = g.cAct() > g.cActThr()
	st.isCSalient = g.cSln() > g.cSlnThr()
	g.cActive.Store(st.isCActive)
	g.cSalient.Store(st.isCSalient)
	g.resetStats()

	for k := range g.partitions {
		kind := viewKind(k)
		for _, v := range g.partitions[k] {
			if v.Object().IsInvalidated() {
				g.removeView(v)
				continue
			}
			if v.IJT() > planned {
				continue
			}
			if g.updateRes(v, kind) == 0 {
				g.removeView(v)
				continue
			}
			g.updateSaliency(&st, v, kind, now)
			switch {
			case kind == kindGroup:
				g.updateVisibility(&st, v)
			case kind.reducible():
				g.updateActivation(&st, v)
			}
		}
	}

	if st.isCSalient {
		g.cov()
	}

	sort.SliceStable(g.newlySalient, func(i, j int) bool {
		return g.newlySalient[i].IJT() < g.newlySalient[j].IJT()
	})
	for _, v := range g.newlySalient {
		g.injectReductionJobs(v)
	}

	if st.isCActive && st.isCSalient {
		for _, c := range g.newCtrls {
			if s, ok := c.(signaler); ok {
				g.mem.pushTimeJob(newSignalingJob(s, now+controllerTSC(c)))
			}
		}
	}
	g.newCtrls = g.newCtrls[:0]

	g.updateStats()
}

// =============================================================================
// Decay
// =============================================================================

func (g *Group) resetDecay() {
	g.slnThrDecay = 0
	g.slnDecay = 0
	g.decayPeriodsToGo = -1
	g.decayPerPeriod = 0
	g.decayTarget = -1
}

// updateDecay recomputes the decay schedule when its parameters changed and
// applies the threshold decay.
func (g *Group) updateDecay() {
	percentage := g.get(rcode.GrpDcyPer)
	period := g.get(rcode.GrpDcyPrd)
	if percentage == 0 || period == 0 {
		g.resetDecay()
	} else {
		pp := percentage / period
		target := g.get(rcode.GrpDcyTgt)
		if pp != g.decayPerPeriod || target != g.decayTarget {
			g.decayPeriodsToGo = int(period)
			g.decayPerPeriod = pp
			g.decayTarget = target
			if target == 0 {
				g.slnDecay, g.slnThrDecay = pp, 0
			} else {
				g.slnDecay, g.slnThrDecay = 0, pp
			}
		}
	}
	if g.decayPeriodsToGo > 0 && g.slnThrDecay != 0 {
		g.Mod(rcode.GrpSlnThr, g.slnThr()*g.slnThrDecay)
	}
}

// =============================================================================
// Per-view steps
// =============================================================================

func (g *Group) updateRes(v *rcode.View, kind viewKind) float64 {
	res := v.UpdateRes()
	if kind != kindNotification && res > 0 && res < g.lowResThr() {
		g.notify(rcode.NewNotification(rcode.OpMkLowRes, v.Object()))
	}
	return res
}

func (g *Group) updateSln(v *rcode.View, kind viewKind) float64 {
	if g.decayPeriodsToGo > 0 && g.slnDecay != 0 {
		v.ModSln(v.Sln() * g.slnDecay)
	}
	sln := v.UpdateSln(g.lowSlnThr(), g.highSlnThr())
	g.slnStats.add(sln)
	if kind == kindNotification {
		return sln
	}
	prd := int(g.get(rcode.GrpSlnNtfPrd))
	if prd <= 0 {
		return sln
	}
	if v.PeriodsAtHighSln() == prd {
		v.ClearSlnPeriods()
		g.notify(rcode.NewNotification(rcode.OpMkHighSln, v.Object()))
	} else if v.PeriodsAtLowSln() == prd {
		v.ClearSlnPeriods()
		g.notify(rcode.NewNotification(rcode.OpMkLowSln, v.Object()))
	}
	return sln
}

func (g *Group) updateAct(v *rcode.View) float64 {
	act := v.UpdateAct(g.lowActThr(), g.highActThr())
	g.actStats.add(act)
	prd := int(g.get(rcode.GrpActNtfPrd))
	if prd <= 0 {
		return act
	}
	if v.PeriodsAtHighAct() == prd {
		v.ClearActPeriods()
		g.notify(rcode.NewNotification(rcode.OpMkHighAct, v.Object()))
	} else if v.PeriodsAtLowAct() == prd {
		v.ClearActPeriods()
		g.notify(rcode.NewNotification(rcode.OpMkLowAct, v.Object()))
	}
	return act
}

// updateSaliency applies decay and pending changes to v's salience, records
// threshold crossings and propagates the change.
func (g *Group) updateSaliency(st *groupState, v *rcode.View, kind viewKind, now uint64) {
	oldSln := v.Sln()
	wasSalient := oldSln > st.formerSlnThr
	newSln := g.updateSln(v, kind)
	isSalient := newSln > g.slnThr()

	if st.isCSalient && isSalient {
		switch v.Sync() {
		case rcode.SyncOnce, rcode.SyncOnceAxiom, rcode.SyncPeriodic:
			if !wasSalient {
				g.newlySalient = append(g.newlySalient, v)
			}
		case rcode.SyncHold, rcode.SyncAxiom:
			v.SetIJT(now)
			g.newlySalient = append(g.newlySalient, v)
		}
	}

	if change := newSln - oldSln; change != 0 && st.isCActive && st.isCSalient {
		g.mem.propagateSaliency(v.Object(), change, g.slnThr())
	}
}

// updateVisibility maintains the viewing-group registration of the group
// viewed through v.
func (g *Group) updateVisibility(st *groupState, v *rcode.View) {
	wasVisible := v.Vis() > g.visThr()
	isVisible := v.UpdateVis() > g.visThr()
	viewed := g.mem.groupOf(v.Object())
	if viewed == nil {
		return
	}
	cov := v.Cov()
	register := func() { g.after(func() { viewed.setViewing(g, cov) }) }
	unregister := func() { g.after(func() { viewed.unsetViewing(g) }) }

	switch {
	case st.wasCActive && st.wasCSalient:
		switch {
		case !st.isCActive || !st.isCSalient:
			unregister()
		case !wasVisible && isVisible:
			register()
		case wasVisible && !isVisible:
			unregister()
		case isVisible:
			register()
		}
	case st.isCActive && st.isCSalient && isVisible:
		register()
	}
}

// updateActivation applies pending activation changes and drives the
// controller's activation transitions.
func (g *Group) updateActivation(st *groupState, v *rcode.View) {
	wasActive := v.Act() > g.actThr()
	isActive := g.updateAct(v) > g.actThr()
	c, _ := v.Controller().(Controller)
	if c == nil {
		return
	}
	switch {
	case st.wasCActive && st.wasCSalient:
		switch {
		case !st.isCActive || !st.isCSalient:
			c.LoseActivation()
		case !wasActive && isActive:
			g.activate(c, v)
			g.newCtrls = append(g.newCtrls, c)
		case wasActive && !isActive:
			c.LoseActivation()
		}
	case st.isCActive && st.isCSalient && isActive:
		g.activate(c, v)
		g.newCtrls = append(g.newCtrls, c)
	}
}

// activate seeds c and replays the currently salient views when the program
// consumes past inputs. Requires g.mu.
func (g *Group) activate(c Controller, v *rcode.View) {
	c.GainActivation()
	p, ok := c.(pastTaker)
	if !ok || !p.takesPastInputs() {
		return
	}
	thr := g.slnThr()
	for _, k := range []viewKind{kindObject, kindNotification} {
		for _, other := range g.partitions[k] {
			if other != v && other.Sln() > thr {
				c.TakeInput(other)
			}
		}
	}
}

// =============================================================================
// Stats and change monitoring
// =============================================================================

func (g *Group) resetStats() {
	g.slnStats.reset()
	g.actStats.reset()
	g.slnChgPeriodsToGo = nextMonitoringPeriod(g.slnChgPeriodsToGo, g.get(rcode.GrpSlnChgThr), g.get(rcode.GrpSlnChgPrd))
	g.actChgPeriodsToGo = nextMonitoringPeriod(g.actChgPeriodsToGo, g.get(rcode.GrpActChgThr), g.get(rcode.GrpActChgPrd))
}

// nextMonitoringPeriod counts down to the next change check. A threshold of
// 1 disables monitoring; 0 means a check happens this cycle.
func nextMonitoringPeriod(toGo int, thr, prd float64) int {
	switch {
	case toGo <= 0:
		if thr < 1 {
			return int(prd)
		}
		return toGo
	case thr == 1:
		return -1
	default:
		return toGo - 1
	}
}

func (g *Group) updateStats() {
	if g.decayPeriodsToGo > 0 {
		g.decayPeriodsToGo--
	}
	if g.get(rcode.GrpDcyAuto) == 1 {
		if prd := g.get(rcode.GrpDcyPrd); g.decayPeriodsToGo <= 0 && prd > 0 {
			g.decayPeriodsToGo = int(prd)
		}
	}

	avgSln, avgAct := 0.0, 0.0
	if g.slnStats.updates > 0 {
		avgSln = g.slnStats.sum / float64(g.slnStats.updates)
	}
	if g.actStats.updates > 0 {
		avgAct = g.actStats.sum / float64(g.actStats.updates)
	}
	g.obj.SetFloat(rcode.GrpAvgSln, avgSln)
	g.obj.SetFloat(rcode.GrpHighSln, g.slnStats.high)
	g.obj.SetFloat(rcode.GrpLowSln, g.slnStats.low)
	g.obj.SetFloat(rcode.GrpAvgAct, avgAct)
	g.obj.SetFloat(rcode.GrpHighAct, g.actStats.high)
	g.obj.SetFloat(rcode.GrpLowAct, g.actStats.low)

	if g.slnChgPeriodsToGo == 0 {
		thr := g.get(rcode.GrpSlnChgThr)
		g.forNonNotificationViews(func(v *rcode.View) {
			if d := v.UpdateSlnDelta(); math.Abs(d) > thr {
				g.notify(rcode.NewChangeNotification(rcode.OpMkSlnChg, v.Object(), d))
			}
		})
	}
	if g.actChgPeriodsToGo == 0 {
		thr := g.get(rcode.GrpActChgThr)
		g.forNonNotificationViews(func(v *rcode.View) {
			if d := v.UpdateActDelta(); math.Abs(d) > thr {
				g.notify(rcode.NewChangeNotification(rcode.OpMkActChg, v.Object(), d))
			}
		})
	}
}

func (g *Group) forNonNotificationViews(fn func(v *rcode.View)) {
	for k := range g.partitions {
		if viewKind(k) == kindNotification {
			continue
		}
		for _, v := range g.partitions[k] {
			fn(v)
		}
	}
}
