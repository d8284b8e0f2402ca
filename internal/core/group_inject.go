package core

import (
	"replinet/internal/rcode"
)

// injectNew hosts a view of an object that has just been registered.
func (g *Group) injectNew(v *rcode.View) {
	g.locked(func() {
		obj := v.Object()
		if !obj.AddView(v) {
			if existing := g.viewOf(obj.OID()); existing != nil {
				g.merge(existing, v)
			}
			return
		}
		g.host(v)
		if g.ntfNew() && kindOf(v) != kindNotification {
			g.notify(rcode.NewNotification(rcode.OpMkNew, obj))
		}
	})
}

// injectExisting hosts a view of an object already in memory. A second view
// of the same object in the same group is folded into the first one.
func (g *Group) injectExisting(v *rcode.View) {
	g.locked(func() {
		obj := v.Object()
		if existing := g.viewOf(obj.OID()); existing != nil {
			g.merge(existing, v)
			return
		}
		if !obj.AddView(v) {
			return
		}
		g.host(v)
	})
}

// merge folds v into existing through pending set operations, so the values
// are averaged with every other write of the cycle. Requires g.mu.
func (g *Group) merge(existing, v *rcode.View) {
	res, sln, act, vis := v.Res(), v.Sln(), v.Act(), v.Vis()
	kind := kindOf(existing)
	g.addPending(func() {
		existing.SetRes(res)
		existing.SetSln(sln)
		if kind.reducible() {
			existing.SetAct(act)
		}
		if kind == kindGroup {
			existing.SetVis(vis)
		}
	})
	existing.SetSync(v.Sync())
	existing.SetIJT(v.IJT())
}

// host adds a fresh view to the partitions, builds its controller and
// dispatches it. Requires g.mu.
func (g *Group) host(v *rcode.View) {
	kind := kindOf(v)
	g.addView(v)
	now := g.mem.Now()

	switch kind {
	case kindNotification:
		g.forActiveControllers([]viewKind{kindProgram, kindAntiProgram}, v, func(c Controller) {
			c.TakeInput(v)
		})
		return
	case kindGroup:
		if g.cSalient.Load() && v.Sln() > g.slnThr() {
			g.injectReductionJobs(v)
		}
		if viewed := g.mem.groupOf(v.Object()); viewed != nil &&
			g.cActive.Load() && g.cSalient.Load() && v.Vis() > g.visThr() {
			cov := v.Cov()
			g.after(func() { viewed.setViewing(g, cov) })
		}
		return
	}

	if kind.reducible() {
		c := g.mem.newController(g, v)
		if c != nil {
			v.SetController(c)
			if g.isActiveController(v) {
				g.activate(c, v)
				if s, ok := c.(signaler); ok {
					g.mem.pushTimeJob(newSignalingJob(s, now+controllerTSC(c)))
				}
			}
		}
	}

	if g.cSalient.Load() && v.Sln() > g.slnThr() {
		g.injectReductionJobs(v)
		if kind == kindObject {
			for vg, cov := range g.viewingGroups {
				if cov {
					g.injectCopy(vg, v, now)
				}
			}
		}
	}
}

// forActiveControllers calls fn for the controller of every active view in
// the given partitions, skipping except. Requires g.mu.
func (g *Group) forActiveControllers(kinds []viewKind, except *rcode.View, fn func(c Controller)) {
	for _, k := range kinds {
		for _, cv := range g.partitions[k] {
			if cv == except || !g.isActiveController(cv) {
				continue
			}
			if c, ok := cv.Controller().(Controller); ok && c != nil {
				fn(c)
			}
		}
	}
}

var reducerKinds = []viewKind{kindProgram, kindAntiProgram, kindHLP}

// injectReductionJobs hands v to every active controller of g, then to the
// viewing groups that do not copy. Requires g.mu.
func (g *Group) injectReductionJobs(v *rcode.View) {
	if g.cActive.Load() {
		g.forActiveControllers(reducerKinds, v, func(c Controller) { c.TakeInput(v) })
	}
	if kindOf(v) == kindNotification {
		return
	}
	for vg, cov := range g.viewingGroups {
		if !cov {
			vg := vg
			g.after(func() { vg.takeViewedInput(v) })
		}
	}
}

// takeViewedInput hands a view salient in a viewed group to g's controllers.
func (g *Group) takeViewedInput(v *rcode.View) {
	g.locked(func() {
		if !g.cActive.Load() || !g.cSalient.Load() {
			return
		}
		g.forActiveControllers(reducerKinds, v, func(c Controller) { c.TakeInput(v) })
	})
}

// cov copies the newly salient plain objects into the viewing groups that
// asked for copies. Requires g.mu.
func (g *Group) cov() {
	now := g.mem.Now()
	for vg, cov := range g.viewingGroups {
		if !cov {
			continue
		}
		for _, v := range g.newlySalient {
			if kindOf(v) == kindObject {
				g.injectCopy(vg, v, now)
			}
		}
	}
}

func (g *Group) injectCopy(vg *Group, v *rcode.View, now uint64) {
	cp := v.Copy()
	cp.Rehost(vg)
	cp.SetCov(true)
	cp.SetIJT(now)
	g.after(func() { g.mem.injectNow(cp) })
}
