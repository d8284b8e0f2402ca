package core

import (
	"math"

	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// cstOverlay is a partial match of a composite state. The master overlay
// has no inputs and no deadline; every other overlay lives until the
// earliest of its inputs ends.
type cstOverlay struct {
	bm        *BindingMap
	remaining []int
	inputs    []*rcode.Object
	predicted bool
	sim       *Sim
	deadline  uint64
}

func (o *cstOverlay) isMaster() bool { return len(o.inputs) == 0 }

func (o *cstOverlay) expired(now uint64) bool { return !o.isMaster() && now > o.deadline }

// reduce matches fact against the remaining patterns and returns the
// offspring for the first one that holds, or nil.
func (o *cstOverlay) reduce(fact *rcode.Object, predicted bool, sim *Sim, patterns []*rcode.Object, tol uint64) *cstOverlay {
	for n, k := range o.remaining {
		trial := o.bm.Clone()
		if trial.MatchFact(fact, patterns[k]) != MatchSuccessPositive {
			continue
		}
		rem := make([]int, 0, len(o.remaining)-1)
		rem = append(rem, o.remaining[:n]...)
		rem = append(rem, o.remaining[n+1:]...)
		inputs := make([]*rcode.Object, len(o.inputs), len(o.inputs)+1)
		copy(inputs, o.inputs)

		_, before := rcode.FactTimings(fact)
		deadline := before + tol
		if !o.isMaster() && o.deadline < deadline {
			deadline = o.deadline
		}
		off := &cstOverlay{
			bm:        trial,
			remaining: rem,
			inputs:    append(inputs, fact),
			predicted: o.predicted || predicted,
			sim:       o.sim,
			deadline:  deadline,
		}
		if sim != nil {
			off.sim = sim
		}
		return off
	}
	return nil
}

// CSTController recognizes a composite state: once every pattern matched a
// fact, with the forward guards holding, it injects a fact of an instance of
// the composite state. When any of the facts was predicted, the instance is
// predicted too.
type CSTController struct {
	controller
	cst      *rcode.Object
	patterns []*rcode.Object
	nvars    int
	overlays []*cstOverlay
}

func newCSTController(m *Mem, host *Group, v *rcode.View) *CSTController {
	c := &CSTController{}
	c.init(m, host, v, c)
	c.cst = v.Object()
	c.patterns = rcode.SetReferences(c.cst, rcode.HlpObjs)
	c.nvars = variableCount(c.cst)
	return c
}

func (c *CSTController) master() *cstOverlay {
	s := c.mem.cfg()
	rem := make([]int, len(c.patterns))
	for i := range rem {
		rem[i] = i
	}
	return &cstOverlay{bm: NewBindingMap(c.nvars, s.FloatTolerance, s.TimeTolerance), remaining: rem}
}

func (c *CSTController) GainActivation() {
	c.mu.Lock()
	c.overlays = []*cstOverlay{c.master()}
	c.mu.Unlock()
	c.controller.GainActivation()
}

func (c *CSTController) LoseActivation() {
	c.controller.LoseActivation()
	c.mu.Lock()
	c.overlays = nil
	c.mu.Unlock()
}

func (c *CSTController) TakeInput(v *rcode.View) {
	if goalOf(v.Object()) != nil {
		return
	}
	c.controller.TakeInput(v)
}

func (c *CSTController) Reduce(input *rcode.View) {
	if c.IsInvalidated() || len(c.patterns) == 0 {
		return
	}
	fact := input.Object()
	var sim *Sim
	predicted := false
	if p := predOf(fact); p != nil {
		sim = simOf(fact)
		fact = rcode.RefAt(p, rcode.PredTarget)
		predicted = true
	}
	if fact == nil || !rcode.IsAnyFact(fact) || fact.IsInvalidated() {
		return
	}
	now := c.mem.Now()
	tol := c.mem.cfg().TimeTolerance
	var complete []*cstOverlay

	c.mu.Lock()
	kept := c.overlays[:0:0]
	var born []*cstOverlay
	for _, o := range c.overlays {
		if o.expired(now) {
			continue
		}
		kept = append(kept, o)
		off := o.reduce(fact, predicted, sim, c.patterns, tol)
		switch {
		case off == nil:
		case len(off.remaining) > 0:
			born = append(born, off)
		case off.bm.EvalGuards(c.cst, rcode.HlpFwdGuards):
			complete = append(complete, off)
		}
	}
	c.overlays = append(born, kept...)
	c.mu.Unlock()

	for _, o := range complete {
		c.produce(o, input.Object())
	}
}

// produce injects the instance matched by o into the host and the output
// groups. The instance holds over the time all its facts hold, with the
// confidence of the least confident one.
func (c *CSTController) produce(o *cstOverlay, last *rcode.Object) {
	now := c.mem.Now()
	cfd := 1.0
	var after uint64
	before := uint64(math.MaxUint64)
	for _, f := range o.inputs {
		fa, fb := rcode.FactTimings(f)
		cfd = math.Min(cfd, rcode.FactCfdOf(f))
		if fa > after {
			after = fa
		}
		if fb < before {
			before = fb
		}
	}
	if before < after {
		before = after
	}

	icst := o.bm.BuildIHlp(rcode.OpICst, c.cst, false)
	out := rcode.NewFact(icst, after, before, cfd, 1)
	kind := "icst"
	if o.predicted {
		out = rcode.NewFact(rcode.NewPred(out, 1), now, now, 1, 1)
		out.SetExtension(&chainInfo{sim: o.sim})
		kind = "predicted_icst"
	}
	chainingTotal.WithLabelValues(kind).Inc()
	logging.ReduceDebug("composite state %d recognized over %d facts (cfd %.3f)", c.cst.OID(), len(o.inputs), cfd)

	var ttl uint64
	if before > now {
		ttl = before - now
	}
	res := c.mem.cfg().goalPredSuccessRes(c.host, ttl)
	groups := []*Group{c.host}
	for _, g := range outGroupsOf(c.mem, c.cst, c.host) {
		if g != c.host {
			groups = append(groups, g)
		}
	}
	mk := rcode.NewMkRdx(c.cst, last, out, 1)
	for _, g := range groups {
		c.mem.injectNow(rcode.NewView(rcode.SyncOnce, now, cfd, res, g, c.host, out))
	}
	c.host.publish(mk)
}
