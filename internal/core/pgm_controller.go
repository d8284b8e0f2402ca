package core

import (
	"replinet/internal/atom"
	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// =============================================================================
// Shared program state
// =============================================================================

// program holds what every program controller reads from its ipgm: the
// program, its time scope and its flags.
type program struct {
	controller
	pgm      *rcode.Object
	patterns []*rcode.Object
	nvars    int
	tsc      uint64
	runOnce  bool
	takePast bool
}

func (p *program) initProgram(m *Mem, host *Group, v *rcode.View, self Controller) {
	p.init(m, host, v, self)
	ipgm := v.Object()
	p.pgm = rcode.RefAt(ipgm, rcode.IPgmProgram)
	p.patterns = rcode.SetReferences(p.pgm, rcode.PgmInputs)
	p.nvars = variableCount(p.pgm)
	p.tsc = ipgm.Timestamp(rcode.IPgmTSC)
	p.runOnce = !ipgm.At(rcode.IPgmRun).AsBoolean()
	p.takePast = ipgm.At(rcode.IPgmTakePast).AsBoolean()
}

func (p *program) timeScope() uint64     { return p.tsc }
func (p *program) takesPastInputs() bool { return p.takePast }

// masterBindings binds the program's template variables to the ipgm's
// arguments.
func (p *program) masterBindings() *BindingMap {
	s := p.mem.cfg()
	bm := NewBindingMap(p.nvars, s.FloatTolerance, s.TimeTolerance)
	ipgm := p.Object()
	code := ipgm.Code()
	args := code[rcode.IPgmArgs]
	if args.IsFloat() || args.Descriptor() != atom.I_PTR {
		return bm
	}
	h := int(args.AsIndex())
	n := code[h].AtomCount()
	for k, t := range rcode.SetElements(p.pgm, rcode.PgmTemplate) {
		if k >= n {
			break
		}
		if !t.IsFloat() && t.Descriptor() == atom.VL_PTR {
			bm.Set(int(t.AsIndex()), valueAt(ipgm, code, h+1+k))
		}
	}
	return bm
}

// activeInHost reports whether the program may be signaled again.
func (p *program) activeInHost() bool {
	return !p.IsInvalidated() && p.host.isActiveController(p.view)
}

// ignores filters the inputs programs never reduce: predictions and goals
// are left to models.
func ignores(obj *rcode.Object) bool {
	t := rcode.FactTargetOf(obj)
	return rcode.Is(t, rcode.OpPred) || rcode.Is(t, rcode.OpGoal)
}

// matchPattern matches one input object against one input pattern. Fact
// patterns only accept facts of the same polarity.
func matchPattern(bm *BindingMap, obj, pattern *rcode.Object) bool {
	if rcode.IsAnyFact(pattern) {
		return bm.MatchFact(obj, pattern) == MatchSuccessPositive
	}
	return bm.MatchObject(obj, pattern)
}

func (p *program) refOf(a atom.Atom) *rcode.Object {
	if a.IsFloat() || a.Descriptor() != atom.R_PTR {
		return nil
	}
	return p.pgm.Reference(int(a.AsIndex()))
}

// produce executes the production list under bm. It takes group locks and
// must be called without p.mu held.
func (p *program) produce(bm *BindingMap, inputs []*rcode.Object) {
	now := p.mem.Now()
	code := p.pgm.Code()
	var input *rcode.Object
	if len(inputs) > 0 {
		input = inputs[len(inputs)-1]
	}
	for _, a := range rcode.SetElements(p.pgm, rcode.PgmProds) {
		if a.IsFloat() || a.Descriptor() != atom.I_PTR {
			continue
		}
		h := int(a.AsIndex())
		switch code[h].AsOpcode() {
		case rcode.OpInject:
			obj := bm.Bind(p.refOf(code[h+1]))
			g := p.mem.groupOf(p.refOf(code[h+2]))
			if obj == nil || g == nil {
				continue
			}
			sln, res := float64(code[h+3].AsFloat()), float64(code[h+4].AsFloat())
			p.mem.injectNow(rcode.NewView(rcode.SyncOnce, now, sln, res, g, p.host, obj))
			p.host.publish(rcode.NewMkRdx(p.Object(), input, obj, 1))
		case rcode.OpEject:
			cmd := bm.Bind(p.refOf(code[h+1]))
			if cmd == nil {
				continue
			}
			p.mem.eject(cmd)
			p.host.publish(rcode.NewMkRdx(p.Object(), input, cmd, 1))
		case rcode.OpMod, rcode.OpSet:
			g := p.mem.groupOf(p.refOf(code[h+1]))
			if g == nil {
				continue
			}
			member, val := int(code[h+2].AsFloat()), float64(code[h+3].AsFloat())
			if code[h].AsOpcode() == rcode.OpMod {
				g.Mod(member, val)
			} else {
				g.Set(member, val)
			}
		default:
			logging.ReduceWarn("program %d: unknown production %d", p.Object().OID(), code[h].AsOpcode())
		}
	}
}

// =============================================================================
// Overlays
// =============================================================================

// pgmOverlay is a partial match: bindings so far and the patterns still to
// be matched. The master overlay has no inputs and never expires.
type pgmOverlay struct {
	bm        *BindingMap
	remaining []int
	inputs    []*rcode.Object
	birth     uint64
}

func newMasterOverlay(bm *BindingMap, patterns int) *pgmOverlay {
	rem := make([]int, patterns)
	for i := range rem {
		rem[i] = i
	}
	return &pgmOverlay{bm: bm, remaining: rem}
}

func (o *pgmOverlay) isMaster() bool { return len(o.inputs) == 0 }

// reduce tries obj against the remaining patterns and returns the offspring
// for the first one that matches, or nil.
func (o *pgmOverlay) reduce(obj *rcode.Object, patterns []*rcode.Object, now uint64) *pgmOverlay {
	for n, k := range o.remaining {
		trial := o.bm.Clone()
		if !matchPattern(trial, obj, patterns[k]) {
			continue
		}
		rem := make([]int, 0, len(o.remaining)-1)
		rem = append(rem, o.remaining[:n]...)
		rem = append(rem, o.remaining[n+1:]...)
		birth := o.birth
		if o.isMaster() {
			birth = now
		}
		inputs := make([]*rcode.Object, len(o.inputs), len(o.inputs)+1)
		copy(inputs, o.inputs)
		return &pgmOverlay{bm: trial, remaining: rem, inputs: append(inputs, obj), birth: birth}
	}
	return nil
}

func (o *pgmOverlay) expired(tsc, now uint64) bool {
	return tsc > 0 && !o.isMaster() && now > o.birth && now-o.birth > tsc
}

// =============================================================================
// PGMController
// =============================================================================

// PGMController runs a plain program: each complete match whose guards hold
// fires the productions.
type PGMController struct {
	program
	overlays []*pgmOverlay
}

func newPGMController(m *Mem, host *Group, v *rcode.View) *PGMController {
	c := &PGMController{}
	c.initProgram(m, host, v, c)
	return c
}

// GainActivation seeds the master overlay.
func (c *PGMController) GainActivation() {
	c.mu.Lock()
	c.overlays = []*pgmOverlay{newMasterOverlay(c.masterBindings(), len(c.patterns))}
	c.mu.Unlock()
	c.controller.GainActivation()
}

// LoseActivation discards every overlay.
func (c *PGMController) LoseActivation() {
	c.controller.LoseActivation()
	c.mu.Lock()
	c.overlays = nil
	c.mu.Unlock()
}

func (c *PGMController) TakeInput(v *rcode.View) {
	if ignores(v.Object()) {
		return
	}
	c.controller.TakeInput(v)
}

type firing struct {
	bm     *BindingMap
	inputs []*rcode.Object
}

func (c *PGMController) Reduce(input *rcode.View) {
	if c.IsInvalidated() {
		return
	}
	obj := input.Object()
	now := c.mem.Now()
	var fired []firing

	c.mu.Lock()
	kept := c.overlays[:0:0]
	var born []*pgmOverlay
	for _, o := range c.overlays {
		if o.expired(c.tsc, now) {
			continue
		}
		kept = append(kept, o)
		off := o.reduce(obj, c.patterns, now)
		switch {
		case off == nil:
		case len(off.remaining) > 0:
			born = append(born, off)
		case off.bm.EvalGuards(c.pgm, rcode.PgmGuards):
			fired = append(fired, firing{bm: off.bm, inputs: off.inputs})
		}
		if c.runOnce && len(fired) > 0 {
			break
		}
	}
	c.overlays = append(born, kept...)
	c.mu.Unlock()

	for _, f := range fired {
		logging.ReduceDebug("program %d fired on %d inputs", c.Object().OID(), len(f.inputs))
		c.produce(f.bm, f.inputs)
		if c.runOnce {
			c.kill()
			return
		}
	}
}

// =============================================================================
// AntiPGMController
// =============================================================================

// AntiPGMController fires when its inputs did NOT all show up within its
// time scope. A complete match restarts the watch and suppresses the pending
// signal.
type AntiPGMController struct {
	program
	overlays        []*pgmOverlay
	successfulMatch bool
}

func newAntiPGMController(m *Mem, host *Group, v *rcode.View) *AntiPGMController {
	c := &AntiPGMController{}
	c.initProgram(m, host, v, c)
	return c
}

func (c *AntiPGMController) GainActivation() {
	c.mu.Lock()
	c.overlays = []*pgmOverlay{newMasterOverlay(c.masterBindings(), len(c.patterns))}
	c.successfulMatch = false
	c.mu.Unlock()
	c.controller.GainActivation()
}

func (c *AntiPGMController) LoseActivation() {
	c.controller.LoseActivation()
	c.mu.Lock()
	c.overlays = nil
	c.mu.Unlock()
}

func (c *AntiPGMController) TakeInput(v *rcode.View) {
	if ignores(v.Object()) {
		return
	}
	c.controller.TakeInput(v)
}

func (c *AntiPGMController) Reduce(input *rcode.View) {
	if c.IsInvalidated() {
		return
	}
	obj := input.Object()
	now := c.mem.Now()
	restarted := false

	c.mu.Lock()
	var born []*pgmOverlay
	for _, o := range c.overlays {
		off := o.reduce(obj, c.patterns, now)
		if off == nil {
			continue
		}
		if len(off.remaining) > 0 {
			born = append(born, off)
			continue
		}
		if off.bm.EvalGuards(c.pgm, rcode.PgmGuards) {
			restarted = true
			break
		}
	}
	if restarted {
		c.overlays = []*pgmOverlay{newMasterOverlay(c.masterBindings(), len(c.patterns))}
		c.successfulMatch = true
	} else {
		c.overlays = append(born, c.overlays...)
	}
	c.mu.Unlock()

	if restarted && c.activeInHost() {
		logging.ReduceDebug("anti-program %d matched, restarting", c.Object().OID())
		c.mem.pushTimeJob(newSignalingJob(c, now+c.tsc))
	}
}

// signal fires the productions unless a match restarted the watch since the
// job was scheduled.
func (c *AntiPGMController) signal(now uint64) {
	c.mu.Lock()
	if c.successfulMatch {
		c.successfulMatch = false
		c.mu.Unlock()
		return
	}
	bm := c.masterBindings()
	c.overlays = []*pgmOverlay{newMasterOverlay(bm.Clone(), len(c.patterns))}
	c.mu.Unlock()

	logging.ReduceDebug("anti-program %d: no match within %dus", c.Object().OID(), c.tsc)
	c.produce(bm, nil)
	if c.runOnce {
		c.kill()
		return
	}
	if c.activeInHost() {
		c.mem.pushTimeJob(newSignalingJob(c, now+c.tsc))
	}
}

// =============================================================================
// InputLessPGMController
// =============================================================================

// InputLessPGMController fires its productions every time scope.
type InputLessPGMController struct {
	program
}

func newInputLessPGMController(m *Mem, host *Group, v *rcode.View) *InputLessPGMController {
	c := &InputLessPGMController{}
	c.initProgram(m, host, v, c)
	return c
}

// Reduce is never reached: input-less programs take no inputs.
func (c *InputLessPGMController) Reduce(*rcode.View) {}

func (c *InputLessPGMController) TakeInput(*rcode.View) {}

func (c *InputLessPGMController) signal(now uint64) {
	c.produce(c.masterBindings(), nil)
	if c.runOnce {
		c.kill()
		return
	}
	if c.activeInHost() && c.host.CActive() && c.host.CSalient() {
		c.mem.pushTimeJob(newSignalingJob(c, now+c.tsc))
	}
}
