package core

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

// injectingProgram builds a program that injects output into the root group
// once every input pattern matched.
func injectingProgram(w *testWorld, output *rcode.Object, inputs ...*rcode.Object) *rcode.Object {
	return rcode.NewProgram(rcode.ProgramSpec{
		Inputs: inputs,
		Productions: []rcode.Production{
			{Kind: rcode.ProduceInject, Object: output, Group: w.rootObj, Sln: 1, Res: 100},
		},
	})
}

// ejectingProgram builds a program that ejects cmd.
func ejectingProgram(cmd *rcode.Object, inputs ...*rcode.Object) *rcode.Object {
	return rcode.NewProgram(rcode.ProgramSpec{
		Inputs:      inputs,
		Productions: []rcode.Production{{Kind: rcode.ProduceEject, Object: cmd}},
	})
}

func instantiate(kind rcode.ProgramKind, pgm *rcode.Object, tsc uint64, run bool) *rcode.Object {
	return rcode.NewIPGM(rcode.IPGMSpec{Kind: kind, Program: pgm, TSC: tsc, Run: run})
}

// valuesIn lists, sorted, the values of (mk.val ent attr _) hosted by g.
func valuesIn(g *Group, ent, attr *rcode.Object) []float64 {
	var out []float64
	for _, v := range g.Views() {
		o := v.Object()
		if !rcode.Is(o, rcode.OpMkVal) || rcode.RefAt(o, rcode.MkValObject) != ent ||
			rcode.RefAt(o, rcode.MkValAttribute) != attr {
			continue
		}
		out = append(out, float64(o.At(rcode.MkValValue).AsFloat()))
	}
	sort.Float64s(out)
	return out
}

// countEjections installs an ejector counting the commands it receives.
func countEjections(m *Mem) *int {
	n := new(int)
	m.SetEjector(func(*rcode.Object, uint16) { *n++ })
	return n
}

// pairWorld hosts a program joining (fact (mk.val ent a v0)) and
// (fact (mk.val ent b v3)) into (mk.val ent c v0).
type pairWorld struct {
	*testWorld
	ent, a, b, c *rcode.Object
	ipgm         *rcode.Object
}

func newPairWorld(t *testing.T, tsc uint64, run bool) *pairWorld {
	p := &pairWorld{
		testWorld: newTestWorld(t, 1000),
		ent:       rcode.NewEntity(1),
		a:         rcode.NewOntology(1),
		b:         rcode.NewOntology(1),
		c:         rcode.NewOntology(1),
	}
	pgm := injectingProgram(p.testWorld, valuePattern(p.ent, p.c, 0),
		rcode.NewFactPattern(valuePattern(p.ent, p.a, 0), 1, 2),
		rcode.NewFactPattern(valuePattern(p.ent, p.b, 3), 4, 5))
	p.ipgm = instantiate(rcode.PlainProgram, pgm, tsc, run)
	p.host(p.ipgm, 1)
	p.load()
	return p
}

func (p *pairWorld) observe(attr *rcode.Object, v float64) {
	now := p.clock.Now()
	p.inject(rcode.NewFact(valueOf(p.ent, attr, v), now, now+100, 1, 1))
	p.mem.drain()
}

func (p *pairWorld) produced() []float64 { return valuesIn(p.root(), p.ent, p.c) }

func (p *pairWorld) controller(t *testing.T) *PGMController {
	v := p.root().View(p.ipgm)
	require.NotNil(t, v)
	c, ok := v.Controller().(*PGMController)
	require.True(t, ok)
	return c
}

func TestProgramMatchesAcrossInputs(t *testing.T) {
	w := newPairWorld(t, 0, true)
	c := w.controller(t)

	w.observe(w.a, 2)
	assert.Empty(t, w.produced(), "one input is still missing")
	w.observe(w.b, 5)
	assert.Equal(t, []float64{2}, w.produced())

	c.mu.Lock()
	overlays := len(c.overlays)
	c.mu.Unlock()
	assert.Equal(t, 3, overlays, "master, the a overlay and the new b overlay")
	assert.False(t, c.IsInvalidated())
}

func TestProgramOverlaysExpire(t *testing.T) {
	w := newPairWorld(t, 100, true)
	c := w.controller(t)

	w.observe(w.a, 2)
	w.clock.set(1200)
	w.observe(w.b, 5)
	assert.Empty(t, w.produced(), "the a overlay outlived the time scope")

	c.mu.Lock()
	overlays := len(c.overlays)
	c.mu.Unlock()
	assert.Equal(t, 2, overlays, "the expired overlay was pruned")

	w.clock.set(1250)
	w.observe(w.a, 4)
	assert.Equal(t, []float64{4}, w.produced())
}

func TestProgramRunsOnce(t *testing.T) {
	w := newPairWorld(t, 0, false)
	c := w.controller(t)

	w.observe(w.a, 2)
	w.observe(w.b, 5)
	require.Equal(t, []float64{2}, w.produced())
	assert.True(t, c.IsInvalidated())
	assert.True(t, w.ipgm.IsInvalidated())
	assert.Nil(t, w.root().View(w.ipgm))

	w.observe(w.a, 4)
	w.observe(w.b, 6)
	assert.Equal(t, []float64{2}, w.produced(), "a dead program stays silent")
}

func TestProgramIgnoresPredictionsAndGoals(t *testing.T) {
	w := newPairWorld(t, 0, true)

	inner := rcode.NewFact(valueOf(w.ent, w.a, 2), 1000, 1100, 1, 1)
	w.inject(rcode.NewFact(rcode.NewPred(inner, 1), 1000, 1000, 1, 1))
	w.inject(rcode.NewFact(rcode.NewGoal(inner, w.self, 1), 1000, 1000, 1, 1))
	w.mem.drain()
	w.observe(w.b, 5)
	assert.Empty(t, w.produced())
}

// antiWorld hosts a program of the given kind ejecting a command; anti
// programs watch (fact (mk.val ent a v0)).
func antiWorld(t *testing.T, kind rcode.ProgramKind, run bool) (w *testWorld, ent, a, ipgm *rcode.Object, fired *int) {
	ent, a = rcode.NewEntity(1), rcode.NewOntology(1)
	w = newTestWorld(t, 1000)
	cmd := rcode.NewCmd(7, atom.Float64(1), nil)
	var pgm *rcode.Object
	if kind == rcode.AntiProgram {
		pgm = ejectingProgram(cmd, rcode.NewFactPattern(valuePattern(ent, a, 0), 1, 2))
	} else {
		pgm = ejectingProgram(cmd)
	}
	ipgm = instantiate(kind, pgm, 100, run)
	w.host(ipgm, 1)
	fired = countEjections(w.mem)
	w.load()
	return w, ent, a, ipgm, fired
}

func TestAntiProgramFiresWithoutMatch(t *testing.T) {
	w, _, _, _, fired := antiWorld(t, rcode.AntiProgram, true)

	w.mem.drain()
	assert.Zero(t, *fired, "the time scope has not elapsed")
	w.clock.set(1100)
	w.mem.drain()
	assert.Equal(t, 1, *fired)
	w.clock.set(1200)
	w.mem.drain()
	assert.Equal(t, 2, *fired, "the watch restarts after each signal")
}

func TestAntiProgramMatchSuppressesSignal(t *testing.T) {
	w, ent, a, ipgm, fired := antiWorld(t, rcode.AntiProgram, true)
	require.IsType(t, &AntiPGMController{}, w.root().View(ipgm).Controller())

	w.clock.set(1050)
	w.inject(rcode.NewFact(valueOf(ent, a, 1), 1050, 1150, 1, 1))
	w.mem.drain()

	w.clock.set(1100)
	w.mem.drain()
	assert.Zero(t, *fired, "the match suppressed the pending signal")

	w.clock.set(1150)
	w.mem.drain()
	assert.Equal(t, 1, *fired, "nothing matched since the restart")
}

func TestAntiProgramRunsOnce(t *testing.T) {
	w, _, _, ipgm, fired := antiWorld(t, rcode.AntiProgram, false)

	w.clock.set(1100)
	w.mem.drain()
	require.Equal(t, 1, *fired)
	assert.True(t, ipgm.IsInvalidated())

	w.clock.set(1300)
	w.mem.drain()
	assert.Equal(t, 1, *fired)
}

func TestInputLessProgramSignalsPeriodically(t *testing.T) {
	w, _, _, ipgm, fired := antiWorld(t, rcode.InputLessProgram, true)
	require.IsType(t, &InputLessPGMController{}, w.root().View(ipgm).Controller())

	w.mem.drain()
	assert.Zero(t, *fired)
	w.clock.set(1100)
	w.mem.drain()
	assert.Equal(t, 1, *fired)

	// A late signal reschedules from when it ran.
	w.clock.set(1300)
	w.mem.drain()
	assert.Equal(t, 2, *fired)
	w.clock.set(1399)
	w.mem.drain()
	assert.Equal(t, 2, *fired)
	w.clock.set(1400)
	w.mem.drain()
	assert.Equal(t, 3, *fired)
}

func TestInputLessProgramRunsOnce(t *testing.T) {
	w, _, _, ipgm, fired := antiWorld(t, rcode.InputLessProgram, false)

	w.clock.set(1100)
	w.mem.drain()
	require.Equal(t, 1, *fired)
	assert.True(t, ipgm.IsInvalidated())
	assert.Nil(t, w.root().View(ipgm))

	w.clock.set(1500)
	w.mem.drain()
	assert.Equal(t, 1, *fired)
}
