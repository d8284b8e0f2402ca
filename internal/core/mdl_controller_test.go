package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

// causalModel is (mdl [] [] (fact (mk.val ent a v0) v1 v2) (fact (mk.val ent
// b v3) v4 v5) |[] [v3 (+ v0 1)]): "a at v0 is followed by b at v0+1".
type causalModel struct {
	ent, a, b *rcode.Object
	mdl       *rcode.Object
}

func newCausalModel(strength, count, sr float64) *causalModel {
	cm := &causalModel{ent: rcode.NewEntity(1), a: rcode.NewOntology(1), b: rcode.NewOntology(1)}
	cm.mdl = rcode.NewModel(rcode.ModelSpec{
		LHS:         rcode.NewFactPattern(valuePattern(cm.ent, cm.a, 0), 1, 2),
		RHS:         rcode.NewFactPattern(valuePattern(cm.ent, cm.b, 3), 4, 5),
		Fwd:         []rcode.Guard{rcode.Assign(3, rcode.Call(rcode.OpAdd, rcode.Var(0), rcode.Num(1)))},
		Strength:    strength,
		Count:       count,
		SuccessRate: sr,
	})
	return cm
}

func (cm *causalModel) cause(v float64, after, before uint64) *rcode.Object {
	return rcode.NewFact(valueOf(cm.ent, cm.a, v), after, before, 1, 1)
}

func (cm *causalModel) effect(v float64, after, before uint64) *rcode.Object {
	return rcode.NewFact(valueOf(cm.ent, cm.b, v), after, before, 1, 1)
}

func primaryOf(t *testing.T, g *Group, mdl *rcode.Object) *PrimaryMDLController {
	t.Helper()
	v := g.View(mdl)
	require.NotNil(t, v)
	c, ok := v.Controller().(*PrimaryMDLController)
	require.True(t, ok, "controller is %T", v.Controller())
	return c
}

// predictionWorld loads cm into an always-active root group at time 150.
func predictionWorld(t *testing.T, cm *causalModel) (*testWorld, *PrimaryMDLController) {
	w := newTestWorld(t, 150)
	w.host(cm.mdl, 1)
	w.load()
	return w, primaryOf(t, w.root(), cm.mdl)
}

func TestModelControllerKinds(t *testing.T) {
	cm := newCausalModel(0, 0, 1)
	drive := rcode.NewModel(rcode.ModelSpec{
		LHS: rcode.NewFactPattern(valuePattern(cm.ent, cm.a, 0), 1, 2),
		RHS: rcode.NewFactPattern(cm.ent, 3, 4),
	})
	broken := rcode.NewModel(rcode.ModelSpec{LHS: cm.ent, RHS: cm.ent})

	w := newTestWorld(t, 150)
	w.host(cm.mdl, 1)
	w.host(drive, 1)
	w.host(broken, 1)
	w.load()

	assert.IsType(t, &PrimaryMDLController{}, w.root().View(cm.mdl).Controller())
	assert.IsType(t, &TopLevelMDLController{}, w.root().View(drive).Controller())
	assert.Nil(t, w.root().View(broken).Controller())
}

func TestModelPredictsFromLHS(t *testing.T) {
	cm := newCausalModel(0, 0, 0.8)
	w, c := predictionWorld(t, cm)

	w.inject(cm.cause(2, 100, 200))
	w.mem.drain()

	preds := w.rootFacts(rcode.OpPred)
	require.Len(t, preds, 1)
	rhs := rcode.RefAt(rcode.FactTargetOf(preds[0]), rcode.PredTarget)
	require.True(t, rcode.IsFact(rhs))
	assert.InDelta(t, 0.8, rcode.FactCfdOf(rhs), 1e-5, "input cfd times the success rate")
	after, before := rcode.FactTimings(rhs)
	assert.Equal(t, uint64(200), after, "the rhs follows the input")
	assert.Equal(t, uint64(300), before)
	assert.InDelta(t, 3, rcode.FactTargetOf(rhs).Float(rcode.MkValValue), 1e-5, "bound by the forward guard")

	assert.InDelta(t, 1, c.count(), 1e-5, "counted when fired")
	assert.Len(t, w.rootFacts(rcode.OpIMdl), 1)
}

func TestModelIgnoresUnrelatedInput(t *testing.T) {
	cm := newCausalModel(0, 0, 0.8)
	w, c := predictionWorld(t, cm)

	w.inject(rcode.NewFact(valueOf(rcode.NewEntity(1), cm.a, 2), 100, 200, 1, 1))
	w.mem.drain()

	assert.Empty(t, w.rootFacts(rcode.OpPred))
	assert.InDelta(t, 0, c.count(), 1e-5)
}

func TestPredictionSuccessRatesModel(t *testing.T) {
	cm := newCausalModel(0, 0, 0.8)
	w, c := predictionWorld(t, cm)

	w.inject(cm.cause(2, 100, 200))
	w.mem.drain()
	preds := w.rootFacts(rcode.OpPred)
	require.Len(t, preds, 1)

	w.inject(cm.effect(3, 210, 290))
	w.mem.drain()

	assert.InDelta(t, 1, c.successRate(), 1e-5)
	assert.InDelta(t, 0.2, cm.mdl.Float(rcode.MdlDSR), 1e-5)
	assert.True(t, preds[0].IsInvalidated(), "a settled prediction is retired")
	successes := w.rootFacts(rcode.OpSuccess)
	require.Len(t, successes, 1)
	assert.True(t, rcode.IsFact(successes[0]))
	assert.False(t, cm.mdl.IsInvalidated())
}

func TestPredictionFailureKillsWeakModel(t *testing.T) {
	cm := newCausalModel(0, 0, 0.8)
	w, c := predictionWorld(t, cm)

	w.inject(cm.cause(2, 100, 200))
	w.mem.drain()
	require.Len(t, w.rootFacts(rcode.OpPred), 1)

	w.clock.set(400)
	w.mem.drain()

	assert.True(t, c.IsInvalidated())
	assert.True(t, cm.mdl.IsInvalidated())
	assert.Nil(t, w.root().View(cm.mdl))

	var failures, absentees int
	for _, v := range w.root().Views() {
		o := v.Object()
		switch tgt := rcode.FactTargetOf(o); {
		case rcode.IsAntiFact(o) && rcode.Is(tgt, rcode.OpSuccess):
			failures++
		case rcode.IsAntiFact(o) && rcode.Is(tgt, rcode.OpMkVal):
			absentees++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, absentees, "the missing effect is stated as an anti-fact")
}

func TestRateRunningMean(t *testing.T) {
	cm := newCausalModel(0, 4, 0.5)
	_, c := predictionWorld(t, cm)

	sr, promoted := c.rate(false)
	assert.False(t, promoted)
	assert.InDelta(t, 0.375, sr, 1e-5)
	assert.InDelta(t, 0.375, c.successRate(), 1e-5)
	assert.InDelta(t, -0.125, cm.mdl.Float(rcode.MdlDSR), 1e-5)
	assert.InDelta(t, 4, c.count(), 1e-5, "rating does not count instances")

	sr, _ = c.rate(true)
	assert.InDelta(t, 0.53125, sr, 1e-5)
}

func TestRatePromotesToStrong(t *testing.T) {
	cm := newCausalModel(0, 6, 0.95)
	_, c := predictionWorld(t, cm)
	assert.InDelta(t, 0.95, c.confidence(), 1e-5)

	sr, promoted := c.rate(true)
	require.True(t, promoted)
	assert.Equal(t, 1.0, sr)
	assert.Equal(t, 1.0, c.strength())
	assert.InDelta(t, 1, c.count(), 1e-5, "statistics restart")
	assert.Equal(t, 1.0, c.confidence())

	_, promoted = c.rate(true)
	assert.False(t, promoted, "already strong")
}

func TestConfidenceLatchedForStrongModels(t *testing.T) {
	_, c := predictionWorld(t, newCausalModel(1, 10, 0.4))
	assert.Equal(t, 1.0, c.confidence())
}

func TestEvidenceCacheDropsEndedFacts(t *testing.T) {
	cm := newCausalModel(0, 0, 1)
	var cache evidenceCache
	cache.add(cm.cause(1, 0, 100), 50, 10)
	fresh := cache.add(cm.cause(2, 0, 1000), 50, 10)
	assert.Equal(t, 2, cache.len())

	live := cache.unchained(500, 10)
	require.Len(t, live, 1)
	assert.Same(t, fresh, live[0])

	fresh.chained.Store(true)
	assert.Empty(t, cache.unchained(500, 10))
	assert.Equal(t, 1, cache.len())
}

func TestEvidenceCacheFindsNewestFirst(t *testing.T) {
	cm := newCausalModel(0, 0, 1)
	var cache evidenceCache
	older := cm.cause(1, 0, 1000)
	newer := cm.cause(2, 0, 1000)
	cache.add(older, 0, 10)
	cache.add(newer, 0, 10)

	pattern := rcode.NewFactPattern(valuePattern(cm.ent, cm.a, 0), 1, 2)
	got, r := cache.find(newTestBindings(3), pattern, 0, 10)
	assert.Equal(t, MatchSuccessPositive, r)
	assert.Same(t, newer, got)

	anti := rcode.NewAntiFact(valueOf(cm.ent, cm.a, 1), 0, 1000, 1, 1)
	cache.add(anti, 0, 10)
	_, r = cache.find(newTestBindings(3), pattern, 0, 10)
	assert.Equal(t, MatchSuccessNegative, r)

	_, r = cache.find(newTestBindings(3), rcode.NewFactPattern(valuePattern(cm.ent, cm.b, 0), 1, 2), 0, 10)
	assert.Equal(t, MatchFailure, r)
}

func TestBindLHSDefaultsBeforeTarget(t *testing.T) {
	cm := newCausalModel(0, 0, 1)
	_, c := predictionWorld(t, cm)

	bm := c.newBindings()
	bm.Set(0, atomValue(atom.Float64(2)))
	target := cm.effect(3, 1000, 1400)
	lhs := c.bindLHS(bm, target, true, 0.5)

	require.True(t, rcode.IsAntiFact(lhs))
	after, before := rcode.FactTimings(lhs)
	assert.Equal(t, uint64(600), after)
	assert.Equal(t, uint64(1000), before)
	assert.InDelta(t, 0.5, rcode.FactCfdOf(lhs), 1e-5)
}
