package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/rcode"
)

// pairState is (cst [] [(fact (mk.val ent a v0) v1 v2) (fact (mk.val ent b
// v3) v4 v5)]).
func pairState(ent, a, b *rcode.Object) *rcode.Object {
	return rcode.NewCST(rcode.CSTSpec{
		Patterns: []*rcode.Object{
			rcode.NewFactPattern(valuePattern(ent, a, 0), 1, 2),
			rcode.NewFactPattern(valuePattern(ent, b, 3), 4, 5),
		},
	})
}

func TestCompositeStateRecognized(t *testing.T) {
	ent, a, b := rcode.NewEntity(1), rcode.NewOntology(1), rcode.NewOntology(1)
	cst := pairState(ent, a, b)
	w := newTestWorld(t, 150)
	w.host(cst, 1)
	w.load()
	require.IsType(t, &CSTController{}, w.root().View(cst).Controller())

	w.inject(rcode.NewFact(valueOf(ent, a, 1), 100, 200, 0.9, 1))
	w.mem.drain()
	assert.Empty(t, w.rootFacts(rcode.OpICst), "one pattern is still open")

	w.inject(rcode.NewFact(valueOf(ent, b, 2), 120, 180, 0.6, 1))
	w.mem.drain()

	icsts := w.rootFacts(rcode.OpICst)
	require.Len(t, icsts, 1)
	f := icsts[0]
	after, before := rcode.FactTimings(f)
	assert.Equal(t, uint64(120), after, "the instance holds while every fact does")
	assert.Equal(t, uint64(180), before)
	assert.InDelta(t, 0.6, rcode.FactCfdOf(f), 1e-5, "the least confident fact")

	bm := newTestBindings(6)
	require.True(t, bm.MatchArgs(rcode.FactTargetOf(f)))
	v0, _ := bm.Get(0).Float()
	v3, _ := bm.Get(3).Float()
	assert.InDelta(t, 1, v0, 1e-5)
	assert.InDelta(t, 2, v3, 1e-5)
}

func TestCompositeStateFromPrediction(t *testing.T) {
	ent, a, b := rcode.NewEntity(1), rcode.NewOntology(1), rcode.NewOntology(1)
	cst := pairState(ent, a, b)
	w := newTestWorld(t, 150)
	w.host(cst, 1)
	w.load()

	predicted := rcode.NewFact(valueOf(ent, a, 1), 100, 200, 1, 1)
	w.inject(rcode.NewFact(rcode.NewPred(predicted, 1), 150, 150, 1, 1))
	w.inject(rcode.NewFact(valueOf(ent, b, 2), 120, 180, 1, 1))
	w.mem.drain()

	assert.Empty(t, w.rootFacts(rcode.OpICst), "a predicted part makes a predicted instance")
	var predictedICst int
	for _, p := range w.rootFacts(rcode.OpPred) {
		inner := rcode.RefAt(rcode.FactTargetOf(p), rcode.PredTarget)
		if rcode.Is(rcode.FactTargetOf(inner), rcode.OpICst) {
			predictedICst++
		}
	}
	assert.Equal(t, 1, predictedICst)
}
