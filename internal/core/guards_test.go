package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

func guardedModel(fwd, bwd []rcode.Guard) *rcode.Object {
	ent, attr := rcode.NewEntity(1), rcode.NewOntology(1)
	return rcode.NewModel(rcode.ModelSpec{
		LHS: rcode.NewFactPattern(valuePattern(ent, attr, 0), 1, 2),
		RHS: rcode.NewFactPattern(valuePattern(ent, attr, 3), 4, 5),
		Fwd: fwd,
		Bwd: bwd,
	})
}

func TestEvalGuardsAssignsAndChecks(t *testing.T) {
	mdl := guardedModel([]rcode.Guard{
		rcode.Assign(3, rcode.Call(rcode.OpAdd, rcode.Var(0), rcode.Num(1))),
		rcode.Assign(4, rcode.Call(rcode.OpAdd, rcode.Var(1), rcode.Num(50))),
		rcode.Check(rcode.Call(rcode.OpGtr, rcode.Var(3), rcode.Num(2))),
	}, nil)

	bm := newTestBindings(6)
	bm.Set(0, atomValue(atom.Float64(2)))
	bm.Set(1, timestampValue(100))
	require.True(t, bm.EvalGuards(mdl, rcode.HlpFwdGuards))

	v, ok := bm.Get(3).Float()
	require.True(t, ok)
	assert.InDelta(t, 3, v, testFloatTol)
	ts, ok := bm.Get(4).Timestamp()
	require.True(t, ok, "time plus a number stays a time")
	assert.Equal(t, uint64(150), ts)
}

func TestEvalGuardsFailingCheck(t *testing.T) {
	mdl := guardedModel(nil, []rcode.Guard{
		rcode.Check(rcode.Call(rcode.OpLsr, rcode.Var(0), rcode.Num(1))),
	})
	bm := newTestBindings(6)
	bm.Set(0, atomValue(atom.Float64(2)))
	assert.False(t, bm.EvalGuards(mdl, rcode.HlpBwdGuards))
	assert.True(t, bm.EvalGuards(mdl, rcode.HlpFwdGuards), "an empty guard set holds")
}

func TestEvalGuardsUnboundOperand(t *testing.T) {
	mdl := guardedModel([]rcode.Guard{
		rcode.Assign(3, rcode.Call(rcode.OpMul, rcode.Var(0), rcode.Num(2))),
	}, nil)
	assert.False(t, newTestBindings(6).EvalGuards(mdl, rcode.HlpFwdGuards))
}

func TestEvalGuardsTimeComparison(t *testing.T) {
	mdl := guardedModel([]rcode.Guard{
		rcode.Check(rcode.Call(rcode.OpEqu, rcode.Var(1), rcode.Time(105))),
	}, nil)
	bm := newTestBindings(6)
	bm.Set(1, timestampValue(100))
	assert.True(t, bm.EvalGuards(mdl, rcode.HlpFwdGuards), "times compare within the time tolerance")

	bm.Set(1, timestampValue(200))
	assert.False(t, bm.EvalGuards(mdl, rcode.HlpFwdGuards))
}

func TestArithDivisionByZero(t *testing.T) {
	_, ok := arith(rcode.OpDiv, operand{kind: operandNum, num: 1}, operand{kind: operandNum})
	assert.False(t, ok)
}

func TestVariableCount(t *testing.T) {
	mdl := guardedModel([]rcode.Guard{
		rcode.Assign(7, rcode.Call(rcode.OpAdd, rcode.Var(0), rcode.Num(1))),
	}, nil)
	assert.Equal(t, 8, variableCount(mdl))
	assert.Equal(t, 6, variableCount(guardedModel(nil, nil)))

	outer := rcode.NewFactPattern(rcode.NewIPGM(rcode.IPGMSpec{Program: mdl}), 0, 1)
	assert.Equal(t, 2, variableCount(outer), "referenced models keep their variables")
}
