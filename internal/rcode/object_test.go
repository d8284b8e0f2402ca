package rcode

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/atom"
)

type fakeHost struct {
	obj *Object

	mu           sync.Mutex
	unregistered []*View
}

func newFakeHost(oid uint64) *fakeHost {
	o := NewGroupObject(DefaultGroupParams())
	o.SetOID(oid)
	return &fakeHost{obj: o}
}

func (h *fakeHost) HostObject() *Object { return h.obj }

func (h *fakeHost) UnregisterView(v *View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregistered = append(h.unregistered, v)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	h1, h2 := newFakeHost(1), newFakeHost(2)
	o := NewEntity(1)
	o.SetOID(10)
	require.True(t, o.AddView(NewView(SyncOnce, 0, 1, 1, h1, h1, o)))
	require.True(t, o.AddView(NewView(SyncOnce, 0, 1, 1, h2, h2, o)))
	require.False(t, o.AddView(NewView(SyncOnce, 0, 1, 1, h2, h2, o)), "one view per host")

	assert.False(t, o.Invalidate())
	assert.True(t, o.IsInvalidated())
	assert.True(t, o.Invalidate(), "second call reports already invalidated")

	assert.Len(t, h1.unregistered, 1)
	assert.Len(t, h2.unregistered, 1)
}

func TestReferenceCountReclaim(t *testing.T) {
	target := NewEntity(1)
	f := NewFact(target, 10, 20, 1, 1)
	assert.Equal(t, int64(1), target.RefCount(), "the fact owns its target")

	var reclaimed []*Object
	f.OnReclaim(func(o *Object) { reclaimed = append(reclaimed, o) })

	h := newFakeHost(1)
	v := NewView(SyncOnce, 0, 1, 1, h, h, f)
	require.True(t, f.AddView(v))
	assert.Equal(t, int64(1), f.RefCount())

	f.RemoveView(h)
	assert.True(t, f.IsInvalidated())
	assert.Equal(t, []*Object{f}, reclaimed)
	assert.Equal(t, int64(0), target.RefCount(), "releasing the fact releases its references")
}

func TestGetViewCreates(t *testing.T) {
	h := newFakeHost(3)
	o := NewEntity(1)
	assert.Nil(t, o.GetView(h, false))
	v := o.GetView(h, true)
	require.NotNil(t, v)
	assert.Same(t, v, o.GetView(h, false))
	assert.Equal(t, 1, o.ViewCount())
}

func TestMarkers(t *testing.T) {
	o := NewEntity(1)
	m1 := NewNotification(OpMkNew, o)
	m2 := NewNotification(OpMkLowRes, o)
	o.AddMarker(m1)
	o.AddMarker(m2)
	o.RemoveMarker(m1)
	assert.Equal(t, []*Object{m2}, o.Markers())

	var n int
	o.WithMarkers(func(ms []*Object) { n = len(ms) })
	assert.Equal(t, 1, n)
}

func TestFactLayout(t *testing.T) {
	e := NewEntity(1)
	f := NewFact(e, 1_000, 2_000, 0.5, 0.3)

	assert.True(t, IsFact(f))
	assert.False(t, IsAntiFact(f))
	assert.Same(t, e, FactTargetOf(f))
	after, before := FactTimings(f)
	assert.Equal(t, uint64(1_000), after)
	assert.Equal(t, uint64(2_000), before)
	assert.InDelta(t, 0.5, FactCfdOf(f), 1e-6)
	assert.InDelta(t, 0.3, f.PslnThr(), 1e-6)

	p := NewFactPattern(e, 0, 1)
	assert.Equal(t, atom.VL_PTR, p.At(FactAfter).Descriptor())
	assert.Equal(t, atom.WILDCARD, p.At(FactCfd).Descriptor())
}

func TestModelLayout(t *testing.T) {
	g := NewGroupObject(DefaultGroupParams())
	lhs := NewFactPattern(NewEntity(1), 0, 1)
	rhs := NewFactPattern(NewEntity(1), 2, 3)
	m := NewModel(ModelSpec{
		LHS: lhs, RHS: rhs,
		Fwd: []Guard{
			Assign(2, Call(OpAdd, Var(0), Time(100))),
			Assign(3, Var(1)),
		},
		OutGroups:   []*Object{g},
		SuccessRate: 1,
		Count:       1,
	})

	assert.Equal(t, atom.MODEL, m.Descriptor())
	assert.Equal(t, []*Object{lhs, rhs}, SetReferences(m, HlpObjs))
	assert.Equal(t, []*Object{g}, SetReferences(m, HlpOutGroups))
	assert.InDelta(t, 1.0, m.Float(MdlSR), 1e-6)

	guards := SetElements(m, HlpFwdGuards)
	require.Len(t, guards, 2)
	assert.Equal(t, atom.ASSIGN_PTR, guards[0].Descriptor())
	assert.Equal(t, uint8(2), guards[0].AsAssignedVariable())
	code := m.Code()
	assert.Equal(t, atom.OPERATOR, code[guards[0].AsIndex()].Descriptor())
	assert.Equal(t, OpAdd, code[guards[0].AsIndex()].AsOpcode())
	assert.Equal(t, atom.VL_PTR, code[guards[1].AsIndex()].Descriptor(), "leaf assignments get their own slot")
}

func TestGroupLayout(t *testing.T) {
	p := DefaultGroupParams()
	p.SlnThr = 0.4
	p.Upr = 5
	g := NewGroupObject(p)
	assert.Equal(t, atom.GROUP, g.Descriptor())
	assert.InDelta(t, 0.4, g.Float(GrpSlnThr), 1e-6)
	assert.InDelta(t, 5, g.Float(GrpUpr), 1e-6)
	assert.InDelta(t, 1, g.PslnThr(), 1e-6)
	assert.Empty(t, SetReferences(g, GrpNtfGrps))
}
