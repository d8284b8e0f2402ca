package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/rcode"
)

func TestClampMember(t *testing.T) {
	tests := []struct {
		name   string
		member int
		in     float64
		want   float64
	}{
		{"threshold above one", rcode.GrpSlnThr, 1.5, 1},
		{"threshold below zero", rcode.GrpActThr, -0.2, 0},
		{"decay percentage", rcode.GrpDcyPer, -3, -1},
		{"binary rounds up", rcode.GrpNtfNew, 0.7, 1},
		{"binary rounds down", rcode.GrpDcyAuto, 0.3, 0},
		{"periods are unbounded", rcode.GrpUpr, 40, 40},
		{"periods stay positive", rcode.GrpDcyPrd, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampMember(tt.member, tt.in))
		})
	}
	assert.True(t, math.IsInf(func() float64 { _, hi, _ := memberDomain(rcode.GrpLowResThr); return hi }(), 1))
}

func TestGroupControlValuesAreAveraged(t *testing.T) {
	w := newTestWorld(t, 1000)
	w.load()
	g := w.root()

	g.Mod(rcode.GrpSlnThr, 0.2)
	g.Mod(rcode.GrpSlnThr, 0.6)
	g.Set(rcode.GrpActThr, 0.5)
	g.Set(rcode.GrpActThr, 0.1)
	assert.Zero(t, g.slnThr(), "held until the next update")

	g.applyControlValues()
	assert.InDelta(t, 0.4, g.slnThr(), 1e-5)
	assert.InDelta(t, 0.3, g.actThr(), 1e-5)

	g.applyControlValues()
	assert.InDelta(t, 0.4, g.slnThr(), 1e-5, "deltas are consumed once")
}

func TestGroupPlainMembersWriteThrough(t *testing.T) {
	w := newTestWorld(t, 1000)
	w.load()
	g := w.root()

	g.Mod(rcode.GrpDcyPer, -3)
	assert.InDelta(t, -1, g.Member(rcode.GrpDcyPer), 1e-5)
	g.Set(rcode.GrpNtfNew, 0.7)
	assert.True(t, g.ntfNew())
	assert.NotPanics(t, func() {
		g.Set(rcode.GrpNtfGrps, 1)
		g.Mod(0, 1)
	}, "out of range members are ignored")
}

func TestGroupUpdateExpiresViews(t *testing.T) {
	w := newTestWorld(t, 1000)
	m := w.load()
	g := w.root()

	ent := rcode.NewEntity(1)
	require.NoError(t, m.Inject(rcode.NewView(rcode.SyncOnce, 1000, 1, 2, g, g, ent)))
	m.drain()
	require.NotNil(t, g.View(ent))

	g.update(1000)
	v := g.View(ent)
	require.NotNil(t, v)
	assert.InDelta(t, 1, v.Res(), 1e-5)

	g.update(1000)
	assert.Nil(t, g.View(ent), "no resilience left")
}

func TestMorphChange(t *testing.T) {
	assert.InDelta(t, 0.2, morphChange(0.4, 0.5, 0.25), 1e-9)
	assert.Equal(t, 0.4, morphChange(0.4, 0, 0.25))
}

func TestLockedReleasesOnPanic(t *testing.T) {
	w := newTestWorld(t, 1000)
	w.load()
	g := w.root()

	var ran bool
	assert.Panics(t, func() {
		g.locked(func() {
			g.after(func() { ran = true })
			panic("boom")
		})
	})
	assert.False(t, ran, "deferred work is dropped with the panic")
	require.True(t, g.mu.TryLock(), "the lock was released")
	g.mu.Unlock()
	assert.Empty(t, g.deferred)

	g.locked(func() {
		g.after(func() {
			ok := g.mu.TryLock()
			assert.True(t, ok, "deferred work runs unlocked")
			if ok {
				g.mu.Unlock()
			}
			ran = true
		})
	})
	assert.True(t, ran)
}

func TestSalienceCrossingsTriggerOnce(t *testing.T) {
	w := newTestWorld(t, 1000)
	w.rootObj.SetFloat(rcode.GrpSlnThr, 0.5)
	ent := rcode.NewEntity(1)
	w.host(ent, 0)
	w.load()
	g := w.root()
	v := g.View(ent)
	require.NotNil(t, v)

	steps := []struct {
		sln      float64
		triggers bool
	}{
		{0.2, false},
		{0.8, true},
		{0.8, false},
		{0.9, false},
		{0.1, false},
		{0.7, true},
	}
	for i, s := range steps {
		v.SetSln(s.sln)
		g.update(1000)
		if s.triggers {
			assert.Equal(t, []*rcode.View{v}, g.newlySalient, "step %d", i)
		} else {
			assert.Empty(t, g.newlySalient, "step %d", i)
		}
	}
}

func TestHeldViewsTriggerEveryCycle(t *testing.T) {
	w := newTestWorld(t, 1000)
	w.rootObj.SetFloat(rcode.GrpSlnThr, 0.5)
	ent := rcode.NewEntity(1)
	held := rcode.NewView(rcode.SyncHold, 0, 1, rcode.InfiniteResilience,
		rcode.HostRef(w.rootObj), rcode.HostRef(w.rootObj), ent)
	held.Init(0.8, 0, 1, rcode.InfiniteResilience)
	require.True(t, ent.AddView(held))
	w.add(ent)
	w.load()
	g := w.root()
	v := g.View(ent)
	require.NotNil(t, v)

	for i := 0; i < 3; i++ {
		w.clock.advance(10)
		g.update(w.clock.Now())
		assert.Equal(t, []*rcode.View{v}, g.newlySalient, "cycle %d", i)
		assert.Equal(t, w.clock.Now(), v.IJT(), "held views are re-injected now")
	}
}

// viewedWorld hosts a child group in the root with the given cov flag and a
// root program turning (mk.val ent a v0) into (mk.val ent c v0).
func viewedWorld(t *testing.T, cov bool) (w *testWorld, child *Group, ent, a, c *rcode.Object) {
	ent, a, c = rcode.NewEntity(1), rcode.NewOntology(1), rcode.NewOntology(1)
	w = newTestWorld(t, 1000)
	childObj := rcode.NewGroupObject(rcode.DefaultGroupParams())
	w.host(childObj, 0).SetCov(cov)
	w.host(instantiate(rcode.PlainProgram, injectingProgram(w, valuePattern(ent, c, 0), valuePattern(ent, a, 0)), 0, true), 1)
	w.load()
	child = w.mem.groupOf(childObj)
	require.NotNil(t, child)
	return w, child, ent, a, c
}

func TestViewingGroupRegistration(t *testing.T) {
	for _, cov := range []bool{false, true} {
		w, child, _, _, _ := viewedWorld(t, cov)
		assert.Equal(t, map[*Group]bool{w.root(): cov}, child.ViewingGroups())
		assert.Empty(t, w.root().ViewingGroups())
	}
}

func TestViewingGroupCopiesOnCov(t *testing.T) {
	w, child, ent, a, c := viewedWorld(t, true)
	input := valueOf(ent, a, 3)
	require.NoError(t, w.mem.Inject(rcode.NewView(rcode.SyncOnce, 1000, 1, 100, child, child, input)))
	w.mem.drain()

	cp := w.root().View(input)
	require.NotNil(t, cp, "a cov viewer hosts a copy")
	assert.True(t, cp.Cov())
	assert.Equal(t, []float64{3}, valuesIn(w.root(), ent, c), "the copy reached the viewer's programs")
}

func TestViewingGroupFansOutWithoutCov(t *testing.T) {
	w, child, ent, a, c := viewedWorld(t, false)
	input := valueOf(ent, a, 3)
	require.NoError(t, w.mem.Inject(rcode.NewView(rcode.SyncOnce, 1000, 1, 100, child, child, input)))
	w.mem.drain()

	assert.Nil(t, w.root().View(input), "no copy without cov")
	assert.Equal(t, []float64{3}, valuesIn(w.root(), ent, c), "the viewer's programs saw the input")
}
