package core

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"replinet/internal/rcode"
)

// testClock is a manual clock, in microseconds.
type testClock struct{ now atomic.Uint64 }

func newTestClock(now uint64) *testClock {
	c := &testClock{}
	c.now.Store(now)
	return c
}

func (c *testClock) Now() uint64      { return c.now.Load() }
func (c *testClock) advance(d uint64) { c.now.Add(d) }
func (c *testClock) set(now uint64)   { c.now.Store(now) }

// testWorld assembles the minimal image a memory loads: a root group, the
// stdin and stdout groups and a self entity. Objects hosted before load get
// a view in the root group.
type testWorld struct {
	t       *testing.T
	clock   *testClock
	mem     *Mem
	rootObj *rcode.Object
	stdin   *rcode.Object
	stdout  *rcode.Object
	self    *rcode.Object
	objects []*rcode.Object
}

func newTestWorld(t *testing.T, now uint64) *testWorld {
	t.Helper()
	w := &testWorld{
		t:       t,
		clock:   newTestClock(now),
		rootObj: rcode.NewGroupObject(rcode.DefaultGroupParams()),
		stdin:   rcode.NewGroupObject(rcode.DefaultGroupParams()),
		stdout:  rcode.NewGroupObject(rcode.DefaultGroupParams()),
		self:    rcode.NewEntity(1),
	}
	w.objects = []*rcode.Object{w.rootObj, w.stdin, w.stdout, w.self}
	w.mem = New(DefaultSettings(), WithClock(w.clock))
	return w
}

// add includes objects in the image without hosting them.
func (w *testWorld) add(objs ...*rcode.Object) {
	w.objects = append(w.objects, objs...)
}

// host includes obj in the image with a root view of the given activation.
func (w *testWorld) host(obj *rcode.Object, act float64) *rcode.View {
	return w.hostIn(w.rootObj, obj, act)
}

func (w *testWorld) hostIn(group, obj *rcode.Object, act float64) *rcode.View {
	v := rcode.NewView(rcode.SyncOnce, 0, 1, rcode.InfiniteResilience, rcode.HostRef(group), rcode.HostRef(group), obj)
	v.Init(1, act, 1, rcode.InfiniteResilience)
	require.True(w.t, obj.AddView(v))
	w.add(obj)
	return v
}

func (w *testWorld) load() *Mem {
	w.t.Helper()
	for _, o := range w.objects {
		if o.OID() == 0 {
			o.SetOID(rcode.NextOID())
		}
	}
	require.NoError(w.t, w.mem.Load(w.objects, w.stdin.OID(), w.stdout.OID(), w.self.OID()))
	return w.mem
}

func (w *testWorld) root() *Group { return w.mem.Root() }

// inject hosts obj in the root group now.
func (w *testWorld) inject(obj *rcode.Object) {
	w.t.Helper()
	v := rcode.NewView(rcode.SyncOnce, w.clock.Now(), 1, 100, w.root(), w.root(), obj)
	require.NoError(w.t, w.mem.Inject(v))
}

// rootFacts returns the facts hosted by the root group whose target has op.
func (w *testWorld) rootFacts(op uint16) []*rcode.Object {
	var out []*rcode.Object
	for _, v := range w.root().Views() {
		if t := rcode.FactTargetOf(v.Object()); rcode.Is(t, op) {
			out = append(out, v.Object())
		}
	}
	return out
}

func TestLoadResolvesWellKnownObjects(t *testing.T) {
	w := newTestWorld(t, 1000)
	ent := rcode.NewEntity(1)
	w.host(ent, 0)
	m := w.load()

	require.NotNil(t, m.Root())
	assert.Same(t, w.rootObj, m.Root().Object())
	assert.Same(t, w.stdin, m.Stdin().Object())
	assert.Same(t, w.stdout, m.Stdout().Object())
	assert.Same(t, w.self, m.Self())
	assert.NotNil(t, m.Root().View(ent))
	assert.Same(t, ent, m.Object(ent.OID()))
	assert.Equal(t, 5, m.ObjectCount())
}

func TestLoadRejectsBadImages(t *testing.T) {
	grp := rcode.NewGroupObject(rcode.DefaultGroupParams())
	grp.SetOID(rcode.NextOID())
	ent := rcode.NewEntity(1)
	ent.SetOID(rcode.NextOID())

	err := New(DefaultSettings()).Load([]*rcode.Object{ent}, 0, 0, ent.OID())
	assert.True(t, errors.Is(err, ErrUnresolvedRoot), "no group at all")

	err = New(DefaultSettings()).Load([]*rcode.Object{grp, ent}, ent.OID(), grp.OID(), ent.OID())
	assert.True(t, errors.Is(err, ErrUnresolvedRoot), "stdin is not a group")

	err = New(DefaultSettings()).Load([]*rcode.Object{grp, ent, ent}, grp.OID(), grp.OID(), ent.OID())
	assert.Error(t, err, "duplicate OIDs")
}

func TestInjectRequiresLoad(t *testing.T) {
	m := New(DefaultSettings())
	v := rcode.NewView(rcode.SyncOnce, 0, 1, 1, nil, nil, rcode.NewEntity(1))
	assert.ErrorIs(t, m.Inject(v), ErrNotLoaded)
	_, err := m.Start()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestInjectRegistersAndHosts(t *testing.T) {
	w := newTestWorld(t, 1000)
	m := w.load()

	ent, attr := rcode.NewEntity(1), rcode.NewOntology(1)
	fact := rcode.NewFact(valueOf(ent, attr, 1), 1000, 2000, 1, 1)
	w.inject(fact)

	require.True(t, fact.IsRegistered())
	assert.True(t, ent.IsRegistered(), "references are registered with the object")
	assert.NotNil(t, m.Root().View(fact))

	other := newTestWorld(t, 1000).load()
	stray := rcode.NewView(rcode.SyncOnce, 0, 1, 1, other.Root(), other.Root(), rcode.NewEntity(1))
	assert.ErrorIs(t, m.Inject(stray), ErrUnknownHost)
}

func TestInjectDelaysFutureViews(t *testing.T) {
	w := newTestWorld(t, 1000)
	m := w.load()

	ent := rcode.NewEntity(1)
	v := rcode.NewView(rcode.SyncOnce, 5000, 1, 10, m.Root(), m.Root(), ent)
	require.NoError(t, m.Inject(v))
	m.drain()
	assert.Nil(t, m.Root().View(ent), "not before its injection time")

	w.clock.set(5000)
	m.drain()
	assert.NotNil(t, m.Root().View(ent))
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newTestWorld(t, 1000)
	m := w.load()

	ref, err := m.Start()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), ref)
	assert.Equal(t, ref, m.TimeReference())

	_, err = m.Start()
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.ErrorIs(t, m.Load(nil, 0, 0, 0), ErrAlreadyStarted)

	m.Stop()
	m.Stop()
}

func TestTuneKeepsPoolSizes(t *testing.T) {
	m := New(DefaultSettings())
	s := DefaultSettings()
	s.MdlInertiaSRThr = 0.5
	s.ReductionCores = 99
	m.Tune(s)

	got := m.Settings()
	assert.Equal(t, 0.5, got.MdlInertiaSRThr)
	assert.Equal(t, DefaultSettings().ReductionCores, got.ReductionCores)
}
