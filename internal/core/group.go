package core

import (
	"math"
	"sync"
	"sync/atomic"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

// viewKind partitions the views a group hosts.
type viewKind uint8

const (
	kindObject viewKind = iota
	kindNotification
	kindGroup
	kindProgram
	kindAntiProgram
	kindInputLessProgram
	kindHLP
	numViewKinds
)

func kindOf(v *rcode.View) viewKind {
	if v.IsNotification() {
		return kindNotification
	}
	switch v.Object().Descriptor() {
	case atom.GROUP:
		return kindGroup
	case atom.INSTANTIATED_PROGRAM, atom.NULL_PROGRAM:
		return kindProgram
	case atom.INSTANTIATED_ANTI_PROGRAM:
		return kindAntiProgram
	case atom.INSTANTIATED_INPUT_LESS_PROGRAM:
		return kindInputLessProgram
	case atom.MODEL, atom.COMPOSITE_STATE:
		return kindHLP
	}
	return kindObject
}

func (k viewKind) reducible() bool {
	return k == kindProgram || k == kindAntiProgram || k == kindInputLessProgram || k == kindHLP
}

// controlValue accumulates concurrent mod/set calls on a group member until
// the next update averages them.
type controlValue struct {
	acc     float64
	changes int
}

// averagedMembers are the members whose writes are merged once per cycle.
var averagedMembers = map[int]int{
	rcode.GrpSlnThr:  0,
	rcode.GrpActThr:  1,
	rcode.GrpVisThr:  2,
	rcode.GrpCSln:    3,
	rcode.GrpCSlnThr: 4,
	rcode.GrpCAct:    5,
	rcode.GrpCActThr: 6,
}

// Group hosts views and runs their periodic update. A group is itself an
// object; its members live in its code.
type Group struct {
	mem *Mem
	obj *rcode.Object

	// mu serializes the update cycle and every change to the partitions.
	// No other group lock is ever taken while mu is held: cross-group work
	// is queued in deferred and run after unlock.
	mu            sync.Mutex
	partitions    [numViewKinds]map[uint64]*rcode.View
	viewingGroups map[*Group]bool
	newlySalient  []*rcode.View
	newCtrls      []Controller
	deferred      []func()

	// accMu guards the control values and the pending operations, so
	// producers never wait for an update cycle to finish.
	accMu   sync.Mutex
	control [7]controlValue
	pending []func()

	decayPeriodsToGo int
	decayPerPeriod   float64
	decayTarget      float64
	slnDecay         float64
	slnThrDecay      float64

	slnChgPeriodsToGo int
	actChgPeriodsToGo int

	slnStats, actStats stats

	cActive  atomic.Bool
	cSalient atomic.Bool

	secondary   atomic.Pointer[Group]
	primary     atomic.Pointer[Group]
	isSecondary atomic.Bool
}

type stats struct {
	sum     float64
	high    float64
	low     float64
	updates int
}

func (s *stats) reset() { *s = stats{low: 1} }

func (s *stats) add(x float64) {
	s.sum += x
	if x > s.high {
		s.high = x
	}
	if x < s.low {
		s.low = x
	}
	s.updates++
}

func newGroup(m *Mem, obj *rcode.Object) *Group {
	g := &Group{mem: m, obj: obj, viewingGroups: make(map[*Group]bool)}
	for i := range g.partitions {
		g.partitions[i] = make(map[uint64]*rcode.View)
	}
	g.slnStats.reset()
	g.actStats.reset()
	g.resetDecay()
	g.slnChgPeriodsToGo = -1
	g.actChgPeriodsToGo = -1
	g.cActive.Store(g.cAct() > g.cActThr())
	g.cSalient.Store(g.cSln() > g.cSlnThr())
	return g
}

// HostObject implements rcode.Host.
func (g *Group) HostObject() *rcode.Object { return g.obj }

// Object returns the group object.
func (g *Group) Object() *rcode.Object { return g.obj }

// OID is the group object's identifier.
func (g *Group) OID() uint64 { return g.obj.OID() }

func (g *Group) IsInvalidated() bool { return g.obj.IsInvalidated() }

// CActive reports whether the group was control-active at its last update.
func (g *Group) CActive() bool { return g.cActive.Load() }

// CSalient reports whether the group was control-salient at its last update.
func (g *Group) CSalient() bool { return g.cSalient.Load() }

func (g *Group) isRoot() bool { return g == g.mem.root }

// locked runs fn under the group lock, then the work fn deferred.
func (g *Group) locked(fn func()) {
	for _, f := range g.underLock(fn) {
		f()
	}
}

// underLock runs fn with g.mu held and hands back the work it deferred. The
// lock is released on every exit path, panics included.
func (g *Group) underLock(fn func()) (deferred []func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() {
		deferred = g.deferred
		g.deferred = nil
	}()
	fn()
	return nil
}

// after queues f to run once the group lock is released. Requires g.mu.
func (g *Group) after(f func()) { g.deferred = append(g.deferred, f) }

// =============================================================================
// Members
// =============================================================================

func (g *Group) get(member int) float64 { return g.obj.Float(member) }

func (g *Group) upr() float64        { return g.get(rcode.GrpUpr) }
func (g *Group) slnThr() float64     { return g.get(rcode.GrpSlnThr) }
func (g *Group) actThr() float64     { return g.get(rcode.GrpActThr) }
func (g *Group) visThr() float64     { return g.get(rcode.GrpVisThr) }
func (g *Group) cSln() float64       { return g.get(rcode.GrpCSln) }
func (g *Group) cSlnThr() float64    { return g.get(rcode.GrpCSlnThr) }
func (g *Group) cAct() float64       { return g.get(rcode.GrpCAct) }
func (g *Group) cActThr() float64    { return g.get(rcode.GrpCActThr) }
func (g *Group) lowSlnThr() float64  { return g.get(rcode.GrpLowSlnThr) }
func (g *Group) highSlnThr() float64 { return g.get(rcode.GrpHighSlnThr) }
func (g *Group) lowActThr() float64  { return g.get(rcode.GrpLowActThr) }
func (g *Group) highActThr() float64 { return g.get(rcode.GrpHighActThr) }
func (g *Group) lowResThr() float64  { return g.get(rcode.GrpLowResThr) }
func (g *Group) ntfNew() bool        { return g.get(rcode.GrpNtfNew) == 1 }

// Member returns the current value of a group member.
func (g *Group) Member(member int) float64 { return g.get(member) }

// memberDomain returns the range a member is clamped to, and whether it
// only takes the values 0 and 1.
func memberDomain(member int) (lo, hi float64, binary bool) {
	switch member {
	case rcode.GrpUpr, rcode.GrpDcyPrd, rcode.GrpSlnChgPrd, rcode.GrpActChgPrd,
		rcode.GrpSlnNtfPrd, rcode.GrpActNtfPrd, rcode.GrpLowResThr:
		return 0, math.Inf(1), false
	case rcode.GrpDcyPer:
		return -1, 1, false
	case rcode.GrpDcyTgt, rcode.GrpDcyAuto, rcode.GrpNtfNew:
		return 0, 1, true
	}
	return 0, 1, false
}

func clampMember(member int, v float64) float64 {
	lo, hi, binary := memberDomain(member)
	if binary {
		if v >= 0.5 {
			return 1
		}
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// Mod adds d to a member. Control values are merged at the next update by
// averaging every delta received since the previous one; other members are
// clamped to their domain and written at once.
func (g *Group) Mod(member int, d float64) {
	if i, ok := averagedMembers[member]; ok {
		g.accMu.Lock()
		g.control[i].acc += d
		g.control[i].changes++
		g.accMu.Unlock()
		return
	}
	if member <= 0 || member >= rcode.GrpNtfGrps {
		return
	}
	g.obj.PatchCode(func(code []atom.Atom) {
		code[member] = atom.Float64(clampMember(member, float64(code[member].AsFloat())+d))
	})
}

// Set writes a member. For control values it is a mod by the difference to
// the current value.
func (g *Group) Set(member int, v float64) {
	if i, ok := averagedMembers[member]; ok {
		g.accMu.Lock()
		g.control[i].acc += v - g.get(member)
		g.control[i].changes++
		g.accMu.Unlock()
		return
	}
	if member <= 0 || member >= rcode.GrpNtfGrps {
		return
	}
	g.obj.PatchCode(func(code []atom.Atom) {
		code[member] = atom.Float64(clampMember(member, v))
	})
}

// applyControlValues merges the pending deltas of every control value.
func (g *Group) applyControlValues() {
	g.accMu.Lock()
	cvs := g.control
	g.control = [7]controlValue{}
	g.accMu.Unlock()
	g.obj.PatchCode(func(code []atom.Atom) {
		for member, i := range averagedMembers {
			cv := cvs[i]
			if cv.changes == 0 || cv.acc == 0 {
				continue
			}
			cur := float64(code[member].AsFloat())
			code[member] = atom.Float64(clampMember(member, cur+cv.acc/float64(cv.changes)))
		}
	})
}

// addPending queues an operation for the start of the next update.
func (g *Group) addPending(op func()) {
	g.accMu.Lock()
	g.pending = append(g.pending, op)
	g.accMu.Unlock()
}

func (g *Group) takePending() []func() {
	g.accMu.Lock()
	defer g.accMu.Unlock()
	p := g.pending
	g.pending = nil
	return p
}

// =============================================================================
// Views
// =============================================================================

// View returns the view of obj hosted by g, or nil.
func (g *Group) View(obj *rcode.Object) *rcode.View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.viewOf(obj.OID())
}

func (g *Group) viewOf(oid uint64) *rcode.View {
	for _, p := range g.partitions {
		if v, ok := p[oid]; ok {
			return v
		}
	}
	return nil
}

// Views returns a copy of every view the group hosts.
func (g *Group) Views() []*rcode.View {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*rcode.View
	for _, p := range g.partitions {
		for _, v := range p {
			out = append(out, v)
		}
	}
	return out
}

// ViewCount is the number of hosted views.
func (g *Group) ViewCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, p := range g.partitions {
		n += len(p)
	}
	return n
}

func (g *Group) addView(v *rcode.View) {
	g.partitions[kindOf(v)][v.Object().OID()] = v
}

// UnregisterView implements rcode.Host. It is called by an invalidating
// object, never with g.mu held.
func (g *Group) UnregisterView(v *rcode.View) {
	g.locked(func() { g.removeView(v) })
}

// removeView drops v from the partitions and retires what hangs off it.
// Requires g.mu.
func (g *Group) removeView(v *rcode.View) {
	oid := v.Object().OID()
	k := kindOf(v)
	if cur, ok := g.partitions[k][oid]; !ok || cur != v {
		return
	}
	delete(g.partitions[k], oid)
	if c := v.Controller(); c != nil {
		c.Invalidate()
	}
	if k == kindGroup {
		if other := g.mem.groupOf(v.Object()); other != nil {
			g.after(func() { other.unsetViewing(g) })
		}
	}
	obj := v.Object()
	g.after(func() { obj.RemoveView(g) })
}

// =============================================================================
// Viewing groups
// =============================================================================

func (g *Group) setViewing(viewer *Group, cov bool) {
	g.locked(func() { g.viewingGroups[viewer] = cov })
}

func (g *Group) unsetViewing(viewer *Group) {
	g.locked(func() { delete(g.viewingGroups, viewer) })
}

// ViewingGroups returns the groups currently viewing g with their cov flag.
func (g *Group) ViewingGroups() map[*Group]bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[*Group]bool, len(g.viewingGroups))
	for vg, cov := range g.viewingGroups {
		out[vg] = cov
	}
	return out
}

// notificationGroups resolves the ntf_grps member.
func (g *Group) notificationGroups() []*Group {
	var out []*Group
	for _, o := range rcode.SetReferences(g.obj, rcode.GrpNtfGrps) {
		if ng := g.mem.groupOf(o); ng != nil && !ng.IsInvalidated() {
			out = append(out, ng)
		}
	}
	return out
}

// notify injects a notification marker into every notification group.
// Requires g.mu; the injection itself is deferred.
func (g *Group) notify(mk *rcode.Object) {
	g.after(func() { g.publish(mk) })
}

// publish injects mk into every notification group of g at once. It must be
// called without g.mu held.
func (g *Group) publish(mk *rcode.Object) {
	res := g.mem.cfg().NotificationResilience
	for _, ng := range g.notificationGroups() {
		g.mem.injectNotification(rcode.NewNotificationView(ng, g, mk, res))
	}
}

// Secondary returns the group paired as secondary of g, or nil.
func (g *Group) Secondary() *Group { return g.secondary.Load() }

// Primary returns the group g is the secondary of, or nil.
func (g *Group) Primary() *Group { return g.primary.Load() }

// IsSecondary reports whether g is the secondary group of a pair.
func (g *Group) IsSecondary() bool { return g.isSecondary.Load() }

// isActiveController reports whether v's controller should receive inputs.
// Requires the group's cached control state.
func (g *Group) isActiveController(v *rcode.View) bool {
	return v.Act() > g.actThr() && g.cActive.Load() && g.cSalient.Load()
}
