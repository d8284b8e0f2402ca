package rcode

import (
	"fmt"
	"sync"
)

// SyncMode tells a group how a view re-enters the newly-salient set.
type SyncMode uint8

const (
	// SyncOnce views are reduced once, on the cycle they become salient.
	SyncOnce SyncMode = iota
	// SyncPeriodic views are re-reduced each time they cross the threshold.
	SyncPeriodic
	// SyncHold views are re-injected with a fresh ijt every cycle they stay salient.
	SyncHold
	// SyncAxiom behaves like SyncHold and marks ground truth.
	SyncAxiom
	// SyncOnceAxiom behaves like SyncOnce and marks ground truth.
	SyncOnceAxiom
)

func (s SyncMode) String() string {
	switch s {
	case SyncOnce:
		return "once"
	case SyncPeriodic:
		return "periodic"
	case SyncHold:
		return "hold"
	case SyncAxiom:
		return "axiom"
	case SyncOnceAxiom:
		return "once_axiom"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// InfiniteResilience never decays.
const InfiniteResilience = -1

// Controller is the view-attached reactive unit. Only the lifecycle surface is
// needed at this level.
type Controller interface {
	Invalidate()
	IsInvalidated() bool
}

// View binds an object into a host with control values. Control values are
// written through Mod*/Set* accumulators and applied by the Update* methods,
// which the host group calls once per update cycle.
type View struct {
	mu sync.Mutex

	object *Object
	host   Host
	origin Host

	sync         SyncMode
	ijt          uint64
	sln          float64
	act          float64
	vis          float64
	res          float64
	cov          bool
	notification bool

	controller Controller

	accSln, accAct, accVis, accRes             float64
	slnChanges, actChanges, visChanges, resChg int

	periodsAtHighSln, periodsAtLowSln int
	periodsAtHighAct, periodsAtLowAct int

	initialSln, initialAct float64
}

// NewView builds a view of obj held by host. Activation and visibility start at 0.
func NewView(sync SyncMode, ijt uint64, sln, res float64, host, origin Host, obj *Object) *View {
	return &View{
		object:     obj,
		host:       host,
		origin:     origin,
		sync:       sync,
		ijt:        ijt,
		sln:        sln,
		res:        res,
		initialSln: sln,
	}
}

// NewNotificationView builds the view notification markers are injected with.
func NewNotificationView(host, origin Host, obj *Object, res float64) *View {
	v := NewView(SyncOnce, 0, 1, res, host, origin, obj)
	v.notification = true
	return v
}

// Copy returns a detached copy of the values, without controller or accumulators.
func (v *View) Copy() *View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return &View{
		object:       v.object,
		host:         v.host,
		origin:       v.origin,
		sync:         v.sync,
		ijt:          v.ijt,
		sln:          v.sln,
		act:          v.act,
		vis:          v.vis,
		res:          v.res,
		cov:          v.cov,
		notification: v.notification,
		initialSln:   v.sln,
		initialAct:   v.act,
	}
}

func (v *View) Object() *Object { return v.object }
func (v *View) Host() Host      { return v.host }
func (v *View) Origin() Host    { return v.origin }

// Rehost moves a detached copy to another host.
func (v *View) Rehost(host Host) {
	v.mu.Lock()
	v.host = host
	v.mu.Unlock()
}

func (v *View) IsNotification() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.notification
}

func (v *View) Sync() SyncMode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sync
}

func (v *View) SetSync(s SyncMode) {
	v.mu.Lock()
	v.sync = s
	v.mu.Unlock()
}

func (v *View) IJT() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ijt
}

func (v *View) SetIJT(t uint64) {
	v.mu.Lock()
	v.ijt = t
	v.mu.Unlock()
}

func (v *View) Sln() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sln
}

func (v *View) Act() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.act
}

func (v *View) Vis() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vis
}

func (v *View) Res() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.res
}

func (v *View) Cov() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cov
}

func (v *View) SetCov(cov bool) {
	v.mu.Lock()
	v.cov = cov
	v.mu.Unlock()
}

// Init overwrites the raw values. Used on unpublished views only.
func (v *View) Init(sln, act, vis, res float64) {
	v.mu.Lock()
	v.sln, v.act, v.vis, v.res = sln, act, vis, res
	v.initialSln, v.initialAct = sln, act
	v.mu.Unlock()
}

func (v *View) Controller() Controller {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.controller
}

func (v *View) SetController(c Controller) {
	v.mu.Lock()
	v.controller = c
	v.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Accumulators
// ----------------------------------------------------------------------------

func (v *View) ModSln(d float64) {
	v.mu.Lock()
	v.accSln += d
	v.slnChanges++
	v.mu.Unlock()
}

func (v *View) SetSln(x float64) {
	v.mu.Lock()
	v.accSln += x - v.sln
	v.slnChanges++
	v.mu.Unlock()
}

func (v *View) ModAct(d float64) {
	v.mu.Lock()
	v.accAct += d
	v.actChanges++
	v.mu.Unlock()
}

func (v *View) SetAct(x float64) {
	v.mu.Lock()
	v.accAct += x - v.act
	v.actChanges++
	v.mu.Unlock()
}

func (v *View) ModVis(d float64) {
	v.mu.Lock()
	v.accVis += d
	v.visChanges++
	v.mu.Unlock()
}

func (v *View) SetVis(x float64) {
	v.mu.Lock()
	v.accVis += x - v.vis
	v.visChanges++
	v.mu.Unlock()
}

func (v *View) ModRes(d float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.res == InfiniteResilience {
		return
	}
	v.accRes += d
	v.resChg++
}

func (v *View) SetRes(x float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.res == InfiniteResilience {
		return
	}
	v.accRes += x - v.res
	v.resChg++
}

// ForceRes bypasses the accumulator.
func (v *View) ForceRes(x float64) {
	v.mu.Lock()
	v.res = x
	v.accRes = 0
	v.resChg = 0
	v.mu.Unlock()
}

// ----------------------------------------------------------------------------
// Per-cycle updates
// ----------------------------------------------------------------------------

func average(cur, acc float64, changes int) (float64, bool) {
	if changes == 0 || acc == 0 {
		return cur, false
	}
	return cur + acc/float64(changes), true
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// UpdateRes applies pending resilience changes, then consumes one period.
// Infinite resilience is returned unchanged.
func (v *View) UpdateRes() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.res == InfiniteResilience {
		return v.res
	}
	r, _ := average(v.res, v.accRes, v.resChg)
	r--
	if r < 0 {
		r = 0
	}
	v.res = r
	v.accRes, v.resChg = 0, 0
	return r
}

// UpdateSln applies pending salience changes and advances the high/low
// period counters against the given thresholds.
func (v *View) UpdateSln(low, high float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := average(v.sln, v.accSln, v.slnChanges); ok {
		v.sln = clamp01(s)
	}
	v.accSln, v.slnChanges = 0, 0
	if v.sln > high {
		v.periodsAtHighSln++
	} else {
		v.periodsAtHighSln = 0
	}
	if v.sln < low {
		v.periodsAtLowSln++
	} else {
		v.periodsAtLowSln = 0
	}
	return v.sln
}

// UpdateAct is UpdateSln for activation.
func (v *View) UpdateAct(low, high float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if a, ok := average(v.act, v.accAct, v.actChanges); ok {
		v.act = clamp01(a)
	}
	v.accAct, v.actChanges = 0, 0
	if v.act > high {
		v.periodsAtHighAct++
	} else {
		v.periodsAtHighAct = 0
	}
	if v.act < low {
		v.periodsAtLowAct++
	} else {
		v.periodsAtLowAct = 0
	}
	return v.act
}

// UpdateVis applies pending visibility changes.
func (v *View) UpdateVis() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if x, ok := average(v.vis, v.accVis, v.visChanges); ok {
		v.vis = clamp01(x)
	}
	v.accVis, v.visChanges = 0, 0
	return v.vis
}

// UpdateSlnDelta returns the salience change since the previous call.
func (v *View) UpdateSlnDelta() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.sln - v.initialSln
	v.initialSln = v.sln
	return d
}

// UpdateActDelta returns the activation change since the previous call.
func (v *View) UpdateActDelta() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.act - v.initialAct
	v.initialAct = v.act
	return d
}

func (v *View) PeriodsAtHighSln() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.periodsAtHighSln
}

func (v *View) PeriodsAtLowSln() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.periodsAtLowSln
}

func (v *View) PeriodsAtHighAct() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.periodsAtHighAct
}

func (v *View) PeriodsAtLowAct() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.periodsAtLowAct
}

// ClearSlnPeriods restarts both salience period counters.
func (v *View) ClearSlnPeriods() {
	v.mu.Lock()
	v.periodsAtHighSln, v.periodsAtLowSln = 0, 0
	v.mu.Unlock()
}

// ClearActPeriods restarts both activation period counters.
func (v *View) ClearActPeriods() {
	v.mu.Lock()
	v.periodsAtHighAct, v.periodsAtLowAct = 0, 0
	v.mu.Unlock()
}
