// Package core is the object-memory runtime: groups hosting views, the time
// and reduction cores, program controllers and the model chaining engine.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"replinet/internal/atom"
	"replinet/internal/logging"
	"replinet/internal/rcode"
)

var (
	// ErrNotLoaded is returned when the memory is used before Load.
	ErrNotLoaded = errors.New("memory not loaded")
	// ErrAlreadyStarted is returned by Load and Start on a running memory.
	ErrAlreadyStarted = errors.New("memory already started")
	// ErrUnresolvedRoot is returned by Load when a well-known object is missing.
	ErrUnresolvedRoot = errors.New("unresolved root object")
	// ErrUnknownHost is returned by Inject when the view's host is not a group
	// of this memory.
	ErrUnknownHost = errors.New("view host is not a group of this memory")
)

// Ejector receives the commands produced by programs, keyed by the function
// opcode of the command.
type Ejector func(cmd *rcode.Object, function uint16)

// Option configures a Mem.
type Option func(*Mem)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Mem) { m.clock = c }
}

// WithEjector installs the command egress.
func WithEjector(e Ejector) Option {
	return func(m *Mem) { m.ejector.Store(&e) }
}

// Mem is the handle every component is threaded with: it owns the object
// registry, the groups and both worker pools.
type Mem struct {
	settings atomic.Pointer[Settings]
	clock    Clock

	jobs       *timeJobQueue
	reductions *reductionQueue

	mu      sync.RWMutex
	objects map[uint64]*rcode.Object
	groups  map[*rcode.Object]*Group
	reqs    map[*rcode.Object]*requirementCount
	root    *Group
	stdin   *Group
	stdout  *Group
	self    *rcode.Object

	// regMu serializes the registration of new objects.
	regMu sync.Mutex

	runMu   sync.Mutex
	loaded  atomic.Bool
	primed  atomic.Bool
	started bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
	timeRef atomic.Uint64

	ejector atomic.Pointer[Ejector]
}

// New returns an empty memory.
func New(s Settings, opts ...Option) *Mem {
	m := &Mem{
		clock:      systemClock{},
		jobs:       newTimeJobQueue(),
		reductions: newReductionQueue(),
		objects:    make(map[uint64]*rcode.Object),
		groups:     make(map[*rcode.Object]*Group),
		reqs:       make(map[*rcode.Object]*requirementCount),
	}
	m.settings.Store(&s)
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now is the current time in microseconds.
func (m *Mem) Now() uint64 { return m.clock.Now() }

// Settings returns the runtime tunables.
func (m *Mem) Settings() Settings { return *m.cfg() }

func (m *Mem) cfg() *Settings { return m.settings.Load() }

// Tune replaces the tunables of a live memory. Pool sizes only change on the
// next start of a fresh memory and are kept.
func (m *Mem) Tune(s Settings) {
	cur := m.cfg()
	s.ReductionCores, s.TimeCores = cur.ReductionCores, cur.TimeCores
	m.settings.Store(&s)
	logging.Mem("tunables updated (sr thr %.2f, cnt thr %.0f, primary thz %dus)",
		s.MdlInertiaSRThr, s.MdlInertiaCntThr, s.PrimaryTHZ)
}

// TimeReference is the time origin returned by Start.
func (m *Mem) TimeReference() uint64 { return m.timeRef.Load() }

func (m *Mem) Root() *Group        { return m.root }
func (m *Mem) Stdin() *Group       { return m.stdin }
func (m *Mem) Stdout() *Group      { return m.stdout }
func (m *Mem) Self() *rcode.Object { return m.self }

// Group returns the group whose object is o, or nil.
func (m *Mem) Group(o *rcode.Object) *Group { return m.groupOf(o) }

func (m *Mem) groupOf(o *rcode.Object) *Group {
	if o == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[o]
}

// Object looks an object up by OID.
func (m *Mem) Object(oid uint64) *rcode.Object {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[oid]
}

// ObjectCount is the number of registered objects.
func (m *Mem) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Mem) allGroups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}

// SetEjector installs the command egress.
func (m *Mem) SetEjector(e Ejector) { m.ejector.Store(&e) }

// eject routes a command to the egress, synchronously.
func (m *Mem) eject(cmd *rcode.Object) {
	fn := cmd.At(rcode.CmdFunction).AsOpcode()
	e := m.ejector.Load()
	if e == nil || *e == nil {
		logging.MemDebug("no ejector installed, dropping command %d", fn)
		return
	}
	(*e)(cmd, fn)
}

// =============================================================================
// Load / Start / Stop
// =============================================================================

// Load installs a set of objects. The root group is the first group in the
// slice; stdin and stdout must be groups of the set and self any of its
// objects. Nothing is installed unless every check passes.
func (m *Mem) Load(objects []*rcode.Object, stdinOID, stdoutOID, selfOID uint64) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if m.loaded.Load() {
		return fmt.Errorf("load: memory already loaded")
	}

	byOID := make(map[uint64]*rcode.Object, len(objects))
	var rootObj *rcode.Object
	for _, o := range objects {
		if o == nil {
			continue
		}
		if oid := o.OID(); oid != 0 {
			if _, dup := byOID[oid]; dup {
				return fmt.Errorf("load: duplicate object %d", oid)
			}
			byOID[oid] = o
		}
		if rootObj == nil && o.Descriptor() == atom.GROUP {
			rootObj = o
		}
	}
	if rootObj == nil {
		return fmt.Errorf("load: no root group: %w", ErrUnresolvedRoot)
	}
	isGroup := func(o *rcode.Object) bool { return o != nil && o.Descriptor() == atom.GROUP }
	if !isGroup(byOID[stdinOID]) {
		return fmt.Errorf("load: stdin %d: %w", stdinOID, ErrUnresolvedRoot)
	}
	if !isGroup(byOID[stdoutOID]) {
		return fmt.Errorf("load: stdout %d: %w", stdoutOID, ErrUnresolvedRoot)
	}
	if byOID[selfOID] == nil {
		return fmt.Errorf("load: self %d: %w", selfOID, ErrUnresolvedRoot)
	}
	for _, o := range objects {
		if o == nil {
			continue
		}
		for _, v := range o.Views() {
			h := v.Host().HostObject()
			if !isGroup(h) || (h.OID() != 0 && byOID[h.OID()] != h) {
				return fmt.Errorf("load: object %d viewed by unknown group %d", o.OID(), h.OID())
			}
		}
	}

	m.commit(objects, rootObj, byOID[stdinOID], byOID[stdoutOID], byOID[selfOID])
	m.loaded.Store(true)
	logging.Boot("loaded %d objects, %d groups", m.ObjectCount(), len(m.allGroups()))
	return nil
}

func (m *Mem) commit(objects []*rcode.Object, rootObj, stdinObj, stdoutObj, selfObj *rcode.Object) {
	objects = withReferences(objects)
	m.regMu.Lock()
	for _, o := range objects {
		if o == nil {
			continue
		}
		if o.OID() == 0 {
			o.SetOID(rcode.NextOID())
		}
		rcode.ReserveOIDs(o.OID())
	}
	m.mu.Lock()
	for _, o := range objects {
		if o == nil {
			continue
		}
		m.objects[o.OID()] = o
		o.OnReclaim(m.reclaim)
		if o.Descriptor() == atom.GROUP {
			m.groups[o] = newGroup(m, o)
		}
	}
	m.root = m.groups[rootObj]
	m.stdin = m.groups[stdinObj]
	m.stdout = m.groups[stdoutObj]
	m.self = selfObj
	m.mu.Unlock()
	m.regMu.Unlock()

	for _, o := range objects {
		if o == nil {
			continue
		}
		o.RebindViews(func(v *rcode.View) *rcode.View {
			g := m.groupOf(v.Host().HostObject())
			if v.Host() == rcode.Host(g) {
				return v
			}
			cp := v.Copy()
			cp.Rehost(g)
			return cp
		})
		if o.Descriptor() == atom.MARKER {
			m.markReferences(o)
		}
	}

	// Groups first, so viewing groups are known when the rest is hosted.
	for _, pass := range []func(*rcode.Object) bool{
		func(o *rcode.Object) bool { return o.Descriptor() == atom.GROUP },
		func(o *rcode.Object) bool { return o.Descriptor() != atom.GROUP },
	} {
		for _, o := range objects {
			if o == nil || !pass(o) {
				continue
			}
			for _, v := range o.Views() {
				g := v.Host().(*Group)
				g.locked(func() { g.host(v) })
			}
		}
	}
}

// withReferences appends the unregistered objects reachable from objects
// that the slice does not list.
func withReferences(objects []*rcode.Object) []*rcode.Object {
	listed := make(map[*rcode.Object]bool, len(objects))
	for _, o := range objects {
		listed[o] = true
	}
	out := append([]*rcode.Object(nil), objects...)
	var walk func(o *rcode.Object)
	walk = func(o *rcode.Object) {
		for _, r := range o.References() {
			if r == nil || listed[r] || r.IsRegistered() {
				continue
			}
			listed[r] = true
			walk(r)
			out = append(out, r)
		}
	}
	for _, o := range objects {
		if o != nil {
			walk(o)
		}
	}
	return out
}

// markReferences adds a new marker to the marker list of what it marks, and
// pairs groups for mk.grp_pair.
func (m *Mem) markReferences(mk *rcode.Object) {
	for _, r := range mk.References() {
		if r != nil {
			r.AddMarker(mk)
		}
	}
	if mk.Opcode() != rcode.OpMkGrpPair {
		return
	}
	primary := m.groupOf(rcode.RefAt(mk, rcode.GrpPairPrimary))
	secondary := m.groupOf(rcode.RefAt(mk, rcode.GrpPairSecondary))
	if primary == nil || secondary == nil {
		return
	}
	primary.secondary.Store(secondary)
	secondary.primary.Store(primary)
	secondary.isSecondary.Store(true)
	logging.MemDebug("group %d paired with secondary group %d", primary.OID(), secondary.OID())
}

// reclaim drops an object whose last holder released it.
func (m *Mem) reclaim(o *rcode.Object) {
	m.mu.Lock()
	delete(m.objects, o.OID())
	delete(m.groups, o)
	delete(m.reqs, o)
	m.mu.Unlock()
	if o.Descriptor() == atom.MARKER {
		for _, r := range o.References() {
			if r != nil {
				r.RemoveMarker(o)
			}
		}
	}
}

// prime sets the time origin and schedules the first update of every group
// and the first signal of active anti and input-less programs.
func (m *Mem) prime() uint64 {
	now := m.Now()
	m.timeRef.Store(now)
	for _, g := range m.allGroups() {
		if upr := g.upr(); upr > 0 {
			m.pushTimeJob(newUpdateJob(m, g, now+uint64(upr*float64(m.cfg().BasePeriod))))
		}
	}
	m.primed.Store(true)
	return now
}

// Start launches the time and reduction cores and returns the time origin.
func (m *Mem) Start() (uint64, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.loaded.Load() {
		return 0, ErrNotLoaded
	}
	if m.started {
		return 0, ErrAlreadyStarted
	}
	ref := m.prime()

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg().TimeCores; i++ {
		id := i
		eg.Go(func() error { return m.timeCore(ctx, id) })
	}
	for i := 0; i < m.cfg().ReductionCores; i++ {
		id := i
		eg.Go(func() error { return m.reductionCore(ctx, id) })
	}
	m.cancel = cancel
	m.eg = eg
	m.started = true
	logging.Boot("memory started with %d time cores and %d reduction cores",
		m.cfg().TimeCores, m.cfg().ReductionCores)
	return ref, nil
}

// Stop halts both pools and waits for them to exit.
func (m *Mem) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.started {
		return
	}
	m.cancel()
	if err := m.eg.Wait(); err != nil {
		logging.MemWarn("worker pool stopped with error: %v", err)
	}
	m.started = false
	logging.Boot("memory stopped: %d jobs and %d reductions left queued", m.jobs.len(), m.reductions.len())
}

// =============================================================================
// Injection
// =============================================================================

// Inject introduces a view. Views whose injection time lies ahead are held
// by a time job until then. Safe for concurrent use.
func (m *Mem) Inject(v *rcode.View) error {
	if !m.loaded.Load() {
		return ErrNotLoaded
	}
	if m.hostOf(v) == nil {
		return ErrUnknownHost
	}
	if ijt := v.IJT(); ijt > m.Now() {
		m.pushTimeJob(&InjectionJob{timeJob: timeJob{target: ijt}, mem: m, view: v})
		return nil
	}
	m.injectNow(v)
	return nil
}

// hostOf resolves the group hosting v, rehosting placeholders.
func (m *Mem) hostOf(v *rcode.View) *Group {
	if g, ok := v.Host().(*Group); ok {
		if g.mem != m {
			return nil
		}
		return g
	}
	if v.Host() == nil {
		return nil
	}
	g := m.groupOf(v.Host().HostObject())
	if g != nil {
		v.Rehost(g)
	}
	return g
}

func (m *Mem) injectNow(v *rcode.View) {
	g := m.hostOf(v)
	obj := v.Object()
	if g == nil || g.IsInvalidated() || obj == nil || obj.IsInvalidated() {
		return
	}
	injectionsTotal.WithLabelValues(kindOf(v).String()).Inc()
	if obj.IsRegistered() {
		g.injectExisting(v)
		return
	}
	if !m.register(obj) {
		g.injectExisting(v)
		return
	}
	g.injectNew(v)
}

// injectNotification is the path notification markers take.
func (m *Mem) injectNotification(v *rcode.View) { m.injectNow(v) }

// register assigns an OID to obj and to every unregistered object it
// references. It reports false if obj was registered concurrently.
func (m *Mem) register(obj *rcode.Object) bool {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if obj.IsRegistered() {
		return false
	}
	m.registerLocked(obj)
	return true
}

func (m *Mem) registerLocked(obj *rcode.Object) {
	for _, r := range obj.References() {
		if r != nil && !r.IsRegistered() {
			m.registerLocked(r)
		}
	}
	obj.SetOID(rcode.NextOID())
	obj.OnReclaim(m.reclaim)
	var g *Group
	m.mu.Lock()
	m.objects[obj.OID()] = obj
	if obj.Descriptor() == atom.GROUP {
		g = newGroup(m, obj)
		m.groups[obj] = g
	}
	m.mu.Unlock()
	if obj.Descriptor() == atom.MARKER {
		m.markReferences(obj)
	}
	if g != nil && m.primed.Load() {
		if upr := g.upr(); upr > 0 {
			m.pushTimeJob(newUpdateJob(m, g, m.nextUprTime(m.Now(), upr)))
		}
	}
}

// nextUprTime aligns the first update of a new group to its upr grid.
func (m *Mem) nextUprTime(now uint64, upr float64) uint64 {
	period := uint64(upr * float64(m.cfg().BasePeriod))
	ref := m.timeRef.Load()
	if period == 0 || now < ref {
		return now
	}
	return ref + ((now-ref)/period+1)*period
}

func (k viewKind) String() string {
	switch k {
	case kindObject:
		return "object"
	case kindNotification:
		return "notification"
	case kindGroup:
		return "group"
	case kindProgram:
		return "program"
	case kindAntiProgram:
		return "anti_program"
	case kindInputLessProgram:
		return "input_less_program"
	case kindHLP:
		return "hlp"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}
