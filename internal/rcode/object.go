// Package rcode holds the object store: reference-counted objects made of atom
// code, their reference and marker lists, and the views that bind them into
// hosting groups.
package rcode

import (
	"sync"
	"sync/atomic"

	"replinet/internal/atom"
)

// Host is a container an object can be viewed in. Groups implement it.
type Host interface {
	// HostObject returns the object backing the host.
	HostObject() *Object
	// UnregisterView removes v from the host's partitions. Implementations take
	// their own lock; callers must not hold any other host lock.
	UnregisterView(v *View)
}

// Object is a unit of memory: a code array, owned references, non-owning
// markers and a set of views keyed by host OID.
//
// The code array is immutable after publication except through PatchCode,
// which models and groups use to maintain their own statistics.
type Object struct {
	oid atomic.Uint64

	codeMu sync.RWMutex
	code   []atom.Atom

	refs []*Object

	marksMu sync.Mutex
	markers []*Object

	viewsMu sync.Mutex
	views   map[uint64]*View

	invalidated atomic.Bool
	refCount    atomic.Int64
	reclaim     func(*Object)

	ext any
}

// NewObject creates an unpublished object. Every reference is retained.
func NewObject(code []atom.Atom, refs ...*Object) *Object {
	o := &Object{
		code:  code,
		refs:  refs,
		views: make(map[uint64]*View),
	}
	for _, r := range refs {
		if r != nil {
			r.Retain()
		}
	}
	return o
}

// OID returns the object's identifier, 0 until the memory assigns one.
func (o *Object) OID() uint64 { return o.oid.Load() }

// SetOID is called once by the memory (or loader) when the object is bound.
func (o *Object) SetOID(oid uint64) { o.oid.Store(oid) }

// IsRegistered reports whether an OID has been assigned.
func (o *Object) IsRegistered() bool { return o.oid.Load() != 0 }

// Head returns code[0].
func (o *Object) Head() atom.Atom {
	o.codeMu.RLock()
	defer o.codeMu.RUnlock()
	return o.code[0]
}

// Descriptor of the head atom.
func (o *Object) Descriptor() atom.Descriptor { return o.Head().Descriptor() }

// Opcode of the head atom.
func (o *Object) Opcode() uint16 { return o.Head().AsOpcode() }

// At returns code[i].
func (o *Object) At(i int) atom.Atom {
	o.codeMu.RLock()
	defer o.codeMu.RUnlock()
	return o.code[i]
}

// Float reads code[i] as a float.
func (o *Object) Float(i int) float64 {
	return float64(o.At(i).AsFloat())
}

// Timestamp reads the timestamp whose header is code[code[i].AsIndex()].
func (o *Object) Timestamp(i int) uint64 {
	o.codeMu.RLock()
	defer o.codeMu.RUnlock()
	p := o.code[i]
	if p.Descriptor() != atom.I_PTR {
		return 0
	}
	return atom.GetTimestamp(o.code, int(p.AsIndex()))
}

// Len returns the code length.
func (o *Object) Len() int {
	o.codeMu.RLock()
	defer o.codeMu.RUnlock()
	return len(o.code)
}

// Code returns a copy of the code array.
func (o *Object) Code() []atom.Atom {
	o.codeMu.RLock()
	defer o.codeMu.RUnlock()
	out := make([]atom.Atom, len(o.code))
	copy(out, o.code)
	return out
}

// PatchCode runs fn with exclusive access to the code array.
func (o *Object) PatchCode(fn func(code []atom.Atom)) {
	o.codeMu.Lock()
	defer o.codeMu.Unlock()
	fn(o.code)
}

// SetFloat patches code[i] with f.
func (o *Object) SetFloat(i int, f float64) {
	o.PatchCode(func(code []atom.Atom) { code[i] = atom.Float64(f) })
}

// PslnThr is the propagation salience threshold: the last atom owned by the head.
func (o *Object) PslnThr() float64 {
	o.codeMu.RLock()
	defer o.codeMu.RUnlock()
	i := o.code[0].AtomCount()
	if i == 0 || i >= len(o.code) || !o.code[i].IsFloat() {
		return 1
	}
	return float64(o.code[i].AsFloat())
}

// References returns the reference list. It is not copied: references are
// fixed at construction.
func (o *Object) References() []*Object { return o.refs }

// Reference returns refs[i] or nil.
func (o *Object) Reference(i int) *Object {
	if i < 0 || i >= len(o.refs) {
		return nil
	}
	return o.refs[i]
}

// Extension returns the runtime annotation attached at construction.
func (o *Object) Extension() any { return o.ext }

// SetExtension attaches a runtime annotation. Only valid before publication.
func (o *Object) SetExtension(v any) { o.ext = v }

// ----------------------------------------------------------------------------
// Markers
// ----------------------------------------------------------------------------

// AddMarker records m as a marker of o.
func (o *Object) AddMarker(m *Object) {
	o.marksMu.Lock()
	defer o.marksMu.Unlock()
	o.markers = append(o.markers, m)
}

// RemoveMarker drops m from the marker list.
func (o *Object) RemoveMarker(m *Object) {
	o.marksMu.Lock()
	defer o.marksMu.Unlock()
	for i, x := range o.markers {
		if x == m {
			o.markers = append(o.markers[:i], o.markers[i+1:]...)
			return
		}
	}
}

// Markers returns a copy of the marker list.
func (o *Object) Markers() []*Object {
	o.marksMu.Lock()
	defer o.marksMu.Unlock()
	out := make([]*Object, len(o.markers))
	copy(out, o.markers)
	return out
}

// WithMarkers runs fn while holding the marker lock.
func (o *Object) WithMarkers(fn func(markers []*Object)) {
	o.marksMu.Lock()
	defer o.marksMu.Unlock()
	fn(o.markers)
}

// ----------------------------------------------------------------------------
// Views
// ----------------------------------------------------------------------------

// WithViews runs fn while holding the view lock.
func (o *Object) WithViews(fn func(views map[uint64]*View)) {
	o.viewsMu.Lock()
	defer o.viewsMu.Unlock()
	fn(o.views)
}

// GetView returns the view of o hosted by host. With createIfAbsent, a fresh
// view with default values is created and registered.
func (o *Object) GetView(host Host, createIfAbsent bool) *View {
	key := host.HostObject().OID()
	o.viewsMu.Lock()
	defer o.viewsMu.Unlock()
	if v, ok := o.views[key]; ok {
		return v
	}
	if !createIfAbsent {
		return nil
	}
	v := NewView(SyncOnce, 0, 0, 1, host, host, o)
	o.views[key] = v
	o.Retain()
	return v
}

// AddView registers v and reports false when a view for the same host exists.
func (o *Object) AddView(v *View) bool {
	key := v.Host().HostObject().OID()
	o.viewsMu.Lock()
	defer o.viewsMu.Unlock()
	if _, ok := o.views[key]; ok {
		return false
	}
	o.views[key] = v
	o.Retain()
	return true
}

// RemoveView unregisters the view held by host and releases it.
func (o *Object) RemoveView(host Host) {
	key := host.HostObject().OID()
	o.viewsMu.Lock()
	_, ok := o.views[key]
	delete(o.views, key)
	o.viewsMu.Unlock()
	if ok {
		o.Release()
	}
}

// RebindViews replaces every view with fn(view) in place, keeping ownership.
func (o *Object) RebindViews(fn func(v *View) *View) {
	o.viewsMu.Lock()
	defer o.viewsMu.Unlock()
	for k, v := range o.views {
		o.views[k] = fn(v)
	}
}

// Views returns a copy of the view set.
func (o *Object) Views() []*View {
	o.viewsMu.Lock()
	defer o.viewsMu.Unlock()
	out := make([]*View, 0, len(o.views))
	for _, v := range o.views {
		out = append(out, v)
	}
	return out
}

// ViewCount returns the number of views.
func (o *Object) ViewCount() int {
	o.viewsMu.Lock()
	defer o.viewsMu.Unlock()
	return len(o.views)
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// IsInvalidated reports whether the object is dead.
func (o *Object) IsInvalidated() bool { return o.invalidated.Load() }

// Invalidate marks the object dead and unregisters it from every host that
// views it, one host lock at a time. It returns true if the object was already
// invalidated.
func (o *Object) Invalidate() bool {
	if !o.invalidated.CompareAndSwap(false, true) {
		return true
	}
	o.viewsMu.Lock()
	views := make([]*View, 0, len(o.views))
	for _, v := range o.views {
		views = append(views, v)
	}
	o.viewsMu.Unlock()

	for _, v := range views {
		if h := v.Host(); h != nil {
			h.UnregisterView(v)
		}
	}
	return false
}

// OnReclaim sets the hook called when the reference count drops to zero.
func (o *Object) OnReclaim(fn func(*Object)) { o.reclaim = fn }

// RefCount returns the number of owning holders.
func (o *Object) RefCount() int64 { return o.refCount.Load() }

// Retain adds an owning holder.
func (o *Object) Retain() { o.refCount.Add(1) }

// Release drops an owning holder. The last release invalidates the object and
// hands it to the reclaim hook; the memory itself is left to the collector.
func (o *Object) Release() {
	if o.refCount.Add(-1) != 0 {
		return
	}
	o.Invalidate()
	if o.reclaim != nil {
		o.reclaim(o)
	}
	for _, r := range o.refs {
		if r != nil {
			r.Release()
		}
	}
}
