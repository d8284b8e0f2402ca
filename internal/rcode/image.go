package rcode

import (
	"fmt"
	"sort"
	"sync/atomic"

	"replinet/internal/atom"
)

var lastOID atomic.Uint64

// NextOID returns a fresh, monotonically increasing object identifier.
func NextOID() uint64 { return lastOID.Add(1) }

// ReserveOIDs makes sure NextOID never returns an identifier <= oid. Loaders
// call it after binding objects that carry their own OIDs.
func ReserveOIDs(oid uint64) {
	for {
		cur := lastOID.Load()
		if cur >= oid || lastOID.CompareAndSwap(cur, oid) {
			return
		}
	}
}

// hostRef stands in for a group that does not exist yet, while objects are
// decoded from an image and before the memory binds them.
type hostRef struct{ obj *Object }

func (h hostRef) HostObject() *Object  { return h.obj }
func (h hostRef) UnregisterView(*View) {}

// HostRef returns a placeholder host for group object o.
func HostRef(o *Object) Host { return hostRef{obj: o} }

// ViewImage is the persisted form of a view.
type ViewImage struct {
	Host uint64   `json:"host"`
	Sync SyncMode `json:"sync"`
	IJT  uint64   `json:"ijt"`
	Sln  float64  `json:"sln"`
	Act  float64  `json:"act"`
	Vis  float64  `json:"vis"`
	Res  float64  `json:"res"`
}

// ObjectImage is the persisted form of an object.
type ObjectImage struct {
	OID        uint64      `json:"oid"`
	Code       []atom.Atom `json:"code"`
	References []uint64    `json:"references"`
	Views      []ViewImage `json:"views,omitempty"`
}

// Image is an enumerable copy of a set of objects, closed under references.
type Image struct {
	Timestamp uint64        `json:"timestamp"`
	Objects   []ObjectImage `json:"objects"`

	seen map[uint64]bool
}

// NewImage returns an empty image taken at timestamp.
func NewImage(timestamp uint64) *Image {
	return &Image{Timestamp: timestamp, seen: make(map[uint64]bool)}
}

// Add copies o, its views and, transitively, its references. Invalidated or
// unregistered objects are skipped.
func (img *Image) Add(o *Object, withViews bool) {
	if o == nil || o.IsInvalidated() || !o.IsRegistered() || img.seen[o.OID()] {
		return
	}
	img.seen[o.OID()] = true
	rec := ObjectImage{OID: o.OID(), Code: o.Code()}
	for _, r := range o.References() {
		if r == nil || !r.IsRegistered() {
			rec.References = append(rec.References, 0)
			continue
		}
		rec.References = append(rec.References, r.OID())
		img.Add(r, withViews)
	}
	if withViews {
		for _, v := range o.Views() {
			rec.Views = append(rec.Views, ViewImage{
				Host: v.Host().HostObject().OID(),
				Sync: v.Sync(),
				IJT:  v.IJT(),
				Sln:  v.Sln(),
				Act:  v.Act(),
				Vis:  v.Vis(),
				Res:  v.Res(),
			})
		}
		sort.Slice(rec.Views, func(i, j int) bool { return rec.Views[i].Host < rec.Views[j].Host })
	}
	img.Objects = append(img.Objects, rec)
}

// Sort orders records by OID.
func (img *Image) Sort() {
	sort.Slice(img.Objects, func(i, j int) bool { return img.Objects[i].OID < img.Objects[j].OID })
}

// Decode rebuilds the objects. Views are attached to placeholder hosts (see
// HostRef) that the memory rebinds on load.
func (img *Image) Decode() ([]*Object, error) {
	byOID := make(map[uint64]*ObjectImage, len(img.Objects))
	for i := range img.Objects {
		rec := &img.Objects[i]
		if _, dup := byOID[rec.OID]; dup {
			return nil, fmt.Errorf("duplicate oid %d", rec.OID)
		}
		byOID[rec.OID] = rec
	}

	built := make(map[uint64]*Object, len(byOID))
	var build func(oid uint64, path map[uint64]bool) (*Object, error)
	build = func(oid uint64, path map[uint64]bool) (*Object, error) {
		if o, ok := built[oid]; ok {
			return o, nil
		}
		rec, ok := byOID[oid]
		if !ok {
			return nil, fmt.Errorf("unresolved reference to oid %d", oid)
		}
		if path[oid] {
			return nil, fmt.Errorf("reference cycle through oid %d", oid)
		}
		path[oid] = true
		refs := make([]*Object, len(rec.References))
		for i, r := range rec.References {
			if r == 0 {
				continue
			}
			ref, err := build(r, path)
			if err != nil {
				return nil, err
			}
			refs[i] = ref
		}
		delete(path, oid)
		code := make([]atom.Atom, len(rec.Code))
		copy(code, rec.Code)
		o := NewObject(code, refs...)
		o.SetOID(oid)
		built[oid] = o
		return o, nil
	}

	out := make([]*Object, 0, len(img.Objects))
	for _, rec := range img.Objects {
		o, err := build(rec.OID, map[uint64]bool{})
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	for _, rec := range img.Objects {
		o := built[rec.OID]
		for _, vi := range rec.Views {
			host, ok := built[vi.Host]
			if !ok {
				return nil, fmt.Errorf("object %d: view host %d not in image", rec.OID, vi.Host)
			}
			v := NewView(vi.Sync, vi.IJT, vi.Sln, vi.Res, HostRef(host), HostRef(host), o)
			v.Init(vi.Sln, vi.Act, vi.Vis, vi.Res)
			o.AddView(v)
		}
	}
	return out, nil
}
