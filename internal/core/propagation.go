package core

import (
	"math"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

// propagateSaliency walks the marker and reference edges out of obj and
// schedules a salience change on every node whose propagation threshold the
// change exceeds. The walk carries its own visited path, so concurrent walks
// never interfere. The root group is never a target.
func (m *Mem) propagateSaliency(obj *rcode.Object, change, sourceThr float64) {
	if obj.ViewCount() == 0 {
		return
	}
	path := []*rcode.Object{obj}
	m.propagateFrom(obj, change, sourceThr, &path)
}

func (m *Mem) propagateFrom(obj *rcode.Object, change, sourceThr float64, path *[]*rcode.Object) {
	if obj.Descriptor() == atom.MARKER {
		for _, r := range obj.References() {
			if r != nil {
				m.propagateTo(r, change, sourceThr, path)
			}
		}
	}
	for _, mk := range obj.Markers() {
		m.propagateTo(mk, change, sourceThr, path)
	}
}

func (m *Mem) propagateTo(obj *rcode.Object, change, sourceThr float64, path *[]*rcode.Object) {
	if m.root != nil && obj == m.root.obj {
		return
	}
	for _, p := range *path {
		if p == obj {
			return
		}
	}
	*path = append(*path, obj)
	if math.Abs(change) <= obj.PslnThr() || obj.IsInvalidated() {
		return
	}
	m.pushTimeJob(&SaliencyPropagationJob{
		timeJob:   timeJob{target: m.Now()},
		mem:       m,
		object:    obj,
		change:    change,
		threshold: sourceThr,
	})
	m.propagateFrom(obj, change, sourceThr, path)
}

// applySaliencyChange schedules the morphed change on every view of obj, to
// be applied at each host's next update.
func (m *Mem) applySaliencyChange(obj *rcode.Object, change, sourceThr float64) {
	for _, v := range obj.Views() {
		host, ok := v.Host().(*Group)
		if !ok || host.IsInvalidated() {
			continue
		}
		d := morphChange(change, sourceThr, host.slnThr())
		if d == 0 {
			continue
		}
		v := v
		host.addPending(func() { v.ModSln(d) })
	}
}

// morphChange rescales a change between groups with different thresholds.
func morphChange(change, sourceThr, destThr float64) float64 {
	if sourceThr == 0 || destThr == 0 {
		return change
	}
	return change * destThr / sourceThr
}
