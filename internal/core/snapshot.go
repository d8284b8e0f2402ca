package core

import (
	"sort"

	"replinet/internal/atom"
	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// Snapshot copies every object the groups host, with its views, into an
// image that Load accepts back: the root group comes first and self is
// included even when no group hosts it. Every group lock is held, in OID
// order, while the copy is taken.
func (m *Mem) Snapshot() *rcode.Image {
	timer := logging.StartTimer(logging.CategoryStore, "Snapshot")
	defer timer.Stop()

	img := m.image(func(*rcode.View) bool { return true }, true)
	if m.self != nil {
		img.Add(m.self, true)
	}
	img.Sort()
	if m.root != nil {
		rootFirst(img, m.root.OID())
	}
	return img
}

// ExportModels copies the live models and what they reference, without
// views.
func (m *Mem) ExportModels() *rcode.Image {
	img := m.image(func(v *rcode.View) bool {
		return v.Object().Descriptor() == atom.MODEL
	}, false)
	img.Sort()
	return img
}

func (m *Mem) image(keep func(*rcode.View) bool, withViews bool) *rcode.Image {
	groups := m.allGroups()
	sort.Slice(groups, func(i, j int) bool { return groups[i].OID() < groups[j].OID() })
	for _, g := range groups {
		g.mu.Lock()
	}
	defer func() {
		for i := len(groups) - 1; i >= 0; i-- {
			groups[i].mu.Unlock()
		}
	}()

	img := rcode.NewImage(m.Now())
	for _, g := range groups {
		if withViews {
			img.Add(g.obj, true)
		}
		for k, p := range g.partitions {
			if viewKind(k) == kindNotification {
				continue
			}
			for _, v := range p {
				if keep(v) {
					img.Add(v.Object(), withViews)
				}
			}
		}
	}
	return img
}

// rootFirst moves the record of the root group to the front.
func rootFirst(img *rcode.Image, root uint64) {
	for i, rec := range img.Objects {
		if rec.OID != root {
			continue
		}
		copy(img.Objects[1:i+1], img.Objects[:i])
		img.Objects[0] = rec
		return
	}
}
