package main

import (
	"context"
	"fmt"

	"replinet/internal/core"
	"replinet/internal/rcode"
	"replinet/internal/store"
)

// bootImage is the smallest loadable memory: a root group hosting the stdin
// and stdout groups and the self entity.
type bootImage struct {
	objects             []*rcode.Object
	stdin, stdout, self *rcode.Object
}

func newBootImage() *bootImage {
	root := rcode.NewGroupObject(rcode.DefaultGroupParams())
	b := &bootImage{
		stdin:  rcode.NewGroupObject(rcode.DefaultGroupParams()),
		stdout: rcode.NewGroupObject(rcode.DefaultGroupParams()),
		self:   rcode.NewEntity(1),
	}
	b.objects = []*rcode.Object{root, b.stdin, b.stdout, b.self}
	for _, o := range b.objects {
		o.SetOID(rcode.NextOID())
	}
	for _, o := range b.objects[1:] {
		v := rcode.NewView(rcode.SyncAxiom, 0, 0, rcode.InfiniteResilience, rcode.HostRef(root), rcode.HostRef(root), o)
		v.Init(0, 0, 1, rcode.InfiniteResilience)
		o.AddView(v)
	}
	return b
}

// load installs the image into a fresh memory.
func (b *bootImage) load(s core.Settings, opts ...core.Option) (*core.Mem, error) {
	m := core.New(s, opts...)
	if err := m.Load(b.objects, b.stdin.OID(), b.stdout.OID(), b.self.OID()); err != nil {
		return nil, err
	}
	return m, nil
}

// loadSnapshot rebuilds the memory saved in snap.
func loadSnapshot(snap *store.Snapshot, s core.Settings, opts ...core.Option) (*core.Mem, error) {
	if snap.Kind != store.KindFull {
		return nil, fmt.Errorf("snapshot %s holds %s, not a memory", snap.ID, snap.Kind)
	}
	objs, err := snap.Image.Decode()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	m := core.New(s, opts...)
	if err := m.Load(objs, snap.StdinOID, snap.StdoutOID, snap.SelfOID); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	return m, nil
}

// saveMemory stores a full snapshot of m.
func saveMemory(ctx context.Context, st *store.SnapshotStore, m *core.Mem, label string) (string, error) {
	return st.Save(ctx, &store.Snapshot{
		Label:     label,
		Kind:      store.KindFull,
		StdinOID:  m.Stdin().OID(),
		StdoutOID: m.Stdout().OID(),
		SelfOID:   m.Self().OID(),
		Image:     m.Snapshot(),
	})
}
