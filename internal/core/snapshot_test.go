package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/rcode"
)

func TestSnapshotReloads(t *testing.T) {
	cm := newCausalModel(0, 3, 0.7)
	w, _ := predictionWorld(t, cm)
	cause := cm.cause(2, 100, 200)
	w.inject(cause)
	w.mem.drain()

	img := w.mem.Snapshot()
	require.NotEmpty(t, img.Objects)
	assert.Equal(t, w.rootObj.OID(), img.Objects[0].OID, "the root group leads")

	oids := make(map[uint64]bool)
	for _, rec := range img.Objects {
		oids[rec.OID] = true
	}
	assert.True(t, oids[w.self.OID()], "self is kept without a host")
	assert.True(t, oids[cm.ent.OID()], "references are kept")

	objs, err := img.Decode()
	require.NoError(t, err)
	m := New(DefaultSettings(), WithClock(newTestClock(w.clock.Now())))
	require.NoError(t, m.Load(objs, w.stdin.OID(), w.stdout.OID(), w.self.OID()))

	assert.NotNil(t, m.Root().View(m.Object(cause.OID())), "hosted facts come back")
	mdl := m.Object(cm.mdl.OID())
	require.NotNil(t, mdl)
	assert.NotSame(t, cm.mdl, mdl)
	assert.InDelta(t, 0.7, mdl.Float(rcode.MdlSR), 1e-5)

	v := m.Root().View(mdl)
	require.NotNil(t, v)
	assert.InDelta(t, 1, v.Act(), 1e-5)
	assert.IsType(t, &PrimaryMDLController{}, v.Controller())
}

func TestExportModelsOmitsViews(t *testing.T) {
	cm := newCausalModel(0, 0, 1)
	w, _ := predictionWorld(t, cm)

	img := w.mem.ExportModels()
	oids := make(map[uint64]bool)
	for _, rec := range img.Objects {
		oids[rec.OID] = true
		assert.Empty(t, rec.Views)
	}
	assert.True(t, oids[cm.mdl.OID()])
	assert.True(t, oids[cm.a.OID()])
	assert.False(t, oids[w.rootObj.OID()], "groups are not exported")
}
