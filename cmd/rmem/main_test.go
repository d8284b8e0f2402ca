package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replinet/internal/core"
	"replinet/internal/rcode"
	"replinet/internal/store"
)

func TestBootImageLoads(t *testing.T) {
	b := newBootImage()
	m, err := b.load(core.DefaultSettings())
	require.NoError(t, err)

	assert.Same(t, b.objects[0], m.Root().Object())
	assert.Same(t, b.stdin, m.Stdin().Object())
	assert.Same(t, b.self, m.Self())
	assert.NotNil(t, m.Root().View(b.stdout), "the root group hosts stdout")
	assert.Equal(t, 4, m.ObjectCount())
}

func TestSnapshotThroughStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "rmem.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	m, err := newBootImage().load(core.DefaultSettings())
	require.NoError(t, err)
	id, err := saveMemory(ctx, st, m, "test")
	require.NoError(t, err)

	snap, err := st.Load(ctx, id)
	require.NoError(t, err)
	reloaded, err := loadSnapshot(snap, core.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, m.Root().OID(), reloaded.Root().OID())
	assert.Equal(t, m.Self().OID(), reloaded.Self().OID())
	assert.Equal(t, m.ObjectCount(), reloaded.ObjectCount())

	snap.Kind = store.KindModels
	_, err = loadSnapshot(snap, core.DefaultSettings())
	assert.Error(t, err, "model exports are not memories")
}

func TestSummarize(t *testing.T) {
	m, err := newBootImage().load(core.DefaultSettings())
	require.NoError(t, err)

	sum, err := summarize(m.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Objects)
	assert.Equal(t, 3, sum.Views)
	assert.Equal(t, 3, sum.ByOpcode[rcode.OpcodeName(rcode.OpGrp)])
	assert.Equal(t, 1, sum.ByOpcode[rcode.OpcodeName(rcode.OpEnt)])
	assert.Empty(t, sum.Models)
	assert.Equal(t, []string{"ent", "grp"}, sum.opcodes())
}

func TestInitAndShowCommands(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--config", filepath.Join(dir, "rmem.yaml"), "--db", filepath.Join(dir, "rmem.db")}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs(append(base, "init", "--label", "fresh"))
	require.NoError(t, rootCmd.Execute())
	id := strings.TrimSpace(out.String())
	require.NotEmpty(t, id)

	out.Reset()
	rootCmd.SetArgs(append(base, "snapshot", "show"))
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), `label "fresh"`)
	assert.Contains(t, out.String(), "grp")

	out.Reset()
	rootCmd.SetArgs(append(base, "snapshot", "list"))
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), id)
}
