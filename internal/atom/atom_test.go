package atom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatEncoding(t *testing.T) {
	for _, f := range []float32{0, 1, 0.5, -0.25, 1024, -3.75} {
		a := Float(f)
		assert.True(t, a.IsFloat(), "float atom must have top bit clear")
		assert.Equal(t, f, a.AsFloat())
		assert.Equal(t, a, Float(a.AsFloat()))
	}
	assert.True(t, PlusInfinity.IsFloat())
	assert.True(t, MinusInfinity.IsFloat())
}

func TestDescriptorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		a    Atom
		want Descriptor
	}{
		{"nil", Nil(), NIL},
		{"boolean", Boolean(true), BOOLEAN},
		{"wildcard", Wildcard(3), WILDCARD},
		{"tail wildcard", TailWildcard(), T_WILDCARD},
		{"iptr", IPointer(7), I_PTR},
		{"rptr", RPointer(2), R_PTR},
		{"vlptr", VLPointer(5, 9), VL_PTR},
		{"assign", AssignmentPointer(4, 12), ASSIGN_PTR},
		{"object", Object(42, 5), OBJECT},
		{"marker", Marker(43, 3), MARKER},
		{"group", GroupObject(1, 30), GROUP},
		{"model", Model(7, 10), MODEL},
		{"cst", CompositeState(8, 6), COMPOSITE_STATE},
		{"timestamp", Timestamp(), TIMESTAMP},
		{"string", String(9), STRING},
		{"node", Node(3), NODE},
		{"device", Device(1, 2, 3), DEVICE},
		{"sset", SSet(4, 2), S_SET},
		{"null pgm", NullProgram(true), NULL_PROGRAM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tt.a.IsFloat())
			assert.Equal(t, tt.want, tt.a.Descriptor())
		})
	}
}

func TestPayloadAccessors(t *testing.T) {
	assert.True(t, Boolean(true).AsBoolean())
	assert.False(t, Boolean(false).AsBoolean())

	o := Object(0x123, 7)
	assert.Equal(t, uint16(0x123), o.AsOpcode())
	assert.Equal(t, 7, o.AtomCount())
	assert.True(t, o.IsStructural())

	vl := VLPointer(17, 0x456)
	assert.Equal(t, uint16(17), vl.AsIndex())
	assert.Equal(t, uint16(0x456), vl.AsCastOpcode())

	in := InObjPointer(3, 200)
	assert.Equal(t, uint8(3), in.AsInputIndex())
	assert.Equal(t, uint16(200), in.AsIndex())

	as := AssignmentPointer(9, 33)
	assert.Equal(t, uint8(9), as.AsAssignedVariable())
	assert.Equal(t, uint16(33), as.AsIndex())

	d := Device(4, 5, 6)
	assert.Equal(t, uint8(4), d.NodeID())
	assert.Equal(t, uint8(5), d.ClassID())
	assert.Equal(t, uint8(6), d.DeviceID())

	assert.Equal(t, uint8(11), Node(11).AsNode())
	assert.True(t, NullProgram(true).TakesPastInputs())
	assert.False(t, NullProgram(false).TakesPastInputs())
}

func TestStructuralCounts(t *testing.T) {
	assert.Equal(t, 2, Timestamp().AtomCount())
	assert.Equal(t, 3, String(9).AtomCount(), "9 chars take 3 blocks")
	assert.Equal(t, 1, String(4).AtomCount())
	assert.Equal(t, 0, IPointer(4).AtomCount())
	assert.Equal(t, 4, Set(4).AtomCount())
	assert.False(t, Float(1).IsStructural())
}

func TestUndefined(t *testing.T) {
	for _, a := range []Atom{Undefined, UndefinedFloat, UndefinedBoolean, UndefinedNode,
		UndefinedDevice, UndefinedDeviceFunction, UndefinedString, UndefinedTimestamp} {
		assert.True(t, a.IsUndefined(), Trace(a))
	}
	assert.False(t, Float(0).IsUndefined())
	assert.True(t, Nil().ReadsAsNil())
	assert.True(t, Set(0).ReadsAsNil())
	assert.False(t, Set(1).ReadsAsNil())
}

func TestTimestampAndString(t *testing.T) {
	code := make([]Atom, 3)
	SetTimestamp(code, 0, 0x0000_0123_89AB_CDEF)
	assert.Equal(t, uint64(0x0000_0123_89AB_CDEF), GetTimestamp(code, 0))

	s := StringAtoms("hello world")
	require.Len(t, s, 1+3)
	assert.Equal(t, "hello world", GetString(s, 0))
}

func TestDebugContract(t *testing.T) {
	Debug = true
	defer func() { Debug = false }()
	assert.Panics(t, func() { Nil().AsFloat() })
	assert.NotPanics(t, func() { Float(2).AsFloat() })
}
