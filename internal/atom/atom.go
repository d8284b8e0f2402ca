// Package atom implements the 32-bit tagged word every object's code is made of.
//
// An atom is either a float (top bit 0, IEEE-754 bits shifted right by one) or a
// descriptor in the top byte with a payload in the lower 24 bits. The packing rules
// are fixed: objects persisted or exchanged between runtimes rely on them bit for bit.
package atom

import (
	"fmt"
	"math"
)

// Atom is a single 32-bit word of object code.
type Atom uint32

// Descriptor is the top byte of a non-float atom.
type Descriptor uint8

// Descriptors.
const (
	NIL                             Descriptor = 0x80
	BOOLEAN                         Descriptor = 0x81
	WILDCARD                        Descriptor = 0x82
	T_WILDCARD                      Descriptor = 0x83
	I_PTR                           Descriptor = 0x84 // index to a structure in the same code
	R_PTR                           Descriptor = 0x85 // index into the reference table
	VL_PTR                          Descriptor = 0x86 // variable slot in a binding map
	IPGM_PTR                        Descriptor = 0x87
	IN_OBJ_PTR                      Descriptor = 0x88
	VALUE_PTR                       Descriptor = 0x89
	PROD_PTR                        Descriptor = 0x8A
	OUT_OBJ_PTR                     Descriptor = 0x8B
	D_IN_OBJ_PTR                    Descriptor = 0x8C
	ASSIGN_PTR                      Descriptor = 0x8D
	THIS                            Descriptor = 0x90
	VIEW                            Descriptor = 0x91
	MKS                             Descriptor = 0x92
	VWS                             Descriptor = 0x93
	NODE                            Descriptor = 0xA0
	DEVICE                          Descriptor = 0xA1
	DEVICE_FUNCTION                 Descriptor = 0xA2
	C_PTR                           Descriptor = 0xC0
	SET                             Descriptor = 0xC1
	OBJECT                          Descriptor = 0xC2
	MARKER                          Descriptor = 0xC3
	OPERATOR                        Descriptor = 0xC4
	STRING                          Descriptor = 0xC6
	TIMESTAMP                       Descriptor = 0xC7
	GROUP                           Descriptor = 0xC8
	INSTANTIATED_PROGRAM            Descriptor = 0xC9
	INSTANTIATED_CPP_PROGRAM        Descriptor = 0xCA
	INSTANTIATED_INPUT_LESS_PROGRAM Descriptor = 0xCB
	INSTANTIATED_ANTI_PROGRAM       Descriptor = 0xCC
	COMPOSITE_STATE                 Descriptor = 0xCD
	MODEL                           Descriptor = 0xCE
	NULL_PROGRAM                    Descriptor = 0xCF
	S_SET                           Descriptor = 0xD0
)

// Fixed sentinels.
const (
	Undefined               Atom = 0xFFFFFFFF
	PlusInfinity            Atom = 0x3FC00000
	MinusInfinity           Atom = 0x7FC00000
	UndefinedFloat          Atom = 0x3FFFFFFF
	UndefinedBoolean        Atom = 0x81FFFFFF
	UndefinedNode           Atom = 0xA0FFFFFF
	UndefinedDevice         Atom = 0xA1FFFFFF
	UndefinedDeviceFunction Atom = 0xA2FFFFFF
	UndefinedString         Atom = 0xC6FFFFFF
	UndefinedTimestamp      Atom = 0xC7FFFFFF
	EmptySet                Atom = 0xC1000000
)

// Debug enables contract checks on typed accessors. Off by default: mismatched
// reads are then contained to masked bit extraction.
var Debug = false

func header(d Descriptor) Atom { return Atom(d) << 24 }

// ----------------------------------------------------------------------------
// Constructors
// ----------------------------------------------------------------------------

// Float encodes f. The least significant mantissa bit is dropped.
func Float(f float32) Atom { return Atom(math.Float32bits(f) >> 1) }

// Float64 is a convenience for Float(float32(f)).
func Float64(f float64) Atom { return Float(float32(f)) }

func Nil() Atom { return header(NIL) }

func Boolean(v bool) Atom {
	if v {
		return header(BOOLEAN) + 1
	}
	return header(BOOLEAN)
}

func Wildcard(opcode uint16) Atom { return header(WILDCARD) + Atom(opcode&0xFFF)<<8 }
func TailWildcard() Atom          { return header(T_WILDCARD) }

func IPointer(index uint16) Atom { return header(I_PTR) + Atom(index&0xFFF) }

// VLPointer addresses a variable slot; cast is an optional opcode applied on read.
func VLPointer(index uint16, cast uint16) Atom {
	return header(VL_PTR) + Atom(cast&0xFFF)<<12 + Atom(index&0xFFF)
}

func RPointer(index uint16) Atom          { return header(R_PTR) + Atom(index&0xFFF) }
func IPGMPointer(index uint16) Atom       { return header(IPGM_PTR) + Atom(index&0xFFF) }
func ValuePointer(index uint16) Atom      { return header(VALUE_PTR) + Atom(index&0xFFF) }
func ProductionPointer(index uint16) Atom { return header(PROD_PTR) + Atom(index&0xFFF) }
func OutObjPointer(index uint16) Atom     { return header(OUT_OBJ_PTR) + Atom(index&0xFFF) }
func CPointer(elementCount uint8) Atom    { return header(C_PTR) + Atom(elementCount) }
func This() Atom                          { return header(THIS) }
func View() Atom                          { return header(VIEW) }
func Mks() Atom                           { return header(MKS) }
func Vws() Atom                           { return header(VWS) }
func Set(elementCount uint8) Atom         { return header(SET) + Atom(elementCount) }
func Timestamp() Atom                     { return header(TIMESTAMP) + 2 }
func Node(nodeID uint8) Atom              { return header(NODE) + Atom(nodeID)<<8 }
func DeviceFunction(opcode uint16) Atom   { return header(DEVICE_FUNCTION) + Atom(opcode&0xFFF)<<8 }
func SSet(opcode uint16, count uint8) Atom {
	return header(S_SET) + Atom(opcode&0xFFF)<<8 + Atom(count)
}

func InObjPointer(inputIndex uint8, index uint16) Atom {
	return header(IN_OBJ_PTR) + Atom(inputIndex)<<12 + Atom(index&0xFFF)
}

func DInObjPointer(relativeIndex uint8, index uint16) Atom {
	return header(D_IN_OBJ_PTR) + Atom(relativeIndex)<<12 + Atom(index&0xFFF)
}

// AssignmentPointer assigns the value found at index to variable slot variable.
func AssignmentPointer(variable uint8, index uint16) Atom {
	return header(ASSIGN_PTR) + Atom(variable)<<16 + Atom(index&0xFFF)
}

func Device(nodeID, classID, devID uint8) Atom {
	return header(DEVICE) + Atom(nodeID)<<16 + Atom(classID)<<8 + Atom(devID)
}

// String builds the header of a string of characterCount bytes. The characters
// follow in (characterCount+3)/4 blocks.
func String(characterCount uint8) Atom {
	blocks := (uint16(characterCount) + 3) / 4
	return header(STRING) + Atom(blocks)<<8 + Atom(characterCount)
}

func structural(d Descriptor, opcode uint16, arity uint8) Atom {
	return header(d) + Atom(opcode&0xFFF)<<8 + Atom(arity)
}

func Object(opcode uint16, arity uint8) Atom   { return structural(OBJECT, opcode, arity) }
func Marker(opcode uint16, arity uint8) Atom   { return structural(MARKER, opcode, arity) }
func Operator(opcode uint16, arity uint8) Atom { return structural(OPERATOR, opcode, arity) }
func GroupObject(opcode uint16, arity uint8) Atom {
	return structural(GROUP, opcode, arity)
}
func InstantiatedProgram(opcode uint16, arity uint8) Atom {
	return structural(INSTANTIATED_PROGRAM, opcode, arity)
}
func InstantiatedCPPProgram(opcode uint16, arity uint8) Atom {
	return structural(INSTANTIATED_CPP_PROGRAM, opcode, arity)
}
func InstantiatedInputLessProgram(opcode uint16, arity uint8) Atom {
	return structural(INSTANTIATED_INPUT_LESS_PROGRAM, opcode, arity)
}
func InstantiatedAntiProgram(opcode uint16, arity uint8) Atom {
	return structural(INSTANTIATED_ANTI_PROGRAM, opcode, arity)
}
func CompositeState(opcode uint16, arity uint8) Atom {
	return structural(COMPOSITE_STATE, opcode, arity)
}
func Model(opcode uint16, arity uint8) Atom { return structural(MODEL, opcode, arity) }

// NullProgram marks a program without productions; takePastInputs sets the low bit.
func NullProgram(takePastInputs bool) Atom {
	if takePastInputs {
		return header(NULL_PROGRAM) + 1
	}
	return header(NULL_PROGRAM)
}

// ----------------------------------------------------------------------------
// Accessors
// ----------------------------------------------------------------------------

// IsFloat reports whether the top bit is clear.
func (a Atom) IsFloat() bool { return a&0x80000000 == 0 }

// Descriptor returns the top byte. Meaningless for floats.
func (a Atom) Descriptor() Descriptor { return Descriptor(a >> 24) }

func (a Atom) AsFloat() float32 {
	check(a.IsFloat(), a, "float")
	return math.Float32frombits(uint32(a) << 1)
}

func (a Atom) AsBoolean() bool {
	check(a.Descriptor() == BOOLEAN, a, "boolean")
	return a&0x000000FF != 0
}

func (a Atom) AsIndex() uint16        { return uint16(a & 0x00000FFF) }
func (a Atom) AsOpcode() uint16       { return uint16(a>>8) & 0x0FFF }
func (a Atom) AsCastOpcode() uint16   { return uint16(a>>12) & 0x0FFF }
func (a Atom) AsInputIndex() uint8    { return uint8(a >> 12) }
func (a Atom) AsRelativeIndex() uint8 { return uint8(a >> 12) }
func (a Atom) AsNode() uint8          { return uint8(a >> 8) }
func (a Atom) AsAssignedVariable() uint8 {
	check(a.Descriptor() == ASSIGN_PTR, a, "assignment pointer")
	return uint8(a >> 16)
}

func (a Atom) NodeID() uint8   { return uint8(a >> 16) }
func (a Atom) ClassID() uint8  { return uint8(a >> 8) }
func (a Atom) DeviceID() uint8 { return uint8(a) }

// TakesPastInputs reads the flag of a NULL_PROGRAM atom.
func (a Atom) TakesPastInputs() bool { return a&0x00000001 != 0 }

// StringLength returns the character count of a STRING header.
func (a Atom) StringLength() int { return int(a & 0x000000FF) }

// IsStructural reports whether the atom heads a structure that owns the
// following AtomCount atoms.
func (a Atom) IsStructural() bool {
	if a.IsFloat() {
		return false
	}
	switch a.Descriptor() {
	case C_PTR, SET, OBJECT, MARKER, OPERATOR, STRING, TIMESTAMP, GROUP,
		INSTANTIATED_PROGRAM, INSTANTIATED_CPP_PROGRAM, INSTANTIATED_INPUT_LESS_PROGRAM,
		INSTANTIATED_ANTI_PROGRAM, COMPOSITE_STATE, MODEL, S_SET:
		return true
	}
	return false
}

// AtomCount is the number of atoms owned by a structural header.
func (a Atom) AtomCount() int {
	if a.IsFloat() {
		return 0
	}
	switch a.Descriptor() {
	case C_PTR, SET, OBJECT, MARKER, OPERATOR, GROUP,
		INSTANTIATED_PROGRAM, INSTANTIATED_CPP_PROGRAM, INSTANTIATED_INPUT_LESS_PROGRAM,
		INSTANTIATED_ANTI_PROGRAM, COMPOSITE_STATE, MODEL, S_SET:
		return int(a & 0x000000FF)
	case STRING:
		return int(a>>8) & 0xFF
	case TIMESTAMP:
		return 2
	}
	return 0
}

// IsUndefined recognizes the generic sentinel and every per-type sentinel.
func (a Atom) IsUndefined() bool {
	switch a {
	case Undefined, UndefinedFloat, UndefinedBoolean, UndefinedNode, UndefinedDevice,
		UndefinedDeviceFunction, UndefinedString, UndefinedTimestamp:
		return true
	}
	return false
}

// ReadsAsNil reports whether the atom stands for "no value".
func (a Atom) ReadsAsNil() bool {
	switch a {
	case header(NIL), UndefinedFloat, UndefinedBoolean, EmptySet, UndefinedNode,
		UndefinedDevice, UndefinedDeviceFunction, UndefinedString:
		return true
	}
	return false
}

// IsPointer reports whether the atom is one of the index-carrying pointer kinds.
func (a Atom) IsPointer() bool {
	if a.IsFloat() {
		return false
	}
	switch a.Descriptor() {
	case I_PTR, R_PTR, VL_PTR, IPGM_PTR, IN_OBJ_PTR, VALUE_PTR, PROD_PTR, OUT_OBJ_PTR,
		D_IN_OBJ_PTR, ASSIGN_PTR:
		return true
	}
	return false
}

// ErrContract is reported by Must* helpers and, in Debug mode, by accessors.
type ErrContract struct {
	Atom Atom
	Want string
}

func (e *ErrContract) Error() string {
	return fmt.Sprintf("atom %08X is not a %s", uint32(e.Atom), e.Want)
}

func check(ok bool, a Atom, want string) {
	if Debug && !ok {
		panic(&ErrContract{Atom: a, Want: want})
	}
}

// ----------------------------------------------------------------------------
// Multi-atom values
// ----------------------------------------------------------------------------

// SetTimestamp writes a timestamp header and its two words at code[i:i+3].
func SetTimestamp(code []Atom, i int, t uint64) {
	code[i] = Timestamp()
	code[i+1] = Atom(t >> 32)
	code[i+2] = Atom(t & 0xFFFFFFFF)
}

// GetTimestamp reads the timestamp whose header is at code[i].
func GetTimestamp(code []Atom, i int) uint64 {
	if code[i] == UndefinedTimestamp {
		return 0
	}
	return uint64(code[i+1])<<32 | uint64(code[i+2])
}

// TimestampAtoms returns the three atoms encoding t.
func TimestampAtoms(t uint64) []Atom {
	out := make([]Atom, 3)
	SetTimestamp(out, 0, t)
	return out
}

// StringAtoms encodes s (at most 255 bytes) as a header and its blocks.
func StringAtoms(s string) []Atom {
	if len(s) > 255 {
		s = s[:255]
	}
	h := String(uint8(len(s)))
	out := make([]Atom, 1+h.AtomCount())
	out[0] = h
	for i := 0; i < len(s); i++ {
		out[1+i/4] |= Atom(s[i]) << (8 * uint(i%4))
	}
	return out
}

// GetString decodes the string whose header is at code[i].
func GetString(code []Atom, i int) string {
	n := code[i].StringLength()
	b := make([]byte, n)
	for k := 0; k < n; k++ {
		b[k] = byte(code[i+1+k/4] >> (8 * uint(k%4)))
	}
	return string(b)
}

// ----------------------------------------------------------------------------
// Debugging
// ----------------------------------------------------------------------------

var descriptorNames = map[Descriptor]string{
	NIL: "nil", BOOLEAN: "bl", WILDCARD: ":", T_WILDCARD: "::", I_PTR: "iptr", R_PTR: "rptr",
	VL_PTR: "vlptr", IPGM_PTR: "ipgm_ptr", IN_OBJ_PTR: "in_obj_ptr", VALUE_PTR: "value_ptr",
	PROD_PTR: "prod_ptr", OUT_OBJ_PTR: "out_obj_ptr", D_IN_OBJ_PTR: "d_in_obj_ptr",
	ASSIGN_PTR: "assign_ptr", THIS: "this", VIEW: "view", MKS: "mks", VWS: "vws", NODE: "nid",
	DEVICE: "did", DEVICE_FUNCTION: "fid", C_PTR: "cptr", SET: "set", OBJECT: "obj",
	MARKER: "mk", OPERATOR: "op", STRING: "st", TIMESTAMP: "us", GROUP: "grp",
	INSTANTIATED_PROGRAM: "ipgm", INSTANTIATED_CPP_PROGRAM: "icpp_pgm",
	INSTANTIATED_INPUT_LESS_PROGRAM: "iilpgm", INSTANTIATED_ANTI_PROGRAM: "ianti_pgm",
	COMPOSITE_STATE: "cst", MODEL: "mdl", NULL_PROGRAM: "null_pgm", S_SET: "s_set",
}

// String implements fmt.Stringer.
func (a Atom) String() string { return Trace(a) }

// Trace renders a single atom.
func Trace(a Atom) string {
	if a.IsFloat() {
		if a == UndefinedFloat {
			return "nf"
		}
		return fmt.Sprintf("nb: %g", a.AsFloat())
	}
	if a == Undefined {
		return "undf"
	}
	name, ok := descriptorNames[a.Descriptor()]
	if !ok {
		return fmt.Sprintf("undef(%08X)", uint32(a))
	}
	switch a.Descriptor() {
	case NIL, THIS, VIEW, MKS, VWS, T_WILDCARD:
		return name
	case BOOLEAN:
		if a == UndefinedBoolean {
			return "bl: undf"
		}
		return fmt.Sprintf("bl: %t", a.AsBoolean())
	case WILDCARD, DEVICE_FUNCTION:
		return fmt.Sprintf("%s: %d", name, a.AsOpcode())
	case VL_PTR:
		return fmt.Sprintf("vlptr: %d", a.AsIndex())
	case ASSIGN_PTR:
		return fmt.Sprintf("assign_ptr: %d<-%d", a.AsAssignedVariable(), a.AsIndex())
	case IN_OBJ_PTR, D_IN_OBJ_PTR:
		return fmt.Sprintf("%s: %d.%d", name, a.AsInputIndex(), a.AsIndex())
	case NODE:
		return fmt.Sprintf("nid: %d", a.AsNode())
	case DEVICE:
		return fmt.Sprintf("did: %d.%d.%d", a.NodeID(), a.ClassID(), a.DeviceID())
	case STRING:
		return fmt.Sprintf("st: %d", a.StringLength())
	case TIMESTAMP:
		return "us"
	}
	if a.IsPointer() {
		return fmt.Sprintf("%s: %d", name, a.AsIndex())
	}
	if a.IsStructural() {
		if a.Descriptor() == SET || a.Descriptor() == C_PTR {
			return fmt.Sprintf("%s: %d", name, a.AtomCount())
		}
		return fmt.Sprintf("%s: %d/%d", name, a.AsOpcode(), a.AtomCount())
	}
	return name
}
