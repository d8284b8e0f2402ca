package core

import (
	"math"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

// MatchResult is the tri-state outcome of matching an input against a pattern.
type MatchResult uint8

const (
	MatchFailure MatchResult = iota
	MatchSuccessPositive
	MatchSuccessNegative
)

func (r MatchResult) String() string {
	switch r {
	case MatchFailure:
		return "failure"
	case MatchSuccessPositive:
		return "positive"
	case MatchSuccessNegative:
		return "negative"
	default:
		return "unknown"
	}
}

type valueKind uint8

const (
	valueNone valueKind = iota
	valueAtom
	valueStructure
	valueObject
)

// Value is what a variable slot holds: a single atom, a flat structure such
// as a timestamp, or an object reference.
type Value struct {
	kind valueKind
	atom atom.Atom
	code []atom.Atom
	obj  *rcode.Object
}

func atomValue(a atom.Atom) Value        { return Value{kind: valueAtom, atom: a} }
func objectValue(o *rcode.Object) Value  { return Value{kind: valueObject, obj: o} }
func structureValue(c []atom.Atom) Value { return Value{kind: valueStructure, code: c} }
func timestampValue(t uint64) Value      { return structureValue(atom.TimestampAtoms(t)) }
func (v Value) IsBound() bool            { return v.kind != valueNone }
func (v Value) Object() *rcode.Object    { return v.obj }

// Timestamp returns the bound time and whether the value is a timestamp.
func (v Value) Timestamp() (uint64, bool) {
	if v.kind != valueStructure || len(v.code) != 3 || v.code[0].Descriptor() != atom.TIMESTAMP {
		return 0, false
	}
	return atom.GetTimestamp(v.code, 0), true
}

// Float returns the bound number and whether the value is a float.
func (v Value) Float() (float64, bool) {
	if v.kind != valueAtom || !v.atom.IsFloat() {
		return 0, false
	}
	return float64(v.atom.AsFloat()), true
}

// BindingMap holds the variable bindings an overlay accumulates while
// matching. Copies are independent.
type BindingMap struct {
	vals     []Value
	floatTol float64
	timeTol  uint64
}

// NewBindingMap returns a map with n unbound slots.
func NewBindingMap(n int, floatTol float64, timeTol uint64) *BindingMap {
	return &BindingMap{vals: make([]Value, n), floatTol: floatTol, timeTol: timeTol}
}

// Clone returns an independent copy.
func (bm *BindingMap) Clone() *BindingMap {
	c := &BindingMap{vals: make([]Value, len(bm.vals)), floatTol: bm.floatTol, timeTol: bm.timeTol}
	copy(c.vals, bm.vals)
	return c
}

// Len is the number of slots.
func (bm *BindingMap) Len() int { return len(bm.vals) }

// Get returns slot i.
func (bm *BindingMap) Get(i int) Value {
	if i < 0 || i >= len(bm.vals) {
		return Value{}
	}
	return bm.vals[i]
}

// Set binds slot i, growing the map when needed.
func (bm *BindingMap) Set(i int, v Value) {
	for i >= len(bm.vals) {
		bm.vals = append(bm.vals, Value{})
	}
	bm.vals[i] = v
}

// Reset unbinds every slot.
func (bm *BindingMap) Reset() {
	for i := range bm.vals {
		bm.vals[i] = Value{}
	}
}

func (bm *BindingMap) floatEqual(a, b float64) bool {
	return math.Abs(a-b) <= bm.floatTol
}

func (bm *BindingMap) timeEqual(a, b uint64) bool {
	if a > b {
		return a-b <= bm.timeTol
	}
	return b-a <= bm.timeTol
}

// equal compares two bound values with the configured tolerances.
func (bm *BindingMap) equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case valueAtom:
		if a.atom.IsFloat() && b.atom.IsFloat() {
			return bm.floatEqual(float64(a.atom.AsFloat()), float64(b.atom.AsFloat()))
		}
		return a.atom == b.atom
	case valueStructure:
		ta, okA := a.Timestamp()
		tb, okB := b.Timestamp()
		if okA && okB {
			return bm.timeEqual(ta, tb)
		}
		if len(a.code) != len(b.code) {
			return false
		}
		for i := range a.code {
			if a.code[i] != b.code[i] {
				return false
			}
		}
		return true
	case valueObject:
		return sameObject(a.obj, b.obj)
	}
	return true
}

func (bm *BindingMap) bindOrCompare(i int, v Value) bool {
	if !v.IsBound() {
		return true
	}
	cur := bm.Get(i)
	if !cur.IsBound() {
		bm.Set(i, v)
		return true
	}
	return bm.equal(cur, v)
}

// sameObject reports identity, or equal code and pairwise-equal references.
func sameObject(a, b *rcode.Object) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.IsRegistered() && b.IsRegistered() {
		return false
	}
	ac, bc := a.Code(), b.Code()
	if len(ac) != len(bc) {
		return false
	}
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	ar, br := a.References(), b.References()
	if len(ar) != len(br) {
		return false
	}
	for i := range ar {
		if !sameObject(ar[i], br[i]) {
			return false
		}
	}
	return true
}

// valueAt extracts the value found at code[i] of o.
func valueAt(o *rcode.Object, code []atom.Atom, i int) Value {
	a := code[i]
	if a.IsFloat() {
		return atomValue(a)
	}
	switch a.Descriptor() {
	case atom.R_PTR:
		return objectValue(o.Reference(int(a.AsIndex())))
	case atom.I_PTR:
		h := int(a.AsIndex())
		n := code[h].AtomCount()
		s := make([]atom.Atom, n+1)
		copy(s, code[h:h+n+1])
		return structureValue(s)
	case atom.VL_PTR, atom.WILDCARD, atom.T_WILDCARD:
		return Value{}
	}
	return atomValue(a)
}

// =============================================================================
// Matching
// =============================================================================

// MatchObject matches obj against pattern ptn, binding variables.
func (bm *BindingMap) MatchObject(obj, ptn *rcode.Object) bool {
	if obj == nil || ptn == nil {
		return false
	}
	if obj == ptn {
		return true
	}
	// Entities and ontologies carry no content: only identity tells them apart.
	if rcode.Is(ptn, rcode.OpEnt) || rcode.Is(ptn, rcode.OpOnt) {
		return false
	}
	oc, pc := obj.Code(), ptn.Code()
	return bm.matchStructure(obj, oc, 0, ptn, pc, 0)
}

func (bm *BindingMap) matchStructure(o *rcode.Object, oc []atom.Atom, oi int, p *rcode.Object, pc []atom.Atom, pi int) bool {
	if oc[oi] != pc[pi] {
		return false
	}
	if pc[pi].Descriptor() == atom.TIMESTAMP {
		return bm.timeEqual(atom.GetTimestamp(oc, oi), atom.GetTimestamp(pc, pi))
	}
	n := pc[pi].AtomCount()
	if oi+n >= len(oc) || pi+n >= len(pc) {
		return false
	}
	for k := 1; k <= n; k++ {
		if !bm.matchAtom(o, oc, oi+k, p, pc, pi+k) {
			return false
		}
	}
	return true
}

func (bm *BindingMap) matchAtom(o *rcode.Object, oc []atom.Atom, oi int, p *rcode.Object, pc []atom.Atom, pi int) bool {
	pa, oa := pc[pi], oc[oi]
	if pa.IsFloat() {
		if !oa.IsFloat() {
			return isVariable(oa)
		}
		return bm.floatEqual(float64(oa.AsFloat()), float64(pa.AsFloat()))
	}
	switch pa.Descriptor() {
	case atom.WILDCARD, atom.T_WILDCARD:
		return true
	case atom.VL_PTR:
		return bm.bindOrCompare(int(pa.AsIndex()), valueAt(o, oc, oi))
	}
	if isVariable(oa) {
		return true
	}
	switch pa.Descriptor() {
	case atom.R_PTR:
		if oa.IsFloat() || oa.Descriptor() != atom.R_PTR {
			return false
		}
		or := o.Reference(int(oa.AsIndex()))
		pr := p.Reference(int(pa.AsIndex()))
		if or == pr {
			return true
		}
		return bm.MatchObject(or, pr)
	case atom.I_PTR:
		if oa.IsFloat() || oa.Descriptor() != atom.I_PTR {
			return false
		}
		return bm.matchStructure(o, oc, int(oa.AsIndex()), p, pc, int(pa.AsIndex()))
	}
	return oa == pa
}

func isVariable(a atom.Atom) bool {
	if a.IsFloat() {
		return false
	}
	switch a.Descriptor() {
	case atom.VL_PTR, atom.WILDCARD, atom.T_WILDCARD:
		return true
	}
	return false
}

// MatchFact matches input against a fact pattern. Facts and anti-facts match
// each other with a negative result. Concrete pattern timings must overlap
// the input's within the time tolerance; variable timings are bound.
func (bm *BindingMap) MatchFact(input, pattern *rcode.Object) MatchResult {
	if !rcode.IsAnyFact(input) || !rcode.IsAnyFact(pattern) {
		return MatchFailure
	}
	trial := bm.Clone()
	if !trial.MatchObject(rcode.FactTargetOf(input), rcode.FactTargetOf(pattern)) {
		return MatchFailure
	}
	if !trial.matchTimings(input, pattern) {
		return MatchFailure
	}
	pc := pattern.At(rcode.FactCfd)
	if !pc.IsFloat() && pc.Descriptor() == atom.VL_PTR {
		trial.Set(int(pc.AsIndex()), atomValue(input.At(rcode.FactCfd)))
	}
	*bm = *trial
	if input.Opcode() == pattern.Opcode() {
		return MatchSuccessPositive
	}
	return MatchSuccessNegative
}

func (bm *BindingMap) matchTimings(input, pattern *rcode.Object) bool {
	inAfter, inBefore := rcode.FactTimings(input)
	pa, pb := pattern.At(rcode.FactAfter), pattern.At(rcode.FactBefore)
	concrete := true
	if !pa.IsFloat() && pa.Descriptor() == atom.VL_PTR {
		if !bm.bindOrCompare(int(pa.AsIndex()), timestampValue(inAfter)) {
			return false
		}
		concrete = false
	}
	if !pb.IsFloat() && pb.Descriptor() == atom.VL_PTR {
		if !bm.bindOrCompare(int(pb.AsIndex()), timestampValue(inBefore)) {
			return false
		}
		concrete = false
	}
	if !concrete {
		return true
	}
	pAfter, pBefore := rcode.FactTimings(pattern)
	return inAfter <= pBefore+bm.timeTol && inBefore+bm.timeTol >= pAfter
}

// MatchStrict is MatchFact restricted to positive results.
func (bm *BindingMap) MatchStrict(input, pattern *rcode.Object) bool {
	trial := bm.Clone()
	if trial.MatchFact(input, pattern) != MatchSuccessPositive {
		return false
	}
	*bm = *trial
	return true
}

// MatchArgs binds the model variables from the argument set of an
// instantiated model or composite state.
func (bm *BindingMap) MatchArgs(ihlp *rcode.Object) bool {
	code := ihlp.Code()
	p := code[rcode.IHlpArgs]
	if p.IsFloat() || p.Descriptor() != atom.I_PTR {
		return false
	}
	h := int(p.AsIndex())
	n := code[h].AtomCount()
	trial := bm.Clone()
	for i := 0; i < n; i++ {
		if !trial.bindOrCompare(i, valueAt(ihlp, code, h+1+i)) {
			return false
		}
	}
	*bm = *trial
	return true
}

// =============================================================================
// Binding
// =============================================================================

// containsVariables reports whether p or any of its references hold a VL_PTR.
func containsVariables(p *rcode.Object) bool {
	code := p.Code()
	for i := 0; i < len(code); i++ {
		a := code[i]
		if a.IsFloat() {
			continue
		}
		switch a.Descriptor() {
		case atom.TIMESTAMP, atom.STRING:
			i += a.AtomCount()
		case atom.VL_PTR:
			return true
		}
	}
	for _, r := range p.References() {
		if r != nil && containsVariables(r) {
			return true
		}
	}
	return false
}

// Bind instantiates pattern p. Patterns without variables are shared; unbound
// variables are kept and behave as wildcards when the result is matched.
func (bm *BindingMap) Bind(p *rcode.Object) *rcode.Object {
	if p == nil || !containsVariables(p) {
		return p
	}
	pc := p.Code()
	b := rcode.NewBuilder(pc[0])
	n := pc[0].AtomCount()
	for k := 1; k <= n && k < len(pc); k++ {
		b.Put(k, bm.bindAtom(p, pc, pc[k], b))
	}
	return b.Build()
}

func (bm *BindingMap) bindAtom(p *rcode.Object, pc []atom.Atom, a atom.Atom, b *rcode.Builder) atom.Atom {
	if a.IsFloat() {
		return a
	}
	switch a.Descriptor() {
	case atom.VL_PTR:
		return bm.emit(bm.Get(int(a.AsIndex())), a, b)
	case atom.R_PTR:
		ref := p.Reference(int(a.AsIndex()))
		if ref == nil {
			return atom.Nil()
		}
		return b.AddRef(bm.Bind(ref))
	case atom.I_PTR:
		h := int(a.AsIndex())
		head := pc[h]
		n := head.AtomCount()
		switch head.Descriptor() {
		case atom.TIMESTAMP, atom.STRING:
			return atom.IPointer(uint16(b.Append(pc[h : h+n+1]...)))
		}
		at := b.Append(head)
		for k := 0; k < n; k++ {
			b.Append(atom.Nil())
		}
		for k := 1; k <= n; k++ {
			bound := bm.bindAtom(p, pc, pc[h+k], b)
			b.Put(at+k, bound)
		}
		return atom.IPointer(uint16(at))
	}
	return a
}

func (bm *BindingMap) emit(v Value, unbound atom.Atom, b *rcode.Builder) atom.Atom {
	switch v.kind {
	case valueAtom:
		return v.atom
	case valueStructure:
		return atom.IPointer(uint16(b.Append(v.code...)))
	case valueObject:
		if v.obj == nil {
			return atom.Nil()
		}
		return b.AddRef(v.obj)
	}
	return unbound
}

// argAtoms renders every slot as an argument list, unbound slots as variables.
func (bm *BindingMap) argAtoms(b *rcode.Builder) []atom.Atom {
	out := make([]atom.Atom, len(bm.vals))
	for i, v := range bm.vals {
		out[i] = bm.emit(v, atom.VLPointer(uint16(i), 0), b)
	}
	return out
}

// BuildIHlp builds (imdl|icst hlp args wr_enabled).
func (bm *BindingMap) BuildIHlp(op uint16, hlp *rcode.Object, wrEnabled bool) *rcode.Object {
	b := rcode.NewBuilder(atom.Object(op, rcode.IHlpArity))
	b.Ref(rcode.IHlpTarget, hlp)
	b.PutSet(rcode.IHlpArgs, bm.argAtoms(b)...)
	b.Put(rcode.IHlpWREnabled, atom.Boolean(wrEnabled))
	b.Float(rcode.IHlpArity, 1)
	return b.Build()
}

// timestampAt returns the time bound in slot i, or fallback.
func (bm *BindingMap) timestampAt(i int, fallback uint64) uint64 {
	if t, ok := bm.Get(i).Timestamp(); ok {
		return t
	}
	return fallback
}
