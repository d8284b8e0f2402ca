package rcode

import (
	"replinet/internal/atom"
)

// Builder assembles a code array and its reference table. The head atom fixes
// the number of slots reserved up front; extents (sets, timestamps, guard
// expressions) are appended after them and addressed through I_PTR atoms.
type Builder struct {
	code []atom.Atom
	refs []*Object
}

// NewBuilder reserves the head and its owned slots, all initialized to nil.
func NewBuilder(head atom.Atom) *Builder {
	code := make([]atom.Atom, 1+head.AtomCount())
	code[0] = head
	for i := 1; i < len(code); i++ {
		code[i] = atom.Nil()
	}
	return &Builder{code: code}
}

// Put writes a at slot i.
func (b *Builder) Put(i int, a atom.Atom) *Builder {
	b.code[i] = a
	return b
}

// Float writes f at slot i.
func (b *Builder) Float(i int, f float64) *Builder {
	return b.Put(i, atom.Float64(f))
}

// AddRef appends o to the reference table and returns its R_PTR.
func (b *Builder) AddRef(o *Object) atom.Atom {
	for i, r := range b.refs {
		if r == o {
			return atom.RPointer(uint16(i))
		}
	}
	b.refs = append(b.refs, o)
	return atom.RPointer(uint16(len(b.refs) - 1))
}

// Ref writes a reference to o at slot i. A nil object writes nil.
func (b *Builder) Ref(i int, o *Object) *Builder {
	if o == nil {
		return b.Put(i, atom.Nil())
	}
	return b.Put(i, b.AddRef(o))
}

// Append adds atoms at the end of the code and returns the index of the first.
func (b *Builder) Append(atoms ...atom.Atom) int {
	at := len(b.code)
	b.code = append(b.code, atoms...)
	return at
}

// Timestamp appends a timestamp extent and returns an I_PTR to it.
func (b *Builder) Timestamp(t uint64) atom.Atom {
	return atom.IPointer(uint16(b.Append(atom.TimestampAtoms(t)...)))
}

// PutTimestamp writes an I_PTR to a fresh timestamp extent at slot i.
func (b *Builder) PutTimestamp(i int, t uint64) *Builder {
	return b.Put(i, b.Timestamp(t))
}

// Set appends a set extent holding elems and returns an I_PTR to it.
func (b *Builder) Set(elems ...atom.Atom) atom.Atom {
	at := b.Append(atom.Set(uint8(len(elems))))
	b.Append(elems...)
	return atom.IPointer(uint16(at))
}

// PutSet writes an I_PTR to a fresh set extent at slot i.
func (b *Builder) PutSet(i int, elems ...atom.Atom) *Builder {
	return b.Put(i, b.Set(elems...))
}

// RefSet writes a set of references at slot i.
func (b *Builder) RefSet(i int, objs ...*Object) *Builder {
	elems := make([]atom.Atom, len(objs))
	for k, o := range objs {
		elems[k] = b.AddRef(o)
	}
	return b.PutSet(i, elems...)
}

// Expr encodes e and returns the atom standing for it.
func (b *Builder) Expr(e Expr) atom.Atom {
	switch e.kind {
	case exprAtom:
		return e.atom
	case exprTime:
		return b.Timestamp(e.time)
	}
	head := b.Append(atom.Operator(e.op, uint8(len(e.args))))
	for range e.args {
		b.Append(atom.Nil())
	}
	for k, a := range e.args {
		arg := b.Expr(a)
		b.code[head+1+k] = arg
	}
	return atom.IPointer(uint16(head))
}

// exprIndex encodes e as a standalone extent, so leaves get their own slot.
func (b *Builder) exprIndex(e Expr) int {
	a := b.Expr(e)
	if e.kind == exprCall || e.kind == exprTime {
		return int(a.AsIndex())
	}
	return b.Append(a)
}

// Guards writes a guard set at slot i.
func (b *Builder) Guards(i int, guards []Guard) *Builder {
	elems := make([]atom.Atom, len(guards))
	for k, g := range guards {
		idx := b.exprIndex(g.Expr)
		if g.Assign {
			elems[k] = atom.AssignmentPointer(uint8(g.Var), uint16(idx))
		} else {
			elems[k] = atom.IPointer(uint16(idx))
		}
	}
	return b.PutSet(i, elems...)
}

// Build publishes nothing: it returns an unregistered object owning the code.
func (b *Builder) Build() *Object {
	return NewObject(b.code, b.refs...)
}

// ============================================================================
// Guard expressions
// ============================================================================

type exprKind uint8

const (
	exprAtom exprKind = iota
	exprTime
	exprCall
)

// Expr is a guard expression tree, encoded by Builder.Guards.
type Expr struct {
	kind exprKind
	atom atom.Atom
	time uint64
	op   uint16
	args []Expr
}

// Var refers to binding-map slot i.
func Var(i uint16) Expr { return Expr{kind: exprAtom, atom: atom.VLPointer(i, 0)} }

// Num is a float literal.
func Num(f float64) Expr { return Expr{kind: exprAtom, atom: atom.Float64(f)} }

// Time is a timestamp literal, in microseconds.
func Time(t uint64) Expr { return Expr{kind: exprTime, time: t} }

// Call applies a guard operator.
func Call(op uint16, args ...Expr) Expr { return Expr{kind: exprCall, op: op, args: args} }

// Guard is either an assignment of an expression to a variable or a boolean check.
type Guard struct {
	Assign bool
	Var    uint16
	Expr   Expr
}

// Assign binds variable v to e.
func Assign(v uint16, e Expr) Guard { return Guard{Assign: true, Var: v, Expr: e} }

// Check requires e to evaluate to true.
func Check(e Expr) Guard { return Guard{Expr: e} }
