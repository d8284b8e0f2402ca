package core

import (
	"math"

	"replinet/internal/atom"
	"replinet/internal/rcode"
)

type operandKind uint8

const (
	operandNone operandKind = iota
	operandNum
	operandTime
	operandBool
)

// operand is the value of a guard sub-expression.
type operand struct {
	kind operandKind
	num  float64
	time int64
	b    bool
}

func (o operand) asFloat() float64 {
	if o.kind == operandTime {
		return float64(o.time)
	}
	return o.num
}

func (o operand) value() Value {
	switch o.kind {
	case operandNum:
		return atomValue(atom.Float64(o.num))
	case operandTime:
		t := o.time
		if t < 0 {
			t = 0
		}
		return timestampValue(uint64(t))
	case operandBool:
		return atomValue(atom.Boolean(o.b))
	}
	return Value{}
}

// EvalGuards evaluates the guard set addressed by slot of o. Assignments bind
// their variable; checks must hold. It stops at the first unsatisfied guard
// or at an operand that cannot be evaluated yet.
func (bm *BindingMap) EvalGuards(o *rcode.Object, slot int) bool {
	code := o.Code()
	for _, g := range rcode.SetElements(o, slot) {
		if g.IsFloat() {
			return false
		}
		switch g.Descriptor() {
		case atom.ASSIGN_PTR:
			v, ok := bm.eval(code, int(g.AsIndex()))
			if !ok {
				return false
			}
			bm.Set(int(g.AsAssignedVariable()), v.value())
		case atom.I_PTR:
			v, ok := bm.eval(code, int(g.AsIndex()))
			if !ok || v.kind != operandBool || !v.b {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (bm *BindingMap) eval(code []atom.Atom, i int) (operand, bool) {
	if i < 0 || i >= len(code) {
		return operand{}, false
	}
	a := code[i]
	if a.IsFloat() {
		return operand{kind: operandNum, num: float64(a.AsFloat())}, true
	}
	switch a.Descriptor() {
	case atom.BOOLEAN:
		return operand{kind: operandBool, b: a.AsBoolean()}, true
	case atom.TIMESTAMP:
		return operand{kind: operandTime, time: int64(atom.GetTimestamp(code, i))}, true
	case atom.I_PTR:
		return bm.eval(code, int(a.AsIndex()))
	case atom.VL_PTR:
		v := bm.Get(int(a.AsIndex()))
		if t, ok := v.Timestamp(); ok {
			return operand{kind: operandTime, time: int64(t)}, true
		}
		if f, ok := v.Float(); ok {
			return operand{kind: operandNum, num: f}, true
		}
		if v.kind == valueAtom && v.atom.Descriptor() == atom.BOOLEAN {
			return operand{kind: operandBool, b: v.atom.AsBoolean()}, true
		}
		return operand{}, false
	case atom.OPERATOR:
		n := a.AtomCount()
		args := make([]operand, n)
		for k := 0; k < n; k++ {
			v, ok := bm.eval(code, i+1+k)
			if !ok {
				return operand{}, false
			}
			args[k] = v
		}
		return bm.apply(a.AsOpcode(), args)
	}
	return operand{}, false
}

func (bm *BindingMap) apply(op uint16, args []operand) (operand, bool) {
	if len(args) != 2 {
		return operand{}, false
	}
	l, r := args[0], args[1]
	switch op {
	case rcode.OpAdd, rcode.OpSub, rcode.OpMul, rcode.OpDiv:
		return arith(op, l, r)
	case rcode.OpEqu:
		return operand{kind: operandBool, b: bm.equalOperands(l, r)}, true
	case rcode.OpNeq:
		return operand{kind: operandBool, b: !bm.equalOperands(l, r)}, true
	case rcode.OpGtr:
		return operand{kind: operandBool, b: l.asFloat() > r.asFloat()}, true
	case rcode.OpLsr:
		return operand{kind: operandBool, b: l.asFloat() < r.asFloat()}, true
	case rcode.OpGte:
		return operand{kind: operandBool, b: l.asFloat() >= r.asFloat()}, true
	case rcode.OpLte:
		return operand{kind: operandBool, b: l.asFloat() <= r.asFloat()}, true
	}
	return operand{}, false
}

func (bm *BindingMap) equalOperands(l, r operand) bool {
	if l.kind == operandBool || r.kind == operandBool {
		return l.kind == r.kind && l.b == r.b
	}
	if l.kind == operandTime && r.kind == operandTime {
		d := l.time - r.time
		if d < 0 {
			d = -d
		}
		return uint64(d) <= bm.timeTol
	}
	return bm.floatEqual(l.asFloat(), r.asFloat())
}

// arith keeps time as soon as one side is a time: time±duration is a time,
// and so is the difference of two times.
func arith(op uint16, l, r operand) (operand, bool) {
	if l.kind == operandBool || r.kind == operandBool {
		return operand{}, false
	}
	var f float64
	x, y := l.asFloat(), r.asFloat()
	switch op {
	case rcode.OpAdd:
		f = x + y
	case rcode.OpSub:
		f = x - y
	case rcode.OpMul:
		f = x * y
	case rcode.OpDiv:
		if y == 0 {
			return operand{}, false
		}
		f = x / y
	}
	if l.kind == operandTime || r.kind == operandTime {
		return operand{kind: operandTime, time: int64(math.Round(f))}, true
	}
	return operand{kind: operandNum, num: f}, true
}

// variableCount returns one more than the highest variable index used by
// the objects, their references and their guard assignments. Referenced
// models and composite states are not entered.
func variableCount(objs ...*rcode.Object) int {
	highest := -1
	seen := make(map[*rcode.Object]bool)
	var walk func(o *rcode.Object)
	walk = func(o *rcode.Object) {
		if o == nil || seen[o] {
			return
		}
		seen[o] = true
		code := o.Code()
		for i := 0; i < len(code); i++ {
			a := code[i]
			if a.IsFloat() {
				continue
			}
			switch a.Descriptor() {
			case atom.TIMESTAMP, atom.STRING:
				i += a.AtomCount()
			case atom.VL_PTR:
				if n := int(a.AsIndex()); n > highest {
					highest = n
				}
			case atom.ASSIGN_PTR:
				if n := int(a.AsAssignedVariable()); n > highest {
					highest = n
				}
			}
		}
		for _, r := range o.References() {
			if r == nil {
				continue
			}
			switch r.Descriptor() {
			case atom.GROUP, atom.MODEL, atom.COMPOSITE_STATE:
				// Groups hold no variables; nested models and composite
				// states have variables of their own.
			default:
				walk(r)
			}
		}
	}
	for _, o := range objs {
		walk(o)
	}
	return highest + 1
}
