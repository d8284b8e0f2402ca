package rcode

import (
	"replinet/internal/atom"
)

// ============================================================================
// Facts and their wrappers
// ============================================================================

func newFact(op uint16, target *Object, after, before uint64, cfd, psln float64) *Object {
	b := NewBuilder(atom.Object(op, FactArity))
	b.Ref(FactTarget, target)
	b.PutTimestamp(FactAfter, after)
	b.PutTimestamp(FactBefore, before)
	b.Float(FactCfd, cfd)
	b.Float(FactArity, psln)
	return b.Build()
}

// NewFact states that target held over [after, before] with confidence cfd.
func NewFact(target *Object, after, before uint64, cfd, psln float64) *Object {
	return newFact(OpFact, target, after, before, cfd, psln)
}

// NewAntiFact states that target did not hold over [after, before].
func NewAntiFact(target *Object, after, before uint64, cfd, psln float64) *Object {
	return newFact(OpAntiFact, target, after, before, cfd, psln)
}

// NewFactPattern builds a fact skeleton whose timings are variables and whose
// confidence is a wildcard.
func NewFactPattern(target *Object, afterVar, beforeVar uint16) *Object {
	return newFactPattern(OpFact, target, afterVar, beforeVar)
}

// NewAntiFactPattern is NewFactPattern for anti-facts.
func NewAntiFactPattern(target *Object, afterVar, beforeVar uint16) *Object {
	return newFactPattern(OpAntiFact, target, afterVar, beforeVar)
}

func newFactPattern(op uint16, target *Object, afterVar, beforeVar uint16) *Object {
	b := NewBuilder(atom.Object(op, FactArity))
	b.Ref(FactTarget, target)
	b.Put(FactAfter, atom.VLPointer(afterVar, 0))
	b.Put(FactBefore, atom.VLPointer(beforeVar, 0))
	b.Put(FactCfd, atom.Wildcard(0))
	b.Float(FactArity, 1)
	return b.Build()
}

// NewPred wraps a fact into a prediction.
func NewPred(target *Object, psln float64) *Object {
	b := NewBuilder(atom.Object(OpPred, PredArity))
	b.Ref(PredTarget, target)
	b.Float(PredArity, psln)
	return b.Build()
}

// NewGoal wraps a fact into a goal pursued by actor (nil for none).
func NewGoal(target, actor *Object, psln float64) *Object {
	b := NewBuilder(atom.Object(OpGoal, GoalArity))
	b.Ref(GoalTarget, target)
	b.Ref(GoalActor, actor)
	b.Float(GoalArity, psln)
	return b.Build()
}

// NewSuccess records that object (a fact of a pred or goal) succeeded, with
// the evidence that settled it (nil for none).
func NewSuccess(object, evidence *Object, psln float64) *Object {
	b := NewBuilder(atom.Object(OpSuccess, SuccessArity))
	b.Ref(SuccessObject, object)
	b.Ref(SuccessEvidence, evidence)
	b.Float(SuccessArity, psln)
	return b.Build()
}

// ============================================================================
// Markers
// ============================================================================

// NewMkVal states that attribute of object has value.
func NewMkVal(object, attribute *Object, value atom.Atom, psln float64) *Object {
	b := NewBuilder(atom.Marker(OpMkVal, MkValArity))
	b.Ref(MkValObject, object)
	b.Ref(MkValAttribute, attribute)
	b.Put(MkValValue, value)
	b.Float(MkValArity, psln)
	return b.Build()
}

// NewMkRdx records that code reduced input into production.
func NewMkRdx(code, input, production *Object, psln float64) *Object {
	b := NewBuilder(atom.Marker(OpMkRdx, MkRdxArity))
	b.Ref(MkRdxCode, code)
	b.Ref(MkRdxInput, input)
	b.Ref(MkRdxProduction, production)
	b.Float(MkRdxArity, psln)
	return b.Build()
}

// NewNotification builds a single-object notification marker (mk.new,
// mk.low_res, mk.high_sln, ...).
func NewNotification(op uint16, object *Object) *Object {
	b := NewBuilder(atom.Marker(op, NtfArity))
	b.Ref(NtfObject, object)
	b.Float(NtfArity, 1)
	return b.Build()
}

// NewChangeNotification builds mk.sln_chg or mk.act_chg.
func NewChangeNotification(op uint16, object *Object, change float64) *Object {
	b := NewBuilder(atom.Marker(op, NtfChangeArity))
	b.Ref(NtfObject, object)
	b.Float(NtfChange, change)
	b.Float(NtfChangeArity, 1)
	return b.Build()
}

// NewGrpPair pairs a primary group with its secondary group.
func NewGrpPair(primary, secondary *Object) *Object {
	b := NewBuilder(atom.Marker(OpMkGrpPair, GrpPairArity))
	b.Ref(GrpPairPrimary, primary)
	b.Ref(GrpPairSecondary, secondary)
	b.Float(GrpPairArity, 1)
	return b.Build()
}

// ============================================================================
// Plain objects
// ============================================================================

// NewEntity builds an ent, the class drives are expressed over.
func NewEntity(psln float64) *Object {
	return NewBuilder(atom.Object(OpEnt, 1)).Float(1, psln).Build()
}

// NewOntology builds an ont, used as attribute names in mk.val.
func NewOntology(psln float64) *Object {
	return NewBuilder(atom.Object(OpOnt, 1)).Float(1, psln).Build()
}

// NewCmd builds a command routed by function opcode.
func NewCmd(function uint16, device atom.Atom, args []atom.Atom) *Object {
	b := NewBuilder(atom.Object(OpCmd, CmdArity))
	b.Put(CmdFunction, atom.DeviceFunction(function))
	b.Put(CmdDevice, device)
	b.PutSet(CmdArgs, args...)
	b.Float(CmdArity, 1)
	return b.Build()
}

// ============================================================================
// Groups
// ============================================================================

// GroupParams are the member values of a group object.
type GroupParams struct {
	Upr                  float64
	SlnThr, ActThr       float64
	VisThr               float64
	CSln, CSlnThr        float64
	CAct, CActThr        float64
	DcyPer, DcyTgt       float64
	DcyPrd, DcyAuto      float64
	SlnChgThr, SlnChgPrd float64
	ActChgThr, ActChgPrd float64
	HighSlnThr           float64
	LowSlnThr            float64
	SlnNtfPrd            float64
	HighActThr           float64
	LowActThr            float64
	ActNtfPrd            float64
	NtfNew               float64
	LowResThr            float64
	NtfGroups            []*Object
}

// DefaultGroupParams is an always-on group that updates every base period and
// emits no notifications.
func DefaultGroupParams() GroupParams {
	return GroupParams{
		Upr:        1,
		CSln:       1,
		CAct:       1,
		SlnChgThr:  1,
		ActChgThr:  1,
		HighSlnThr: 1,
		HighActThr: 1,
	}
}

// NewGroupObject encodes a group.
func NewGroupObject(p GroupParams) *Object {
	b := NewBuilder(atom.GroupObject(OpGrp, GrpArity))
	vals := map[int]float64{
		GrpUpr: p.Upr, GrpSlnThr: p.SlnThr, GrpActThr: p.ActThr, GrpVisThr: p.VisThr,
		GrpCSln: p.CSln, GrpCSlnThr: p.CSlnThr, GrpCAct: p.CAct, GrpCActThr: p.CActThr,
		GrpDcyPer: p.DcyPer, GrpDcyTgt: p.DcyTgt, GrpDcyPrd: p.DcyPrd, GrpDcyAuto: p.DcyAuto,
		GrpSlnChgThr: p.SlnChgThr, GrpSlnChgPrd: p.SlnChgPrd,
		GrpActChgThr: p.ActChgThr, GrpActChgPrd: p.ActChgPrd,
		GrpHighSlnThr: p.HighSlnThr, GrpLowSlnThr: p.LowSlnThr, GrpSlnNtfPrd: p.SlnNtfPrd,
		GrpHighActThr: p.HighActThr, GrpLowActThr: p.LowActThr, GrpActNtfPrd: p.ActNtfPrd,
		GrpNtfNew: p.NtfNew, GrpLowResThr: p.LowResThr,
	}
	for i, v := range vals {
		b.Float(i, v)
	}
	for _, i := range []int{GrpAvgSln, GrpHighSln, GrpLowSln, GrpAvgAct, GrpHighAct, GrpLowAct} {
		b.Float(i, 0)
	}
	b.RefSet(GrpNtfGrps, p.NtfGroups...)
	b.Float(GrpPsln, 1)
	return b.Build()
}

// ============================================================================
// High-level patterns (models, composite states)
// ============================================================================

// ModelSpec describes a causal model lhs -> rhs.
type ModelSpec struct {
	LHS, RHS    *Object
	Template    []uint16
	Fwd, Bwd    []Guard
	OutGroups   []*Object
	Strength    float64
	Count       float64
	SuccessRate float64
	Psln        float64
}

// NewModel encodes a model.
func NewModel(s ModelSpec) *Object {
	b := NewBuilder(atom.Model(OpMdl, MdlArity))
	b.PutSet(HlpTemplate, varAtoms(s.Template)...)
	b.RefSet(HlpObjs, s.LHS, s.RHS)
	b.Guards(HlpFwdGuards, s.Fwd)
	b.Guards(HlpBwdGuards, s.Bwd)
	b.RefSet(HlpOutGroups, s.OutGroups...)
	b.Float(MdlStrength, s.Strength)
	b.Float(MdlCnt, s.Count)
	b.Float(MdlSR, s.SuccessRate)
	b.Float(MdlDSR, 0)
	b.Float(MdlArity, psln(s.Psln))
	return b.Build()
}

// CSTSpec describes a composite state: a conjunction of fact patterns.
type CSTSpec struct {
	Patterns  []*Object
	Template  []uint16
	Fwd, Bwd  []Guard
	OutGroups []*Object
	Psln      float64
}

// NewCST encodes a composite state.
func NewCST(s CSTSpec) *Object {
	b := NewBuilder(atom.CompositeState(OpCst, CstArity))
	b.PutSet(HlpTemplate, varAtoms(s.Template)...)
	b.RefSet(HlpObjs, s.Patterns...)
	b.Guards(HlpFwdGuards, s.Fwd)
	b.Guards(HlpBwdGuards, s.Bwd)
	b.RefSet(HlpOutGroups, s.OutGroups...)
	b.Float(CstArity, psln(s.Psln))
	return b.Build()
}

func varAtoms(vars []uint16) []atom.Atom {
	out := make([]atom.Atom, len(vars))
	for i, v := range vars {
		out[i] = atom.VLPointer(v, 0)
	}
	return out
}

func psln(p float64) float64 {
	if p == 0 {
		return 1
	}
	return p
}

// ============================================================================
// Programs
// ============================================================================

// ProductionKind selects the command a program production issues.
type ProductionKind uint8

const (
	ProduceInject ProductionKind = iota
	ProduceEject
	ProduceMod
	ProduceSet
)

// Production is one command in a program's production list. Object is a
// template bound against the overlay's variables when the program fires.
type Production struct {
	Kind   ProductionKind
	Object *Object
	Group  *Object
	Sln    float64
	Res    float64
	Member int
	Value  float64
}

// ProgramSpec describes a program: input patterns, guards and productions.
type ProgramSpec struct {
	Template    []uint16
	Inputs      []*Object
	Guards      []Guard
	Productions []Production
	Psln        float64
}

// NewProgram encodes a pgm.
func NewProgram(s ProgramSpec) *Object {
	b := NewBuilder(atom.Object(OpPgm, PgmArity))
	b.PutSet(PgmTemplate, varAtoms(s.Template)...)
	b.RefSet(PgmInputs, s.Inputs...)
	b.Guards(PgmGuards, s.Guards)
	prods := make([]atom.Atom, len(s.Productions))
	for i, p := range s.Productions {
		prods[i] = b.production(p)
	}
	b.PutSet(PgmProds, prods...)
	b.Float(PgmArity, psln(s.Psln))
	return b.Build()
}

func (b *Builder) production(p Production) atom.Atom {
	var head int
	switch p.Kind {
	case ProduceInject:
		head = b.Append(atom.Operator(OpInject, 4), b.AddRef(p.Object), b.AddRef(p.Group),
			atom.Float64(p.Sln), atom.Float64(p.Res))
	case ProduceEject:
		head = b.Append(atom.Operator(OpEject, 1), b.AddRef(p.Object))
	case ProduceMod, ProduceSet:
		op := OpMod
		if p.Kind == ProduceSet {
			op = OpSet
		}
		head = b.Append(atom.Operator(op, 3), b.AddRef(p.Group),
			atom.Float64(float64(p.Member)), atom.Float64(p.Value))
	}
	return atom.IPointer(uint16(head))
}

// ProgramKind selects the instantiated program variant.
type ProgramKind uint8

const (
	PlainProgram ProgramKind = iota
	AntiProgram
	InputLessProgram
)

// IPGMSpec instantiates a program with template arguments.
type IPGMSpec struct {
	Kind     ProgramKind
	Program  *Object
	Args     []atom.Atom
	TSC      uint64
	Run      bool
	TakePast bool
	Psln     float64
}

// NewIPGM encodes an instantiated program. Run false makes it fire once.
func NewIPGM(s IPGMSpec) *Object {
	var head atom.Atom
	switch s.Kind {
	case AntiProgram:
		head = atom.InstantiatedAntiProgram(OpIPgm, IPgmArity)
	case InputLessProgram:
		head = atom.InstantiatedInputLessProgram(OpIPgm, IPgmArity)
	default:
		head = atom.InstantiatedProgram(OpIPgm, IPgmArity)
	}
	b := NewBuilder(head)
	b.Ref(IPgmProgram, s.Program)
	b.PutSet(IPgmArgs, s.Args...)
	b.PutTimestamp(IPgmTSC, s.TSC)
	b.Put(IPgmRun, atom.Boolean(s.Run))
	b.Put(IPgmTakePast, atom.Boolean(s.TakePast))
	b.Float(IPgmArity, psln(s.Psln))
	return b.Build()
}

// ============================================================================
// Accessors
// ============================================================================

// IsFact reports whether o is a fact.
func IsFact(o *Object) bool { return o != nil && isObject(o) && o.Opcode() == OpFact }

// IsAntiFact reports whether o is an anti-fact.
func IsAntiFact(o *Object) bool { return o != nil && isObject(o) && o.Opcode() == OpAntiFact }

// IsAnyFact reports whether o is a fact or an anti-fact.
func IsAnyFact(o *Object) bool { return IsFact(o) || IsAntiFact(o) }

func isObject(o *Object) bool {
	h := o.Head()
	return !h.IsFloat() && (h.Descriptor() == atom.OBJECT || h.Descriptor() == atom.MARKER)
}

// Is reports whether o is an object or marker with the given opcode.
func Is(o *Object, op uint16) bool { return o != nil && isObject(o) && o.Opcode() == op }

// FactTargetOf returns the fact's target, or nil if o is not a fact.
func FactTargetOf(o *Object) *Object {
	if !IsAnyFact(o) {
		return nil
	}
	return o.Reference(int(o.At(FactTarget).AsIndex()))
}

// FactTimings returns [after, before].
func FactTimings(o *Object) (after, before uint64) {
	return o.Timestamp(FactAfter), o.Timestamp(FactBefore)
}

// FactCfdOf returns the fact's confidence.
func FactCfdOf(o *Object) float64 {
	a := o.At(FactCfd)
	if !a.IsFloat() {
		return 1
	}
	return float64(a.AsFloat())
}

// RefAt resolves the R_PTR at slot i of o.
func RefAt(o *Object, i int) *Object {
	a := o.At(i)
	if a.IsFloat() || a.Descriptor() != atom.R_PTR {
		return nil
	}
	return o.Reference(int(a.AsIndex()))
}

// SetElements returns the atoms of the set addressed by the I_PTR at slot i.
func SetElements(o *Object, i int) []atom.Atom {
	code := o.Code()
	p := code[i]
	if p.IsFloat() || p.Descriptor() != atom.I_PTR {
		return nil
	}
	h := int(p.AsIndex())
	n := code[h].AtomCount()
	return code[h+1 : h+1+n]
}

// SetReferences resolves a set of R_PTRs at slot i.
func SetReferences(o *Object, i int) []*Object {
	elems := SetElements(o, i)
	out := make([]*Object, 0, len(elems))
	for _, a := range elems {
		if !a.IsFloat() && a.Descriptor() == atom.R_PTR {
			out = append(out, o.Reference(int(a.AsIndex())))
		}
	}
	return out
}
