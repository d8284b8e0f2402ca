package rcode

import "fmt"

// Opcodes of the built-in classes the runtime interprets.
const (
	OpGrp uint16 = iota + 1
	OpFact
	OpAntiFact
	OpPred
	OpGoal
	OpSuccess
	OpMkVal
	OpMkRdx
	OpMkNew
	OpMkLowRes
	OpMkLowSln
	OpMkHighSln
	OpMkLowAct
	OpMkHighAct
	OpMkSlnChg
	OpMkActChg
	OpMkGrpPair
	OpMdl
	OpCst
	OpIMdl
	OpICst
	OpPgm
	OpIPgm
	OpCmd
	OpEnt
	OpOnt

	// Commands usable as program productions.
	OpInject
	OpEject
	OpMod
	OpSet

	// Guard operators.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpEqu
	OpNeq
	OpGtr
	OpLsr
	OpGte
	OpLte
)

var opcodeNames = map[uint16]string{
	OpGrp: "grp", OpFact: "fact", OpAntiFact: "|fact", OpPred: "pred", OpGoal: "goal",
	OpSuccess: "success", OpMkVal: "mk.val", OpMkRdx: "mk.rdx", OpMkNew: "mk.new",
	OpMkLowRes: "mk.low_res", OpMkLowSln: "mk.low_sln", OpMkHighSln: "mk.high_sln",
	OpMkLowAct: "mk.low_act", OpMkHighAct: "mk.high_act", OpMkSlnChg: "mk.sln_chg",
	OpMkActChg: "mk.act_chg", OpMkGrpPair: "mk.grp_pair", OpMdl: "mdl", OpCst: "cst",
	OpIMdl: "imdl", OpICst: "icst", OpPgm: "pgm", OpIPgm: "ipgm", OpCmd: "cmd", OpEnt: "ent",
	OpOnt: "ont", OpInject: "_inj", OpEject: "_eje", OpMod: "_mod", OpSet: "_set",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpEqu: "equ", OpNeq: "neq",
	OpGtr: "gtr", OpLsr: "lsr", OpGte: "gte", OpLte: "lte",
}

// OpcodeName renders an opcode for traces.
func OpcodeName(op uint16) string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", op)
}

// ============================================================================
// Code layouts
// ============================================================================

// Fact and anti-fact: (fact target after before cfd psln_thr).
const (
	FactTarget = 1
	FactAfter  = 2
	FactBefore = 3
	FactCfd    = 4
	FactArity  = 5
)

// Prediction: (pred target psln_thr).
const (
	PredTarget = 1
	PredArity  = 2
)

// Goal: (goal target actor psln_thr).
const (
	GoalTarget = 1
	GoalActor  = 2
	GoalArity  = 3
)

// Success: (success object evidence psln_thr).
const (
	SuccessObject   = 1
	SuccessEvidence = 2
	SuccessArity    = 3
)

// Reduction marker: (mk.rdx f_imdl input production psln_thr).
const (
	MkRdxCode       = 1
	MkRdxInput      = 2
	MkRdxProduction = 3
	MkRdxArity      = 4
)

// Value marker: (mk.val object attribute value psln_thr).
const (
	MkValObject    = 1
	MkValAttribute = 2
	MkValValue     = 3
	MkValArity     = 4
)

// Notification markers: (mk.x object psln_thr) and (mk.x_chg object value psln_thr).
const (
	NtfObject      = 1
	NtfArity       = 2
	NtfChange      = 2
	NtfChangeArity = 3
)

// Group pair: (mk.grp_pair primary secondary psln_thr).
const (
	GrpPairPrimary   = 1
	GrpPairSecondary = 2
	GrpPairArity     = 3
)

// Command: (cmd function device args psln_thr).
const (
	CmdFunction = 1
	CmdDevice   = 2
	CmdArgs     = 3
	CmdArity    = 4
)

// Instantiated hlp: (imdl|icst hlp args wr_enabled psln_thr).
const (
	IHlpTarget    = 1
	IHlpArgs      = 2
	IHlpWREnabled = 3
	IHlpArity     = 4
)

// Model: (mdl tpl objs fwd_guards bwd_guards out_groups strength cnt sr dsr psln_thr).
const (
	HlpTemplate  = 1
	HlpObjs      = 2
	HlpFwdGuards = 3
	HlpBwdGuards = 4
	HlpOutGroups = 5
	MdlStrength  = 6
	MdlCnt       = 7
	MdlSR        = 8
	MdlDSR       = 9
	MdlArity     = 10
	CstArity     = 6
)

// Program: (pgm tpl inputs guards prods psln_thr).
const (
	PgmTemplate = 1
	PgmInputs   = 2
	PgmGuards   = 3
	PgmProds    = 4
	PgmArity    = 5
)

// Instantiated program: (ipgm pgm args tsc run take_past psln_thr).
const (
	IPgmProgram  = 1
	IPgmArgs     = 2
	IPgmTSC      = 3
	IPgmRun      = 4
	IPgmTakePast = 5
	IPgmArity    = 6
)

// Group members. Every member is a float except GrpNtfGrps, an I_PTR to a set
// of references to notification groups.
const (
	GrpUpr = iota + 1
	GrpSlnThr
	GrpActThr
	GrpVisThr
	GrpCSln
	GrpCSlnThr
	GrpCAct
	GrpCActThr
	GrpDcyPer
	GrpDcyTgt
	GrpDcyPrd
	GrpDcyAuto
	GrpSlnChgThr
	GrpSlnChgPrd
	GrpActChgThr
	GrpActChgPrd
	GrpAvgSln
	GrpHighSln
	GrpLowSln
	GrpAvgAct
	GrpHighAct
	GrpLowAct
	GrpHighSlnThr
	GrpLowSlnThr
	GrpSlnNtfPrd
	GrpHighActThr
	GrpLowActThr
	GrpActNtfPrd
	GrpNtfNew
	GrpLowResThr
	GrpNtfGrps
	GrpPsln
	GrpArity = GrpPsln
)
