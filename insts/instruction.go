// Package insts provides x86-64 instruction definitions and decoding.
package insts

import "fmt"

// Op is the semantic class of a decoded instruction.
type Op uint8

// Instruction classes.
const (
	OpInvalid Op = iota
	OpMov
	OpMovZX
	OpAdd
	OpAdc
	OpSub
	OpCmp
	OpTest
	OpInc
	OpDec
	OpPush
	OpPop
	OpLea
	OpXor
	OpShl
	OpShr
	OpNop
	OpCld
	OpLeave
	OpInt3
	OpConditionalJump
	OpUnconditionalJump
	OpCall
	OpRet
	OpRep
)

var opNames = [...]string{
	OpInvalid:           "Invalid",
	OpMov:               "Mov",
	OpMovZX:             "MovZX",
	OpAdd:               "Add",
	OpAdc:               "Adc",
	OpSub:               "Sub",
	OpCmp:               "Cmp",
	OpTest:              "Test",
	OpInc:               "Inc",
	OpDec:               "Dec",
	OpPush:              "Push",
	OpPop:               "Pop",
	OpLea:               "Lea",
	OpXor:               "Xor",
	OpShl:               "Shl",
	OpShr:               "Shr",
	OpNop:               "Nop",
	OpCld:               "Cld",
	OpLeave:             "Leave",
	OpInt3:              "Int3",
	OpConditionalJump:   "ConditionalJump",
	OpUnconditionalJump: "UnconditionalJump",
	OpCall:              "Call",
	OpRet:               "Ret",
	OpRep:               "Rep",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// IsControlFlow reports whether instructions of this class may redirect rip.
func (o Op) IsControlFlow() bool {
	switch o {
	case OpConditionalJump, OpUnconditionalJump, OpCall, OpRet:
		return true
	}
	return false
}

// RepKind is the string operation repeated under a REP prefix.
type RepKind uint8

// Repeatable string operations.
const (
	RepMov RepKind = iota
	RepStos
	RepLods
	RepScas
)

func (k RepKind) String() string {
	switch k {
	case RepMov:
		return "Mov"
	case RepStos:
		return "Stos"
	case RepLods:
		return "Lods"
	case RepScas:
		return "Scas"
	}
	return fmt.Sprintf("RepKind(%d)", uint8(k))
}

// RepeatableInstruction describes a REP-prefixed string operation.
type RepeatableInstruction struct {
	Kind RepKind
	// Width is the element size in bytes (1, 2, 4 or 8).
	Width int
	// UntilEqual is set for REPNE SCAS, which stops when the element matches.
	// Plain REP/REPE SCAS stops on the first mismatch.
	UntilEqual bool
}

// Instruction is one classified x86-64 instruction. Operands are in
// destination-first order.
type Instruction struct {
	Address  uint64
	Length   int
	Mnemonic string
	OpStr    string

	Op Op

	// Dst and Src are the explicit operands. Single-operand classes (Push,
	// Pop, Inc, Dec, Call, UnconditionalJump) only use Dst. For the CXZ
	// ConditionalJump, Src holds the counter register being tested.
	Dst Operand
	Src Operand

	// Cond and Target are set for OpConditionalJump. Target is absolute.
	Cond   ConditionCode
	Target uint64

	// Rep is set for OpRep.
	Rep RepeatableInstruction
}

// Next returns the address of the following instruction.
func (i Instruction) Next() uint64 {
	return i.Address + uint64(i.Length)
}

// IsInvalid reports whether the instruction could not be classified.
func (i Instruction) IsInvalid() bool {
	return i.Op == OpInvalid
}

// DirectTarget returns the absolute target of a direct call or jump.
func (i Instruction) DirectTarget() (uint64, bool) {
	switch i.Op {
	case OpConditionalJump:
		return i.Target, true
	case OpCall, OpUnconditionalJump:
		if i.Dst.Kind == OperandImm {
			return uint64(i.Dst.Imm), true
		}
	}
	return 0, false
}

// String renders the instruction as "0xADDR: mnemonic operands".
func (i Instruction) String() string {
	if i.OpStr == "" {
		return fmt.Sprintf("0x%x: %s", i.Address, i.Mnemonic)
	}
	return fmt.Sprintf("0x%x: %s %s", i.Address, i.Mnemonic, i.OpStr)
}
