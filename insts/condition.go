// Package insts provides x86-64 instruction definitions and decoding.
package insts

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ConditionCode is the condition tested by a conditional jump.
type ConditionCode uint8

// Condition codes, in the order of the Jcc opcode table.
const (
	CondOverflow       ConditionCode = iota // OF == 1
	CondNotOverflow                         // OF == 0
	CondBelow                               // CF == 1
	CondAboveOrEqual                        // CF == 0
	CondEqual                               // ZF == 1
	CondNotEqual                            // ZF == 0
	CondBelowOrEqual                        // CF == 1 || ZF == 1
	CondAbove                               // CF == 0 && ZF == 0
	CondSign                                // SF == 1
	CondNotSign                             // SF == 0
	CondParity                              // PF == 1
	CondNotParity                           // PF == 0
	CondLess                                // SF != OF
	CondGreaterOrEqual                      // SF == OF
	CondLessOrEqual                         // ZF == 1 || SF != OF
	CondGreater                             // ZF == 0 && SF == OF
	CondCXZ                                 // rcx (or ecx/cx) == 0
)

var conditionNames = [...]string{
	CondOverflow:       "o",
	CondNotOverflow:    "no",
	CondBelow:          "b",
	CondAboveOrEqual:   "ae",
	CondEqual:          "e",
	CondNotEqual:       "ne",
	CondBelowOrEqual:   "be",
	CondAbove:          "a",
	CondSign:           "s",
	CondNotSign:        "ns",
	CondParity:         "p",
	CondNotParity:      "np",
	CondLess:           "l",
	CondGreaterOrEqual: "ge",
	CondLessOrEqual:    "le",
	CondGreater:        "g",
	CondCXZ:            "cxz",
}

func (c ConditionCode) String() string {
	if int(c) < len(conditionNames) {
		return conditionNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

var conditionByOp = map[x86asm.Op]ConditionCode{
	x86asm.JO:    CondOverflow,
	x86asm.JNO:   CondNotOverflow,
	x86asm.JB:    CondBelow,
	x86asm.JAE:   CondAboveOrEqual,
	x86asm.JE:    CondEqual,
	x86asm.JNE:   CondNotEqual,
	x86asm.JBE:   CondBelowOrEqual,
	x86asm.JA:    CondAbove,
	x86asm.JS:    CondSign,
	x86asm.JNS:   CondNotSign,
	x86asm.JP:    CondParity,
	x86asm.JNP:   CondNotParity,
	x86asm.JL:    CondLess,
	x86asm.JGE:   CondGreaterOrEqual,
	x86asm.JLE:   CondLessOrEqual,
	x86asm.JG:    CondGreater,
	x86asm.JCXZ:  CondCXZ,
	x86asm.JECXZ: CondCXZ,
	x86asm.JRCXZ: CondCXZ,
}

// IsConditionalJump reports whether op is a Jcc or JrCXZ opcode.
func IsConditionalJump(op x86asm.Op) bool {
	_, ok := conditionByOp[op]
	return ok
}

// ConditionFromOp maps a conditional-jump opcode to its condition. It
// panics for any other opcode; callers check IsConditionalJump first.
func ConditionFromOp(op x86asm.Op) ConditionCode {
	c, ok := conditionByOp[op]
	if !ok {
		panic(fmt.Sprintf("insts: %v is not a conditional jump", op))
	}
	return c
}
