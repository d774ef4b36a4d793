// Package insts provides x86-64 instruction definitions and decoding.
package insts

import (
	"fmt"
	"strings"
)

// OperandKind tells which field of an Operand is meaningful.
type OperandKind uint8

// Operand kinds.
const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
)

// Memory is a memory reference of the form
// segment:[base + index*scale + disp] with an access size in bytes.
// Absent registers are RegNone.
type Memory struct {
	Base    Register
	Index   Register
	Scale   uint8
	Disp    int64
	Segment Register
	Size    int
}

// IsRIPRelative reports whether the reference is relative to the next
// instruction's address.
func (m Memory) IsRIPRelative() bool {
	return m.Base == RIP
}

// Operand is a register, an immediate or a memory reference.
type Operand struct {
	Kind OperandKind
	Reg  Register
	Imm  int64
	Mem  Memory
}

// RegOperand returns a register operand.
func RegOperand(r Register) Operand {
	return Operand{Kind: OperandReg, Reg: r}
}

// ImmOperand returns an immediate operand.
func ImmOperand(v int64) Operand {
	return Operand{Kind: OperandImm, Imm: v}
}

// MemOperand returns a memory operand.
func MemOperand(m Memory) Operand {
	return Operand{Kind: OperandMem, Mem: m}
}

// IsReg reports whether the operand is the register r.
func (o Operand) IsReg(r Register) bool {
	return o.Kind == OperandReg && o.Reg == r
}

// Size returns the operand width in bytes, or 0 for immediates and empty
// operands whose width comes from the other operand.
func (o Operand) Size() int {
	switch o.Kind {
	case OperandReg:
		return o.Reg.Width()
	case OperandMem:
		return o.Mem.Size
	}
	return 0
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		if o.Imm < 0 {
			return fmt.Sprintf("-0x%x", uint64(-o.Imm))
		}
		return fmt.Sprintf("0x%x", o.Imm)
	case OperandMem:
		return o.Mem.String()
	}
	return ""
}

var sizeNames = map[int]string{
	1: "byte ptr ",
	2: "word ptr ",
	4: "dword ptr ",
	8: "qword ptr ",
}

func (m Memory) String() string {
	var sb strings.Builder
	sb.WriteString(sizeNames[m.Size])
	if m.Segment != RegNone {
		sb.WriteString(m.Segment.String())
		sb.WriteByte(':')
	}
	sb.WriteByte('[')
	sep := ""
	if m.Base != RegNone {
		sb.WriteString(m.Base.String())
		sep = "+"
	}
	if m.Index != RegNone {
		fmt.Fprintf(&sb, "%s%s*%d", sep, m.Index, m.Scale)
		sep = "+"
	}
	switch {
	case m.Disp < 0:
		fmt.Fprintf(&sb, "-0x%x", uint64(-m.Disp))
	case m.Disp > 0 || sep == "":
		fmt.Fprintf(&sb, "%s0x%x", sep, m.Disp)
	}
	sb.WriteByte(']')
	return sb.String()
}
