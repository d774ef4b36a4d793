// Package insts provides x86-64 instruction definitions and decoding.
package insts

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// prefixWords are the leading tokens of Intel syntax that belong to the
// mnemonic rather than to the operand string.
var prefixWords = map[string]bool{
	"rep": true, "repne": true, "lock": true, "bnd": true,
	"xacquire": true, "xrelease": true,
	"hint-taken": true, "hint-not-taken": true,
	"addr16": true, "addr32": true, "data16": true, "data32": true,
}

// splitSyntax breaks "rep movsb byte ptr [rdi], byte ptr [rsi]" into the
// mnemonic "rep movsb" and its operand text.
func splitSyntax(text string) (string, string) {
	rest := strings.TrimSpace(text)
	var words []string
	for {
		word, tail, found := strings.Cut(rest, " ")
		words = append(words, word)
		rest = strings.TrimSpace(tail)
		if !found || !prefixWords[word] {
			break
		}
	}
	return strings.Join(words, " "), rest
}

// Classify converts a raw decoded instruction located at address into an
// Instruction. Unsupported forms classify as OpInvalid; Classify never fails.
func Classify(raw x86asm.Inst, address uint64) Instruction {
	inst := Instruction{Address: address, Length: raw.Len}
	inst.Mnemonic, inst.OpStr = splitSyntax(x86asm.IntelSyntax(raw, address, nil))

	c := classifier{raw: raw, inst: &inst}
	if !c.classify() {
		inst.Op = OpInvalid
		inst.Dst = Operand{}
		inst.Src = Operand{}
	}
	return inst
}

type classifier struct {
	raw  x86asm.Inst
	inst *Instruction
}

func (c *classifier) classify() bool {
	raw := c.raw
	switch raw.Op {
	case x86asm.MOV:
		return c.binary(OpMov)
	case x86asm.MOVZX:
		return c.binary(OpMovZX)
	case x86asm.ADD:
		return c.binary(OpAdd)
	case x86asm.ADC:
		return c.binary(OpAdc)
	case x86asm.SUB:
		return c.binary(OpSub)
	case x86asm.CMP:
		return c.binary(OpCmp)
	case x86asm.TEST:
		return c.binary(OpTest)
	case x86asm.XOR:
		return c.binary(OpXor)
	case x86asm.SHL:
		return c.binary(OpShl)
	case x86asm.SHR:
		return c.binary(OpShr)
	case x86asm.LEA:
		return c.binary(OpLea) && c.inst.Src.Kind == OperandMem
	case x86asm.INC:
		return c.unary(OpInc)
	case x86asm.DEC:
		return c.unary(OpDec)
	case x86asm.PUSH:
		return c.unary(OpPush)
	case x86asm.POP:
		return c.unary(OpPop)
	case x86asm.JMP:
		return c.unary(OpUnconditionalJump)
	case x86asm.CALL:
		return c.unary(OpCall)
	case x86asm.NOP:
		c.inst.Op = OpNop
		return true
	case x86asm.CLD:
		c.inst.Op = OpCld
		return true
	case x86asm.LEAVE:
		c.inst.Op = OpLeave
		return true
	case x86asm.INT:
		if imm, ok := raw.Args[0].(x86asm.Imm); ok && imm == 3 {
			c.inst.Op = OpInt3
			return true
		}
		return false
	case x86asm.RET:
		c.inst.Op = OpRet
		if imm, ok := raw.Args[0].(x86asm.Imm); ok {
			c.inst.Dst = ImmOperand(int64(imm))
		}
		return true
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		return c.rep(RepMov)
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		return c.rep(RepStos)
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		return c.rep(RepLods)
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return c.rep(RepScas)
	}

	if IsConditionalJump(raw.Op) {
		return c.conditionalJump()
	}
	return false
}

func (c *classifier) binary(op Op) bool {
	if c.raw.Args[0] == nil || c.raw.Args[1] == nil || c.raw.Args[2] != nil {
		return false
	}
	dst, ok := c.operand(c.raw.Args[0])
	if !ok || dst.Kind == OperandImm {
		return false
	}
	src, ok := c.operand(c.raw.Args[1])
	if !ok {
		return false
	}
	c.inst.Op = op
	c.inst.Dst = dst
	c.inst.Src = src
	return true
}

func (c *classifier) unary(op Op) bool {
	if c.raw.Args[0] == nil || c.raw.Args[1] != nil {
		return false
	}
	dst, ok := c.operand(c.raw.Args[0])
	if !ok {
		return false
	}
	c.inst.Op = op
	c.inst.Dst = dst
	return true
}

func (c *classifier) conditionalJump() bool {
	rel, ok := c.raw.Args[0].(x86asm.Rel)
	if !ok {
		return false
	}
	target := c.inst.Next() + uint64(int64(rel))
	c.inst.Op = OpConditionalJump
	c.inst.Cond = ConditionFromOp(c.raw.Op)
	c.inst.Target = target
	c.inst.Dst = ImmOperand(int64(target))
	switch c.raw.Op {
	case x86asm.JRCXZ:
		c.inst.Src = RegOperand(RCX)
	case x86asm.JECXZ:
		c.inst.Src = RegOperand(ECX)
	case x86asm.JCXZ:
		c.inst.Src = RegOperand(CX)
	}
	return true
}

func (c *classifier) rep(kind RepKind) bool {
	var rep, repne bool
	for _, p := range c.raw.Prefix {
		if p == 0 {
			break
		}
		switch p & 0xFF {
		case x86asm.PrefixREP:
			rep = true
		case x86asm.PrefixREPN:
			repne = true
		}
	}
	if !rep && !repne {
		return false
	}

	c.inst.Op = OpRep
	c.inst.Rep = RepeatableInstruction{
		Kind:       kind,
		Width:      stringWidth(c.raw.Op),
		UntilEqual: kind == RepScas && repne,
	}
	return true
}

func stringWidth(op x86asm.Op) int {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB, x86asm.SCASB:
		return 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW, x86asm.SCASW:
		return 2
	case x86asm.MOVSD, x86asm.STOSD, x86asm.LODSD, x86asm.SCASD:
		return 4
	}
	return 8
}

func (c *classifier) operand(a x86asm.Arg) (Operand, bool) {
	switch a := a.(type) {
	case x86asm.Reg:
		r, ok := FromX86(a)
		if !ok || !r.IsGPR() {
			return Operand{}, false
		}
		return RegOperand(r), true
	case x86asm.Imm:
		return ImmOperand(int64(a)), true
	case x86asm.Rel:
		return ImmOperand(int64(c.inst.Next() + uint64(int64(a)))), true
	case x86asm.Mem:
		return c.memory(a)
	}
	return Operand{}, false
}

func (c *classifier) memory(m x86asm.Mem) (Operand, bool) {
	base, ok := FromX86(m.Base)
	if !ok || (base != RegNone && !base.IsGPR() && base != RIP) {
		return Operand{}, false
	}
	index, ok := FromX86(m.Index)
	if !ok || (index != RegNone && !index.IsGPR()) {
		return Operand{}, false
	}
	segment, ok := FromX86(m.Segment)
	if !ok || (segment != RegNone && !segment.IsSegment()) {
		return Operand{}, false
	}
	// Only FS and GS carry a base in 64-bit mode; the decoder reports the
	// implicit DS/SS/ES segments too.
	if segment != FS && segment != GS {
		segment = RegNone
	}

	size := c.raw.MemBytes
	if size == 0 {
		size = c.raw.DataSize / 8
	}

	mem := Memory{
		Base:    base,
		Index:   index,
		Disp:    m.Disp,
		Segment: segment,
		Size:    size,
	}
	if index != RegNone {
		mem.Scale = m.Scale
	}
	return MemOperand(mem), true
}
