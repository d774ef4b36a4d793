// Package emu provides functional x86-64 emulation.
package emu

import "github.com/sarchlab/x64emu/insts"

// EvaluateCondition reports whether cond holds for the given flags. counter
// is the value of the count register and is only consulted for CondCXZ.
func EvaluateCondition(flags Flags, counter uint64, cond insts.ConditionCode) bool {
	switch cond {
	case insts.CondOverflow:
		return flags.OF()
	case insts.CondNotOverflow:
		return !flags.OF()
	case insts.CondBelow:
		return flags.CF()
	case insts.CondAboveOrEqual:
		return !flags.CF()
	case insts.CondEqual:
		return flags.ZF()
	case insts.CondNotEqual:
		return !flags.ZF()
	case insts.CondBelowOrEqual:
		return flags.CF() || flags.ZF()
	case insts.CondAbove:
		return !flags.CF() && !flags.ZF()
	case insts.CondSign:
		return flags.SF()
	case insts.CondNotSign:
		return !flags.SF()
	case insts.CondParity:
		return flags.PF()
	case insts.CondNotParity:
		return !flags.PF()
	case insts.CondLess:
		return flags.SF() != flags.OF()
	case insts.CondGreaterOrEqual:
		return flags.SF() == flags.OF()
	case insts.CondLessOrEqual:
		return flags.ZF() || flags.SF() != flags.OF()
	case insts.CondGreater:
		return !flags.ZF() && flags.SF() == flags.OF()
	case insts.CondCXZ:
		return counter == 0
	}
	return false
}

// BranchUnit implements x86-64 control transfers.
type BranchUnit struct {
	regFile *RegFile
	lsu     *LoadStoreUnit
	bus     *Bus
}

// NewBranchUnit creates a new BranchUnit connected to the given register
// file and stack unit.
func NewBranchUnit(regFile *RegFile, lsu *LoadStoreUnit, bus *Bus) *BranchUnit {
	return &BranchUnit{regFile: regFile, lsu: lsu, bus: bus}
}

// ConditionalJump sets rip to the instruction target if its condition holds.
func (b *BranchUnit) ConditionalJump(inst insts.Instruction) {
	counter := b.regFile.GPR[insts.RCX.Slot()]
	if inst.Cond == insts.CondCXZ && inst.Src.Kind == insts.OperandReg {
		counter = b.regFile.ReadReg(inst.Src.Reg)
	}
	if EvaluateCondition(b.regFile.Flags, counter, inst.Cond) {
		b.regFile.RIP = inst.Target
	}
}

// Jump sets rip to the resolved jump operand.
func (b *BranchUnit) Jump(inst insts.Instruction) error {
	target, err := b.lsu.Read(inst.Dst, inst.Next())
	if err != nil {
		return err
	}
	b.regFile.RIP = target
	return nil
}

// Call pushes the return address and transfers to the call target. The
// target is resolved against the register state after rsp has been
// decremented; nothing is committed unless both the target read and the
// return-address store succeed.
func (b *BranchUnit) Call(inst insts.Instruction) error {
	sp := b.regFile.RSP() - 8

	after := *b.regFile
	after.SetRSP(sp)
	target, err := ReadOperand(&after, b.bus, inst.Dst, inst.Next())
	if err != nil {
		return err
	}

	if err := b.lsu.Push(inst.Next()); err != nil {
		return err
	}
	b.regFile.RIP = target
	return nil
}

// Ret pops the return address into rip and releases imm extra stack bytes
// for the "ret imm16" form.
func (b *BranchUnit) Ret(inst insts.Instruction) error {
	addr, err := b.lsu.Pop()
	if err != nil {
		return err
	}
	if inst.Dst.Kind == insts.OperandImm {
		b.regFile.SetRSP(b.regFile.RSP() + uint64(inst.Dst.Imm&0xFFFF))
	}
	b.regFile.RIP = addr
	return nil
}
