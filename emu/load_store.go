// Package emu provides functional x86-64 emulation.
package emu

import (
	"fmt"

	"github.com/sarchlab/x64emu/insts"
)

// CalcAddress computes the effective address of a memory reference from the
// current register values. next is the address of the instruction after the
// one being executed and serves as the base of RIP-relative references.
func CalcAddress(regs *RegFile, m insts.Memory, next uint64) uint64 {
	var addr uint64
	switch {
	case m.Base == insts.RIP:
		addr = next
	case m.Base != insts.RegNone:
		addr = regs.ReadReg(m.Base)
	}
	if m.Index != insts.RegNone {
		addr += regs.ReadReg(m.Index) * uint64(m.Scale)
	}
	addr += uint64(m.Disp)

	switch m.Segment {
	case insts.FS:
		addr += regs.FSBase
	case insts.GS:
		addr += regs.GSBase
	}
	return addr
}

// ReadOperand returns the value of op at its own width, zero-extended.
// Immediates are returned sign-extended to 64 bits.
func ReadOperand(regs *RegFile, bus *Bus, op insts.Operand, next uint64) (uint64, error) {
	switch op.Kind {
	case insts.OperandReg:
		return regs.ReadReg(op.Reg), nil
	case insts.OperandImm:
		return uint64(op.Imm), nil
	case insts.OperandMem:
		return bus.Read(CalcAddress(regs, op.Mem, next), op.Mem.Size)
	}
	return 0, fmt.Errorf("read of empty operand")
}

// WriteOperand stores value into op, truncated to the operand width.
func WriteOperand(regs *RegFile, bus *Bus, op insts.Operand, value uint64, next uint64) error {
	switch op.Kind {
	case insts.OperandReg:
		regs.WriteReg(op.Reg, value)
		return nil
	case insts.OperandMem:
		return bus.Write(CalcAddress(regs, op.Mem, next), op.Mem.Size, value)
	case insts.OperandImm:
		return fmt.Errorf("write to immediate operand %v", op)
	}
	return fmt.Errorf("write to empty operand")
}

// LoadStoreUnit performs operand and stack accesses against one register
// file and bus.
type LoadStoreUnit struct {
	regFile *RegFile
	bus     *Bus
}

// NewLoadStoreUnit creates a new LoadStoreUnit connected to the given
// register file and bus.
func NewLoadStoreUnit(regFile *RegFile, bus *Bus) *LoadStoreUnit {
	return &LoadStoreUnit{
		regFile: regFile,
		bus:     bus,
	}
}

// Read reads an operand.
func (lsu *LoadStoreUnit) Read(op insts.Operand, next uint64) (uint64, error) {
	return ReadOperand(lsu.regFile, lsu.bus, op, next)
}

// Write writes an operand.
func (lsu *LoadStoreUnit) Write(op insts.Operand, value uint64, next uint64) error {
	return WriteOperand(lsu.regFile, lsu.bus, op, value, next)
}

// Push stores value at [rsp-8] and then decrements rsp. A failed store
// leaves rsp unchanged.
func (lsu *LoadStoreUnit) Push(value uint64) error {
	return lsu.PushWidth(value, 8)
}

// PushWidth is Push for a width of 2 or 8 bytes.
func (lsu *LoadStoreUnit) PushWidth(value uint64, width int) error {
	sp := lsu.regFile.RSP() - uint64(width)
	if err := lsu.bus.Write(sp, width, value); err != nil {
		return err
	}
	lsu.regFile.SetRSP(sp)
	return nil
}

// Pop loads [rsp] and then increments rsp.
func (lsu *LoadStoreUnit) Pop() (uint64, error) {
	return lsu.PopWidth(8)
}

// PopWidth is Pop for a width of 2 or 8 bytes.
func (lsu *LoadStoreUnit) PopWidth(width int) (uint64, error) {
	sp := lsu.regFile.RSP()
	v, err := lsu.bus.Read(sp, width)
	if err != nil {
		return 0, err
	}
	lsu.regFile.SetRSP(sp + uint64(width))
	return v, nil
}

// Load reads width bytes at addr.
func (lsu *LoadStoreUnit) Load(addr uint64, width int) (uint64, error) {
	return lsu.bus.Read(addr, width)
}

// Store writes the low width bytes of value at addr.
func (lsu *LoadStoreUnit) Store(addr uint64, width int, value uint64) error {
	return lsu.bus.Write(addr, width, value)
}
