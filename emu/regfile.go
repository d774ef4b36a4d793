// Package emu provides functional x86-64 emulation.
package emu

import "github.com/sarchlab/x64emu/insts"

// RegFile represents the x86-64 register file.
// It contains 16 general-purpose registers (rax-r15), the instruction
// pointer, the flags word and the FS/GS segment bases.
type RegFile struct {
	// GPR holds the 64-bit general-purpose slots in encoding order:
	// rax, rcx, rdx, rbx, rsp, rbp, rsi, rdi, r8-r15.
	GPR [insts.NumSlots]uint64

	// RIP is the instruction pointer.
	RIP uint64

	// Flags holds RFLAGS.
	Flags Flags

	// FSBase and GSBase are added to fs: and gs: memory references.
	FSBase uint64
	GSBase uint64
}

// NewRegFile returns a zeroed register file with rsp set to sp.
func NewRegFile(sp uint64) RegFile {
	var r RegFile
	r.GPR[insts.RSP.Slot()] = sp
	return r
}

// ReadReg reads a register, returning its value zero-extended to 64 bits.
// Registers without a general-purpose slot read as their own kind: RIP
// returns the instruction pointer, FS and GS their bases, anything else 0.
func (r *RegFile) ReadReg(reg insts.Register) uint64 {
	slot := reg.Slot()
	if slot < 0 {
		switch reg {
		case insts.RIP:
			return r.RIP
		case insts.FS:
			return r.FSBase
		case insts.GS:
			return r.GSBase
		}
		return 0
	}

	v := r.GPR[slot]
	switch {
	case reg.IsHighByte():
		return (v >> 8) & 0xFF
	case reg.Width() == 1:
		return v & 0xFF
	case reg.Width() == 2:
		return v & 0xFFFF
	case reg.Width() == 4:
		return v & 0xFFFF_FFFF
	}
	return v
}

// WriteReg writes a register. 8- and 16-bit writes merge into the slot and
// leave the other bits intact; a 32-bit write zero-extends to 64 bits.
func (r *RegFile) WriteReg(reg insts.Register, value uint64) {
	slot := reg.Slot()
	if slot < 0 {
		switch reg {
		case insts.RIP:
			r.RIP = value
		case insts.FS:
			r.FSBase = value
		case insts.GS:
			r.GSBase = value
		}
		return
	}

	old := r.GPR[slot]
	switch {
	case reg.IsHighByte():
		r.GPR[slot] = old&^0xFF00 | (value&0xFF)<<8
	case reg.Width() == 1:
		r.GPR[slot] = old&^0xFF | value&0xFF
	case reg.Width() == 2:
		r.GPR[slot] = old&^0xFFFF | value&0xFFFF
	case reg.Width() == 4:
		r.GPR[slot] = value & 0xFFFF_FFFF
	default:
		r.GPR[slot] = value
	}
}

// RSP returns the stack pointer.
func (r *RegFile) RSP() uint64 { return r.GPR[4] }

// SetRSP sets the stack pointer.
func (r *RegFile) SetRSP(v uint64) { r.GPR[4] = v }
