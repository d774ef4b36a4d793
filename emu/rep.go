// Package emu provides functional x86-64 emulation.
package emu

import "github.com/sarchlab/x64emu/insts"

// StringUnit executes REP-prefixed string operations. Each iteration
// commits its register updates before the next one starts, so a fault in
// the middle of a run leaves rcx, rsi and rdi describing the remaining work.
type StringUnit struct {
	regFile *RegFile
	bus     *Bus
}

// NewStringUnit creates a new StringUnit connected to the given register
// file and bus.
func NewStringUnit(regFile *RegFile, bus *Bus) *StringUnit {
	return &StringUnit{regFile: regFile, bus: bus}
}

var (
	slotRCX = insts.RCX.Slot()
	slotRSI = insts.RSI.Slot()
	slotRDI = insts.RDI.Slot()
)

// step returns the signed pointer increment for one element, negative
// when DF is set.
func (s *StringUnit) step(width int) uint64 {
	if s.regFile.Flags.DF() {
		return -uint64(width)
	}
	return uint64(width)
}

// Execute runs rep while rcx is non-zero.
func (s *StringUnit) Execute(rep insts.RepeatableInstruction) error {
	switch rep.Kind {
	case insts.RepMov:
		return s.movs(rep.Width)
	case insts.RepStos:
		return s.stos(rep.Width)
	case insts.RepLods:
		return s.lods(rep.Width)
	case insts.RepScas:
		return s.scas(rep.Width, rep.UntilEqual)
	}
	return nil
}

func (s *StringUnit) movs(width int) error {
	r := s.regFile
	delta := s.step(width)
	for r.GPR[slotRCX] != 0 {
		v, err := s.bus.Read(r.GPR[slotRSI], width)
		if err != nil {
			return err
		}
		if err := s.bus.Write(r.GPR[slotRDI], width, v); err != nil {
			return err
		}
		r.GPR[slotRSI] += delta
		r.GPR[slotRDI] += delta
		r.GPR[slotRCX]--
	}
	return nil
}

func (s *StringUnit) stos(width int) error {
	r := s.regFile
	delta := s.step(width)
	v := r.ReadReg(insts.SlotRegister(0, width))
	for r.GPR[slotRCX] != 0 {
		if err := s.bus.Write(r.GPR[slotRDI], width, v); err != nil {
			return err
		}
		r.GPR[slotRDI] += delta
		r.GPR[slotRCX]--
	}
	return nil
}

func (s *StringUnit) lods(width int) error {
	r := s.regFile
	delta := s.step(width)
	acc := insts.SlotRegister(0, width)
	for r.GPR[slotRCX] != 0 {
		v, err := s.bus.Read(r.GPR[slotRSI], width)
		if err != nil {
			return err
		}
		r.WriteReg(acc, v)
		r.GPR[slotRSI] += delta
		r.GPR[slotRCX]--
	}
	return nil
}

// scas compares the accumulator with [rdi]. REPE stops on the first
// mismatch, REPNE (untilEqual) on the first match.
func (s *StringUnit) scas(width int, untilEqual bool) error {
	r := s.regFile
	delta := s.step(width)
	acc := r.ReadReg(insts.SlotRegister(0, width))
	alu := NewALU(&r.Flags)
	for r.GPR[slotRCX] != 0 {
		v, err := s.bus.Read(r.GPR[slotRDI], width)
		if err != nil {
			return err
		}
		alu.Sub(acc, v, width)
		r.GPR[slotRDI] += delta
		r.GPR[slotRCX]--
		if r.Flags.ZF() == untilEqual {
			break
		}
	}
	return nil
}
