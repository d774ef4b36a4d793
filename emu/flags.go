// Package emu provides functional x86-64 emulation.
package emu

import "math/bits"

// Flags is the packed RFLAGS word.
type Flags uint64

// Flag bits modeled by the emulator.
const (
	FlagCF Flags = 1 << 0  // Carry
	FlagPF Flags = 1 << 2  // Parity
	FlagAF Flags = 1 << 4  // Adjust
	FlagZF Flags = 1 << 6  // Zero
	FlagSF Flags = 1 << 7  // Sign
	FlagDF Flags = 1 << 10 // Direction
	FlagOF Flags = 1 << 11 // Overflow
)

const arithFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

// CF returns the carry flag.
func (f Flags) CF() bool { return f&FlagCF != 0 }

// PF returns the parity flag.
func (f Flags) PF() bool { return f&FlagPF != 0 }

// AF returns the adjust flag.
func (f Flags) AF() bool { return f&FlagAF != 0 }

// ZF returns the zero flag.
func (f Flags) ZF() bool { return f&FlagZF != 0 }

// SF returns the sign flag.
func (f Flags) SF() bool { return f&FlagSF != 0 }

// DF returns the direction flag.
func (f Flags) DF() bool { return f&FlagDF != 0 }

// OF returns the overflow flag.
func (f Flags) OF() bool { return f&FlagOF != 0 }

// Set sets or clears the given flag bits.
func (f *Flags) Set(flag Flags, on bool) {
	if on {
		*f |= flag
	} else {
		*f &^= flag
	}
}

// Raw returns the flags word.
func (f Flags) Raw() uint64 { return uint64(f) }

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(width)*8) - 1
}

func signBit(width int) uint64 {
	if width >= 8 || width <= 0 {
		return 1 << 63
	}
	return 1 << (uint(width)*8 - 1)
}

// parity reports whether the low byte has an even number of set bits.
func parity(v uint64) bool {
	return bits.OnesCount8(uint8(v))%2 == 0
}

// setResult replaces the bits in owned with the computed ones.
func (f *Flags) setResult(owned, computed Flags) {
	*f = (*f &^ owned) | (computed & owned)
}

func resultFlags(result uint64, width int) Flags {
	var r Flags
	if result&widthMask(width) == 0 {
		r |= FlagZF
	}
	if result&signBit(width) != 0 {
		r |= FlagSF
	}
	if parity(result) {
		r |= FlagPF
	}
	return r
}

func adjust(op1, op2, result uint64) Flags {
	if (op1^op2^result)&0x10 != 0 {
		return FlagAF
	}
	return 0
}

// UpdateAdd sets CF, PF, AF, ZF, SF and OF for a 64-bit addition.
func (f *Flags) UpdateAdd(op1, op2, result uint64) {
	f.UpdateAddWidth(op1, op2, result, 8)
}

// UpdateSub sets CF, PF, AF, ZF, SF and OF for a 64-bit subtraction.
func (f *Flags) UpdateSub(op1, op2, result uint64) {
	f.UpdateSubWidth(op1, op2, result, 8)
}

// UpdateSubNoCF is UpdateSub without touching CF, as DEC requires.
func (f *Flags) UpdateSubNoCF(op1, op2, result uint64) {
	f.UpdateSubNoCFWidth(op1, op2, result, 8)
}

// UpdateAdc sets the arithmetic flags for a 64-bit add with carry.
func (f *Flags) UpdateAdc(op1, op2 uint64, carryIn bool, result uint64) {
	f.UpdateAdcWidth(op1, op2, carryIn, result, 8)
}

// UpdateLogic clears CF and OF and sets ZF, SF and PF from a 64-bit result.
// AF is left unchanged.
func (f *Flags) UpdateLogic(result uint64) {
	f.UpdateLogicWidth(result, 8)
}

// UpdateAddWidth is UpdateAdd for an operation of width bytes.
func (f *Flags) UpdateAddWidth(op1, op2, result uint64, width int) {
	mask := widthMask(width)
	op1, op2, result = op1&mask, op2&mask, result&mask

	r := resultFlags(result, width) | adjust(op1, op2, result)
	if result < op1 {
		r |= FlagCF
	}
	if (op1^result)&(op2^result)&signBit(width) != 0 {
		r |= FlagOF
	}
	f.setResult(arithFlags, r)
}

// UpdateSubWidth is UpdateSub for an operation of width bytes.
func (f *Flags) UpdateSubWidth(op1, op2, result uint64, width int) {
	mask := widthMask(width)
	op1, op2, result = op1&mask, op2&mask, result&mask

	r := resultFlags(result, width) | adjust(op1, op2, result)
	if op1 < op2 {
		r |= FlagCF
	}
	if (op1^op2)&(op1^result)&signBit(width) != 0 {
		r |= FlagOF
	}
	f.setResult(arithFlags, r)
}

// UpdateSubNoCFWidth is UpdateSubNoCF for an operation of width bytes.
func (f *Flags) UpdateSubNoCFWidth(op1, op2, result uint64, width int) {
	cf := f.CF()
	f.UpdateSubWidth(op1, op2, result, width)
	f.Set(FlagCF, cf)
}

// UpdateAdcWidth is UpdateAdc for an operation of width bytes. The carry out
// is taken from the full-width sum so op1 + op2 + carry never wraps unseen.
func (f *Flags) UpdateAdcWidth(op1, op2 uint64, carryIn bool, result uint64, width int) {
	mask := widthMask(width)
	op1, op2, result = op1&mask, op2&mask, result&mask

	var cin uint64
	if carryIn {
		cin = 1
	}

	r := resultFlags(result, width) | adjust(op1, op2, result)
	if width >= 8 {
		_, c1 := bits.Add64(op1, op2, 0)
		_, c2 := bits.Add64(op1+op2, cin, 0)
		if c1|c2 != 0 {
			r |= FlagCF
		}
	} else if op1+op2+cin > mask {
		r |= FlagCF
	}
	if (op1^result)&(op2^result)&signBit(width) != 0 {
		r |= FlagOF
	}
	f.setResult(arithFlags, r)
}

// UpdateLogicWidth is UpdateLogic for an operation of width bytes.
func (f *Flags) UpdateLogicWidth(result uint64, width int) {
	f.setResult(FlagCF|FlagOF|FlagZF|FlagSF|FlagPF, resultFlags(result, width))
}
