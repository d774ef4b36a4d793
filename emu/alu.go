// Package emu provides functional x86-64 emulation.
package emu

// ALU implements x86-64 integer arithmetic at 1, 2, 4 or 8 byte widths.
// Results are truncated to the width and flags are updated in place.
type ALU struct {
	flags *Flags
}

// NewALU creates a new ALU connected to the given flags register.
func NewALU(flags *Flags) *ALU {
	return &ALU{flags: flags}
}

// Add computes op1 + op2.
func (a *ALU) Add(op1, op2 uint64, width int) uint64 {
	result := (op1 + op2) & widthMask(width)
	a.flags.UpdateAddWidth(op1, op2, result, width)
	return result
}

// Adc computes op1 + op2 + CF.
func (a *ALU) Adc(op1, op2 uint64, width int) uint64 {
	carry := a.flags.CF()
	result := op1 + op2
	if carry {
		result++
	}
	result &= widthMask(width)
	a.flags.UpdateAdcWidth(op1, op2, carry, result, width)
	return result
}

// Sub computes op1 - op2. CMP uses it and discards the result.
func (a *ALU) Sub(op1, op2 uint64, width int) uint64 {
	result := (op1 - op2) & widthMask(width)
	a.flags.UpdateSubWidth(op1, op2, result, width)
	return result
}

// Inc computes v + 1 and preserves CF.
func (a *ALU) Inc(v uint64, width int) uint64 {
	cf := a.flags.CF()
	result := a.Add(v, 1, width)
	a.flags.Set(FlagCF, cf)
	return result
}

// Dec computes v - 1 and preserves CF.
func (a *ALU) Dec(v uint64, width int) uint64 {
	result := (v - 1) & widthMask(width)
	a.flags.UpdateSubNoCFWidth(v, 1, result, width)
	return result
}

// Xor computes op1 ^ op2.
func (a *ALU) Xor(op1, op2 uint64, width int) uint64 {
	result := (op1 ^ op2) & widthMask(width)
	a.flags.UpdateLogicWidth(result, width)
	return result
}

// And computes op1 & op2. TEST uses it and discards the result.
func (a *ALU) And(op1, op2 uint64, width int) uint64 {
	result := (op1 & op2) & widthMask(width)
	a.flags.UpdateLogicWidth(result, width)
	return result
}

// shiftCount masks a shift count the way the hardware does.
func shiftCount(count uint64, width int) uint {
	if width == 8 {
		return uint(count & 0x3F)
	}
	return uint(count & 0x1F)
}

// Shl shifts v left. CF receives the last bit shifted out; OF is defined
// only for one-bit shifts and cleared otherwise. A masked count of zero
// leaves value and flags unchanged.
func (a *ALU) Shl(v, count uint64, width int) uint64 {
	n := shiftCount(count, width)
	mask := widthMask(width)
	v &= mask
	if n == 0 {
		return v
	}

	bitsWide := uint(width) * 8
	result := (v << n) & mask

	cf := n <= bitsWide && (v>>(bitsWide-n))&1 == 1
	a.flags.Set(FlagCF, cf)
	if n == 1 {
		a.flags.Set(FlagOF, (result&signBit(width) != 0) != cf)
	} else {
		a.flags.Set(FlagOF, false)
	}
	a.setShiftResult(result, width)
	return result
}

// Shr shifts v right logically. OF is the original sign bit for one-bit
// shifts and cleared otherwise.
func (a *ALU) Shr(v, count uint64, width int) uint64 {
	n := shiftCount(count, width)
	mask := widthMask(width)
	v &= mask
	if n == 0 {
		return v
	}

	result := v >> n
	a.flags.Set(FlagCF, (v>>(n-1))&1 == 1)
	if n == 1 {
		a.flags.Set(FlagOF, v&signBit(width) != 0)
	} else {
		a.flags.Set(FlagOF, false)
	}
	a.setShiftResult(result, width)
	return result
}

func (a *ALU) setShiftResult(result uint64, width int) {
	a.flags.setResult(FlagZF|FlagSF|FlagPF, resultFlags(result, width))
}
