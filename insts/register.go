// Package insts provides x86-64 instruction definitions and decoding.
package insts

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Register identifies an x86-64 register as seen by an instruction operand.
// Every general-purpose alias (AL, AH, AX, EAX, RAX) maps onto one of
// sixteen 64-bit storage slots.
type Register uint8

// Register identities.
const (
	RegNone Register = iota

	// 64-bit
	RAX
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// 32-bit
	EAX
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	R8D
	R9D
	R10D
	R11D
	R12D
	R13D
	R14D
	R15D

	// 16-bit
	AX
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	R8W
	R9W
	R10W
	R11W
	R12W
	R13W
	R14W
	R15W

	// 8-bit, low byte
	AL
	CL
	DL
	BL
	SPL
	BPL
	SIL
	DIL
	R8B
	R9B
	R10B
	R11B
	R12B
	R13B
	R14B
	R15B

	// 8-bit, bits 8-15 of slots 0-3
	AH
	CH
	DH
	BH

	RIP

	// Segment registers.
	ES
	CS
	SS
	DS
	FS
	GS

	numRegisters
)

// NumSlots is the number of general-purpose storage slots.
const NumSlots = 16

var registerNames = [numRegisters]string{
	RAX: "rax", RCX: "rcx", RDX: "rdx", RBX: "rbx",
	RSP: "rsp", RBP: "rbp", RSI: "rsi", RDI: "rdi",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	EAX: "eax", ECX: "ecx", EDX: "edx", EBX: "ebx",
	ESP: "esp", EBP: "ebp", ESI: "esi", EDI: "edi",
	R8D: "r8d", R9D: "r9d", R10D: "r10d", R11D: "r11d",
	R12D: "r12d", R13D: "r13d", R14D: "r14d", R15D: "r15d",
	AX: "ax", CX: "cx", DX: "dx", BX: "bx",
	SP: "sp", BP: "bp", SI: "si", DI: "di",
	R8W: "r8w", R9W: "r9w", R10W: "r10w", R11W: "r11w",
	R12W: "r12w", R13W: "r13w", R14W: "r14w", R15W: "r15w",
	AL: "al", CL: "cl", DL: "dl", BL: "bl",
	SPL: "spl", BPL: "bpl", SIL: "sil", DIL: "dil",
	R8B: "r8b", R9B: "r9b", R10B: "r10b", R11B: "r11b",
	R12B: "r12b", R13B: "r13b", R14B: "r14b", R15B: "r15b",
	AH: "ah", CH: "ch", DH: "dh", BH: "bh",
	RIP: "rip",
	ES: "es", CS: "cs", SS: "ss", DS: "ds", FS: "fs", GS: "gs",
}

// String returns the lowercase assembler name of the register.
func (r Register) String() string {
	if r >= numRegisters {
		return "reg?"
	}
	return registerNames[r]
}

// IsGPR reports whether r aliases one of the sixteen general-purpose slots.
func (r Register) IsGPR() bool {
	return r >= RAX && r <= BH
}

// IsSegment reports whether r is a segment register.
func (r Register) IsSegment() bool {
	return r >= ES && r <= GS
}

// Slot returns the storage slot (0 for rax through 15 for r15) backing a
// general-purpose register, or -1 for anything else.
func (r Register) Slot() int {
	switch {
	case r >= RAX && r <= R15:
		return int(r - RAX)
	case r >= EAX && r <= R15D:
		return int(r - EAX)
	case r >= AX && r <= R15W:
		return int(r - AX)
	case r >= AL && r <= R15B:
		return int(r - AL)
	case r >= AH && r <= BH:
		return int(r - AH)
	}
	return -1
}

// Width returns the register width in bytes. RIP is 8 bytes wide and segment
// registers are 2.
func (r Register) Width() int {
	switch {
	case r >= RAX && r <= R15, r == RIP:
		return 8
	case r >= EAX && r <= R15D:
		return 4
	case r >= AX && r <= R15W, r.IsSegment():
		return 2
	case r >= AL && r <= BH:
		return 1
	}
	return 0
}

// IsHighByte reports whether r is one of AH, CH, DH or BH.
func (r Register) IsHighByte() bool {
	return r >= AH && r <= BH
}

// Parent returns the 64-bit register sharing r's storage slot. Registers
// without a slot are returned unchanged.
func (r Register) Parent() Register {
	slot := r.Slot()
	if slot < 0 {
		return r
	}
	return RAX + Register(slot)
}

// FromX86 converts a raw decoder register into a Register. It returns false
// for registers outside the modeled set (x87, MMX, SSE, control registers).
func FromX86(r x86asm.Reg) (Register, bool) {
	switch {
	case r == 0:
		return RegNone, true
	case r >= x86asm.AL && r <= x86asm.BL:
		return AL + Register(r-x86asm.AL), true
	case r >= x86asm.AH && r <= x86asm.BH:
		return AH + Register(r-x86asm.AH), true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return SPL + Register(r-x86asm.SPB), true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return AX + Register(r-x86asm.AX), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return EAX + Register(r-x86asm.EAX), true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return RAX + Register(r-x86asm.RAX), true
	case r == x86asm.RIP || r == x86asm.EIP || r == x86asm.IP:
		return RIP, true
	case r >= x86asm.ES && r <= x86asm.GS:
		return ES + Register(r-x86asm.ES), true
	}
	return RegNone, false
}

// SlotRegister returns the register of the given slot and width. High-byte
// registers are not reachable through this helper.
func SlotRegister(slot, width int) Register {
	if slot < 0 || slot >= NumSlots {
		return RegNone
	}
	switch width {
	case 8:
		return RAX + Register(slot)
	case 4:
		return EAX + Register(slot)
	case 2:
		return AX + Register(slot)
	case 1:
		return AL + Register(slot)
	}
	return RegNone
}

// LookupRegister returns the register with the given assembler name. The
// lookup is case-insensitive.
func LookupRegister(name string) (Register, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r := RAX; r < numRegisters; r++ {
		if registerNames[r] == name {
			return r, true
		}
	}
	return RegNone, false
}
