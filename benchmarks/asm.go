package benchmarks

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/x64emu/insts"
)

// Condition codes for Jcc, in encoding order.
const (
	CondB  byte = 0x2
	CondAE byte = 0x3
	CondE  byte = 0x4
	CondNE byte = 0x5
	CondL  byte = 0xC
	CondGE byte = 0xD
	CondLE byte = 0xE
	CondG  byte = 0xF
)

type fixup struct {
	at    int // offset of the displacement
	size  int // 1 or 4
	label string
}

// Program assembles a small subset of 64-bit x86 with forward and backward
// labels. Register operands must be 64-bit general-purpose registers.
type Program struct {
	code   []byte
	labels map[string]int
	fixups []fixup
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{labels: make(map[string]int)}
}

func slot(r insts.Register) byte {
	if r.Width() != 8 || r.Slot() < 0 {
		panic(fmt.Sprintf("benchmarks: %v is not a 64-bit general-purpose register", r))
	}
	return byte(r.Slot())
}

func rexW(reg, rm byte) byte {
	return 0x48 | (reg>>3)<<2 | rm>>3
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

func (p *Program) emit(b ...byte) *Program {
	p.code = append(p.code, b...)
	return p
}

// regReg emits a REX.W op /r instruction with a register destination.
func (p *Program) regReg(op byte, dst, src insts.Register) *Program {
	d, s := slot(dst), slot(src)
	return p.emit(rexW(s, d), op, modrm(3, s, d))
}

// regImm8 emits a REX.W 83 /ext ib instruction.
func (p *Program) regImm8(ext byte, dst insts.Register, imm int8) *Program {
	d := slot(dst)
	return p.emit(rexW(0, d), 0x83, modrm(3, ext, d), byte(imm))
}

// memOp emits a REX.W op /r instruction addressing [base+disp8].
func (p *Program) memOp(op byte, reg, base insts.Register, disp int8) *Program {
	r, b := slot(reg), slot(base)
	p.emit(rexW(r, b), op, modrm(1, r, b))
	if b&7 == 4 {
		p.emit(0x24) // SIB: base only
	}
	return p.emit(byte(disp))
}

// Label marks the current position.
func (p *Program) Label(name string) *Program {
	p.labels[name] = len(p.code)
	return p
}

// MovImm loads a sign-extended 32-bit immediate.
func (p *Program) MovImm(dst insts.Register, imm int32) *Program {
	d := slot(dst)
	p.emit(rexW(0, d), 0xC7, modrm(3, 0, d))
	return p.emit(binary.LittleEndian.AppendUint32(nil, uint32(imm))...)
}

// MovAbs loads a 64-bit immediate.
func (p *Program) MovAbs(dst insts.Register, imm uint64) *Program {
	d := slot(dst)
	p.emit(rexW(0, d), 0xB8+d&7)
	return p.emit(binary.LittleEndian.AppendUint64(nil, imm)...)
}

// Mov copies src into dst.
func (p *Program) Mov(dst, src insts.Register) *Program { return p.regReg(0x89, dst, src) }

// Add adds src to dst.
func (p *Program) Add(dst, src insts.Register) *Program { return p.regReg(0x01, dst, src) }

// Sub subtracts src from dst.
func (p *Program) Sub(dst, src insts.Register) *Program { return p.regReg(0x29, dst, src) }

// Xor exclusive-ors src into dst.
func (p *Program) Xor(dst, src insts.Register) *Program { return p.regReg(0x31, dst, src) }

// Cmp compares dst with src.
func (p *Program) Cmp(dst, src insts.Register) *Program { return p.regReg(0x39, dst, src) }

// AddImm adds a sign-extended 8-bit immediate.
func (p *Program) AddImm(dst insts.Register, imm int8) *Program { return p.regImm8(0, dst, imm) }

// SubImm subtracts a sign-extended 8-bit immediate.
func (p *Program) SubImm(dst insts.Register, imm int8) *Program { return p.regImm8(5, dst, imm) }

// CmpImm compares with a sign-extended 8-bit immediate.
func (p *Program) CmpImm(dst insts.Register, imm int8) *Program { return p.regImm8(7, dst, imm) }

// Inc increments dst.
func (p *Program) Inc(dst insts.Register) *Program {
	d := slot(dst)
	return p.emit(rexW(0, d), 0xFF, modrm(3, 0, d))
}

// Dec decrements dst.
func (p *Program) Dec(dst insts.Register) *Program {
	d := slot(dst)
	return p.emit(rexW(0, d), 0xFF, modrm(3, 1, d))
}

// Load reads the quadword at [base+disp] into dst.
func (p *Program) Load(dst, base insts.Register, disp int8) *Program {
	return p.memOp(0x8B, dst, base, disp)
}

// Store writes src to the quadword at [base+disp].
func (p *Program) Store(base insts.Register, disp int8, src insts.Register) *Program {
	return p.memOp(0x89, src, base, disp)
}

// AddMem adds the quadword at [base+disp] to dst.
func (p *Program) AddMem(dst, base insts.Register, disp int8) *Program {
	return p.memOp(0x03, dst, base, disp)
}

// Push pushes r.
func (p *Program) Push(r insts.Register) *Program {
	s := slot(r)
	if s >= 8 {
		p.emit(0x41)
	}
	return p.emit(0x50 + s&7)
}

// Pop pops into r.
func (p *Program) Pop(r insts.Register) *Program {
	s := slot(r)
	if s >= 8 {
		p.emit(0x41)
	}
	return p.emit(0x58 + s&7)
}

// Jcc jumps to label when the condition holds, with an 8-bit displacement.
func (p *Program) Jcc(cond byte, label string) *Program {
	p.emit(0x70|cond, 0)
	p.fixups = append(p.fixups, fixup{at: len(p.code) - 1, size: 1, label: label})
	return p
}

// Jmp jumps to label with an 8-bit displacement.
func (p *Program) Jmp(label string) *Program {
	p.emit(0xEB, 0)
	p.fixups = append(p.fixups, fixup{at: len(p.code) - 1, size: 1, label: label})
	return p
}

// Call calls label with a 32-bit displacement.
func (p *Program) Call(label string) *Program {
	p.emit(0xE8, 0, 0, 0, 0)
	p.fixups = append(p.fixups, fixup{at: len(p.code) - 4, size: 4, label: label})
	return p
}

// Ret returns.
func (p *Program) Ret() *Program { return p.emit(0xC3) }

// RepMovsb copies rcx bytes from [rsi] to [rdi].
func (p *Program) RepMovsb() *Program { return p.emit(0xF3, 0xA4) }

// Int3 ends a benchmark.
func (p *Program) Int3() *Program { return p.emit(0xCC) }

// Assemble resolves labels and returns the machine code.
func (p *Program) Assemble() ([]byte, error) {
	code := append([]byte(nil), p.code...)
	for _, f := range p.fixups {
		target, ok := p.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		rel := target - (f.at + f.size)
		switch f.size {
		case 1:
			if rel < -128 || rel > 127 {
				return nil, fmt.Errorf("label %q out of 8-bit range (%d)", f.label, rel)
			}
			code[f.at] = byte(int8(rel))
		case 4:
			binary.LittleEndian.PutUint32(code[f.at:], uint32(int32(rel)))
		}
	}
	return code, nil
}

// MustAssemble is like Assemble but panics on error. It is meant for
// programs built from constant instruction sequences.
func (p *Program) MustAssemble() []byte {
	code, err := p.Assemble()
	if err != nil {
		panic(err)
	}
	return code
}
