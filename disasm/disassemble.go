package disasm

import "github.com/sarchlab/x64emu/insts"

// Disassemble decodes all of code, located at address. A truncated final
// instruction is dropped.
func Disassemble(code []byte, address uint64) []insts.Instruction {
	return DisassembleTo(code, address, ^uint64(0))
}

// DisassembleTo decodes code from address and stops before the first
// instruction at or beyond stop.
func DisassembleTo(code []byte, address, stop uint64) []insts.Instruction {
	d := insts.NewDecoder()
	out := make([]insts.Instruction, 0, len(code)/DefaultAverageLength+1)

	off := 0
	for off < len(code) {
		addr := address + uint64(off)
		if addr >= stop {
			break
		}
		inst, err := d.Decode(code[off:], addr)
		if err != nil {
			break
		}
		out = append(out, inst)
		off += inst.Length
	}
	return out
}
