// Package insts provides x86-64 instruction definitions and decoding.
//
// Raw byte decoding is delegated to golang.org/x/arch/x86/x86asm. This
// package classifies the decoded form into the subset of instructions the
// emulator and the analysers understand:
//   - Data movement: MOV, MOVZX, LEA, PUSH, POP, LEAVE
//   - Arithmetic and logic: ADD, ADC, SUB, CMP, TEST, INC, DEC, XOR, SHL, SHR
//   - Control flow: Jcc, JMP, CALL, RET, INT3
//   - REP-prefixed string operations: MOVS, STOS, LODS, SCAS
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst, err := decoder.Decode([]byte{0x48, 0x01, 0xd8}, 0x1000) // add rax, rbx
//	fmt.Println(inst) // 0x1000: add rax, rbx
package insts
