package benchmarks

import (
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
)

// GetMicrobenchmarks returns the standard set of microbenchmarks. Each
// benchmark exercises one part of the emulator.
func GetMicrobenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticSequential(),
		dependencyChain(),
		memorySequential(),
		functionCalls(),
		branchTaken(),
		nestedLoops(),
		stackOperations(),
		stringCopy(),
	}
}

// GetCoreBenchmarks returns a minimal set of 3 core benchmarks for quick
// validation: a loop, memory traffic and calls.
func GetCoreBenchmarks() []Benchmark {
	return []Benchmark{
		branchTaken(),
		memorySequential(),
		functionCalls(),
	}
}

// 1. Arithmetic Sequential - independent register updates
func arithmeticSequential() Benchmark {
	regs := []insts.Register{insts.RAX, insts.RCX, insts.RDX, insts.RBX, insts.RSI}
	p := NewProgram()
	for i := 0; i < 20; i++ {
		p.AddImm(regs[i%len(regs)], 1)
	}
	return Benchmark{
		Name:         "arithmetic_sequential",
		Description:  "20 independent ADDs over 5 registers - measures dispatch cost",
		Program:      p.Int3().MustAssemble(),
		ExpectedExit: 4,
	}
}

// 2. Dependency Chain - every add reads the previous result
func dependencyChain() Benchmark {
	return Benchmark{
		Name:         "dependency_chain",
		Description:  "20 dependent ADDs (rax = rax + 1)",
		Program:      buildDependencyChain(20),
		ExpectedExit: 20,
	}
}

func buildDependencyChain(n int) []byte {
	p := NewProgram().Xor(insts.RAX, insts.RAX)
	for i := 0; i < n; i++ {
		p.AddImm(insts.RAX, 1)
	}
	return p.Int3().MustAssemble()
}

// 3. Memory Sequential - stores then loads through the bus
func memorySequential() Benchmark {
	p := NewProgram().MovAbs(insts.RBX, DataBase)
	for i := 0; i < 8; i++ {
		p.MovImm(insts.RCX, int32(i+1)).Store(insts.RBX, int8(8*i), insts.RCX)
	}
	p.Xor(insts.RAX, insts.RAX)
	for i := 0; i < 8; i++ {
		p.AddMem(insts.RAX, insts.RBX, int8(8*i))
	}
	return Benchmark{
		Name:         "memory_sequential",
		Description:  "8 quadword stores and 8 memory-operand adds",
		Program:      p.Int3().MustAssemble(),
		ExpectedExit: 36,
	}
}

// 4. Function Calls - call/ret through the stack
func functionCalls() Benchmark {
	p := NewProgram().Xor(insts.RAX, insts.RAX)
	for i := 0; i < 5; i++ {
		p.Call("inc")
	}
	p.Int3().
		Label("inc").
		Push(insts.RBP).
		Mov(insts.RBP, insts.RSP).
		AddImm(insts.RAX, 1).
		Pop(insts.RBP).
		Ret()
	return Benchmark{
		Name:         "function_calls",
		Description:  "5 calls to a framed function",
		Program:      p.MustAssemble(),
		ExpectedExit: 5,
	}
}

// 5. Branch Taken - counted loop with a backward conditional branch
func branchTaken() Benchmark {
	p := NewProgram().
		MovImm(insts.RCX, 100).
		Xor(insts.RAX, insts.RAX).
		Label("loop").
		Add(insts.RAX, insts.RCX).
		Dec(insts.RCX).
		Jcc(CondNE, "loop").
		Int3()
	return Benchmark{
		Name:         "branch_taken",
		Description:  "sum 1..100 in a dec/jnz loop",
		Program:      p.MustAssemble(),
		ExpectedExit: 5050,
	}
}

// 6. Nested Loops - compare-and-branch in two levels
func nestedLoops() Benchmark {
	p := NewProgram().
		Xor(insts.RAX, insts.RAX).
		Xor(insts.RSI, insts.RSI).
		Label("outer").
		Xor(insts.RDI, insts.RDI).
		Label("inner").
		Inc(insts.RAX).
		Inc(insts.RDI).
		CmpImm(insts.RDI, 10).
		Jcc(CondL, "inner").
		Inc(insts.RSI).
		CmpImm(insts.RSI, 10).
		Jcc(CondL, "outer").
		Int3()
	return Benchmark{
		Name:         "nested_loops",
		Description:  "10x10 nested loop with cmp/jl",
		Program:      p.MustAssemble(),
		ExpectedExit: 100,
	}
}

// 7. Stack Operations - push then pop-and-accumulate
func stackOperations() Benchmark {
	p := NewProgram()
	for i := 1; i <= 8; i++ {
		p.MovImm(insts.RCX, int32(i)).Push(insts.RCX)
	}
	p.Xor(insts.RAX, insts.RAX)
	for i := 0; i < 8; i++ {
		p.Pop(insts.R8).Add(insts.RAX, insts.R8)
	}
	return Benchmark{
		Name:         "stack_operations",
		Description:  "8 pushes and 8 pops through r8",
		Program:      p.Int3().MustAssemble(),
		ExpectedExit: 36,
	}
}

// 8. String Copy - rep movsb over 256 bytes
func stringCopy() Benchmark {
	p := NewProgram().
		MovAbs(insts.RSI, DataBase).
		MovAbs(insts.RDI, DataBase+0x800).
		MovImm(insts.RCX, 256).
		RepMovsb().
		Load(insts.RAX, insts.RDI, -8).
		Int3()
	return Benchmark{
		Name:        "string_copy",
		Description: "rep movsb of 256 bytes, then reload the last quadword",
		Setup: func(_ *emu.RegFile, bus *emu.Bus) {
			pattern := make([]byte, 256)
			for i := range pattern {
				pattern[i] = byte(i & 0x7F)
			}
			_ = bus.WriteBytes(DataBase, pattern)
		},
		Program:      p.MustAssemble(),
		ExpectedExit: 0x7F7E7D7C7B7A7978,
	}
}
