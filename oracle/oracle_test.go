//go:build unicorn
// +build unicorn

package oracle_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/oracle"
)

const (
	codeBase  = uint64(0x400000)
	dataBase  = uint64(0x600000)
	stackBase = uint64(0x7ff000)
	stackSize = 0x1000
)

func newMachine(code []byte, data []byte) *emu.Emulator {
	bus := emu.NewBus()
	text := emu.NewRegion(codeBase, len(code))
	copy(text.Data, code)
	text.Executable = true
	Expect(bus.AddRegion(text)).To(Succeed())

	mem := emu.NewRegion(dataBase, 0x100)
	copy(mem.Data, data)
	Expect(bus.AddRegion(mem)).To(Succeed())
	Expect(bus.AddRegion(emu.NewRegion(stackBase, stackSize))).To(Succeed())

	return emu.NewEmulator(bus,
		emu.WithStackPointer(stackBase+stackSize),
		emu.WithEntry(codeBase),
		emu.WithTrapHandler(emu.StopTrapHandler{}),
	)
}

func program(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func imm64(v uint64) []byte {
	out := make([]byte, 8)
	for i := range out {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

var _ = Describe("Compare", func() {
	It("should agree on arithmetic flags", func() {
		code := program(
			[]byte{0x48, 0xB8}, imm64(0x7fff_ffff_ffff_ffff), // mov rax, imm64
			[]byte{0x48, 0x83, 0xC0, 0x01}, // add rax, 1
			[]byte{0xBB, 0xFF, 0xFF, 0xFF, 0xFF}, // mov ebx, 0xffffffff
			[]byte{0x83, 0xC3, 0x01}, // add ebx, 1
			[]byte{0x48, 0x29, 0xC9}, // sub rcx, rcx
			[]byte{0x48, 0xFF, 0xC9}, // dec rcx
			[]byte{0x48, 0x11, 0xCA}, // adc rdx, rcx
			[]byte{0x48, 0x39, 0xD8}, // cmp rax, rbx
			[]byte{0xCC},
		)
		e := newMachine(code, nil)

		d, err := oracle.Compare(e)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(BeNil())
		Expect(e.InstructionCount()).To(Equal(uint64(9)))
	})

	It("should agree on loops, calls and shifts", func() {
		code := program(
			[]byte{0xB9, 0x0A, 0x00, 0x00, 0x00}, // mov ecx, 10
			[]byte{0x31, 0xC0}, // xor eax, eax
			[]byte{0x01, 0xC8}, // loop: add eax, ecx
			[]byte{0xFF, 0xC9}, // dec ecx
			[]byte{0x75, 0xFA}, // jnz loop
			[]byte{0xE8, 0x01, 0x00, 0x00, 0x00}, // call f
			[]byte{0xCC},
			[]byte{0x55},                   // f: push rbp
			[]byte{0x48, 0x89, 0xE5},       // mov rbp, rsp
			[]byte{0x48, 0xC1, 0xE0, 0x02}, // shl rax, 2
			[]byte{0x48, 0xD1, 0xE8},       // shr rax, 1
			[]byte{0x5D},                   // pop rbp
			[]byte{0xC3},                   // ret
		)
		e := newMachine(code, nil)

		d, err := oracle.Compare(e,
			oracle.WithFlagMask(emu.FlagCF|emu.FlagZF|emu.FlagSF|emu.FlagPF),
			oracle.WithWatch(stackBase+stackSize-16, 16))
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(BeNil())
		Expect(e.RegFile().ReadReg(insts.RAX)).To(Equal(uint64(110)))
	})

	It("should agree on string copies", func() {
		seed := make([]byte, 16)
		for i := range seed {
			seed[i] = byte(i + 1)
		}
		code := program(
			[]byte{0x48, 0xBE}, imm64(dataBase), // mov rsi, dataBase
			[]byte{0x48, 0xBF}, imm64(dataBase+0x40), // mov rdi, dataBase+0x40
			[]byte{0xB9, 0x10, 0x00, 0x00, 0x00}, // mov ecx, 16
			[]byte{0xF3, 0xA4}, // rep movsb
			[]byte{0x48, 0x89, 0x37}, // mov [rdi], rsi
			[]byte{0xCC},
		)
		e := newMachine(code, seed)

		d, err := oracle.Compare(e, oracle.WithWatch(dataBase+0x40, 24))
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(BeNil())
		Expect(e.Bus().ReadU8(dataBase + 0x4F)).To(Equal(uint8(16)))
	})

	It("should honor the step bound", func() {
		code := []byte{0x48, 0xFF, 0xC0, 0xEB, 0xFB} // l: inc rax; jmp l
		e := newMachine(code, nil)

		d, err := oracle.Compare(e, oracle.WithMaxSteps(50))
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(BeNil())
		Expect(e.InstructionCount()).To(Equal(uint64(50)))
		Expect(e.RegFile().ReadReg(insts.RAX)).To(Equal(uint64(25)))
	})
})

var _ = Describe("Machine", func() {
	It("should map regions sharing a page", func() {
		bus := emu.NewBus()
		Expect(bus.AddRegion(emu.NewRegion(0x1000, 0x10))).To(Succeed())
		Expect(bus.AddRegion(emu.NewRegion(0x1800, 0x10))).To(Succeed())

		m, err := oracle.NewMachine(bus, emu.NewRegFile(0x1810))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(m.Close)

		regs, err := m.Regs()
		Expect(err).NotTo(HaveOccurred())
		Expect(regs.RSP()).To(Equal(uint64(0x1810)))
	})

	It("should step one instruction", func() {
		e := newMachine([]byte{0x48, 0x83, 0xC0, 0x03, 0xCC}, nil) // add rax, 3
		m, err := oracle.NewMachine(e.Bus(), *e.RegFile())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(m.Close)

		Expect(m.Step()).To(Succeed())
		regs, err := m.Regs()
		Expect(err).NotTo(HaveOccurred())
		Expect(regs.GPR[0]).To(Equal(uint64(3)))
		Expect(regs.RIP).To(Equal(codeBase + 4))
	})
})
