package console_test

import (
	"bytes"
	"io"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/console"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/snapshot"
)

const (
	codeBase  = uint64(0x1000)
	dataBase  = uint64(0x3000)
	stackBase = uint64(0x7000)
	stackSize = 0x1000
)

// 0x1000 mov rax, 5
// 0x1007 add rax, 3
// 0x100b push rax
// 0x100c pop rbx
// 0x100d int3
var code = []byte{
	0x48, 0xC7, 0xC0, 0x05, 0x00, 0x00, 0x00,
	0x48, 0x83, 0xC0, 0x03,
	0x50,
	0x5B,
	0xCC,
}

func newMachine() *emu.Emulator {
	bus := emu.NewBus()
	text := emu.NewRegion(codeBase, len(code))
	copy(text.Data, code)
	text.Executable = true
	Expect(bus.AddRegion(text)).To(Succeed())
	Expect(bus.AddRegion(emu.NewRegion(dataBase, 0x100))).To(Succeed())
	Expect(bus.AddRegion(emu.NewRegion(stackBase, stackSize))).To(Succeed())

	return emu.NewEmulator(bus,
		emu.WithStackPointer(stackBase+stackSize),
		emu.WithEntry(codeBase),
		emu.WithTrapHandler(emu.StopTrapHandler{}),
	)
}

type lines []string

func (l *lines) Readline() (string, error) {
	if len(*l) == 0 {
		return "", io.EOF
	}
	line := (*l)[0]
	*l = (*l)[1:]
	return line, nil
}

var _ = Describe("ParseCommand", func() {
	It("should split name and arguments", func() {
		cmd := console.ParseCommand("  mem 0x3000   16 ")
		Expect(cmd.Name).To(Equal("mem"))
		Expect(cmd.Args).To(Equal([]string{"0x3000", "16"}))
	})

	DescribeTable("aliases",
		func(line, name string) {
			Expect(console.ParseCommand(line).Name).To(Equal(name))
		},
		Entry("s", "s 3", "step"),
		Entry("c", "c", "continue"),
		Entry("b", "b 0x1000", "break"),
		Entry("x", "x 0x3000", "mem"),
		Entry("exit", "exit", "quit"),
		Entry("upper case", "REGS", "regs"),
	)

	It("should return an empty command for blank lines", func() {
		Expect(console.ParseCommand("   ").Name).To(BeEmpty())
	})

	It("should parse decimal and hex numbers", func() {
		Expect(console.ParseUint("0x10")).To(Equal(uint64(16)))
		Expect(console.ParseUint("10")).To(Equal(uint64(10)))
		_, err := console.ParseUint("ten")
		Expect(err).To(MatchError(ContainSubstring("invalid number")))
	})
})

var _ = Describe("Debugger", func() {
	var (
		e   *emu.Emulator
		out *bytes.Buffer
		d   *console.Debugger
	)

	BeforeEach(func() {
		e = newMachine()
		out = &bytes.Buffer{}
		d = console.NewDebugger(e, console.WithOutput(out))
	})

	It("should step and print executed instructions", func() {
		Expect(d.Exec("step 2")).To(Succeed())
		Expect(e.RegFile().ReadReg(insts.RAX)).To(Equal(uint64(8)))
		Expect(e.RegFile().RIP).To(Equal(uint64(0x100b)))
		Expect(out.String()).To(ContainSubstring("0x1000: mov"))
		Expect(out.String()).To(ContainSubstring("0x1007: add"))
	})

	It("should repeat the previous command on an empty line", func() {
		Expect(d.Exec("step")).To(Succeed())
		Expect(d.Exec("")).To(Succeed())
		Expect(e.InstructionCount()).To(Equal(uint64(2)))
	})

	It("should stop at breakpoints and resume past them", func() {
		Expect(d.Exec("break 0x100c")).To(Succeed())
		Expect(d.Exec("continue")).To(Succeed())
		Expect(e.RegFile().RIP).To(Equal(uint64(0x100c)))
		Expect(out.String()).To(ContainSubstring("breakpoint at 0x100c"))

		Expect(d.Exec("continue")).To(Succeed())
		Expect(e.RegFile().ReadReg(insts.RBX)).To(Equal(uint64(8)))
		Expect(out.String()).To(ContainSubstring("stopped at 0x100e"))
	})

	It("should list and delete breakpoints", func() {
		Expect(d.Exec("break 0x100c")).To(Succeed())
		Expect(d.Exec("b 0x1007")).To(Succeed())
		Expect(d.Breakpoints()).To(Equal([]uint64{0x1007, 0x100c}))

		Expect(d.Exec("delete 0x1007")).To(Succeed())
		Expect(d.Breakpoints()).To(Equal([]uint64{0x100c}))
		Expect(d.Exec("delete 0x1007")).To(MatchError(ContainSubstring("no breakpoint")))
	})

	It("should print registers", func() {
		Expect(d.Exec("step")).To(Succeed())
		Expect(d.Exec("regs")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("rax 0x0000000000000005"))
		Expect(out.String()).To(ContainSubstring("rip 0x0000000000001007"))
	})

	It("should write registers", func() {
		Expect(d.Exec("set rcx 0x10")).To(Succeed())
		Expect(e.RegFile().ReadReg(insts.RCX)).To(Equal(uint64(0x10)))
		Expect(d.Exec("set xmm0 1")).To(MatchError(ContainSubstring("unknown register")))
		Expect(d.Exec("set rcx")).To(MatchError(ContainSubstring("usage")))
	})

	It("should dump memory", func() {
		Expect(e.Bus().WriteBytes(dataBase, []byte{1, 2, 0xab})).To(Succeed())
		Expect(d.Exec("mem 0x3000 3")).To(Succeed())
		Expect(out.String()).To(Equal("0x3000: 01 02 ab\n"))
	})

	It("should fail on unmapped memory", func() {
		Expect(d.Exec("mem 0x9000 4")).To(MatchError(emu.ErrUnmapped))
	})

	It("should disassemble and mark breakpoints", func() {
		d.SetBreakpoint(0x1007)
		Expect(d.Exec("disasm 0x1000 2")).To(Succeed())
		Expect(out.String()).To(HavePrefix("  0x1000: mov"))
		Expect(out.String()).To(ContainSubstring("* 0x1007: add"))
		Expect(out.String()).NotTo(ContainSubstring("push"))
	})

	It("should report unknown commands and quit", func() {
		Expect(d.Exec("frobnicate")).To(MatchError(ContainSubstring("unknown command")))
		Expect(d.Exec("quit")).To(MatchError(console.ErrQuit))
	})

	It("should evaluate JavaScript", func() {
		Expect(d.Exec("step")).To(Succeed())
		out.Reset()
		Expect(d.Exec("js emu.reg('rax') + 1")).To(Succeed())
		Expect(out.String()).To(Equal("6\n"))
	})

	It("should require a store for snapshots", func() {
		Expect(d.Exec("snapshot save")).To(MatchError(console.ErrNoStore))
	})

	It("should save and restore snapshots", func() {
		store, err := snapshot.NewDirStore(filepath.Join(GinkgoT().TempDir(), "snaps"))
		Expect(err).NotTo(HaveOccurred())
		d = console.NewDebugger(e, console.WithOutput(out), console.WithStore(store))

		Expect(d.Exec("step")).To(Succeed())
		Expect(d.Exec("snapshot save")).To(Succeed())
		Expect(d.Exec("step 3")).To(Succeed())
		Expect(e.RegFile().ReadReg(insts.RBX)).To(Equal(uint64(8)))

		Expect(d.Exec("snapshot load")).To(Succeed())
		Expect(e.RegFile().RIP).To(Equal(uint64(0x1007)))
		Expect(e.RegFile().ReadReg(insts.RAX)).To(Equal(uint64(5)))
		Expect(e.RegFile().ReadReg(insts.RBX)).To(BeZero())

		out.Reset()
		Expect(d.Exec("snapshot list")).To(Succeed())
		Expect(out.String()).To(HaveSuffix(snapshot.Extension + "\n"))
	})

	It("should serve lines until quit", func() {
		input := lines{"step", "bogus", "quit", "step"}
		Expect(d.Serve(&input)).To(Succeed())
		Expect(e.InstructionCount()).To(Equal(uint64(1)))
		Expect(out.String()).To(ContainSubstring("error: unknown command"))
		Expect(input).To(Equal(lines{"step"}))
	})

	It("should end the session at end of input", func() {
		input := lines{"step"}
		Expect(d.Serve(&input)).To(Succeed())
		Expect(e.InstructionCount()).To(Equal(uint64(1)))
	})
})
