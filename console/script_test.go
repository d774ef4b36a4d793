package console_test

import (
	"bytes"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/console"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
)

var _ = Describe("Script", func() {
	var (
		e   *emu.Emulator
		out *bytes.Buffer
		s   *console.Script
	)

	BeforeEach(func() {
		e = newMachine()
		out = &bytes.Buffer{}
		s = console.NewScript(e, console.WithScriptOutput(out))
	})

	It("should step and read registers", func() {
		Expect(s.Eval("emu.step(2)")).To(Equal("2"))
		Expect(s.Eval("emu.reg('rax')")).To(Equal("8"))
		Expect(s.Eval("emu.reg('rip')")).To(Equal("4107"))
	})

	It("should run to a stop", func() {
		Expect(s.Eval("emu.run()")).To(Equal("5"))
		Expect(s.Eval("emu.count()")).To(Equal("5"))
		Expect(e.RegFile().ReadReg(insts.RBX)).To(Equal(uint64(8)))
	})

	It("should stop stepping at a clean stop", func() {
		Expect(s.Eval("emu.step(100)")).To(Equal("5"))
	})

	It("should write registers from numbers and hex strings", func() {
		_, err := s.Eval("emu.setReg('rcx', 42); emu.setReg('r9', '0xffffffffffffffff')")
		Expect(err).NotTo(HaveOccurred())
		Expect(e.RegFile().ReadReg(insts.RCX)).To(Equal(uint64(42)))
		Expect(e.RegFile().ReadReg(insts.R9)).To(Equal(^uint64(0)))
		Expect(s.Eval("emu.reg('r9')")).To(Equal("-1"))
	})

	It("should read and write memory", func() {
		Expect(s.Eval("emu.write(0x3000, [1, 2, 255]); emu.read(0x3000, 3).join(',')")).
			To(Equal("1,2,255"))
		Expect(s.Eval("emu.writeU64(0x3008, 0x1122334455); emu.readU64(0x3008)")).
			To(Equal("73588229205"))
		Expect(e.Bus().ReadU8(0x3008)).To(Equal(uint8(0x55)))
	})

	It("should throw emulator errors as exceptions", func() {
		_, err := s.Eval("emu.read(0x9000, 1)")
		Expect(err).To(MatchError(ContainSubstring("unmapped")))

		Expect(s.Eval("try { emu.read(0x9000, 1); 'no' } catch (e) { 'caught' }")).
			To(Equal("caught"))
		Expect(s.Eval("try { emu.reg('xmm0') } catch (e) { 'bad reg' }")).
			To(Equal("bad reg"))
	})

	It("should print", func() {
		Expect(s.Eval("print('rax', 1 + 2)")).To(BeEmpty())
		Expect(out.String()).To(Equal("rax 3\n"))
	})

	It("should run script files", func() {
		path := filepath.Join(GinkgoT().TempDir(), "trace.js")
		Expect(os.WriteFile(path, []byte(`
			while (emu.reg('rip') != 0x100c) { emu.step(); }
			print('rax=' + emu.reg('rax'));
		`), 0o644)).To(Succeed())

		Expect(s.RunFile(path)).To(Succeed())
		Expect(out.String()).To(Equal("rax=8\n"))
		Expect(e.RegFile().RIP).To(Equal(uint64(0x100c)))
	})

	It("should report syntax errors", func() {
		_, err := s.Eval("emu.step(")
		Expect(err).To(MatchError(ContainSubstring("script")))
	})
})
