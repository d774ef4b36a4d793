package analysis_test

import (
	"slices"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/analysis"
	"github.com/sarchlab/x64emu/disasm"
	"github.com/sarchlab/x64emu/insts"
)

const base = uint64(0x1000)

// twoFunctions:
//
//	0x1000: push rbx
//	0x1001: mov rbp, rsp
//	0x1004: nop
//	0x1005: call 0x1000
//	0x100a: ret
//	0x100b: push rbp
//	0x100c: sub rsp, 0x20
//	0x1010: ret
var twoFunctions = []byte{
	0x53,
	0x48, 0x89, 0xE5,
	0x90,
	0xE8, 0xF6, 0xFF, 0xFF, 0xFF,
	0xC3,
	0x55,
	0x48, 0x83, 0xEC, 0x20,
	0xC3,
}

func analyse(code []byte, opts ...analysis.Option) *analysis.Analyser {
	return analysis.Analyse(slices.Values(disasm.Disassemble(code, base)), opts...)
}

var _ = Describe("Analyser", func() {
	It("should discover a push/mov prologue verified by a direct call", func() {
		a := analyse(twoFunctions)

		fn := a.Functions()[0x1000]
		Expect(fn).NotTo(BeNil())
		Expect(fn.Source).To(Equal(analysis.PushMov))
		Expect(fn.NeedsVerification).To(BeFalse())
	})

	It("should keep an uncalled push/sub prologue unverified", func() {
		a := analyse(twoFunctions)

		Expect(a.Functions()).To(HaveLen(2))
		fn := a.Functions()[0x100b]
		Expect(fn.Source).To(Equal(analysis.PushSubRsp))
		Expect(fn.NeedsVerification).To(BeTrue())
	})

	It("should leave functions unverified before the second pass", func() {
		a := analysis.NewAnalyser()
		for _, inst := range disasm.Disassemble(twoFunctions, base) {
			a.Feed(inst)
		}

		Expect(a.Functions()[0x1000].NeedsVerification).To(BeTrue())
		Expect(a.CallTargets()).To(HaveKey(uint64(0x1000)))
	})

	It("should leave a function unverified when the call goes elsewhere", func() {
		code := slices.Clone(twoFunctions)
		code[6] = 0xF7 // call 0x1001

		a := analyse(code)
		Expect(a.CallTargets()).To(HaveKey(uint64(0x1001)))
		Expect(a.Functions()[0x1000].NeedsVerification).To(BeTrue())
	})

	It("should only match adjacent instructions", func() {
		code := []byte{
			0x55,             // push rbp
			0x90,             // nop
			0x48, 0x89, 0xE5, // mov rbp, rsp
		}
		Expect(analyse(code).Functions()).To(BeEmpty())
	})

	It("should ignore mov and sub forms that do not set up a frame", func() {
		code := []byte{
			0x55,             // push rbp
			0x48, 0x89, 0xEC, // mov rsp, rbp
			0x55,             // push rbp
			0x48, 0x29, 0xC4, // sub rsp, rax
		}
		Expect(analyse(code).Functions()).To(BeEmpty())
	})

	It("should not record indirect call targets", func() {
		code := []byte{0xFF, 0xD0} // call rax
		Expect(analyse(code).CallTargets()).To(BeEmpty())
	})

	It("should keep the first source of an address already known", func() {
		push := insts.Instruction{Address: 0x2000, Length: 1, Op: insts.OpPush, Dst: insts.RegOperand(insts.RBP)}
		mov := insts.Instruction{
			Address: 0x2001, Length: 3, Op: insts.OpMov,
			Dst: insts.RegOperand(insts.RBP), Src: insts.RegOperand(insts.RSP),
		}
		sub := insts.Instruction{
			Address: 0x2001, Length: 4, Op: insts.OpSub,
			Dst: insts.RegOperand(insts.RSP), Src: insts.ImmOperand(0x10),
		}

		a := analysis.NewAnalyser()
		for _, inst := range []insts.Instruction{push, mov, push, sub} {
			a.Feed(inst)
		}

		Expect(a.Functions()).To(HaveLen(1))
		Expect(a.Functions()[0x2000].Source).To(Equal(analysis.PushMov))
	})

	It("should keep detecting after the ring buffer wraps", func() {
		var code []byte
		for range 2 * analysis.RingCapacity {
			code = append(code, 0x90)
		}
		code = append(code, 0x55, 0x48, 0x89, 0xE5)

		fns := analyse(code).Functions()
		Expect(fns).To(HaveKey(base + 2*analysis.RingCapacity))
	})

	Context("with callee-saved pushes", func() {
		code := []byte{
			0x41, 0x54, // push r12
			0x31, 0xC0, // xor eax, eax
			0x50,       // push rax
			0xC3,       // ret
		}

		It("should treat a callee-saved push as a prologue", func() {
			fns := analyse(code, analysis.WithCalleeSavedPushes()).Functions()
			Expect(fns).To(HaveLen(1))
			Expect(fns[base].Source).To(Equal(analysis.CalleeSavedPush))
		})

		It("should not match them by default", func() {
			Expect(analyse(code).Functions()).To(BeEmpty())
		})
	})
})

var _ = Describe("Render", func() {
	It("should split verified and unverified functions", func() {
		out := analysis.Render(analyse(twoFunctions).Functions())

		Expect(out).To(ContainSubstring("2 functions"))
		Expect(out).To(ContainSubstring("verified"))
		Expect(out).To(ContainSubstring("0x1000 PushMov"))
		Expect(out).To(ContainSubstring("needs verification"))
		Expect(out).To(ContainSubstring("0x100b PushSubRsp"))
	})
})
