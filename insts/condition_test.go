package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x64emu/insts"
)

var _ = Describe("ConditionCode", func() {
	DescribeTable("mapping from jump opcodes",
		func(op x86asm.Op, want insts.ConditionCode) {
			Expect(insts.IsConditionalJump(op)).To(BeTrue())
			Expect(insts.ConditionFromOp(op)).To(Equal(want))
		},
		Entry("jo", x86asm.JO, insts.CondOverflow),
		Entry("jb", x86asm.JB, insts.CondBelow),
		Entry("jne", x86asm.JNE, insts.CondNotEqual),
		Entry("ja", x86asm.JA, insts.CondAbove),
		Entry("jnp", x86asm.JNP, insts.CondNotParity),
		Entry("jl", x86asm.JL, insts.CondLess),
		Entry("jg", x86asm.JG, insts.CondGreater),
		Entry("jecxz", x86asm.JECXZ, insts.CondCXZ),
	)

	It("should panic for opcodes that are not conditional jumps", func() {
		Expect(insts.IsConditionalJump(x86asm.JMP)).To(BeFalse())
		Expect(func() { insts.ConditionFromOp(x86asm.JMP) }).To(Panic())
	})

	It("should name conditions by their Jcc suffix", func() {
		Expect(insts.CondBelowOrEqual.String()).To(Equal("be"))
		Expect(insts.CondCXZ.String()).To(Equal("cxz"))
	})
})
