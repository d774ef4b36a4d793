package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/emu"
)

type flagState struct {
	CF, PF, AF, ZF, SF, OF bool
}

func stateOf(f emu.Flags) flagState {
	return flagState{CF: f.CF(), PF: f.PF(), AF: f.AF(), ZF: f.ZF(), SF: f.SF(), OF: f.OF()}
}

var _ = Describe("Flags", func() {
	DescribeTable("UpdateAddWidth",
		func(op1, op2 uint64, width int, want flagState) {
			var f emu.Flags
			result := op1 + op2
			f.UpdateAddWidth(op1, op2, result, width)
			Expect(stateOf(f)).To(Equal(want))
		},
		Entry("zero plus zero", uint64(0), uint64(0), 8,
			flagState{PF: true, ZF: true}),
		Entry("64-bit carry to zero", ^uint64(0), uint64(1), 8,
			flagState{CF: true, PF: true, AF: true, ZF: true}),
		Entry("64-bit signed overflow", uint64(0x7FFF_FFFF_FFFF_FFFF), uint64(1), 8,
			flagState{PF: true, AF: true, SF: true, OF: true}),
		Entry("32-bit carry to zero", uint64(0xFFFF_FFFF), uint64(1), 4,
			flagState{CF: true, PF: true, AF: true, ZF: true}),
		Entry("8-bit signed overflow", uint64(0x7F), uint64(1), 1,
			flagState{AF: true, SF: true, OF: true}),
		Entry("16-bit plain", uint64(0x0100), uint64(0x0200), 2,
			flagState{PF: true}),
	)

	DescribeTable("UpdateSubWidth",
		func(op1, op2 uint64, width int, want flagState) {
			var f emu.Flags
			f.UpdateSubWidth(op1, op2, op1-op2, width)
			Expect(stateOf(f)).To(Equal(want))
		},
		Entry("borrow from zero", uint64(0), uint64(1), 8,
			flagState{CF: true, PF: true, AF: true, SF: true}),
		Entry("signed underflow", uint64(0x8000_0000_0000_0000), uint64(1), 8,
			flagState{PF: true, AF: true, OF: true}),
		Entry("equal operands", uint64(42), uint64(42), 8,
			flagState{PF: true, ZF: true}),
		Entry("8-bit borrow", uint64(0x10), uint64(0x20), 1,
			flagState{CF: true, PF: true, SF: true}),
	)

	It("should compute the carry out of a 64-bit add with carry", func() {
		var f emu.Flags
		f.UpdateAdc(^uint64(0), 0, true, 0)
		Expect(f.CF()).To(BeTrue())
		Expect(f.ZF()).To(BeTrue())

		f.UpdateAdc(1, 2, true, 4)
		Expect(f.CF()).To(BeFalse())
		Expect(f.ZF()).To(BeFalse())
	})

	It("should preserve CF in UpdateSubNoCF", func() {
		var f emu.Flags
		f.Set(emu.FlagCF, true)
		f.UpdateSubNoCF(1, 1, 0)
		Expect(f.CF()).To(BeTrue())
		Expect(f.ZF()).To(BeTrue())

		f.Set(emu.FlagCF, false)
		f.UpdateSubNoCF(0, 1, ^uint64(0))
		Expect(f.CF()).To(BeFalse())
		Expect(f.SF()).To(BeTrue())
	})

	It("should clear CF and OF but keep AF in UpdateLogic", func() {
		f := emu.FlagCF | emu.FlagOF | emu.FlagAF
		f.UpdateLogic(0)
		Expect(f.CF()).To(BeFalse())
		Expect(f.OF()).To(BeFalse())
		Expect(f.AF()).To(BeTrue())
		Expect(f.ZF()).To(BeTrue())
		Expect(f.PF()).To(BeTrue())
	})

	It("should compute parity from the low byte only", func() {
		var f emu.Flags
		f.UpdateLogic(0x0103)
		Expect(f.PF()).To(BeTrue())
		f.UpdateLogic(0x0001)
		Expect(f.PF()).To(BeFalse())
	})

	It("should preserve bits outside the modeled flags", func() {
		f := emu.Flags(1<<1) | emu.FlagDF
		f.UpdateAdd(1, 1, 2)
		f.UpdateLogic(0)
		Expect(f.Raw() & (1 << 1)).NotTo(BeZero())
		Expect(f.DF()).To(BeTrue())
	})
})
