package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	decode := func(code ...byte) insts.Instruction {
		inst, err := decoder.Decode(code, 0x1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Length).To(Equal(len(code)))
		return inst
	}

	Describe("Arithmetic", func() {
		// 48 01 d8: add rax, rbx
		It("should decode add rax, rbx", func() {
			inst := decode(0x48, 0x01, 0xd8)

			Expect(inst.Op).To(Equal(insts.OpAdd))
			Expect(inst.Dst).To(Equal(insts.RegOperand(insts.RAX)))
			Expect(inst.Src).To(Equal(insts.RegOperand(insts.RBX)))
			Expect(inst.Mnemonic).To(Equal("add"))
			Expect(inst.OpStr).To(Equal("rax, rbx"))
			Expect(inst.String()).To(Equal("0x1000: add rax, rbx"))
		})

		// 48 c7 c0 05 00 00 00: mov rax, 5
		It("should decode mov rax, imm32 destination first", func() {
			inst := decode(0x48, 0xc7, 0xc0, 0x05, 0x00, 0x00, 0x00)

			Expect(inst.Op).To(Equal(insts.OpMov))
			Expect(inst.Dst.IsReg(insts.RAX)).To(BeTrue())
			Expect(inst.Src).To(Equal(insts.ImmOperand(5)))
		})

		// 48 83 e8 ff: sub rax, -1 (imm8 sign-extended)
		It("should decode sub with a sign-extended immediate", func() {
			inst := decode(0x48, 0x83, 0xe8, 0xff)

			Expect(inst.Op).To(Equal(insts.OpSub))
			Expect(inst.Src).To(Equal(insts.ImmOperand(-1)))
		})

		DescribeTable("operation classes",
			func(code []byte, op insts.Op) {
				Expect(decode(code...).Op).To(Equal(op))
			},
			Entry("adc rax, rbx", []byte{0x48, 0x11, 0xd8}, insts.OpAdc),
			Entry("cmp rax, 0x10", []byte{0x48, 0x83, 0xf8, 0x10}, insts.OpCmp),
			Entry("test rax, rax", []byte{0x48, 0x85, 0xc0}, insts.OpTest),
			Entry("xor eax, eax", []byte{0x31, 0xc0}, insts.OpXor),
			Entry("inc rcx", []byte{0x48, 0xff, 0xc1}, insts.OpInc),
			Entry("dec rcx", []byte{0x48, 0xff, 0xc9}, insts.OpDec),
			Entry("shl rax, 4", []byte{0x48, 0xc1, 0xe0, 0x04}, insts.OpShl),
			Entry("shr rdx, 1", []byte{0x48, 0xd1, 0xea}, insts.OpShr),
			Entry("movzx eax, byte ptr [rdi]", []byte{0x0f, 0xb6, 0x07}, insts.OpMovZX),
			Entry("lea rdi, [rsp+8]", []byte{0x48, 0x8d, 0x7c, 0x24, 0x08}, insts.OpLea),
			Entry("push rbx", []byte{0x53}, insts.OpPush),
			Entry("pop rbp", []byte{0x5d}, insts.OpPop),
			Entry("nop", []byte{0x90}, insts.OpNop),
			Entry("cld", []byte{0xfc}, insts.OpCld),
			Entry("leave", []byte{0xc9}, insts.OpLeave),
			Entry("int3", []byte{0xcc}, insts.OpInt3),
			Entry("ret", []byte{0xc3}, insts.OpRet),
			Entry("jmp rax", []byte{0xff, 0xe0}, insts.OpUnconditionalJump),
			Entry("call qword ptr [rax]", []byte{0xff, 0x10}, insts.OpCall),
			Entry("imul rax, rbx", []byte{0x48, 0x0f, 0xaf, 0xc3}, insts.OpInvalid),
			Entry("movsb without rep", []byte{0xa4}, insts.OpInvalid),
		)
	})

	Describe("Memory operands", func() {
		// 8b 44 8b 08: mov eax, dword ptr [rbx+rcx*4+0x8]
		It("should decode base, index, scale and displacement", func() {
			inst := decode(0x8b, 0x44, 0x8b, 0x08)

			Expect(inst.Dst.IsReg(insts.EAX)).To(BeTrue())
			Expect(inst.Src.Kind).To(Equal(insts.OperandMem))
			Expect(inst.Src.Mem).To(Equal(insts.Memory{
				Base:  insts.RBX,
				Index: insts.RCX,
				Scale: 4,
				Disp:  8,
				Size:  4,
			}))
		})

		// 48 8b 05 10 00 00 00: mov rax, qword ptr [rip+0x10]
		It("should keep RIP-relative operands symbolic", func() {
			inst := decode(0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00)

			Expect(inst.Src.Mem.IsRIPRelative()).To(BeTrue())
			Expect(inst.Src.Mem.Disp).To(Equal(int64(0x10)))
			Expect(inst.Src.Mem.Size).To(Equal(8))
			Expect(inst.OpStr).To(Equal("rax, qword ptr [rip+0x10]"))
		})

		// 48 8b 45 08: mov rax, qword ptr [rbp+0x8] has an implicit SS segment
		It("should drop implicit segments", func() {
			inst := decode(0x48, 0x8b, 0x45, 0x08)

			Expect(inst.Src.Mem.Segment).To(Equal(insts.RegNone))
			Expect(inst.Src.Mem.Base).To(Equal(insts.RBP))
		})

		// 64 48 8b 04 25 28 00 00 00: mov rax, qword ptr fs:[0x28]
		It("should keep an FS override", func() {
			inst := decode(0x64, 0x48, 0x8b, 0x04, 0x25, 0x28, 0x00, 0x00, 0x00)

			Expect(inst.Src.Mem.Segment).To(Equal(insts.FS))
			Expect(inst.Src.Mem.Base).To(Equal(insts.RegNone))
			Expect(inst.Src.Mem.Disp).To(Equal(int64(0x28)))
		})
	})

	Describe("Sub-registers", func() {
		It("should decode high-byte registers", func() {
			inst := decode(0xb4, 0x01) // mov ah, 1
			Expect(inst.Dst.IsReg(insts.AH)).To(BeTrue())
		})

		It("should decode REX byte registers", func() {
			Expect(decode(0x41, 0xb0, 0x01).Dst.IsReg(insts.R8B)).To(BeTrue())
			Expect(decode(0x40, 0xb4, 0x01).Dst.IsReg(insts.SPL)).To(BeTrue())
		})
	})

	Describe("Control flow", func() {
		// 74 10: je +0x10 at 0x1000 -> 0x1012
		It("should resolve conditional jump targets", func() {
			inst := decode(0x74, 0x10)

			Expect(inst.Op).To(Equal(insts.OpConditionalJump))
			Expect(inst.Cond).To(Equal(insts.CondEqual))
			Expect(inst.Target).To(Equal(uint64(0x1012)))
		})

		// e3 fe: jrcxz to itself
		It("should decode jrcxz with the counter register", func() {
			inst := decode(0xe3, 0xfe)

			Expect(inst.Cond).To(Equal(insts.CondCXZ))
			Expect(inst.Target).To(Equal(uint64(0x1000)))
			Expect(inst.Src.IsReg(insts.RCX)).To(BeTrue())
		})

		// e8 fb 0f 00 00: call 0x2000 from 0x1000
		It("should resolve direct call targets to immediates", func() {
			inst := decode(0xe8, 0xfb, 0x0f, 0x00, 0x00)

			Expect(inst.Op).To(Equal(insts.OpCall))
			target, ok := inst.DirectTarget()
			Expect(ok).To(BeTrue())
			Expect(target).To(Equal(uint64(0x2000)))
		})

		It("should report indirect calls as having no direct target", func() {
			_, ok := decode(0xff, 0xd0).DirectTarget() // call rax
			Expect(ok).To(BeFalse())
		})
	})

	Describe("REP string operations", func() {
		DescribeTable("prefix handling",
			func(code []byte, kind insts.RepKind, width int, untilEqual bool) {
				inst := decode(code...)
				Expect(inst.Op).To(Equal(insts.OpRep))
				Expect(inst.Rep).To(Equal(insts.RepeatableInstruction{
					Kind:       kind,
					Width:      width,
					UntilEqual: untilEqual,
				}))
			},
			Entry("rep movsb", []byte{0xf3, 0xa4}, insts.RepMov, 1, false),
			Entry("rep movsq", []byte{0xf3, 0x48, 0xa5}, insts.RepMov, 8, false),
			Entry("rep stosq", []byte{0xf3, 0x48, 0xab}, insts.RepStos, 8, false),
			Entry("rep lodsd", []byte{0xf3, 0xad}, insts.RepLods, 4, false),
			Entry("repe scasb", []byte{0xf3, 0xae}, insts.RepScas, 1, false),
			Entry("repne scasb", []byte{0xf2, 0xae}, insts.RepScas, 1, true),
		)

		It("should keep the prefix in the mnemonic", func() {
			Expect(decode(0xf3, 0xa4).Mnemonic).To(Equal("rep movsb"))
		})
	})

	Describe("Decode boundaries", func() {
		It("should report an empty buffer as truncated", func() {
			_, err := decoder.Decode(nil, 0)
			Expect(err).To(MatchError(insts.ErrTruncated))
		})

		DescribeTable("truncated instructions",
			func(code []byte) {
				_, err := decoder.Decode(code, 0)
				Expect(err).To(MatchError(insts.ErrTruncated))
			},
			Entry("call opcode without displacement", []byte{0xe8}),
			Entry("lone REX prefix", []byte{0x48}),
			Entry("partial immediate", []byte{0x48, 0xc7, 0xc0, 0x05}),
		)

		It("should decode unrecognised bytes as a one-byte invalid instruction", func() {
			inst, err := decoder.Decode([]byte{0x06, 0x90}, 0x40)

			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpInvalid))
			Expect(inst.Length).To(Equal(1))
			Expect(inst.Address).To(Equal(uint64(0x40)))
		})
	})
})
