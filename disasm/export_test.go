package disasm_test

import (
	"bytes"
	"slices"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/disasm"
)

var _ = Describe("Export", func() {
	Describe("WriteText", func() {
		It("should list instructions with rip targets and grouped padding", func() {
			var buf bytes.Buffer
			seq := slices.Values(disasm.Disassemble(prologue, base))
			Expect(disasm.WriteText(&buf, seq, disasm.TextOptions{})).To(Succeed())

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines).To(HaveLen(6))
			Expect(lines[0]).To(Equal("0x1000: push rbp"))
			Expect(lines[1]).To(Equal("0x1001: mov rbp, rsp"))
			Expect(lines[3]).To(Equal("0x1009 - 0x100a int3"))
			Expect(lines[4]).To(HavePrefix("0x100b: mov rax, "))
			Expect(lines[4]).To(HaveSuffix(" ; 0x1022"))
			Expect(lines[5]).To(Equal("0x1012: ret"))
		})

		It("should keep a lone int3 and optional nops and invalid bytes", func() {
			code := []byte{0x90, 0xCC, 0x06, 0xC3}
			var buf bytes.Buffer
			seq := slices.Values(disasm.Disassemble(code, base))
			opts := disasm.TextOptions{IncludeInvalid: true, IncludeNops: true}
			Expect(disasm.WriteText(&buf, seq, opts)).To(Succeed())

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines).To(HaveLen(4))
			Expect(lines[0]).To(Equal("0x1000: nop"))
			Expect(lines[1]).To(Equal("0x1001: int3"))
			Expect(lines[2]).To(Equal("0x1002: (bad)"))
		})
	})

	Describe("WriteCSV", func() {
		It("should group padding and split operand details", func() {
			var buf bytes.Buffer
			seq := slices.Values(disasm.Disassemble(prologue, base))
			Expect(disasm.WriteCSV(&buf, seq)).To(Succeed())

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines[0]).To(Equal(strings.Join(disasm.CSVHeader, ";")))
			Expect(lines[3]).To(Equal("0x1004;sub;rsp, 0x10;0x10;;;;"))
			Expect(lines[4]).To(Equal("0x1008;nop;;;;;;0x1008"))
			Expect(lines[5]).To(Equal("0x1009;int3;;;;;;0x100A"))
			Expect(lines[6]).To(HaveSuffix(";;;0x1022;16;"))
			Expect(lines).To(HaveLen(8))
		})

		It("should put branch targets in the address column", func() {
			var buf bytes.Buffer
			// call 0x1005
			code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00}
			Expect(disasm.WriteCSV(&buf, slices.Values(disasm.Disassemble(code, base)))).To(Succeed())
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines[1]).To(HavePrefix("0x1000;call;"))
			Expect(lines[1]).To(HaveSuffix(";;0x1005;;;"))
		})
	})

	Describe("CallSites", func() {
		It("should describe each call target", func() {
			code := []byte{
				0xE8, 0x00, 0x00, 0x00, 0x00, // call 0x1005
				0xFF, 0xD0, // call rax
				0xFF, 0x15, 0x10, 0x00, 0x00, 0x00, // call [rip+0x10]
			}
			sites := disasm.CallSites(slices.Values(disasm.Disassemble(code, base)))
			Expect(sites).To(Equal(map[uint64]string{
				0x1000: "0x1005",
				0x1005: "rax",
				0x1007: "0x101D",
			}))
		})
	})
})
