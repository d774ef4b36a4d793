package loader_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/loader"
)

var _ = Describe("Region files", func() {
	DescribeTable("ParseRegionFile",
		func(name string, want loader.RegionFile) {
			rf, err := loader.ParseRegionFile(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(rf).To(Equal(want))
			Expect(rf.FileName()).To(Equal(name))
		},
		Entry("code section", "0x140001000_4096_.text.section",
			loader.RegionFile{Address: 0x140001000, Size: 4096, Name: ".text", Kind: loader.KindSection}),
		Entry("header data", "0x140000000_4096_dos.data",
			loader.RegionFile{Address: 0x140000000, Size: 4096, Name: "dos", Kind: loader.KindData}),
		Entry("name with underscores", "0x7FF0_16_heap_block_1.data",
			loader.RegionFile{Address: 0x7FF0, Size: 16, Name: "heap_block_1", Kind: loader.KindData}),
	)

	DescribeTable("rejected names",
		func(name string) {
			_, err := loader.ParseRegionFile(name)
			Expect(errors.Is(err, loader.ErrNotRegionFile)).To(BeTrue())
		},
		Entry("summary", "summary.json"),
		Entry("listing", "0x1000_16_.text.txt"),
		Entry("missing name", "0x1000_16.section"),
		Entry("bad address", "0xZZ_16_x.section"),
		Entry("bad size", "0x1000_big_x.section"),
		Entry("size out of range", "0x1000_18446744073709551615_x.data"),
		Entry("size over the limit", "0x1000_17179869185_x.data"),
	)

	It("should accept a size at the limit", func() {
		rf, err := loader.ParseRegionFile("0x1000_17179869184_x.data")
		Expect(err).NotTo(HaveOccurred())
		Expect(rf.Size).To(Equal(uint64(loader.MaxRegionSize)))
	})
})

var _ = Describe("Dumps", func() {
	var (
		tempDir string
		dumpDir string
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
		dumpDir = filepath.Join(tempDir, "game", "PE")
	})

	It("should write region files, a listing and a summary", func() {
		path := filepath.Join(tempDir, "game.exe")
		samplePE(path)
		img, err := loader.Open(path)
		Expect(err).NotTo(HaveOccurred())

		summary, err := loader.WriteDump(dumpDir, img)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary.EntryPointVA).To(Equal("0x140001000"))
		Expect(summary.EntryPointRVA).To(Equal("0x1000"))
		Expect(summary.Sections).To(HaveLen(3))

		Expect(filepath.Join(dumpDir, "0x140000000_4096_dos.data")).To(BeARegularFile())
		Expect(filepath.Join(dumpDir, "0x140001000_6_.text.section")).To(BeARegularFile())
		Expect(filepath.Join(dumpDir, "0x140002000_32_.data.section")).To(BeARegularFile())
		Expect(filepath.Join(dumpDir, loader.SummaryFile)).To(BeARegularFile())

		listing, err := os.ReadFile(filepath.Join(dumpDir, "0x140001000_6_.text.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(listing)).To(ContainSubstring("0x140001000: mov eax, 0x2a"))
	})

	It("should keep files that already exist", func() {
		Expect(os.MkdirAll(dumpDir, 0o755)).To(Succeed())
		existing := filepath.Join(dumpDir, "0x140001000_6_.text.section")
		Expect(os.WriteFile(existing, []byte{0x90}, 0o644)).To(Succeed())

		path := filepath.Join(tempDir, "game.exe")
		samplePE(path)
		img, err := loader.Open(path)
		Expect(err).NotTo(HaveOccurred())
		_, err = loader.WriteDump(dumpDir, img)
		Expect(err).NotTo(HaveOccurred())

		Expect(os.ReadFile(existing)).To(Equal([]byte{0x90}))
	})

	It("should read a dump back with permissions from the summary", func() {
		path := filepath.Join(tempDir, "game.exe")
		samplePE(path)
		img, err := loader.Open(path)
		Expect(err).NotTo(HaveOccurred())
		_, err = loader.WriteDump(dumpDir, img)
		Expect(err).NotTo(HaveOccurred())

		dump, err := loader.ReadDump(context.Background(), dumpDir, loader.WithJobs(2))
		Expect(err).NotTo(HaveOccurred())
		Expect(dump.Regions).To(HaveLen(4))
		Expect(dump.Regions[0].Start).To(Equal(uint64(0x140000000)))
		Expect(dump.Regions[0].Executable).To(BeFalse())
		Expect(dump.Regions[1].Executable).To(BeTrue())
		Expect(dump.Regions[2].Executable).To(BeFalse())
		Expect(dump.Regions[2].Data).To(HaveLen(0x20))

		ep, ok := dump.EntryPoint()
		Expect(ok).To(BeTrue())
		Expect(ep).To(Equal(uint64(0x140001000)))

		bus := emu.NewBus()
		Expect(dump.Map(bus)).To(Succeed())
		v, err := bus.ReadU8(0x140001000)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(byte(0xB8)))
	})

	It("should infer permissions from the file kind without a summary", func() {
		Expect(os.MkdirAll(dumpDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dumpDir, "0x1000_8_code.section"), []byte{0xC3}, 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dumpDir, "0x2000_4_heap.data"), []byte{1, 2, 3, 4}, 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dumpDir, "notes.txt"), []byte("x"), 0o644)).To(Succeed())

		dump, err := loader.ReadDump(context.Background(), dumpDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(dump.Summary).To(BeNil())
		Expect(dump.Regions).To(HaveLen(2))

		code := dump.Regions[0]
		Expect(code.Executable).To(BeTrue())
		Expect(code.Module).To(Equal("code"))
		Expect(code.Data).To(Equal([]byte{0xC3, 0, 0, 0, 0, 0, 0, 0}))
		Expect(dump.Regions[1].Executable).To(BeFalse())

		_, ok := dump.EntryPoint()
		Expect(ok).To(BeFalse())
	})

	It("should reject a file larger than its declared size", func() {
		Expect(os.MkdirAll(dumpDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dumpDir, "0x1000_1_code.section"), []byte{1, 2}, 0o644)).To(Succeed())

		_, err := loader.ReadDump(context.Background(), dumpDir)
		Expect(err).To(HaveOccurred())
	})

	It("should fail on a region file declaring an oversized region", func() {
		Expect(os.MkdirAll(dumpDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dumpDir, "0x1000_18446744073709551615_x.data"),
			[]byte{1}, 0o644)).To(Succeed())

		_, err := loader.ReadDump(context.Background(), dumpDir)
		Expect(errors.Is(err, loader.ErrNotRegionFile)).To(BeTrue())
		Expect(errors.Is(err, loader.ErrRegionTooLarge)).To(BeTrue())
	})

	It("should stop when the context is cancelled", func() {
		Expect(os.MkdirAll(dumpDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dumpDir, "0x1000_1_code.section"), []byte{1}, 0o644)).To(Succeed())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := loader.ReadDump(ctx, dumpDir)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})
