package emu_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x64emu/emu"
)

var _ = Describe("Bus", func() {
	var bus *emu.Bus

	BeforeEach(func() {
		bus = emu.NewBus()
		Expect(bus.AddRegion(emu.NewRegion(0x2000, 0x100))).To(Succeed())
		Expect(bus.AddRegion(emu.NewRegion(0x1000, 0x100))).To(Succeed())
	})

	It("should keep regions ordered by start", func() {
		regions := bus.Regions()
		Expect(regions).To(HaveLen(2))
		Expect(regions[0].Start).To(Equal(uint64(0x1000)))
		Expect(regions[1].Start).To(Equal(uint64(0x2000)))
	})

	DescribeTable("rejecting overlaps",
		func(start uint64, size int) {
			err := bus.AddRegion(emu.NewRegion(start, size))
			Expect(errors.Is(err, emu.ErrOverlap)).To(BeTrue())
		},
		Entry("same start", uint64(0x1000), 0x10),
		Entry("tail overlap", uint64(0x10F0), 0x20),
		Entry("head overlap", uint64(0x1F00), 0x101),
		Entry("enclosing", uint64(0x0F00), 0x2000),
	)

	It("should accept adjacent regions", func() {
		Expect(bus.AddRegion(emu.NewRegion(0x1100, 0x100))).To(Succeed())
	})

	It("should reject empty regions", func() {
		Expect(bus.AddRegion(emu.NewRegion(0x5000, 0))).NotTo(Succeed())
	})

	It("should round-trip little-endian values", func() {
		Expect(bus.WriteU64(0x1008, 0x0102_0304_0506_0708)).To(Succeed())

		b, err := bus.ReadU8(0x1008)
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(Equal(uint8(0x08)))

		w, err := bus.ReadU16(0x100E)
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(Equal(uint16(0x0102)))

		d, err := bus.ReadU32(0x1008)
		Expect(err).NotTo(HaveOccurred())
		Expect(d).To(Equal(uint32(0x0506_0708)))

		v, err := bus.Read(0x1008, 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint64(0x0102_0304_0506_0708)))
	})

	It("should fault on spans crossing a region end", func() {
		_, err := bus.ReadU64(0x10FC)

		var fault *emu.Fault
		Expect(errors.As(err, &fault)).To(BeTrue())
		Expect(fault.Addr).To(Equal(uint64(0x10FC)))
		Expect(fault.Size).To(Equal(8))
		Expect(fault.Op).To(Equal("read"))
		Expect(errors.Is(err, emu.ErrUnmapped)).To(BeTrue())
	})

	It("should fault on spans bridging adjacent regions", func() {
		Expect(bus.AddRegion(emu.NewRegion(0x1100, 0x100))).To(Succeed())
		_, err := bus.ReadU32(0x10FE)
		Expect(errors.Is(err, emu.ErrUnmapped)).To(BeTrue())
	})

	It("should fault on writes to unmapped memory", func() {
		err := bus.WriteBytes(0x3000, []byte{1})
		var fault *emu.Fault
		Expect(errors.As(err, &fault)).To(BeTrue())
		Expect(fault.Op).To(Equal("write"))
	})

	It("should return copies from ReadExact", func() {
		Expect(bus.WriteBytes(0x1000, []byte{1, 2, 3})).To(Succeed())
		data, err := bus.ReadExact(0x1000, 3)
		Expect(err).NotTo(HaveOccurred())
		data[0] = 9

		again, _ := bus.ReadExact(0x1000, 3)
		Expect(again).To(Equal([]byte{1, 2, 3}))
	})

	It("should clip ReadUpTo at the region end", func() {
		data, err := bus.ReadUpTo(0x10FA, 15)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(HaveLen(6))

		_, err = bus.ReadUpTo(0x3000, 15)
		Expect(errors.Is(err, emu.ErrUnmapped)).To(BeTrue())
	})

	It("should notify write observers", func() {
		var seen []uint64
		bus.OnWrite(func(addr uint64, n int, r *emu.Region) {
			seen = append(seen, addr, uint64(n), r.Start)
		})
		Expect(bus.WriteU32(0x2010, 7)).To(Succeed())
		Expect(seen).To(Equal([]uint64{0x2010, 4, 0x2000}))
	})

	It("should find the region containing an address", func() {
		Expect(bus.RegionAt(0x20FF)).NotTo(BeNil())
		Expect(bus.RegionAt(0x2100)).To(BeNil())
		Expect(bus.RegionAt(0x0FFF)).To(BeNil())
	})
})
