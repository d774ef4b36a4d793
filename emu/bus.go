// Package emu provides functional x86-64 emulation.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrUnmapped matches any Fault through errors.Is.
var ErrUnmapped = errors.New("unmapped memory")

// ErrOverlap is returned when a region would overlap an existing one.
var ErrOverlap = errors.New("overlapping memory region")

// Fault reports an access whose span is not fully covered by one region.
type Fault struct {
	Op   string
	Addr uint64
	Size int
}

func (f *Fault) Error() string {
	return fmt.Sprintf("unmapped %s of %d bytes at 0x%x", f.Op, f.Size, f.Addr)
}

// Is makes errors.Is(err, ErrUnmapped) true for every Fault.
func (f *Fault) Is(target error) bool {
	return target == ErrUnmapped
}

// WriteObserver is notified after every successful write.
type WriteObserver func(addr uint64, n int, region *Region)

// Bus is the set of memory regions visible to the CPU. Regions are kept
// sorted by start address and never overlap.
type Bus struct {
	regions   []*Region
	observers []WriteObserver
	last      *Region
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// AddRegion maps a region. It fails if the region overlaps one already
// mapped.
func (b *Bus) AddRegion(r *Region) error {
	if r.Size() == 0 || r.End() <= r.Start {
		return fmt.Errorf("invalid region of %d bytes at 0x%x", r.Size(), r.Start)
	}

	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].Start >= r.Start
	})
	if i > 0 && b.regions[i-1].Overlaps(r) {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, r, b.regions[i-1])
	}
	if i < len(b.regions) && b.regions[i].Overlaps(r) {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, r, b.regions[i])
	}

	b.regions = append(b.regions, nil)
	copy(b.regions[i+1:], b.regions[i:])
	b.regions[i] = r
	return nil
}

// Regions returns the mapped regions in address order.
func (b *Bus) Regions() []*Region {
	return b.regions
}

// OnWrite registers an observer called after each successful write.
func (b *Bus) OnWrite(fn WriteObserver) {
	b.observers = append(b.observers, fn)
}

// RegionAt returns the region containing addr, or nil.
func (b *Bus) RegionAt(addr uint64) *Region {
	if b.last != nil && b.last.Contains(addr, 1) {
		return b.last
	}
	i := sort.Search(len(b.regions), func(i int) bool {
		return b.regions[i].End() > addr
	})
	if i < len(b.regions) && b.regions[i].Contains(addr, 1) {
		b.last = b.regions[i]
		return b.last
	}
	return nil
}

func (b *Bus) find(op string, addr uint64, n int) (*Region, error) {
	r := b.RegionAt(addr)
	if r == nil || !r.Contains(addr, n) {
		return nil, &Fault{Op: op, Addr: addr, Size: n}
	}
	return r, nil
}

// ReadExact returns a copy of the n bytes at addr.
func (b *Bus) ReadExact(addr uint64, n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	r, err := b.find("read", addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.slice(addr, n))
	return out, nil
}

// ReadUpTo returns up to n bytes starting at addr without crossing the end
// of the region containing addr. It fails only when addr itself is unmapped.
func (b *Bus) ReadUpTo(addr uint64, n int) ([]byte, error) {
	r := b.RegionAt(addr)
	if r == nil {
		return nil, &Fault{Op: "fetch", Addr: addr, Size: 1}
	}
	if avail := r.End() - addr; uint64(n) > avail {
		n = int(avail)
	}
	return r.slice(addr, n), nil
}

// WriteBytes stores data at addr.
func (b *Bus) WriteBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	r, err := b.find("write", addr, len(data))
	if err != nil {
		return err
	}
	copy(r.slice(addr, len(data)), data)
	b.notify(addr, len(data), r)
	return nil
}

func (b *Bus) notify(addr uint64, n int, r *Region) {
	for _, fn := range b.observers {
		fn(addr, n, r)
	}
}

// ReadU8 reads one byte.
func (b *Bus) ReadU8(addr uint64) (uint8, error) {
	r, err := b.find("read", addr, 1)
	if err != nil {
		return 0, err
	}
	return r.slice(addr, 1)[0], nil
}

// ReadU16 reads a little-endian 16-bit value.
func (b *Bus) ReadU16(addr uint64) (uint16, error) {
	r, err := b.find("read", addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.slice(addr, 2)), nil
}

// ReadU32 reads a little-endian 32-bit value.
func (b *Bus) ReadU32(addr uint64) (uint32, error) {
	r, err := b.find("read", addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.slice(addr, 4)), nil
}

// ReadU64 reads a little-endian 64-bit value.
func (b *Bus) ReadU64(addr uint64) (uint64, error) {
	r, err := b.find("read", addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.slice(addr, 8)), nil
}

// WriteU8 writes one byte.
func (b *Bus) WriteU8(addr uint64, v uint8) error {
	return b.WriteBytes(addr, []byte{v})
}

// WriteU16 writes a little-endian 16-bit value.
func (b *Bus) WriteU16(addr uint64, v uint16) error {
	return b.WriteBytes(addr, binary.LittleEndian.AppendUint16(nil, v))
}

// WriteU32 writes a little-endian 32-bit value.
func (b *Bus) WriteU32(addr uint64, v uint32) error {
	return b.WriteBytes(addr, binary.LittleEndian.AppendUint32(nil, v))
}

// WriteU64 writes a little-endian 64-bit value.
func (b *Bus) WriteU64(addr uint64, v uint64) error {
	return b.WriteBytes(addr, binary.LittleEndian.AppendUint64(nil, v))
}

// Read reads a little-endian value of width 1, 2, 4 or 8 bytes.
func (b *Bus) Read(addr uint64, width int) (uint64, error) {
	switch width {
	case 1:
		v, err := b.ReadU8(addr)
		return uint64(v), err
	case 2:
		v, err := b.ReadU16(addr)
		return uint64(v), err
	case 4:
		v, err := b.ReadU32(addr)
		return uint64(v), err
	case 8:
		return b.ReadU64(addr)
	}
	return 0, fmt.Errorf("unsupported access width %d", width)
}

// Write writes the low width bytes of v in little-endian order.
func (b *Bus) Write(addr uint64, width int, v uint64) error {
	switch width {
	case 1:
		return b.WriteU8(addr, uint8(v))
	case 2:
		return b.WriteU16(addr, uint16(v))
	case 4:
		return b.WriteU32(addr, uint32(v))
	case 8:
		return b.WriteU64(addr, v)
	}
	return fmt.Errorf("unsupported access width %d", width)
}
