// Package emu provides functional x86-64 emulation.
package emu

import "fmt"

// Region is a contiguous, half-open range [Start, End) of emulated memory
// backed by its own bytes.
type Region struct {
	// Start is the address of the first byte.
	Start uint64

	// Data holds the region contents; its length is the region size.
	Data []byte

	// Module names the image the region belongs to, if any.
	Module string

	// Readable and Executable are permission tags carried from the dump.
	Readable   bool
	Executable bool

	// State and Protect are the raw allocation state and protection words
	// of the captured process, preserved for round-tripping.
	State   uint32
	Protect uint32
}

// NewRegion creates a zero-filled, readable region of size bytes.
func NewRegion(start uint64, size int) *Region {
	return &Region{
		Start:    start,
		Data:     make([]byte, size),
		Readable: true,
	}
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	return len(r.Data)
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return r.Start + uint64(len(r.Data))
}

// Contains reports whether the n bytes starting at addr lie inside the region.
func (r *Region) Contains(addr uint64, n int) bool {
	if addr < r.Start || n < 0 {
		return false
	}
	off := addr - r.Start
	return off <= uint64(len(r.Data)) && uint64(n) <= uint64(len(r.Data))-off
}

// Overlaps reports whether two regions share at least one byte.
func (r *Region) Overlaps(other *Region) bool {
	if r.Size() == 0 || other.Size() == 0 {
		return false
	}
	return r.Start < other.End() && other.Start < r.End()
}

// slice returns the backing bytes for [addr, addr+n). The caller has
// checked Contains.
func (r *Region) slice(addr uint64, n int) []byte {
	off := addr - r.Start
	return r.Data[off : off+uint64(n)]
}

func (r *Region) String() string {
	name := r.Module
	if name == "" {
		name = "anonymous"
	}
	perm := []byte("--")
	if r.Readable {
		perm[0] = 'r'
	}
	if r.Executable {
		perm[1] = 'x'
	}
	return fmt.Sprintf("[0x%x, 0x%x) %s %s", r.Start, r.End(), perm, name)
}
