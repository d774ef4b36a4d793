// Package snapshot persists emulator state: registers, flags, the instruction
// pointer and every mapped memory region.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
)

// MaxRegionSize bounds the payload a decoded region may claim.
const MaxRegionSize = 1 << 34

// ErrCorrupt is returned when the encoded data is malformed.
var ErrCorrupt = errors.New("corrupt snapshot")

// Region is one captured memory region.
type Region struct {
	Start      uint64
	State      uint32
	Protect    uint32
	Readable   bool
	Executable bool

	// Module names the owning image. It is encoded only when HasModule is
	// set, so an empty name and no name stay distinct.
	Module    string
	HasModule bool

	Data []byte
}

// Snapshot is the complete state needed to resume emulation.
type Snapshot struct {
	GPR     [insts.NumSlots]uint64
	RIP     uint64
	RFlags  uint64
	Regions []Region
}

// FromEmulator captures the current state of e. Region contents are copied.
func FromEmulator(e *emu.Emulator) *Snapshot {
	regs := e.RegFile()
	s := &Snapshot{
		GPR:    regs.GPR,
		RIP:    regs.RIP,
		RFlags: regs.Flags.Raw(),
	}
	for _, r := range e.Bus().Regions() {
		s.Regions = append(s.Regions, Region{
			Start:      r.Start,
			State:      r.State,
			Protect:    r.Protect,
			Readable:   r.Readable,
			Executable: r.Executable,
			Module:     r.Module,
			HasModule:  r.Module != "",
			Data:       bytes.Clone(r.Data),
		})
	}
	return s
}

// Restore builds a bus and register file from the snapshot. The bus receives
// copies of the region contents.
func (s *Snapshot) Restore() (*emu.Bus, emu.RegFile, error) {
	bus := emu.NewBus()
	for _, r := range s.Regions {
		region := &emu.Region{
			Start:      r.Start,
			Data:       bytes.Clone(r.Data),
			Module:     r.Module,
			Readable:   r.Readable,
			Executable: r.Executable,
			State:      r.State,
			Protect:    r.Protect,
		}
		if err := bus.AddRegion(region); err != nil {
			return nil, emu.RegFile{}, fmt.Errorf("restore region 0x%x: %w", r.Start, err)
		}
	}

	regs := emu.RegFile{
		GPR:   s.GPR,
		RIP:   s.RIP,
		Flags: emu.Flags(s.RFlags),
	}
	return bus, regs, nil
}

// Encode writes s in the little-endian snapshot layout.
func Encode(w io.Writer, s *Snapshot) error {
	bw := bufio.NewWriter(w)
	e := encoder{w: bw}

	for _, v := range s.GPR {
		e.u64(v)
	}
	e.u64(s.RIP)
	e.u64(s.RFlags)
	e.u64(uint64(len(s.Regions)))

	for _, r := range s.Regions {
		e.u64(r.Start)
		e.u64(uint64(len(r.Data)))
		e.u32(r.State)
		e.u32(r.Protect)
		e.bool(r.Readable)
		e.bool(r.Executable)
		e.bool(r.HasModule)
		if r.HasModule {
			e.u32(uint32(len(r.Module)))
			e.bytes([]byte(r.Module))
		}
		e.u64(uint64(len(r.Data)))
		e.bytes(r.Data)
	}

	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

// Marshal encodes s into a byte slice.
func Marshal(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	d := decoder{r: bufio.NewReader(r)}
	s := &Snapshot{}

	for i := range s.GPR {
		s.GPR[i] = d.u64()
	}
	s.RIP = d.u64()
	s.RFlags = d.u64()
	count := d.u64()
	if d.err != nil {
		return nil, d.fail("header")
	}

	for i := uint64(0); i < count; i++ {
		var reg Region
		reg.Start = d.u64()
		size := d.u64()
		reg.State = d.u32()
		reg.Protect = d.u32()
		reg.Readable = d.bool()
		reg.Executable = d.bool()
		reg.HasModule = d.bool()
		if reg.HasModule {
			reg.Module = string(d.bytes(uint64(d.u32())))
		}
		payload := d.u64()
		if d.err == nil && payload != size {
			d.err = fmt.Errorf("%w: region 0x%x size %d with %d payload bytes",
				ErrCorrupt, reg.Start, size, payload)
		}
		reg.Data = d.bytes(payload)
		if d.err != nil {
			return nil, d.fail(fmt.Sprintf("region %d", i))
		}
		s.Regions = append(s.Regions, reg)
	}
	return s, nil
}

// Unmarshal decodes a snapshot from data.
func Unmarshal(data []byte) (*Snapshot, error) {
	return Decode(bytes.NewReader(data))
}

type encoder struct {
	w   io.Writer
	err error
	buf [8]byte
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:], v)
	e.bytes(e.buf[:8])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:], v)
	e.bytes(e.buf[:4])
}

func (e *encoder) bool(v bool) {
	e.buf[0] = 0
	if v {
		e.buf[0] = 1
	}
	e.bytes(e.buf[:1])
}

type decoder struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	_, d.err = io.ReadFull(d.r, d.buf[:n])
	return d.buf[:n]
}

func (d *decoder) u64() uint64 {
	return binary.LittleEndian.Uint64(d.read(8))
}

func (d *decoder) u32() uint32 {
	return binary.LittleEndian.Uint32(d.read(4))
}

func (d *decoder) bool() bool {
	b := d.read(1)[0]
	if d.err == nil && b > 1 {
		d.err = fmt.Errorf("%w: boolean byte 0x%x", ErrCorrupt, b)
	}
	return b == 1
}

// bytes reads n bytes without trusting n for the allocation size.
func (d *decoder) bytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > MaxRegionSize {
		d.err = fmt.Errorf("%w: length %d", ErrCorrupt, n)
		return nil
	}
	var out bytes.Buffer
	if _, err := io.CopyN(&out, d.r, int64(n)); err != nil {
		d.err = err
		return nil
	}
	return out.Bytes()
}

func (d *decoder) fail(where string) error {
	err := d.err
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return fmt.Errorf("decode snapshot %s: %w", where, err)
}
