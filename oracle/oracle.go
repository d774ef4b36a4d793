//go:build unicorn
// +build unicorn

package oracle

import (
	"cmp"
	"fmt"
	"slices"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
)

const pageSize = 0x1000

// StatusFlags covers the arithmetic flags compared by default.
const StatusFlags = emu.FlagCF | emu.FlagPF | emu.FlagAF | emu.FlagZF | emu.FlagSF | emu.FlagOF

// slotRegs lists the Unicorn register ids in general-purpose slot order.
var slotRegs = [insts.NumSlots]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

// Machine is a Unicorn x86-64 instance mirroring an emulator's memory and
// registers.
type Machine struct {
	mu uc.Unicorn
}

// NewMachine creates a Unicorn instance holding a copy of every region of
// bus and the registers regs. Regions are mapped on whole pages.
func NewMachine(bus *emu.Bus, regs emu.RegFile) (*Machine, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	m := &Machine{mu: mu}

	for _, span := range pageSpans(bus.Regions()) {
		if err := mu.MemMap(span[0], span[1]-span[0]); err != nil {
			_ = mu.Close()
			return nil, fmt.Errorf("map 0x%x-0x%x: %w", span[0], span[1], err)
		}
	}
	for _, r := range bus.Regions() {
		if err := mu.MemWrite(r.Start, r.Data); err != nil {
			_ = mu.Close()
			return nil, fmt.Errorf("write %v: %w", r, err)
		}
	}
	if err := m.SetRegs(regs); err != nil {
		_ = mu.Close()
		return nil, err
	}
	return m, nil
}

// pageSpans returns the merged, page-aligned [start, end) ranges covering
// regions.
func pageSpans(regions []*emu.Region) [][2]uint64 {
	var spans [][2]uint64
	for _, r := range regions {
		if r.Size() == 0 {
			continue
		}
		start := r.Start &^ (pageSize - 1)
		end := (r.End() + pageSize - 1) &^ (pageSize - 1)
		spans = append(spans, [2]uint64{start, end})
	}
	slices.SortFunc(spans, func(a, b [2]uint64) int { return cmp.Compare(a[0], b[0]) })

	var merged [][2]uint64
	for _, s := range spans {
		if n := len(merged); n > 0 && s[0] <= merged[n-1][1] {
			merged[n-1][1] = max(merged[n-1][1], s[1])
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// Close releases the Unicorn instance.
func (m *Machine) Close() error {
	return m.mu.Close()
}

// SetRegs writes the general-purpose registers, rip and rflags.
func (m *Machine) SetRegs(regs emu.RegFile) error {
	for slot, id := range slotRegs {
		if err := m.mu.RegWrite(id, regs.GPR[slot]); err != nil {
			return fmt.Errorf("write %s: %w", insts.SlotRegister(slot, 8), err)
		}
	}
	if err := m.mu.RegWrite(uc.X86_REG_RIP, regs.RIP); err != nil {
		return fmt.Errorf("write rip: %w", err)
	}
	if err := m.mu.RegWrite(uc.X86_REG_EFLAGS, regs.Flags.Raw()); err != nil {
		return fmt.Errorf("write rflags: %w", err)
	}
	return nil
}

// Regs reads the general-purpose registers, rip and rflags.
func (m *Machine) Regs() (emu.RegFile, error) {
	var regs emu.RegFile
	for slot, id := range slotRegs {
		v, err := m.mu.RegRead(id)
		if err != nil {
			return regs, fmt.Errorf("read %s: %w", insts.SlotRegister(slot, 8), err)
		}
		regs.GPR[slot] = v
	}
	var err error
	if regs.RIP, err = m.mu.RegRead(uc.X86_REG_RIP); err != nil {
		return regs, fmt.Errorf("read rip: %w", err)
	}
	raw, err := m.mu.RegRead(uc.X86_REG_EFLAGS)
	if err != nil {
		return regs, fmt.Errorf("read rflags: %w", err)
	}
	regs.Flags = emu.Flags(raw)
	return regs, nil
}

// Step executes one instruction at the current rip.
func (m *Machine) Step() error {
	rip, err := m.mu.RegRead(uc.X86_REG_RIP)
	if err != nil {
		return fmt.Errorf("read rip: %w", err)
	}
	if err := m.mu.StartWithOptions(rip, ^uint64(0), &uc.UcOptions{Count: 1}); err != nil {
		return fmt.Errorf("unicorn step at 0x%x: %w", rip, err)
	}
	return nil
}

// finishRep steps a repeated string instruction at addr until rip leaves it.
// Unicorn counts every iteration as one instruction.
func (m *Machine) finishRep(addr uint64) error {
	for {
		rip, err := m.mu.RegRead(uc.X86_REG_RIP)
		if err != nil {
			return fmt.Errorf("read rip: %w", err)
		}
		if rip != addr {
			return nil
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
}

// Read returns n bytes of Unicorn memory at addr.
func (m *Machine) Read(addr uint64, n int) ([]byte, error) {
	return m.mu.MemRead(addr, uint64(n))
}

// Divergence is the first difference found between the two machines.
type Divergence struct {
	// Step is the 1-based index of the instruction after which the states
	// differ.
	Step uint64
	Inst insts.Instruction
	// Field is a register name, "rip", "rflags" or "mem[0x...]".
	Field string
	Emu   uint64
	Ref   uint64
}

func (d *Divergence) String() string {
	return fmt.Sprintf("step %d (%v): %s emu=0x%x unicorn=0x%x", d.Step, d.Inst, d.Field, d.Emu, d.Ref)
}

// CompareOption configures Compare.
type CompareOption func(*compareConfig)

type compareConfig struct {
	flagMask emu.Flags
	watch    [][2]uint64
	maxSteps uint64
}

// WithFlagMask selects the rflags bits compared. The default is
// StatusFlags.
func WithFlagMask(mask emu.Flags) CompareOption {
	return func(c *compareConfig) {
		c.flagMask = mask
	}
}

// WithWatch compares n bytes of memory at addr after every step.
func WithWatch(addr uint64, n int) CompareOption {
	return func(c *compareConfig) {
		c.watch = append(c.watch, [2]uint64{addr, uint64(n)})
	}
}

// WithMaxSteps bounds the number of compared instructions. Default: 10000.
func WithMaxSteps(n uint64) CompareOption {
	return func(c *compareConfig) {
		c.maxSteps = n
	}
}

// Compare steps e and a Unicorn copy of it in lock step until e stops at an
// int3 or the stop address, or the step bound is reached. It returns nil
// when no divergence was found. An int3 ends the comparison without running
// on Unicorn, which has no equivalent stop. e is advanced.
func Compare(e *emu.Emulator, opts ...CompareOption) (*Divergence, error) {
	cfg := compareConfig{flagMask: StatusFlags, maxSteps: 10000}
	for _, opt := range opts {
		opt(&cfg)
	}

	m, err := NewMachine(e.Bus(), *e.RegFile())
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Close() }()

	for step := uint64(1); step <= cfg.maxSteps; step++ {
		res := e.Step()
		if res.Err != nil {
			return nil, fmt.Errorf("emulator step %d: %w", step, res.Err)
		}
		if res.Stopped {
			return nil, nil
		}
		if err := m.Step(); err != nil {
			return nil, err
		}
		if res.Inst.Op == insts.OpRep {
			if err := m.finishRep(res.Inst.Address); err != nil {
				return nil, err
			}
		}

		regs, err := m.Regs()
		if err != nil {
			return nil, err
		}
		if d := diff(e, regs, cfg); d != nil {
			d.Step = step
			d.Inst = res.Inst
			log.Debug(log.Emu, "divergence", "detail", d.String())
			return d, nil
		}
		if d, err := diffMemory(e, m, cfg); err != nil || d != nil {
			if d != nil {
				d.Step = step
				d.Inst = res.Inst
			}
			return d, err
		}
	}
	return nil, nil
}

func diff(e *emu.Emulator, ref emu.RegFile, cfg compareConfig) *Divergence {
	regs := e.RegFile()
	for slot := range insts.NumSlots {
		if regs.GPR[slot] != ref.GPR[slot] {
			return &Divergence{
				Field: insts.SlotRegister(slot, 8).String(),
				Emu:   regs.GPR[slot],
				Ref:   ref.GPR[slot],
			}
		}
	}
	if regs.RIP != ref.RIP {
		return &Divergence{Field: "rip", Emu: regs.RIP, Ref: ref.RIP}
	}
	if got, want := regs.Flags&cfg.flagMask, ref.Flags&cfg.flagMask; got != want {
		return &Divergence{Field: "rflags", Emu: got.Raw(), Ref: want.Raw()}
	}
	return nil
}

func diffMemory(e *emu.Emulator, m *Machine, cfg compareConfig) (*Divergence, error) {
	for _, w := range cfg.watch {
		mine, err := e.Bus().ReadExact(w[0], int(w[1]))
		if err != nil {
			return nil, err
		}
		theirs, err := m.Read(w[0], int(w[1]))
		if err != nil {
			return nil, err
		}
		for i := range mine {
			if mine[i] != theirs[i] {
				addr := w[0] + uint64(i)
				return &Divergence{
					Field: fmt.Sprintf("mem[0x%x]", addr),
					Emu:   uint64(mine[i]),
					Ref:   uint64(theirs[i]),
				}, nil
			}
		}
	}
	return nil, nil
}
