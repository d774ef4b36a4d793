// Package console provides an interactive debugger and a JavaScript
// scripting surface over an emulator.
package console

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/sarchlab/x64emu/disasm"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
	"github.com/sarchlab/x64emu/snapshot"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

// ErrNoStore is returned by the snapshot commands when no store is attached.
var ErrNoStore = errors.New("no snapshot store configured")

// Command is one parsed console line.
type Command struct {
	Name string
	Args []string
}

var aliases = map[string]string{
	"s":    "step",
	"c":    "continue",
	"cont": "continue",
	"r":    "run",
	"b":    "break",
	"d":    "delete",
	"x":    "mem",
	"u":    "disasm",
	"q":    "quit",
	"exit": "quit",
	"?":    "help",
}

// ParseCommand splits a console line into a command and its arguments.
// Aliases resolve to their full names. A blank line parses to a command with
// an empty name.
func ParseCommand(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}
	}
	name := strings.ToLower(fields[0])
	if full, ok := aliases[name]; ok {
		name = full
	}
	return Command{Name: name, Args: fields[1:]}
}

// ParseUint parses a decimal or 0x-prefixed hexadecimal number.
func ParseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// Debugger executes console commands against an emulator.
type Debugger struct {
	emu         *emu.Emulator
	out         io.Writer
	store       snapshot.Store
	script      *Script
	breakpoints map[uint64]bool
	lastLine    string
}

// DebuggerOption configures a Debugger.
type DebuggerOption func(*Debugger)

// WithOutput sets the writer command output goes to. The default discards
// it.
func WithOutput(w io.Writer) DebuggerOption {
	return func(d *Debugger) {
		d.out = w
	}
}

// WithStore attaches a snapshot store for the snapshot commands.
func WithStore(s snapshot.Store) DebuggerOption {
	return func(d *Debugger) {
		d.store = s
	}
}

// NewDebugger creates a Debugger over e.
func NewDebugger(e *emu.Emulator, opts ...DebuggerOption) *Debugger {
	d := &Debugger{
		emu:         e,
		out:         io.Discard,
		breakpoints: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.script = NewScript(e, WithScriptOutput(d.out))
	return d
}

// Emulator returns the emulator under control.
func (d *Debugger) Emulator() *emu.Emulator {
	return d.emu
}

// Script returns the JavaScript runtime used by the js command.
func (d *Debugger) Script() *Script {
	return d.script
}

// Breakpoints returns the breakpoint addresses in ascending order.
func (d *Debugger) Breakpoints() []uint64 {
	return slices.Sorted(maps.Keys(d.breakpoints))
}

// SetBreakpoint adds a breakpoint at addr.
func (d *Debugger) SetBreakpoint(addr uint64) {
	d.breakpoints[addr] = true
}

// ClearBreakpoint removes the breakpoint at addr and reports whether one
// was set.
func (d *Debugger) ClearBreakpoint(addr uint64) bool {
	if !d.breakpoints[addr] {
		return false
	}
	delete(d.breakpoints, addr)
	return true
}

// Exec runs one console line. An empty line repeats the previous command.
// It returns ErrQuit for the quit command.
func (d *Debugger) Exec(line string) error {
	if strings.TrimSpace(line) == "" {
		line = d.lastLine
	}
	cmd := ParseCommand(line)
	if cmd.Name == "" {
		return nil
	}
	d.lastLine = line
	log.Trace(log.Console, "exec", "command", cmd.Name, "args", cmd.Args)

	switch cmd.Name {
	case "step":
		return d.step(cmd.Args)
	case "continue", "run":
		return d.cont()
	case "regs":
		d.printRegs()
		return nil
	case "set":
		return d.set(cmd.Args)
	case "mem":
		return d.mem(cmd.Args)
	case "break":
		return d.addBreak(cmd.Args)
	case "delete":
		return d.deleteBreak(cmd.Args)
	case "breaks":
		for _, addr := range d.Breakpoints() {
			fmt.Fprintf(d.out, "0x%x\n", addr)
		}
		return nil
	case "disasm":
		return d.disasm(cmd.Args)
	case "regions":
		for _, r := range d.emu.Bus().Regions() {
			fmt.Fprintln(d.out, r)
		}
		return nil
	case "snapshot":
		return d.snapshot(cmd.Args)
	case "js":
		_, code, _ := strings.Cut(strings.TrimSpace(line), " ")
		return d.js(strings.TrimSpace(code))
	case "help":
		fmt.Fprint(d.out, helpText)
		return nil
	case "quit":
		return ErrQuit
	}
	return fmt.Errorf("unknown command %q (try help)", cmd.Name)
}

const helpText = `step [n]            execute n instructions (default 1)
continue | run      run until a breakpoint, stop or error
regs                print registers
set <reg> <value>   write a register
mem <addr> [len]    dump memory (default 64 bytes)
break <addr>        set a breakpoint
delete <addr>       remove a breakpoint
breaks              list breakpoints
disasm [addr] [n]   disassemble n instructions (default 10 at rip)
regions             list mapped regions
snapshot save       save the machine state
snapshot load [n]   restore a snapshot (default latest)
snapshot list       list saved snapshots
js <code>           evaluate JavaScript
quit                leave the console
`

func (d *Debugger) step(args []string) error {
	n := uint64(1)
	if len(args) > 0 {
		var err error
		if n, err = ParseUint(args[0]); err != nil {
			return err
		}
	}
	for i := uint64(0); i < n; i++ {
		res := d.emu.Step()
		if res.Err != nil {
			return res.Err
		}
		if res.Inst.Length > 0 {
			fmt.Fprintln(d.out, res.Inst)
		}
		if res.Stopped {
			fmt.Fprintln(d.out, "stopped")
			return nil
		}
	}
	return nil
}

// cont runs until a breakpoint is reached. The instruction at the current
// rip always executes, so continuing from a breakpoint makes progress.
func (d *Debugger) cont() error {
	regs := d.emu.RegFile()
	first := true
	for {
		if !first && d.breakpoints[regs.RIP] {
			fmt.Fprintf(d.out, "breakpoint at 0x%x\n", regs.RIP)
			return nil
		}
		first = false

		res := d.emu.Step()
		if res.Err != nil {
			return res.Err
		}
		if res.Stopped {
			fmt.Fprintf(d.out, "stopped at 0x%x after %d instructions\n",
				regs.RIP, d.emu.InstructionCount())
			return nil
		}
	}
}

func (d *Debugger) printRegs() {
	WriteRegisters(d.out, d.emu.RegFile())
}

// WriteRegisters prints the general-purpose registers four to a line,
// followed by rip and the set arithmetic flags.
func WriteRegisters(w io.Writer, regs *emu.RegFile) {
	for slot := 0; slot < insts.NumSlots; slot++ {
		sep := "  "
		if slot%4 == 3 {
			sep = "\n"
		}
		fmt.Fprintf(w, "%-3s 0x%016x%s", insts.SlotRegister(slot, 8), regs.GPR[slot], sep)
	}
	f := regs.Flags
	fmt.Fprintf(w, "rip 0x%016x  rflags 0x%x [%s]\n", regs.RIP, f.Raw(), flagString(f))
}

func flagString(f emu.Flags) string {
	var names []string
	for _, fl := range []struct {
		name string
		on   bool
	}{
		{"CF", f.CF()}, {"PF", f.PF()}, {"AF", f.AF()}, {"ZF", f.ZF()},
		{"SF", f.SF()}, {"DF", f.DF()}, {"OF", f.OF()},
	} {
		if fl.on {
			names = append(names, fl.name)
		}
	}
	return strings.Join(names, " ")
}

func (d *Debugger) set(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set <reg> <value>")
	}
	reg, ok := insts.LookupRegister(args[0])
	if !ok {
		return fmt.Errorf("unknown register %q", args[0])
	}
	v, err := ParseUint(args[1])
	if err != nil {
		return err
	}
	d.emu.RegFile().WriteReg(reg, v)
	return nil
}

func (d *Debugger) mem(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mem <addr> [len]")
	}
	addr, err := ParseUint(args[0])
	if err != nil {
		return err
	}
	n := uint64(64)
	if len(args) > 1 {
		if n, err = ParseUint(args[1]); err != nil {
			return err
		}
	}
	data, err := d.emu.Bus().ReadUpTo(addr, int(n))
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		fmt.Fprintf(d.out, "0x%x: % x\n", addr+uint64(off), row)
	}
	return nil
}

func (d *Debugger) addBreak(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: break <addr>")
	}
	addr, err := ParseUint(args[0])
	if err != nil {
		return err
	}
	d.SetBreakpoint(addr)
	fmt.Fprintf(d.out, "breakpoint set at 0x%x\n", addr)
	return nil
}

func (d *Debugger) deleteBreak(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <addr>")
	}
	addr, err := ParseUint(args[0])
	if err != nil {
		return err
	}
	if !d.ClearBreakpoint(addr) {
		return fmt.Errorf("no breakpoint at 0x%x", addr)
	}
	return nil
}

func (d *Debugger) disasm(args []string) error {
	addr := d.emu.RegFile().RIP
	count := uint64(10)
	var err error
	if len(args) > 0 {
		if addr, err = ParseUint(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		if count, err = ParseUint(args[1]); err != nil {
			return err
		}
	}
	code, err := d.emu.Bus().ReadUpTo(addr, int(count)*insts.MaxLength)
	if err != nil {
		return err
	}
	for i, inst := range disasm.Disassemble(code, addr) {
		if uint64(i) >= count {
			break
		}
		marker := "  "
		if d.breakpoints[inst.Address] {
			marker = "* "
		}
		fmt.Fprintf(d.out, "%s%s\n", marker, inst)
	}
	return nil
}

func (d *Debugger) snapshot(args []string) error {
	if d.store == nil {
		return ErrNoStore
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: snapshot save|load|list")
	}
	switch args[0] {
	case "save":
		name, err := d.store.Save(snapshot.FromEmulator(d.emu))
		if err != nil {
			return err
		}
		fmt.Fprintf(d.out, "saved %s\n", name)
		return nil
	case "load":
		var (
			snap *snapshot.Snapshot
			name string
			err  error
		)
		if len(args) > 1 {
			name = args[1]
			snap, err = d.store.Load(name)
		} else {
			snap, name, err = d.store.Latest()
		}
		if err != nil {
			return err
		}
		return d.restore(snap, name)
	case "list":
		names, err := d.store.List()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(d.out, name)
		}
		return nil
	}
	return fmt.Errorf("unknown snapshot command %q", args[0])
}

// restore replaces the machine state in place. Region contents are written
// back through the bus so cached decodes are invalidated. The snapshot must
// describe the same region layout as the running machine.
func (d *Debugger) restore(snap *snapshot.Snapshot, name string) error {
	bus, regs, err := snap.Restore()
	if err != nil {
		return err
	}
	current := d.emu.Bus().Regions()
	restored := bus.Regions()
	if len(current) != len(restored) {
		return fmt.Errorf("snapshot %s has %d regions, machine has %d", name, len(restored), len(current))
	}
	for i, r := range restored {
		if r.Start != current[i].Start || r.Size() != current[i].Size() {
			return fmt.Errorf("snapshot %s region %v does not match %v", name, r, current[i])
		}
	}
	for _, r := range restored {
		if err := d.emu.Bus().WriteBytes(r.Start, r.Data); err != nil {
			return err
		}
	}
	*d.emu.RegFile() = regs
	log.Info(log.Console, "restored snapshot", "name", name)
	fmt.Fprintf(d.out, "restored %s\n", name)
	return nil
}

func (d *Debugger) js(code string) error {
	if code == "" {
		return fmt.Errorf("usage: js <code>")
	}
	v, err := d.script.Eval(code)
	if err != nil {
		return err
	}
	if v != "" {
		fmt.Fprintln(d.out, v)
	}
	return nil
}
