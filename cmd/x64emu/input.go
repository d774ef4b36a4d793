package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sarchlab/x64emu/config"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/loader"
	"github.com/sarchlab/x64emu/log"
	"github.com/sarchlab/x64emu/snapshot"
)

// defaultRawBase is where raw code files are placed when --base is not set.
const defaultRawBase = 0x1000

// input is a program given on the command line: an ELF or PE image, a region
// dump directory, or a file of raw machine code.
type input struct {
	path  string
	image *loader.Image
	dump  *loader.Dump
	raw   []byte
	base  uint64
}

func openInput(ctx context.Context, path string, base uint64, jobs int) (*input, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	in := &input{path: path, base: base}

	if info.IsDir() {
		in.dump, err = loader.ReadDump(ctx, path, loader.WithJobs(jobs))
		if err != nil {
			return nil, err
		}
		log.Debug(log.CLI, "read dump", "dir", path, "regions", len(in.dump.Regions))
		return in, nil
	}

	in.image, err = loader.Open(path)
	if err == nil {
		log.Debug(log.CLI, "opened image", "file", path, "format", in.image.Format,
			"entry", fmt.Sprintf("0x%x", in.image.EntryPoint))
		return in, nil
	}
	if !errors.Is(err, loader.ErrUnknownFormat) {
		return nil, err
	}

	in.raw, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	log.Debug(log.CLI, "treating input as raw code", "file", path, "base", fmt.Sprintf("0x%x", base))
	return in, nil
}

func (in *input) name() string {
	return filepath.Base(in.path)
}

// code returns the bytes to disassemble and the address of the first one.
func (in *input) code() ([]byte, uint64, error) {
	switch {
	case in.image != nil:
		text, err := in.image.Text()
		if err != nil {
			return nil, 0, err
		}
		return text.Bytes(), text.Address, nil
	case in.dump != nil:
		r := in.codeRegion()
		if r == nil {
			return nil, 0, fmt.Errorf("%s: %w", in.path, loader.ErrNoText)
		}
		return r.Data, r.Start, nil
	default:
		return in.raw, in.base, nil
	}
}

// codeRegion picks the executable dump region holding the entry point, or
// the first executable one.
func (in *input) codeRegion() *emu.Region {
	ep, hasEntry := in.dump.EntryPoint()
	var first *emu.Region
	for _, r := range in.dump.Regions {
		if !r.Executable || r.Size() == 0 {
			continue
		}
		if hasEntry && r.Contains(ep, 1) {
			return r
		}
		if first == nil {
			first = r
		}
	}
	return first
}

// entry returns the address execution starts at.
func (in *input) entry() uint64 {
	switch {
	case in.image != nil:
		return in.image.EntryPoint
	case in.dump != nil:
		if ep, ok := in.dump.EntryPoint(); ok {
			return ep
		}
		if r := in.codeRegion(); r != nil {
			return r.Start
		}
		return 0
	default:
		return in.base
	}
}

func (in *input) mapInto(bus *emu.Bus) error {
	switch {
	case in.image != nil:
		return in.image.Map(bus)
	case in.dump != nil:
		return in.dump.Map(bus)
	default:
		r := emu.NewRegion(in.base, len(in.raw))
		copy(r.Data, in.raw)
		r.Executable = true
		r.Module = in.name()
		return bus.AddRegion(r)
	}
}

// machineFlags are shared by the commands that build an emulator.
type machineFlags struct {
	base  uint64
	entry uint64
	jobs  int
}

// newEmulator maps in onto a fresh bus with the configured stack and returns
// an emulator positioned at the entry point. int3 stops execution.
func (a *app) newEmulator(in *input, mf machineFlags, extra ...emu.EmulatorOption) (*emu.Emulator, error) {
	bus := emu.NewBus()
	if err := in.mapInto(bus); err != nil {
		return nil, err
	}
	stack, _ := loader.NewStack(a.cfg.Emulation.StackBase, a.cfg.Emulation.StackSize)
	if err := bus.AddRegion(stack); err != nil {
		return nil, fmt.Errorf("failed to map stack: %w", err)
	}

	entry := in.entry()
	if mf.entry != 0 {
		entry = mf.entry
	}
	opts := append(a.cfg.EmulatorOptions(),
		emu.WithEntry(entry),
		emu.WithTrapHandler(emu.StopTrapHandler{}),
	)
	log.Info(log.CLI, "machine ready", "input", in.name(), "entry", fmt.Sprintf("0x%x", entry),
		"regions", len(bus.Regions()))
	return emu.NewEmulator(bus, append(opts, extra...)...), nil
}

// openStore opens the configured snapshot store. The returned function
// releases it.
func (a *app) openStore() (snapshot.Store, func() error, error) {
	dir := a.cfg.Snapshot.Dir
	if a.cfg.Snapshot.Backend == config.BackendLevelDB {
		s, err := snapshot.OpenLevelStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	s, err := snapshot.NewDirStore(dir)
	if err != nil {
		return nil, nil, err
	}
	return s, func() error { return nil }, nil
}

func parseAddrs(values []string) ([]uint64, error) {
	addrs := make([]uint64, 0, len(values))
	for _, v := range values {
		addr, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", v)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
