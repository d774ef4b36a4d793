package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x64emu/benchmarks"
	"github.com/sarchlab/x64emu/console"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/log"
	"github.com/sarchlab/x64emu/snapshot"
)

func addMachineFlags(cmd *cobra.Command, mf *machineFlags) {
	f := cmd.Flags()
	f.Uint64Var(&mf.base, "base", defaultRawBase, "load address of raw code files")
	f.Uint64Var(&mf.entry, "entry", 0, "start address (default: the entry point)")
	f.IntVar(&mf.jobs, "jobs", 4, "number of dump files read concurrently")
}

func (a *app) machine(cmd *cobra.Command, path string, mf machineFlags,
	extra ...emu.EmulatorOption) (*emu.Emulator, error) {
	in, err := openInput(cmd.Context(), path, mf.base, mf.jobs)
	if err != nil {
		return nil, err
	}
	return a.newEmulator(in, mf, extra...)
}

// runAndReport runs e and prints the instruction count and final registers.
// A step limit is reported but is not an error.
func runAndReport(e *emu.Emulator, out io.Writer) error {
	executed, err := e.Run()
	if errors.Is(err, emu.ErrStepLimit) {
		log.Warn(log.CLI, "step limit reached", "executed", executed)
		fmt.Fprintf(out, "step limit reached after %d instructions\n", executed)
		err = nil
	} else {
		fmt.Fprintf(out, "executed %d instructions\n", executed)
	}
	console.WriteRegisters(out, e.RegFile())
	return err
}

func (a *app) saveSnapshot(e *emu.Emulator, out io.Writer) error {
	store, release, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	name, err := store.Save(snapshot.FromEmulator(e))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "saved snapshot %s\n", name)
	return nil
}

func (a *app) emulateCmd() *cobra.Command {
	var (
		mf    machineFlags
		stop  uint64
		steps uint64
		trace bool
		save  bool
		prof  profileFlags
	)

	cmd := &cobra.Command{
		Use:   "emulate <file|dump-dir>",
		Short: "Run a program until int3, the stop address or the step limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var extra []emu.EmulatorOption
			if cmd.Flags().Changed("stop") {
				extra = append(extra, emu.WithStopAddress(stop))
			}
			if steps > 0 {
				extra = append(extra, emu.WithStepLimit(steps))
			}
			if trace {
				extra = append(extra, emu.WithTrace(func(ev emu.TraceEvent) {
					fmt.Fprintf(out, "%8d  %v\n", ev.Count, ev.Inst)
				}))
			}

			e, err := a.machine(cmd, args[0], mf, extra...)
			if err != nil {
				return err
			}
			stopProfile, err := prof.start()
			if err != nil {
				return err
			}
			runErr := errors.Join(runAndReport(e, out), stopProfile())
			if save {
				if err := a.saveSnapshot(e, out); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}

	addMachineFlags(cmd, &mf)
	f := cmd.Flags()
	f.Uint64Var(&stop, "stop", 0, "stop before executing this address")
	f.Uint64Var(&steps, "steps", 0, "step limit (overrides the configuration)")
	f.BoolVar(&trace, "trace", false, "print every executed instruction")
	f.BoolVar(&save, "save", false, "save a snapshot of the final state")
	addProfileFlags(cmd, &prof)
	return cmd
}

func (a *app) debugCmd() *cobra.Command {
	var (
		mf      machineFlags
		history string
		breaks  []string
	)

	cmd := &cobra.Command{
		Use:   "debug <file|dump-dir>",
		Short: "Start the interactive debugger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.machine(cmd, args[0], mf)
			if err != nil {
				return err
			}
			addrs, err := parseAddrs(breaks)
			if err != nil {
				return err
			}
			store, release, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			d := console.NewDebugger(e, console.WithStore(store))
			for _, addr := range addrs {
				d.SetBreakpoint(addr)
			}
			return d.Interactive(history)
		},
	}

	addMachineFlags(cmd, &mf)
	f := cmd.Flags()
	f.StringVar(&history, "history", filepath.Join(os.TempDir(), "x64emu_history"), "history file (empty disables)")
	f.StringSliceVar(&breaks, "break", nil, "initial breakpoints")
	return cmd
}

func (a *app) scriptCmd() *cobra.Command {
	var mf machineFlags

	cmd := &cobra.Command{
		Use:   "script <file|dump-dir> <script.js>",
		Short: "Drive the emulator with a JavaScript file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.machine(cmd, args[0], mf)
			if err != nil {
				return err
			}
			s := console.NewScript(e, console.WithScriptOutput(cmd.OutOrStdout()))
			if err := s.RunFile(args[1]); err != nil {
				return err
			}
			log.Info(log.CLI, "script finished", "script", args[1], "instructions", e.InstructionCount())
			return nil
		},
	}

	addMachineFlags(cmd, &mf)
	return cmd
}

func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, inspect and resume saved machine states",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved snapshots, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, release, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			names, err := store.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show [name]",
		Short: "Print the registers and regions of a snapshot (default: the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, name, err := a.loadSnapshot(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapshot %s\n", name)
			regs := emu.RegFile{GPR: snap.GPR, RIP: snap.RIP, Flags: emu.Flags(snap.RFlags)}
			console.WriteRegisters(out, &regs)
			for _, r := range snap.Regions {
				perm := "r-"
				if r.Executable {
					perm = "rx"
				}
				fmt.Fprintf(out, "0x%x-0x%x %s %s\n", r.Start, r.Start+uint64(len(r.Data)), perm, r.Module)
			}
			return nil
		},
	}

	var mf machineFlags
	create := &cobra.Command{
		Use:   "create <file|dump-dir>",
		Short: "Save the initial machine state of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.machine(cmd, args[0], mf)
			if err != nil {
				return err
			}
			return a.saveSnapshot(e, cmd.OutOrStdout())
		},
	}
	addMachineFlags(create, &mf)

	var save bool
	resume := &cobra.Command{
		Use:   "resume [name]",
		Short: "Restore a snapshot (default: the latest) and run it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, name, err := a.loadSnapshot(args)
			if err != nil {
				return err
			}
			bus, regs, err := snap.Restore()
			if err != nil {
				return err
			}
			opts := append(a.cfg.EmulatorOptions(),
				emu.WithRegisters(regs),
				emu.WithTrapHandler(emu.StopTrapHandler{}),
			)
			e := emu.NewEmulator(bus, opts...)
			log.Info(log.CLI, "resuming snapshot", "name", name, "rip", fmt.Sprintf("0x%x", regs.RIP))

			out := cmd.OutOrStdout()
			runErr := runAndReport(e, out)
			if save {
				if err := a.saveSnapshot(e, out); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}
	resume.Flags().BoolVar(&save, "save", false, "save a snapshot of the final state")

	cmd.AddCommand(list, show, create, resume)
	return cmd
}

func (a *app) loadSnapshot(args []string) (*snapshot.Snapshot, string, error) {
	store, release, err := a.openStore()
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = release() }()

	if len(args) == 0 {
		return store.Latest()
	}
	snap, err := store.Load(args[0])
	return snap, args[0], err
}

func (a *app) benchCmd() *cobra.Command {
	var (
		csv     bool
		jsonOut bool
		core    bool
		noCache bool
		verbose bool
		prof    profileFlags
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the emulator throughput microbenchmarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := benchmarks.DefaultConfig()
			config.Output = cmd.OutOrStdout()
			config.Verbose = verbose
			config.EnableDecodeCache = !noCache
			config.DecodeCache = a.cfg.CacheConfig()
			if a.cfg.Emulation.StepLimit > 0 {
				config.StepLimit = a.cfg.Emulation.StepLimit
			}

			harness := benchmarks.NewHarness(config)
			if core {
				harness.AddBenchmarks(benchmarks.GetCoreBenchmarks())
			} else {
				harness.AddBenchmarks(benchmarks.GetMicrobenchmarks())
			}
			stopProfile, err := prof.start()
			if err != nil {
				return err
			}
			results := harness.RunAll()
			if err := stopProfile(); err != nil {
				return err
			}

			switch {
			case jsonOut:
				if err := harness.PrintJSON(results); err != nil {
					return err
				}
			case csv:
				harness.PrintCSV(results)
			default:
				harness.PrintResults(results)
			}

			failed := 0
			for _, r := range results {
				if !r.Passed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d benchmarks failed", failed, len(results))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&csv, "csv", false, "output results in CSV format")
	f.BoolVar(&jsonOut, "json", false, "output results in JSON format")
	f.BoolVar(&core, "core", false, "run only the core benchmark subset")
	f.BoolVar(&noCache, "no-cache", false, "fetch without the decode cache")
	f.BoolVar(&verbose, "verbose", false, "print each benchmark as it runs")
	addProfileFlags(cmd, &prof)
	return cmd
}
