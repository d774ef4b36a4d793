package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x64emu/log"
)

type profileFlags struct {
	cpu string
	mem string
}

func addProfileFlags(cmd *cobra.Command, pf *profileFlags) {
	cmd.Flags().StringVar(&pf.cpu, "cpuprofile", "", "write a CPU profile to this file")
	cmd.Flags().StringVar(&pf.mem, "memprofile", "", "write a heap profile to this file on exit")
}

// start begins CPU profiling if requested. The returned function stops it
// and writes the heap profile.
func (pf profileFlags) start() (func() error, error) {
	var cpuFile *os.File
	if pf.cpu != "" {
		f, err := os.Create(pf.cpu)
		if err != nil {
			return nil, fmt.Errorf("failed to create CPU profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to start CPU profile: %w", err)
		}
		cpuFile = f
	}

	return func() error {
		if cpuFile != nil {
			pprof.StopCPUProfile()
			if err := cpuFile.Close(); err != nil {
				return err
			}
			log.Info(log.CLI, "wrote CPU profile", "file", pf.cpu)
		}
		if pf.mem == "" {
			return nil
		}
		f, err := os.Create(pf.mem)
		if err != nil {
			return fmt.Errorf("failed to create memory profile: %w", err)
		}
		defer func() { _ = f.Close() }()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("failed to write memory profile: %w", err)
		}
		log.Info(log.CLI, "wrote memory profile", "file", pf.mem)
		return nil
	}, nil
}
