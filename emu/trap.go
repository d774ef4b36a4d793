// Package emu provides functional x86-64 emulation.
package emu

import (
	"fmt"

	"github.com/sarchlab/x64emu/insts"
)

// Trap is the error reported for an int3 that no handler resumed.
type Trap struct {
	Addr uint64
}

func (t *Trap) Error() string {
	return fmt.Sprintf("int3 trap at 0x%x", t.Addr)
}

// TrapResult represents the outcome of handling an int3.
type TrapResult struct {
	// Stopped is true if execution should end cleanly after the trap.
	Stopped bool

	// Err aborts the step. Registers are restored to their state before
	// the trap.
	Err error
}

// TrapHandler is the interface for handling int3 breakpoints.
type TrapHandler interface {
	// Handle is called with rip still pointing at the int3. A handler that
	// leaves rip unchanged lets the emulator advance past the instruction.
	Handle(regs *RegFile, inst insts.Instruction) TrapResult
}

// TrapHandlerFunc adapts a function to the TrapHandler interface.
type TrapHandlerFunc func(regs *RegFile, inst insts.Instruction) TrapResult

// Handle calls f(regs, inst).
func (f TrapHandlerFunc) Handle(regs *RegFile, inst insts.Instruction) TrapResult {
	return f(regs, inst)
}

// DefaultTrapHandler fails the step with a *Trap.
type DefaultTrapHandler struct{}

// Handle returns a *Trap error for the int3 address.
func (DefaultTrapHandler) Handle(_ *RegFile, inst insts.Instruction) TrapResult {
	return TrapResult{Err: &Trap{Addr: inst.Address}}
}

// StopTrapHandler treats int3 as a clean program exit. It moves rip past
// the int3 so that a resumed run continues after it.
type StopTrapHandler struct{}

// Handle advances rip and stops.
func (StopTrapHandler) Handle(regs *RegFile, inst insts.Instruction) TrapResult {
	regs.RIP = inst.Next()
	return TrapResult{Stopped: true}
}
