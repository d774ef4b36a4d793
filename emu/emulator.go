// Package emu provides functional x86-64 emulation.
package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/x64emu/cache"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
)

// ErrStepLimit is returned by Step once the configured step limit is reached.
var ErrStepLimit = errors.New("step limit reached")

// InvalidError reports an instruction the emulator cannot execute.
type InvalidError struct {
	Inst   insts.Instruction
	Reason string
}

func (e *InvalidError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot execute %v: %s", e.Inst, e.Reason)
	}
	return fmt.Sprintf("invalid instruction %v", e.Inst)
}

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Stopped is true if execution ended cleanly, at the stop address or
	// through a trap handler.
	Stopped bool

	// Inst is the instruction that was executed, if one was fetched.
	Inst insts.Instruction

	// Err is set if an error occurred during execution.
	Err error
}

// TraceEvent describes one retired instruction.
type TraceEvent struct {
	// Count is the number of instructions retired including this one.
	Count uint64

	Inst insts.Instruction

	// Regs is the register state after the instruction.
	Regs RegFile
}

// Emulator executes x86-64 instructions functionally against a Bus.
type Emulator struct {
	regFile     *RegFile
	bus         *Bus
	decoder     *insts.Decoder
	decodeCache *cache.Cache
	trapHandler TrapHandler

	// Execution units
	alu        *ALU
	lsu        *LoadStoreUnit
	branchUnit *BranchUnit
	stringUnit *StringUnit

	trace       func(TraceEvent)
	logger      log.Logger
	cacheConfig *cache.Config

	// Execution state
	instructionCount uint64
	stepLimit        uint64 // 0 means no limit
	stopAddress      uint64
	hasStopAddress   bool
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithRegisters sets the initial register file.
func WithRegisters(regs RegFile) EmulatorOption {
	return func(e *Emulator) {
		*e.regFile = regs
	}
}

// WithStackPointer sets the initial stack pointer value.
func WithStackPointer(sp uint64) EmulatorOption {
	return func(e *Emulator) {
		e.regFile.SetRSP(sp)
	}
}

// WithEntry sets the initial instruction pointer.
func WithEntry(rip uint64) EmulatorOption {
	return func(e *Emulator) {
		e.regFile.RIP = rip
	}
}

// WithStepLimit sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithStepLimit(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.stepLimit = max
	}
}

// WithStopAddress makes Step report Stopped when rip reaches addr.
func WithStopAddress(addr uint64) EmulatorOption {
	return func(e *Emulator) {
		e.stopAddress = addr
		e.hasStopAddress = true
	}
}

// WithTrace registers a callback invoked after every retired instruction.
func WithTrace(fn func(TraceEvent)) EmulatorOption {
	return func(e *Emulator) {
		e.trace = fn
	}
}

// WithDecodeCache enables a decoded-instruction cache of the given
// geometry. Writes to memory invalidate the lines they may overlap.
func WithDecodeCache(config cache.Config) EmulatorOption {
	return func(e *Emulator) {
		e.cacheConfig = &config
	}
}

// WithTrapHandler sets a custom int3 handler.
func WithTrapHandler(handler TrapHandler) EmulatorOption {
	return func(e *Emulator) {
		e.trapHandler = handler
	}
}

// WithLogger sets the logger used for run diagnostics.
func WithLogger(l log.Logger) EmulatorOption {
	return func(e *Emulator) {
		e.logger = l
	}
}

// NewEmulator creates a new x86-64 emulator over bus.
func NewEmulator(bus *Bus, opts ...EmulatorOption) *Emulator {
	regFile := &RegFile{}

	e := &Emulator{
		regFile:     regFile,
		bus:         bus,
		decoder:     insts.NewDecoder(),
		trapHandler: DefaultTrapHandler{},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = log.Root()
	}

	// Create execution units
	e.alu = NewALU(&regFile.Flags)
	e.lsu = NewLoadStoreUnit(regFile, bus)
	e.branchUnit = NewBranchUnit(regFile, e.lsu, bus)
	e.stringUnit = NewStringUnit(regFile, bus)

	if e.cacheConfig != nil {
		e.decodeCache = cache.New(*e.cacheConfig, cache.FetcherFunc(e.decode))
		bus.OnWrite(e.invalidate)
	}

	return e
}

// RegFile returns the emulator's register file.
func (e *Emulator) RegFile() *RegFile {
	return e.regFile
}

// Bus returns the emulator's memory bus.
func (e *Emulator) Bus() *Bus {
	return e.bus
}

// DecodeCache returns the decoded-instruction cache, or nil if disabled.
func (e *Emulator) DecodeCache() *cache.Cache {
	return e.decodeCache
}

// InstructionCount returns the number of instructions executed.
func (e *Emulator) InstructionCount() uint64 {
	return e.instructionCount
}

// invalidate drops cached instructions that may include a written byte. An
// instruction starting up to MaxLength-1 bytes before the write can cover it.
func (e *Emulator) invalidate(addr uint64, n int, _ *Region) {
	back := uint64(insts.MaxLength - 1)
	if addr < back {
		back = addr
	}
	e.decodeCache.Invalidate(addr-back, n+int(back))
}

// decode reads and classifies the instruction at addr.
func (e *Emulator) decode(addr uint64) (insts.Instruction, error) {
	code, err := e.bus.ReadUpTo(addr, insts.MaxLength)
	if err != nil {
		return insts.Instruction{}, err
	}

	inst, err := e.decoder.Decode(code, addr)
	if errors.Is(err, insts.ErrTruncated) {
		return inst, fmt.Errorf("decode at 0x%x: %w", addr,
			&Fault{Op: "fetch", Addr: addr + uint64(len(code)), Size: 1})
	}
	return inst, err
}

// Fetch returns the instruction at addr, through the decode cache when
// enabled.
func (e *Emulator) Fetch(addr uint64) (insts.Instruction, error) {
	if e.decodeCache != nil {
		return e.decodeCache.Fetch(addr)
	}
	return e.decode(addr)
}

// Step executes a single instruction.
// Returns a StepResult indicating whether execution should continue.
func (e *Emulator) Step() StepResult {
	if e.stepLimit > 0 && e.instructionCount >= e.stepLimit {
		return StepResult{Err: ErrStepLimit}
	}
	if e.hasStopAddress && e.regFile.RIP == e.stopAddress {
		return StepResult{Stopped: true}
	}

	// 1. Fetch and decode
	inst, err := e.Fetch(e.regFile.RIP)
	if err != nil {
		return StepResult{Inst: inst, Err: err}
	}

	// 2. Execute
	saved := *e.regFile
	stopped := false
	if inst.Op == insts.OpInt3 {
		res := e.trapHandler.Handle(e.regFile, inst)
		err = res.Err
		stopped = res.Stopped
	} else {
		err = e.execute(inst)
	}

	if err != nil {
		if inst.Op != insts.OpRep {
			*e.regFile = saved
		}
		return StepResult{Inst: inst, Err: err}
	}

	// 3. Advance rip unless the instruction redirected it
	if e.regFile.RIP == inst.Address {
		e.regFile.RIP = inst.Next()
	}

	e.instructionCount++
	if e.trace != nil {
		e.trace(TraceEvent{Count: e.instructionCount, Inst: inst, Regs: *e.regFile})
	}

	return StepResult{Stopped: stopped, Inst: inst}
}

// Run executes instructions until a stop, an error or the step limit.
// It returns the number of instructions executed by this call.
func (e *Emulator) Run() (uint64, error) {
	start := e.instructionCount
	e.logger.Debug(log.Emu, "run started", "rip", fmt.Sprintf("0x%x", e.regFile.RIP))

	for {
		result := e.Step()
		if result.Err != nil {
			executed := e.instructionCount - start
			e.logger.Debug(log.Emu, "run ended with error",
				"rip", fmt.Sprintf("0x%x", e.regFile.RIP),
				"executed", executed, "err", result.Err)
			return executed, result.Err
		}
		if result.Stopped {
			executed := e.instructionCount - start
			e.logger.Debug(log.Emu, "run stopped",
				"rip", fmt.Sprintf("0x%x", e.regFile.RIP), "executed", executed)
			return executed, nil
		}
	}
}

// execute dispatches and executes a decoded instruction. Handlers read every
// operand before their first write.
func (e *Emulator) execute(inst insts.Instruction) error {
	switch inst.Op {
	case insts.OpMov, insts.OpMovZX:
		return e.executeMove(inst)
	case insts.OpAdd, insts.OpAdc, insts.OpSub, insts.OpCmp, insts.OpXor, insts.OpTest:
		return e.executeArith(inst)
	case insts.OpShl, insts.OpShr:
		return e.executeShift(inst)
	case insts.OpInc, insts.OpDec:
		return e.executeIncDec(inst)
	case insts.OpLea:
		return e.executeLea(inst)
	case insts.OpPush:
		return e.executePush(inst)
	case insts.OpPop:
		return e.executePop(inst)
	case insts.OpLeave:
		return e.executeLeave()
	case insts.OpNop:
		return nil
	case insts.OpCld:
		e.regFile.Flags.Set(FlagDF, false)
		return nil
	case insts.OpConditionalJump:
		e.branchUnit.ConditionalJump(inst)
		return nil
	case insts.OpUnconditionalJump:
		return e.branchUnit.Jump(inst)
	case insts.OpCall:
		return e.branchUnit.Call(inst)
	case insts.OpRet:
		return e.branchUnit.Ret(inst)
	case insts.OpRep:
		return e.stringUnit.Execute(inst.Rep)
	}
	return &InvalidError{Inst: inst}
}

func (e *Emulator) executeMove(inst insts.Instruction) error {
	v, err := e.lsu.Read(inst.Src, inst.Next())
	if err != nil {
		return err
	}
	return e.lsu.Write(inst.Dst, v, inst.Next())
}

func (e *Emulator) executeArith(inst insts.Instruction) error {
	next := inst.Next()
	width := inst.Dst.Size()
	if width == 0 {
		return &InvalidError{Inst: inst, Reason: "operand width unknown"}
	}

	op1, err := e.lsu.Read(inst.Dst, next)
	if err != nil {
		return err
	}
	op2, err := e.lsu.Read(inst.Src, next)
	if err != nil {
		return err
	}
	op2 &= widthMask(width)

	var result uint64
	switch inst.Op {
	case insts.OpAdd:
		result = e.alu.Add(op1, op2, width)
	case insts.OpAdc:
		result = e.alu.Adc(op1, op2, width)
	case insts.OpSub:
		result = e.alu.Sub(op1, op2, width)
	case insts.OpCmp:
		e.alu.Sub(op1, op2, width)
		return nil
	case insts.OpXor:
		result = e.alu.Xor(op1, op2, width)
	case insts.OpTest:
		e.alu.And(op1, op2, width)
		return nil
	}
	return e.lsu.Write(inst.Dst, result, next)
}

func (e *Emulator) executeShift(inst insts.Instruction) error {
	next := inst.Next()
	width := inst.Dst.Size()
	if width == 0 {
		return &InvalidError{Inst: inst, Reason: "operand width unknown"}
	}

	v, err := e.lsu.Read(inst.Dst, next)
	if err != nil {
		return err
	}
	count, err := e.lsu.Read(inst.Src, next)
	if err != nil {
		return err
	}

	var result uint64
	if inst.Op == insts.OpShl {
		result = e.alu.Shl(v, count, width)
	} else {
		result = e.alu.Shr(v, count, width)
	}
	return e.lsu.Write(inst.Dst, result, next)
}

func (e *Emulator) executeIncDec(inst insts.Instruction) error {
	next := inst.Next()
	width := inst.Dst.Size()
	if width == 0 {
		return &InvalidError{Inst: inst, Reason: "operand width unknown"}
	}

	v, err := e.lsu.Read(inst.Dst, next)
	if err != nil {
		return err
	}
	if inst.Op == insts.OpInc {
		v = e.alu.Inc(v, width)
	} else {
		v = e.alu.Dec(v, width)
	}
	return e.lsu.Write(inst.Dst, v, next)
}

func (e *Emulator) executeLea(inst insts.Instruction) error {
	if inst.Dst.Kind != insts.OperandReg {
		return &InvalidError{Inst: inst, Reason: "lea destination is not a register"}
	}
	// The effective address excludes any segment base.
	mem := inst.Src.Mem
	mem.Segment = insts.RegNone
	e.regFile.WriteReg(inst.Dst.Reg, CalcAddress(e.regFile, mem, inst.Next()))
	return nil
}

// stackWidth is the stack slot size of a push or pop operand. Only the
// 16-bit forms differ from the 64-bit default.
func stackWidth(op insts.Operand) int {
	if op.Size() == 2 {
		return 2
	}
	return 8
}

func (e *Emulator) executePush(inst insts.Instruction) error {
	v, err := e.lsu.Read(inst.Dst, inst.Next())
	if err != nil {
		return err
	}
	return e.lsu.PushWidth(v, stackWidth(inst.Dst))
}

// executePop writes the popped value after rsp has moved, so an rsp-based
// memory destination is addressed with the incremented stack pointer.
func (e *Emulator) executePop(inst insts.Instruction) error {
	v, err := e.lsu.PopWidth(stackWidth(inst.Dst))
	if err != nil {
		return err
	}
	return e.lsu.Write(inst.Dst, v, inst.Next())
}

func (e *Emulator) executeLeave() error {
	e.regFile.SetRSP(e.regFile.GPR[insts.RBP.Slot()])
	v, err := e.lsu.Pop()
	if err != nil {
		return err
	}
	e.regFile.GPR[insts.RBP.Slot()] = v
	return nil
}
