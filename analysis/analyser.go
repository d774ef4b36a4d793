// Package analysis discovers function boundaries in a classified instruction
// stream without executing it.
package analysis

import (
	"fmt"
	"iter"

	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
)

// Source names the prologue shape a function was discovered from.
type Source uint8

// Prologue shapes.
const (
	// PushMov is "push reg; mov rbp, rsp".
	PushMov Source = iota
	// PushSubRsp is "push reg; sub rsp, imm".
	PushSubRsp
	// CalleeSavedPush is a push of rbx or r12-r15 followed by any
	// instruction. It is only detected with WithCalleeSavedPushes.
	CalleeSavedPush
)

func (s Source) String() string {
	switch s {
	case PushMov:
		return "PushMov"
	case PushSubRsp:
		return "PushSubRsp"
	case CalleeSavedPush:
		return "CalleeSavedPush"
	}
	return fmt.Sprintf("Source(%d)", uint8(s))
}

// Function is a discovered function entry.
type Function struct {
	Address uint64
	Source  Source

	// NeedsVerification is set until a direct call to Address corroborates
	// the prologue match.
	NeedsVerification bool
}

// Option configures an Analyser.
type Option func(*Analyser)

// WithCalleeSavedPushes also treats a push of a callee-saved register as a
// prologue. This finds frameless functions but matches more false entries.
func WithCalleeSavedPushes() Option {
	return func(a *Analyser) {
		a.calleeSaved = true
	}
}

// Analyser is a single-pass consumer of classified instructions. It is not
// safe for concurrent use.
type Analyser struct {
	recent      ring
	functions   map[uint64]*Function
	callTargets map[uint64]struct{}
	calleeSaved bool
	seen        uint64
}

// NewAnalyser creates an empty analyser.
func NewAnalyser(opts ...Option) *Analyser {
	a := &Analyser{
		functions:   make(map[uint64]*Function),
		callTargets: make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyse feeds every instruction of seq into a new analyser and runs the
// second verification pass.
func Analyse(seq iter.Seq[insts.Instruction], opts ...Option) *Analyser {
	a := NewAnalyser(opts...)
	for inst := range seq {
		a.Feed(inst)
	}
	a.SecondVerification()
	return a
}

// Feed consumes the next instruction of the stream.
func (a *Analyser) Feed(inst insts.Instruction) {
	a.seen++
	if inst.Op == insts.OpCall && inst.Dst.Kind == insts.OperandImm {
		a.callTargets[uint64(inst.Dst.Imm)] = struct{}{}
	}

	a.recent.push(inst)
	if a.recent.len() < 2 {
		return
	}

	first, second := a.recent.at(1), a.recent.at(0)
	if src, ok := a.prologue(first, second); ok {
		a.record(first.Address, src)
	}
}

func (a *Analyser) prologue(first, second insts.Instruction) (Source, bool) {
	if first.Op != insts.OpPush || first.Dst.Kind != insts.OperandReg {
		return 0, false
	}

	switch {
	case second.Op == insts.OpMov && second.Dst.IsReg(insts.RBP) && second.Src.IsReg(insts.RSP):
		return PushMov, true
	case second.Op == insts.OpSub && second.Dst.IsReg(insts.RSP) && second.Src.Kind == insts.OperandImm:
		return PushSubRsp, true
	case a.calleeSaved && isCalleeSaved(first.Dst.Reg):
		return CalleeSavedPush, true
	}
	return 0, false
}

func isCalleeSaved(r insts.Register) bool {
	switch r {
	case insts.RBX, insts.R12, insts.R13, insts.R14, insts.R15:
		return true
	}
	return false
}

func (a *Analyser) record(addr uint64, src Source) {
	if _, known := a.functions[addr]; known {
		return
	}
	a.functions[addr] = &Function{
		Address:           addr,
		Source:            src,
		NeedsVerification: true,
	}
	log.Trace(log.Analysis, "prologue", "addr", addr, "source", src.String())
}

// SecondVerification clears NeedsVerification for every function that is
// also a direct call target. Uncorroborated functions are kept.
func (a *Analyser) SecondVerification() {
	verified := 0
	for addr, fn := range a.functions {
		if _, ok := a.callTargets[addr]; ok {
			fn.NeedsVerification = false
		}
		if !fn.NeedsVerification {
			verified++
		}
	}
	log.Debug(log.Analysis, "second verification",
		"instructions", a.seen,
		"functions", len(a.functions),
		"verified", verified,
		"call_targets", len(a.callTargets))
}

// Functions returns the discovered functions keyed by entry address.
func (a *Analyser) Functions() map[uint64]*Function {
	return a.functions
}

// CallTargets returns the set of direct call targets seen so far.
func (a *Analyser) CallTargets() map[uint64]struct{} {
	return a.callTargets
}
