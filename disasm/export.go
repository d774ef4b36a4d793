package disasm

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"strconv"

	"github.com/sarchlab/x64emu/insts"
)

// TextOptions controls WriteText.
type TextOptions struct {
	// IncludeInvalid keeps undecodable bytes in the listing.
	IncludeInvalid bool
	// IncludeNops keeps nop instructions in the listing.
	IncludeNops bool
}

// RIPTarget returns the absolute address referenced by a RIP-relative memory
// operand of inst.
func RIPTarget(inst insts.Instruction) (uint64, bool) {
	for _, op := range []insts.Operand{inst.Dst, inst.Src} {
		if op.Kind == insts.OperandMem && op.Mem.IsRIPRelative() {
			return inst.Next() + uint64(op.Mem.Disp), true
		}
	}
	return 0, false
}

// WriteText writes one "0x<addr>: <mnemonic> <operands>" line per
// instruction. RIP-relative references are annotated with their target and
// runs of int3 padding collapse into a single range line.
func WriteText(w io.Writer, seq iter.Seq[insts.Instruction], opts TextOptions) error {
	bw := bufio.NewWriter(w)

	var run []insts.Instruction
	flush := func() {
		switch len(run) {
		case 0:
		case 1:
			fmt.Fprintln(bw, run[0])
		default:
			fmt.Fprintf(bw, "0x%x - 0x%x int3\n", run[0].Address, run[len(run)-1].Address)
		}
		run = run[:0]
	}

	for inst := range seq {
		switch {
		case inst.IsInvalid() && !opts.IncludeInvalid:
			continue
		case inst.Op == insts.OpNop && !opts.IncludeNops:
			continue
		case inst.Op == insts.OpInt3:
			run = append(run, inst)
			continue
		}

		flush()
		if target, ok := RIPTarget(inst); ok {
			fmt.Fprintf(bw, "%v ; 0x%x\n", inst, target)
		} else {
			fmt.Fprintln(bw, inst)
		}
	}
	flush()

	return bw.Flush()
}

// CSVHeader is the first record written by WriteCSV.
var CSVHeader = []string{
	"address", "mnemonic", "op_str", "immediate_value", "immediate_address",
	"rip_target", "displacement", "end_addr_range",
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%X", v)
}

// WriteCSV writes a semicolon-separated listing with operand details.
// Consecutive nop or int3 instructions are grouped into one record whose
// last column holds the address of the final instruction in the group.
func WriteCSV(w io.Writer, seq iter.Seq[insts.Instruction]) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	var (
		groupOp    insts.Op
		groupStart uint64
		groupEnd   uint64
		grouping   bool
	)
	flush := func() error {
		if !grouping {
			return nil
		}
		grouping = false
		label := "nop"
		if groupOp == insts.OpInt3 {
			label = "int3"
		}
		return cw.Write([]string{hex(groupStart), label, "", "", "", "", "", hex(groupEnd)})
	}

	for inst := range seq {
		if inst.Op == insts.OpNop || inst.Op == insts.OpInt3 {
			if grouping && groupOp == inst.Op {
				groupEnd = inst.Address
				continue
			}
			if err := flush(); err != nil {
				return err
			}
			groupOp, groupStart, groupEnd, grouping = inst.Op, inst.Address, inst.Address, true
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if err := cw.Write(csvRecord(inst)); err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func csvRecord(inst insts.Instruction) []string {
	rec := []string{hex(inst.Address), inst.Mnemonic, inst.OpStr, "", "", "", "", ""}

	if target, ok := inst.DirectTarget(); ok {
		rec[4] = hex(target)
	} else {
		for _, op := range []insts.Operand{inst.Dst, inst.Src} {
			if op.Kind == insts.OperandImm {
				rec[3] = hex(uint64(op.Imm))
			}
		}
	}

	for _, op := range []insts.Operand{inst.Dst, inst.Src} {
		if op.Kind == insts.OperandMem {
			rec[6] = strconv.FormatInt(op.Mem.Disp, 10)
		}
	}
	if target, ok := RIPTarget(inst); ok {
		rec[5] = hex(target)
	}
	return rec
}

// CallSites maps the address of every call to a description of its target:
// the absolute address for direct and RIP-relative calls, the register name
// for register calls and the operand text otherwise.
func CallSites(seq iter.Seq[insts.Instruction]) map[uint64]string {
	sites := make(map[uint64]string)
	for inst := range seq {
		if inst.Op != insts.OpCall {
			continue
		}
		switch op := inst.Dst; op.Kind {
		case insts.OperandImm:
			sites[inst.Address] = hex(uint64(op.Imm))
		case insts.OperandReg:
			sites[inst.Address] = op.Reg.String()
		case insts.OperandMem:
			if target, ok := RIPTarget(inst); ok {
				sites[inst.Address] = hex(target)
			} else {
				sites[inst.Address] = inst.OpStr
			}
		}
	}
	return sites
}
