package disasm

import (
	"fmt"
	"slices"

	"github.com/xlab/treeprint"

	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
)

// Block is a straight-line run of instructions ending at a jump, a return,
// an undecodable byte or the end of the code.
type Block struct {
	Start        uint64
	End          uint64
	Instructions []insts.Instruction
	Successors   []uint64
}

// BlockMap is the result of exploring code from a set of entry points.
type BlockMap struct {
	Blocks map[uint64]*Block

	// Entries holds the exploration seeds and every direct call target
	// found inside the code.
	Entries map[uint64]struct{}
}

// Addresses returns the block start addresses in ascending order.
func (m *BlockMap) Addresses() []uint64 {
	addrs := make([]uint64, 0, len(m.Blocks))
	for a := range m.Blocks {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	return addrs
}

// Explore walks code located at base breadth-first from entries. Direct jump
// and call targets and conditional fall-throughs are queued; targets outside
// the code are recorded as successors but not visited. A call does not end
// its block.
func Explore(code []byte, base uint64, entries []uint64) *BlockMap {
	m := &BlockMap{
		Blocks:  make(map[uint64]*Block),
		Entries: make(map[uint64]struct{}),
	}
	end := base + uint64(len(code))
	inside := func(a uint64) bool { return a >= base && a < end }

	d := insts.NewDecoder()
	queue := slices.Clone(entries)
	for _, e := range entries {
		m.Entries[e] = struct{}{}
	}

	for len(queue) > 0 {
		start := queue[0]
		queue = queue[1:]
		if _, seen := m.Blocks[start]; seen || !inside(start) {
			continue
		}

		b := &Block{Start: start, End: start}
		m.Blocks[start] = b

		for addr := start; inside(addr); {
			inst, err := d.Decode(code[addr-base:], addr)
			if err != nil {
				break
			}
			b.Instructions = append(b.Instructions, inst)
			addr = inst.Next()
			b.End = addr

			if inst.IsInvalid() || inst.Op == insts.OpRet {
				break
			}

			target, direct := inst.DirectTarget()
			if inst.Op == insts.OpCall {
				if direct {
					m.Entries[target] = struct{}{}
					queue = append(queue, target)
				} else {
					log.Trace(log.Disasm, "indirect call", "addr", inst.Address)
				}
				continue
			}
			if inst.Op == insts.OpConditionalJump {
				b.Successors = append(b.Successors, target, addr)
				queue = append(queue, target, addr)
				break
			}
			if inst.Op == insts.OpUnconditionalJump {
				if direct {
					b.Successors = append(b.Successors, target)
					queue = append(queue, target)
				} else {
					log.Trace(log.Disasm, "indirect jump", "addr", inst.Address)
				}
				break
			}
		}
	}

	log.Debug(log.Disasm, "explored code", "blocks", len(m.Blocks), "entries", len(m.Entries))
	return m
}

// Render draws the blocks in address order with their successors.
func (m *BlockMap) Render() string {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%d blocks", len(m.Blocks)))

	for _, addr := range m.Addresses() {
		b := m.Blocks[addr]
		label := fmt.Sprintf("0x%x-0x%x (%d instructions)", b.Start, b.End, len(b.Instructions))
		if _, ok := m.Entries[addr]; ok {
			label += " entry"
		}
		branch := tree.AddBranch(label)
		for _, s := range b.Successors {
			branch.AddNode(fmt.Sprintf("-> 0x%x", s))
		}
	}
	return tree.String()
}
