package analysis

import "github.com/sarchlab/x64emu/insts"

// RingCapacity is the number of most recent instructions the analyser keeps.
const RingCapacity = 5

// ring is a fixed-capacity buffer that overwrites its oldest entry once full.
type ring struct {
	buf  [RingCapacity]insts.Instruction
	head int
	n    int
}

func (r *ring) push(inst insts.Instruction) {
	r.buf[(r.head+r.n)%RingCapacity] = inst
	if r.n < RingCapacity {
		r.n++
		return
	}
	r.head = (r.head + 1) % RingCapacity
}

// len returns the number of buffered instructions.
func (r *ring) len() int {
	return r.n
}

// at returns the i-th instruction counted back from the newest, so at(0) is
// the latest one pushed.
func (r *ring) at(i int) insts.Instruction {
	return r.buf[(r.head+r.n-1-i)%RingCapacity]
}
