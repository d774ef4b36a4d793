// Package disasm turns x86-64 machine code into classified instruction
// sequences.
package disasm

import (
	"errors"
	"io"
	"iter"

	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
)

// Stream defaults.
const (
	DefaultChunkSize     = 10000
	DefaultAverageLength = 7
)

// Stream decodes instructions lazily from a reader. Bytes are read in
// chunks; an instruction split across a chunk boundary is carried over and
// completed by the next read. At end of input a tail that does not form a
// whole instruction is dropped.
type Stream struct {
	r       io.Reader
	decoder *insts.Decoder

	chunk   []byte
	pending []byte
	addr    uint64

	// Running totals used to size each batch.
	totalLen   uint64
	totalCount uint64
	avgLength  int

	batch []insts.Instruction
	pos   int

	eof  bool
	done bool
	err  error
}

// StreamOption is a functional option for configuring a Stream.
type StreamOption func(*Stream)

// WithChunkSize sets the number of bytes requested per read.
func WithChunkSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.chunk = make([]byte, n)
		}
	}
}

// WithAverageLength sets the instruction length assumed before any
// instruction has been decoded.
func WithAverageLength(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.avgLength = n
		}
	}
}

// NewStream creates a stream decoding r, whose first byte is at address.
func NewStream(r io.Reader, address uint64, opts ...StreamOption) *Stream {
	s := &Stream{
		r:         r,
		decoder:   insts.NewDecoder(),
		addr:      address,
		avgLength: DefaultAverageLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunk == nil {
		s.chunk = make([]byte, DefaultChunkSize)
	}
	return s
}

// Next returns the next instruction. It returns false once the input is
// exhausted or a read fails; Err distinguishes the two.
func (s *Stream) Next() (insts.Instruction, bool) {
	for s.pos >= len(s.batch) {
		if !s.fill() {
			return insts.Instruction{}, false
		}
	}
	inst := s.batch[s.pos]
	s.pos++
	return inst, true
}

// Err returns the first read error other than io.EOF.
func (s *Stream) Err() error {
	return s.err
}

// All returns an iterator over the remaining instructions.
func (s *Stream) All() iter.Seq[insts.Instruction] {
	return func(yield func(insts.Instruction) bool) {
		for {
			inst, ok := s.Next()
			if !ok || !yield(inst) {
				return
			}
		}
	}
}

// batchSize estimates how many instructions the pending bytes hold.
func (s *Stream) batchSize() int {
	avg := uint64(s.avgLength)
	if s.totalCount > 0 {
		avg = (s.totalLen + s.totalCount - 1) / s.totalCount
	}
	return max(1, len(s.pending)/int(max(avg, 1)))
}

// fill reads one chunk and decodes the next batch. It returns false when no
// further instructions can be produced.
func (s *Stream) fill() bool {
	if s.done {
		return false
	}

	if !s.eof {
		n, err := s.r.Read(s.chunk)
		s.pending = append(s.pending, s.chunk[:n]...)
		switch {
		case errors.Is(err, io.EOF):
			s.eof = true
		case err != nil:
			s.err = err
			s.done = true
			return false
		}
	}

	s.batch = s.batch[:0]
	s.pos = 0

	if len(s.pending) == 0 {
		if s.eof {
			s.done = true
			return false
		}
		return true
	}

	count := s.batchSize()
	off := 0
	truncated := false
	for i := 0; i < count && off < len(s.pending); i++ {
		inst, err := s.decoder.Decode(s.pending[off:], s.addr)
		if err != nil {
			truncated = true
			break
		}
		s.batch = append(s.batch, inst)
		off += inst.Length
		s.addr += uint64(inst.Length)
		s.totalLen += uint64(inst.Length)
		s.totalCount++
	}

	n := copy(s.pending, s.pending[off:])
	s.pending = s.pending[:n]

	log.Trace(log.Disasm, "decoded batch",
		"count", len(s.batch), "leftover", len(s.pending), "next", s.addr)

	if s.eof && (truncated || len(s.batch) == 0) {
		if len(s.pending) > 0 {
			log.Debug(log.Disasm, "dropped truncated tail",
				"addr", s.addr, "bytes", len(s.pending))
		}
		s.pending = nil
		if len(s.batch) == 0 {
			s.done = true
			return false
		}
	}
	return true
}
