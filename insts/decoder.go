// Package insts provides x86-64 instruction definitions and decoding.
package insts

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"
)

// MaxLength is the architectural upper bound on an x86 instruction length.
const MaxLength = 15

// ErrTruncated is returned when the input ends inside an instruction.
var ErrTruncated = errors.New("truncated instruction")

// Decoder decodes x86-64 machine code into classified instructions.
type Decoder struct {
	pad [MaxLength]byte
}

// NewDecoder creates a new x86-64 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes the instruction at the start of code, which is located at
// address. Bytes that do not form a recognised instruction decode into an
// OpInvalid instruction of at least one byte, so callers can always make
// progress. ErrTruncated is returned only when code ends before the
// instruction does.
func (d *Decoder) Decode(code []byte, address uint64) (Instruction, error) {
	if len(code) == 0 {
		return Instruction{}, ErrTruncated
	}

	raw, err := x86asm.Decode(code, 64)
	if err == nil && raw.Op != 0 {
		return Classify(raw, address), nil
	}

	if d.truncated(code) {
		return Instruction{}, ErrTruncated
	}

	length := raw.Len
	if length < 1 {
		length = 1
	}
	if length > len(code) {
		length = len(code)
	}
	return Instruction{
		Address:  address,
		Length:   length,
		Mnemonic: "(bad)",
		Op:       OpInvalid,
	}, nil
}

// truncated reports whether code is the prefix of a longer valid
// instruction. The decoder reports short input as a one-byte prefix, so the
// bytes are re-decoded with zero padding to see what they would become.
func (d *Decoder) truncated(code []byte) bool {
	if len(code) >= MaxLength {
		return false
	}
	buf := d.pad[:]
	n := copy(buf, code)
	clear(buf[n:])
	raw, err := x86asm.Decode(buf, 64)
	return err == nil && raw.Op != 0 && raw.Len > len(code)
}
