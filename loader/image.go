// Package loader extracts x86-64 code and data from executables and region
// dump directories and maps them onto an emulator bus.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sarchlab/x64emu/emu"
)

// Flags represents memory protection flags for a section.
type Flags uint32

const (
	// FlagExecute indicates the section is executable.
	FlagExecute Flags = 1 << iota
	// FlagWrite indicates the section is writable.
	FlagWrite
	// FlagRead indicates the section is readable.
	FlagRead
)

func (f Flags) String() string {
	perm := []byte("---")
	if f&FlagRead != 0 {
		perm[0] = 'r'
	}
	if f&FlagWrite != 0 {
		perm[1] = 'w'
	}
	if f&FlagExecute != 0 {
		perm[2] = 'x'
	}
	return string(perm)
}

// DefaultStackBase is the lowest address of the emulated stack.
const DefaultStackBase = 0x7fff_ffff_0000

// DefaultStackSize is the default stack size (64 KiB).
const DefaultStackSize = 64 * 1024

// ErrNoText is returned when an image has no executable section.
var ErrNoText = errors.New("no executable section")

// ErrUnknownFormat is returned by Open for files that are neither ELF nor PE.
var ErrUnknownFormat = errors.New("unrecognized image format")

// Format identifies the container an Image was read from.
type Format string

// Supported image formats.
const (
	FormatELF Format = "elf"
	FormatPE  Format = "pe"
)

// Section is one named, contiguous piece of an image.
type Section struct {
	Name    string
	Address uint64
	// Data holds the file contents. It may be shorter than Size for
	// zero-filled sections.
	Data  []byte
	Size  uint64
	Flags Flags
	// Header marks the file-header pseudo-section of a PE image.
	Header bool
}

// Contains reports whether addr falls inside the section.
func (s *Section) Contains(addr uint64) bool {
	return addr >= s.Address && addr-s.Address < s.Size
}

// Bytes returns the in-memory contents of the section, zero-padded to Size.
func (s *Section) Bytes() []byte {
	if uint64(len(s.Data)) >= s.Size {
		return s.Data[:s.Size]
	}
	out := make([]byte, s.Size)
	copy(out, s.Data)
	return out
}

// Image is an executable reduced to what the emulator needs.
type Image struct {
	Name       string
	Format     Format
	EntryPoint uint64
	// ImageBase is the preferred load address; zero for ELF.
	ImageBase uint64
	Sections  []Section
}

// Open reads an ELF or PE64 x86-64 executable, detected by its magic bytes.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	magic := make([]byte, 4)
	_, err = io.ReadFull(f, magic)
	_ = f.Close()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %s is too short", ErrUnknownFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image magic: %w", err)
	}

	switch {
	case string(magic) == "\x7fELF":
		return LoadELF(path)
	case string(magic[:2]) == "MZ":
		return LoadPE(path)
	}
	return nil, fmt.Errorf("%w in %s", ErrUnknownFormat, path)
}

func imageName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Text returns the executable section holding the entry point, falling back
// to ".text" and then to the first executable section.
func (img *Image) Text() (*Section, error) {
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Flags&FlagExecute != 0 && s.Contains(img.EntryPoint) {
			return s, nil
		}
	}
	for i := range img.Sections {
		if img.Sections[i].Name == ".text" {
			return &img.Sections[i], nil
		}
	}
	for i := range img.Sections {
		if img.Sections[i].Flags&FlagExecute != 0 {
			return &img.Sections[i], nil
		}
	}
	return nil, ErrNoText
}

// Region converts a section into a bus region owned by the image.
func (img *Image) Region(s *Section) *emu.Region {
	return &emu.Region{
		Start:      s.Address,
		Data:       s.Bytes(),
		Module:     img.Name,
		Readable:   s.Flags&FlagRead != 0,
		Executable: s.Flags&FlagExecute != 0,
	}
}

// Map adds every non-empty section to bus.
func (img *Image) Map(bus *emu.Bus) error {
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Size == 0 {
			continue
		}
		if err := bus.AddRegion(img.Region(s)); err != nil {
			return fmt.Errorf("map section %s: %w", s.Name, err)
		}
	}
	return nil
}

// NewStack creates a zero-filled stack region and returns it with the
// initial stack pointer, which sits at the top of the region.
func NewStack(base uint64, size int) (*emu.Region, uint64) {
	r := emu.NewRegion(base, size)
	r.Module = "stack"
	return r, base + uint64(size)
}
