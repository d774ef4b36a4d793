package loader

import (
	"bytes"
	"debug/pe"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// HeaderSize is the number of leading file bytes kept as the "dos" region,
// mapped at the image base.
const HeaderSize = 0x1000

// LoadPE parses a PE32+ x86-64 executable. Section addresses are absolute
// (image base plus RVA) and the first HeaderSize bytes of the file become a
// read-only "dos" section at the image base.
func LoadPE(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PE file: %w", err)
	}
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE file: %w", err)
	}

	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		return nil, fmt.Errorf("not an x86-64 PE file (machine type: 0x%x)", f.Machine)
	}
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("not a PE32+ file")
	}

	img := &Image{
		Name:       imageName(path),
		Format:     FormatPE,
		EntryPoint: oh.ImageBase + uint64(oh.AddressOfEntryPoint),
		ImageBase:  oh.ImageBase,
	}

	img.Sections = append(img.Sections, Section{
		Name:    "dos",
		Address: oh.ImageBase,
		Data:    raw[:min(len(raw), HeaderSize)],
		Size:    HeaderSize,
		Flags:   FlagRead,
		Header:  true,
	})

	for _, sh := range f.Sections {
		data, err := sh.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to read section %s: %w", sh.Name, err)
		}

		size := uint64(sh.VirtualSize)
		if size == 0 {
			size = uint64(len(data))
		}

		var flags Flags
		if sh.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
			flags |= FlagExecute
		}
		if sh.Characteristics&pe.IMAGE_SCN_MEM_READ != 0 {
			flags |= FlagRead
		}
		if sh.Characteristics&pe.IMAGE_SCN_MEM_WRITE != 0 {
			flags |= FlagWrite
		}

		img.Sections = append(img.Sections, Section{
			Name:    sectionName(sh.Name),
			Address: oh.ImageBase + uint64(sh.VirtualAddress),
			Data:    data,
			Size:    size,
			Flags:   flags,
		})
	}
	return img, nil
}

// sectionName returns the trimmed section name, or the hex encoding of its
// eight raw bytes when it is blank or not valid UTF-8.
func sectionName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" && utf8.ValidString(trimmed) {
		return trimmed
	}
	var raw [8]byte
	copy(raw[:], name)
	return hex.EncodeToString(raw[:])
}
