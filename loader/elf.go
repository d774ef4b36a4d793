package loader

import (
	"debug/elf"
	"fmt"
	"io"
)

// LoadELF parses an x86-64 ELF executable. Allocated sections are used when
// the file has section headers; otherwise each PT_LOAD segment becomes a
// section named "load<N>".
func LoadELF(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("not a 64-bit ELF file")
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("not an x86-64 ELF file (machine type: %v)", f.Machine)
	}

	img := &Image{
		Name:       imageName(path),
		Format:     FormatELF,
		EntryPoint: f.Entry,
	}

	for _, sh := range f.Sections {
		if sh.Flags&elf.SHF_ALLOC == 0 || sh.Size == 0 {
			continue
		}
		sec := Section{
			Name:    sh.Name,
			Address: sh.Addr,
			Size:    sh.Size,
			Flags:   FlagRead,
		}
		if sh.Flags&elf.SHF_EXECINSTR != 0 {
			sec.Flags |= FlagExecute
		}
		if sh.Flags&elf.SHF_WRITE != 0 {
			sec.Flags |= FlagWrite
		}
		if sh.Type != elf.SHT_NOBITS {
			if sec.Data, err = sh.Data(); err != nil {
				return nil, fmt.Errorf("failed to read section %s: %w", sh.Name, err)
			}
		}
		img.Sections = append(img.Sections, sec)
	}
	if len(img.Sections) > 0 {
		return img, nil
	}

	for i, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags Flags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= FlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= FlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= FlagRead
		}

		img.Sections = append(img.Sections, Section{
			Name:    fmt.Sprintf("load%d", i),
			Address: phdr.Vaddr,
			Data:    data,
			Size:    phdr.Memsz,
			Flags:   flags,
		})
	}

	return img, nil
}
