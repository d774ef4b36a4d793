package loader

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/x64emu/disasm"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/log"
)

// SummaryFile is the name of the JSON summary written next to the regions.
const SummaryFile = "summary.json"

// Region file extensions.
const (
	KindSection = ".section"
	KindData    = ".data"
)

// ErrNotRegionFile is returned for names that do not follow the
// "0xADDR_SIZE_name.kind" convention.
var ErrNotRegionFile = errors.New("not a region file name")

// ErrRegionTooLarge is returned, wrapped with ErrNotRegionFile, for names
// declaring more than MaxRegionSize bytes.
var ErrRegionTooLarge = errors.New("region size exceeds limit")

// MaxRegionSize bounds the size a region file name may declare.
const MaxRegionSize = 1 << 34

// RegionFile describes one file of a region dump directory.
type RegionFile struct {
	Address uint64
	Size    uint64
	Name    string
	Kind    string
}

// FileName returns "0x<ADDR>_<size>_<name><kind>" with the address in upper
// case hex and the size in decimal.
func (rf RegionFile) FileName() string {
	return fmt.Sprintf("0x%X_%d_%s%s", rf.Address, rf.Size, rf.Name, rf.Kind)
}

// ParseRegionFile parses a region file name. The name part may itself
// contain underscores.
func ParseRegionFile(name string) (RegionFile, error) {
	var rf RegionFile
	switch {
	case strings.HasSuffix(name, KindSection):
		rf.Kind = KindSection
	case strings.HasSuffix(name, KindData):
		rf.Kind = KindData
	default:
		return rf, fmt.Errorf("%w: %s", ErrNotRegionFile, name)
	}

	parts := strings.SplitN(strings.TrimSuffix(name, rf.Kind), "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return rf, fmt.Errorf("%w: %s", ErrNotRegionFile, name)
	}

	addr, err := parseHex(parts[0])
	if err != nil {
		return rf, fmt.Errorf("%w: %s: %w", ErrNotRegionFile, name, err)
	}
	size, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return rf, fmt.Errorf("%w: %s: %w", ErrNotRegionFile, name, err)
	}
	if size > MaxRegionSize {
		return rf, fmt.Errorf("%w: %s: %w", ErrNotRegionFile, name, ErrRegionTooLarge)
	}

	rf.Address = addr
	rf.Size = size
	rf.Name = parts[2]
	return rf, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func formatHex(v uint64) string {
	return fmt.Sprintf("0x%X", v)
}

// Summary is the content of summary.json.
type Summary struct {
	FileName      string           `json:"file_name"`
	EntryPointRVA string           `json:"entry_point_rva"`
	EntryPointVA  string           `json:"entry_point_va"`
	ImageBase     string           `json:"image_base"`
	Sections      []SectionSummary `json:"sections"`
}

// SectionSummary describes one dumped section.
type SectionSummary struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Size    uint64 `json:"size"`
	Perm    string `json:"perm,omitempty"`
}

// EntryPoint returns the parsed entry_point_va.
func (s *Summary) EntryPoint() (uint64, error) {
	return parseHex(s.EntryPointVA)
}

// WriteDump writes every section of img to dir as a region file together with
// summary.json and a text listing of the code section. Files that already
// exist are kept.
func WriteDump(dir string, img *Image) (*Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}

	summary := &Summary{
		FileName:      img.Name,
		EntryPointRVA: formatHex(img.EntryPoint - img.ImageBase),
		EntryPointVA:  formatHex(img.EntryPoint),
		ImageBase:     formatHex(img.ImageBase),
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		rf := RegionFile{Address: s.Address, Size: s.Size, Name: s.Name, Kind: KindSection}
		if s.Header {
			rf.Kind = KindData
		}
		if err := writeNew(filepath.Join(dir, rf.FileName()), s.Bytes()); err != nil {
			return nil, err
		}
		if !s.Header {
			summary.Sections = append(summary.Sections, SectionSummary{
				Name:    s.Name,
				Address: formatHex(s.Address),
				Size:    s.Size,
				Perm:    s.Flags.String(),
			})
		}
	}

	if text, err := img.Text(); err == nil {
		if err := writeListing(dir, text); err != nil {
			return nil, err
		}
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	if err := writeNew(filepath.Join(dir, SummaryFile), data); err != nil {
		return nil, err
	}
	return summary, nil
}

func writeListing(dir string, text *Section) error {
	name := fmt.Sprintf("0x%X_%d_%s.txt", text.Address, text.Size, text.Name)
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		log.Info(log.Loader, "skipping existing listing", "file", name)
		return nil
	}

	var buf bytes.Buffer
	stream := disasm.NewStream(bytes.NewReader(text.Bytes()), text.Address)
	if err := disasm.WriteText(&buf, stream.All(), disasm.TextOptions{}); err != nil {
		return fmt.Errorf("write listing %s: %w", name, err)
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("write listing %s: %w", name, err)
	}
	log.Info(log.Loader, "disassembled code section", "file", name)
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeNew(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		log.Info(log.Loader, "skipping existing file", "file", filepath.Base(path))
		return nil
	}
	log.Info(log.Loader, "saving", "file", filepath.Base(path))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Dump is a region dump directory read back into memory.
type Dump struct {
	// Summary is nil when the directory has no summary.json.
	Summary *Summary
	// Regions are sorted by start address.
	Regions []*emu.Region
}

// DumpOption configures ReadDump.
type DumpOption func(*dumpConfig)

type dumpConfig struct {
	jobs int
}

// WithJobs bounds the number of files read concurrently.
func WithJobs(n int) DumpOption {
	return func(c *dumpConfig) {
		c.jobs = n
	}
}

// ReadDump reads every region file in dir concurrently. Permissions come from
// summary.json when it lists the region; otherwise ".section" files are
// readable and executable and ".data" files readable only. A file shorter
// than its declared size is zero-padded.
func ReadDump(ctx context.Context, dir string, opts ...DumpOption) (*Dump, error) {
	cfg := dumpConfig{jobs: 4}
	for _, opt := range opts {
		opt(&cfg)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dump dir: %w", err)
	}

	dump := &Dump{}
	if data, err := os.ReadFile(filepath.Join(dir, SummaryFile)); err == nil {
		dump.Summary = &Summary{}
		if err := json.Unmarshal(data, dump.Summary); err != nil {
			return nil, fmt.Errorf("decode %s: %w", SummaryFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", SummaryFile, err)
	}
	perms := dump.perms()

	var (
		names []string
		files []RegionFile
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rf, err := ParseRegionFile(e.Name())
		if errors.Is(err, ErrRegionTooLarge) {
			return nil, err
		}
		if err != nil {
			continue
		}
		names = append(names, e.Name())
		files = append(files, rf)
	}

	regions := make([]*emu.Region, len(files))
	g, ctx := errgroup.WithContext(ctx)
	if cfg.jobs > 0 {
		g.SetLimit(cfg.jobs)
	}
	for i, rf := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := readRegion(filepath.Join(dir, names[i]), rf, perms)
			if err != nil {
				return err
			}
			regions[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(regions, func(a, b *emu.Region) int {
		return cmp.Compare(a.Start, b.Start)
	})
	dump.Regions = regions
	log.Debug(log.Loader, "read dump", "dir", dir, "regions", len(regions))
	return dump, nil
}

func (d *Dump) perms() map[uint64]Flags {
	perms := make(map[uint64]Flags)
	if d.Summary == nil {
		return perms
	}
	for _, s := range d.Summary.Sections {
		addr, err := parseHex(s.Address)
		if err != nil || s.Perm == "" {
			continue
		}
		var f Flags
		if strings.Contains(s.Perm, "r") {
			f |= FlagRead
		}
		if strings.Contains(s.Perm, "w") {
			f |= FlagWrite
		}
		if strings.Contains(s.Perm, "x") {
			f |= FlagExecute
		}
		perms[addr] = f
	}
	return perms
}

func readRegion(path string, rf RegionFile, perms map[uint64]Flags) (*emu.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region: %w", err)
	}
	if uint64(len(data)) > rf.Size {
		return nil, fmt.Errorf("region file %s holds %d bytes, more than its size %d",
			filepath.Base(path), len(data), rf.Size)
	}
	if uint64(len(data)) < rf.Size {
		padded := make([]byte, rf.Size)
		copy(padded, data)
		data = padded
	}

	r := &emu.Region{
		Start:      rf.Address,
		Data:       data,
		Module:     rf.Name,
		Readable:   true,
		Executable: rf.Kind == KindSection,
	}
	if f, ok := perms[rf.Address]; ok {
		r.Readable = f&FlagRead != 0
		r.Executable = f&FlagExecute != 0
	}
	return r, nil
}

// EntryPoint returns the entry point recorded in the summary.
func (d *Dump) EntryPoint() (uint64, bool) {
	if d.Summary == nil {
		return 0, false
	}
	ep, err := d.Summary.EntryPoint()
	return ep, err == nil
}

// Map adds every non-empty region to bus.
func (d *Dump) Map(bus *emu.Bus) error {
	for _, r := range d.Regions {
		if r.Size() == 0 {
			continue
		}
		if err := bus.AddRegion(r); err != nil {
			return fmt.Errorf("map %v: %w", r, err)
		}
	}
	return nil
}
