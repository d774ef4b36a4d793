package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sarchlab/x64emu/log"
)

// Extension is the file suffix of snapshots saved by a DirStore.
const Extension = ".snapshot"

// ErrNoSnapshot is returned by Latest when the store is empty.
var ErrNoSnapshot = errors.New("no snapshot")

// Store keeps named snapshots.
type Store interface {
	// Save stores s and returns the name it can be loaded by.
	Save(s *Snapshot) (string, error)
	Load(name string) (*Snapshot, error)
	// Latest returns the most recently saved snapshot and its name.
	Latest() (*Snapshot, string, error)
	// List returns all names, oldest first.
	List() ([]string, error)
}

// DirStore saves one file per snapshot in a directory. Files are named after
// the local wall-clock time, so two saves within the same second share a
// name and the later one wins.
type DirStore struct {
	dir string
	now func() time.Time
}

// DirStoreOption configures a DirStore.
type DirStoreOption func(*DirStore)

// WithClock sets the time source used to name snapshots.
func WithClock(now func() time.Time) DirStoreOption {
	return func(s *DirStore) {
		s.now = now
	}
}

// NewDirStore creates dir if needed and returns a store over it.
func NewDirStore(dir string, opts ...DirStoreOption) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	s := &DirStore{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory the store writes to.
func (s *DirStore) Dir() string {
	return s.dir
}

// FileName returns the snapshot file name for t.
func FileName(t time.Time) string {
	return "snapshot_" + t.Format("15_04_05") + Extension
}

// Save writes s to a new file.
func (s *DirStore) Save(snap *Snapshot) (string, error) {
	name := FileName(s.now())
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	if err := Encode(f, snap); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("save snapshot %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("save snapshot %s: %w", name, err)
	}

	log.Info(log.Snapshot, "saved snapshot", "path", path, "regions", len(snap.Regions))
	return name, nil
}

// Load reads the snapshot file called name.
func (s *DirStore) Load(name string) (*Snapshot, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	snap, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", name, err)
	}
	log.Info(log.Snapshot, "using snapshot", "path", path)
	return snap, nil
}

type dirEntry struct {
	name    string
	modTime time.Time
}

func (s *DirStore) entries() ([]dirEntry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []dirEntry
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), Extension) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, dirEntry{name: de.Name(), modTime: info.ModTime()})
	}

	slices.SortStableFunc(out, func(a, b dirEntry) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	return out, nil
}

// List returns snapshot file names ordered by modification time.
func (s *DirStore) List() ([]string, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names, nil
}

// Latest loads the most recently modified snapshot file.
func (s *DirStore) Latest() (*Snapshot, string, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", ErrNoSnapshot
	}
	name := entries[len(entries)-1].name
	snap, err := s.Load(name)
	return snap, name, err
}
