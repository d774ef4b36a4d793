// Package config holds the JSON configuration of the x64emu tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/x64emu/cache"
	"github.com/sarchlab/x64emu/disasm"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/log"
)

// Snapshot backends.
const (
	BackendDir     = "dir"
	BackendLevelDB = "leveldb"
)

// StreamConfig controls the disassembly stream.
type StreamConfig struct {
	// ChunkSize is the number of bytes read per buffer fill. Default: 10000.
	ChunkSize int `json:"chunk_size"`

	// AverageLength seeds the running instruction length estimate used to
	// size decode batches. Default: 7 bytes.
	AverageLength int `json:"average_length"`
}

// DecodeCacheConfig controls the decoded-instruction cache.
type DecodeCacheConfig struct {
	Enabled  bool `json:"enabled"`
	Sets     int  `json:"sets"`
	Ways     int  `json:"ways"`
	LineSize int  `json:"line_size"`
}

// EmulationConfig controls emulator setup.
type EmulationConfig struct {
	// StackBase is the lowest address of the synthetic stack region.
	StackBase uint64 `json:"stack_base"`

	// StackSize is the stack region size in bytes. Default: 64 KiB.
	StackSize int `json:"stack_size"`

	// StepLimit bounds the number of executed instructions. Zero means no
	// limit.
	StepLimit uint64 `json:"step_limit"`

	DecodeCache DecodeCacheConfig `json:"decode_cache"`
}

// SnapshotConfig selects where snapshots are kept.
type SnapshotConfig struct {
	// Backend is "dir" or "leveldb".
	Backend string `json:"backend"`

	// Dir is the snapshot directory, or the database path for leveldb.
	Dir string `json:"dir"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the complete tool configuration.
type Config struct {
	Stream    StreamConfig    `json:"stream"`
	Emulation EmulationConfig `json:"emulation"`
	Snapshot  SnapshotConfig  `json:"snapshot"`
	Log       LogConfig       `json:"log"`
}

// Default returns a Config with default values.
func Default() *Config {
	def := cache.DefaultConfig()
	return &Config{
		Stream: StreamConfig{
			ChunkSize:     disasm.DefaultChunkSize,
			AverageLength: disasm.DefaultAverageLength,
		},
		Emulation: EmulationConfig{
			StackBase: 0x7fff_ffff_0000,
			StackSize: 64 * 1024,
			DecodeCache: DecodeCacheConfig{
				Sets:     def.Sets,
				Ways:     def.Ways,
				LineSize: def.LineSize,
			},
		},
		Snapshot: SnapshotConfig{
			Backend: BackendDir,
			Dir:     "snapshots",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads a Config from a JSON file. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// Save writes the Config to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.Stream.ChunkSize <= 0 {
		return fmt.Errorf("stream.chunk_size must be > 0")
	}
	if c.Stream.AverageLength <= 0 {
		return fmt.Errorf("stream.average_length must be > 0")
	}
	if c.Emulation.StackSize <= 0 {
		return fmt.Errorf("emulation.stack_size must be > 0")
	}
	if c.Emulation.StackBase+uint64(c.Emulation.StackSize) < c.Emulation.StackBase {
		return fmt.Errorf("emulation stack wraps past the end of the address space")
	}

	dc := c.Emulation.DecodeCache
	if dc.Enabled {
		if dc.Sets <= 0 || dc.Ways <= 0 {
			return fmt.Errorf("emulation.decode_cache sets and ways must be > 0")
		}
		if !isPowerOfTwo(dc.LineSize) {
			return fmt.Errorf("emulation.decode_cache.line_size must be a power of two")
		}
	}

	switch c.Snapshot.Backend {
	case BackendDir, BackendLevelDB:
	default:
		return fmt.Errorf("snapshot.backend must be %q or %q", BackendDir, BackendLevelDB)
	}
	if c.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot.dir must not be empty")
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\"")
	}
	return nil
}

// Clone returns a deep copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// StreamOptions returns the disassembly stream options for this Config.
func (c *Config) StreamOptions() []disasm.StreamOption {
	return []disasm.StreamOption{
		disasm.WithChunkSize(c.Stream.ChunkSize),
		disasm.WithAverageLength(c.Stream.AverageLength),
	}
}

// CacheConfig returns the decode cache geometry.
func (c *Config) CacheConfig() cache.Config {
	dc := c.Emulation.DecodeCache
	return cache.Config{Sets: dc.Sets, Ways: dc.Ways, LineSize: dc.LineSize}
}

// EmulatorOptions returns the emulator options for this Config. The stack
// pointer starts at the top of the configured stack.
func (c *Config) EmulatorOptions() []emu.EmulatorOption {
	opts := []emu.EmulatorOption{
		emu.WithStackPointer(c.Emulation.StackBase + uint64(c.Emulation.StackSize)),
	}
	if c.Emulation.StepLimit > 0 {
		opts = append(opts, emu.WithStepLimit(c.Emulation.StepLimit))
	}
	if c.Emulation.DecodeCache.Enabled {
		opts = append(opts, emu.WithDecodeCache(c.CacheConfig()))
	}
	return opts
}
