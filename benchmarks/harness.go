// Package benchmarks provides throughput benchmark infrastructure for the
// x86-64 emulator.
package benchmarks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sarchlab/x64emu/cache"
	"github.com/sarchlab/x64emu/emu"
	"github.com/sarchlab/x64emu/insts"
	"github.com/sarchlab/x64emu/log"
)

// Memory layout shared by all benchmarks.
const (
	CodeBase  = uint64(0x1000)
	DataBase  = uint64(0x10000)
	DataSize  = 0x1000
	StackBase = uint64(0x20000)
	StackSize = 0x1000
	StackTop  = StackBase + StackSize
)

// BenchmarkResult holds the results for a single benchmark run.
type BenchmarkResult struct {
	// Name identifies the benchmark
	Name string `json:"name"`

	// Description explains what the benchmark measures
	Description string `json:"description"`

	// InstructionsRetired is the number of completed instructions
	InstructionsRetired uint64 `json:"instructions_retired"`

	// ExitCode is rax when the program stopped
	ExitCode int64 `json:"exit_code"`

	// Passed is true when the run stopped cleanly with the expected exit code
	Passed bool `json:"passed"`

	// Error is the run error, if any
	Error string `json:"error,omitempty"`

	// Decode cache stats (if enabled)
	DecodeCacheHits   uint64 `json:"decode_cache_hits,omitempty"`
	DecodeCacheMisses uint64 `json:"decode_cache_misses,omitempty"`

	// WallTime is the actual time taken to run the program
	WallTime time.Duration `json:"wall_time_ns"`
}

// MIPS returns millions of emulated instructions per wall-clock second.
func (r BenchmarkResult) MIPS() float64 {
	if r.WallTime <= 0 {
		return 0
	}
	return float64(r.InstructionsRetired) / r.WallTime.Seconds() / 1e6
}

// Benchmark defines a single benchmark program.
type Benchmark struct {
	// Name identifies the benchmark
	Name string

	// Description explains what the benchmark measures
	Description string

	// Setup prepares the emulator state (e.g., initialize registers, memory)
	Setup func(regFile *emu.RegFile, bus *emu.Bus)

	// Program is the x86-64 machine code to execute. It is loaded at
	// CodeBase and ends with int3.
	Program []byte

	// ExpectedExit is the expected value of rax at the int3
	ExpectedExit int64
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// EnableDecodeCache routes instruction fetch through the decode cache
	EnableDecodeCache bool

	// DecodeCache is the cache geometry used when enabled
	DecodeCache cache.Config

	// StepLimit bounds each run. Zero means no limit.
	StepLimit uint64

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Verbose enables detailed output
	Verbose bool
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		EnableDecodeCache: true,
		DecodeCache:       cache.DefaultConfig(),
		StepLimit:         10_000_000,
		Output:            os.Stdout,
	}
}

// Harness runs benchmarks and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Harness{
		config:     config,
		benchmarks: []Benchmark{},
	}
}

// AddBenchmark adds a benchmark to the harness.
func (h *Harness) AddBenchmark(b Benchmark) {
	h.benchmarks = append(h.benchmarks, b)
}

// AddBenchmarks adds multiple benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll executes all benchmarks and returns results.
func (h *Harness) RunAll() []BenchmarkResult {
	results := make([]BenchmarkResult, 0, len(h.benchmarks))

	for _, bench := range h.benchmarks {
		result := h.runBenchmark(bench)
		if h.config.Verbose {
			_, _ = fmt.Fprintf(h.config.Output, "ran %s: %d instructions in %v\n",
				result.Name, result.InstructionsRetired, result.WallTime)
		}
		results = append(results, result)
	}

	return results
}

// NewMachine maps a benchmark program, a zeroed data region and a stack onto
// a fresh bus and returns an emulator positioned at CodeBase.
func NewMachine(program []byte, opts ...emu.EmulatorOption) (*emu.Emulator, error) {
	bus := emu.NewBus()

	text := emu.NewRegion(CodeBase, len(program))
	copy(text.Data, program)
	text.Executable = true
	text.Module = "bench"
	for _, r := range []*emu.Region{text, emu.NewRegion(DataBase, DataSize), emu.NewRegion(StackBase, StackSize)} {
		if err := bus.AddRegion(r); err != nil {
			return nil, err
		}
	}

	base := []emu.EmulatorOption{
		emu.WithStackPointer(StackTop),
		emu.WithEntry(CodeBase),
		emu.WithTrapHandler(emu.StopTrapHandler{}),
	}
	return emu.NewEmulator(bus, append(base, opts...)...), nil
}

// runBenchmark executes a single benchmark.
func (h *Harness) runBenchmark(bench Benchmark) BenchmarkResult {
	result := BenchmarkResult{
		Name:        bench.Name,
		Description: bench.Description,
	}

	var opts []emu.EmulatorOption
	if h.config.StepLimit > 0 {
		opts = append(opts, emu.WithStepLimit(h.config.StepLimit))
	}
	if h.config.EnableDecodeCache {
		opts = append(opts, emu.WithDecodeCache(h.config.DecodeCache))
	}

	e, err := NewMachine(bench.Program, opts...)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if bench.Setup != nil {
		bench.Setup(e.RegFile(), e.Bus())
	}

	// Run and measure time
	start := time.Now()
	retired, err := e.Run()
	result.WallTime = time.Since(start)

	result.InstructionsRetired = retired
	result.ExitCode = int64(e.RegFile().ReadReg(insts.RAX))
	if err != nil {
		result.Error = err.Error()
		if errors.Is(err, emu.ErrStepLimit) {
			log.Warn(log.CLI, "benchmark hit the step limit", "name", bench.Name)
		}
	}
	result.Passed = err == nil && result.ExitCode == bench.ExpectedExit

	if c := e.DecodeCache(); c != nil {
		stats := c.Stats()
		result.DecodeCacheHits = stats.Hits
		result.DecodeCacheMisses = stats.Misses
	}

	return result
}

// PrintResults outputs benchmark results in a human-readable format.
func (h *Harness) PrintResults(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output, "=== x64emu Benchmark Results ===")
	_, _ = fmt.Fprintln(h.config.Output, "")

	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		_, _ = fmt.Fprintf(h.config.Output, "Benchmark: %s [%s]\n", r.Name, status)
		_, _ = fmt.Fprintf(h.config.Output, "  Description: %s\n", r.Description)
		_, _ = fmt.Fprintf(h.config.Output, "  Exit Code: %d\n", r.ExitCode)
		if r.Error != "" {
			_, _ = fmt.Fprintf(h.config.Output, "  Error: %s\n", r.Error)
		}
		_, _ = fmt.Fprintf(h.config.Output, "  Instructions Retired: %d\n", r.InstructionsRetired)
		_, _ = fmt.Fprintf(h.config.Output, "  MIPS:                 %.2f\n", r.MIPS())

		if r.DecodeCacheHits > 0 || r.DecodeCacheMisses > 0 {
			_, _ = fmt.Fprintln(h.config.Output, "  --- Decode Cache ---")
			_, _ = fmt.Fprintf(h.config.Output, "  Hits:   %d\n", r.DecodeCacheHits)
			_, _ = fmt.Fprintf(h.config.Output, "  Misses: %d\n", r.DecodeCacheMisses)
		}

		_, _ = fmt.Fprintf(h.config.Output, "  Wall Time: %v\n", r.WallTime)
		_, _ = fmt.Fprintln(h.config.Output, "")
	}
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,instructions,exit_code,passed,decode_cache_hits,decode_cache_misses,wall_time_ns")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%t,%d,%d,%d\n",
			r.Name,
			r.InstructionsRetired,
			r.ExitCode,
			r.Passed,
			r.DecodeCacheHits,
			r.DecodeCacheMisses,
			r.WallTime.Nanoseconds(),
		)
	}
}

// BenchmarkReport is the complete output format for benchmark results.
type BenchmarkReport struct {
	// Metadata about the benchmark run
	Metadata ReportMetadata `json:"metadata"`

	// Results is the list of individual benchmark results
	Results []BenchmarkResult `json:"results"`

	// Summary contains aggregate statistics
	Summary ReportSummary `json:"summary"`
}

// ReportMetadata contains information about the benchmark run.
type ReportMetadata struct {
	// Timestamp when the benchmark was run
	Timestamp string `json:"timestamp"`

	// Config describes the benchmark configuration
	Config BenchmarkConfig `json:"config"`
}

// BenchmarkConfig describes the harness configuration used.
type BenchmarkConfig struct {
	DecodeCacheEnabled bool   `json:"decode_cache_enabled"`
	StepLimit          uint64 `json:"step_limit"`
}

// ReportSummary contains aggregate statistics across all benchmarks.
type ReportSummary struct {
	// TotalBenchmarks is the number of benchmarks run
	TotalBenchmarks int `json:"total_benchmarks"`

	// Passed is the number of benchmarks that stopped with the expected exit
	Passed int `json:"passed"`

	// TotalInstructions is the sum of all instructions retired
	TotalInstructions uint64 `json:"total_instructions"`

	// TotalWallTime is the total wall clock time for all benchmarks
	TotalWallTime time.Duration `json:"total_wall_time_ns"`
}

// PrintJSON outputs benchmark results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	summary := ReportSummary{TotalBenchmarks: len(results)}
	for _, r := range results {
		summary.TotalInstructions += r.InstructionsRetired
		summary.TotalWallTime += r.WallTime
		if r.Passed {
			summary.Passed++
		}
	}

	report := BenchmarkReport{
		Metadata: ReportMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Config: BenchmarkConfig{
				DecodeCacheEnabled: h.config.EnableDecodeCache,
				StepLimit:          h.config.StepLimit,
			},
		},
		Results: results,
		Summary: summary,
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
