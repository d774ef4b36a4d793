// Package cache provides a decoded-instruction cache built on Akita cache
// components.
package cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/x64emu/insts"
)

// Config holds cache geometry parameters.
type Config struct {
	// Sets is the number of sets in the directory.
	Sets int
	// Ways is the associativity.
	Ways int
	// LineSize is the number of code bytes covered by one line.
	LineSize int
}

// DefaultConfig returns 64 sets of 4 ways with 64-byte lines.
func DefaultConfig() Config {
	return Config{
		Sets:     64,
		Ways:     4,
		LineSize: 64,
	}
}

// Fetcher decodes the instruction at an address on a miss.
type Fetcher interface {
	Fetch(addr uint64) (insts.Instruction, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(addr uint64) (insts.Instruction, error)

// Fetch calls f(addr).
func (f FetcherFunc) Fetch(addr uint64) (insts.Instruction, error) {
	return f(addr)
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Lookups       uint64
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
}

// Cache keeps decoded instructions keyed by the line holding their first
// byte. A line is filled lazily, one instruction start at a time.
type Cache struct {
	config Config

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	// Decoded instructions, indexed by (setID * ways + wayID)
	lines []map[uint64]insts.Instruction

	stats   Statistics
	fetcher Fetcher
}

// New creates a new cache with the given configuration.
func New(config Config, fetcher Fetcher) *Cache {
	total := config.Sets * config.Ways
	lines := make([]map[uint64]insts.Instruction, total)
	for i := range lines {
		lines[i] = make(map[uint64]insts.Instruction)
	}

	return &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			config.LineSize,
			akitacache.NewLRUVictimFinder(),
		),
		lines:   lines,
		fetcher: fetcher,
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

func (c *Cache) lineIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Ways + block.WayID
}

func (c *Cache) lineAddr(addr uint64) uint64 {
	return addr / uint64(c.config.LineSize) * uint64(c.config.LineSize)
}

// Fetch returns the instruction at addr, decoding it through the fetcher on
// a miss. Fetch errors are returned as-is and nothing is cached.
func (c *Cache) Fetch(addr uint64) (insts.Instruction, error) {
	c.stats.Lookups++

	lineAddr := c.lineAddr(addr)
	block := c.directory.Lookup(0, lineAddr)
	if block != nil && block.IsValid {
		c.directory.Visit(block)
		if inst, ok := c.lines[c.lineIndex(block)][addr]; ok {
			c.stats.Hits++
			return inst, nil
		}
	}

	c.stats.Misses++
	inst, err := c.fetcher.Fetch(addr)
	if err != nil {
		return inst, err
	}

	if block == nil || !block.IsValid {
		block = c.allocate(lineAddr)
		if block == nil {
			return inst, nil
		}
	}
	c.lines[c.lineIndex(block)][addr] = inst
	c.directory.Visit(block)
	return inst, nil
}

func (c *Cache) allocate(lineAddr uint64) *akitacache.Block {
	victim := c.directory.FindVictim(lineAddr)
	if victim == nil {
		return nil
	}
	if victim.IsValid {
		c.stats.Evictions++
	}
	clear(c.lines[c.lineIndex(victim)])
	victim.Tag = lineAddr
	victim.IsValid = true
	victim.IsDirty = false
	return victim
}

// Invalidate drops every line overlapping [addr, addr+n).
func (c *Cache) Invalidate(addr uint64, n int) {
	if n <= 0 {
		return
	}
	last := addr + uint64(n) - 1
	if last < addr {
		last = ^uint64(0)
	}

	for line := c.lineAddr(addr); line <= c.lineAddr(last); line += uint64(c.config.LineSize) {
		block := c.directory.Lookup(0, line)
		if block != nil && block.IsValid {
			block.IsValid = false
			clear(c.lines[c.lineIndex(block)])
			c.stats.Invalidations++
		}
		if line+uint64(c.config.LineSize) < line {
			break
		}
	}
}

// Reset invalidates all lines and clears statistics.
func (c *Cache) Reset() {
	c.directory.Reset()
	for _, l := range c.lines {
		clear(l)
	}
	c.stats = Statistics{}
}
