// Package baseline models a conventional set-associative cache on the
// Akita cache components. It serves as the un-randomized reference the
// skewed remap hierarchy is compared against.
package baseline

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/comparch-security/cache-model-new/memory"
)

// Config describes a baseline cache.
type Config struct {
	// Size in bytes.
	Size int
	// Associativity is the number of ways.
	Associativity int
	// BlockSize in bytes.
	BlockSize int
	// HitLatency in cycles.
	HitLatency uint64
	// MissLatency in cycles, including the backing access.
	MissLatency uint64
}

// DefaultConfig returns a small L2-like configuration.
func DefaultConfig() Config {
	return Config{
		Size:          256 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    3,
		MissLatency:   40,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Size <= 0 || c.Associativity <= 0 || c.BlockSize <= 0 {
		return fmt.Errorf("baseline: size, associativity, and block size must be positive")
	}
	if c.Size%(c.Associativity*c.BlockSize) != 0 {
		return fmt.Errorf("baseline: size %d is not a whole number of sets", c.Size)
	}
	return nil
}

// Stats holds access statistics.
type Stats struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// AccessResult reports the outcome of one access.
type AccessResult struct {
	Hit     bool
	Latency uint64
	Data    uint64
}

// Model is a write-back, write-allocate cache whose tag and replacement
// state live in an Akita cache directory.
type Model struct {
	config    Config
	directory *akitacache.DirectoryImpl
	dataStore [][]byte
	backing   *memory.Memory
	stats     Stats
}

// New builds a baseline cache over the given backing memory.
func New(config Config, backing *memory.Memory) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	numSets := config.Size / (config.Associativity * config.BlockSize)
	totalBlocks := numSets * config.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, config.BlockSize)
	}

	return &Model{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
		backing:   backing,
	}, nil
}

// Config returns the cache configuration.
func (m *Model) Config() Config { return m.config }

// Stats returns the accumulated statistics.
func (m *Model) Stats() Stats { return m.stats }

// ResetStats clears the statistics.
func (m *Model) ResetStats() { m.stats = Stats{} }

func (m *Model) blockIndex(block *akitacache.Block) int {
	return block.SetID*m.config.Associativity + block.WayID
}

func (m *Model) blockAddr(addr uint64) uint64 {
	return addr / uint64(m.config.BlockSize) * uint64(m.config.BlockSize)
}

// Read performs a read of the word at addr.
func (m *Model) Read(addr uint64) AccessResult {
	m.stats.Reads++

	blockAddr := m.blockAddr(addr)
	block := m.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		m.stats.Hits++
		m.directory.Visit(block)
		data := m.dataStore[m.blockIndex(block)]
		return AccessResult{
			Hit:     true,
			Latency: m.config.HitLatency,
			Data:    word(data, addr%uint64(m.config.BlockSize)),
		}
	}

	m.stats.Misses++
	return m.handleMiss(addr, false, 0)
}

// Write performs a write-allocate store of a word at addr.
func (m *Model) Write(addr, value uint64) AccessResult {
	m.stats.Writes++

	blockAddr := m.blockAddr(addr)
	block := m.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		m.stats.Hits++
		m.directory.Visit(block)
		data := m.dataStore[m.blockIndex(block)]
		putWord(data, addr%uint64(m.config.BlockSize), value)
		block.IsDirty = true
		return AccessResult{Hit: true, Latency: m.config.HitLatency}
	}

	m.stats.Misses++
	result := m.handleMiss(addr, true, value)
	return result
}

func (m *Model) handleMiss(addr uint64, isWrite bool, writeData uint64) AccessResult {
	result := AccessResult{Latency: m.config.MissLatency}
	blockAddr := m.blockAddr(addr)

	victim := m.directory.FindVictim(blockAddr)
	if victim == nil {
		panic("baseline: directory returned no victim")
	}
	victimData := m.dataStore[m.blockIndex(victim)]

	if victim.IsValid {
		m.stats.Evictions++
		if victim.IsDirty && m.backing != nil {
			m.stats.Writebacks++
			m.backing.WriteBlock(victim.Tag, victimData)
		}
	}

	if m.backing != nil {
		m.backing.ReadBlock(blockAddr, victimData)
	} else {
		clear(victimData)
	}

	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = false

	offset := addr % uint64(m.config.BlockSize)
	if isWrite {
		putWord(victimData, offset, writeData)
		victim.IsDirty = true
	} else {
		result.Data = word(victimData, offset)
	}

	m.directory.Visit(victim)
	return result
}

// Invalidate drops addr's line without writeback.
func (m *Model) Invalidate(addr uint64) {
	block := m.directory.Lookup(0, m.blockAddr(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
		block.IsDirty = false
	}
}

// Flush writes back every dirty line and invalidates the whole cache.
func (m *Model) Flush() {
	for _, set := range m.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty && m.backing != nil {
				m.backing.WriteBlock(block.Tag, m.dataStore[m.blockIndex(block)])
				m.stats.Writebacks++
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
}

// Reset invalidates everything without writeback and clears statistics.
func (m *Model) Reset() {
	m.directory.Reset()
	m.stats = Stats{}
}

func word(data []byte, offset uint64) uint64 {
	var v uint64
	for i := 0; i < 8 && int(offset)+i < len(data); i++ {
		v |= uint64(data[int(offset)+i]) << (i * 8)
	}
	return v
}

func putWord(data []byte, offset uint64, v uint64) {
	for i := 0; i < 8 && int(offset)+i < len(data); i++ {
		data[int(offset)+i] = byte(v >> (i * 8))
	}
}
