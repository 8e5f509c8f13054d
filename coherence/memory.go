package coherence

import (
	"github.com/comparch-security/cache-model-new/cache"
	"github.com/comparch-security/cache-model-new/latency"
	"github.com/comparch-security/cache-model-new/memory"
)

// MemoryPort terminates the hierarchy: every fetch succeeds and every
// writeback lands in the backing store.
type MemoryPort struct {
	store *memory.Memory
	delay latency.Model

	Reads      uint64
	Writebacks uint64
}

// NewMemoryPort returns a terminal port over the given store.
func NewMemoryPort(store *memory.Memory, dly latency.Model) *MemoryPort {
	if dly == nil {
		dly = latency.None{}
	}
	return &MemoryPort{store: store, delay: dly}
}

// Store returns the backing store.
func (m *MemoryPort) Store() *memory.Memory { return m.store }

func blockAddr(addr uint64) uint64 {
	return addr &^ uint64(cache.BlockSize-1)
}

func (m *MemoryPort) AcquireResp(addr uint64, data *cache.DataBlock, cmd Cmd, lat *uint64) bool {
	m.Reads++
	if data != nil && m.store != nil {
		base := blockAddr(addr)
		for i := range data {
			data[i] = m.store.Read64(base + uint64(i*8))
		}
	}
	*lat += m.delay.Access(false)
	return false
}

func (m *MemoryPort) WritebackResp(addr uint64, data *cache.DataBlock, cmd Cmd, dirty bool, lat *uint64) {
	if !dirty {
		return
	}
	m.Writebacks++
	if data != nil && m.store != nil {
		base := blockAddr(addr)
		for i := range data {
			m.store.Write64(base+uint64(i*8), data[i])
		}
	}
	*lat += m.delay.Writeback()
}

func (m *MemoryPort) FlushResp(addr uint64, cmd Cmd, lat *uint64) {}

func (m *MemoryPort) FinishResp(addr uint64, outerCmd Cmd) {}
