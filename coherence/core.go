package coherence

import (
	"github.com/comparch-security/cache-model-new/cache"
	"github.com/comparch-security/cache-model-new/monitor"
	"github.com/comparch-security/cache-model-new/pfc"
)

// AccessResult reports the outcome of one core access.
type AccessResult struct {
	// Hit reports an L1 hit.
	Hit bool
	// Cycles is the accumulated latency of the whole transaction.
	Cycles uint64
	// Data is the word read (for loads and counter queries).
	Data uint64
}

// CoreInterface is the front door of one L1 cache. It issues coherence
// transactions for loads and stores and intercepts the reserved
// performance-counter address range.
type CoreInterface struct {
	l1  *CoherentCache
	buf cache.DataBlock

	pfcSets    []*monitor.Set
	pfcQueries map[uint64]func() uint64
}

// NewCoreInterface returns a core front-end over the given L1 node.
func NewCoreInterface(l1 *CoherentCache) *CoreInterface {
	return &CoreInterface{l1: l1, pfcQueries: make(map[uint64]func() uint64)}
}

// AttachPFCTarget registers a monitor set controlled by the PFC
// start/stop commands.
func (ci *CoreInterface) AttachPFCTarget(s *monitor.Set) {
	ci.pfcSets = append(ci.pfcSets, s)
}

// RegisterPFCQuery maps a counter identifier to a value source.
func (ci *CoreInterface) RegisterPFCQuery(id uint64, f func() uint64) {
	ci.pfcQueries[id] = f
}

func (ci *CoreInterface) handlePFC(addr uint64) AccessResult {
	op, id, target := pfc.Decode(addr)
	switch op {
	case pfc.OpStart:
		for _, s := range ci.pfcSets {
			s.Resume()
		}
	case pfc.OpStop:
		for _, s := range ci.pfcSets {
			s.Pause()
		}
	case pfc.OpQuery:
		if f, ok := ci.pfcQueries[id]; ok {
			return AccessResult{Data: f()}
		}
	case pfc.OpFlush:
		return ci.Flush(target)
	}
	return AccessResult{}
}

// Read loads the word at addr through the hierarchy.
func (ci *CoreInterface) Read(addr uint64) AccessResult {
	if pfc.IsCommand(addr) {
		return ci.handlePFC(addr)
	}
	var lat uint64
	hit := ci.l1.inner.AcquireResp(addr, &ci.buf, CmdForRead(), &lat)
	ci.l1.inner.FinishResp(addr, CmdForRead())
	return AccessResult{Hit: hit, Cycles: lat, Data: ci.buf.Read64(addr % cache.BlockSize)}
}

// Write stores a word at addr through the hierarchy, acquiring the line
// for writing first.
func (ci *CoreInterface) Write(addr, value uint64) AccessResult {
	if pfc.IsCommand(addr) {
		return ci.handlePFC(addr)
	}
	var lat uint64
	hit := ci.l1.inner.AcquireResp(addr, &ci.buf, CmdForWrite(), &lat)

	p, s, w, ok := ci.l1.cache.Hit(addr)
	if !ok {
		panic("coherence: acquired line vanished before write")
	}
	meta, data := ci.l1.cache.AccessLine(p, s, w)
	if data != nil {
		data.Write64(addr%cache.BlockSize, value)
	}
	meta.ToDirty()

	ci.l1.inner.FinishResp(addr, CmdForWrite())
	return AccessResult{Hit: hit, Cycles: lat}
}

// Flush removes addr's line from the whole hierarchy, writing dirty data
// back to memory.
func (ci *CoreInterface) Flush(addr uint64) AccessResult {
	var lat uint64
	ci.l1.inner.FlushResp(addr, CmdForFlush(), &lat)
	ci.l1.inner.FinishResp(addr, CmdForFlush())
	return AccessResult{Cycles: lat}
}
