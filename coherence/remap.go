package coherence

import (
	"fmt"

	"github.com/comparch-security/cache-model-new/cache"
	"github.com/comparch-security/cache-model-new/monitor"
	"github.com/comparch-security/cache-model-new/replacer"
)

// InnerCohPortRemap extends the inner port with the remap protocol: at
// every end-of-transaction it asks the monitors whether a remap is due
// and, if so, runs the full relocation sweep before acknowledging them.
type InnerCohPortRemap struct {
	*InnerCohPort
	rc        *cache.Remap
	remapFlag bool
}

// finishResp queries the monitors through the magic side-channel and runs
// a requested remap to completion.
func (rp *InnerCohPortRemap) finishResp(addr uint64, outerCmd Cmd) {
	c := rp.cc.cache
	c.Monitors().MagicFunc(c.ID(), addr, monitor.MagicIDRemapAsk, &rp.remapFlag)
	if rp.remapFlag {
		rp.Remap()
		c.Monitors().MagicFunc(c.ID(), addr, monitor.MagicIDRemapEnd, nil)
		rp.remapFlag = false
	}
	rp.InnerCohPort.finishResp(addr, outerCmd)
}

// Remap rotates the cache's indexing function, relocating every live line
// to its home under the next indexer. The sweep is stop-the-world: no
// other cache operation interleaves.
func (rp *InnerCohPortRemap) Remap() {
	nP, nset, nway := rp.rc.Size()
	rp.rc.RemapStart()
	for p := 0; p < nP; p++ {
		for s := 0; s < nset; s++ {
			for w := 0; w < nway; w++ {
				rp.relocationChain(uint32(p), uint32(s), uint32(w))
			}
			rp.rc.MoveRemapPointer(uint32(p))
		}
	}
	rp.rc.RemapEnd()
}

// relocation places the line held in the scratch buffers at its home
// under the next indexer, displacing whatever lives there. It returns the
// address of the displaced line, which continues the chain.
func (rp *InnerCohPortRemap) relocation(cMeta *cache.Meta, cData *cache.DataBlock, cAddr uint64) uint64 {
	rc := rp.rc
	p, s, w, err := rc.Replace(cAddr, cache.GenreRelocate)
	if err != nil {
		panic(fmt.Sprintf("coherence: cache %q: %v", rc.Name(), err))
	}
	mMeta, mData := rc.AccessLine(p, s, w)
	mAddr := mMeta.Addr(s)
	if mMeta.IsValid() {
		if mMeta.IsRelocated() {
			var lat uint64
			rp.evict(mMeta, mData, p, s, w, &lat)
		} else {
			rc.ReplaceManage(p, s, w, true, replacer.KindRelease)
		}
	}
	rc.Swap(mMeta, cMeta, mData, cData)
	rc.ReplaceRead(p, s, w, false)
	mMeta.ToRelocated()
	return mAddr
}

// relocationChain evacuates the line at (p, s, w) and follows the cascade
// of displacements until a hole absorbs it.
func (rp *InnerCohPortRemap) relocationChain(p, s, w uint32) {
	rc := rp.rc
	meta, data := rc.AccessLine(p, s, w)
	if !meta.IsValid() || meta.IsRelocated() {
		return
	}
	cAddr := meta.Addr(s)
	cMeta := rc.MetaCopyBuffer()
	var cData *cache.DataBlock
	if data != nil {
		cData = rc.DataCopyBuffer()
	}
	rc.Relocate(meta, cMeta, data, cData)
	meta.ToRelocated()
	rc.ReplaceManage(p, s, w, true, replacer.KindRelease)

	for cMeta.IsValid() {
		cAddr = rp.relocation(cMeta, cData, cAddr)
	}

	rc.MetaReturnBuffer(cMeta)
	rc.DataReturnBuffer(cData)
}
