package coherence

import (
	"fmt"

	"github.com/comparch-security/cache-model-new/cache"
)

// Policy makes the per-event coherence decisions. Policies hold no mutable
// state; every decision depends only on the command and metadata passed
// in, and the MetaAfter* methods update only the metadata they are given.
type Policy interface {
	IsL1() bool
	IsLLC() bool

	// CmdForOuterAcquire translates an inner acquire into the acquire
	// sent outward on a miss.
	CmdForOuterAcquire(cmd Cmd) Cmd
	// CmdForOuterFlush translates an inner flush into the flush sent
	// outward.
	CmdForOuterFlush(cmd Cmd) Cmd

	// AcquireNeedSync decides whether serving an inner acquire requires
	// probing the other inner caches first.
	AcquireNeedSync(cmd Cmd, meta *cache.Meta) (bool, Cmd)
	// AcquireNeedPromote decides whether a write acquire on a Shared
	// copy must fetch a Modified copy from outside.
	AcquireNeedPromote(cmd Cmd, meta *cache.Meta) (bool, Cmd)

	// ProbeNeedSync decides whether an outer probe must propagate to the
	// inner caches.
	ProbeNeedSync(outerCmd Cmd, meta *cache.Meta) (bool, Cmd)
	// ProbeNeedProbe decides whether a probe being fanned out must reach
	// the given inner cache.
	ProbeNeedProbe(cmd Cmd, meta *cache.Meta, targetInnerID int32) (bool, Cmd)
	// ProbeNeedWriteback decides whether a probed line must return its
	// data.
	ProbeNeedWriteback(outerCmd Cmd, meta *cache.Meta) (bool, Cmd)

	// WritebackNeedSync decides whether evicting a line requires probing
	// the inner caches.
	WritebackNeedSync(meta *cache.Meta) (bool, Cmd)
	// FlushNeedSync decides whether a flush requires probing the inner
	// caches.
	FlushNeedSync(cmd Cmd, meta *cache.Meta) (bool, Cmd)

	// MetaAfterProbeAck updates local metadata after an inner cache
	// acknowledged a probe.
	MetaAfterProbeAck(cmd Cmd, meta *cache.Meta, innerID int32)
	// MetaAfterFetch updates local metadata after a fetch from outside.
	MetaAfterFetch(outerCmd Cmd, meta *cache.Meta, addr uint64)
	// MetaAfterGrant updates local metadata after granting a copy to the
	// requesting inner cache.
	MetaAfterGrant(cmd Cmd, meta *cache.Meta)
}

// MSIPolicy is the three-state Modified/Shared/Invalid policy,
// parameterised by the cache's position in the hierarchy.
type MSIPolicy struct {
	isL1  bool
	isLLC bool
}

// NewMSIPolicy returns an MSI policy for a cache at the given position.
func NewMSIPolicy(isL1, isLLC bool) *MSIPolicy {
	return &MSIPolicy{isL1: isL1, isLLC: isLLC}
}

func (p *MSIPolicy) IsL1() bool  { return p.isL1 }
func (p *MSIPolicy) IsLLC() bool { return p.isLLC }

func (p *MSIPolicy) CmdForOuterAcquire(cmd Cmd) Cmd {
	if !IsAcquire(cmd) {
		panic(fmt.Sprintf("msi: outer acquire derived from non-acquire %+v", cmd))
	}
	if IsFetchWrite(cmd) {
		return CmdForWrite()
	}
	return CmdForRead()
}

func (p *MSIPolicy) CmdForOuterFlush(cmd Cmd) Cmd {
	if !IsFlush(cmd) {
		panic(fmt.Sprintf("msi: outer flush derived from non-flush %+v", cmd))
	}
	if IsEvict(cmd) {
		return CmdForFlush()
	}
	return CmdForWriteback()
}

// needSync probes the inner caches with a writeback probe when an inner
// level may hold a newer copy.
func (p *MSIPolicy) needSync(meta *cache.Meta, id int32) (bool, Cmd) {
	if meta != nil && meta.IsModified() {
		return true, Cmd{id, MsgProbe, ActWriteback}
	}
	return false, NilCmd
}

func (p *MSIPolicy) AcquireNeedSync(cmd Cmd, meta *cache.Meta) (bool, Cmd) {
	if p.isL1 {
		return false, NilCmd
	}
	if !IsAcquire(cmd) {
		panic(fmt.Sprintf("msi: acquire sync consulted for non-acquire %+v", cmd))
	}
	if IsFetchWrite(cmd) {
		return true, Cmd{cmd.ID, MsgProbe, ActEvict}
	}
	return p.needSync(meta, cmd.ID)
}

func (p *MSIPolicy) AcquireNeedPromote(cmd Cmd, meta *cache.Meta) (bool, Cmd) {
	if p.isLLC {
		return false, NilCmd
	}
	if !IsAcquire(cmd) {
		panic(fmt.Sprintf("msi: promote consulted for non-acquire %+v", cmd))
	}
	if IsFetchWrite(cmd) && !meta.IsModified() {
		return true, CmdForWrite()
	}
	return false, NilCmd
}

func (p *MSIPolicy) ProbeNeedSync(outerCmd Cmd, meta *cache.Meta) (bool, Cmd) {
	if p.isL1 {
		return false, NilCmd
	}
	if !IsProbe(outerCmd) {
		panic(fmt.Sprintf("msi: probe sync consulted for non-probe %+v", outerCmd))
	}
	if IsEvict(outerCmd) {
		return true, Cmd{BroadcastID, MsgProbe, ActEvict}
	}
	return p.needSync(meta, BroadcastID)
}

func (p *MSIPolicy) ProbeNeedProbe(cmd Cmd, meta *cache.Meta, targetInnerID int32) (bool, Cmd) {
	if !IsProbe(cmd) {
		panic(fmt.Sprintf("msi: probe fan-out consulted for non-probe %+v", cmd))
	}
	if (IsEvict(cmd) && meta.EvictNeedProbe(targetInnerID, cmd.ID)) ||
		(IsWriteback(cmd) && meta.WritebackNeedProbe(targetInnerID, cmd.ID)) {
		cmd.ID = BroadcastID
		return true, cmd
	}
	return false, NilCmd
}

func (p *MSIPolicy) ProbeNeedWriteback(outerCmd Cmd, meta *cache.Meta) (bool, Cmd) {
	if !IsProbe(outerCmd) {
		panic(fmt.Sprintf("msi: probe writeback consulted for non-probe %+v", outerCmd))
	}
	if meta.IsDirty() {
		return true, CmdForReleaseWriteback()
	}
	return false, NilCmd
}

func (p *MSIPolicy) WritebackNeedSync(meta *cache.Meta) (bool, Cmd) {
	if p.isL1 {
		return false, NilCmd
	}
	return true, Cmd{BroadcastID, MsgProbe, ActEvict}
}

func (p *MSIPolicy) FlushNeedSync(cmd Cmd, meta *cache.Meta) (bool, Cmd) {
	if !p.isLLC {
		return false, NilCmd
	}
	if !IsFlush(cmd) {
		panic(fmt.Sprintf("msi: flush sync consulted for non-flush %+v", cmd))
	}
	if IsEvict(cmd) {
		return true, Cmd{BroadcastID, MsgProbe, ActEvict}
	}
	return p.needSync(meta, BroadcastID)
}

func (p *MSIPolicy) MetaAfterProbeAck(cmd Cmd, meta *cache.Meta, innerID int32) {
	if !IsProbe(cmd) {
		panic(fmt.Sprintf("msi: probe ack for non-probe %+v", cmd))
	}
	if IsEvict(cmd) {
		if meta.IsDirectory() {
			meta.Sync(innerID)
		} else {
			meta.ToShared(BroadcastID)
		}
		return
	}
	meta.ToShared(innerID)
}

func (p *MSIPolicy) MetaAfterFetch(outerCmd Cmd, meta *cache.Meta, addr uint64) {
	meta.Init(addr)
	if IsFetchRead(outerCmd) {
		meta.ToShared(BroadcastID)
	} else {
		meta.ToModified(BroadcastID)
	}
}

func (p *MSIPolicy) MetaAfterGrant(cmd Cmd, meta *cache.Meta) {
	if IsFetchWrite(cmd) {
		meta.ToModified(cmd.ID)
	} else {
		meta.ToShared(cmd.ID)
	}
}
