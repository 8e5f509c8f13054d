package coherence

import (
	"fmt"

	"github.com/comparch-security/cache-model-new/cache"
	"github.com/comparch-security/cache-model-new/latency"
	"github.com/comparch-security/cache-model-new/replacer"
)

// UpperPort is where an outer port sends requests: the inner port of the
// next level, or the terminal memory.
type UpperPort interface {
	// AcquireResp serves an acquire from below, filling data. It reports
	// whether the request hit locally.
	AcquireResp(addr uint64, data *cache.DataBlock, cmd Cmd, lat *uint64) bool
	// WritebackResp accepts released data/state from below.
	WritebackResp(addr uint64, data *cache.DataBlock, cmd Cmd, dirty bool, lat *uint64)
	// FlushResp serves a flush from below.
	FlushResp(addr uint64, cmd Cmd, lat *uint64)
	// FinishResp is the end-of-transaction hook.
	FinishResp(addr uint64, outerCmd Cmd)
}

// ClientPort is the downward-facing handle of an inner cache, used to
// deliver probes.
type ClientPort interface {
	// ProbeResp applies a probe, copying dirty data into dataOut when
	// the probe demands writeback.
	ProbeResp(addr uint64, cmd Cmd, dataOut *cache.DataBlock, lat *uint64) (hit, dirty bool)
}

// finisher lets a derived inner port override the end-of-transaction
// behavior reached through the base port.
type finisher interface {
	finishResp(addr uint64, outerCmd Cmd)
}

// CoherentCache couples one cache with its policy, ports, and delay
// model.
type CoherentCache struct {
	cache  cache.Cache
	policy Policy
	delay  latency.Model
	inner  *InnerCohPort
	outer  *OuterCohPort
}

// NewCoherentCache wires a cache and policy into a hierarchy node.
func NewCoherentCache(c cache.Cache, pol Policy, dly latency.Model) *CoherentCache {
	if dly == nil {
		dly = latency.None{}
	}
	cc := &CoherentCache{cache: c, policy: pol, delay: dly}
	cc.inner = &InnerCohPort{cc: cc}
	cc.inner.fin = cc.inner
	cc.outer = &OuterCohPort{cc: cc}
	return cc
}

// Cache returns the underlying cache.
func (cc *CoherentCache) Cache() cache.Cache { return cc.cache }

// Policy returns the node's policy.
func (cc *CoherentCache) Policy() Policy { return cc.policy }

// Inner returns the node's inner port.
func (cc *CoherentCache) Inner() *InnerCohPort { return cc.inner }

// Outer returns the node's outer port.
func (cc *CoherentCache) Outer() *OuterCohPort { return cc.outer }

// ConnectOuter attaches this node below the given parent node.
func (cc *CoherentCache) ConnectOuter(parent *CoherentCache) error {
	id, err := parent.inner.registerClient(cc.outer)
	if err != nil {
		return err
	}
	cc.outer.upper = parent.inner
	cc.outer.cohID = id
	if ex, ok := parent.policy.(ExclusivePolicy); ok {
		need, _ := ex.InnerNeedRelease()
		cc.outer.releaseToOuter = need
	}
	return nil
}

// ConnectMemory attaches this node directly above the terminal memory.
func (cc *CoherentCache) ConnectMemory(m *MemoryPort) {
	cc.outer.upper = m
	cc.outer.cohID = 0
}

// UseRemapPort swaps the node's end-of-transaction hook for the
// remap-capable one. The node's cache must be remap-capable.
func (cc *CoherentCache) UseRemapPort() (*InnerCohPortRemap, error) {
	rc, ok := cc.cache.(*cache.Remap)
	if !ok {
		return nil, fmt.Errorf("coherence: cache %q is not remap-capable", cc.cache.Name())
	}
	rp := &InnerCohPortRemap{InnerCohPort: cc.inner, rc: rc}
	cc.inner.fin = rp
	return rp, nil
}

// InnerCohPort receives acquire/release/flush requests from the inner
// side (a core or the outer ports of inner caches) and fans probes out to
// its clients.
type InnerCohPort struct {
	cc      *CoherentCache
	clients []ClientPort
	fin     finisher
}

func (ip *InnerCohPort) registerClient(c ClientPort) (int32, error) {
	if len(ip.clients) >= cache.MaxSharers {
		return 0, fmt.Errorf("coherence: cache %q exceeds %d inner ports",
			ip.cc.cache.Name(), cache.MaxSharers)
	}
	ip.clients = append(ip.clients, c)
	return int32(len(ip.clients) - 1), nil
}

// probeReq fans a probe out to every inner client the policy selects,
// folding acknowledgements back into meta.
func (ip *InnerCohPort) probeReq(addr uint64, meta *cache.Meta, data *cache.DataBlock, cmd Cmd, lat *uint64) bool {
	pol := ip.cc.policy
	probeHit := false
	for i, cl := range ip.clients {
		need, pcmd := pol.ProbeNeedProbe(cmd, meta, int32(i))
		if !need {
			continue
		}
		hit, dirty := cl.ProbeResp(addr, pcmd, data, lat)
		if !hit {
			continue
		}
		probeHit = true
		if dirty {
			meta.ToDirty()
		}
		pol.MetaAfterProbeAck(cmd, meta, int32(i))
	}
	return probeHit
}

// evict removes the line at (p, s, w), probing inner copies and writing
// dirty data outward.
func (ip *InnerCohPort) evict(meta *cache.Meta, data *cache.DataBlock, p, s, w uint32, lat *uint64) {
	c := ip.cc.cache
	pol := ip.cc.policy
	addr := meta.Addr(s)

	if need, syncCmd := pol.WritebackNeedSync(meta); need {
		ip.probeReq(addr, meta, data, syncCmd, lat)
	}
	if meta.IsDirty() {
		ip.cc.outer.WritebackReq(addr, data, CmdForRelease(), true, lat)
		meta.ToClean()
	} else if ip.needCleanRelease(meta) {
		ip.cc.outer.WritebackReq(addr, data, CmdForRelease(), false, lat)
	}
	// An exclusive outer level probes the releaser back, so the line may
	// already be gone here.
	if meta.IsValid() {
		c.HookInvalid(addr, p, s, w)
		meta.ToInvalid()
	}
	*lat += ip.cc.delay.Replace()
}

// needCleanRelease reports whether a clean eviction must still be
// released outward: either the outer level is exclusive and tracks lines
// through inner residency, or this cache's own policy demands writeback.
func (ip *InnerCohPort) needCleanRelease(meta *cache.Meta) bool {
	if ip.cc.outer.releaseToOuter {
		return true
	}
	if ex, ok := ip.cc.policy.(ExclusivePolicy); ok {
		return ex.NeedWriteback(meta)
	}
	return false
}

// AcquireResp serves an acquire: a hit may require syncing or promoting;
// a miss allocates a victim and fetches through the outer port.
func (ip *InnerCohPort) AcquireResp(addr uint64, dataInner *cache.DataBlock, cmd Cmd, lat *uint64) bool {
	c := ip.cc.cache
	pol := ip.cc.policy

	p, s, w, hit := c.Hit(addr)
	var meta *cache.Meta
	var data *cache.DataBlock
	if hit {
		meta, data = c.AccessLine(p, s, w)
		if need, syncCmd := pol.AcquireNeedSync(cmd, meta); need {
			ip.probeReq(addr, meta, data, syncCmd, lat)
		}
		if need, promoteCmd := pol.AcquireNeedPromote(cmd, meta); need {
			// A promote refetches the line; dirty data collected from a
			// demoted inner copy must reach the outer level first.
			if meta.IsDirty() {
				ip.cc.outer.WritebackReq(addr, data, CmdForReleaseWriteback(), true, lat)
				meta.ToClean()
			}
			ip.cc.outer.AcquireReq(addr, meta, data, promoteCmd, lat)
		}
	} else {
		var err error
		p, s, w, err = c.Replace(addr, cache.GenreNormal)
		if err != nil {
			panic(fmt.Sprintf("coherence: cache %q: %v", c.Name(), err))
		}
		meta, data = c.AccessLine(p, s, w)
		if meta.IsValid() {
			ip.evict(meta, data, p, s, w, lat)
		}
		ip.cc.outer.AcquireReq(addr, meta, data, pol.CmdForOuterAcquire(cmd), lat)
	}

	pol.MetaAfterGrant(cmd, meta)
	if dataInner != nil && data != nil {
		dataInner.Copy(data)
	}
	c.ReplaceRead(p, s, w, !hit)
	if IsFetchWrite(cmd) {
		c.HookWrite(addr, p, s, w, hit)
	} else {
		c.HookRead(addr, p, s, w, hit)
	}
	*lat += ip.cc.delay.Access(hit)
	return hit
}

// WritebackResp accepts a release from an inner cache.
func (ip *InnerCohPort) WritebackResp(addr uint64, dataInner *cache.DataBlock, cmd Cmd, dirty bool, lat *uint64) {
	c := ip.cc.cache
	pol := ip.cc.policy

	p, s, w, hit := c.Hit(addr)

	if ex, ok := pol.(ExclusivePolicy); ok {
		ip.exclusiveRelease(ex, addr, dataInner, cmd, dirty, p, s, w, hit, lat)
		return
	}

	if !hit {
		// Inclusive hierarchies keep an outer copy of every inner line;
		// a missing one is a protocol violation.
		panic(fmt.Sprintf("coherence: cache %q: release for unknown line %#x", c.Name(), addr))
	}
	meta, data := c.AccessLine(p, s, w)
	if dirty {
		if dataInner != nil && data != nil {
			data.Copy(dataInner)
		}
		meta.ToDirty()
		c.HookWrite(addr, p, s, w, true)
	}
	if IsEvict(cmd) {
		meta.Sync(cmd.ID)
	}
	*lat += ip.cc.delay.Access(hit)
}

// exclusiveRelease installs a released line into an exclusive cache,
// allocating a local entry for it and probing the releaser's copy out.
func (ip *InnerCohPort) exclusiveRelease(ex ExclusivePolicy, addr uint64, dataInner *cache.DataBlock, cmd Cmd, dirty bool, p, s, w uint32, hit bool, lat *uint64) {
	c := ip.cc.cache

	if need, pcmd := ex.ReleaseNeedProbe(cmd, nil); need {
		if cmd.ID >= 0 && int(cmd.ID) < len(ip.clients) {
			pcmd.ID = BroadcastID
			ip.clients[cmd.ID].ProbeResp(addr, pcmd, dataInner, lat)
		}
	}

	var meta *cache.Meta
	var data *cache.DataBlock
	if hit {
		meta, data = c.AccessLine(p, s, w)
		// A copy collected from a demoted inner level may already be
		// dirty here; re-installing the line must not launder that away.
		dirty = dirty || meta.IsDirty()
		ex.MetaAfterRelease(cmd, meta, nil, addr, dirty)
	} else {
		var err error
		p, s, w, err = c.Replace(addr, cache.GenreNormal)
		if err != nil {
			panic(fmt.Sprintf("coherence: cache %q: %v", c.Name(), err))
		}
		meta, data = c.AccessLine(p, s, w)
		if meta.IsValid() {
			ip.evict(meta, data, p, s, w, lat)
		}
		ex.MetaAfterRelease(cmd, meta, nil, addr, dirty)
	}
	// The release carries the authoritative copy; a freshly allocated
	// entry has no data of its own even when the line is clean.
	if dataInner != nil && data != nil {
		data.Copy(dataInner)
	}
	c.ReplaceRead(p, s, w, !hit)
	*lat += ip.cc.delay.Access(hit)
}

// FlushResp serves a flush: dirty data is written outward and, for an
// evicting flush, the line is invalidated. Non-LLC caches forward the
// flush outward after handling their own copy.
func (ip *InnerCohPort) FlushResp(addr uint64, cmd Cmd, lat *uint64) {
	c := ip.cc.cache
	pol := ip.cc.policy

	p, s, w, hit := c.Hit(addr)
	if hit {
		meta, data := c.AccessLine(p, s, w)
		if need, syncCmd := pol.FlushNeedSync(cmd, meta); need {
			ip.probeReq(addr, meta, data, syncCmd, lat)
		}
		if meta.IsDirty() {
			ip.cc.outer.WritebackReq(addr, data, CmdForReleaseWriteback(), true, lat)
			meta.ToClean()
		}
		if IsEvict(cmd) {
			c.HookInvalid(addr, p, s, w)
			meta.ToInvalid()
			c.ReplaceManage(p, s, w, true, replacer.KindRelease)
		}
	}
	if !pol.IsLLC() {
		ip.cc.outer.FlushReq(addr, pol.CmdForOuterFlush(cmd), lat)
	}
	*lat += ip.cc.delay.Access(hit)
}

// FinishResp is the end-of-transaction hook. It dispatches to the node's
// installed finisher, so a remap port sees every transaction boundary.
func (ip *InnerCohPort) FinishResp(addr uint64, outerCmd Cmd) {
	ip.fin.finishResp(addr, outerCmd)
}

func (ip *InnerCohPort) finishResp(addr uint64, outerCmd Cmd) {}

// OuterCohPort forwards misses, writebacks, and flushes to the next level
// and receives probes from it.
type OuterCohPort struct {
	cc    *CoherentCache
	upper UpperPort
	cohID int32

	// releaseToOuter is set when the outer level's policy is exclusive:
	// clean evictions must be released outward, not silently dropped.
	releaseToOuter bool
}

// CohID returns the identifier this cache carries at its parent.
func (op *OuterCohPort) CohID() int32 { return op.cohID }

// AcquireReq fetches addr from the next level and installs the resulting
// state into meta.
func (op *OuterCohPort) AcquireReq(addr uint64, meta *cache.Meta, data *cache.DataBlock, cmd Cmd, lat *uint64) {
	if op.upper == nil {
		panic(fmt.Sprintf("coherence: cache %q has no outer connection", op.cc.cache.Name()))
	}
	cmd.ID = op.cohID
	op.upper.AcquireResp(addr, data, cmd, lat)
	op.cc.policy.MetaAfterFetch(cmd, meta, addr)
	op.upper.FinishResp(addr, cmd)
}

// WritebackReq releases a line to the next level.
func (op *OuterCohPort) WritebackReq(addr uint64, data *cache.DataBlock, cmd Cmd, dirty bool, lat *uint64) {
	if op.upper == nil {
		panic(fmt.Sprintf("coherence: cache %q has no outer connection", op.cc.cache.Name()))
	}
	cmd.ID = op.cohID
	op.upper.WritebackResp(addr, data, cmd, dirty, lat)
	*lat += op.cc.delay.Writeback()
}

// FlushReq forwards a flush to the next level.
func (op *OuterCohPort) FlushReq(addr uint64, cmd Cmd, lat *uint64) {
	if op.upper == nil {
		panic(fmt.Sprintf("coherence: cache %q has no outer connection", op.cc.cache.Name()))
	}
	cmd.ID = op.cohID
	op.upper.FlushResp(addr, cmd, lat)
}

// FinishReq signals end-of-transaction to the next level.
func (op *OuterCohPort) FinishReq(addr uint64, cmd Cmd) {
	if op.upper != nil {
		cmd.ID = op.cohID
		op.upper.FinishResp(addr, cmd)
	}
}

// ProbeResp applies a probe from the next level to this cache, forwarding
// it inward first when the policy demands.
func (op *OuterCohPort) ProbeResp(addr uint64, outerCmd Cmd, dataOut *cache.DataBlock, lat *uint64) (bool, bool) {
	c := op.cc.cache
	pol := op.cc.policy

	p, s, w, hit := c.Hit(addr)
	if !hit {
		// An exclusive cache may hold the line only in an inner level;
		// probe through a transient metadata entry.
		if ex, ok := pol.(ExclusivePolicy); ok {
			tmeta, created := ex.ProbeNeedCreate(nil)
			if created {
				if need, syncCmd := pol.ProbeNeedSync(outerCmd, tmeta); need {
					probeHit := op.cc.inner.probeReq(addr, tmeta, dataOut, syncCmd, lat)
					return probeHit, tmeta.IsDirty()
				}
			}
		}
		return false, false
	}
	meta, data := c.AccessLine(p, s, w)

	if need, syncCmd := pol.ProbeNeedSync(outerCmd, meta); need {
		op.cc.inner.probeReq(addr, meta, data, syncCmd, lat)
	}

	dirty := false
	if need, _ := pol.ProbeNeedWriteback(outerCmd, meta); need {
		dirty = true
		if dataOut != nil && data != nil {
			dataOut.Copy(data)
		}
		meta.ToClean()
	}

	if IsEvict(outerCmd) {
		c.HookInvalid(addr, p, s, w)
		meta.ToInvalid()
		c.ReplaceManage(p, s, w, true, replacer.KindRelease)
	} else {
		meta.ToShared(BroadcastID)
	}
	*lat += op.cc.delay.Access(true)
	return true, dirty
}
