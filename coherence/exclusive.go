package coherence

import (
	"fmt"

	"github.com/comparch-security/cache-model-new/cache"
)

// ExclusivePolicy is the LLC-side inclusive-exclusive bridge: lines may
// live only in inner levels, so probes may need transient metadata and
// inner releases re-install lines locally.
type ExclusivePolicy interface {
	Policy

	// ProbeNeedCreate returns metadata to probe against, allocating a
	// transient entry when the line has no local one.
	ProbeNeedCreate(meta *cache.Meta) (*cache.Meta, bool)
	// MetaAfterRelease installs an inner release into local metadata.
	MetaAfterRelease(cmd Cmd, mmeta, meta *cache.Meta, addr uint64, dirty bool)
	// ReleaseNeedProbe decides whether the releasing inner cache must be
	// probed.
	ReleaseNeedProbe(cmd Cmd, meta *cache.Meta) (bool, Cmd)
	// InnerNeedRelease reports that inner evictions must be released to
	// this cache.
	InnerNeedRelease() (bool, Cmd)
	// NeedWriteback reports whether the line's data must be written
	// back.
	NeedWriteback(meta *cache.Meta) bool
}

// ExclusiveMSIPolicy is the MSI policy variant for an exclusive
// lower-level cache. It is never an L1.
type ExclusiveMSIPolicy struct {
	MSIPolicy
	metaGeo cache.MetaGeometry
	dirCap  bool
}

// NewExclusiveMSIPolicy returns the exclusive variant. The geometry
// describes the transient metadata entries allocated for probes.
func NewExclusiveMSIPolicy(isLLC bool, geo cache.MetaGeometry, directoryCapable bool) (*ExclusiveMSIPolicy, error) {
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("exclusive msi: %w", err)
	}
	return &ExclusiveMSIPolicy{
		MSIPolicy: MSIPolicy{isL1: false, isLLC: isLLC},
		metaGeo:   geo,
		dirCap:    directoryCapable,
	}, nil
}

func (p *ExclusiveMSIPolicy) ProbeNeedCreate(meta *cache.Meta) (*cache.Meta, bool) {
	if meta != nil {
		return meta, false
	}
	m, err := cache.NewMeta(p.metaGeo, p.dirCap)
	if err != nil {
		panic(fmt.Sprintf("exclusive msi: transient metadata: %v", err))
	}
	return m, true
}

// MetaAfterRelease moves a released line from the directory entry (if
// any) into the cache entry. The Shared-with-no-owner transition mirrors
// the original protocol; its sharer accounting is under review upstream.
func (p *ExclusiveMSIPolicy) MetaAfterRelease(cmd Cmd, mmeta, meta *cache.Meta, addr uint64, dirty bool) {
	if meta != nil {
		if meta.IsDirty() {
			panic("exclusive msi: directory entry dirty at release")
		}
		meta.ToInvalid()
	}
	mmeta.Init(addr)
	mmeta.ToShared(BroadcastID)
	if dirty {
		mmeta.ToDirty()
	}
}

func (p *ExclusiveMSIPolicy) ReleaseNeedProbe(cmd Cmd, meta *cache.Meta) (bool, Cmd) {
	if !IsRelease(cmd) {
		panic(fmt.Sprintf("exclusive msi: release probe consulted for non-release %+v", cmd))
	}
	return true, Cmd{cmd.ID, MsgProbe, ActEvict}
}

func (p *ExclusiveMSIPolicy) InnerNeedRelease() (bool, Cmd) {
	return true, CmdForRelease()
}

func (p *ExclusiveMSIPolicy) NeedWriteback(meta *cache.Meta) bool {
	return true
}
