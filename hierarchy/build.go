package hierarchy

import (
	"fmt"

	"github.com/rs/xid"

	"github.com/comparch-security/cache-model-new/cache"
	"github.com/comparch-security/cache-model-new/coherence"
	"github.com/comparch-security/cache-model-new/latency"
	"github.com/comparch-security/cache-model-new/memory"
	"github.com/comparch-security/cache-model-new/monitor"
	"github.com/comparch-security/cache-model-new/replacer"
)

// Node is one built cache with its bookkeeping monitors.
type Node struct {
	Name    string
	Cache   cache.Cache
	Coh     *coherence.CoherentCache
	Counter *monitor.AccCounter
}

// Hierarchy is a built cache system: cores on top, memory at the bottom.
type Hierarchy struct {
	Cores  []*coherence.CoreInterface
	Levels [][]*Node
	Memory *coherence.MemoryPort
}

// Build assembles the hierarchy the configuration describes.
func Build(cfg *Config) (*Hierarchy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hierarchy: %w", err)
	}

	h := &Hierarchy{}
	store := memory.New()
	h.Memory = coherence.NewMemoryPort(store, latency.Memory{AccessLatency: cfg.MemoryLatency})

	nLevels := len(cfg.Levels)
	cacheID := uint64(0)

	// Build outermost first so children can connect upward.
	for li := nLevels - 1; li >= 0; li-- {
		lv := cfg.Levels[li]
		nodes := make([]*Node, lv.Count)
		for i := range nodes {
			node, err := buildNode(cfg, li, i, cacheID)
			if err != nil {
				return nil, err
			}
			cacheID++
			nodes[i] = node

			if li == nLevels-1 {
				node.Coh.ConnectMemory(h.Memory)
			} else {
				parents := h.Levels[0]
				parent := parents[i*len(parents)/lv.Count]
				if err := node.Coh.ConnectOuter(parent.Coh); err != nil {
					return nil, fmt.Errorf("hierarchy: connect %s: %w", node.Name, err)
				}
			}
		}
		h.Levels = append([][]*Node{nodes}, h.Levels...)
	}

	for _, node := range h.Levels[0] {
		core := coherence.NewCoreInterface(node.Coh)
		for _, lvl := range h.Levels {
			for _, n := range lvl {
				core.AttachPFCTarget(n.Cache.Monitors())
			}
		}
		registerQueries(core, h)
		h.Cores = append(h.Cores, core)
	}

	return h, nil
}

// registerQueries exposes each cache's miss counter at its cache ID.
func registerQueries(core *coherence.CoreInterface, h *Hierarchy) {
	for _, lvl := range h.Levels {
		for _, n := range lvl {
			counter := n.Counter
			core.RegisterPFCQuery(n.Cache.ID(), func() uint64 {
				return counter.Misses + counter.WriteMisses
			})
		}
	}
}

func buildNode(cfg *Config, li, idx int, cacheID uint64) (*Node, error) {
	lv := cfg.Levels[li]
	name := lv.Name
	if name == "" {
		name = xid.New().String()
	}
	if lv.Count > 1 {
		name = fmt.Sprintf("%s%d", name, idx)
	}

	ccfg := cache.Config{
		Name:             name,
		ID:               cacheID,
		AW:               cfg.AddressWidth,
		IW:               lv.IndexWidth,
		NW:               lv.Ways,
		P:                lv.Partitions,
		DirectoryCapable: lv.Directory,
		WithData:         true,
		RandSeed:         cfg.RandSeed + int64(cacheID),
	}

	var rpl replacer.Replacer
	switch lv.Replacer {
	case "random":
		rpl = replacer.NewRandom(lv.Partitions, 1<<lv.IndexWidth, lv.Ways, cfg.RandSeed+int64(cacheID))
	default:
		rpl = replacer.NewLRU(lv.Partitions, 1<<lv.IndexWidth, lv.Ways)
	}

	var c cache.Cache
	var rc *cache.Remap
	if lv.Remap {
		var err error
		rc, err = cache.NewRemap(ccfg, rpl)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: %w", err)
		}
		c = rc
	} else {
		var ix cache.Indexer
		var err error
		if lv.Partitions == 1 {
			ix, err = cache.NewNormIndexer(lv.IndexWidth)
		} else {
			seeds := make([]uint64, lv.Partitions)
			for i := range seeds {
				seeds[i] = uint64(cfg.RandSeed) + uint64(cacheID)<<32 + uint64(i) + 1
			}
			ix, err = cache.NewSkewedIndexer(lv.IndexWidth, lv.Partitions, seeds)
		}
		if err != nil {
			return nil, fmt.Errorf("hierarchy: %w", err)
		}
		sk, err := cache.NewSkewed(ccfg, ix, rpl)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: %w", err)
		}
		c = sk
	}

	var pol coherence.Policy
	isLLC := li == len(cfg.Levels)-1
	if lv.Exclusive {
		// Transient probe entries mirror the level's metadata geometry.
		geo := cache.MetaGeometry{AW: cfg.AddressWidth, IW: 0, TagOffset: cache.BlockOffset}
		if !lv.Remap && lv.Partitions == 1 {
			geo = cache.MetaGeometry{
				AW: cfg.AddressWidth, IW: lv.IndexWidth,
				TagOffset: cache.BlockOffset + lv.IndexWidth,
			}
		}
		expol, err := coherence.NewExclusiveMSIPolicy(isLLC, geo, lv.Directory)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: %s: %w", name, err)
		}
		pol = expol
	} else {
		pol = coherence.NewMSIPolicy(li == 0, isLLC)
	}

	var dly latency.Model = latency.None{}
	if lv.Latency != nil {
		dly = latency.NewTableWithConfig(lv.Latency)
	}

	coh := coherence.NewCoherentCache(c, pol, dly)
	if lv.Remap {
		if _, err := coh.UseRemapPort(); err != nil {
			return nil, fmt.Errorf("hierarchy: %w", err)
		}
	}

	counter := monitor.NewAccCounter()
	c.Monitors().Attach(counter)
	for mi, mc := range lv.Monitors {
		m, err := buildMonitor(lv, mc)
		if err != nil {
			return nil, fmt.Errorf("hierarchy: %s monitor %d: %w", name, mi, err)
		}
		c.Monitors().Attach(m)
	}

	return &Node{Name: name, Cache: c, Coh: coh, Counter: counter}, nil
}

func buildMonitor(lv LevelConfig, mc MonitorConfig) (monitor.Monitor, error) {
	switch mc.Kind {
	case "counter":
		return monitor.NewAccCounter(), nil
	case "simple":
		return monitor.NewSimpleEVRemapper(mc.Period)
	case "zscore":
		return monitor.NewZSEVRemapper(1<<lv.IndexWidth, mc.Factor, mc.AccessPeriod, mc.EvictPeriod, mc.Threshold)
	}
	return nil, fmt.Errorf("unknown monitor kind %q", mc.Kind)
}
