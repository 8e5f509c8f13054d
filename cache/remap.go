package cache

import (
	"fmt"

	"github.com/comparch-security/cache-model-new/replacer"
)

// Remap is a skewed cache that can atomically rotate its indexing
// function. While a remap sweep is in flight it serves hits from both the
// current and the next indexer, tracking sweep progress with a per
// partition remap pointer.
type Remap struct {
	*Skewed

	indexerNext *SkewedIndexer
	seedsNext   []uint64
	remapPtr    []uint32
	remapping   bool
}

// NewRemap builds a remap-capable skewed cache. Both indexers are seeded
// from the cache's deterministic random stream.
func NewRemap(cfg Config, rpl replacer.Replacer) (*Remap, error) {
	if cfg.P < 1 {
		return nil, fmt.Errorf("cache %q: need at least one partition, got %d", cfg.Name, cfg.P)
	}
	seeds := make([]uint64, cfg.P)
	seedsNext := make([]uint64, cfg.P)

	ix, err := NewSkewedIndexer(cfg.IW, cfg.P, seeds)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", cfg.Name, err)
	}
	base, err := NewSkewed(cfg, ix, rpl)
	if err != nil {
		return nil, err
	}
	for i := range seeds {
		seeds[i] = base.rng.Uint64()
		seedsNext[i] = base.rng.Uint64()
	}
	ix.Seed(seeds)
	ixNext, err := NewSkewedIndexer(cfg.IW, cfg.P, seedsNext)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", cfg.Name, err)
	}

	return &Remap{
		Skewed:      base,
		indexerNext: ixNext,
		seedsNext:   seedsNext,
		remapPtr:    make([]uint32, cfg.P),
	}, nil
}

// Remapping reports whether a remap sweep is in flight.
func (c *Remap) Remapping() bool { return c.remapping }

// NextIndexer returns the indexer lines are relocated under.
func (c *Remap) NextIndexer() Indexer { return c.indexerNext }

// SeedNext installs a specific seed vector for the next indexer.
func (c *Remap) SeedNext(seeds []uint64) error {
	if len(seeds) != c.p {
		return fmt.Errorf("cache %q: %d seeds for %d partitions", c.name, len(seeds), c.p)
	}
	copy(c.seedsNext, seeds)
	c.indexerNext.Seed(c.seedsNext)
	return nil
}

// Hit honors the remap pointer while a sweep is in flight: sets below the
// pointer have been evacuated under the current indexer, so only the next
// indexer's location can still hold the line there.
func (c *Remap) Hit(addr uint64) (uint32, uint32, uint32, bool) {
	if !c.remapping {
		return c.Skewed.Hit(addr)
	}
	for p := 0; p < c.p; p++ {
		s := c.indexer.Index(addr, p)
		if s >= c.remapPtr[p] {
			if w, ok := c.array.Hit(addr, uint32(p), s); ok {
				return uint32(p), s, w, true
			}
		}
		s = c.indexerNext.Index(addr, p)
		if w, ok := c.array.Hit(addr, uint32(p), s); ok {
			return uint32(p), s, w, true
		}
	}
	return 0, 0, 0, false
}

func (c *Remap) Replace(addr uint64, genre Genre) (uint32, uint32, uint32, error) {
	p := c.choosePartition()
	var s uint32
	switch genre {
	case GenreNormal:
		s = c.indexer.Index(addr, int(p))
	case GenreRelocate:
		s = c.indexerNext.Index(addr, int(p))
	case GenreDuringRemap:
		return 0, 0, 0, ErrReplaceDuringRemap
	default:
		return 0, 0, 0, fmt.Errorf("cache %q: unsupported replacement genre %d", c.name, genre)
	}
	w := c.replacer.ChooseWay(p, s)
	return p, s, w, nil
}

// RemapStart begins a sweep.
func (c *Remap) RemapStart() {
	c.remapping = true
}

// MoveRemapPointer records that partition p's sweep advanced one set.
func (c *Remap) MoveRemapPointer(p uint32) {
	c.remapPtr[p]++
}

// RotateIndexer installs the next seeds as current and draws fresh seeds
// for the next epoch.
func (c *Remap) RotateIndexer() {
	c.indexer.Seed(c.seedsNext)
	for i := range c.seedsNext {
		c.seedsNext[i] = c.rng.Uint64()
	}
	c.indexerNext.Seed(c.seedsNext)
}

// RemapEnd finishes a sweep: the flag drops, the pointers reset, the
// indexers rotate, and every cell's relocated mark is cleared.
func (c *Remap) RemapEnd() {
	c.remapping = false
	clear(c.remapPtr)
	c.RotateIndexer()
	for p := 0; p < c.p; p++ {
		for s := 0; s < c.nset; s++ {
			for w := 0; w < c.nway; w++ {
				c.array.Access(uint32(p), uint32(s), uint32(w)).ToUnrelocated()
			}
		}
	}
}
