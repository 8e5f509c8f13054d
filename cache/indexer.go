package cache

import "fmt"

// Indexer maps a block address to a set index within one partition.
type Indexer interface {
	// Index returns the set index for addr in partition p.
	Index(addr uint64, p int) uint32
	// Seed replaces all partition seeds at once. Callers never observe a
	// partially updated seed vector.
	Seed(seeds []uint64)
	// Seeds returns a copy of the current seed vector.
	Seeds() []uint64
}

// NormIndexer slices literal index bits out of the address. It ignores
// seeds and serves conventional single-hash caches.
type NormIndexer struct {
	iw   int
	mask uint64
}

// NewNormIndexer returns an indexer over 2^iw sets.
func NewNormIndexer(iw int) (*NormIndexer, error) {
	if iw < 0 || iw > 32 {
		return nil, fmt.Errorf("norm indexer: index width %d out of range", iw)
	}
	return &NormIndexer{iw: iw, mask: uint64(1)<<iw - 1}, nil
}

func (ix *NormIndexer) Index(addr uint64, p int) uint32 {
	return uint32((addr >> BlockOffset) & ix.mask)
}

func (ix *NormIndexer) Seed(seeds []uint64) {}

func (ix *NormIndexer) Seeds() []uint64 { return nil }

// SkewedIndexer hashes the block address with an independent 64-bit seed
// per partition. The per-partition map is a permutation of the 64-bit
// block-address space, so every set receives the same number of preimages.
type SkewedIndexer struct {
	iw    int
	mask  uint64
	seeds []uint64
}

// NewSkewedIndexer returns a skewed indexer for p partitions of 2^iw sets
// each, seeded with the given vector.
func NewSkewedIndexer(iw, p int, seeds []uint64) (*SkewedIndexer, error) {
	if iw < 0 || iw > 32 {
		return nil, fmt.Errorf("skewed indexer: index width %d out of range", iw)
	}
	if p < 1 {
		return nil, fmt.Errorf("skewed indexer: need at least one partition, got %d", p)
	}
	if len(seeds) != p {
		return nil, fmt.Errorf("skewed indexer: %d seeds for %d partitions", len(seeds), p)
	}
	ix := &SkewedIndexer{iw: iw, mask: uint64(1)<<iw - 1}
	ix.seeds = append([]uint64(nil), seeds...)
	return ix, nil
}

// mix64 is the splitmix64 finalizer, a bijection over 64-bit words.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func (ix *SkewedIndexer) Index(addr uint64, p int) uint32 {
	return uint32(mix64((addr>>BlockOffset)^ix.seeds[p]) & ix.mask)
}

func (ix *SkewedIndexer) Seed(seeds []uint64) {
	if len(seeds) != len(ix.seeds) {
		panic(fmt.Sprintf("skewed indexer: reseed with %d seeds, want %d",
			len(seeds), len(ix.seeds)))
	}
	copy(ix.seeds, seeds)
}

func (ix *SkewedIndexer) Seeds() []uint64 {
	return append([]uint64(nil), ix.seeds...)
}
