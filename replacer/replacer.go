// Package replacer provides replacement policies for the cache arrays.
package replacer

import "math/rand"

// Management kinds passed to Access when a way's residency changes
// outside the normal read path.
const (
	KindRelease = 1
)

// Replacer chooses victim ways and tracks residency per (partition, set).
type Replacer interface {
	// ChooseWay picks the way a new line should displace in (p, s).
	ChooseWay(p, s uint32) uint32
	// Access signals a management event on (p, s, w); free marks the way
	// as holding no live line.
	Access(p, s, w uint32, free bool, kind int)
	// ReplaceRead records a read of (p, s, w); miss marks the access that
	// installed the line.
	ReplaceRead(p, s, w uint32, miss bool)
}

type lruSet struct {
	queue []uint32 // least recently used first
	free  []bool
}

// LRU is a least-recently-used policy with preference for freed ways.
type LRU struct {
	sets [][]lruSet
	nway int
}

// NewLRU returns an LRU replacer for p partitions of nset sets with nway
// ways each.
func NewLRU(p, nset, nway int) *LRU {
	r := &LRU{nway: nway}
	r.sets = make([][]lruSet, p)
	for ai := range r.sets {
		r.sets[ai] = make([]lruSet, nset)
		for s := range r.sets[ai] {
			ls := &r.sets[ai][s]
			ls.queue = make([]uint32, nway)
			ls.free = make([]bool, nway)
			for w := 0; w < nway; w++ {
				ls.queue[w] = uint32(w)
				ls.free[w] = true
			}
		}
	}
	return r
}

func (r *LRU) ChooseWay(p, s uint32) uint32 {
	ls := &r.sets[p][s]
	for _, w := range ls.queue {
		if ls.free[w] {
			return w
		}
	}
	return ls.queue[0]
}

func (r *LRU) Access(p, s, w uint32, free bool, kind int) {
	ls := &r.sets[p][s]
	ls.free[w] = free
}

func (r *LRU) ReplaceRead(p, s, w uint32, miss bool) {
	ls := &r.sets[p][s]
	ls.free[w] = false
	for i, q := range ls.queue {
		if q == w {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			ls.queue = append(ls.queue, w)
			return
		}
	}
}

// Random picks victims uniformly, still preferring freed ways.
type Random struct {
	free [][][]bool
	nway int
	rng  *rand.Rand
}

// NewRandom returns a random replacer seeded for reproducible runs.
func NewRandom(p, nset, nway int, seed int64) *Random {
	r := &Random{nway: nway, rng: rand.New(rand.NewSource(seed))}
	r.free = make([][][]bool, p)
	for ai := range r.free {
		r.free[ai] = make([][]bool, nset)
		for s := range r.free[ai] {
			r.free[ai][s] = make([]bool, nway)
			for w := range r.free[ai][s] {
				r.free[ai][s][w] = true
			}
		}
	}
	return r
}

func (r *Random) ChooseWay(p, s uint32) uint32 {
	for w, f := range r.free[p][s] {
		if f {
			return uint32(w)
		}
	}
	return uint32(r.rng.Intn(r.nway))
}

func (r *Random) Access(p, s, w uint32, free bool, kind int) {
	r.free[p][s][w] = free
}

func (r *Random) ReplaceRead(p, s, w uint32, miss bool) {
	r.free[p][s][w] = false
}
