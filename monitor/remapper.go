package monitor

import (
	"fmt"
	"math"
)

// remapperCore carries the state shared by all remap monitors: the pending
// request flag and the magic-command protocol that hands it to the port.
type remapperCore struct {
	AccCounter
	remap       bool
	remapEnable bool
}

func newRemapperCore() remapperCore {
	return remapperCore{AccCounter: *NewAccCounter(), remapEnable: true}
}

// RemapPending reports whether a remap request is waiting for the port.
func (r *remapperCore) RemapPending() bool { return r.remap }

// SetRemapEnable controls whether REMAP_ASK exposes pending requests.
func (r *remapperCore) SetRemapEnable(enable bool) { r.remapEnable = enable }

// handleMagic implements the shared remap protocol. While a request is
// being drained by the port the monitor deactivates itself so it cannot
// trigger again mid-remap.
func (r *remapperCore) handleMagic(magicID uint64, payload *bool) bool {
	switch magicID {
	case MagicIDRemapAsk:
		if r.remapEnable {
			if r.remap {
				*payload = true
				r.active = false
			}
		}
		return true
	case MagicIDRemapEnd:
		r.remap = false
		r.active = true
		r.ResetCounters()
		return true
	}
	return false
}

// SimpleEVRemapper requests a remap after every fixed number of
// invalidations.
type SimpleEVRemapper struct {
	remapperCore
	period uint64
}

// NewSimpleEVRemapper returns a remapper that fires every period
// invalidations.
func NewSimpleEVRemapper(period uint64) (*SimpleEVRemapper, error) {
	if period == 0 {
		return nil, fmt.Errorf("simple remapper: period must be positive")
	}
	return &SimpleEVRemapper{remapperCore: newRemapperCore(), period: period}, nil
}

func (r *SimpleEVRemapper) Invalid(cacheID, addr uint64, p, s, w int32) {
	if !r.active {
		return
	}
	r.Invalids++
	if r.Invalids != 0 && r.Invalids%r.period == 0 {
		r.remap = true
	}
}

func (r *SimpleEVRemapper) MagicFunc(cacheID, addr, magicID uint64, payload *bool) bool {
	return r.handleMagic(magicID, payload)
}

// ZSEVRemapper tracks per-set eviction imbalance with a smoothed Z-score
// and requests a remap when any set's history crosses the threshold, or
// unconditionally after evictPeriod invalidations.
type ZSEVRemapper struct {
	remapperCore
	factor       float64
	threshold    float64
	accessPeriod uint64
	evictPeriod  uint64
	evicts       []uint64
	history      []float64
}

// NewZSEVRemapper returns a Z-score remapper over nset sets. factor in
// (0,1) weights new observations into the smoothed history.
func NewZSEVRemapper(
	nset int,
	factor float64,
	accessPeriod, evictPeriod uint64,
	threshold float64,
) (*ZSEVRemapper, error) {
	if nset < 2 {
		return nil, fmt.Errorf("zscore remapper: need at least 2 sets, got %d", nset)
	}
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("zscore remapper: factor must be in (0,1), got %v", factor)
	}
	return &ZSEVRemapper{
		remapperCore: newRemapperCore(),
		factor:       factor,
		threshold:    threshold,
		accessPeriod: accessPeriod,
		evictPeriod:  evictPeriod,
		evicts:       make([]uint64, nset),
		history:      make([]float64, nset),
	}, nil
}

func (r *ZSEVRemapper) detect() bool {
	nset := float64(len(r.evicts))
	var sq, sum float64
	for _, e := range r.evicts {
		d := float64(e)
		sq += d * d
		sum += d
	}
	qrm := math.Sqrt(sq / (nset - 1))
	mu := sum / nset
	for i, e := range r.evicts {
		d := float64(e)
		delta := 0.0
		if qrm != 0 {
			delta = (d - mu) * d / qrm
		}
		if d > mu {
			r.history[i] = (1-r.factor)*r.history[i] + r.factor*delta
		} else {
			r.history[i] = (1-r.factor)*r.history[i] - r.factor*delta
		}
	}
	for _, h := range r.history {
		if h >= r.threshold {
			return true
		}
	}
	return false
}

func (r *ZSEVRemapper) Read(cacheID, addr uint64, p, s, w int32, hit bool) {
	if !r.active {
		return
	}
	r.Accesses++
	if !hit {
		r.Misses++
	}
	if r.accessPeriod != 0 && r.Accesses%r.accessPeriod == 0 {
		if r.detect() {
			r.remap = true
		}
		clear(r.evicts)
	}
}

func (r *ZSEVRemapper) Write(cacheID, addr uint64, p, s, w int32, hit bool) {
	if !r.active {
		return
	}
	r.Writes++
	if !hit {
		r.WriteMisses++
	}
}

func (r *ZSEVRemapper) Invalid(cacheID, addr uint64, p, s, w int32) {
	if !r.active {
		return
	}
	r.Invalids++
	if int(s) < len(r.evicts) {
		r.evicts[s]++
	}
	if r.evictPeriod != 0 && r.Invalids%r.evictPeriod == 0 {
		r.remap = true
	}
}

// History returns the smoothed per-set eviction scores.
func (r *ZSEVRemapper) History() []float64 { return r.history }

// Evicts returns the per-set eviction counters of the current window.
func (r *ZSEVRemapper) Evicts() []uint64 { return r.evicts }

func (r *ZSEVRemapper) MagicFunc(cacheID, addr, magicID uint64, payload *bool) bool {
	handled := r.handleMagic(magicID, payload)
	if handled && magicID == MagicIDRemapEnd {
		clear(r.evicts)
		clear(r.history)
	}
	return handled
}
