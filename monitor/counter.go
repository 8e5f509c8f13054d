package monitor

// AccCounter accumulates basic access statistics. It is the common core of
// the concrete monitors and can also be attached on its own for plain
// hit/miss accounting.
type AccCounter struct {
	Accesses    uint64
	Misses      uint64
	Writes      uint64
	WriteMisses uint64
	Invalids    uint64

	active bool
}

// NewAccCounter returns an active counter monitor.
func NewAccCounter() *AccCounter {
	return &AccCounter{active: true}
}

func (c *AccCounter) Read(cacheID, addr uint64, p, s, w int32, hit bool) {
	if !c.active {
		return
	}
	c.Accesses++
	if !hit {
		c.Misses++
	}
}

func (c *AccCounter) Write(cacheID, addr uint64, p, s, w int32, hit bool) {
	if !c.active {
		return
	}
	c.Writes++
	if !hit {
		c.WriteMisses++
	}
}

func (c *AccCounter) Invalid(cacheID, addr uint64, p, s, w int32) {
	if !c.active {
		return
	}
	c.Invalids++
}

func (c *AccCounter) Pause()  { c.active = false }
func (c *AccCounter) Resume() { c.active = true }

// Active reports whether the counter is currently recording.
func (c *AccCounter) Active() bool { return c.active }

// ResetCounters zeroes all counters without touching the active flag.
func (c *AccCounter) ResetCounters() {
	c.Accesses = 0
	c.Misses = 0
	c.Writes = 0
	c.WriteMisses = 0
	c.Invalids = 0
}

// MagicFunc on the plain counter recognizes no magic commands.
func (c *AccCounter) MagicFunc(cacheID, addr, magicID uint64, payload *bool) bool {
	return false
}
