package latency

// Model contributes cycles at the cache's timing points. Implementations
// may be stateless.
type Model interface {
	// Access is charged on every lookup.
	Access(hit bool) uint64
	// Replace is charged when a victim is evicted.
	Replace() uint64
	// Writeback is charged when dirty data moves outward.
	Writeback() uint64
}

// None contributes no latency.
type None struct{}

func (None) Access(hit bool) uint64 { return 0 }
func (None) Replace() uint64        { return 0 }
func (None) Writeback() uint64      { return 0 }

// Table charges fixed per-event latencies from a Config.
type Table struct {
	config *Config
}

// NewTable returns a table model with default latencies.
func NewTable() *Table {
	return &Table{config: DefaultConfig()}
}

// NewTableWithConfig returns a table model with custom latencies.
func NewTableWithConfig(config *Config) *Table {
	return &Table{config: config}
}

func (t *Table) Access(hit bool) uint64 {
	if hit {
		return t.config.HitLatency
	}
	return t.config.MissLatency
}

func (t *Table) Replace() uint64 {
	return t.config.ReplaceLatency
}

func (t *Table) Writeback() uint64 {
	return t.config.WritebackLatency
}

// Memory charges a flat access latency, for the terminal level.
type Memory struct {
	AccessLatency uint64
}

func (m Memory) Access(hit bool) uint64 { return m.AccessLatency }
func (m Memory) Replace() uint64        { return 0 }
func (m Memory) Writeback() uint64      { return m.AccessLatency }
