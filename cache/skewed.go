package cache

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/comparch-security/cache-model-new/monitor"
	"github.com/comparch-security/cache-model-new/replacer"
)

// Genre selects the indexing rule a replacement decision runs under.
type Genre int

const (
	// GenreNormal places lines under the current indexer.
	GenreNormal Genre = iota
	// GenreRelocate places lines under the next indexer during a remap
	// sweep.
	GenreRelocate
	// GenreDuringRemap marks a replacement requested while a remap is in
	// flight from another execution context.
	GenreDuringRemap
)

// ErrReplaceDuringRemap reports a replacement attempt that would race a
// remap sweep. The single-threaded model cannot serve it.
var ErrReplaceDuringRemap = errors.New("cache: replacement during remap is not supported")

// Cache is the surface the coherence ports operate on.
type Cache interface {
	Name() string
	ID() uint64
	Size() (p, nset, nway int)

	// Hit locates addr. The returned position is valid only when ok.
	Hit(addr uint64) (p, s, w uint32, ok bool)
	// Replace chooses the position a new line for addr should occupy.
	Replace(addr uint64, genre Genre) (p, s, w uint32, err error)

	Access(p, s, w uint32) *Meta
	AccessLine(p, s, w uint32) (*Meta, *DataBlock)

	ReplaceRead(p, s, w uint32, miss bool)
	ReplaceManage(p, s, w uint32, free bool, kind int)

	MetaCopyBuffer() *Meta
	MetaReturnBuffer(m *Meta)
	DataCopyBuffer() *DataBlock
	DataReturnBuffer(d *DataBlock)

	Monitors() *monitor.Set
	HookRead(addr uint64, p, s, w uint32, hit bool)
	HookWrite(addr uint64, p, s, w uint32, hit bool)
	HookInvalid(addr uint64, p, s, w uint32)
}

// Config describes a skewed cache instance.
type Config struct {
	Name string
	ID   uint64

	AW int // address width
	IW int // index width, 2^IW sets per partition
	NW int // ways per set
	P  int // partitions

	DirectoryCapable bool
	WithData         bool

	// RandSeed drives partition selection and indexer seed generation.
	RandSeed int64
}

// Skewed is a P-partition skewed cache. Each partition indexes with its
// own seeded hash.
type Skewed struct {
	name string
	id   uint64

	p    int
	nset int
	nway int

	indexer  Indexer
	array    *Array
	replacer replacer.Replacer
	monitors *monitor.Set
	rng      *rand.Rand
}

// NewSkewed builds a skewed cache around an existing indexer. The metadata
// geometry is derived from the indexer: literal-index metadata for
// NormIndexer, full-tag metadata for hashed indexers.
func NewSkewed(cfg Config, ix Indexer, rpl replacer.Replacer) (*Skewed, error) {
	if ix == nil || rpl == nil {
		return nil, fmt.Errorf("cache %q: indexer and replacer are required", cfg.Name)
	}
	geo := MetaGeometry{AW: cfg.AW, IW: 0, TagOffset: BlockOffset}
	if _, norm := ix.(*NormIndexer); norm {
		geo = MetaGeometry{AW: cfg.AW, IW: cfg.IW, TagOffset: BlockOffset + cfg.IW}
	}
	arr, err := NewArray(cfg.P, cfg.IW, cfg.NW, geo, cfg.DirectoryCapable, cfg.WithData)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", cfg.Name, err)
	}
	return &Skewed{
		name:     cfg.Name,
		id:       cfg.ID,
		p:        cfg.P,
		nset:     1 << cfg.IW,
		nway:     cfg.NW,
		indexer:  ix,
		array:    arr,
		replacer: rpl,
		monitors: monitor.NewSet(),
		rng:      rand.New(rand.NewSource(cfg.RandSeed)),
	}, nil
}

func (c *Skewed) Name() string { return c.name }
func (c *Skewed) ID() uint64   { return c.id }

func (c *Skewed) Size() (int, int, int) { return c.p, c.nset, c.nway }

// Indexer returns the current indexer.
func (c *Skewed) Indexer() Indexer { return c.indexer }

func (c *Skewed) Hit(addr uint64) (uint32, uint32, uint32, bool) {
	for p := 0; p < c.p; p++ {
		s := c.indexer.Index(addr, p)
		if w, ok := c.array.Hit(addr, uint32(p), s); ok {
			return uint32(p), s, w, true
		}
	}
	return 0, 0, 0, false
}

// choosePartition picks a partition uniformly when P > 1.
func (c *Skewed) choosePartition() uint32 {
	if c.p == 1 {
		return 0
	}
	return uint32(c.rng.Intn(c.p))
}

func (c *Skewed) Replace(addr uint64, genre Genre) (uint32, uint32, uint32, error) {
	switch genre {
	case GenreNormal:
	case GenreDuringRemap:
		return 0, 0, 0, ErrReplaceDuringRemap
	default:
		return 0, 0, 0, fmt.Errorf("cache %q: unsupported replacement genre %d", c.name, genre)
	}
	p := c.choosePartition()
	s := c.indexer.Index(addr, int(p))
	w := c.replacer.ChooseWay(p, s)
	return p, s, w, nil
}

func (c *Skewed) Access(p, s, w uint32) *Meta {
	return c.array.Access(p, s, w)
}

func (c *Skewed) AccessLine(p, s, w uint32) (*Meta, *DataBlock) {
	return c.array.AccessLine(p, s, w)
}

func (c *Skewed) ReplaceRead(p, s, w uint32, miss bool) {
	c.replacer.ReplaceRead(p, s, w, miss)
}

func (c *Skewed) ReplaceManage(p, s, w uint32, free bool, kind int) {
	c.replacer.Access(p, s, w, free, kind)
}

func (c *Skewed) MetaCopyBuffer() *Meta         { return c.array.MetaCopyBuffer() }
func (c *Skewed) MetaReturnBuffer(m *Meta)      { c.array.MetaReturnBuffer(m) }
func (c *Skewed) DataCopyBuffer() *DataBlock    { return c.array.DataCopyBuffer() }
func (c *Skewed) DataReturnBuffer(d *DataBlock) { c.array.DataReturnBuffer(d) }

func (c *Skewed) Monitors() *monitor.Set { return c.monitors }

func (c *Skewed) HookRead(addr uint64, p, s, w uint32, hit bool) {
	c.monitors.Read(c.id, addr, int32(p), int32(s), int32(w), hit)
}

func (c *Skewed) HookWrite(addr uint64, p, s, w uint32, hit bool) {
	c.monitors.Write(c.id, addr, int32(p), int32(s), int32(w), hit)
}

func (c *Skewed) HookInvalid(addr uint64, p, s, w uint32) {
	c.monitors.Invalid(c.id, addr, int32(p), int32(s), int32(w))
}

// Relocate moves the line at meta/data into the scratch cells and vacates
// the original cell.
func (c *Skewed) Relocate(meta, scratchMeta *Meta, data, scratchData *DataBlock) {
	scratchMeta.takePayload(meta)
	if data != nil && scratchData != nil {
		scratchData.Copy(data)
	}
	meta.ToInvalid()
	meta.ToClean()
}

// Swap exchanges the full line payload between a cell and a scratch
// buffer.
func (c *Skewed) Swap(cellMeta, scratchMeta *Meta, cellData, scratchData *DataBlock) {
	cellMeta.swapPayload(scratchMeta)
	if cellData != nil && scratchData != nil {
		*cellData, *scratchData = *scratchData, *cellData
	}
}
