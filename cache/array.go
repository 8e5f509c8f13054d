package cache

import "fmt"

// BlockSize is the data block size in bytes.
const BlockSize = 1 << BlockOffset

// DataBlock is one cache line of data.
type DataBlock [BlockSize / 8]uint64

// Copy overwrites the block with other's contents.
func (d *DataBlock) Copy(other *DataBlock) {
	*d = *other
}

// Read64 returns the word at the given byte offset within the block.
func (d *DataBlock) Read64(offset uint64) uint64 {
	return d[(offset%BlockSize)/8]
}

// Write64 stores a word at the given byte offset within the block.
func (d *DataBlock) Write64(offset uint64, v uint64) {
	d[(offset%BlockSize)/8] = v
}

// Array is the dense P × 2^IW × NW storage of metadata and data cells.
// Cells are allocated once at construction and mutate in place.
type Array struct {
	p    int
	nset int
	nway int

	metas [][][]*Meta
	datas [][][]*DataBlock

	metaPool []*Meta
	dataPool []*DataBlock
	metaGeo  MetaGeometry
	dirCap   bool
}

// copyBufferPoolSize pre-allocates scratch cells for relocation; the
// single-threaded relocation chain needs one lease at a time.
const copyBufferPoolSize = 2

// NewArray allocates the cell storage. withData controls whether data
// blocks are modeled alongside metadata.
func NewArray(p, iw, nway int, geo MetaGeometry, directoryCapable, withData bool) (*Array, error) {
	if p < 1 {
		return nil, fmt.Errorf("cache array: need at least one partition, got %d", p)
	}
	if nway < 1 {
		return nil, fmt.Errorf("cache array: need at least one way, got %d", nway)
	}
	if iw < 0 || iw > 32 {
		return nil, fmt.Errorf("cache array: index width %d out of range", iw)
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	nset := 1 << iw
	a := &Array{p: p, nset: nset, nway: nway, metaGeo: geo, dirCap: directoryCapable}
	a.metas = make([][][]*Meta, p)
	a.datas = make([][][]*DataBlock, p)
	for ai := 0; ai < p; ai++ {
		a.metas[ai] = make([][]*Meta, nset)
		a.datas[ai] = make([][]*DataBlock, nset)
		for s := 0; s < nset; s++ {
			a.metas[ai][s] = make([]*Meta, nway)
			a.datas[ai][s] = make([]*DataBlock, nway)
			for w := 0; w < nway; w++ {
				m, err := NewMeta(geo, directoryCapable)
				if err != nil {
					return nil, err
				}
				a.metas[ai][s][w] = m
				if withData {
					a.datas[ai][s][w] = new(DataBlock)
				}
			}
		}
	}
	for i := 0; i < copyBufferPoolSize; i++ {
		m, _ := NewMeta(geo, directoryCapable)
		a.metaPool = append(a.metaPool, m)
		if withData {
			a.dataPool = append(a.dataPool, new(DataBlock))
		}
	}
	return a, nil
}

// Size returns (partitions, sets, ways).
func (a *Array) Size() (int, int, int) { return a.p, a.nset, a.nway }

// Hit scans the ways of (p, set) for addr.
func (a *Array) Hit(addr uint64, p, set uint32) (uint32, bool) {
	for w, m := range a.metas[p][set] {
		if m.Match(addr) {
			return uint32(w), true
		}
	}
	return 0, false
}

// Access returns the metadata cell at (p, set, way).
func (a *Array) Access(p, set, way uint32) *Meta {
	return a.metas[p][set][way]
}

// AccessLine returns the metadata and data cells at (p, set, way). The
// data cell is nil for metadata-only arrays.
func (a *Array) AccessLine(p, set, way uint32) (*Meta, *DataBlock) {
	return a.metas[p][set][way], a.datas[p][set][way]
}

// MetaCopyBuffer leases a scratch metadata cell.
func (a *Array) MetaCopyBuffer() *Meta {
	if n := len(a.metaPool); n > 0 {
		m := a.metaPool[n-1]
		a.metaPool = a.metaPool[:n-1]
		return m
	}
	m, _ := NewMeta(a.metaGeo, a.dirCap)
	return m
}

// MetaReturnBuffer releases a scratch metadata cell.
func (a *Array) MetaReturnBuffer(m *Meta) {
	if m == nil {
		return
	}
	m.Reset()
	a.metaPool = append(a.metaPool, m)
}

// DataCopyBuffer leases a scratch data block, or nil for metadata-only
// arrays.
func (a *Array) DataCopyBuffer() *DataBlock {
	if a.datas[0][0][0] == nil {
		return nil
	}
	if n := len(a.dataPool); n > 0 {
		d := a.dataPool[n-1]
		a.dataPool = a.dataPool[:n-1]
		return d
	}
	return new(DataBlock)
}

// DataReturnBuffer releases a scratch data block.
func (a *Array) DataReturnBuffer(d *DataBlock) {
	if d == nil {
		return
	}
	*d = DataBlock{}
	a.dataPool = append(a.dataPool, d)
}
