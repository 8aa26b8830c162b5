// allocclass.go implements the allocation-class registry.
//
// An allocation class describes one shape of allocation: huge classes hand
// out whole chunk extents, run classes subdivide a fixed number of chunks
// into uniform cells tracked by a bitmap. Classes are registered at boot
// and, optionally, after it (from configuration or CreateAllocClassBuckets
// callers). Lookups take no lock, and neither does Register, so a
// registration running concurrently with lookups is not synchronized.
package heap

import "fmt"

// MaxAllocationClasses bounds the class id space (ids fit in uint8).
const MaxAllocationClasses = 255

// DefaultAllocClassID identifies the built-in huge class that backs free
// chunk extents.
const DefaultAllocClassID uint8 = 0

// ClassKind distinguishes huge classes from run classes.
type ClassKind int

const (
	ClassHuge ClassKind = iota
	ClassRun
)

// HeaderType selects the per-object header kind the transaction layer
// expects in front of every allocation of a class.
type HeaderType int

const (
	// HeaderLegacy is the full 64-byte object header.
	HeaderLegacy HeaderType = iota
	// HeaderCompact is the 16-byte object header.
	HeaderCompact
	// HeaderNone omits the object header entirely.
	HeaderNone
)

// headerTypeFlags maps a header type to its chunk-header flag bits.
func headerTypeFlags(t HeaderType) uint16 {
	switch t {
	case HeaderCompact:
		return chunkFlagCompactHeader
	case HeaderNone:
		return chunkFlagHeaderNone
	default:
		return 0
	}
}

// flagsHeaderType recovers the header type from chunk-header flag bits.
func flagsHeaderType(flags uint16) HeaderType {
	switch {
	case flags&chunkFlagCompactHeader != 0:
		return HeaderCompact
	case flags&chunkFlagHeaderNone != 0:
		return HeaderNone
	default:
		return HeaderLegacy
	}
}

// RunDesc is the precomputed geometry of one run of a run class.
type RunDesc struct {
	// UnitSize is the cell size in bytes.
	UnitSize uint64
	// Alignment is the required alignment of the first cell. Zero means
	// natural placement right after the bitmap.
	Alignment uint64
	// SizeIdx is the extent of one run in chunks.
	SizeIdx uint32
	// Nallocs is the number of cells in one run.
	Nallocs uint32
	// BitmapNbits equals Nallocs; the remaining bits of the last bitmap
	// word are permanently set.
	BitmapNbits uint32
	// BitmapNvals is the bitmap length in 64-bit words.
	BitmapNvals uint32
}

// Class is one allocation class.
type Class struct {
	ID         uint8
	Kind       ClassKind
	UnitSize   uint64
	HeaderType HeaderType

	// RunDesc is valid only for ClassRun.
	RunDesc RunDesc
}

// CalcSizeIdx converts a byte size to the class-relative extent: chunks for
// huge classes, units for run classes.
func (c *Class) CalcSizeIdx(size uint64) uint32 {
	if size == 0 {
		size = 1
	}
	return uint32((size + c.UnitSize - 1) / c.UnitSize)
}

// sizeGranularity is the resolution of the request-size lookup table.
const sizeGranularity = 8

// defaultRunClasses is the built-in run class set: unit size and run extent
// in chunks. Larger units get longer runs to keep the cell count worthwhile.
var defaultRunClasses = []struct {
	unitSize uint64
	sizeIdx  uint32
}{
	{64, 1},
	{128, 1},
	{256, 1},
	{512, 1},
	{1024, 1},
	{2048, 1},
	{4096, 1},
	{8192, 2},
	{16384, 4},
	{32768, 8},
}

// maxSmallSize is the largest request served from a run; anything above goes
// to the default huge class.
const maxSmallSize = 32768

// runKey identifies a run class by its persistent fingerprint, used to
// classify existing runs during recovery.
type runKey struct {
	blockSize uint64
	flags     uint16
	sizeIdx   uint32
}

// ClassCollection is the registry of allocation classes.
type ClassCollection struct {
	classes [MaxAllocationClasses]*Class
	byRun   map[runKey]*Class

	// sizeTable maps (size-1)/sizeGranularity to the id of the smallest
	// run class whose unit covers the size. 0xff marks an uncovered slot.
	sizeTable [maxSmallSize / sizeGranularity]uint8
}

// NewClassCollection builds a registry populated with the default huge class
// and the built-in run class set.
func NewClassCollection() (*ClassCollection, error) {
	cc := &ClassCollection{byRun: make(map[runKey]*Class)}
	for i := range cc.sizeTable {
		cc.sizeTable[i] = 0xff
	}

	if _, err := cc.Register(DefaultAllocClassID, ClassHuge, ChunkSize, 1, HeaderLegacy); err != nil {
		return nil, err
	}
	for i, rc := range defaultRunClasses {
		id := uint8(i + 1)
		if _, err := cc.Register(id, ClassRun, rc.unitSize, rc.sizeIdx, HeaderCompact); err != nil {
			return nil, err
		}
	}
	return cc, nil
}

// Register adds a class under the given id. Run geometry is precomputed
// here; the id must be unused.
func (cc *ClassCollection) Register(id uint8, kind ClassKind, unitSize uint64,
	sizeIdx uint32, headerType HeaderType) (*Class, error) {
	if int(id) >= MaxAllocationClasses {
		return nil, fmt.Errorf("%w: class id %d out of range", ErrInvalidArgument, id)
	}
	if cc.classes[id] != nil {
		return nil, fmt.Errorf("%w: class id %d already registered", ErrInvalidArgument, id)
	}
	if unitSize == 0 || sizeIdx == 0 {
		return nil, fmt.Errorf("%w: zero class geometry", ErrInvalidArgument)
	}

	c := &Class{
		ID:         id,
		Kind:       kind,
		UnitSize:   unitSize,
		HeaderType: headerType,
	}

	if kind == ClassRun {
		rdsc, err := computeRunDesc(unitSize, sizeIdx)
		if err != nil {
			return nil, err
		}
		c.RunDesc = rdsc
		cc.byRun[runKey{unitSize, headerTypeFlags(headerType), sizeIdx}] = c
		cc.rebuildSizeTable()
	}

	cc.classes[id] = c
	return c, nil
}

// computeRunDesc derives the bitmap geometry of a run.
func computeRunDesc(unitSize uint64, sizeIdx uint32) (RunDesc, error) {
	total := uint64(sizeIdx) * ChunkSize
	if total <= runHeaderSize+8 {
		return RunDesc{}, fmt.Errorf("%w: run smaller than its metadata", ErrInvalidArgument)
	}

	// The cell count and the bitmap length depend on each other; take the
	// largest count whose cells and bitmap fit the extent together.
	fits := func(n uint64) bool {
		nvals := (n + bitsPerWord - 1) / bitsPerWord
		return runHeaderSize+8*nvals+n*unitSize <= total
	}
	nallocs := (total - runHeaderSize) / unitSize
	for nallocs > 0 && !fits(nallocs) {
		nallocs--
	}
	if nallocs == 0 {
		return RunDesc{}, fmt.Errorf("%w: unit size %d does not fit a %d-chunk run",
			ErrInvalidArgument, unitSize, sizeIdx)
	}

	nvals := (nallocs + bitsPerWord - 1) / bitsPerWord
	return RunDesc{
		UnitSize:    unitSize,
		Alignment:   0,
		SizeIdx:     sizeIdx,
		Nallocs:     uint32(nallocs),
		BitmapNbits: uint32(nallocs),
		BitmapNvals: uint32(nvals),
	}, nil
}

// rebuildSizeTable recomputes the request-size lookup table from the current
// run class set.
func (cc *ClassCollection) rebuildSizeTable() {
	for i := range cc.sizeTable {
		upper := uint64(i+1) * sizeGranularity
		best := uint8(0xff)
		var bestUnit uint64
		for _, c := range cc.byRun {
			if c.UnitSize >= upper && (best == 0xff || c.UnitSize < bestUnit) {
				best = c.ID
				bestUnit = c.UnitSize
			}
		}
		cc.sizeTable[i] = best
	}
}

// ByID returns the class registered under id, or nil.
func (cc *ClassCollection) ByID(id uint8) *Class {
	if int(id) >= MaxAllocationClasses {
		return nil
	}
	return cc.classes[id]
}

// ByAllocSize returns the smallest-unit class able to serve a request of the
// given byte size, falling back to the default huge class.
func (cc *ClassCollection) ByAllocSize(size uint64) *Class {
	if size == 0 {
		size = 1
	}
	if size <= maxSmallSize {
		id := cc.sizeTable[(size-1)/sizeGranularity]
		if id != 0xff {
			return cc.classes[id]
		}
	}
	return cc.classes[DefaultAllocClassID]
}

// ByRun classifies an existing run by its persistent fingerprint: the block
// size from the run header, the header-type flags and the extent from the
// chunk header. Returns nil for runs created under a class set that is no
// longer registered.
func (cc *ClassCollection) ByRun(blockSize uint64, flags uint16, sizeIdx uint32) *Class {
	return cc.byRun[runKey{blockSize, flags & chunkFlagsAllValid, sizeIdx}]
}

// ForEach calls fn for every registered class in id order.
func (cc *ClassCollection) ForEach(fn func(*Class)) {
	for _, c := range cc.classes {
		if c != nil {
			fn(c)
		}
	}
}
