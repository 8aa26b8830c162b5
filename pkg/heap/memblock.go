// memblock.go implements the memory block, the allocator's unit of
// discourse. A block identifies either a huge extent of whole chunks or a
// cell range inside a run. The persistent headers are the source of truth;
// rebuildState reclassifies a block from them after recovery.
package heap

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// BlockKind is the flavor of a memory block.
type BlockKind int

const (
	// BlockHuge spans one or more whole chunks; BlockOff is always 0 and
	// SizeIdx counts chunks.
	BlockHuge BlockKind = iota

	// BlockRun addresses cells inside a run; BlockOff is the first cell
	// index and SizeIdx counts cells.
	BlockRun
)

// BlockState is the persistent state written through PrepHdr.
type BlockState int

const (
	// BlockStateAllocated marks the block as live.
	BlockStateAllocated BlockState = iota

	// BlockStateFree returns the block to the free pool.
	BlockStateFree
)

// MemoryBlock is a value-type handle to a region of the heap.
type MemoryBlock struct {
	ZoneID   uint32
	ChunkID  uint32
	SizeIdx  uint32
	BlockOff uint32

	HeaderType HeaderType

	kind  BlockKind
	class *Class // run class, nil for huge blocks
	heap  *Heap
}

// rebuildState reconstructs the volatile classification of a block from its
// persistent chunk header.
func (m *MemoryBlock) rebuildState(h *Heap) {
	m.heap = h
	hdr := h.chunkHdr(m.ZoneID, m.ChunkID)
	switch hdr.chunkType {
	case chunkTypeRun, chunkTypeRunData:
		m.kind = BlockRun
		rh := h.runHdr(m.ZoneID, m.ChunkID)
		m.class = h.classes.ByRun(rh.blockSize, hdr.flags, hdr.sizeIdx)
		m.HeaderType = flagsHeaderType(hdr.flags)
	default:
		m.kind = BlockHuge
		m.class = nil
		m.HeaderType = flagsHeaderType(hdr.flags)
	}
}

// Kind reports the block flavor.
func (m *MemoryBlock) Kind() BlockKind { return m.kind }

// Class returns the run class of the block, nil for huge blocks.
func (m *MemoryBlock) Class() *Class { return m.class }

// Offset returns the heap-relative byte offset of the block's usable data.
func (m *MemoryBlock) Offset() uint64 {
	base := chunkOffset(m.ZoneID, m.ChunkID)
	if m.kind == BlockHuge {
		return base
	}
	return base + m.runDataOffset() + uint64(m.BlockOff)*m.class.RunDesc.UnitSize
}

// Size returns the byte size of the block.
func (m *MemoryBlock) Size() uint64 {
	if m.kind == BlockHuge {
		return uint64(m.SizeIdx) * ChunkSize
	}
	return uint64(m.SizeIdx) * m.class.RunDesc.UnitSize
}

// runDataOffset is the chunk-relative offset of the first cell.
func (m *MemoryBlock) runDataOffset() uint64 {
	return runHeaderSize + 8*uint64(m.class.RunDesc.BitmapNvals)
}

// Lock returns the striped run lock guarding the block's chunk metadata.
// Huge blocks are guarded by the bucket that owns them and have no lock.
func (m *MemoryBlock) Lock() *sync.Mutex {
	if m.kind == BlockHuge {
		return nil
	}
	return m.heap.runLock(m.ChunkID)
}

// PrepHdr writes the persistent transition for the given state through the
// heap's persist operations. For huge blocks this rewrites the chunk header;
// for run cells it updates the allocation bitmap.
func (m *MemoryBlock) PrepHdr(state BlockState) {
	if m.kind == BlockHuge {
		typ := chunkTypeUsed
		flags := headerTypeFlags(m.HeaderType)
		if state == BlockStateFree {
			typ = chunkTypeFree
			flags = 0
		}
		m.heap.writeChunkHdr(m.ZoneID, m.ChunkID, chunkHeader{typ, flags, m.SizeIdx})
		return
	}

	b := m.Bitmap()
	if state == BlockStateAllocated {
		// Bitmap-scanned allocations claimed their bits already; setting is
		// idempotent and covers cells handed out through the free lists.
		b.set(m.BlockOff, m.SizeIdx)
		b.persistRange(m.BlockOff, m.SizeIdx)
		return
	}
	b.clear(m.BlockOff, m.SizeIdx)
	b.persistRange(m.BlockOff, m.SizeIdx)
}

// EnsureHeaderType reconciles the persistent header-type flags with the
// class configuration. Runs fix their flags at creation time, so only huge
// blocks ever rewrite here.
func (m *MemoryBlock) EnsureHeaderType(t HeaderType) {
	m.HeaderType = t
	if m.kind != BlockHuge {
		return
	}
	hdr := m.heap.chunkHdr(m.ZoneID, m.ChunkID)
	want := headerTypeFlags(t)
	if hdr.flags&chunkFlagsAllValid == want {
		return
	}
	hdr.flags = hdr.flags&^chunkFlagsAllValid | want
	m.heap.writeChunkHdr(m.ZoneID, m.ChunkID, hdr)
}

// ReinitChunk rebuilds any derived chunk state after recovery. The bitmap
// geometry is recomputed from the class registry on access, so there is
// nothing to materialize; the hook stays for the zone-population walk, which
// must be idempotent.
func (m *MemoryBlock) ReinitChunk() {}

// IterateUsed walks the live allocations of the block: the extent itself for
// a USED huge chunk, every set cell for a run. The callback returns false to
// stop; IterateUsed reports whether the walk ran to completion.
func (m *MemoryBlock) IterateUsed(cb func(block MemoryBlock) bool) bool {
	if m.kind == BlockHuge {
		hdr := m.heap.chunkHdr(m.ZoneID, m.ChunkID)
		if hdr.chunkType != chunkTypeUsed {
			return true
		}
		return cb(*m)
	}
	if m.class == nil {
		return true
	}

	b := m.Bitmap()
	for i := uint32(0); i < b.nbits; i++ {
		if !b.isSet(i) {
			continue
		}
		cell := MemoryBlock{
			ZoneID:     m.ZoneID,
			ChunkID:    m.ChunkID,
			SizeIdx:    1,
			BlockOff:   i,
			HeaderType: m.HeaderType,
			kind:       BlockRun,
			class:      m.class,
			heap:       m.heap,
		}
		if !cb(cell) {
			return false
		}
	}
	return true
}

// Bitmap returns a view of the run's allocation bitmap. Only valid for run
// blocks of a known class.
func (m *MemoryBlock) Bitmap() runBitmap {
	return runBitmap{
		heap:  m.heap,
		off:   chunkOffset(m.ZoneID, m.ChunkID) + runHeaderSize,
		nbits: m.class.RunDesc.BitmapNbits,
		nvals: m.class.RunDesc.BitmapNvals,
	}
}

// memblockHugeInit materializes a FREE huge chunk: header written and
// persisted, volatile state rebuilt.
func memblockHugeInit(h *Heap, chunkID, zoneID, sizeIdx uint32) MemoryBlock {
	h.writeChunkHdr(zoneID, chunkID, chunkHeader{chunkTypeFree, 0, sizeIdx})

	m := MemoryBlock{ZoneID: zoneID, ChunkID: chunkID, SizeIdx: sizeIdx}
	m.rebuildState(h)
	return m
}

// memblockRunInit formats a free chunk extent as a run of the given class:
// run header and bitmap first, chunk headers last so that a crash before the
// final persist leaves the extent FREE.
func memblockRunInit(h *Heap, chunkID, zoneID uint32, c *Class) MemoryBlock {
	rdsc := &c.RunDesc
	base := chunkOffset(zoneID, chunkID)

	h.writeRunHdr(zoneID, chunkID, runHeader{blockSize: rdsc.UnitSize, alignment: rdsc.Alignment})

	// Zero the bitmap, then pre-set the unused tail bits of the last word.
	h.ops.Memset(base+runHeaderSize, 0, 8*uint64(rdsc.BitmapNvals))
	if tail := rdsc.BitmapNbits % bitsPerWord; tail != 0 {
		last := base + runHeaderSize + 8*uint64(rdsc.BitmapNvals-1)
		w := h.word(last)
		atomic.StoreUint64(w, ^uint64(0)<<tail)
		h.ops.Persist(last, 8)
	}

	// RUN_DATA headers carry their distance from the run start so that a
	// backward neighbor lookup through the preceding header lands on the
	// run's first chunk.
	flags := headerTypeFlags(c.HeaderType)
	for i := uint32(1); i < rdsc.SizeIdx; i++ {
		h.writeChunkHdr(zoneID, chunkID+i, chunkHeader{chunkTypeRunData, flags, i + 1})
	}
	h.writeChunkHdr(zoneID, chunkID, chunkHeader{chunkTypeRun, flags, rdsc.SizeIdx})

	m := MemoryBlock{ZoneID: zoneID, ChunkID: chunkID, SizeIdx: rdsc.SizeIdx}
	m.rebuildState(h)
	return m
}

// runBitmap is a view of one run's allocation bitmap in the mapped region.
// Words are accessed atomically: allocation claims race with frees applied
// by other threads.
type runBitmap struct {
	heap  *Heap
	off   uint64 // heap-relative offset of the first word
	nbits uint32
	nvals uint32
}

func (b runBitmap) wordPtr(i uint32) *uint64 {
	return b.heap.word(b.off + 8*uint64(i))
}

func (b runBitmap) isSet(bit uint32) bool {
	w := atomic.LoadUint64(b.wordPtr(bit / bitsPerWord))
	return w&(1<<(bit%bitsPerWord)) != 0
}

// findFit scans for units contiguous clear bits and claims them with a CAS.
// An allocation never crosses a word boundary, so units is at most 64.
// Returns the first cell index and whether the claim succeeded.
func (b runBitmap) findFit(units uint32) (uint32, bool) {
	mask := uint64(1)<<units - 1
	if units == bitsPerWord {
		mask = ^uint64(0)
	}
	for i := uint32(0); i < b.nvals; i++ {
		p := b.wordPtr(i)
	retry:
		w := atomic.LoadUint64(p)
		for shift := uint32(0); shift+units <= bitsPerWord; shift++ {
			m := mask << shift
			if w&m != 0 {
				continue
			}
			if !atomic.CompareAndSwapUint64(p, w, w|m) {
				goto retry
			}
			return i*bitsPerWord + shift, true
		}
	}
	return 0, false
}

// set marks units bits starting at the given cell index. Idempotent for
// bits already claimed.
func (b runBitmap) set(off, units uint32) {
	b.forRange(off, units, func(p *uint64, mask uint64) {
		for {
			w := atomic.LoadUint64(p)
			if atomic.CompareAndSwapUint64(p, w, w|mask) {
				return
			}
		}
	})
}

// clear releases units bits starting at the given cell index.
func (b runBitmap) clear(off, units uint32) {
	b.forRange(off, units, func(p *uint64, mask uint64) {
		for {
			w := atomic.LoadUint64(p)
			if atomic.CompareAndSwapUint64(p, w, w&^mask) {
				return
			}
		}
	})
}

// forRange calls fn once per word covering [off, off+units) with the mask of
// the affected bits.
func (b runBitmap) forRange(off, units uint32, fn func(p *uint64, mask uint64)) {
	for units > 0 {
		word := off / bitsPerWord
		shift := off % bitsPerWord
		n := units
		if shift+n > bitsPerWord {
			n = bitsPerWord - shift
		}
		mask := uint64(1)<<n - 1
		if n == bitsPerWord {
			mask = ^uint64(0)
		}
		fn(b.wordPtr(word), mask<<shift)
		off += n
		units -= n
	}
}

// persistRange flushes the bitmap words covering [off, off+units).
func (b runBitmap) persistRange(off, units uint32) {
	first := off / bitsPerWord
	last := (off + units - 1) / bitsPerWord
	b.heap.ops.Persist(b.off+8*uint64(first), 8*uint64(last-first+1))
}

// freeCount returns the number of clear bits, i.e. free cells.
func (b runBitmap) freeCount() uint32 {
	var set uint32
	for i := uint32(0); i < b.nvals; i++ {
		set += uint32(bits.OnesCount64(atomic.LoadUint64(b.wordPtr(i))))
	}
	padding := b.nvals*bitsPerWord - b.nbits
	return b.nbits - (set - padding)
}

// maxFreeRun returns the longest claimable extent: the most contiguous clear
// bits found within any single word. Padding bits are always set, so the
// tail never counts as free.
func (b runBitmap) maxFreeRun() uint32 {
	var best uint32
	for i := uint32(0); i < b.nvals; i++ {
		w := atomic.LoadUint64(b.wordPtr(i))
		if w == 0 {
			return bitsPerWord
		}
		var cur uint32
		for bit := uint32(0); bit < bitsPerWord; bit++ {
			if w&(1<<bit) == 0 {
				cur++
				if cur > best {
					best = cur
				}
			} else {
				cur = 0
			}
		}
	}
	return best
}
