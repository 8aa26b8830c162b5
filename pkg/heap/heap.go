// Package heap implements a persistent heap allocator over a memory-mapped
// pool region. The region is divided into fixed-size zones, zones into
// chunks, and chunks are either handed out whole (huge allocations) or
// formatted as runs of uniform cells tracked by a bitmap (small
// allocations). The layout keeps strong on-storage invariants so that an
// interrupted allocation leaves a recoverable pool; durability ordering is
// delegated to the caller-provided persist operations, which are expected to
// front a write-ahead log.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/marmos91/pmheap/internal/logger"
)

// MaxRunLocks is the size of the striped mutex array protecting persistent
// run-chunk metadata updates.
const MaxRunLocks = 1024

// zoneSet is the collection of buckets and recyclers sharing the heap's
// zones. There is a single zone set per heap; the bucket interface does not
// assume that, so more sets can be added without changing it.
type zoneSet struct {
	defaultBucket *lockedBucket
	buckets       [MaxAllocationClasses]*lockedBucket
	recyclers     [MaxAllocationClasses]atomic.Pointer[recycler]
}

// Heap is the volatile runtime of one mapped pool region.
type Heap struct {
	data  []byte
	ops   Ops
	stats Stats
	sizep *uint64

	classes     *ClassCollection
	defaultZset *zoneSet
	runLocks    [MaxRunLocks]sync.Mutex

	nzones uint32
	// zonesExhausted counts zones already consumed by populateBucket.
	// Guarded by the default bucket: every populate call holds it.
	zonesExhausted uint32

	// claimed tracks runs currently attached to a bucket so the recycler
	// never hands an active run to a second owner.
	claimedMu sync.Mutex
	claimed   map[runID]struct{}

	// allocPattern, when non-negative, is a debug fill byte applied to
	// newly returned huge blocks.
	allocPattern int
}

// Init formats a writable region as an empty heap: header written and
// persisted, zone metadata zeroed so zones initialize lazily on first use.
// The persisted heap size is returned through sizep; persisting sizep itself
// is the caller's concern, it lives outside the heap region.
func Init(data []byte, sizep *uint64, ops Ops) error {
	size := uint64(len(data))
	if size < HeapMinSize {
		return fmt.Errorf("%w: region of %d bytes below minimum %d", ErrInvalidArgument, size, HeapMinSize)
	}

	hdr := heapHeader{
		signature:     heapSignature,
		major:         HeapMajor,
		minor:         HeapMinor,
		chunkSize:     ChunkSize,
		chunksPerZone: MaxChunk,
		poolUUID:      uuid.New(),
	}
	encodeHeapHeader(data, hdr)
	hdr.checksum = headerChecksum(data)
	encodeHeapHeader(data, hdr)
	ops.Persist(0, HeapHeaderSize)

	for i := uint32(0); i < maxZone(size); i++ {
		ops.Memset(zoneOffset(i), 0, ZoneHeaderSize)
		ops.Memset(chunkHeaderOffset(i, 0), 0, ChunkHeaderSize)
	}

	*sizep = size
	return nil
}

// Boot constructs the heap runtime over an opened region. A zero *sizep
// (interrupted Init, or a pool predating the size field) adopts the mapped
// size; a mapped region smaller than the persisted size is rejected.
func Boot(data []byte, sizep *uint64, ops Ops, stats Stats) (*Heap, error) {
	if *sizep == 0 {
		*sizep = uint64(len(data))
	}
	if uint64(len(data)) < *sizep {
		return nil, fmt.Errorf("%w: mapped region smaller than the heap size", ErrInvalidArgument)
	}

	classes, err := NewClassCollection()
	if err != nil {
		return nil, err
	}

	h := &Heap{
		data:         data,
		ops:          ops,
		stats:        stats,
		sizep:        sizep,
		classes:      classes,
		nzones:       maxZone(uint64(len(data))),
		claimed:      make(map[runID]struct{}),
		allocPattern: -1,
	}
	h.defaultZset = h.newDefaultZoneSet()
	h.zoneUpdateIfNeeded()
	return h, nil
}

// newDefaultZoneSet builds the default bucket (size-ordered tree over free
// chunk extents) and one seglists bucket per run class.
func (h *Heap) newDefaultZoneSet() *zoneSet {
	zset := &zoneSet{}
	h.classes.ForEach(func(c *Class) {
		if c.ID == DefaultAllocClassID {
			zset.defaultBucket = newLockedBucket(h, newRavlContainer(), c, zset)
			return
		}
		zset.buckets[c.ID] = newLockedBucket(h, newSeglistsContainer(), c, zset)
	})
	return zset
}

// CreateAllocClassBuckets lazily instantiates bucket storage for a class
// registered after boot.
func (h *Heap) CreateAllocClassBuckets(c *Class) {
	zset := h.defaultZset
	if zset.buckets[c.ID] == nil {
		zset.buckets[c.ID] = newLockedBucket(h, newSeglistsContainer(), c, zset)
	}
}

// Cleanup tears down the volatile state. The persistent layout is untouched.
func (h *Heap) Cleanup() {
	h.defaultZset = nil
	h.classes = nil
	h.data = nil
}

// AllocClasses returns the allocation-class registry.
func (h *Heap) AllocClasses() *ClassCollection { return h.classes }

// BestClass returns the class that best fits a request of size bytes.
func (h *Heap) BestClass(size uint64) *Class {
	return h.classes.ByAllocSize(size)
}

// UUID returns the pool UUID stamped at Init.
func (h *Heap) UUID() uuid.UUID {
	return decodeHeapHeader(h.data).poolUUID
}

// SetAllocPattern enables the debug fill byte applied to returned huge
// blocks. Disabled by default.
func (h *Heap) SetAllocPattern(b byte) { h.allocPattern = int(b) }

// getZoneset returns the zone set owning a zone. A single set serves the
// whole heap for now.
func (h *Heap) getZoneset(zoneID uint32) *zoneSet { return h.defaultZset }

// RebuildState reconstructs a block's volatile classification from the
// persistent headers. Callers reconstructing block handles after a reboot
// must rebuild before invoking any block operation.
func (h *Heap) RebuildState(m *MemoryBlock) {
	m.rebuildState(h)
}

// BucketAcquire fetches the bucket for the class exclusively for the
// calling goroutine until BucketRelease.
func (h *Heap) BucketAcquire(classID uint8) (*Bucket, error) {
	zset := h.defaultZset
	var lb *lockedBucket
	if classID == DefaultAllocClassID {
		lb = zset.defaultBucket
	} else {
		lb = zset.buckets[classID]
	}
	if lb == nil {
		return nil, fmt.Errorf("%w: no bucket for class %d", ErrInvalidArgument, classID)
	}
	return lb.acquire(), nil
}

// BucketRelease puts the bucket back.
func (h *Heap) BucketRelease(b *Bucket) {
	b.release()
}

// runLock returns the striped lock for a chunk's run metadata.
func (h *Heap) runLock(chunkID uint32) *sync.Mutex {
	return &h.runLocks[chunkID%MaxRunLocks]
}

func (h *Heap) claimRun(m *MemoryBlock) {
	h.claimedMu.Lock()
	h.claimed[runID{m.ZoneID, m.ChunkID}] = struct{}{}
	h.claimedMu.Unlock()
}

func (h *Heap) unclaimRun(m *MemoryBlock) {
	h.claimedMu.Lock()
	delete(h.claimed, runID{m.ZoneID, m.ChunkID})
	h.claimedMu.Unlock()
}

func (h *Heap) runClaimed(m *MemoryBlock) bool {
	h.claimedMu.Lock()
	_, ok := h.claimed[runID{m.ZoneID, m.ChunkID}]
	h.claimedMu.Unlock()
	return ok
}

// getRecycler retrieves the per-class recycler, constructing it on first
// use. Losers of the construction race discard their instance.
func (h *Heap) getRecycler(zset *zoneSet, c *Class) *recycler {
	slot := &zset.recyclers[c.ID]
	if r := slot.Load(); r != nil {
		return r
	}
	r := newRecycler(h, zset, c.RunDesc.Nallocs)
	if !slot.CompareAndSwap(nil, r) {
		return slot.Load()
	}
	return r
}

// Raw persistent-structure accessors. The word accessor requires 8-byte
// alignment, which every bitmap word has: the heap base is page-aligned and
// all word offsets are multiples of 8.

func (h *Heap) word(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.data[off]))
}

func (h *Heap) chunkHdr(zoneID, chunkID uint32) chunkHeader {
	off := chunkHeaderOffset(zoneID, chunkID)
	return decodeChunkHeader(h.data[off : off+ChunkHeaderSize])
}

// writeChunkHdr writes and persists a chunk header, maintaining the backward
// lookup footer in the extent's last header for multi-chunk extents.
func (h *Heap) writeChunkHdr(zoneID, chunkID uint32, hdr chunkHeader) {
	off := chunkHeaderOffset(zoneID, chunkID)
	encodeChunkHeader(h.data[off:off+ChunkHeaderSize], hdr)
	h.ops.Persist(off, ChunkHeaderSize)

	if hdr.sizeIdx > 1 && (hdr.chunkType == chunkTypeFree || hdr.chunkType == chunkTypeUsed) {
		foff := chunkHeaderOffset(zoneID, chunkID+hdr.sizeIdx-1)
		encodeChunkHeader(h.data[foff:foff+ChunkHeaderSize],
			chunkHeader{chunkType: chunkTypeUnknown, sizeIdx: hdr.sizeIdx})
		h.ops.Persist(foff, ChunkHeaderSize)
	}
}

type runHeader struct {
	blockSize uint64
	alignment uint64
}

func (h *Heap) runHdr(zoneID, chunkID uint32) runHeader {
	off := chunkOffset(zoneID, chunkID)
	return runHeader{
		blockSize: atomic.LoadUint64(h.word(off + runOffBlockSize)),
		alignment: atomic.LoadUint64(h.word(off + runOffAlignment)),
	}
}

func (h *Heap) writeRunHdr(zoneID, chunkID uint32, rh runHeader) {
	off := chunkOffset(zoneID, chunkID)
	atomic.StoreUint64(h.word(off+runOffBlockSize), rh.blockSize)
	atomic.StoreUint64(h.word(off+runOffAlignment), rh.alignment)
	h.ops.Persist(off, runHeaderSize)
}

func (h *Heap) zoneMagic(zoneID uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&h.data[zoneOffset(zoneID)])))
}

func (h *Heap) zoneSizeIdx(zoneID uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&h.data[zoneOffset(zoneID)+4])))
}

// zoneInit writes a zone's first free chunk and its header. Also used to
// extend the last zone when the pool grew between sessions, in which case
// firstChunkID is the old chunk count.
func (h *Heap) zoneInit(zoneID, firstChunkID uint32) {
	sizeIdx := zoneCalcSizeIdx(zoneID, h.nzones, *h.sizep)
	memblockHugeInit(h, firstChunkID, zoneID, sizeIdx-firstChunkID)

	off := zoneOffset(zoneID)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&h.data[off+4])), sizeIdx)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&h.data[off])), zoneHeaderMagic)
	h.ops.Persist(off, 8)
}

// zoneUpdateIfNeeded reconciles zone metadata with a pool that grew between
// sessions: the last initialized zone's tail is re-initialized as one new
// FREE chunk.
func (h *Heap) zoneUpdateIfNeeded() {
	for i := uint32(0); i < h.nzones; i++ {
		if h.zoneMagic(i) != zoneHeaderMagic {
			continue
		}
		if sizeIdx := zoneCalcSizeIdx(i, h.nzones, *h.sizep); sizeIdx != h.zoneSizeIdx(i) {
			h.zoneInit(i, h.zoneSizeIdx(i))
		}
	}
}

// adjacentFreeBlock locates the FREE neighbor of a huge block, before it
// (prev) or after it. The last chunk header of every huge extent carries the
// extent length, which makes the backward lookup possible.
func (h *Heap) adjacentFreeBlock(in *MemoryBlock, prev bool) (MemoryBlock, bool) {
	out := MemoryBlock{ZoneID: in.ZoneID}

	if prev {
		if in.ChunkID == 0 {
			return out, false
		}
		prevHdr := h.chunkHdr(in.ZoneID, in.ChunkID-1)
		out.ChunkID = in.ChunkID - prevHdr.sizeIdx
	} else {
		if in.ChunkID+in.SizeIdx == h.zoneSizeIdx(in.ZoneID) {
			return out, false
		}
		out.ChunkID = in.ChunkID + in.SizeIdx
	}

	hdr := h.chunkHdr(out.ZoneID, out.ChunkID)
	if hdr.chunkType != chunkTypeFree {
		return out, false
	}
	out.SizeIdx = hdr.sizeIdx
	out.rebuildState(h)
	return out, true
}

// coalesceHuge merges a huge block with any FREE neighbors it can steal out
// of the bucket's container, returning the resulting block. Purely volatile;
// the caller persists the merged header if the extent changed.
func (h *Heap) coalesceHuge(b *Bucket, m *MemoryBlock) MemoryBlock {
	ret := *m

	if prev, ok := h.adjacentFreeBlock(m, true); ok && b.removeBlock(&prev) {
		ret.ChunkID = prev.ChunkID
		ret.SizeIdx += prev.SizeIdx
	}
	if next, ok := h.adjacentFreeBlock(m, false); ok && b.removeBlock(&next) {
		ret.SizeIdx += next.SizeIdx
	}

	ret.rebuildState(h)
	return ret
}

// FreeChunkReuse coalesces a free chunk extent with its neighbors and
// indexes it in the bucket. The merged header is persisted before the block
// becomes observable through the container.
func (h *Heap) FreeChunkReuse(b *Bucket, m *MemoryBlock) {
	nm := h.coalesceHuge(b, m)
	if nm.SizeIdx != m.SizeIdx {
		nm.PrepHdr(BlockStateFree)
	}
	*m = nm
	b.insertBlock(m)
}

// runIntoFreeChunk demotes a run with no live allocations back into a free
// chunk extent. The striped run lock orders this against a concurrent
// OnFree of the last cell observed by another thread.
func (h *Heap) runIntoFreeChunk(b *Bucket, m *MemoryBlock) {
	hdr := h.chunkHdr(m.ZoneID, m.ChunkID)
	m.BlockOff = 0
	m.SizeIdx = hdr.sizeIdx

	statsSub(h.stats, StatRunActive, uint64(m.SizeIdx)*ChunkSize)

	lock := h.runLock(m.ChunkID)
	lock.Lock()
	*m = memblockHugeInit(h, m.ChunkID, m.ZoneID, m.SizeIdx)
	h.FreeChunkReuse(b, m)
	lock.Unlock()
}

// reclaimRun inspects a run found during zone reclamation or discard.
// Returns true when the run is fully empty and should be demoted; otherwise
// the run is published to its class recycler. Runs whose class is no longer
// registered are left untouched unless empty.
func (h *Heap) reclaimRun(m *MemoryBlock, startup bool) bool {
	hdr := h.chunkHdr(m.ZoneID, m.ChunkID)
	rh := h.runHdr(m.ZoneID, m.ChunkID)
	zset := h.getZoneset(m.ZoneID)

	c := h.classes.ByRun(rh.blockSize, hdr.flags, hdr.sizeIdx)
	if c == nil {
		desc, err := computeRunDesc(rh.blockSize, hdr.sizeIdx)
		if err != nil {
			logger.Warn("run with invalid geometry left in place",
				"zone", m.ZoneID, "chunk", m.ChunkID, "block_size", rh.blockSize)
			return false
		}
		bm := runBitmap{heap: h, off: chunkOffset(m.ZoneID, m.ChunkID) + runHeaderSize,
			nbits: desc.BitmapNbits, nvals: desc.BitmapNvals}
		logger.Warn("run of unregistered class", "zone", m.ZoneID, "chunk", m.ChunkID,
			"block_size", rh.blockSize)
		return bm.freeCount() == desc.Nallocs
	}

	e := recyclerElementNew(m)
	if e.freeSpace == c.RunDesc.Nallocs {
		return true
	}

	if startup {
		statsInc(h.stats, StatRunActive, uint64(m.SizeIdx)*ChunkSize)
		statsInc(h.stats, StatRunAllocated,
			uint64(c.RunDesc.Nallocs-e.freeSpace)*rh.blockSize)
	}

	h.getRecycler(zset, c).put(e)
	return false
}

// reclaimZoneGarbage rebuilds the volatile state of one zone: free chunks
// are coalesced into the bucket, runs are scored into their recyclers or
// demoted, used chunks are skipped.
func (h *Heap) reclaimZoneGarbage(b *Bucket, zoneID uint32) {
	zsize := h.zoneSizeIdx(zoneID)
	for i := uint32(0); i < zsize; {
		hdr := h.chunkHdr(zoneID, i)
		if hdr.sizeIdx == 0 {
			panic(fmt.Sprintf("heap: zero-length chunk header at zone %d chunk %d", zoneID, i))
		}

		m := MemoryBlock{ZoneID: zoneID, ChunkID: i, SizeIdx: hdr.sizeIdx}
		m.rebuildState(h)
		m.ReinitChunk()

		switch hdr.chunkType {
		case chunkTypeRun:
			if h.reclaimRun(&m, true) {
				h.runIntoFreeChunk(b, &m)
			}
		case chunkTypeFree:
			h.FreeChunkReuse(b, &m)
		case chunkTypeUsed:
		default:
			panic(fmt.Sprintf("heap: unexpected chunk type %d at zone %d chunk %d",
				hdr.chunkType, zoneID, i))
		}

		i = m.ChunkID + m.SizeIdx // the header may have been coalesced
	}
}

// populateBucket consumes one unexplored zone into the default bucket.
// Requires the default bucket held, which also guards zonesExhausted.
func (h *Heap) populateBucket(b *Bucket) error {
	if h.zonesExhausted == h.nzones {
		return ErrOutOfMemory
	}

	zoneID := h.zonesExhausted
	h.zonesExhausted++

	if h.zoneMagic(zoneID) != zoneHeaderMagic {
		h.zoneInit(zoneID, 0)
	}
	h.reclaimZoneGarbage(b, zoneID)

	// Finding no free blocks here is fine; later zones may still have some.
	return nil
}

// recycleUnused recalculates recycler scores and demotes any fully-empty
// runs into free chunks. Without force this can be a no-op when not enough
// space was freed since the last pass.
func (h *Heap) recycleUnused(r *recycler, defb *Bucket, force bool) error {
	empties := r.recalc(force)
	if len(empties) == 0 {
		return ErrOutOfMemory
	}

	nb := defb
	if nb == nil {
		var err error
		nb, err = h.BucketAcquire(DefaultAllocClassID)
		if err != nil {
			return err
		}
		defer h.BucketRelease(nb)
	}

	for i := range empties {
		h.runIntoFreeChunk(nb, &empties[i])
	}
	return nil
}

// reclaimGarbage force-recalculates every recycler of the zone set,
// reclaiming chunks from empty runs. Succeeds if any recycler yielded.
func (h *Heap) reclaimGarbage(zset *zoneSet, defb *Bucket) error {
	err := ErrOutOfMemory
	for i := range zset.recyclers {
		r := zset.recyclers[i].Load()
		if r == nil {
			continue
		}
		if h.recycleUnused(r, defb, true) == nil {
			err = nil
		}
	}
	return err
}

// ensureHugeBucketFilled refills the default bucket: reclaim empty runs
// first, then consume a fresh zone. Growth past the initial mapping is not
// supported, so exhausted zones end in ErrOutOfMemory.
func (h *Heap) ensureHugeBucketFilled(b *Bucket) error {
	if h.reclaimGarbage(b.zset, b) == nil {
		return nil
	}
	if h.populateBucket(b) == nil {
		return nil
	}
	if h.populateBucket(b) == nil {
		return nil
	}
	return ErrOutOfMemory
}

// DiscardRun returns a run block to the heap: demoted to a free chunk when
// empty, otherwise published to its recycler.
func (h *Heap) DiscardRun(m *MemoryBlock) {
	if h.reclaimRun(m, false) {
		b, err := h.BucketAcquire(DefaultAllocClassID)
		if err != nil {
			return
		}
		h.runIntoFreeChunk(b, m)
		h.BucketRelease(b)
	}
}

// detachAndTryDiscardRun detaches the bucket's active run and discards it
// when it carries no allocations.
func (h *Heap) detachAndTryDiscardRun(b *Bucket) {
	var m MemoryBlock
	var empty bool
	if !b.detachRun(&m, &empty) {
		return
	}
	if empty {
		h.DiscardRun(&m)
	}
}

// reuseFromRecycler tries to attach a partially-empty run from the class
// recycler. Freshly-freed cells are only visible after a recalc pass, so on
// a miss one (possibly thresholded) recalc is attempted before giving up.
func (h *Heap) reuseFromRecycler(b *Bucket, units uint32, force bool) error {
	zset := b.zset
	r := h.getRecycler(zset, b.aclass)

	m := MemoryBlock{SizeIdx: units}
	if !force && r.get(&m) {
		b.attachRun(&m)
		return nil
	}

	_ = h.recycleUnused(r, nil, force)

	m = MemoryBlock{SizeIdx: units}
	if r.get(&m) {
		b.attachRun(&m)
		return nil
	}
	return ErrOutOfMemory
}

// runCreate formats a free chunk extent as a fresh run and attaches it.
func (h *Heap) runCreate(b *Bucket, m *MemoryBlock) {
	*m = memblockRunInit(h, m.ChunkID, m.ZoneID, b.aclass)
	b.attachRun(m)
	statsInc(h.stats, StatRunActive, uint64(m.SizeIdx)*ChunkSize)
}

// ensureRunBucketFilled refills a run bucket: recycler first, then a fresh
// zone, then carving a new run out of the default bucket, then the recycler
// once more in case a parallel freer raced the previous steps.
func (h *Heap) ensureRunBucketFilled(b *Bucket, units uint32) error {
	h.detachAndTryDiscardRun(b)

	if h.reuseFromRecycler(b, units, false) == nil {
		return nil
	}

	// Search the next zone before attempting to create a new run.
	defb, err := h.BucketAcquire(DefaultAllocClassID)
	if err != nil {
		return err
	}
	_ = h.populateBucket(defb)
	h.BucketRelease(defb)

	if h.reuseFromRecycler(b, units, false) == nil {
		return nil
	}

	m := MemoryBlock{SizeIdx: b.aclass.RunDesc.SizeIdx}
	defb, err = h.BucketAcquire(DefaultAllocClassID)
	if err != nil {
		return err
	}
	if h.GetBestfitBlock(defb, &m) == nil {
		h.runCreate(b, &m)
		h.BucketRelease(defb)
		return nil
	}
	h.BucketRelease(defb)

	if h.reuseFromRecycler(b, units, false) == nil {
		return nil
	}
	return ErrOutOfMemory
}

// splitBlock carves the requested extent out of an oversized block and
// reindexes the remainder: back into the tree for huge blocks, into the
// run bucket's free lists for cell extents.
func (h *Heap) splitBlock(b *Bucket, m *MemoryBlock, units uint32) {
	if b.aclass.Kind == ClassRun {
		r := *m
		r.BlockOff = m.BlockOff + units
		r.SizeIdx = m.SizeIdx - units
		b.insertBlock(&r)
	} else {
		n := memblockHugeInit(h, m.ChunkID+units, m.ZoneID, m.SizeIdx-units)
		*m = memblockHugeInit(h, m.ChunkID, m.ZoneID, units)
		b.insertBlock(&n)
	}
	m.SizeIdx = units
}

// GetBestfitBlock extracts a block of m.SizeIdx extent units (chunks for
// huge classes, cells for run classes) from the bucket, refilling it as
// needed. On success m identifies the allocation and carries the class's
// header type; the caller persists the allocated state through PrepHdr.
func (h *Heap) GetBestfitBlock(b *Bucket, m *MemoryBlock) error {
	units := m.SizeIdx

	for !b.allocBlock(m) {
		if b.aclass.Kind == ClassHuge {
			if err := h.ensureHugeBucketFilled(b); err != nil {
				return err
			}
		} else {
			if err := h.ensureRunBucketFilled(b, units); err != nil {
				return err
			}
		}
	}

	if units != m.SizeIdx {
		h.splitBlock(b, m, units)
	}

	m.EnsureHeaderType(b.aclass.HeaderType)

	if b.aclass.Kind == ClassRun {
		statsInc(h.stats, StatRunAllocated, uint64(units)*b.aclass.UnitSize)
	} else if h.allocPattern >= 0 {
		h.ops.Memset(m.Offset(), byte(h.allocPattern), m.Size())
	}
	return nil
}

// OnFree performs the bookkeeping that follows a durable free. Run cells
// are recorded in their class recycler; huge frees are delivered
// synchronously by the caller through FreeChunkReuse and need nothing here.
func (h *Heap) OnFree(m *MemoryBlock) {
	if m.kind != BlockRun {
		return
	}

	hdr := h.chunkHdr(m.ZoneID, m.ChunkID)
	rh := h.runHdr(m.ZoneID, m.ChunkID)

	c := h.classes.ByRun(rh.blockSize, hdr.flags, hdr.sizeIdx)
	if c == nil {
		logger.Warn("freed cell of unregistered run class is untracked",
			"zone", m.ZoneID, "chunk", m.ChunkID, "block_size", rh.blockSize)
		return
	}

	statsSub(h.stats, StatRunAllocated, uint64(m.SizeIdx)*c.UnitSize)
	h.getRecycler(h.getZoneset(m.ZoneID), c).incUnaccounted(m)
}

// End returns the first heap-relative offset past the last zone.
func (h *Heap) End() uint64 {
	last := h.nzones - 1
	sizeIdx := h.zoneSizeIdx(last)
	if h.zoneMagic(last) != zoneHeaderMagic {
		sizeIdx = zoneCalcSizeIdx(last, h.nzones, *h.sizep)
	}
	return zoneOffset(last) + zoneMetaSize + uint64(sizeIdx)*ChunkSize
}

// ForeachObject walks every live allocation: USED huge extents and set run
// cells. The seed block is the iteration cursor, allowing a walk to resume;
// the zero value starts from the beginning. The callback returns false to
// stop.
func (h *Heap) ForeachObject(cb func(m MemoryBlock) bool, seed MemoryBlock) {
	m := seed
	for ; m.ZoneID < h.nzones; m.ZoneID++ {
		if !h.zoneForeachObject(cb, &m) {
			return
		}
		m.ChunkID = 0
	}
}

func (h *Heap) zoneForeachObject(cb func(m MemoryBlock) bool, m *MemoryBlock) bool {
	if h.zoneMagic(m.ZoneID) != zoneHeaderMagic {
		return true
	}
	zsize := h.zoneSizeIdx(m.ZoneID)
	for m.ChunkID < zsize {
		hdr := h.chunkHdr(m.ZoneID, m.ChunkID)
		m.SizeIdx = hdr.sizeIdx
		m.rebuildState(h)

		if !m.IterateUsed(cb) {
			return false
		}

		m.ChunkID += m.SizeIdx
		m.BlockOff = 0
	}
	return true
}
