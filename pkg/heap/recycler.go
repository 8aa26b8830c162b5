// recycler.go implements the deferred-free ledger. Frees of run cells are
// durable the moment the bitmap update is processed, but making the freed
// space allocatable again is deferred: OnFree only records the run in the
// pending side of the ledger, and a later recalc pass recounts each pending
// run's bitmap, moving partially-free runs to the reusable side and handing
// fully-empty ones back for demotion into free chunks.
package heap

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// runID identifies a run by its first chunk.
type runID struct {
	zoneID  uint32
	chunkID uint32
}

// recyclerElement is one scored ledger entry.
type recyclerElement struct {
	id           runID
	sizeIdx      uint32 // run extent in chunks
	freeSpace    uint32 // free cells at scoring time
	maxFreeBlock uint32 // largest claimable extent at scoring time
}

// recyclerElementNew scores a run from its current bitmap.
func recyclerElementNew(m *MemoryBlock) recyclerElement {
	b := m.Bitmap()
	return recyclerElement{
		id:           runID{m.ZoneID, m.ChunkID},
		sizeIdx:      m.SizeIdx,
		freeSpace:    b.freeCount(),
		maxFreeBlock: b.maxFreeRun(),
	}
}

// recycler is the per-class ledger. The reusable side is ordered most-free
// first so that get maximizes the cells available to the acquiring bucket.
type recycler struct {
	heap    *Heap
	zset    *zoneSet
	nallocs uint32

	// unaccounted counts freed cells since the last recalc; recalc is a
	// no-op below the threshold unless forced.
	unaccounted atomic.Uint64

	mu       sync.Mutex
	pending  map[runID]uint32          // runs with unprocessed frees -> extent
	elements map[runID]recyclerElement // reusable-side index for rescoring
	reusable *btree.BTreeG[recyclerElement]
}

func newRecycler(h *Heap, zset *zoneSet, nallocs uint32) *recycler {
	return &recycler{
		heap:     h,
		zset:     zset,
		nallocs:  nallocs,
		pending:  make(map[runID]uint32),
		elements: make(map[runID]recyclerElement),
		reusable: btree.NewG(ravlDegree, func(a, b recyclerElement) bool {
			if a.freeSpace != b.freeSpace {
				return a.freeSpace > b.freeSpace
			}
			if a.id.zoneID != b.id.zoneID {
				return a.id.zoneID < b.id.zoneID
			}
			return a.id.chunkID < b.id.chunkID
		}),
	}
}

// incUnaccounted records a freed block of the run. Called after the free is
// durable; the cells become allocatable only after a recalc pass.
func (r *recycler) incUnaccounted(m *MemoryBlock) {
	r.unaccounted.Add(uint64(m.SizeIdx))

	hdr := r.heap.chunkHdr(m.ZoneID, m.ChunkID)
	r.mu.Lock()
	r.pending[runID{m.ZoneID, m.ChunkID}] = hdr.sizeIdx
	r.mu.Unlock()
}

// put inserts a scored run element; called for detached runs discovered
// during zone reclamation and run discard.
func (r *recycler) put(e recyclerElement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(e)
}

func (r *recycler) replaceLocked(e recyclerElement) {
	if old, ok := r.elements[e.id]; ok {
		r.reusable.Delete(old)
	}
	r.elements[e.id] = e
	r.reusable.ReplaceOrInsert(e)
}

// get removes and returns the most-free run able to serve m.SizeIdx cells,
// rewriting m into the run block. Reports a miss with false.
func (r *recycler) get(m *MemoryBlock) bool {
	units := m.SizeIdx

	r.mu.Lock()
	var found recyclerElement
	var ok bool
	r.reusable.Ascend(func(e recyclerElement) bool {
		if e.maxFreeBlock >= units {
			found = e
			ok = true
			return false
		}
		return true
	})
	if ok {
		r.reusable.Delete(found)
		delete(r.elements, found.id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	*m = MemoryBlock{ZoneID: found.id.zoneID, ChunkID: found.id.chunkID, SizeIdx: found.sizeIdx}
	m.rebuildState(r.heap)
	return true
}

// recalc normalizes the pending side of the ledger. Below the threshold it
// is a no-op unless forced. Runs still claimed by a bucket are carried over;
// the rest are rescored from their bitmaps. Fully-empty runs are returned
// for demotion and leave the ledger.
func (r *recycler) recalc(force bool) []MemoryBlock {
	if !force && r.unaccounted.Load() < uint64(r.nallocs) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var empties []MemoryBlock
	for id, sizeIdx := range r.pending {
		m := MemoryBlock{ZoneID: id.zoneID, ChunkID: id.chunkID, SizeIdx: sizeIdx}
		m.rebuildState(r.heap)
		if r.heap.runClaimed(&m) {
			continue // still active in a bucket; keep pending
		}
		delete(r.pending, id)
		if m.class == nil {
			continue // class set changed; the startup reclaim pass owns it
		}

		e := recyclerElementNew(&m)
		if e.freeSpace == r.nallocs {
			if old, ok := r.elements[id]; ok {
				r.reusable.Delete(old)
				delete(r.elements, id)
			}
			empties = append(empties, m)
			continue
		}
		r.replaceLocked(e)
	}
	r.unaccounted.Store(0)
	return empties
}
