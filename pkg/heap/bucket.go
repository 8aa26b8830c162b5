// bucket.go implements the thread-exclusive allocation frontend. A bucket
// binds a free-block container to an allocation class; lockedBucket wraps it
// with a mutex so that zoneset acquire/release hands out an exclusive view.
package heap

import "sync"

// Bucket is the per-class allocation frontend. All methods require the
// caller to hold the bucket via BucketAcquire.
type Bucket struct {
	heap   *Heap
	aclass *Class
	zset   *zoneSet
	cont   container

	// active is the run currently being carved, valid when isActive.
	active   MemoryBlock
	isActive bool

	owner *lockedBucket
}

// lockedBucket serializes access to a bucket.
type lockedBucket struct {
	mu sync.Mutex
	b  Bucket
}

func newLockedBucket(h *Heap, c container, aclass *Class, zset *zoneSet) *lockedBucket {
	lb := &lockedBucket{}
	lb.b = Bucket{heap: h, aclass: aclass, zset: zset, cont: c, owner: lb}
	return lb
}

// acquire obtains the bucket exclusively until release.
func (lb *lockedBucket) acquire() *Bucket {
	lb.mu.Lock()
	return &lb.b
}

func (b *Bucket) release() {
	b.owner.mu.Unlock()
}

// Class returns the allocation class the bucket serves.
func (b *Bucket) Class() *Class { return b.aclass }

// insertBlock indexes a free block.
func (b *Bucket) insertBlock(m *MemoryBlock) {
	b.cont.insert(*m)
}

// removeBlock removes the exact block from the index; used to steal a
// coalescing neighbor. Reports whether the block was present.
func (b *Bucket) removeBlock(m *MemoryBlock) bool {
	return b.cont.removeSpecific(m)
}

// allocBlock satisfies a request of m.SizeIdx extent units. For huge classes
// the container tracks whole free chunk extents; for run classes split
// remainders are preferred, then the active run's bitmap is scanned first-fit
// and the cells claimed with a CAS against concurrent frees. A miss returns
// false and leaves m untouched for the refill path.
func (b *Bucket) allocBlock(m *MemoryBlock) bool {
	if b.aclass.Kind == ClassHuge {
		return b.cont.getBestFit(m)
	}

	if b.cont.getBestFit(m) {
		return true
	}
	if !b.isActive {
		return false
	}

	off, ok := b.active.Bitmap().findFit(m.SizeIdx)
	if !ok {
		return false
	}
	units := m.SizeIdx
	*m = b.active
	m.BlockOff = off
	m.SizeIdx = units
	return true
}

// attachRun installs a run as the bucket's active run. The run must not be
// visible to any recycler while attached.
func (b *Bucket) attachRun(m *MemoryBlock) {
	b.heap.claimRun(m)
	b.active = *m
	b.isActive = true
}

// detachRun removes the active run, reporting it and whether it carries no
// outstanding allocations. Split remainders indexed from it are dropped;
// their cells remain clear in the bitmap. Returns false when no run is
// attached.
func (b *Bucket) detachRun(out *MemoryBlock, outEmpty *bool) bool {
	if !b.isActive {
		return false
	}
	*out = b.active
	*outEmpty = b.active.Bitmap().freeCount() == b.aclass.RunDesc.Nallocs

	b.cont.clear()
	b.isActive = false
	b.active = MemoryBlock{}
	b.heap.unclaimRun(out)
	return true
}
