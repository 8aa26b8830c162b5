package heap

import "testing"

// twoRunsForTest carves two runs of the 64-byte class with different
// occupancy: runA has 10 live cells, runB has 2.
func twoRunsForTest(t *testing.T) (*Heap, MemoryBlock, MemoryBlock) {
	t.Helper()
	data := testRegion(t, regionOfChunks(8))
	h := mustBoot(t, data, nil)

	b, err := h.BucketAcquire(DefaultAllocClassID)
	if err != nil {
		t.Fatalf("acquiring default bucket: %v", err)
	}
	c := h.classes.ByAllocSize(64)

	carve := func(claims uint32) MemoryBlock {
		m := MemoryBlock{SizeIdx: 1}
		if err := h.GetBestfitBlock(b, &m); err != nil {
			t.Fatalf("getting a free chunk: %v", err)
		}
		run := memblockRunInit(h, m.ChunkID, m.ZoneID, c)
		bm := run.Bitmap()
		for i := uint32(0); i < claims; i++ {
			if _, ok := bm.findFit(1); !ok {
				t.Fatal("claim failed on a fresh run")
			}
		}
		return run
	}

	runA := carve(10)
	runB := carve(2)
	h.BucketRelease(b)
	return h, runA, runB
}

func TestRecyclerGet_MostFreeFirst(t *testing.T) {
	h, runA, runB := twoRunsForTest(t)
	r := h.getRecycler(h.defaultZset, runA.Class())

	r.put(recyclerElementNew(&runA))
	r.put(recyclerElementNew(&runB))

	m := MemoryBlock{SizeIdx: 1}
	if !r.get(&m) {
		t.Fatal("get missed with two runs in the ledger")
	}
	if m.ChunkID != runB.ChunkID {
		t.Errorf("got run at chunk %d, want the most-free run at %d", m.ChunkID, runB.ChunkID)
	}

	m = MemoryBlock{SizeIdx: 1}
	if !r.get(&m) {
		t.Fatal("second get missed")
	}
	if m.ChunkID != runA.ChunkID {
		t.Errorf("second get returned chunk %d, want %d", m.ChunkID, runA.ChunkID)
	}

	m = MemoryBlock{SizeIdx: 1}
	if r.get(&m) {
		t.Error("get succeeded on an empty ledger")
	}
}

func TestRecyclerGet_RespectsMaxFreeBlock(t *testing.T) {
	h, runA, _ := twoRunsForTest(t)
	r := h.getRecycler(h.defaultZset, runA.Class())

	// Leave only scattered single-cell holes in runA.
	bm := runA.Bitmap()
	for i := uint32(0); i < bm.nvals; i++ {
		*bm.wordPtr(i) = 0xaaaaaaaaaaaaaaaa // alternating bits
	}
	r.put(recyclerElementNew(&runA))

	m := MemoryBlock{SizeIdx: 2}
	if r.get(&m) {
		t.Error("a 2-cell request was served from single-cell holes")
	}
	m = MemoryBlock{SizeIdx: 1}
	if !r.get(&m) {
		t.Error("a 1-cell request missed")
	}
}

func TestRecyclerRecalc_Threshold(t *testing.T) {
	h, runA, _ := twoRunsForTest(t)
	c := runA.Class()
	r := h.getRecycler(h.defaultZset, c)

	// One freed cell is far below the threshold.
	cell := MemoryBlock{ZoneID: runA.ZoneID, ChunkID: runA.ChunkID, SizeIdx: 1, BlockOff: 0}
	cell.rebuildState(h)
	r.incUnaccounted(&cell)

	if empties := r.recalc(false); empties != nil {
		t.Errorf("recalc below threshold processed the ledger")
	}
	if got := r.unaccounted.Load(); got != 1 {
		t.Errorf("unaccounted reset by a no-op recalc: %d", got)
	}

	// Forced recalc processes regardless.
	r.recalc(true)
	if r.unaccounted.Load() != 0 {
		t.Error("forced recalc did not reset the pending counter")
	}

	m := MemoryBlock{SizeIdx: 1}
	if !r.get(&m) || m.ChunkID != runA.ChunkID {
		t.Error("forced recalc did not score the partially-free run")
	}
}

func TestRecyclerRecalc_EmitsEmptyRuns(t *testing.T) {
	h, runA, runB := twoRunsForTest(t)
	r := h.getRecycler(h.defaultZset, runA.Class())

	// Drain runB completely and record the frees.
	bm := runB.Bitmap()
	bm.clear(0, 2)
	cell := MemoryBlock{ZoneID: runB.ZoneID, ChunkID: runB.ChunkID, SizeIdx: 2, BlockOff: 0}
	cell.rebuildState(h)
	r.incUnaccounted(&cell)

	empties := r.recalc(true)
	if len(empties) != 1 {
		t.Fatalf("recalc emitted %d empty runs, want 1", len(empties))
	}
	if empties[0].ChunkID != runB.ChunkID {
		t.Errorf("empty run at chunk %d, want %d", empties[0].ChunkID, runB.ChunkID)
	}

	// The emitted run left the ledger entirely.
	m := MemoryBlock{SizeIdx: 1}
	if r.get(&m) {
		t.Error("an emitted empty run is still drawable")
	}
}

func TestRecyclerRecalc_CarriesClaimedRuns(t *testing.T) {
	h, runA, _ := twoRunsForTest(t)
	r := h.getRecycler(h.defaultZset, runA.Class())

	h.claimRun(&runA)
	cell := MemoryBlock{ZoneID: runA.ZoneID, ChunkID: runA.ChunkID, SizeIdx: 1, BlockOff: 0}
	cell.rebuildState(h)
	runA.Bitmap().clear(0, 1)
	r.incUnaccounted(&cell)

	if empties := r.recalc(true); len(empties) != 0 {
		t.Error("recalc touched a run claimed by a bucket")
	}
	m := MemoryBlock{SizeIdx: 1}
	if r.get(&m) {
		t.Error("a claimed run became drawable")
	}

	// After the bucket lets go, the pending entry is still there.
	h.unclaimRun(&runA)
	r.recalc(true)
	m = MemoryBlock{SizeIdx: 1}
	if !r.get(&m) || m.ChunkID != runA.ChunkID {
		t.Error("carried pending entry was lost after unclaim")
	}
}

func TestGetRecycler_SingleInstance(t *testing.T) {
	data := testRegion(t, regionOfChunks(4))
	h := mustBoot(t, data, nil)
	c := h.classes.ByAllocSize(64)

	r1 := h.getRecycler(h.defaultZset, c)
	r2 := h.getRecycler(h.defaultZset, c)
	if r1 != r2 {
		t.Error("two recycler instances for one class")
	}
	if r1.nallocs != c.RunDesc.Nallocs {
		t.Errorf("recycler threshold %d, want %d", r1.nallocs, c.RunDesc.Nallocs)
	}
}
