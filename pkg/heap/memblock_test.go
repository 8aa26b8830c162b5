package heap

import (
	"testing"
)

// runForTest boots a small heap and carves one run of the 64-byte class.
func runForTest(t *testing.T) (*Heap, MemoryBlock) {
	t.Helper()
	data := testRegion(t, regionOfChunks(8))
	h := mustBoot(t, data, nil)

	b, err := h.BucketAcquire(DefaultAllocClassID)
	if err != nil {
		t.Fatalf("acquiring default bucket: %v", err)
	}
	m := MemoryBlock{SizeIdx: 1}
	if err := h.GetBestfitBlock(b, &m); err != nil {
		t.Fatalf("getting a free chunk: %v", err)
	}
	h.BucketRelease(b)

	run := memblockRunInit(h, m.ChunkID, m.ZoneID, h.classes.ByAllocSize(64))
	return h, run
}

func TestMemblockRebuildState(t *testing.T) {
	h, run := runForTest(t)

	var m MemoryBlock
	m.ZoneID = run.ZoneID
	m.ChunkID = run.ChunkID
	m.rebuildState(h)

	if m.Kind() != BlockRun {
		t.Errorf("run chunk rebuilt as %v", m.Kind())
	}
	if m.Class() == nil || m.Class().UnitSize != 64 {
		t.Errorf("run class not recovered from the persistent headers")
	}

	free := memblockHugeInit(h, run.ChunkID+1, run.ZoneID, 2)
	if free.Kind() != BlockHuge {
		t.Errorf("huge chunk rebuilt as %v", free.Kind())
	}
}

func TestMemblockOffsets(t *testing.T) {
	h, run := runForTest(t)
	c := run.Class()

	cell := MemoryBlock{ZoneID: run.ZoneID, ChunkID: run.ChunkID, SizeIdx: 1, BlockOff: 3}
	cell.rebuildState(h)

	base := chunkOffset(run.ZoneID, run.ChunkID)
	want := base + runHeaderSize + 8*uint64(c.RunDesc.BitmapNvals) + 3*c.UnitSize
	if got := cell.Offset(); got != want {
		t.Errorf("cell offset = %d, want %d", got, want)
	}
	if got := cell.Size(); got != 64 {
		t.Errorf("cell size = %d, want 64", got)
	}

	huge := memblockHugeInit(h, run.ChunkID+1, run.ZoneID, 2)
	if got := huge.Offset(); got != chunkOffset(run.ZoneID, run.ChunkID+1) {
		t.Errorf("huge offset = %d", got)
	}
	if got := huge.Size(); got != 2*ChunkSize {
		t.Errorf("huge size = %d, want %d", got, 2*ChunkSize)
	}
}

func TestBitmapFindFitAndClear(t *testing.T) {
	_, run := runForTest(t)
	bm := run.Bitmap()

	off, ok := bm.findFit(3)
	if !ok || off != 0 {
		t.Fatalf("first fit = (%d,%v), want (0,true)", off, ok)
	}
	off2, ok := bm.findFit(2)
	if !ok || off2 != 3 {
		t.Fatalf("second fit = (%d,%v), want (3,true)", off2, ok)
	}

	if free := bm.freeCount(); free != bm.nbits-5 {
		t.Errorf("free count = %d, want %d", free, bm.nbits-5)
	}

	bm.clear(0, 3)
	if free := bm.freeCount(); free != bm.nbits-2 {
		t.Errorf("free count after clear = %d, want %d", free, bm.nbits-2)
	}

	off3, ok := bm.findFit(3)
	if !ok || off3 != 0 {
		t.Fatalf("fit after clear = (%d,%v), want (0,true)", off3, ok)
	}
}

func TestBitmapFitNeverCrossesWord(t *testing.T) {
	_, run := runForTest(t)
	bm := run.Bitmap()

	// Occupy all but the last 10 bits of word 0; a 20-unit request must
	// land at the start of word 1.
	if off, ok := bm.findFit(54); !ok || off != 0 {
		t.Fatalf("failed to occupy word head: (%d,%v)", off, ok)
	}
	off, ok := bm.findFit(20)
	if !ok || off != bitsPerWord {
		t.Errorf("20-unit fit = (%d,%v), want start of the next word", off, ok)
	}
}

func TestBitmapTailPadding(t *testing.T) {
	_, run := runForTest(t)
	bm := run.Bitmap()

	if free := bm.freeCount(); free != bm.nbits {
		t.Fatalf("fresh run free count = %d, want %d", free, bm.nbits)
	}

	// Claim every cell; the padded tail must not be handed out.
	var claimed uint32
	for {
		if _, ok := bm.findFit(1); !ok {
			break
		}
		claimed++
	}
	if claimed != bm.nbits {
		t.Errorf("claimed %d cells, bitmap holds %d", claimed, bm.nbits)
	}
}

func TestBitmapMaxFreeRun(t *testing.T) {
	_, run := runForTest(t)
	bm := run.Bitmap()

	if got := bm.maxFreeRun(); got != bitsPerWord {
		t.Errorf("fresh run max free = %d, want %d", got, bitsPerWord)
	}

	// Fill every word, then open a single 5-bit hole in word 0.
	for i := uint32(0); i < bm.nvals; i++ {
		*bm.wordPtr(i) = ^uint64(0)
	}
	*bm.wordPtr(0) = ^uint64(0) &^ (0x1f << 10) // bits 10..14 free

	if got := bm.maxFreeRun(); got != 5 {
		t.Errorf("max free = %d, want 5", got)
	}
}

func TestPrepHdrHuge(t *testing.T) {
	h, run := runForTest(t)

	m := memblockHugeInit(h, run.ChunkID+1, run.ZoneID, 3)
	m.HeaderType = HeaderLegacy
	m.PrepHdr(BlockStateAllocated)

	hdr := h.chunkHdr(m.ZoneID, m.ChunkID)
	if hdr.chunkType != chunkTypeUsed || hdr.sizeIdx != 3 {
		t.Errorf("allocated header = {%d %d %d}", hdr.chunkType, hdr.flags, hdr.sizeIdx)
	}

	// The footer must let a backward lookup find the extent start.
	foot := h.chunkHdr(m.ZoneID, m.ChunkID+2)
	if foot.sizeIdx != 3 {
		t.Errorf("footer size = %d, want 3", foot.sizeIdx)
	}

	m.PrepHdr(BlockStateFree)
	hdr = h.chunkHdr(m.ZoneID, m.ChunkID)
	if hdr.chunkType != chunkTypeFree {
		t.Errorf("freed header type = %d, want FREE", hdr.chunkType)
	}
}

func TestPrepHdrRunCell(t *testing.T) {
	h, run := runForTest(t)
	bm := run.Bitmap()

	off, ok := bm.findFit(2)
	if !ok {
		t.Fatal("no fit in a fresh run")
	}
	cell := MemoryBlock{ZoneID: run.ZoneID, ChunkID: run.ChunkID, SizeIdx: 2, BlockOff: off}
	cell.rebuildState(h)
	cell.PrepHdr(BlockStateAllocated)

	if bm.freeCount() != bm.nbits-2 {
		t.Errorf("free count = %d after allocating 2 cells", bm.freeCount())
	}

	cell.PrepHdr(BlockStateFree)
	if bm.freeCount() != bm.nbits {
		t.Errorf("free count = %d after freeing, want %d", bm.freeCount(), bm.nbits)
	}
}

func TestEnsureHeaderTypeHuge(t *testing.T) {
	h, run := runForTest(t)

	m := memblockHugeInit(h, run.ChunkID+1, run.ZoneID, 1)
	m.EnsureHeaderType(HeaderCompact)

	hdr := h.chunkHdr(m.ZoneID, m.ChunkID)
	if hdr.flags&chunkFlagCompactHeader == 0 {
		t.Errorf("compact flag not written, flags=%#x", hdr.flags)
	}
	if m.HeaderType != HeaderCompact {
		t.Errorf("volatile header type not updated")
	}
}

func TestIterateUsedRun(t *testing.T) {
	h, run := runForTest(t)
	bm := run.Bitmap()

	for i := 0; i < 3; i++ {
		if _, ok := bm.findFit(1); !ok {
			t.Fatal("claim failed")
		}
	}

	var cells []uint32
	ok := run.IterateUsed(func(m MemoryBlock) bool {
		cells = append(cells, m.BlockOff)
		return true
	})
	if !ok {
		t.Fatal("walk stopped early")
	}
	if len(cells) != 3 || cells[0] != 0 || cells[1] != 1 || cells[2] != 2 {
		t.Errorf("walked cells %v, want [0 1 2]", cells)
	}

	// A huge FREE chunk yields nothing; a USED one yields itself.
	free := memblockHugeInit(h, run.ChunkID+1, run.ZoneID, 1)
	count := 0
	free.IterateUsed(func(MemoryBlock) bool { count++; return true })
	if count != 0 {
		t.Errorf("FREE chunk yielded %d blocks", count)
	}

	free.PrepHdr(BlockStateAllocated)
	free.IterateUsed(func(MemoryBlock) bool { count++; return true })
	if count != 1 {
		t.Errorf("USED chunk yielded %d blocks, want 1", count)
	}
}
