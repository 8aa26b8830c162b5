package pool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pmheap/pkg/heap"
)

// poolSize is a single-zone pool with a handful of chunks.
const poolSize = heap.HeapMinSize + 15*heap.ChunkSize

func TestCreateOpenCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pmem")

	p, err := Create(path, poolSize)
	require.NoError(t, err)
	require.EqualValues(t, poolSize, p.Size())
	require.NoError(t, p.Check())

	h, err := p.Boot(nil)
	require.NoError(t, err)
	uuid1 := h.UUID()

	// Allocate one small block, then close with it live.
	m := allocOne(t, h, 64)
	require.Equal(t, heap.BlockRun, m.Kind())
	h.Cleanup()
	require.NoError(t, p.Close())

	// Reopen: the layout survives, the UUID is stable, and the volatile
	// state rebuilds.
	p2, err := Open(path)
	require.NoError(t, err)
	defer p2.Close()

	h2, err := p2.Boot(nil)
	require.NoError(t, err)
	defer h2.Cleanup()
	assert.Equal(t, uuid1, h2.UUID())

	m2 := allocOne(t, h2, 64)
	assert.Equal(t, m.ChunkID, m2.ChunkID, "second boot should reuse the existing run")
	assert.NotEqual(t, m.BlockOff, m2.BlockOff, "live cell handed out twice")
}

func TestCreate_Validation(t *testing.T) {
	dir := t.TempDir()

	_, err := Create(filepath.Join(dir, "small.pmem"), heap.HeapMinSize-1)
	require.ErrorIs(t, err, ErrTooSmall)

	path := filepath.Join(dir, "pool.pmem")
	p, err := Create(path, poolSize)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = Create(path, poolSize)
	assert.Error(t, err, "creating over an existing pool must fail")
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.pmem"))
	assert.Error(t, err)
}

func TestBoot_CorruptedPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pmem")
	p, err := Create(path, poolSize)
	require.NoError(t, err)

	p.Data()[3] ^= 0xff
	_, err = p.Boot(nil)
	assert.ErrorIs(t, err, heap.ErrChecksumMismatch)
	require.NoError(t, p.Close())
}

func TestClose_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pmem")
	p, err := Create(path, poolSize)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Check(), ErrClosed)
	_, err = p.Boot(nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOps_PersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.pmem")
	p, err := Create(path, poolSize)
	require.NoError(t, err)

	h, err := p.Boot(nil)
	require.NoError(t, err)

	blocks := make([]heap.MemoryBlock, 0, 5)
	for i := 0; i < 5; i++ {
		blocks = append(blocks, allocOne(t, h, 4096))
	}
	h.Cleanup()
	require.NoError(t, p.Close())

	p2, err := Open(path)
	require.NoError(t, err)
	defer p2.Close()
	require.NoError(t, p2.Check())

	h2, err := p2.Boot(nil)
	require.NoError(t, err)
	defer h2.Cleanup()

	// The five cells are live on storage: a walk finds them all.
	var live int
	h2.ForeachObject(func(m heap.MemoryBlock) bool {
		live++
		return true
	}, heap.MemoryBlock{})
	assert.Equal(t, len(blocks), live)
}

func allocOne(t *testing.T, h *heap.Heap, size uint64) heap.MemoryBlock {
	t.Helper()
	c := h.BestClass(size)
	b, err := h.BucketAcquire(c.ID)
	require.NoError(t, err)
	defer h.BucketRelease(b)

	m := heap.MemoryBlock{SizeIdx: c.CalcSizeIdx(size)}
	require.NoError(t, h.GetBestfitBlock(b, &m))
	m.PrepHdr(heap.BlockStateAllocated)
	return m
}
