// container.go declares the free-block index held by each bucket.
package heap

// container indexes the free memory blocks of one bucket. Containers are
// purely volatile; the bucket's mutex serializes access, except that the
// blocks they hand out may still be concurrently mutated through their
// persistent bitmaps.
type container interface {
	// insert adds a free block.
	insert(m MemoryBlock)

	// removeSpecific removes the exact block if present. Used by the
	// coalescing path to steal a neighbor out of the index.
	removeSpecific(m *MemoryBlock) bool

	// getBestFit removes and returns the smallest block with
	// size index >= m.SizeIdx, filling m. Reports a miss with false.
	getBestFit(m *MemoryBlock) bool

	// isEmpty reports whether the container holds no blocks.
	isEmpty() bool

	// clear drops all blocks.
	clear()
}
