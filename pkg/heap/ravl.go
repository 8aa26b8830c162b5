// ravl.go implements the size-ordered tree container used by the default
// (huge) bucket. Blocks are keyed by size index with the chunk address as a
// tie-break, so best-fit picks the smallest sufficient block and, among
// equals, the lowest address to keep allocations compact.
package heap

import "github.com/google/btree"

const ravlDegree = 16

type ravlContainer struct {
	tree *btree.BTreeG[MemoryBlock]
}

func newRavlContainer() *ravlContainer {
	return &ravlContainer{
		tree: btree.NewG(ravlDegree, func(a, b MemoryBlock) bool {
			if a.SizeIdx != b.SizeIdx {
				return a.SizeIdx < b.SizeIdx
			}
			if a.ZoneID != b.ZoneID {
				return a.ZoneID < b.ZoneID
			}
			return a.ChunkID < b.ChunkID
		}),
	}
}

func (c *ravlContainer) insert(m MemoryBlock) {
	c.tree.ReplaceOrInsert(m)
}

func (c *ravlContainer) removeSpecific(m *MemoryBlock) bool {
	got, ok := c.tree.Delete(*m)
	if ok {
		*m = got
	}
	return ok
}

func (c *ravlContainer) getBestFit(m *MemoryBlock) bool {
	pivot := MemoryBlock{SizeIdx: m.SizeIdx}
	var found MemoryBlock
	var ok bool
	c.tree.AscendGreaterOrEqual(pivot, func(item MemoryBlock) bool {
		found = item
		ok = true
		return false
	})
	if !ok {
		return false
	}
	c.tree.Delete(found)
	*m = found
	return true
}

func (c *ravlContainer) isEmpty() bool {
	return c.tree.Len() == 0
}

func (c *ravlContainer) clear() {
	c.tree.Clear(false)
}
