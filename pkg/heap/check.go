// check.go implements pool verification, run before a pool is opened. A
// failure here is fatal for the open: the caller gets a descriptive error
// wrapping ErrCorrupted (or one of the header sentinels) and must not boot
// the heap.
package heap

import "fmt"

// Check verifies that the heap layout in the region is consistent and the
// pool can be opened.
func Check(data []byte) error {
	size := uint64(len(data))
	if size < HeapMinSize {
		return fmt.Errorf("%w: region of %d bytes below minimum %d", ErrInvalidArgument, size, HeapMinSize)
	}
	if err := verifyHeapHeader(data[:HeapHeaderSize]); err != nil {
		return err
	}

	for i := uint32(0); i < maxZone(size); i++ {
		off := zoneOffset(i)
		if err := verifyZoneMeta(data[off : off+zoneMetaSize]); err != nil {
			return fmt.Errorf("zone %d: %w", i, err)
		}
	}
	return nil
}

// CheckRemote verifies a pool of the given size that is not locally mapped,
// reading the metadata through the supplied callback.
func CheckRemote(size uint64, read ReadFunc) error {
	if size < HeapMinSize {
		return fmt.Errorf("%w: region of %d bytes below minimum %d", ErrInvalidArgument, size, HeapMinSize)
	}

	buf := make([]byte, zoneMetaSize)
	if err := read(0, buf[:HeapHeaderSize]); err != nil {
		return fmt.Errorf("reading heap header: %w", err)
	}
	if err := verifyHeapHeader(buf[:HeapHeaderSize]); err != nil {
		return err
	}

	for i := uint32(0); i < maxZone(size); i++ {
		if err := read(zoneOffset(i), buf); err != nil {
			return fmt.Errorf("reading zone %d: %w", i, err)
		}
		if err := verifyZoneMeta(buf); err != nil {
			return fmt.Errorf("zone %d: %w", i, err)
		}
	}
	return nil
}

// verifyZoneMeta validates one zone's header and chunk-header array. An
// uninitialized zone (zero magic) is valid; anything else must carry the
// zone magic, a non-zero chunk count, and a chunk-header walk that covers
// the zone exactly with known types and flags.
func verifyZoneMeta(meta []byte) error {
	magic := uint32(meta[0]) | uint32(meta[1])<<8 | uint32(meta[2])<<16 | uint32(meta[3])<<24
	if magic == 0 {
		return nil
	}
	if magic != zoneHeaderMagic {
		return fmt.Errorf("%w: invalid zone magic %#x", ErrCorrupted, magic)
	}

	sizeIdx := uint32(meta[4]) | uint32(meta[5])<<8 | uint32(meta[6])<<16 | uint32(meta[7])<<24
	if sizeIdx == 0 || sizeIdx > MaxChunk {
		return fmt.Errorf("%w: invalid zone size %d", ErrCorrupted, sizeIdx)
	}

	var i uint32
	for i < sizeIdx {
		off := ZoneHeaderSize + i*ChunkHeaderSize
		hdr := decodeChunkHeader(meta[off : off+ChunkHeaderSize])

		if hdr.chunkType == chunkTypeUnknown || hdr.chunkType >= maxChunkType {
			return fmt.Errorf("%w: invalid chunk type %d at chunk %d", ErrCorrupted, hdr.chunkType, i)
		}
		if hdr.flags&^chunkFlagsAllValid != 0 {
			return fmt.Errorf("%w: invalid chunk flags %#x at chunk %d", ErrCorrupted, hdr.flags, i)
		}
		if hdr.sizeIdx == 0 {
			return fmt.Errorf("%w: zero-length chunk at chunk %d", ErrCorrupted, i)
		}
		i += hdr.sizeIdx
	}
	if i != sizeIdx {
		return fmt.Errorf("%w: chunk sizes sum to %d, zone holds %d", ErrCorrupted, i, sizeIdx)
	}
	return nil
}
