// layout.go defines the persistent on-pool layout of the heap.
//
// All multi-byte fields are little-endian.
//
// Pool Format:
//
//	Heap header (1024 bytes, single copy at offset 0):
//	  - Signature: "PMHEAP01" (8 bytes)
//	  - Major version: uint64 (8 bytes)
//	  - Minor version: uint64 (8 bytes)
//	  - Chunk size: uint64 (8 bytes)
//	  - Chunks per zone: uint64 (8 bytes)
//	  - Pool UUID: 16 bytes
//	  - Reserved: 960 bytes
//	  - Checksum: uint64 (8 bytes, xxhash64 of the header with this field zeroed)
//
//	Zone (repeated, ZoneMaxSize apart, the last one possibly shorter):
//	  - Zone header (64 bytes): magic uint32, size_idx uint32, reserved
//	  - Chunk headers: MaxChunk entries of 8 bytes each:
//	      type uint16, flags uint16, size_idx uint32
//	  - Chunk payload: size_idx chunks of ChunkSize bytes
//
//	Chunk run (first chunk of a RUN extent):
//	  - Run header (16 bytes): block size uint64, alignment uint64
//	  - Allocation bitmap: BitmapNvals uint64 words, one bit per cell;
//	    unused tail bits of the last word are pre-set to 1
//	  - Cells: nallocs cells of blockSize bytes each
//
// Zone and chunk headers are written only through the heap's persist
// operations so that an interrupted update is covered by the caller's WAL.
package heap

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Geometry constants. Changing any of these requires bumping HeapMajor.
const (
	// ChunkSize is the smallest unit of huge allocation.
	ChunkSize = 256 * 1024

	// MaxChunk is the number of chunks in a full zone. Kept a multiple of 8
	// so the chunk-header array ends on a chunk-aligned boundary.
	MaxChunk = 65528

	// HeapHeaderSize is the size of the heap header block at offset 0.
	HeapHeaderSize = 1024

	// ZoneHeaderSize is the size of the per-zone header.
	ZoneHeaderSize = 64

	// ChunkHeaderSize is the size of one chunk header entry.
	ChunkHeaderSize = 8

	// zoneMetaSize covers the zone header plus the full chunk-header array.
	// 64 + 65528*8 = 512KiB exactly, so chunk payloads stay chunk-aligned.
	zoneMetaSize = ZoneHeaderSize + MaxChunk*ChunkHeaderSize

	// ZoneMaxSize is the byte span of a fully-populated zone.
	ZoneMaxSize = zoneMetaSize + MaxChunk*ChunkSize

	// ZoneMinSize is the smallest zone worth initializing: metadata plus a
	// single chunk.
	ZoneMinSize = zoneMetaSize + ChunkSize

	// HeapMinSize is the smallest mappable heap region.
	HeapMinSize = HeapHeaderSize + ZoneMinSize
)

// Version of the persistent layout.
const (
	HeapMajor = 1
	HeapMinor = 0
)

// heapSignature identifies a pool formatted by Init.
var heapSignature = [8]byte{'P', 'M', 'H', 'E', 'A', 'P', '0', '1'}

// zoneHeaderMagic marks an initialized zone header.
const zoneHeaderMagic uint32 = 0x5a4f4e45 // "ZONE"

// Chunk types as stored in the chunk header type field.
const (
	chunkTypeUnknown uint16 = iota
	chunkTypeFree
	chunkTypeUsed
	chunkTypeRun
	chunkTypeRunData

	maxChunkType
)

// Chunk header flags. The header-type flags are mutually exclusive; their
// absence means HeaderLegacy.
const (
	chunkFlagCompactHeader uint16 = 1 << 0
	chunkFlagHeaderNone    uint16 = 1 << 1

	chunkFlagsAllValid = chunkFlagCompactHeader | chunkFlagHeaderNone
)

// Heap header field offsets.
const (
	hdrOffSignature     = 0
	hdrOffMajor         = 8
	hdrOffMinor         = 16
	hdrOffChunkSize     = 24
	hdrOffChunksPerZone = 32
	hdrOffUUID          = 40
	hdrOffChecksum      = HeapHeaderSize - 8
)

// Run header geometry.
const (
	runHeaderSize    = 16
	runOffBlockSize  = 0
	runOffAlignment  = 8
	bitsPerWord      = 64
	maxUnitsPerAlloc = bitsPerWord // one allocation never spans a bitmap word
)

// heapHeader is the decoded form of the header block at offset 0.
type heapHeader struct {
	signature     [8]byte
	major         uint64
	minor         uint64
	chunkSize     uint64
	chunksPerZone uint64
	poolUUID      uuid.UUID
	checksum      uint64
}

func decodeHeapHeader(b []byte) heapHeader {
	var h heapHeader
	copy(h.signature[:], b[hdrOffSignature:])
	h.major = binary.LittleEndian.Uint64(b[hdrOffMajor:])
	h.minor = binary.LittleEndian.Uint64(b[hdrOffMinor:])
	h.chunkSize = binary.LittleEndian.Uint64(b[hdrOffChunkSize:])
	h.chunksPerZone = binary.LittleEndian.Uint64(b[hdrOffChunksPerZone:])
	copy(h.poolUUID[:], b[hdrOffUUID:])
	h.checksum = binary.LittleEndian.Uint64(b[hdrOffChecksum:])
	return h
}

func encodeHeapHeader(b []byte, h heapHeader) {
	for i := range b[:HeapHeaderSize] {
		b[i] = 0
	}
	copy(b[hdrOffSignature:], h.signature[:])
	binary.LittleEndian.PutUint64(b[hdrOffMajor:], h.major)
	binary.LittleEndian.PutUint64(b[hdrOffMinor:], h.minor)
	binary.LittleEndian.PutUint64(b[hdrOffChunkSize:], h.chunkSize)
	binary.LittleEndian.PutUint64(b[hdrOffChunksPerZone:], h.chunksPerZone)
	copy(b[hdrOffUUID:], h.poolUUID[:])
	binary.LittleEndian.PutUint64(b[hdrOffChecksum:], h.checksum)
}

// headerChecksum computes the checksum of an encoded header block with the
// checksum field treated as zero.
func headerChecksum(b []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(b[:hdrOffChecksum])
	_, _ = d.Write(make([]byte, 8))
	return d.Sum64()
}

// verifyHeapHeader checks the checksum, signature and version of an encoded
// header block.
func verifyHeapHeader(b []byte) error {
	h := decodeHeapHeader(b)
	if headerChecksum(b) != h.checksum {
		return ErrChecksumMismatch
	}
	if !bytes.Equal(h.signature[:], heapSignature[:]) {
		return ErrSignatureMismatch
	}
	if h.major != HeapMajor {
		return ErrVersionMismatch
	}
	if h.chunkSize != ChunkSize || h.chunksPerZone != MaxChunk {
		return ErrCorrupted
	}
	return nil
}

// chunkHeader is the decoded form of one chunk-header entry.
type chunkHeader struct {
	chunkType uint16
	flags     uint16
	sizeIdx   uint32
}

func decodeChunkHeader(b []byte) chunkHeader {
	return chunkHeader{
		chunkType: binary.LittleEndian.Uint16(b[0:]),
		flags:     binary.LittleEndian.Uint16(b[2:]),
		sizeIdx:   binary.LittleEndian.Uint32(b[4:]),
	}
}

func encodeChunkHeader(b []byte, h chunkHeader) {
	binary.LittleEndian.PutUint16(b[0:], h.chunkType)
	binary.LittleEndian.PutUint16(b[2:], h.flags)
	binary.LittleEndian.PutUint32(b[4:], h.sizeIdx)
}

// maxZone computes how many zones fit in a heap region of the given size.
func maxZone(size uint64) uint32 {
	if size < HeapHeaderSize {
		return 0
	}
	size -= HeapHeaderSize

	var n uint32
	for size >= ZoneMinSize {
		n++
		if size <= ZoneMaxSize {
			break
		}
		size -= ZoneMaxSize
	}
	return n
}

// zoneCalcSizeIdx computes the chunk count of a zone given the total heap
// size. Every zone but the last is full.
func zoneCalcSizeIdx(zoneID, nzones uint32, heapSize uint64) uint32 {
	if zoneID < nzones-1 {
		return MaxChunk
	}
	raw := heapSize - uint64(zoneID)*ZoneMaxSize - HeapHeaderSize - zoneMetaSize
	return uint32(raw / ChunkSize)
}

// Byte offsets of the persistent structures, relative to the heap base.

func zoneOffset(zoneID uint32) uint64 {
	return HeapHeaderSize + uint64(zoneID)*ZoneMaxSize
}

func chunkHeaderOffset(zoneID, chunkID uint32) uint64 {
	return zoneOffset(zoneID) + ZoneHeaderSize + uint64(chunkID)*ChunkHeaderSize
}

func chunkOffset(zoneID, chunkID uint32) uint64 {
	return zoneOffset(zoneID) + zoneMetaSize + uint64(chunkID)*ChunkSize
}
