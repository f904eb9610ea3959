// Package chunk splits image data into content-addressed chunks.
//
// Dynamic images are cut at content-defined boundaries by a gear rolling
// hash (Chunker). Fixed images use one chunk per block of the image's
// block size (BlockLayout). Both compute a BLAKE3 keyed digest per chunk
// before anything else looks at it.
package chunk

import (
	"fmt"
	"sync"
)

// DefaultBlockSize is the fixed-image block size used when none is given.
const DefaultBlockSize = 4 * 1024 * 1024

// IndexKind selects how an image is split.
type IndexKind int

const (
	// Fixed splits an image into equal-size blocks.
	Fixed IndexKind = iota
	// Dynamic splits an image at content-defined boundaries.
	Dynamic
)

func (k IndexKind) String() string {
	switch k {
	case Fixed:
		return "fixed"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("IndexKind(%d)", int(k))
	}
}

// Suffix is the archive name suffix used for indexes of this kind.
func (k IndexKind) Suffix() string {
	if k == Dynamic {
		return ".didx"
	}
	return ".fidx"
}

// State tracks a chunk through the dedup pipeline.
type State int

const (
	New State = iota
	DuplicateOfKnown
	UploadPending
	UploadAcked
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case DuplicateOfKnown:
		return "DuplicateOfKnown"
	case UploadPending:
		return "UploadPending"
	case UploadAcked:
		return "UploadAcked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Chunk is a byte range of an image together with its digest. Only the
// digest outlives the write path.
type Chunk struct {
	Offset uint64
	Data   []byte
	Digest Digest
	State  State
}

// Size returns the chunk length.
func (c Chunk) Size() uint64 {
	return uint64(len(c.Data))
}

// End returns the offset just past the chunk.
func (c Chunk) End() uint64 {
	return c.Offset + uint64(len(c.Data))
}

// BlockLayout describes how a fixed image of a given size splits into
// blocks. The last block may be short.
type BlockLayout struct {
	ImageSize uint64
	BlockSize uint64
}

// NewBlockLayout validates size and blockSize. A zero blockSize selects
// DefaultBlockSize.
func NewBlockLayout(size, blockSize uint64) (BlockLayout, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize&(blockSize-1) != 0 {
		return BlockLayout{}, fmt.Errorf("block size %d is not a power of two", blockSize)
	}
	return BlockLayout{ImageSize: size, BlockSize: blockSize}, nil
}

// Count returns the number of blocks in the image.
func (l BlockLayout) Count() uint64 {
	return (l.ImageSize + l.BlockSize - 1) / l.BlockSize
}

// Index returns the block number starting at offset, or an error when
// offset is not block aligned or lies beyond the image.
func (l BlockLayout) Index(offset uint64) (uint64, error) {
	if offset%l.BlockSize != 0 {
		return 0, fmt.Errorf("offset %d is not aligned to block size %d", offset, l.BlockSize)
	}
	if offset >= l.ImageSize {
		return 0, fmt.Errorf("offset %d is beyond image size %d", offset, l.ImageSize)
	}
	return offset / l.BlockSize, nil
}

// Len returns the length of block index.
func (l BlockLayout) Len(index uint64) uint64 {
	start := index * l.BlockSize
	if start+l.BlockSize > l.ImageSize {
		return l.ImageSize - start
	}
	return l.BlockSize
}

var (
	zeroMu    sync.Mutex
	zeroBlock []byte
)

// Zero returns a read-only all-zero slice of length n. Callers must not
// modify it.
func Zero(n int) []byte {
	zeroMu.Lock()
	defer zeroMu.Unlock()
	if len(zeroBlock) < n {
		zeroBlock = make([]byte, n)
	}
	return zeroBlock[:n]
}

// IsZero reports whether data is all zero bytes.
func IsZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
