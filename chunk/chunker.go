package chunk

import (
	"fmt"
	"math/bits"
)

// Params bounds the sizes produced by the content-defined chunker.
// TargetSize must be a power of two; the boundary mask is derived from it.
type Params struct {
	MinSize    int
	TargetSize int
	MaxSize    int
}

// DefaultParams yields chunks averaging around 1 MiB, capped at 4 MiB.
var DefaultParams = Params{
	MinSize:    256 * 1024,
	TargetSize: 1024 * 1024,
	MaxSize:    4 * 1024 * 1024,
}

// gearWindow is the number of bytes that influence the gear hash at any
// position: each step shifts left by one, so after 64 steps the oldest
// byte has been shifted out.
const gearWindow = 64

// Validate checks the bounds for consistency.
func (p Params) Validate() error {
	switch {
	case p.MinSize <= gearWindow:
		return fmt.Errorf("chunk min size %d must exceed %d", p.MinSize, gearWindow)
	case p.TargetSize <= 0 || p.TargetSize&(p.TargetSize-1) != 0:
		return fmt.Errorf("chunk target size %d must be a power of two", p.TargetSize)
	case p.TargetSize < p.MinSize || p.MaxSize < p.TargetSize:
		return fmt.Errorf("chunk sizes must satisfy min <= target <= max, got %d/%d/%d",
			p.MinSize, p.TargetSize, p.MaxSize)
	}
	return nil
}

// mask selects the top log2(TargetSize) bits of the gear hash. A boundary
// is declared where they are all zero, which happens on average once per
// TargetSize bytes.
func (p Params) mask() uint64 {
	n := bits.TrailingZeros(uint(p.TargetSize))
	return ^uint64(0) << (64 - n)
}

// skip is the offset at which hashing starts. Bytes before
// MinSize-gearWindow cannot influence the hash at MinSize, so they are
// not hashed.
func (p Params) skip() int {
	return p.MinSize - gearWindow - 1
}

// Chunker splits an append-only byte stream at content-defined
// boundaries. Boundaries depend only on the bytes since the previous
// boundary, so the chunk list is the same however the stream is split
// across Write calls.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	params   Params
	mask     uint64
	digester *Digester

	buf     []byte
	offset  uint64 // stream offset of buf[0]
	scanned int    // bytes of buf already fed to the hash
	hash    uint64
}

// NewChunker returns a chunker using params and digester.
func NewChunker(params Params, digester *Digester) (*Chunker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		params:   params,
		mask:     params.mask(),
		digester: digester,
	}, nil
}

// Offset returns the stream offset of the first byte not yet emitted.
func (c *Chunker) Offset() uint64 {
	return c.offset
}

// Buffered returns the number of bytes held for the next chunk.
func (c *Chunker) Buffered() int {
	return len(c.buf)
}

// Write appends p to the stream and returns every chunk completed by it.
// Returned chunks own their data.
func (c *Chunker) Write(p []byte) []Chunk {
	c.buf = append(c.buf, p...)
	var out []Chunk
	for {
		cut, ok := c.boundary(false)
		if !ok {
			return out
		}
		out = append(out, c.emit(cut))
	}
}

// Flush emits the remaining buffered bytes, which may contain more than
// one chunk if no Write has yet cut them. The chunker can be reused for a
// new stream afterwards only via Reset.
func (c *Chunker) Flush() []Chunk {
	var out []Chunk
	for len(c.buf) > 0 {
		cut, _ := c.boundary(true)
		out = append(out, c.emit(cut))
	}
	return out
}

// Reset discards buffered data and rewinds the stream offset to zero.
func (c *Chunker) Reset() {
	c.buf = nil
	c.offset = 0
	c.scanned = 0
	c.hash = 0
}

// boundary resumes the gear hash where the previous call stopped and
// returns the length of the next chunk, or false when more input is
// needed to decide.
func (c *Chunker) boundary(final bool) (int, bool) {
	limit := min(len(c.buf), c.params.MaxSize)
	if c.scanned < c.params.skip() {
		c.scanned = c.params.skip()
		c.hash = 0
	}
	for c.scanned < limit {
		c.hash = (c.hash << 1) + gearTable[c.buf[c.scanned]]
		c.scanned++
		if c.scanned >= c.params.MinSize && c.hash&c.mask == 0 {
			return c.scanned, true
		}
	}
	if len(c.buf) >= c.params.MaxSize {
		return c.params.MaxSize, true
	}
	if final {
		return len(c.buf), true
	}
	return 0, false
}

func (c *Chunker) emit(n int) Chunk {
	data := make([]byte, n)
	copy(data, c.buf[:n])
	ch := Chunk{
		Offset: c.offset,
		Data:   data,
		Digest: c.digester.Sum(data),
	}
	c.buf = append(c.buf[:0], c.buf[n:]...)
	c.offset += uint64(n)
	c.scanned = 0
	c.hash = 0
	return ch
}

// ChunkAll splits data as one complete stream.
func ChunkAll(params Params, digester *Digester, data []byte) ([]Chunk, error) {
	c, err := NewChunker(params, digester)
	if err != nil {
		return nil, err
	}
	out := c.Write(data)
	return append(out, c.Flush()...), nil
}

// gearTable maps each byte value to a pseudo-random 64-bit value. It is
// generated with splitmix64 from a fixed seed so every build chunks the
// same content identically.
var gearTable = func() [256]uint64 {
	var table [256]uint64
	state := uint64(0x9e3779b97f4a7c15)
	for i := range table {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		table[i] = z ^ (z >> 31)
	}
	return table
}()
