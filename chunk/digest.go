package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size in bytes of a chunk digest.
const DigestSize = 32

// Digest is the BLAKE3 keyed hash of a chunk's plaintext.
type Digest [DigestSize]byte

// String returns the lowercase hex form used in logs and on the wire.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

// IsZero reports whether d is the zero value (never a valid digest).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses a 64-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing chunk digest: %w", err)
	}
	if len(decoded) != DigestSize {
		return d, fmt.Errorf("chunk digest is %d bytes, want %d", len(decoded), DigestSize)
	}
	copy(d[:], decoded)
	return d, nil
}

// plainDomainKey keys digests of unencrypted jobs. The bytes are the ASCII
// domain name zero-padded to 32 bytes.
var plainDomainKey = [32]byte{
	'p', 'b', 's', 'b', 'r', 'i', 'd', 'g', 'e', '.', 'c', 'h', 'u', 'n', 'k', 0,
}

// Digester computes chunk digests under one key. Encrypted jobs use a key
// derived from their encryption context so digests reveal nothing about
// plaintext to the server; unencrypted jobs share plainDomainKey.
type Digester struct {
	key [32]byte
}

// NewDigester returns a digester keyed with key, or with the plain domain
// key when key is nil.
func NewDigester(key []byte) (*Digester, error) {
	if key == nil {
		return &Digester{key: plainDomainKey}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("digest key must be 32 bytes, got %d", len(key))
	}
	d := &Digester{}
	copy(d.key[:], key)
	return d, nil
}

// Sum returns the digest of data.
func (d *Digester) Sum(data []byte) Digest {
	hasher, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		// Only a wrong key length fails, which the array type rules out.
		panic("chunk: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// Checksum accumulates an index checksum over an ordered digest sequence.
// Each entry contributes its offset and digest so reordered entries change
// the result.
type Checksum struct {
	hasher *blake3.Hasher
	buf    [8 + DigestSize]byte
}

// NewChecksum starts an empty index checksum.
func NewChecksum() *Checksum {
	return &Checksum{hasher: blake3.New()}
}

// Add appends one index entry.
func (c *Checksum) Add(offset uint64, digest Digest) {
	for i := 0; i < 8; i++ {
		c.buf[i] = byte(offset >> (56 - 8*i))
	}
	copy(c.buf[8:], digest[:])
	c.hasher.Write(c.buf[:])
}

// Sum returns the checksum of everything added so far.
func (c *Checksum) Sum() Digest {
	var sum Digest
	copy(sum[:], c.hasher.Sum(nil))
	return sum
}
