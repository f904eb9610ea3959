// Package blob encodes chunk and file payloads for upload: compressed,
// optionally sealed, and wrapped in a small CBOR envelope that records
// how to undo both.
package blob

import (
	"errors"
	"fmt"
	"math"

	"github.com/valvemist/pbsbridge/codec"
)

// EnvelopeVersion is the only envelope version this package writes.
const EnvelopeVersion = 1

// Sealer encrypts blob payloads. *keyconfig.KeySet implements it.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// ErrEncrypted is returned when decoding an encrypted blob without a
// Sealer.
var ErrEncrypted = errors.New("blob is encrypted and no key was given")

type envelope struct {
	Version     uint8       `cbor:"1,keyasint"`
	Compression Compression `cbor:"2,keyasint"`
	Encrypted   bool        `cbor:"3,keyasint,omitempty"`
	Size        uint32      `cbor:"4,keyasint"`
	Payload     []byte      `cbor:"5,keyasint"`
}

// Encoder turns plaintext into upload blobs. It is safe for concurrent
// use.
type Encoder struct {
	compression Compression
	sealer      Sealer
}

// NewEncoder returns an encoder. sealer may be nil for unencrypted jobs.
func NewEncoder(compression Compression, sealer Sealer) *Encoder {
	return &Encoder{compression: compression, sealer: sealer}
}

// Encrypted reports whether blobs from this encoder are sealed.
func (e *Encoder) Encrypted() bool {
	return e.sealer != nil
}

// Encode compresses and, with a sealer, encrypts data. aad binds the
// sealed blob to its identity (a chunk digest or a file name) so blobs
// cannot be swapped on the server.
func (e *Encoder) Encode(data, aad []byte) ([]byte, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return nil, fmt.Errorf("blob of %d bytes is too large", len(data))
	}
	payload, applied, err := compress(data, e.compression)
	if err != nil {
		return nil, err
	}
	env := envelope{
		Version:     EnvelopeVersion,
		Compression: applied,
		Size:        uint32(len(data)),
	}
	if e.sealer != nil {
		payload, err = e.sealer.Seal(payload, aad)
		if err != nil {
			return nil, fmt.Errorf("sealing blob: %w", err)
		}
		env.Encrypted = true
	}
	env.Payload = payload
	out, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding blob envelope: %w", err)
	}
	return out, nil
}

// Decode reverses Encode. sealer may be nil for unencrypted blobs.
func Decode(raw, aad []byte, sealer Sealer) ([]byte, error) {
	var env envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding blob envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("blob envelope version %d is not supported", env.Version)
	}
	payload := env.Payload
	if env.Encrypted {
		if sealer == nil {
			return nil, ErrEncrypted
		}
		var err error
		payload, err = sealer.Open(payload, aad)
		if err != nil {
			return nil, fmt.Errorf("opening blob: %w", err)
		}
	}
	return decompress(payload, env.Compression, int(env.Size))
}
