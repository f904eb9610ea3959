package blob

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/valvemist/pbsbridge/codec"
	"github.com/valvemist/pbsbridge/keyconfig"
)

func compressible() []byte {
	return bytes.Repeat([]byte("virtual machine disk block "), 2000)
}

func random(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(data)
	return data
}

func TestEncodeDecodeEachCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			enc := NewEncoder(c, nil)
			raw, err := enc.Encode(compressible(), nil)
			require.NoError(t, err)
			if c != CompressionNone {
				require.Less(t, len(raw), len(compressible()))
			}
			out, err := Decode(raw, nil, nil)
			require.NoError(t, err)
			require.Equal(t, compressible(), out)
		})
	}
}

func TestIncompressibleFallsBackToRaw(t *testing.T) {
	data := random(4096)
	raw, err := NewEncoder(CompressionZstd, nil).Encode(data, nil)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, codec.Unmarshal(raw, &env))
	require.Equal(t, CompressionNone, env.Compression)

	out, err := Decode(raw, nil, nil)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestSealedBlobsBindToIdentity(t *testing.T) {
	keys, err := keyconfig.Generate()
	require.NoError(t, err)
	enc := NewEncoder(CompressionLZ4, keys)
	require.True(t, enc.Encrypted())

	raw, err := enc.Encode(compressible(), []byte("digest-a"))
	require.NoError(t, err)

	out, err := Decode(raw, []byte("digest-a"), keys)
	require.NoError(t, err)
	require.Equal(t, compressible(), out)

	_, err = Decode(raw, []byte("digest-b"), keys)
	require.Error(t, err)

	_, err = Decode(raw, []byte("digest-a"), nil)
	require.ErrorIs(t, err, ErrEncrypted)
}

func TestEmptyBlob(t *testing.T) {
	raw, err := NewEncoder(CompressionZstd, nil).Encode(nil, nil)
	require.NoError(t, err)
	out, err := Decode(raw, nil, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("auto")
	require.NoError(t, err)
	require.Equal(t, CompressionZstd, c)
	c, err = ParseCompression("lz4")
	require.NoError(t, err)
	require.Equal(t, CompressionLZ4, c)
	_, err = ParseCompression("brotli")
	require.Error(t, err)
}
