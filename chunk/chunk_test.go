package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

var testParams = Params{MinSize: 2 * 1024, TargetSize: 8 * 1024, MaxSize: 32 * 1024}

func randomData(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func plainDigester(t *testing.T) *Digester {
	t.Helper()
	d, err := NewDigester(nil)
	require.NoError(t, err)
	return d
}

func TestChunkerCoversInputWithinBounds(t *testing.T) {
	data := randomData(t, 1, 1<<20)
	chunks, err := ChunkAll(testParams, plainDigester(t), data)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	var rebuilt bytes.Buffer
	var offset uint64
	for i, ch := range chunks {
		require.Equal(t, offset, ch.Offset, "chunk %d offset", i)
		if i < len(chunks)-1 {
			require.GreaterOrEqual(t, len(ch.Data), testParams.MinSize, "chunk %d too small", i)
		}
		require.LessOrEqual(t, len(ch.Data), testParams.MaxSize, "chunk %d too large", i)
		rebuilt.Write(ch.Data)
		offset = ch.End()
	}
	require.Equal(t, data, rebuilt.Bytes())
}

func TestChunkerIndependentOfWriteSplits(t *testing.T) {
	data := randomData(t, 2, 512*1024)
	digester := plainDigester(t)

	whole, err := ChunkAll(testParams, digester, data)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	c, err := NewChunker(testParams, digester)
	require.NoError(t, err)
	var split []Chunk
	for rest := data; len(rest) > 0; {
		n := min(1+rng.Intn(20000), len(rest))
		split = append(split, c.Write(rest[:n])...)
		rest = rest[n:]
	}
	split = append(split, c.Flush()...)

	require.Equal(t, len(whole), len(split))
	for i := range whole {
		require.Equal(t, whole[i].Offset, split[i].Offset)
		require.Equal(t, whole[i].Digest, split[i].Digest)
	}
}

func TestChunkerBoundariesResyncAfterInsertion(t *testing.T) {
	data := randomData(t, 4, 256*1024)
	digester := plainDigester(t)
	original, err := ChunkAll(testParams, digester, data)
	require.NoError(t, err)

	edited := append([]byte("inserted prefix"), data...)
	shifted, err := ChunkAll(testParams, digester, edited)
	require.NoError(t, err)

	known := make(map[Digest]bool, len(original))
	for _, ch := range original {
		known[ch.Digest] = true
	}
	shared := 0
	for _, ch := range shifted {
		if known[ch.Digest] {
			shared++
		}
	}
	require.Greater(t, shared, len(original)/2)
}

func TestChunkerFlushEmptyStream(t *testing.T) {
	c, err := NewChunker(testParams, plainDigester(t))
	require.NoError(t, err)
	require.Empty(t, c.Write(nil))
	require.Empty(t, c.Flush())
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams.Validate())
	require.Error(t, Params{MinSize: 32, TargetSize: 64, MaxSize: 128}.Validate())
	require.Error(t, Params{MinSize: 2048, TargetSize: 3000, MaxSize: 8192}.Validate())
	require.Error(t, Params{MinSize: 4096, TargetSize: 2048, MaxSize: 8192}.Validate())
}

func TestDigesterKeySeparatesDomains(t *testing.T) {
	data := []byte("same plaintext")
	plain := plainDigester(t)
	keyed, err := NewDigester(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	require.Equal(t, plain.Sum(data), plain.Sum(data))
	require.NotEqual(t, plain.Sum(data), keyed.Sum(data))

	_, err = NewDigester([]byte("short"))
	require.Error(t, err)
}

func TestParseDigestRoundTrip(t *testing.T) {
	d := plainDigester(t).Sum([]byte("x"))
	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)

	_, err = ParseDigest("abcd")
	require.Error(t, err)
}

func TestChecksumDependsOnOrder(t *testing.T) {
	d := plainDigester(t)
	a, b := d.Sum([]byte("a")), d.Sum([]byte("b"))

	first := NewChecksum()
	first.Add(0, a)
	first.Add(4096, b)

	second := NewChecksum()
	second.Add(0, b)
	second.Add(4096, a)

	require.NotEqual(t, first.Sum(), second.Sum())
}

func TestBlockLayout(t *testing.T) {
	layout, err := NewBlockLayout(10*1024+100, 4096)
	require.NoError(t, err)
	require.Equal(t, uint64(3), layout.Count())
	require.Equal(t, uint64(4096), layout.Len(0))
	require.Equal(t, uint64(10*1024+100-8192), layout.Len(2))

	idx, err := layout.Index(8192)
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)

	_, err = layout.Index(100)
	require.Error(t, err)
	_, err = layout.Index(12288)
	require.Error(t, err)

	def, err := NewBlockLayout(1, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(DefaultBlockSize), def.BlockSize)

	_, err = NewBlockLayout(1, 3000)
	require.Error(t, err)
}

func TestZeroBlocks(t *testing.T) {
	z := Zero(4096)
	require.Len(t, z, 4096)
	require.True(t, IsZero(z))
	require.False(t, IsZero([]byte{0, 0, 1}))
}
