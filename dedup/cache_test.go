package dedup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/valvemist/pbsbridge/chunk"
)

func digest(b byte) chunk.Digest {
	var d chunk.Digest
	d[0] = b
	return d
}

func TestClaimOwnsFirstUploadOnly(t *testing.T) {
	c := New(Options{})

	state, owner := c.Claim(digest(1))
	require.True(t, owner)
	require.Equal(t, chunk.UploadPending, state)

	state, owner = c.Claim(digest(1))
	require.False(t, owner)
	require.Equal(t, chunk.UploadPending, state)

	c.Ack(digest(1))
	state, owner = c.Claim(digest(1))
	require.False(t, owner)
	require.Equal(t, chunk.UploadAcked, state)

	hits, misses := c.Stats()
	require.Equal(t, uint64(2), hits)
	require.Equal(t, uint64(1), misses)
}

func TestSeededDigestsAreDuplicates(t *testing.T) {
	c := New(Options{Seed: []chunk.Digest{digest(1), digest(2)}})
	require.Equal(t, 2, c.Len())

	state, owner := c.Claim(digest(2))
	require.False(t, owner)
	require.Equal(t, chunk.DuplicateOfKnown, state)

	c.Ack(digest(3))
	c.Seed([]chunk.Digest{digest(3)})
	state, ok := c.Lookup(digest(3))
	require.True(t, ok)
	require.Equal(t, chunk.UploadAcked, state)
}

func TestForgetOnlyDropsPending(t *testing.T) {
	c := New(Options{})
	c.Claim(digest(1))
	c.Forget(digest(1))
	_, ok := c.Lookup(digest(1))
	require.False(t, ok)

	c.Claim(digest(2))
	c.Ack(digest(2))
	c.Forget(digest(2))
	_, ok = c.Lookup(digest(2))
	require.True(t, ok)
}

func TestConcurrentClaimsElectOneOwner(t *testing.T) {
	c := New(Options{})
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners int
	)
	for range 32 {
		wg.Go(func() {
			if _, owner := c.Claim(digest(9)); owner {
				mu.Lock()
				owners++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	require.Equal(t, 1, owners)
}

func TestCapacityBoundsEntries(t *testing.T) {
	c := New(Options{Capacity: 4})
	for i := range 10 {
		c.Claim(digest(byte(i)))
	}
	require.LessOrEqual(t, c.Len(), 4)
}

func TestReleaseEmptiesCache(t *testing.T) {
	c := New(Options{Seed: []chunk.Digest{digest(1)}})
	c.Release()
	c.Release()
	require.Equal(t, 0, c.Len())
	_, ok := c.Lookup(digest(1))
	require.False(t, ok)
	_, owner := c.Claim(digest(1))
	require.False(t, owner)
}
