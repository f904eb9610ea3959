// Package dedup holds the job-scoped record of chunk digests known to be
// on the server, or on their way there.
package dedup

import (
	"sync"
	"sync/atomic"

	"github.com/jellydator/ttlcache/v3"

	"github.com/valvemist/pbsbridge/chunk"
)

// Options configures a Cache.
type Options struct {
	// Capacity bounds the number of digests kept. Zero means unbounded.
	// Evicted digests are only re-checked against the server, never lost
	// from an index.
	Capacity uint64
	// Seed digests are known present before the job writes anything, for
	// example from a prior job against the same base snapshot.
	Seed []chunk.Digest
}

// Cache maps digests to their dedup state for one job. It is never
// shared across jobs.
type Cache struct {
	mu       sync.Mutex
	items    *ttlcache.Cache[chunk.Digest, chunk.State]
	released bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns a cache seeded with opts.Seed.
func New(opts Options) *Cache {
	cacheOpts := []ttlcache.Option[chunk.Digest, chunk.State]{
		ttlcache.WithTTL[chunk.Digest, chunk.State](ttlcache.NoTTL),
		ttlcache.WithDisableTouchOnHit[chunk.Digest, chunk.State](),
	}
	if opts.Capacity > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[chunk.Digest, chunk.State](opts.Capacity))
	}
	c := &Cache{items: ttlcache.New[chunk.Digest, chunk.State](cacheOpts...)}
	c.Seed(opts.Seed)
	return c
}

// Seed records digests as already present on the server. Digests with a
// more advanced state are left alone.
func (c *Cache) Seed(digests []chunk.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	for _, d := range digests {
		if !c.items.Has(d) {
			c.items.Set(d, chunk.DuplicateOfKnown, ttlcache.NoTTL)
		}
	}
}

// Lookup returns the recorded state of d.
func (c *Cache) Lookup(d chunk.Digest) (chunk.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return chunk.New, false
	}
	item := c.items.Get(d)
	if item == nil {
		return chunk.New, false
	}
	return item.Value(), true
}

// Claim classifies d for the write path. A digest that is already known
// (seeded, pending, or acknowledged) returns its state and false. An
// unknown digest is recorded as UploadPending and Claim returns true: the
// caller now owns its upload and must call Ack or Forget.
func (c *Cache) Claim(d chunk.Digest) (chunk.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return chunk.New, false
	}
	if item := c.items.Get(d); item != nil {
		c.hits.Add(1)
		return item.Value(), false
	}
	c.misses.Add(1)
	c.items.Set(d, chunk.UploadPending, ttlcache.NoTTL)
	return chunk.UploadPending, true
}

// Ack records d as acknowledged by the server.
func (c *Cache) Ack(d chunk.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.released {
		c.items.Set(d, chunk.UploadAcked, ttlcache.NoTTL)
	}
}

// Forget drops a pending digest whose upload failed so a later write
// retries it.
func (c *Cache) Forget(d chunk.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	if item := c.items.Get(d); item != nil && item.Value() == chunk.UploadPending {
		c.items.Delete(d)
	}
}

// Len returns the number of digests held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0
	}
	return c.items.Len()
}

// Stats returns the number of Claim hits and misses so far.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Release drops every digest. The cache answers as empty afterwards.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.items.DeleteAll()
}
