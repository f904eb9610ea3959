package job

import (
	"context"
	"sync"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
)

// maxBatch caps the entries sent in one registration call.
const maxBatch = 1024

// committer registers an image's index entries in offset order. Entries
// arrive in upload completion order; each is held until every entry
// before it is registered. At most one registration call per image is in
// flight, made by whichever goroutine found the committer idle.
type committer struct {
	job     *Job
	indexID uint64

	mu      sync.Mutex
	ready   map[uint64]datastore.IndexEntry
	next    uint64
	busy    bool
	entries uint64
	sum     *chunk.Checksum
	err     error
}

func newCommitter(j *Job, indexID uint64) *committer {
	return &committer{
		job:     j,
		indexID: indexID,
		ready:   make(map[uint64]datastore.IndexEntry),
		sum:     chunk.NewChecksum(),
	}
}

// ack hands over an acknowledged entry. It returns the registration error
// if this call performed a registration that failed, or the committer
// already failed.
func (c *committer) ack(ctx context.Context, e datastore.IndexEntry) error {
	c.mu.Lock()
	if c.err != nil {
		defer c.mu.Unlock()
		return c.err
	}
	c.ready[e.Offset] = e
	if c.busy {
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	for {
		batch := c.collect()
		if len(batch) == 0 {
			c.busy = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		err := c.job.up.RegisterIndexEntries(ctx, c.indexID, batch)
		c.mu.Lock()
		if err != nil {
			c.err = err
			c.busy = false
			c.mu.Unlock()
			return err
		}
		for _, e := range batch {
			c.sum.Add(e.Offset, e.Digest)
		}
		c.entries += uint64(len(batch))
	}
}

// collect takes the contiguous run of ready entries starting at next.
// Called with c.mu held.
func (c *committer) collect() []datastore.IndexEntry {
	var batch []datastore.IndexEntry
	for len(batch) < maxBatch {
		e, ok := c.ready[c.next]
		if !ok {
			break
		}
		delete(c.ready, c.next)
		batch = append(batch, e)
		c.next = e.End()
	}
	return batch
}

func (c *committer) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// summary describes the registered prefix of the index.
func (c *committer) summary() datastore.IndexSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return datastore.IndexSummary{Entries: c.entries, Size: c.next, Checksum: c.sum.Sum()}
}
