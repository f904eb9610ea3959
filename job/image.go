package job

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/fault"
)

// DoneFunc receives the outcome of a write: the bytes it committed, or
// zero and the error that failed it.
type DoneFunc func(committed uint64, err error)

type imageState int

const (
	imageOpen imageState = iota
	imageClosing
	imageClosed
)

// pendingWrite is a dynamic-image write that arrived ahead of the stream
// cursor.
type pendingWrite struct {
	offset uint64
	data   []byte
	size   uint64
	done   *completion
}

// Image is one image stream of a job.
//
// Fixed images accept whole blocks in any order; each block is one chunk.
// Dynamic images are a byte stream cut by the content-defined chunker;
// writes may arrive out of order and are applied in offset order.
type Image struct {
	job     *Job
	name    string
	spec    datastore.IndexSpec
	layout  chunk.BlockLayout
	indexID uint64
	log     *slog.Logger
	commit  *committer

	// uploads counts this image's chunks between dispatch and index
	// registration.
	uploads sync.WaitGroup

	mu      sync.Mutex
	state   imageState
	cursor  uint64
	written []bool
	chunker *chunk.Chunker
	pending map[uint64]*pendingWrite
	prev    *datastore.Index
	summary datastore.IndexSummary
}

func newImage(j *Job, opts ImageOptions, spec datastore.IndexSpec, layout chunk.BlockLayout, indexID uint64) (*Image, error) {
	img := &Image{
		job:     j,
		name:    opts.Name,
		spec:    spec,
		layout:  layout,
		indexID: indexID,
		log:     j.log.With("archive", spec.Archive),
		commit:  newCommitter(j, indexID),
	}
	switch spec.Kind {
	case chunk.Fixed:
		img.written = make([]bool, layout.Count())
	case chunk.Dynamic:
		c, err := chunk.NewChunker(j.opts.ChunkParams, j.digester)
		if err != nil {
			return nil, fault.New(fault.InvalidArgument, "image_register", err)
		}
		img.chunker = c
		img.pending = make(map[uint64]*pendingWrite)
	}
	return img, nil
}

func (img *Image) Name() string          { return img.name }
func (img *Image) Archive() string       { return img.spec.Archive }
func (img *Image) Kind() chunk.IndexKind { return img.spec.Kind }
func (img *Image) Size() uint64          { return img.spec.Size }

// Cursor returns the bytes accepted so far. For dynamic images this is
// also the next stream offset expected.
func (img *Image) Cursor() uint64 {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.cursor
}

// Closed reports whether the image's index was finalized.
func (img *Image) Closed() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.state == imageClosed
}

// Summary returns the finalized index summary. It is zero until the image
// is closed.
func (img *Image) Summary() datastore.IndexSummary {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.summary
}

// Write accepts size bytes at offset. A nil data writes zeros; otherwise
// len(data) must equal size, and data must not be modified until done
// runs.
//
// Validation failures are returned directly and done is never called.
// Otherwise done is called exactly once, from an arbitrary goroutine,
// when every chunk the write completed has been acknowledged by the
// server. Bytes a dynamic write leaves in the chunker's tail are counted
// as committed once they are part of the stream; they reach the server
// with a later write or at Close. done must not call back into the image.
func (img *Image) Write(offset uint64, data []byte, size uint64, done DoneFunc) error {
	const op = "image_write"
	if size == 0 {
		return fault.Errorf(fault.InvalidArgument, op, "empty write")
	}
	if data != nil && uint64(len(data)) != size {
		return fault.Errorf(fault.InvalidArgument, op, "write carries %d bytes, declares %d", len(data), size)
	}
	j := img.job
	if err := j.begin(op); err != nil {
		return err
	}
	defer j.end()

	img.mu.Lock()
	defer img.mu.Unlock()
	if img.state != imageOpen {
		return fault.Errorf(fault.InvalidArgument, op, "image %s is closed", img.name)
	}
	if img.spec.Kind == chunk.Fixed {
		return img.writeBlock(offset, data, size, done)
	}
	return img.writeStream(offset, data, size, done)
}

func (img *Image) writeBlock(offset uint64, data []byte, size uint64, done DoneFunc) error {
	const op = "image_write"
	idx, err := img.layout.Index(offset)
	if err != nil {
		return fault.New(fault.InvalidArgument, op, err)
	}
	if want := img.layout.Len(idx); size != want {
		return fault.Errorf(fault.InvalidArgument, op, "block %d holds %d bytes, write has %d", idx, want, size)
	}
	if img.written[idx] {
		return fault.Errorf(fault.InvalidArgument, op, "block %d of %s already written", idx, img.name)
	}
	img.written[idx] = true
	img.cursor += size
	img.job.stats.bytes.Add(size)

	c := newCompletion(size, done)
	img.dispatch(img.block(offset, data, size), c)
	c.seal()
	return nil
}

// block builds the chunk for one fixed block. Nil data is a zero block.
func (img *Image) block(offset uint64, data []byte, size uint64) chunk.Chunk {
	j := img.job
	if data == nil {
		j.stats.zero.Add(1)
		return chunk.Chunk{Offset: offset, Data: chunk.Zero(int(size)), Digest: j.zeroDigest(size)}
	}
	return chunk.Chunk{Offset: offset, Data: data, Digest: j.digester.Sum(data)}
}

func (img *Image) writeStream(offset uint64, data []byte, size uint64, done DoneFunc) error {
	const op = "image_write"
	if offset+size > img.spec.Size {
		return fault.Errorf(fault.InvalidArgument, op, "write [%d, %d) exceeds image size %d", offset, offset+size, img.spec.Size)
	}
	if offset < img.cursor {
		return fault.Errorf(fault.InvalidArgument, op, "offset %d overlaps data written up to %d", offset, img.cursor)
	}
	w := &pendingWrite{offset: offset, data: data, size: size, done: newCompletion(size, done)}
	if offset > img.cursor {
		if _, dup := img.pending[offset]; dup {
			return fault.Errorf(fault.InvalidArgument, op, "a write at offset %d is already pending", offset)
		}
		img.pending[offset] = w
		return nil
	}
	img.feed(w)
	for {
		next, ok := img.pending[img.cursor]
		if !ok {
			return nil
		}
		delete(img.pending, img.cursor)
		img.feed(next)
	}
}

// feed appends w to the stream. Called with img.mu held.
func (img *Image) feed(w *pendingWrite) {
	data := w.data
	if data == nil {
		data = chunk.Zero(int(w.size))
	}
	for _, ch := range img.chunker.Write(data) {
		img.dispatch(ch, w.done)
	}
	img.cursor += w.size
	img.job.stats.bytes.Add(w.size)
	w.done.seal()
}

// dispatch uploads ch on the job's executor and hands its index entry to
// the committer once acknowledged. The caller holds an admitted
// operation, so the job's inflight count is already positive.
func (img *Image) dispatch(ch chunk.Chunk, c *completion) {
	img.job.stats.chunks.Add(1)
	c.add()
	img.spawn(c, func(ctx context.Context) error {
		if err := img.job.storeChunk(ctx, ch); err != nil {
			return err
		}
		return img.commit.ack(ctx, datastore.IndexEntry{Offset: ch.Offset, Size: ch.Size(), Digest: ch.Digest})
	})
}

// reuse registers a block of the previous snapshot without touching its
// data.
func (img *Image) reuse(e datastore.IndexEntry) {
	j := img.job
	j.stats.chunks.Add(1)
	j.stats.hits.Add(1)
	img.spawn(nil, func(ctx context.Context) error {
		return img.commit.ack(ctx, e)
	})
}

// spawn runs task on the job's executor. A task error aborts the job and
// fails c. Called with img.mu held.
func (img *Image) spawn(c *completion, task func(ctx context.Context) error) {
	j := img.job
	img.uploads.Add(1)
	j.inflight.Add(1)
	settle := func(err error) {
		if err != nil {
			j.fatal(err)
		}
		c.finish(err)
		img.uploads.Done()
		j.inflight.Done()
	}
	err := j.submit(func(hctx context.Context) {
		ctx, stop := j.bind(hctx)
		defer stop()
		settle(task(ctx))
	})
	if err != nil {
		// Failing the job takes img.mu.
		go settle(err)
	}
}

func (img *Image) cancelPending(err error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	for offset, w := range img.pending {
		delete(img.pending, offset)
		w.done.cancel(err)
	}
}

// Close seals the image, waits for its chunks, and finalizes its index.
func (img *Image) Close(ctx context.Context) error {
	if err := img.Seal(); err != nil {
		return err
	}
	img.WaitUploads()
	return img.Finalize(ctx)
}

// Seal stops the image accepting writes and dispatches what is left.
// Unwritten blocks of a fixed image are taken from the previous snapshot
// when the image is incremental and written as zeros otherwise; a dynamic
// image's chunker tail is flushed. A dynamic image with a gap before a
// pending write cannot be sealed and stays open.
func (img *Image) Seal() error {
	const op = "image_close"
	j := img.job
	if err := j.begin(op); err != nil {
		return err
	}
	defer j.end()
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.state != imageOpen {
		return fault.Errorf(fault.InvalidArgument, op, "image %s is already closed", img.name)
	}
	if start, end, ok := img.gap(); ok {
		return fault.Errorf(fault.InvalidArgument, op, "image %s has a gap at [%d, %d)", img.name, start, end)
	}
	img.state = imageClosing
	switch img.spec.Kind {
	case chunk.Fixed:
		img.fillHoles()
	case chunk.Dynamic:
		for _, ch := range img.chunker.Flush() {
			img.dispatch(ch, nil)
		}
	}
	return nil
}

// gap returns the unwritten range in front of the first write held back
// by it. Called with img.mu held.
func (img *Image) gap() (start, end uint64, ok bool) {
	if len(img.pending) == 0 {
		return 0, 0, false
	}
	return img.cursor, slices.Min(slices.Collect(maps.Keys(img.pending))), true
}

// WaitUploads blocks until every chunk dispatched for the image was
// registered or failed.
func (img *Image) WaitUploads() {
	img.uploads.Wait()
}

// Finalize checks the registered index against the sealed image and
// closes it on the server. Call it after Seal and WaitUploads.
func (img *Image) Finalize(ctx context.Context) error {
	const op = "image_close"
	j := img.job
	img.mu.Lock()
	state, size := img.state, img.cursor
	img.mu.Unlock()
	if state != imageClosing {
		return fault.Errorf(fault.InvalidArgument, op, "image %s is not sealed", img.name)
	}
	if err := img.commit.failure(); err != nil {
		return err
	}
	if status := j.Status(); status != Active {
		return fault.Errorf(fault.InvalidJobState, op, "job %s is %s", j.id, status)
	}
	summary := img.commit.summary()
	if summary.Size != size {
		return j.fatal(fault.Errorf(fault.Index, op, "registered %d of %d bytes of %s", summary.Size, size, img.name))
	}

	ctx, stop := j.bind(ctx)
	defer stop()
	if err := j.up.FinalizeImage(ctx, img.indexID, summary); err != nil {
		return j.fatal(fault.Wrap(fault.Index, op, err))
	}

	img.mu.Lock()
	img.state = imageClosed
	img.summary = summary
	img.mu.Unlock()
	img.log.Info("image closed", "size", summary.Size, "chunks", summary.Entries, "csum", summary.Checksum.Short())
	return nil
}

// fillHoles covers every unwritten block. Called with img.mu held.
func (img *Image) fillHoles() {
	var reused, zeroed int
	for idx, done := range img.written {
		if done {
			continue
		}
		offset := uint64(idx) * img.layout.BlockSize
		n := img.layout.Len(uint64(idx))
		if img.prev != nil && idx < len(img.prev.Entries) {
			if e := img.prev.Entries[idx]; e.Offset == offset && e.Size == n {
				img.reuse(e)
				reused++
				img.written[idx] = true
				continue
			}
		}
		img.dispatch(img.block(offset, nil, n), nil)
		zeroed++
		img.written[idx] = true
	}
	img.cursor = img.spec.Size
	if reused+zeroed > 0 {
		img.log.Debug("filled unwritten blocks", "from_previous", reused, "zero", zeroed)
	}
}

// completion tracks the chunks of one write and calls its DoneFunc once
// the write is sealed and every chunk finished.
type completion struct {
	mu      sync.Mutex
	n       uint64
	pending int
	sealed  bool
	err     error
	done    DoneFunc
}

func newCompletion(n uint64, done DoneFunc) *completion {
	return &completion{n: n, done: done}
}

func (c *completion) add() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
}

func (c *completion) finish(err error) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.pending--
	if err != nil && c.err == nil {
		c.err = err
	}
	c.settle()
}

func (c *completion) seal() {
	c.mu.Lock()
	c.sealed = true
	c.settle()
}

func (c *completion) cancel(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.sealed = true
	c.settle()
}

// settle is called with c.mu held and releases it.
func (c *completion) settle() {
	if !c.sealed || c.pending > 0 || c.done == nil {
		c.mu.Unlock()
		return
	}
	done, n, err := c.done, c.n, c.err
	c.done = nil
	c.mu.Unlock()
	if err != nil {
		n = 0
	}
	done(n, err)
}
