package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/valvemist/pbsbridge/bridge"
	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/job"
)

// DefaultOutstanding bounds the writes StreamImage keeps in flight.
const DefaultOutstanding = 8

// StreamOptions tune StreamImage.
type StreamOptions struct {
	// Kind defaults to chunk.Fixed.
	Kind chunk.IndexKind
	// BlockSize is the read size. For a fixed image it is also the index
	// block size; zero selects chunk.DefaultBlockSize.
	BlockSize   uint64
	Outstanding int
	Incremental bool
}

// StreamImage registers an image of size bytes with the job and copies
// src into it. All-zero blocks are sent without a buffer. It returns the
// bytes committed and closes the image once every write resolved.
func StreamImage(ctx context.Context, b *bridge.Bridge, h bridge.JobHandle, name string, src io.ReaderAt, size uint64, opts StreamOptions) (uint64, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = chunk.DefaultBlockSize
	}
	if opts.Outstanding <= 0 {
		opts.Outstanding = DefaultOutstanding
	}
	img, err := b.RegisterImage(h, job.ImageOptions{
		Name:        name,
		Size:        size,
		Kind:        opts.Kind,
		BlockSize:   opts.BlockSize,
		Incremental: opts.Incremental,
	})
	if err != nil {
		return 0, err
	}
	log.Info("Streaming image", "image", name, "size", size, "incremental", opts.Incremental)

	var (
		mu        sync.Mutex
		committed uint64
		firstErr  error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	sem := semaphore.NewWeighted(int64(opts.Outstanding))
	settle := func(n uint64, err error) {
		defer sem.Release(1)
		if err != nil {
			fail(err)
			return
		}
		mu.Lock()
		committed += n
		mu.Unlock()
	}

	zero := make([]byte, opts.BlockSize)
	for offset := uint64(0); offset < size && !failed(); offset += opts.BlockSize {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(err)
			break
		}
		n := min(opts.BlockSize, size-offset)
		buf := make([]byte, n)
		if _, err := src.ReadAt(buf, int64(offset)); err != nil && !(errors.Is(err, io.EOF) && offset+n == size) {
			sem.Release(1)
			fail(fmt.Errorf("reading %s at %d: %w", name, offset, err))
			break
		}
		if bytes.Equal(buf, zero[:n]) {
			b.WriteZeroesAsync(h, img, offset, n, settle)
			continue
		}
		b.WriteImageAsync(h, img, offset, buf, settle)
	}
	// Wait for the writes still in flight.
	_ = sem.Acquire(context.Background(), int64(opts.Outstanding))

	mu.Lock()
	err = firstErr
	total := committed
	mu.Unlock()
	if err != nil {
		return total, err
	}
	if err := b.CloseImage(h, img); err != nil {
		return total, err
	}
	log.Info("Image done", "image", name, "bytes", total)
	return total, nil
}
