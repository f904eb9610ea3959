// Package bridge is the call boundary a hypervisor process drives a backup
// through. Every operation exists in a blocking form that parks the
// calling goroutine until the job has done the work, and the data path
// also in an asynchronous form that returns a Token at once and reports
// through an optional callback.
//
// All work runs on the runtime host's goroutines. Callers refer to jobs
// and images by handle; a handle stays valid until Release.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/valvemist/pbsbridge/blob"
	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/config"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/executor"
	"github.com/valvemist/pbsbridge/fault"
	"github.com/valvemist/pbsbridge/job"
	"github.com/valvemist/pbsbridge/keyconfig"
	"github.com/valvemist/pbsbridge/upload"
)

// JobHandle names a job created through a Bridge.
type JobHandle uint64

// ImageHandle names an image within its job.
type ImageHandle uint32

// Options configures a Bridge.
type Options struct {
	// Host runs the bridge's work. Nil uses the process host from
	// executor.Start, sized by Policy.Workers.
	Host *executor.Host
	// Policy is the retry, concurrency, and chunking policy of every job.
	// The zero value selects config.DefaultPolicy.
	Policy config.Policy
	Logger *slog.Logger
}

// JobOptions describe a job to create.
type JobOptions struct {
	Repository config.Repository
	BackupID   string
	// BackupTime defaults to the current time.
	BackupTime time.Time
	// Keys encrypt the job. When nil and Credentials name a key file, the
	// key file is opened and owned by the job.
	Keys         *keyconfig.KeySet
	Credentials  keyconfig.Credentials
	KnownDigests []chunk.Digest
	// Dialer replaces the gRPC transport built from Repository.
	Dialer datastore.Dialer
}

type imageEntry struct {
	img *job.Image
	ops *tracker
}

type jobEntry struct {
	job       *job.Job
	ownedKeys *keyconfig.KeySet

	mu     sync.Mutex
	images []*imageEntry
}

// Bridge holds the jobs of one hypervisor process.
type Bridge struct {
	host   *executor.Host
	policy config.Policy
	log    *slog.Logger

	mu     sync.Mutex
	jobs   map[JobHandle]*jobEntry
	next   JobHandle
	closed bool
}

// New returns a bridge.
func New(opts Options) (*Bridge, error) {
	policy := opts.Policy
	if policy == (config.Policy{}) {
		policy = config.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, fault.New(fault.Initialization, "bridge", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host := opts.Host
	if host == nil {
		var err error
		host, err = executor.Start(executor.Options{Workers: policy.Workers, Logger: logger})
		if err != nil {
			return nil, err
		}
	}
	return &Bridge{
		host:   host,
		policy: policy,
		log:    logger.With("component", "bridge"),
		jobs:   make(map[JobHandle]*jobEntry),
	}, nil
}

// call runs fn on the host and parks the caller until it returns.
func call[T any](b *Bridge, fn func(ctx context.Context) (T, error)) (T, error) {
	tok := newToken[T](b.host, nil)
	if _, err := b.host.Submit(func(ctx context.Context) { tok.resolve(fn(ctx)) }); err != nil {
		var zero T
		return zero, err
	}
	<-tok.Done()
	return tok.result, tok.err
}

func (b *Bridge) lookup(op string, h JobHandle) (*jobEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.jobs[h]
	if !ok {
		return nil, fault.Errorf(fault.InvalidArgument, op, "unknown job handle %d", h)
	}
	return e, nil
}

func (b *Bridge) lookupImage(op string, h JobHandle, img ImageHandle) (*jobEntry, *imageEntry, error) {
	e, err := b.lookup(op, h)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(img) >= len(e.images) {
		return nil, nil, fault.Errorf(fault.InvalidArgument, op, "unknown image handle %d", img)
	}
	return e, e.images[img], nil
}

// CreateJob creates a job and opens its writer session.
func (b *Bridge) CreateJob(ctx context.Context, opts JobOptions) (JobHandle, error) {
	const op = "job_create"
	if opts.BackupID == "" {
		return 0, fault.Errorf(fault.InvalidArgument, op, "backup id is empty")
	}
	if opts.Repository.Datastore == "" {
		return 0, fault.Errorf(fault.InvalidArgument, op, "datastore is empty")
	}
	dialer := opts.Dialer
	if dialer == nil {
		if opts.Repository.Address == "" {
			return 0, fault.Errorf(fault.InvalidArgument, op, "repository address is empty")
		}
		dialer = datastore.NewDialer(datastore.Options{
			Address:     opts.Repository.Address,
			Token:       opts.Repository.Token,
			Fingerprint: opts.Repository.Fingerprint,
			Insecure:    opts.Repository.Insecure,
			Logger:      b.log,
		})
	}
	compression, err := blob.ParseCompression(b.policy.Compression)
	if err != nil {
		return 0, fault.New(fault.InvalidArgument, op, err)
	}

	keys, owned := opts.Keys, false
	if keys == nil && opts.Credentials.KeyFile != "" {
		keys, err = keyconfig.Open(opts.Credentials)
		if errors.Is(err, keyconfig.ErrWrongPassword) {
			return 0, fault.New(fault.Authentication, op, err)
		}
		if err != nil {
			return 0, fault.New(fault.InvalidArgument, op, err)
		}
		owned = true
	}
	closeKeys := func() {
		if owned {
			keys.Close()
		}
	}

	client, err := upload.New(upload.OptionsFromPolicy(b.policy, dialer, b.log))
	if err != nil {
		closeKeys()
		return 0, fault.New(fault.Initialization, op, err)
	}
	backupTime := opts.BackupTime
	if backupTime.IsZero() {
		backupTime = time.Now()
	}
	j, err := job.New(job.Options{
		Snapshot: datastore.SnapshotRef{
			Datastore:  opts.Repository.Datastore,
			BackupType: datastore.BackupTypeVM,
			BackupID:   opts.BackupID,
			BackupTime: backupTime.UTC().Truncate(time.Second),
		},
		Uploader:          client,
		Keys:              keys,
		Compression:       compression,
		CheckBeforeUpload: b.policy.CheckBeforeUpload,
		DedupCapacity:     b.policy.DedupCapacity,
		KnownDigests:      opts.KnownDigests,
		Submit: func(fn func(ctx context.Context)) error {
			_, err := b.host.Submit(fn)
			return err
		},
		Logger: b.log,
	})
	if err != nil {
		client.Close()
		closeKeys()
		return 0, err
	}

	if _, err := call(b, func(hctx context.Context) (struct{}, error) {
		ctx, cancel := mergeCancel(ctx, hctx)
		defer cancel()
		return struct{}{}, j.Connect(ctx)
	}); err != nil {
		j.Abort(err.Error())
		closeKeys()
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		j.Abort("bridge closed")
		closeKeys()
		return 0, fault.Errorf(fault.RuntimeClosed, op, "bridge is closed")
	}
	b.next++
	h := b.next
	e := &jobEntry{job: j}
	if owned {
		e.ownedKeys = keys
	}
	b.jobs[h] = e
	b.log.Info("job created", "handle", h, "job", j.ID(), "backup_id", opts.BackupID)
	return h, nil
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// HasPrevious reports whether the server held an earlier snapshot of the
// job's backup group when the job was created.
func (b *Bridge) HasPrevious(h JobHandle) (bool, error) {
	e, err := b.lookup("has_previous", h)
	if err != nil {
		return false, err
	}
	return e.job.HasPrevious(), nil
}

// Status returns the job's state.
func (b *Bridge) Status(h JobHandle) (job.Status, error) {
	e, err := b.lookup("status", h)
	if err != nil {
		return 0, err
	}
	return e.job.Status(), nil
}

// Stats returns the job's counters.
func (b *Bridge) Stats(h JobHandle) (job.Stats, error) {
	e, err := b.lookup("stats", h)
	if err != nil {
		return job.Stats{}, err
	}
	return e.job.Stats(), nil
}

// RegisterImage declares an image and returns its handle.
func (b *Bridge) RegisterImage(h JobHandle, opts job.ImageOptions) (ImageHandle, error) {
	tok := b.RegisterImageAsync(h, opts, nil)
	<-tok.Done()
	return tok.result, tok.err
}

// RegisterImageAsync is the asynchronous form of RegisterImage.
func (b *Bridge) RegisterImageAsync(h JobHandle, opts job.ImageOptions, cb Callback[ImageHandle]) *Token[ImageHandle] {
	tok := newToken(b.host, cb)
	e, err := b.lookup("image_register", h)
	if err != nil {
		tok.resolve(0, err)
		return tok
	}
	if opts.Kind == chunk.Fixed && opts.BlockSize == 0 {
		opts.BlockSize = b.policy.ChunkSize
	}
	submit(b, tok, func(ctx context.Context) {
		img, err := e.job.RegisterImage(ctx, opts)
		if err != nil {
			tok.resolve(0, err)
			return
		}
		e.mu.Lock()
		id := ImageHandle(len(e.images))
		e.images = append(e.images, &imageEntry{img: img, ops: newTracker()})
		e.mu.Unlock()
		tok.resolve(id, nil)
	})
	return tok
}

// submit runs fn on the host, resolving tok with fault.RuntimeClosed if
// the host no longer accepts work.
func submit[T any](b *Bridge, tok *Token[T], fn func(ctx context.Context)) {
	if _, err := b.host.Submit(fn); err != nil {
		var zero T
		tok.resolve(zero, err)
	}
}

// WriteImage writes data at offset and returns the bytes committed. For a
// fixed image offset must be block aligned and data one whole block.
func (b *Bridge) WriteImage(h JobHandle, img ImageHandle, offset uint64, data []byte) (uint64, error) {
	tok := b.WriteImageAsync(h, img, offset, data, nil)
	<-tok.Done()
	return tok.result, tok.err
}

// WriteImageAsync is the asynchronous form of WriteImage. data must not
// be modified until the token resolves.
func (b *Bridge) WriteImageAsync(h JobHandle, img ImageHandle, offset uint64, data []byte, cb Callback[uint64]) *Token[uint64] {
	if data == nil {
		data = []byte{}
	}
	return b.write(h, img, offset, data, uint64(len(data)), cb)
}

// WriteZeroes writes size zero bytes at offset without the caller
// providing a buffer.
func (b *Bridge) WriteZeroes(h JobHandle, img ImageHandle, offset, size uint64) (uint64, error) {
	tok := b.WriteZeroesAsync(h, img, offset, size, nil)
	<-tok.Done()
	return tok.result, tok.err
}

// WriteZeroesAsync is the asynchronous form of WriteZeroes.
func (b *Bridge) WriteZeroesAsync(h JobHandle, img ImageHandle, offset, size uint64, cb Callback[uint64]) *Token[uint64] {
	return b.write(h, img, offset, nil, size, cb)
}

func (b *Bridge) write(h JobHandle, img ImageHandle, offset uint64, data []byte, size uint64, cb Callback[uint64]) *Token[uint64] {
	tok := newToken(b.host, cb)
	_, ie, err := b.lookupImage("image_write", h, img)
	if err != nil {
		tok.resolve(0, err)
		return tok
	}
	ie.ops.add()
	if _, err := b.host.Submit(func(context.Context) {
		defer ie.ops.done()
		if err := ie.img.Write(offset, data, size, tok.resolve); err != nil {
			tok.resolve(0, err)
			return
		}
		tok.accepted.Store(size)
	}); err != nil {
		ie.ops.done()
		tok.resolve(0, err)
	}
	return tok
}

// CloseImage waits until the image's outstanding writes were applied,
// then finalizes its index. A dynamic image with a gap before a pending
// write fails with fault.InvalidArgument and stays open.
func (b *Bridge) CloseImage(h JobHandle, img ImageHandle) error {
	tok := b.CloseImageAsync(h, img, nil)
	<-tok.Done()
	return tok.err
}

// CloseImageAsync is the asynchronous form of CloseImage. The result is
// the size of the finalized image.
func (b *Bridge) CloseImageAsync(h JobHandle, img ImageHandle, cb Callback[uint64]) *Token[uint64] {
	tok := newToken(b.host, cb)
	_, ie, err := b.lookupImage("image_close", h, img)
	if err != nil {
		tok.resolve(0, err)
		return tok
	}
	// Waiting on a worker could starve the tasks it waits for.
	go func() {
		ie.ops.wait()
		submit(b, tok, func(context.Context) {
			if err := ie.img.Seal(); err != nil {
				tok.resolve(0, err)
				return
			}
			go func() {
				ie.img.WaitUploads()
				submit(b, tok, func(ctx context.Context) {
					if err := ie.img.Finalize(ctx); err != nil {
						tok.resolve(0, err)
						return
					}
					tok.resolve(ie.img.Summary().Size, nil)
				})
			}()
		})
	}()
	return tok
}

// AddConfig stores a config file with the snapshot as <name>.blob.
func (b *Bridge) AddConfig(h JobHandle, name string, data []byte) error {
	tok := b.AddConfigAsync(h, name, data, nil)
	<-tok.Done()
	return tok.err
}

// AddConfigAsync is the asynchronous form of AddConfig. The result is
// the size of the config. data must not be modified until the token
// resolves.
func (b *Bridge) AddConfigAsync(h JobHandle, name string, data []byte, cb Callback[uint64]) *Token[uint64] {
	tok := newToken(b.host, cb)
	e, err := b.lookup("add_config", h)
	if err != nil {
		tok.resolve(0, err)
		return tok
	}
	submit(b, tok, func(ctx context.Context) {
		if err := e.job.AddConfig(ctx, name, data); err != nil {
			tok.resolve(0, err)
			return
		}
		tok.resolve(uint64(len(data)), nil)
	})
	return tok
}

// Finish completes the job. Every image must be closed.
func (b *Bridge) Finish(h JobHandle) error {
	tok := b.FinishAsync(h, nil)
	<-tok.Done()
	return tok.err
}

// FinishAsync is the asynchronous form of Finish. The result is the
// number of bytes the job wrote.
func (b *Bridge) FinishAsync(h JobHandle, cb Callback[uint64]) *Token[uint64] {
	tok := newToken(b.host, cb)
	e, err := b.lookup("job_finish", h)
	if err != nil {
		tok.resolve(0, err)
		return tok
	}
	submit(b, tok, func(ctx context.Context) {
		if err := e.job.Finish(ctx); err != nil {
			tok.resolve(0, err)
			return
		}
		tok.resolve(e.job.Stats().BytesWritten, nil)
	})
	return tok
}

// Abort cancels the job and every operation pending on it. It returns
// once in-flight uploads have stopped. Aborting twice is harmless.
func (b *Bridge) Abort(h JobHandle, reason string) error {
	e, err := b.lookup("job_abort", h)
	if err != nil {
		return err
	}
	_, err = call(b, func(context.Context) (struct{}, error) {
		return struct{}{}, e.job.Cancel(reason)
	})
	if fault.Is(err, fault.RuntimeClosed) {
		err = e.job.Cancel(reason)
	}
	if err != nil {
		return err
	}
	// The release waits for uploads queued on the host.
	<-e.job.Released()
	return nil
}

// LastError returns the message of the failure that aborted the job, or
// "" while the job is healthy.
func (b *Bridge) LastError(h JobHandle) string {
	e, err := b.lookup("last_error", h)
	if err != nil {
		return err.Error()
	}
	if err := e.job.LastError(); err != nil {
		return err.Error()
	}
	return ""
}

// Release forgets the handle. A job that is neither finished nor aborted
// is aborted first.
func (b *Bridge) Release(h JobHandle) error {
	e, err := b.lookup("release", h)
	if err != nil {
		return err
	}
	if !e.job.Status().Terminal() {
		if err := b.Abort(h, "released"); err != nil && !fault.Is(err, fault.InvalidJobState) {
			return err
		}
	}
	b.mu.Lock()
	delete(b.jobs, h)
	b.mu.Unlock()
	if e.ownedKeys != nil {
		e.ownedKeys.Close()
	}
	return nil
}

// Close releases every job. The runtime host is left running; shut it
// down with executor.Shutdown or Host.Shutdown.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	handles := make([]JobHandle, 0, len(b.jobs))
	for h := range b.jobs {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, b.Release(h))
	}
	return errors.Join(errs...)
}
