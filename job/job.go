// Package job drives one backup job: a snapshot written as a set of image
// streams plus config blobs, uploaded through a single writer session.
//
// A job moves Created → Active → Finishing → Finished, or to Aborted from
// any state that is not yet finished. Writes are accepted only while the
// job is Active; registering the first image or config blob activates it.
// Any failure that leaves the session unusable aborts the job and is kept
// as its last error.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/valvemist/pbsbridge/blob"
	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/dedup"
	"github.com/valvemist/pbsbridge/fault"
	"github.com/valvemist/pbsbridge/keyconfig"
	"github.com/valvemist/pbsbridge/upload"
)

// Status is the lifecycle state of a job. It only ever advances.
type Status int

const (
	Created Status = iota
	Active
	Finishing
	Finished
	Aborted
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case Finishing:
		return "finishing"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Finished || s == Aborted
}

// Uploader is the session a job writes through. *upload.Client
// implements it.
type Uploader interface {
	Connect(ctx context.Context, params upload.Params) (upload.Connected, error)
	HasChunk(ctx context.Context, digest chunk.Digest) (bool, error)
	UploadChunkFunc(ctx context.Context, digest chunk.Digest, size uint64, encode func() ([]byte, error)) error
	CreateIndex(ctx context.Context, spec datastore.IndexSpec) (uint64, error)
	RegisterIndexEntries(ctx context.Context, indexID uint64, entries []datastore.IndexEntry) error
	FinalizeImage(ctx context.Context, indexID uint64, summary datastore.IndexSummary) error
	PreviousIndex(ctx context.Context, archive string) (*datastore.Index, error)
	UploadBlob(ctx context.Context, name string, encoded []byte) error
	FinalizeJob(ctx context.Context) error
	AbortJob(ctx context.Context, reason string) error
	Close() error
}

var _ Uploader = (*upload.Client)(nil)

// Options configures a Job.
type Options struct {
	// ID is the job identity. A random UUID is used when empty.
	ID       string
	Snapshot datastore.SnapshotRef
	Uploader Uploader
	// Keys encrypt chunks and blobs and key their digests. Nil writes an
	// unencrypted snapshot.
	Keys        *keyconfig.KeySet
	Compression blob.Compression
	// ChunkParams drive the chunker of dynamic images. The zero value
	// selects chunk.DefaultParams.
	ChunkParams chunk.Params
	// CheckBeforeUpload asks the server for every new digest before
	// uploading it.
	CheckBeforeUpload bool
	DedupCapacity     uint64
	// KnownDigests seed the dedup cache, for example from a prior job
	// against the same base snapshot.
	KnownDigests []chunk.Digest
	// Submit runs chunk uploads and index registrations. The context it
	// passes is cancelled when the executor gives up on the task. Nil runs
	// each task on its own goroutine.
	Submit func(fn func(ctx context.Context)) error
	Logger *slog.Logger
}

// Stats counts a job's data path.
type Stats struct {
	BytesWritten  uint64 // bytes accepted from writes
	Chunks        uint64 // chunks produced
	ZeroChunks    uint64 // all-zero fixed blocks
	DedupHits     uint64 // chunks not uploaded because their digest was known
	Uploaded      uint64 // chunks this job sent
	UploadedBytes uint64 // raw bytes of those chunks
}

type counters struct {
	bytes, chunks, zero, hits, uploaded, uploadedBytes atomic.Uint64
}

// abortTimeout bounds the best-effort abort notification to the server.
const abortTimeout = 10 * time.Second

// Job is one backup job. Its methods are safe for concurrent use.
type Job struct {
	id       string
	created  time.Time
	opts     Options
	log      *slog.Logger
	up       Uploader
	cache    *dedup.Cache
	digester *chunk.Digester
	encoder  *blob.Encoder
	// manifests stay readable without the key so restore can check the
	// fingerprint before opening anything else.
	plain *blob.Encoder

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	lastErr   error
	connected bool
	conn      upload.Connected
	images    []*Image
	byName    map[string]*Image
	configs   []datastore.ManifestFile

	// inflight counts write operations and chunk uploads. Resources are
	// released only once it drains.
	inflight    sync.WaitGroup
	releaseOnce sync.Once
	released    chan struct{}

	zeroMu   sync.Mutex
	zeroSums map[uint64]chunk.Digest

	stats counters
}

// New creates a job in state Created. It does not contact the server;
// call Connect.
func New(opts Options) (*Job, error) {
	if opts.Uploader == nil {
		return nil, fault.Errorf(fault.InvalidArgument, "create_job", "uploader is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.ChunkParams == (chunk.Params{}) {
		opts.ChunkParams = chunk.DefaultParams
	}
	if err := opts.ChunkParams.Validate(); err != nil {
		return nil, fault.New(fault.InvalidArgument, "create_job", err)
	}

	var (
		digestKey []byte
		sealer    blob.Sealer
	)
	if opts.Keys != nil {
		digestKey = opts.Keys.DigestKey()
		sealer = opts.Keys
	}
	digester, err := chunk.NewDigester(digestKey)
	if err != nil {
		return nil, fault.New(fault.Initialization, "create_job", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		id:       opts.ID,
		created:  time.Now(),
		opts:     opts,
		log:      logger.With("job", opts.ID),
		up:       opts.Uploader,
		cache:    dedup.New(dedup.Options{Capacity: opts.DedupCapacity, Seed: opts.KnownDigests}),
		digester: digester,
		encoder:  blob.NewEncoder(opts.Compression, sealer),
		plain:    blob.NewEncoder(opts.Compression, nil),
		ctx:      ctx,
		cancel:   cancel,
		byName:   make(map[string]*Image),
		zeroSums: make(map[uint64]chunk.Digest),
		released: make(chan struct{}),
	}, nil
}

func (j *Job) ID() string                      { return j.id }
func (j *Job) Created() time.Time              { return j.created }
func (j *Job) Snapshot() datastore.SnapshotRef { return j.opts.Snapshot }

// Status returns the current state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// LastError returns the failure that aborted the job, or nil.
func (j *Job) LastError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// HasPrevious reports whether the server holds an earlier snapshot of
// the same backup group. Only meaningful after Connect.
func (j *Job) HasPrevious() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.conn.HasPrevious()
}

// Stats returns a snapshot of the job's counters.
func (j *Job) Stats() Stats {
	return Stats{
		BytesWritten:  j.stats.bytes.Load(),
		Chunks:        j.stats.chunks.Load(),
		ZeroChunks:    j.stats.zero.Load(),
		DedupHits:     j.stats.hits.Load(),
		Uploaded:      j.stats.uploaded.Load(),
		UploadedBytes: j.stats.uploadedBytes.Load(),
	}
}

// Connect opens the writer session.
func (j *Job) Connect(ctx context.Context) error {
	j.mu.Lock()
	if j.status != Created || j.connected {
		defer j.mu.Unlock()
		return j.stateError("connect")
	}
	j.mu.Unlock()

	ctx, stop := j.bind(ctx)
	defer stop()
	conn, err := j.up.Connect(ctx, upload.Params{Snapshot: j.opts.Snapshot, JobID: j.id})
	if err != nil {
		return j.fatal(err)
	}

	j.mu.Lock()
	j.connected = true
	j.conn = conn
	j.mu.Unlock()
	j.log.Info("job connected", "backup_id", j.opts.Snapshot.BackupID, "session", conn.SessionID,
		"previous", conn.HasPrevious(), "encrypted", j.encoder.Encrypted())
	return nil
}

// stateError must be called with j.mu held.
func (j *Job) stateError(op string) error {
	if j.status == Created && !j.connected && op != "connect" {
		return fault.Errorf(fault.InvalidJobState, op, "job %s is not connected", j.id)
	}
	return fault.Errorf(fault.InvalidJobState, op, "job %s is %s", j.id, j.status)
}

// activate moves a connected job from Created to Active.
func (j *Job) activate(op string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.connected || (j.status != Created && j.status != Active) {
		return j.stateError(op)
	}
	j.status = Active
	return nil
}

// begin admits one operation of the data path. Every successful begin is
// paired with end.
func (j *Job) begin(op string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != Active {
		return j.stateError(op)
	}
	j.inflight.Add(1)
	return nil
}

func (j *Job) end() {
	j.inflight.Done()
}

// bind derives a context that is also cancelled when the job aborts.
func (j *Job) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(j.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// submit hands fn to the executor of the job's data path.
func (j *Job) submit(fn func(ctx context.Context)) error {
	if j.opts.Submit == nil {
		go fn(context.Background())
		return nil
	}
	return j.opts.Submit(fn)
}

// fatal aborts the job unless err is caller misuse, and returns err.
func (j *Job) fatal(err error) error {
	switch fault.KindOf(err) {
	case fault.InvalidArgument, fault.InvalidJobState:
	default:
		j.fail(err)
	}
	return err
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return
	}
	j.status = Aborted
	j.lastErr = err
	images := slices.Clone(j.images)
	j.mu.Unlock()

	j.log.Error("job aborted", "error", err)
	j.cancel()
	cancelled := fault.New(fault.Cancelled, "image_write", err)
	for _, img := range images {
		img.cancelPending(cancelled)
	}
	// fail may run on an upload goroutine the release waits for.
	go j.release(true, err.Error())
}

// Abort cancels the job. Pending writes resolve with fault.Cancelled,
// acknowledged chunks stay on the server, and the session is discarded.
// Abort returns once every in-flight upload has finished. Aborting an
// aborted job is a no-op; a finished job cannot be aborted.
func (j *Job) Abort(reason string) error {
	if err := j.Cancel(reason); err != nil {
		return err
	}
	<-j.released
	return nil
}

// Cancel is Abort without waiting for the release; Released reports when
// it completed.
func (j *Job) Cancel(reason string) error {
	j.mu.Lock()
	switch j.status {
	case Finished:
		defer j.mu.Unlock()
		return j.stateError("abort")
	case Aborted:
		j.mu.Unlock()
		go j.release(true, reason)
		return nil
	}
	j.status = Aborted
	if j.lastErr == nil {
		j.lastErr = fault.Errorf(fault.Cancelled, "abort", "job aborted: %s", reason)
	}
	images := slices.Clone(j.images)
	j.mu.Unlock()

	j.log.Warn("job aborted by caller", "reason", reason)
	j.cancel()
	cancelled := fault.Errorf(fault.Cancelled, "image_write", "job aborted: %s", reason)
	for _, img := range images {
		img.cancelPending(cancelled)
	}
	go j.release(true, reason)
	return nil
}

// Released is closed once the job's resources were freed.
func (j *Job) Released() <-chan struct{} {
	return j.released
}

// release frees the job's resources once the data path drained. It runs
// once; later callers wait for the first to complete.
func (j *Job) release(abort bool, reason string) {
	j.releaseOnce.Do(func() {
		j.inflight.Wait()
		j.cache.Release()
		if abort {
			ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
			if err := j.up.AbortJob(ctx, reason); err != nil {
				j.log.Warn("abort not delivered to server", "error", err)
			}
			cancel()
		}
		if err := j.up.Close(); err != nil {
			j.log.Debug("closing uploader", "error", err)
		}
		j.cancel()
		close(j.released)
	})
}

// ImageOptions describe an image to register.
type ImageOptions struct {
	Name string
	Size uint64
	Kind chunk.IndexKind
	// BlockSize of a fixed image. Zero selects chunk.DefaultBlockSize.
	BlockSize uint64
	// Incremental seeds dedup from the previous snapshot's index of the
	// same archive and fills unwritten fixed blocks from it at close.
	Incremental bool
}

// ArchiveName returns the index name an image is stored under.
func ArchiveName(name string, kind chunk.IndexKind) string {
	return name + ".img" + kind.Suffix()
}

// RegisterImage declares an image stream and creates its index on the
// server. The first registration activates the job.
func (j *Job) RegisterImage(ctx context.Context, opts ImageOptions) (*Image, error) {
	const op = "image_register"
	if opts.Name == "" {
		return nil, fault.Errorf(fault.InvalidArgument, op, "image name is empty")
	}
	if opts.Size == 0 {
		return nil, fault.Errorf(fault.InvalidArgument, op, "image %s has zero size", opts.Name)
	}
	if opts.Kind != chunk.Fixed && opts.Kind != chunk.Dynamic {
		return nil, fault.Errorf(fault.InvalidArgument, op, "unknown index kind %d", int(opts.Kind))
	}
	var layout chunk.BlockLayout
	if opts.Kind == chunk.Fixed {
		var err error
		if layout, err = chunk.NewBlockLayout(opts.Size, opts.BlockSize); err != nil {
			return nil, fault.New(fault.InvalidArgument, op, err)
		}
	}

	if err := j.activate(op); err != nil {
		return nil, err
	}
	j.mu.Lock()
	if _, taken := j.byName[opts.Name]; taken {
		j.mu.Unlock()
		return nil, fault.Errorf(fault.InvalidArgument, op, "image %s is already registered", opts.Name)
	}
	// Reserve the name while the index is created.
	j.byName[opts.Name] = nil
	j.mu.Unlock()

	img, err := j.registerImage(ctx, opts, layout)
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		delete(j.byName, opts.Name)
		return nil, err
	}
	j.byName[opts.Name] = img
	j.images = append(j.images, img)
	return img, nil
}

func (j *Job) registerImage(ctx context.Context, opts ImageOptions, layout chunk.BlockLayout) (*Image, error) {
	ctx, stop := j.bind(ctx)
	defer stop()

	spec := datastore.IndexSpec{
		Archive:   ArchiveName(opts.Name, opts.Kind),
		Kind:      opts.Kind,
		Size:      opts.Size,
		BlockSize: layout.BlockSize,
	}
	indexID, err := j.up.CreateIndex(ctx, spec)
	if err != nil {
		return nil, j.fatal(err)
	}
	img, err := newImage(j, opts, spec, layout, indexID)
	if err != nil {
		return nil, err
	}
	if opts.Incremental {
		prev, err := j.previousIndex(ctx, spec)
		if err != nil {
			return nil, j.fatal(err)
		}
		if prev != nil {
			j.cache.Seed(prev.Digests())
			if spec.Kind == chunk.Fixed {
				img.prev = prev
			}
		}
	}
	j.log.Info("image registered", "archive", spec.Archive, "size", spec.Size, "kind", spec.Kind,
		"incremental", img.prev != nil)
	return img, nil
}

// previousIndex returns the index to base an incremental image on, or nil
// when there is none or it does not match the image's shape.
func (j *Job) previousIndex(ctx context.Context, spec datastore.IndexSpec) (*datastore.Index, error) {
	if !j.HasPrevious() {
		return nil, nil
	}
	prev, err := j.up.PreviousIndex(ctx, spec.Archive)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prev.Kind != spec.Kind || (spec.Kind == chunk.Fixed && (prev.Size != spec.Size || prev.BlockSize != spec.BlockSize)) {
		j.log.Warn("previous index does not match, writing a full image", "archive", spec.Archive,
			"previous_size", prev.Size, "size", spec.Size)
		return nil, nil
	}
	return prev, nil
}

// AddConfig stores data as the config blob <name>.blob of the snapshot.
func (j *Job) AddConfig(ctx context.Context, name string, data []byte) error {
	const op = "add_config"
	if name == "" {
		return fault.Errorf(fault.InvalidArgument, op, "config name is empty")
	}
	if err := j.activate(op); err != nil {
		return err
	}
	if err := j.begin(op); err != nil {
		return err
	}
	defer j.end()

	filename := name + ".blob"
	j.mu.Lock()
	for _, f := range j.configs {
		if f.Filename == filename {
			j.mu.Unlock()
			return fault.Errorf(fault.InvalidArgument, op, "config %s already added", name)
		}
	}
	j.mu.Unlock()

	encoded, err := j.encoder.Encode(data, []byte(filename))
	if err != nil {
		return j.fatal(fault.New(fault.Upload, op, err))
	}
	ctx, stop := j.bind(ctx)
	defer stop()
	if err := j.up.UploadBlob(ctx, filename, encoded); err != nil {
		return j.fatal(err)
	}

	j.mu.Lock()
	j.configs = append(j.configs, datastore.ManifestFile{
		Filename:  filename,
		Size:      uint64(len(data)),
		CryptMode: j.cryptMode(),
	})
	j.mu.Unlock()
	return nil
}

func (j *Job) cryptMode() string {
	if j.encoder.Encrypted() {
		return datastore.CryptModeEncrypt
	}
	return datastore.CryptModeNone
}

// Finish uploads the manifest and finalizes the session. Every registered
// image must be closed. On success the snapshot is visible on the server
// and the job is Finished; any failure aborts it.
func (j *Job) Finish(ctx context.Context) error {
	const op = "job_finish"
	j.mu.Lock()
	if j.status != Active {
		defer j.mu.Unlock()
		return j.stateError(op)
	}
	for _, img := range j.images {
		if !img.Closed() {
			j.mu.Unlock()
			return fault.Errorf(fault.InvalidJobState, op, "image %s is not closed", img.Name())
		}
	}
	j.status = Finishing
	images := slices.Clone(j.images)
	configs := slices.Clone(j.configs)
	j.mu.Unlock()

	j.inflight.Wait()

	ctx, stop := j.bind(ctx)
	defer stop()
	if err := j.finish(ctx, images, configs); err != nil {
		j.fail(err)
		return err
	}

	j.mu.Lock()
	if j.status != Finishing {
		defer j.mu.Unlock()
		return j.stateError(op)
	}
	j.status = Finished
	j.mu.Unlock()

	j.release(false, "")
	stats := j.Stats()
	j.log.Info("job finished", "images", len(images), "bytes", stats.BytesWritten, "chunks", stats.Chunks,
		"uploaded", stats.Uploaded, "dedup_hits", stats.DedupHits)
	return nil
}

func (j *Job) finish(ctx context.Context, images []*Image, configs []datastore.ManifestFile) error {
	manifest := j.manifest(images, configs)
	raw, err := manifest.Marshal()
	if err != nil {
		return fault.New(fault.Index, "job_finish", err)
	}
	encoded, err := j.plain.Encode(raw, []byte(datastore.ManifestName))
	if err != nil {
		return fault.New(fault.Index, "job_finish", err)
	}
	if err := j.up.UploadBlob(ctx, datastore.ManifestName, encoded); err != nil {
		return err
	}
	return j.up.FinalizeJob(ctx)
}

func (j *Job) manifest(images []*Image, configs []datastore.ManifestFile) *datastore.Manifest {
	m := &datastore.Manifest{
		BackupType: j.opts.Snapshot.BackupType,
		BackupID:   j.opts.Snapshot.BackupID,
		BackupTime: j.opts.Snapshot.BackupTime.Unix(),
		JobID:      j.id,
	}
	if j.opts.Keys != nil {
		m.KeyFingerprint = j.opts.Keys.Fingerprint()
	}
	for _, img := range images {
		sum := img.Summary()
		m.Files = append(m.Files, datastore.ManifestFile{
			Filename:  img.Archive(),
			Size:      sum.Size,
			Chunks:    sum.Entries,
			Checksum:  sum.Checksum.String(),
			CryptMode: j.cryptMode(),
		})
	}
	m.Files = append(m.Files, configs...)
	return m
}

// storeChunk makes ch durable on the server, uploading it unless its
// digest is already known.
func (j *Job) storeChunk(ctx context.Context, ch chunk.Chunk) error {
	state, owner := j.cache.Claim(ch.Digest)
	if !owner && (state == chunk.DuplicateOfKnown || state == chunk.UploadAcked) {
		j.stats.hits.Add(1)
		return nil
	}
	if owner && j.opts.CheckBeforeUpload {
		present, err := j.up.HasChunk(ctx, ch.Digest)
		if err != nil {
			j.cache.Forget(ch.Digest)
			return err
		}
		if present {
			j.cache.Ack(ch.Digest)
			j.stats.hits.Add(1)
			return nil
		}
	}

	sent := false
	err := j.up.UploadChunkFunc(ctx, ch.Digest, ch.Size(), func() ([]byte, error) {
		sent = true
		return j.encoder.Encode(ch.Data, ch.Digest[:])
	})
	if err != nil {
		if owner {
			j.cache.Forget(ch.Digest)
		}
		return err
	}
	j.cache.Ack(ch.Digest)
	if sent {
		j.stats.uploaded.Add(1)
		j.stats.uploadedBytes.Add(ch.Size())
	} else {
		j.stats.hits.Add(1)
	}
	return nil
}

// zeroDigest returns the digest of n zero bytes.
func (j *Job) zeroDigest(n uint64) chunk.Digest {
	j.zeroMu.Lock()
	defer j.zeroMu.Unlock()
	d, ok := j.zeroSums[n]
	if !ok {
		d = j.digester.Sum(chunk.Zero(int(n)))
		j.zeroSums[n] = d
	}
	return d
}
