// Package restore reads snapshots back from the backup server. It streams
// an image's chunks in index order to a caller supplied writer, verifying
// every chunk against its digest on the way.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/valvemist/pbsbridge/blob"
	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/fault"
	"github.com/valvemist/pbsbridge/keyconfig"
)

// DefaultPrefetch is the number of chunks fetched ahead of the writer.
const DefaultPrefetch = 8

// WriteFunc receives image data at offset. data is only valid during the
// call.
type WriteFunc func(offset uint64, data []byte) error

// ZeroFunc is told about an all-zero range instead of receiving its
// bytes.
type ZeroFunc func(offset, size uint64) error

// WriterAt adapts w to a WriteFunc.
func WriterAt(w io.WriterAt) WriteFunc {
	return func(offset uint64, data []byte) error {
		_, err := w.WriteAt(data, int64(offset))
		return err
	}
}

// Options configures Open.
type Options struct {
	Reader   datastore.Reader
	Snapshot datastore.SnapshotRef
	// Keys decrypt an encrypted snapshot. They must match the key
	// fingerprint recorded in the manifest.
	Keys     *keyconfig.KeySet
	Prefetch int
	Logger   *slog.Logger
}

// Snapshot is an opened snapshot.
type Snapshot struct {
	opts     Options
	sealer   blob.Sealer
	digester *chunk.Digester
	manifest []byte
	log      *slog.Logger

	zeroMu sync.Mutex
	zeros  map[uint64]chunk.Digest
}

// Latest returns the newest snapshot of a backup group.
func Latest(ctx context.Context, r datastore.Reader, store, backupID string) (datastore.SnapshotRef, error) {
	snaps, err := r.ListSnapshots(ctx, store, datastore.BackupTypeVM, backupID)
	if err != nil {
		return datastore.SnapshotRef{}, err
	}
	if len(snaps) == 0 {
		return datastore.SnapshotRef{}, fault.New(fault.Index, "latest_snapshot",
			fmt.Errorf("%w: no snapshot of %s in %s", datastore.ErrNotFound, backupID, store))
	}
	return slices.MaxFunc(snaps, func(a, b datastore.SnapshotRef) int {
		return a.BackupTime.Compare(b.BackupTime)
	}), nil
}

// Open fetches and checks the snapshot's manifest.
func Open(ctx context.Context, opts Options) (*Snapshot, error) {
	const op = "restore_open"
	if opts.Reader == nil {
		return nil, fault.Errorf(fault.InvalidArgument, op, "no reader")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultPrefetch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	raw, err := opts.Reader.GetBlob(ctx, opts.Snapshot, datastore.ManifestName)
	if err != nil {
		return nil, err
	}
	manifest, err := blob.Decode(raw, []byte(datastore.ManifestName), nil)
	if err != nil {
		return nil, fault.New(fault.Index, op, err)
	}

	s := &Snapshot{
		opts:     opts,
		manifest: manifest,
		zeros:    make(map[uint64]chunk.Digest),
		log: logger.With("component", "restore", "backup_id", opts.Snapshot.BackupID,
			"backup_time", opts.Snapshot.BackupTime.Unix()),
	}
	var digestKey []byte
	if fp := datastore.ManifestKeyFingerprint(manifest); fp != "" {
		if opts.Keys == nil {
			return nil, fault.Errorf(fault.Authentication, op, "snapshot is encrypted with key %s", fp)
		}
		if opts.Keys.Fingerprint() != fp {
			return nil, fault.Errorf(fault.Authentication, op, "snapshot key %s does not match %s", fp, opts.Keys.Fingerprint())
		}
		s.sealer = opts.Keys
		digestKey = opts.Keys.DigestKey()
	}
	if s.digester, err = chunk.NewDigester(digestKey); err != nil {
		return nil, fault.New(fault.Initialization, op, err)
	}
	return s, nil
}

// Manifest returns the decoded manifest.
func (s *Snapshot) Manifest() (*datastore.Manifest, error) {
	var m datastore.Manifest
	if err := json.Unmarshal(s.manifest, &m); err != nil {
		return nil, fault.New(fault.Index, "manifest", err)
	}
	return &m, nil
}

// Config returns a config file stored with AddConfig.
func (s *Snapshot) Config(ctx context.Context, name string) ([]byte, error) {
	filename := name + ".blob"
	if _, err := datastore.ManifestFileInfo(s.manifest, filename); err != nil {
		return nil, fault.New(fault.Index, "restore_config", err)
	}
	raw, err := s.opts.Reader.GetBlob(ctx, s.opts.Snapshot, filename)
	if err != nil {
		return nil, err
	}
	data, err := blob.Decode(raw, []byte(filename), s.sealer)
	if err != nil {
		return nil, fault.New(fault.Index, "restore_config", err)
	}
	return data, nil
}

// Restore streams the archive to write in offset order and returns the
// image size. All-zero chunks go to zero when it is set and are not
// fetched; with a nil zero they are written as zeros.
func (s *Snapshot) Restore(ctx context.Context, archive string, write WriteFunc, zero ZeroFunc) (uint64, error) {
	const op = "restore_image"
	info, err := datastore.ManifestFileInfo(s.manifest, archive)
	if err != nil {
		return 0, fault.New(fault.Index, op, err)
	}
	x, err := s.opts.Reader.GetIndex(ctx, s.opts.Snapshot, archive)
	if err != nil {
		return 0, err
	}
	sum := datastore.Checksum(x.Entries)
	if sum != x.Checksum || sum.String() != info.Checksum {
		return 0, fault.Errorf(fault.Index, op, "index %s checksum %s does not match manifest %s", archive, sum, info.Checksum)
	}
	if zero == nil {
		zero = func(offset, size uint64) error {
			return write(offset, chunk.Zero(int(size)))
		}
	}

	type fetched struct {
		entry datastore.IndexEntry
		data  []byte
		zero  bool
	}
	g, gctx := errgroup.WithContext(ctx)
	window := make(chan chan fetched, s.opts.Prefetch)

	g.Go(func() error {
		defer close(window)
		for _, e := range x.Entries {
			slot := make(chan fetched, 1)
			select {
			case window <- slot:
			case <-gctx.Done():
				return gctx.Err()
			}
			if e.Digest == s.zeroDigest(e.Size) {
				slot <- fetched{entry: e, zero: true}
				continue
			}
			g.Go(func() error {
				data, err := s.fetch(gctx, e)
				if err != nil {
					return err
				}
				slot <- fetched{entry: e, data: data}
				return nil
			})
		}
		return nil
	})

	var written uint64
	g.Go(func() error {
		for slot := range window {
			var f fetched
			select {
			case f = <-slot:
			case <-gctx.Done():
				return gctx.Err()
			}
			if f.entry.Offset != written {
				return fault.Errorf(fault.Index, op, "index %s has a gap at %d", archive, written)
			}
			var err error
			if f.zero {
				err = zero(f.entry.Offset, f.entry.Size)
			} else {
				err = write(f.entry.Offset, f.data)
			}
			if err != nil {
				return fmt.Errorf("writing %s at %d: %w", archive, f.entry.Offset, err)
			}
			written = f.entry.End()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return written, fault.New(fault.Cancelled, op, ctx.Err())
		}
		return written, err
	}
	if written != x.Size {
		return written, fault.Errorf(fault.Index, op, "index %s covers %d of %d bytes", archive, written, x.Size)
	}
	s.log.Info("image restored", "archive", archive, "size", written, "chunks", len(x.Entries))
	return written, nil
}

// fetch downloads, decodes, and verifies one chunk.
func (s *Snapshot) fetch(ctx context.Context, e datastore.IndexEntry) ([]byte, error) {
	raw, err := s.opts.Reader.GetChunk(ctx, s.opts.Snapshot.Datastore, e.Digest)
	if err != nil {
		return nil, err
	}
	data, err := blob.Decode(raw, e.Digest[:], s.sealer)
	if err != nil {
		return nil, fault.New(fault.Index, "restore_chunk", fmt.Errorf("chunk %s: %w", e.Digest.Short(), err))
	}
	if uint64(len(data)) != e.Size || s.digester.Sum(data) != e.Digest {
		return nil, fault.Errorf(fault.Index, "restore_chunk", "chunk %s failed verification", e.Digest.Short())
	}
	return data, nil
}

func (s *Snapshot) zeroDigest(size uint64) chunk.Digest {
	s.zeroMu.Lock()
	defer s.zeroMu.Unlock()
	d, ok := s.zeros[size]
	if !ok {
		d = s.digester.Sum(chunk.Zero(int(size)))
		s.zeros[size] = d
	}
	return d
}
