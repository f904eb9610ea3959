package restore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valvemist/pbsbridge/blob"
	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/datastore/datastoretest"
	"github.com/valvemist/pbsbridge/fault"
	"github.com/valvemist/pbsbridge/job"
	"github.com/valvemist/pbsbridge/keyconfig"
	"github.com/valvemist/pbsbridge/upload"
)

const testBlock = 4096

var (
	discard  = slog.New(slog.NewTextHandler(io.Discard, nil))
	snapshot = datastore.SnapshotRef{
		Datastore:  "store",
		BackupType: datastore.BackupTypeVM,
		BackupID:   "100",
		BackupTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
)

func randomData(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// sink records writes and checks they arrive in order.
type sink struct {
	t     *testing.T
	image []byte
	next  uint64
	zeros [][2]uint64
}

func newSink(t *testing.T, size int) *sink {
	return &sink{t: t, image: make([]byte, size)}
}

func (s *sink) write(offset uint64, data []byte) error {
	require.Equal(s.t, s.next, offset)
	copy(s.image[offset:], data)
	s.next = offset + uint64(len(data))
	return nil
}

func (s *sink) zero(offset, size uint64) error {
	require.Equal(s.t, s.next, offset)
	s.zeros = append(s.zeros, [2]uint64{offset, size})
	s.next = offset + size
	return nil
}

type backup struct {
	fixed   []byte
	dynamic []byte
}

// runBackup stores a snapshot holding a fixed image whose second and
// fourth blocks are zero, a dynamic image, and a config file.
func runBackup(t *testing.T, store *datastoretest.Store, ref datastore.SnapshotRef, keys *keyconfig.KeySet) backup {
	t.Helper()
	ctx := context.Background()
	client, err := upload.New(upload.Options{Dialer: store.Dialer(), InFlightLimit: 4, RetryBaseDelay: time.Millisecond, Logger: discard})
	require.NoError(t, err)
	j, err := job.New(job.Options{
		Snapshot:    ref,
		Uploader:    client,
		Keys:        keys,
		Compression: blob.CompressionLZ4,
		ChunkParams: chunk.Params{MinSize: 1024, TargetSize: 4096, MaxSize: 16384},
		Logger:      discard,
	})
	require.NoError(t, err)
	require.NoError(t, j.Connect(ctx))

	b := backup{fixed: make([]byte, 4*testBlock), dynamic: randomData(7, 50000)}
	copy(b.fixed, randomData(1, testBlock))
	copy(b.fixed[2*testBlock:], randomData(3, testBlock))

	fixed, err := j.RegisterImage(ctx, job.ImageOptions{Name: "drive-scsi0", Size: 4 * testBlock, Kind: chunk.Fixed, BlockSize: testBlock})
	require.NoError(t, err)
	dynamic, err := j.RegisterImage(ctx, job.ImageOptions{Name: "vmstate", Size: uint64(len(b.dynamic)), Kind: chunk.Dynamic})
	require.NoError(t, err)

	wait := func(img *job.Image, offset uint64, data []byte) {
		done := make(chan error, 1)
		require.NoError(t, img.Write(offset, data, uint64(len(data)), func(_ uint64, err error) { done <- err }))
		require.NoError(t, <-done)
	}
	wait(fixed, 0, b.fixed[:testBlock])
	wait(fixed, 2*testBlock, b.fixed[2*testBlock:3*testBlock])
	wait(fixed, testBlock, b.fixed[testBlock:2*testBlock])
	wait(dynamic, 0, b.dynamic[:20000])
	wait(dynamic, 20000, b.dynamic[20000:])

	require.NoError(t, fixed.Close(ctx))
	require.NoError(t, dynamic.Close(ctx))
	require.NoError(t, j.AddConfig(ctx, "qemu-server.conf", []byte("cores: 4\n")))
	require.NoError(t, j.Finish(ctx))
	return b
}

func TestRestoreStreamsImagesInOrder(t *testing.T) {
	store := datastoretest.New()
	want := runBackup(t, store, snapshot, nil)
	conn, err := store.Dial()
	require.NoError(t, err)

	s, err := Open(context.Background(), Options{Reader: conn, Snapshot: snapshot, Prefetch: 2, Logger: discard})
	require.NoError(t, err)
	m, err := s.Manifest()
	require.NoError(t, err)
	require.Equal(t, "100", m.BackupID)
	require.Len(t, m.Files, 3)

	out := newSink(t, len(want.fixed))
	n, err := s.Restore(context.Background(), "drive-scsi0.img.fidx", out.write, out.zero)
	require.NoError(t, err)
	require.Equal(t, uint64(len(want.fixed)), n)
	require.Equal(t, want.fixed, out.image)
	require.Equal(t, [][2]uint64{{testBlock, testBlock}, {3 * testBlock, testBlock}}, out.zeros)

	out = newSink(t, len(want.dynamic))
	n, err = s.Restore(context.Background(), "vmstate.img.didx", out.write, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(len(want.dynamic)), n)
	require.Equal(t, want.dynamic, out.image)
	require.Empty(t, out.zeros)

	conf, err := s.Config(context.Background(), "qemu-server.conf")
	require.NoError(t, err)
	require.Equal(t, "cores: 4\n", string(conf))
	_, err = s.Config(context.Background(), "missing.conf")
	require.True(t, errors.Is(err, datastore.ErrNotFound))
}

func TestRestoreDetectsCorruptChunk(t *testing.T) {
	store := datastoretest.New()
	want := runBackup(t, store, snapshot, nil)
	conn, err := store.Dial()
	require.NoError(t, err)
	x, err := conn.GetIndex(context.Background(), snapshot, "drive-scsi0.img.fidx")
	require.NoError(t, err)

	forged, err := blob.NewEncoder(blob.CompressionNone, nil).Encode(randomData(99, testBlock), nil)
	require.NoError(t, err)
	store.Corrupt(x.Entries[2].Digest, forged)

	s, err := Open(context.Background(), Options{Reader: conn, Snapshot: snapshot, Logger: discard})
	require.NoError(t, err)
	out := newSink(t, len(want.fixed))
	n, err := s.Restore(context.Background(), "drive-scsi0.img.fidx", out.write, out.zero)
	require.True(t, errors.Is(err, fault.Index))
	require.Contains(t, err.Error(), "failed verification")
	require.LessOrEqual(t, n, uint64(2*testBlock))
}

func TestRestoreEncryptedSnapshot(t *testing.T) {
	keys, err := keyconfig.Generate()
	require.NoError(t, err)
	other, err := keyconfig.Generate()
	require.NoError(t, err)
	store := datastoretest.New()
	want := runBackup(t, store, snapshot, keys)
	conn, err := store.Dial()
	require.NoError(t, err)

	_, err = Open(context.Background(), Options{Reader: conn, Snapshot: snapshot, Logger: discard})
	require.True(t, errors.Is(err, fault.Authentication))
	_, err = Open(context.Background(), Options{Reader: conn, Snapshot: snapshot, Keys: other, Logger: discard})
	require.True(t, errors.Is(err, fault.Authentication))

	s, err := Open(context.Background(), Options{Reader: conn, Snapshot: snapshot, Keys: keys, Logger: discard})
	require.NoError(t, err)
	out := newSink(t, len(want.fixed))
	_, err = s.Restore(context.Background(), "drive-scsi0.img.fidx", out.write, out.zero)
	require.NoError(t, err)
	require.Equal(t, want.fixed, out.image)
	require.Len(t, out.zeros, 2)

	conf, err := s.Config(context.Background(), "qemu-server.conf")
	require.NoError(t, err)
	require.Equal(t, "cores: 4\n", string(conf))
}

func TestLatestPicksNewestSnapshot(t *testing.T) {
	store := datastoretest.New()
	conn, err := store.Dial()
	require.NoError(t, err)
	_, err = Latest(context.Background(), conn, "store", "100")
	require.True(t, errors.Is(err, datastore.ErrNotFound))

	later := snapshot
	later.BackupTime = later.BackupTime.Add(time.Hour)
	runBackup(t, store, later, nil)
	runBackup(t, store, snapshot, nil)

	ref, err := Latest(context.Background(), conn, "store", "100")
	require.NoError(t, err)
	require.True(t, ref.BackupTime.Equal(later.BackupTime))
}

func TestRestoreUnknownArchive(t *testing.T) {
	store := datastoretest.New()
	runBackup(t, store, snapshot, nil)
	conn, err := store.Dial()
	require.NoError(t, err)
	s, err := Open(context.Background(), Options{Reader: conn, Snapshot: snapshot, Logger: discard})
	require.NoError(t, err)

	_, err = s.Restore(context.Background(), "drive-virtio1.img.fidx", WriterAt(nil), nil)
	require.True(t, errors.Is(err, datastore.ErrNotFound))
}
