package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/config"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/datastore/datastoretest"
	"github.com/valvemist/pbsbridge/executor"
	"github.com/valvemist/pbsbridge/fault"
	"github.com/valvemist/pbsbridge/job"
)

const blockSize = 64 * 1024

var (
	discard    = slog.New(slog.NewTextHandler(io.Discard, nil))
	backupTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.Workers = 4
	p.RetryBudget = 3
	p.RetryBaseDelay = time.Millisecond
	p.ChunkSize = blockSize
	return p
}

func newBridge(t *testing.T) (*Bridge, *executor.Host) {
	t.Helper()
	host, err := executor.New(executor.Options{Workers: 4, Logger: discard})
	require.NoError(t, err)
	b, err := New(Options{Host: host, Policy: testPolicy(), Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		host.Shutdown(time.Second)
	})
	return b, host
}

func jobOptions(store *datastoretest.Store) JobOptions {
	return JobOptions{
		Repository: config.Repository{Datastore: "store"},
		BackupID:   "100",
		BackupTime: backupTime,
		Dialer:     store.Dialer(),
	}
}

func snapshot() datastore.SnapshotRef {
	return datastore.SnapshotRef{Datastore: "store", BackupType: datastore.BackupTypeVM, BackupID: "100", BackupTime: backupTime}
}

func block(seed int64) []byte {
	data := make([]byte, blockSize)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func plainSum(data []byte) chunk.Digest {
	d, _ := chunk.NewDigester(nil)
	return d.Sum(data)
}

func TestBlockingBackup(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()

	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	prev, err := b.HasPrevious(h)
	require.NoError(t, err)
	require.False(t, prev)

	img, err := b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: 3 * blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)
	for _, idx := range []int{2, 0, 1} {
		n, err := b.WriteImage(h, img, uint64(idx)*blockSize, block(int64(idx)))
		require.NoError(t, err)
		require.Equal(t, uint64(blockSize), n)
	}
	require.NoError(t, b.CloseImage(h, img))
	require.NoError(t, b.AddConfig(h, "qemu-server.conf", []byte("memory: 2048\n")))
	require.NoError(t, b.Finish(h))

	status, err := b.Status(h)
	require.NoError(t, err)
	require.Equal(t, job.Finished, status)
	require.Empty(t, b.LastError(h))

	x, ok := store.FinishedIndex(snapshot(), "drive-scsi0.img.fidx")
	require.True(t, ok)
	require.Len(t, x.Entries, 3)
	for i, e := range x.Entries {
		require.Equal(t, plainSum(block(int64(i))), e.Digest)
	}
	require.NoError(t, b.Release(h))
	_, err = b.Status(h)
	require.True(t, errors.Is(err, fault.InvalidArgument))
}

func TestCallbackNeverRunsOnCallerStack(t *testing.T) {
	b, _ := newBridge(t)
	gate := make(chan struct{})
	results := make(chan error, 1)

	// The callback blocks until the caller proceeds, so running it on the
	// caller's stack would never return from WriteImageAsync.
	tok := b.WriteImageAsync(42, 0, 0, block(1), func(_ uint64, err error) {
		<-gate
		results <- err
	})
	close(gate)
	err := <-results
	require.True(t, errors.Is(err, fault.InvalidArgument))

	_, werr, ok := tok.Poll()
	require.True(t, ok)
	require.Equal(t, err, werr)
}

func TestAsyncWritesResolveOnceAndCloseWaitsForThem(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	const blocks = 8
	img, err := b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: blocks * blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)

	var calls, committed atomic.Uint64
	tokens := make([]*Token[uint64], 0, blocks)
	for idx := blocks - 1; idx >= 0; idx-- {
		tokens = append(tokens, b.WriteImageAsync(h, img, uint64(idx)*blockSize, block(int64(idx)), func(n uint64, err error) {
			require.NoError(t, err)
			calls.Add(1)
			committed.Add(n)
		}))
	}
	closed := b.CloseImageAsync(h, img, nil)

	size, err := closed.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(blocks*blockSize), size)
	for _, tok := range tokens {
		n, err, ok := tok.Poll()
		require.True(t, ok)
		require.NoError(t, err)
		require.Equal(t, uint64(blockSize), n)
		require.Equal(t, uint64(blockSize), tok.Progress())
	}
	require.Eventually(t, func() bool { return calls.Load() == blocks }, time.Second, time.Millisecond)
	require.Equal(t, uint64(blocks*blockSize), committed.Load())

	total, err := b.FinishAsync(h, nil).Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(blocks*blockSize), total)
	require.Equal(t, uint64(blocks), calls.Load())
}

func TestWriteZeroes(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	img, err := b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)

	n, err := b.WriteZeroes(h, img, 0, blockSize)
	require.NoError(t, err)
	require.Equal(t, uint64(blockSize), n)
	require.NoError(t, b.CloseImage(h, img))
	require.NoError(t, b.Finish(h))

	stats, err := b.Stats(h)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.ZeroChunks)
	x, ok := store.FinishedIndex(snapshot(), "drive-scsi0.img.fidx")
	require.True(t, ok)
	require.Equal(t, plainSum(make([]byte, blockSize)), x.Entries[0].Digest)
}

func TestAbortCancelsOutstandingWrites(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	entered := make(chan struct{}, 1)
	store.UploadHook = func(ctx context.Context, _ chunk.Digest) error {
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	img, err := b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: 2 * blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)

	var calls atomic.Int32
	tok := b.WriteImageAsync(h, img, 0, block(1), func(uint64, error) { calls.Add(1) })
	<-entered

	require.NoError(t, b.Abort(h, "vm shutdown"))
	_, err = tok.Wait(context.Background())
	require.True(t, errors.Is(err, fault.Cancelled))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err = b.WriteImage(h, img, blockSize, block(2))
	require.True(t, errors.Is(err, fault.InvalidJobState))
	require.True(t, errors.Is(b.Finish(h), fault.InvalidJobState))
	require.Contains(t, b.LastError(h), "vm shutdown")
	require.NoError(t, b.Abort(h, "again"))
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 0, store.OpenSessions())
}

func TestFatalUploadFailureSetsLastError(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	img, err := b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)

	store.FailNext("UploadChunk", 100, fault.Upload)
	_, err = b.WriteImage(h, img, 0, block(1))
	require.True(t, errors.Is(err, fault.Upload))
	require.Contains(t, b.LastError(h), "giving up")

	status, err := b.Status(h)
	require.NoError(t, err)
	require.Equal(t, job.Aborted, status)
	require.True(t, errors.Is(b.CloseImage(h, img), fault.InvalidJobState))
}

func TestCreateJobAuthenticationFailure(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	store.FailNext("OpenSession", 1, fault.Authentication)

	_, err := b.CreateJob(context.Background(), jobOptions(store))
	require.True(t, errors.Is(err, fault.Authentication))
	require.Equal(t, 1, store.Calls("OpenSession"))
}

func TestCreateJobValidatesOptions(t *testing.T) {
	b, _ := newBridge(t)
	_, err := b.CreateJob(context.Background(), JobOptions{Repository: config.Repository{Datastore: "store"}})
	require.True(t, errors.Is(err, fault.InvalidArgument))
	_, err = b.CreateJob(context.Background(), JobOptions{BackupID: "100", Repository: config.Repository{Datastore: "store"}})
	require.True(t, errors.Is(err, fault.InvalidArgument))
}

func TestUnknownHandles(t *testing.T) {
	b, _ := newBridge(t)
	_, err := b.RegisterImage(7, job.ImageOptions{Name: "x", Size: blockSize})
	require.True(t, errors.Is(err, fault.InvalidArgument))
	require.NotEmpty(t, b.LastError(7))
	require.True(t, errors.Is(b.Release(7), fault.InvalidArgument))

	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	_, err = b.WriteImage(h, 3, 0, block(1))
	require.True(t, errors.Is(err, fault.InvalidArgument))
	require.Empty(t, b.LastError(h))
}

func TestHostShutdownRejectsWork(t *testing.T) {
	b, host := newBridge(t)
	require.NoError(t, host.Shutdown(time.Second))

	_, err := b.CreateJob(context.Background(), jobOptions(datastoretest.New()))
	require.True(t, errors.Is(err, fault.RuntimeClosed))

	results := make(chan error, 1)
	b.WriteImageAsync(1, 0, 0, block(1), func(_ uint64, err error) { results <- err })
	require.True(t, errors.Is(<-results, fault.InvalidArgument))
}

func TestReleaseAbortsActiveJob(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	_, err = b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)
	require.Equal(t, 1, store.OpenSessions())

	require.NoError(t, b.Release(h))
	require.Equal(t, 0, store.OpenSessions())
	require.Empty(t, store.Snapshots())
}

func TestCloseWithGapFailsWithoutWaiting(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	img, err := b.RegisterImage(h, job.ImageOptions{Name: "vmstate", Size: 4 * blockSize, Kind: chunk.Dynamic})
	require.NoError(t, err)

	ahead := b.WriteImageAsync(h, img, blockSize, block(2), nil)
	closed := make(chan error, 1)
	go func() { closed <- b.CloseImage(h, img) }()
	select {
	case err := <-closed:
		require.True(t, errors.Is(err, fault.InvalidArgument))
		require.Contains(t, err.Error(), "gap")
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked on a write held back by a gap")
	}
	status, err := b.Status(h)
	require.NoError(t, err)
	require.Equal(t, job.Active, status)
	require.Empty(t, b.LastError(h))
	_, _, ok := ahead.Poll()
	require.False(t, ok)

	for _, idx := range []int{0, 2, 3} {
		_, err := b.WriteImage(h, img, uint64(idx)*blockSize, block(int64(idx+1)))
		require.NoError(t, err)
	}
	n, err := ahead.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(blockSize), n)
	require.NoError(t, b.CloseImage(h, img))
	require.NoError(t, b.Finish(h))
}

func TestHostShutdownCancelsStalledUpload(t *testing.T) {
	b, host := newBridge(t)
	store := datastoretest.New()
	entered := make(chan struct{}, 1)
	store.UploadHook = func(ctx context.Context, _ chunk.Digest) error {
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	img, err := b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)

	tok := b.WriteImageAsync(h, img, 0, block(1), nil)
	<-entered
	err = host.Shutdown(50 * time.Millisecond)
	require.True(t, errors.Is(err, fault.Cancelled))

	_, err = tok.Wait(context.Background())
	require.True(t, errors.Is(err, fault.Cancelled))
	require.Eventually(t, func() bool {
		status, _ := b.Status(h)
		return status == job.Aborted
	}, time.Second, time.Millisecond)
	require.NoError(t, b.Release(h))
	require.Eventually(t, func() bool { return store.OpenSessions() == 0 }, time.Second, time.Millisecond)
}

func TestAddConfigAsync(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)

	results := make(chan error, 1)
	tok := b.AddConfigAsync(h, "qemu-server.conf", []byte("cores: 4\n"), func(_ uint64, err error) { results <- err })
	require.NoError(t, <-results)
	n, err := tok.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(len("cores: 4\n")), n)

	dup, err := b.AddConfigAsync(h, "qemu-server.conf", []byte("x"), nil).Wait(context.Background())
	require.True(t, errors.Is(err, fault.InvalidArgument))
	require.Zero(t, dup)
	require.NoError(t, b.Finish(h))

	_, err = b.AddConfigAsync(99, "qemu-server.conf", nil, nil).Wait(context.Background())
	require.True(t, errors.Is(err, fault.InvalidArgument))
}

func TestRejectedWriteMakesNoProgress(t *testing.T) {
	b, _ := newBridge(t)
	store := datastoretest.New()
	h, err := b.CreateJob(context.Background(), jobOptions(store))
	require.NoError(t, err)
	img, err := b.RegisterImage(h, job.ImageOptions{Name: "drive-scsi0", Size: 2 * blockSize, Kind: chunk.Fixed})
	require.NoError(t, err)

	bad := b.WriteImageAsync(h, img, 100, block(1), nil)
	_, err = bad.Wait(context.Background())
	require.True(t, errors.Is(err, fault.InvalidArgument))
	require.Zero(t, bad.Progress())

	good := b.WriteImageAsync(h, img, 0, block(1), nil)
	_, err = good.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(blockSize), good.Progress())
}
