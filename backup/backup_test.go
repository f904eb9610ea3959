package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/valvemist/pbsbridge/bridge"
	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/config"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/datastore/datastoretest"
	"github.com/valvemist/pbsbridge/executor"
)

const blockSize = 64 * 1024

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	SetLogger(discard)
}

// fakeMonitor answers commands from a table keyed by the command name.
type fakeMonitor struct {
	mu       sync.Mutex
	replies  map[string]string
	commands []string
	events   chan qmp.Event
}

var _ qmp.Monitor = (*fakeMonitor)(nil)

func newFakeMonitor(replies map[string]string) *fakeMonitor {
	return &fakeMonitor{replies: replies, events: make(chan qmp.Event, 4)}
}

func (m *fakeMonitor) Connect() error    { return nil }
func (m *fakeMonitor) Disconnect() error { return nil }

func (m *fakeMonitor) Run(command []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := gjson.GetBytes(command, "execute").String()
	m.commands = append(m.commands, name)
	if reply, ok := m.replies[name]; ok {
		return []byte(reply), nil
	}
	return []byte(`{"return":{}}`), nil
}

func (m *fakeMonitor) Events(context.Context) (<-chan qmp.Event, error) {
	return m.events, nil
}

func (m *fakeMonitor) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

const queryBlockReply = `{"return":[
	{"device":"drive-scsi0","locked":false,"inserted":{"node-name":"#block158","file":"/var/lib/vz/images/100/vm-100-disk-0.raw","ro":false,"drv":"raw","image":{"virtual-size":34359738368,"format":"raw"}}},
	{"device":"drive-ide2","locked":false,"removable":true},
	{"device":"drive-efidisk0","inserted":{"node-name":"#block321","file":"/var/lib/vz/images/100/vm-100-disk-1.qcow2","ro":true,"drv":"qcow2","image":{"virtual-size":540672,"format":"qcow2"}}}
]}`

func TestQueryDevices(t *testing.T) {
	m := newFakeMonitor(map[string]string{"query-block": queryBlockReply})
	devices, err := QueryDevices(m)
	require.NoError(t, err)
	require.Equal(t, []Device{
		{Name: "drive-scsi0", NodeName: "#block158", File: "/var/lib/vz/images/100/vm-100-disk-0.raw", Format: "raw", Size: 34359738368},
		{Name: "drive-efidisk0", NodeName: "#block321", File: "/var/lib/vz/images/100/vm-100-disk-1.qcow2", Format: "qcow2", Size: 540672, ReadOnly: true},
	}, devices)
	require.Equal(t, []string{"query-block"}, m.sent())
}

func TestSelectDevices(t *testing.T) {
	devices := []Device{{Name: "a"}, {Name: "b", ReadOnly: true}, {Name: "c"}}

	all, err := SelectDevices(devices, nil)
	require.NoError(t, err)
	require.Equal(t, []Device{{Name: "a"}, {Name: "c"}}, all)

	picked, err := SelectDevices(devices, []string{"c", "b"})
	require.NoError(t, err)
	require.Equal(t, []Device{{Name: "c"}, {Name: "b", ReadOnly: true}}, picked)

	_, err = SelectDevices(devices, []string{"d"})
	require.ErrorContains(t, err, "device d not found")
}

func TestRunQMPReturnsErrorReply(t *testing.T) {
	m := newFakeMonitor(map[string]string{
		"stop": `{"error":{"class":"GenericError","desc":"VM is being migrated"}}`,
	})
	err := Pause(m)
	var qerr *QMPError
	require.True(t, errors.As(err, &qerr))
	require.Equal(t, "GenericError", qerr.Class)
	require.Equal(t, "VM is being migrated", qerr.Desc)
}

func TestPauseResumeStatus(t *testing.T) {
	m := newFakeMonitor(map[string]string{
		"query-status": `{"return":{"running":false,"status":"paused"}}`,
	})
	require.NoError(t, Pause(m))
	state, err := Status(m)
	require.NoError(t, err)
	require.Equal(t, "paused", state)
	require.NoError(t, Resume(m))
	require.Equal(t, []string{"stop", "query-status", "cont"}, m.sent())
}

func TestEventsDeliversUntilStreamCloses(t *testing.T) {
	m := newFakeMonitor(nil)
	m.events <- qmp.Event{Event: EventStop}
	m.events <- qmp.Event{Event: EventShutdown, Data: map[string]interface{}{"guest": true}}
	close(m.events)

	var got []string
	require.NoError(t, Events(context.Background(), m, func(e qmp.Event) {
		got = append(got, e.Event)
	}))
	require.Equal(t, []string{EventStop, EventShutdown}, got)
}

func TestEventsStopsWithContext(t *testing.T) {
	m := newFakeMonitor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, Events(ctx, m, func(qmp.Event) { t.Fatal("unexpected event") }))
}

func TestImageName(t *testing.T) {
	require.Equal(t, "drive-scsi0", ImageName(Device{Name: "drive-scsi0"}))
	require.Equal(t, "virtio_0_disk", ImageName(Device{Name: "virtio/0 disk"}))
}

func TestConfigValidate(t *testing.T) {
	require.ErrorIs(t, Config{BackupID: "100"}.Validate(), ErrSocketMissing)
	require.ErrorIs(t, Config{SocketFile: "/run/qmp.sock"}.Validate(), ErrBackupIDMissing)
	require.NoError(t, Config{SocketFile: "/run/qmp.sock", BackupID: "100"}.Validate())
}

func newJob(t *testing.T, store *datastoretest.Store) (*bridge.Bridge, bridge.JobHandle) {
	t.Helper()
	host, err := executor.New(executor.Options{Workers: 4, Logger: discard})
	require.NoError(t, err)
	policy := config.DefaultPolicy()
	policy.RetryBaseDelay = time.Millisecond
	policy.ChunkSize = blockSize
	b, err := bridge.New(bridge.Options{Host: host, Policy: policy, Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		host.Shutdown(time.Second)
	})
	h, err := b.CreateJob(context.Background(), bridge.JobOptions{
		Repository: config.Repository{Datastore: "store"},
		BackupID:   "100",
		BackupTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Dialer:     store.Dialer(),
	})
	require.NoError(t, err)
	return b, h
}

func TestStreamImage(t *testing.T) {
	store := datastoretest.New()
	b, h := newJob(t, store)

	// Five blocks, the second and fourth zero, the last one short.
	size := uint64(4*blockSize + 1000)
	image := make([]byte, size)
	rnd := rand.New(rand.NewSource(7))
	for i := uint64(0); i < 5; i++ {
		if i == 1 || i == 3 {
			continue
		}
		rnd.Read(image[i*blockSize : min((i+1)*blockSize, size)])
	}

	n, err := StreamImage(context.Background(), b, h, "drive-scsi0", bytes.NewReader(image), size, StreamOptions{BlockSize: blockSize, Outstanding: 2})
	require.NoError(t, err)
	require.Equal(t, size, n)

	stats, err := b.Stats(h)
	require.NoError(t, err)
	require.Equal(t, size, stats.BytesWritten)
	require.Equal(t, uint64(5), stats.Chunks)
	require.Equal(t, uint64(2), stats.ZeroChunks)

	require.NoError(t, b.Finish(h))
	ref := datastore.SnapshotRef{Datastore: "store", BackupType: datastore.BackupTypeVM, BackupID: "100", BackupTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	x, ok := store.FinishedIndex(ref, "drive-scsi0.img.fidx")
	require.True(t, ok)
	require.Len(t, x.Entries, 5)
	require.Equal(t, x.Entries[1].Digest, x.Entries[3].Digest)
	require.Equal(t, uint64(1000), x.Entries[4].Size)
}

func TestStreamImageDynamic(t *testing.T) {
	store := datastoretest.New()
	b, h := newJob(t, store)

	state := make([]byte, 3*blockSize+123)
	rand.New(rand.NewSource(9)).Read(state)
	n, err := StreamImage(context.Background(), b, h, "vmstate", bytes.NewReader(state), uint64(len(state)), StreamOptions{Kind: chunk.Dynamic, BlockSize: blockSize})
	require.NoError(t, err)
	require.Equal(t, uint64(len(state)), n)
	require.NoError(t, b.Finish(h))
}

type failingReader struct{}

func (failingReader) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("input/output error")
}

func TestStreamImageReadError(t *testing.T) {
	store := datastoretest.New()
	b, h := newJob(t, store)
	_, err := StreamImage(context.Background(), b, h, "drive-scsi0", failingReader{}, 2*blockSize, StreamOptions{BlockSize: blockSize})
	require.ErrorContains(t, err, "reading drive-scsi0 at 0")
}
