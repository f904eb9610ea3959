// Package datastore is the bridge's view of the backup server: a
// session-oriented chunk store with per-image indexes.
//
// Transport is what the upload pipeline consumes. Every call names the
// session explicitly so a session survives the connection it was opened
// on; after a reconnect the client resumes it by id. Client implements
// Transport and Reader over gRPC.
package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/valvemist/pbsbridge/chunk"
)

// BackupTypeVM is the backup type of virtual machine snapshots.
const BackupTypeVM = "vm"

// ManifestName is the blob holding a snapshot's manifest.
const ManifestName = "index.json.blob"

var (
	// ErrNotFound is returned for snapshots, indexes, blobs, or chunks the
	// server does not have.
	ErrNotFound = errors.New("not found")
	// ErrSessionUnknown is returned when resuming a session the server
	// has forgotten.
	ErrSessionUnknown = errors.New("backup session is unknown")
)

// SnapshotRef names one snapshot of a backup group.
type SnapshotRef struct {
	Datastore  string    `cbor:"1,keyasint"`
	BackupType string    `cbor:"2,keyasint"`
	BackupID   string    `cbor:"3,keyasint"`
	BackupTime time.Time `cbor:"4,keyasint"`
}

// SessionParams opens a backup writer session for one snapshot.
type SessionParams struct {
	Snapshot SnapshotRef `cbor:"1,keyasint"`
	// JobID is the client-side job identity, kept with the session.
	JobID string `cbor:"2,keyasint"`
}

// Session describes an open writer session.
type Session struct {
	ID string `cbor:"1,keyasint"`
	// Previous is the newest finished snapshot of the same group, if any.
	Previous *SnapshotRef `cbor:"2,keyasint,omitempty"`
}

// HasPrevious reports whether a previous snapshot of the group exists.
func (s Session) HasPrevious() bool {
	return s.Previous != nil
}

// IndexSpec declares an image index.
type IndexSpec struct {
	Archive   string          `cbor:"1,keyasint"`
	Kind      chunk.IndexKind `cbor:"2,keyasint"`
	Size      uint64          `cbor:"3,keyasint"`
	BlockSize uint64          `cbor:"4,keyasint,omitempty"`
}

// IndexEntry maps an image byte range to a chunk.
type IndexEntry struct {
	Offset uint64       `cbor:"1,keyasint"`
	Size   uint64       `cbor:"2,keyasint"`
	Digest chunk.Digest `cbor:"3,keyasint"`
}

// End returns the offset just past the entry.
func (e IndexEntry) End() uint64 {
	return e.Offset + e.Size
}

// IndexSummary is what the client asserts about an index when closing
// it. The server rejects the close if its own view differs.
type IndexSummary struct {
	Entries  uint64       `cbor:"1,keyasint"`
	Size     uint64       `cbor:"2,keyasint"`
	Checksum chunk.Digest `cbor:"3,keyasint"`
}

// Index is a finalized image index.
type Index struct {
	IndexSpec
	Entries  []IndexEntry `cbor:"5,keyasint"`
	Checksum chunk.Digest `cbor:"6,keyasint"`
}

// Digests returns the distinct digests referenced by the index.
func (x *Index) Digests() []chunk.Digest {
	seen := make(map[chunk.Digest]struct{}, len(x.Entries))
	out := make([]chunk.Digest, 0, len(x.Entries))
	for _, e := range x.Entries {
		if _, ok := seen[e.Digest]; ok {
			continue
		}
		seen[e.Digest] = struct{}{}
		out = append(out, e.Digest)
	}
	return out
}

// Checksum computes the checksum of an ordered entry list.
func Checksum(entries []IndexEntry) chunk.Digest {
	sum := chunk.NewChecksum()
	for _, e := range entries {
		sum.Add(e.Offset, e.Digest)
	}
	return sum.Sum()
}

// Transport is the writer side of the backup server.
type Transport interface {
	OpenSession(ctx context.Context, params SessionParams) (Session, error)
	ResumeSession(ctx context.Context, sessionID string) (Session, error)

	HasChunk(ctx context.Context, sessionID string, digest chunk.Digest) (bool, error)
	UploadChunk(ctx context.Context, sessionID string, digest chunk.Digest, size uint64, encoded []byte) error

	CreateIndex(ctx context.Context, sessionID string, spec IndexSpec) (uint64, error)
	AppendIndex(ctx context.Context, sessionID string, indexID uint64, entries []IndexEntry) error
	CloseIndex(ctx context.Context, sessionID string, indexID uint64, summary IndexSummary) error
	// PreviousIndex returns the named archive's index in the session's
	// previous snapshot, or ErrNotFound.
	PreviousIndex(ctx context.Context, sessionID string, archive string) (*Index, error)

	UploadBlob(ctx context.Context, sessionID string, name string, encoded []byte) error
	FinishSession(ctx context.Context, sessionID string) error
	AbortSession(ctx context.Context, sessionID string, reason string) error

	Close() error
}

// Reader is the restore side of the backup server.
type Reader interface {
	ListSnapshots(ctx context.Context, datastore, backupType, backupID string) ([]SnapshotRef, error)
	GetBlob(ctx context.Context, snapshot SnapshotRef, name string) ([]byte, error)
	GetIndex(ctx context.Context, snapshot SnapshotRef, archive string) (*Index, error)
	GetChunk(ctx context.Context, datastore string, digest chunk.Digest) ([]byte, error)
}

// Dialer opens a new connection to the backup server. The upload client
// redials through it after a connection loss.
type Dialer func(ctx context.Context) (Transport, error)
