package datastore

import "github.com/valvemist/pbsbridge/chunk"

// RPC messages. They travel as CBOR over gRPC.

type Empty struct{}

type OpenSessionRequest struct {
	Params SessionParams `cbor:"1,keyasint"`
}

type ResumeSessionRequest struct {
	SessionID string `cbor:"1,keyasint"`
}

type SessionReply struct {
	Session Session `cbor:"1,keyasint"`
}

type HasChunkRequest struct {
	SessionID string       `cbor:"1,keyasint"`
	Digest    chunk.Digest `cbor:"2,keyasint"`
}

type HasChunkReply struct {
	Present bool `cbor:"1,keyasint"`
}

type UploadChunkRequest struct {
	SessionID string       `cbor:"1,keyasint"`
	Digest    chunk.Digest `cbor:"2,keyasint"`
	Size      uint64       `cbor:"3,keyasint"`
	Encoded   []byte       `cbor:"4,keyasint"`
}

type CreateIndexRequest struct {
	SessionID string    `cbor:"1,keyasint"`
	Spec      IndexSpec `cbor:"2,keyasint"`
}

type CreateIndexReply struct {
	IndexID uint64 `cbor:"1,keyasint"`
}

type AppendIndexRequest struct {
	SessionID string       `cbor:"1,keyasint"`
	IndexID   uint64       `cbor:"2,keyasint"`
	Entries   []IndexEntry `cbor:"3,keyasint"`
}

type CloseIndexRequest struct {
	SessionID string       `cbor:"1,keyasint"`
	IndexID   uint64       `cbor:"2,keyasint"`
	Summary   IndexSummary `cbor:"3,keyasint"`
}

type PreviousIndexRequest struct {
	SessionID string `cbor:"1,keyasint"`
	Archive   string `cbor:"2,keyasint"`
}

type IndexReply struct {
	Index Index `cbor:"1,keyasint"`
}

type UploadBlobRequest struct {
	SessionID string `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	Encoded   []byte `cbor:"3,keyasint"`
}

type FinishSessionRequest struct {
	SessionID string `cbor:"1,keyasint"`
}

type AbortSessionRequest struct {
	SessionID string `cbor:"1,keyasint"`
	Reason    string `cbor:"2,keyasint"`
}

type ListSnapshotsRequest struct {
	Datastore  string `cbor:"1,keyasint"`
	BackupType string `cbor:"2,keyasint"`
	BackupID   string `cbor:"3,keyasint"`
}

type ListSnapshotsReply struct {
	Snapshots []SnapshotRef `cbor:"1,keyasint"`
}

type GetBlobRequest struct {
	Snapshot SnapshotRef `cbor:"1,keyasint"`
	Name     string      `cbor:"2,keyasint"`
}

type GetIndexRequest struct {
	Snapshot SnapshotRef `cbor:"1,keyasint"`
	Archive  string      `cbor:"2,keyasint"`
}

type GetChunkRequest struct {
	Datastore string       `cbor:"1,keyasint"`
	Digest    chunk.Digest `cbor:"2,keyasint"`
}

type PayloadReply struct {
	Encoded []byte `cbor:"1,keyasint"`
}
