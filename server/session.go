package server

import (
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
)

type openIndex struct {
	id       uint64
	spec     datastore.IndexSpec
	entries  []datastore.IndexEntry
	end      uint64
	closed   bool
	checksum chunk.Digest
}

// session is one writer session. Every mutation is idempotent so a
// client can replay a call whose reply it lost.
type session struct {
	id       string
	jobID    string
	ref      datastore.SnapshotRef
	previous *snapshotRecord

	mu        sync.Mutex
	indexes   map[uint64]*openIndex
	archives  map[string]uint64
	blobs     map[string][]byte
	nextIndex uint64
	finished  bool
}

func newSession(id, jobID string, ref datastore.SnapshotRef, previous *snapshotRecord) *session {
	return &session{
		id:       id,
		jobID:    jobID,
		ref:      ref,
		previous: previous,
		indexes:  make(map[uint64]*openIndex),
		archives: make(map[string]uint64),
		blobs:    make(map[string][]byte),
	}
}

func (sess *session) reply() *datastore.SessionReply {
	out := datastore.Session{ID: sess.id}
	if sess.previous != nil {
		ref := sess.previous.Ref
		out.Previous = &ref
	}
	return &datastore.SessionReply{Session: out}
}

// createIndex returns the id of a new index, or of the identical index a
// replayed call created.
func (sess *session) createIndex(spec datastore.IndexSpec) (uint64, error) {
	if spec.Archive == "" || spec.Size == 0 {
		return 0, status.Error(codes.InvalidArgument, "index needs an archive name and a size")
	}
	if got, want := spec.Archive, spec.Kind.Suffix(); len(got) <= len(want) || got[len(got)-len(want):] != want {
		return 0, status.Errorf(codes.InvalidArgument, "archive %s does not end in %s", got, want)
	}
	if spec.Kind == chunk.Fixed && spec.BlockSize == 0 {
		return 0, status.Errorf(codes.InvalidArgument, "fixed index %s has no block size", spec.Archive)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finished {
		return 0, status.Error(codes.FailedPrecondition, "session is finished")
	}
	if id, ok := sess.archives[spec.Archive]; ok {
		x := sess.indexes[id]
		if x.spec != spec {
			return 0, status.Errorf(codes.AlreadyExists, "archive %s already exists", spec.Archive)
		}
		return id, nil
	}
	sess.nextIndex++
	id := sess.nextIndex
	sess.indexes[id] = &openIndex{id: id, spec: spec}
	sess.archives[spec.Archive] = id
	return id, nil
}

func (sess *session) index(id uint64) (*openIndex, error) {
	x, ok := sess.indexes[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "index %d", id)
	}
	return x, nil
}

// appendEntries extends the index. Entries below the registered end must
// match what is registered; the rest must continue it without a gap.
func (sess *session) appendEntries(id uint64, entries []datastore.IndexEntry, present func(chunk.Digest) (bool, error)) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	x, err := sess.index(id)
	if err != nil {
		return err
	}
	if x.closed {
		return status.Errorf(codes.FailedPrecondition, "index %s is closed", x.spec.Archive)
	}
	for _, e := range entries {
		if e.Size == 0 {
			return status.Errorf(codes.InvalidArgument, "empty entry at %d", e.Offset)
		}
		if e.Offset < x.end {
			i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].Offset >= e.Offset })
			if i == len(x.entries) || x.entries[i] != e {
				return status.Errorf(codes.FailedPrecondition, "entry at %d conflicts with %s", e.Offset, x.spec.Archive)
			}
			continue
		}
		if e.Offset != x.end {
			return status.Errorf(codes.InvalidArgument, "entry at %d leaves a gap after %d", e.Offset, x.end)
		}
		if e.End() > x.spec.Size {
			return status.Errorf(codes.InvalidArgument, "entry at %d ends past image size %d", e.Offset, x.spec.Size)
		}
		if x.spec.Kind == chunk.Fixed && e.Size != min(x.spec.BlockSize, x.spec.Size-e.Offset) {
			return status.Errorf(codes.InvalidArgument, "entry at %d is not one block", e.Offset)
		}
		ok, err := present(e.Digest)
		if err != nil {
			return err
		}
		if !ok {
			return status.Errorf(codes.FailedPrecondition, "chunk %s was never uploaded", e.Digest.Short())
		}
		x.entries = append(x.entries, e)
		x.end = e.End()
	}
	return nil
}

// closeIndex checks the client's summary against the registered entries.
func (sess *session) closeIndex(id uint64, summary datastore.IndexSummary) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	x, err := sess.index(id)
	if err != nil {
		return err
	}
	want := datastore.IndexSummary{Entries: uint64(len(x.entries)), Size: x.end, Checksum: datastore.Checksum(x.entries)}
	if summary != want {
		return status.Errorf(codes.FailedPrecondition, "index %s summary mismatch: client has %d entries/%d bytes, server %d/%d",
			x.spec.Archive, summary.Entries, summary.Size, want.Entries, want.Size)
	}
	if x.closed {
		return nil
	}
	if x.spec.Kind == chunk.Fixed && x.end != x.spec.Size {
		return status.Errorf(codes.FailedPrecondition, "index %s covers %d of %d bytes", x.spec.Archive, x.end, x.spec.Size)
	}
	x.closed = true
	x.checksum = want.Checksum
	return nil
}

func (sess *session) putBlob(name string, data []byte) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finished {
		return status.Error(codes.FailedPrecondition, "session is finished")
	}
	sess.blobs[name] = data
	return nil
}

// record builds the snapshot record. Called with sess.mu held.
func (sess *session) record() (*snapshotRecord, error) {
	if _, ok := sess.blobs[datastore.ManifestName]; !ok {
		return nil, status.Error(codes.FailedPrecondition, "manifest was not uploaded")
	}
	rec := &snapshotRecord{Ref: sess.ref, JobID: sess.jobID, Indexes: make(map[string]*datastore.Index, len(sess.indexes))}
	for _, x := range sess.indexes {
		if !x.closed {
			return nil, status.Errorf(codes.FailedPrecondition, "index %s is still open", x.spec.Archive)
		}
		rec.Indexes[x.spec.Archive] = &datastore.Index{IndexSpec: x.spec, Entries: x.entries, Checksum: x.checksum}
	}
	for name := range sess.blobs {
		rec.Blobs = append(rec.Blobs, name)
	}
	sort.Strings(rec.Blobs)
	return rec, nil
}
