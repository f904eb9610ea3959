// Package datastoretest provides an in-memory datastore with fault
// injection for tests of the upload pipeline.
package datastoretest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/fault"
)

type index struct {
	spec    datastore.IndexSpec
	entries []datastore.IndexEntry
	closed  bool
	sum     datastore.IndexSummary
}

type snapshot struct {
	ref     datastore.SnapshotRef
	indexes map[string]*index
	blobs   map[string][]byte
}

type session struct {
	id       string
	jobID    string
	snap     *snapshot
	previous *snapshot
	byID     map[uint64]*index
	nextID   uint64
}

type injected struct {
	remaining int
	kind      fault.Kind
}

// Store is an in-memory backup server. Connections to it are made with
// Dial or Dialer; each connection implements datastore.Transport and
// datastore.Reader.
type Store struct {
	mu        sync.Mutex
	chunks    map[chunk.Digest][]byte
	sessions  map[string]*session
	finished  []*snapshot
	failures  map[string]*injected
	dialFails int
	epoch     int
	dials     int
	calls     map[string]int
	uploads   map[chunk.Digest]int
	done      map[string]bool

	// UploadHook, when set, runs before every chunk upload is accepted.
	// A non-nil error fails the upload.
	UploadHook func(ctx context.Context, digest chunk.Digest) error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		chunks:   make(map[chunk.Digest][]byte),
		sessions: make(map[string]*session),
		failures: make(map[string]*injected),
		calls:    make(map[string]int),
		uploads:  make(map[chunk.Digest]int),
		done:     make(map[string]bool),
	}
}

// Conn is one connection to a Store.
type Conn struct {
	store  *Store
	epoch  int
	closed bool
}

var (
	_ datastore.Transport = (*Conn)(nil)
	_ datastore.Reader    = (*Conn)(nil)
)

// Dial opens a connection.
func (s *Store) Dial() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.dialFails > 0 {
		s.dialFails--
		return nil, fault.Errorf(fault.Connection, "dial", "connection refused")
	}
	return &Conn{store: s, epoch: s.epoch}, nil
}

// Dialer adapts Dial to datastore.Dialer.
func (s *Store) Dialer() datastore.Dialer {
	return func(context.Context) (datastore.Transport, error) {
		return s.Dial()
	}
}

// Disconnect breaks every open connection. Later calls on them fail
// with a connection error; new dials succeed.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// FailDials makes the next n dials fail.
func (s *Store) FailDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialFails = n
}

// FailNext makes the next n calls of op fail with kind.
func (s *Store) FailNext(op string, n int, kind fault.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &injected{remaining: n, kind: kind}
}

// Dials returns the number of dial attempts.
func (s *Store) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Calls returns the number of calls of op that reached the store,
// including failed ones.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Uploads returns how many times digest was accepted by UploadChunk.
func (s *Store) Uploads(digest chunk.Digest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[digest]
}

// ChunkCount returns the number of distinct chunks stored.
func (s *Store) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Snapshots returns the finished snapshots in completion order.
func (s *Store) Snapshots() []datastore.SnapshotRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datastore.SnapshotRef, 0, len(s.finished))
	for _, snap := range s.finished {
		out = append(out, snap.ref)
	}
	return out
}

// FinishedIndex returns a closed index of a finished snapshot.
func (s *Store) FinishedIndex(ref datastore.SnapshotRef, archive string) (*datastore.Index, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.findFinished(ref)
	if snap == nil {
		return nil, false
	}
	x, ok := snap.indexes[archive]
	if !ok {
		return nil, false
	}
	return toIndex(x), true
}

// OpenSessions returns the number of sessions neither finished nor
// aborted.
func (s *Store) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// enter records a call and applies connection state and injected
// failures. It returns with s.mu held on success.
func (c *Conn) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fault.New(fault.Cancelled, op, err)
	}
	s := c.store
	s.mu.Lock()
	s.calls[op]++
	if c.closed || c.epoch != s.epoch {
		s.mu.Unlock()
		return fault.Errorf(fault.Connection, op, "connection reset")
	}
	if f := s.failures[op]; f != nil && f.remaining > 0 {
		f.remaining--
		s.mu.Unlock()
		return fault.Errorf(f.kind, op, "injected failure")
	}
	return nil
}

func (s *Store) session(op, id string) (*session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fault.New(fault.Index, op, datastore.ErrSessionUnknown)
	}
	return sess, nil
}

func (s *Store) findFinished(ref datastore.SnapshotRef) *snapshot {
	for _, snap := range s.finished {
		if snap.ref.Datastore == ref.Datastore && snap.ref.BackupType == ref.BackupType &&
			snap.ref.BackupID == ref.BackupID && snap.ref.BackupTime.Equal(ref.BackupTime) {
			return snap
		}
	}
	return nil
}

func (s *Store) latest(ref datastore.SnapshotRef) *snapshot {
	var newest *snapshot
	for _, snap := range s.finished {
		if snap.ref.Datastore != ref.Datastore || snap.ref.BackupType != ref.BackupType || snap.ref.BackupID != ref.BackupID {
			continue
		}
		if !snap.ref.BackupTime.Before(ref.BackupTime) {
			continue
		}
		if newest == nil || snap.ref.BackupTime.After(newest.ref.BackupTime) {
			newest = snap
		}
	}
	return newest
}

func (c *Conn) OpenSession(ctx context.Context, params datastore.SessionParams) (datastore.Session, error) {
	if err := c.enter(ctx, "OpenSession"); err != nil {
		return datastore.Session{}, err
	}
	s := c.store
	defer s.mu.Unlock()
	if s.findFinished(params.Snapshot) != nil {
		return datastore.Session{}, fault.Errorf(fault.Index, "OpenSession", "snapshot already exists")
	}
	sess := &session{
		id:       uuid.NewString(),
		jobID:    params.JobID,
		snap:     &snapshot{ref: params.Snapshot, indexes: map[string]*index{}, blobs: map[string][]byte{}},
		previous: s.latest(params.Snapshot),
		byID:     map[uint64]*index{},
	}
	s.sessions[sess.id] = sess
	return sessionOf(sess), nil
}

func sessionOf(sess *session) datastore.Session {
	out := datastore.Session{ID: sess.id}
	if sess.previous != nil {
		ref := sess.previous.ref
		out.Previous = &ref
	}
	return out
}

func (c *Conn) ResumeSession(ctx context.Context, sessionID string) (datastore.Session, error) {
	if err := c.enter(ctx, "ResumeSession"); err != nil {
		return datastore.Session{}, err
	}
	s := c.store
	defer s.mu.Unlock()
	sess, err := s.session("ResumeSession", sessionID)
	if err != nil {
		return datastore.Session{}, err
	}
	return sessionOf(sess), nil
}

func (c *Conn) HasChunk(ctx context.Context, sessionID string, digest chunk.Digest) (bool, error) {
	if err := c.enter(ctx, "HasChunk"); err != nil {
		return false, err
	}
	s := c.store
	defer s.mu.Unlock()
	if _, err := s.session("HasChunk", sessionID); err != nil {
		return false, err
	}
	_, ok := s.chunks[digest]
	return ok, nil
}

func (c *Conn) UploadChunk(ctx context.Context, sessionID string, digest chunk.Digest, size uint64, encoded []byte) error {
	if err := c.enter(ctx, "UploadChunk"); err != nil {
		return err
	}
	s := c.store
	if _, err := s.session("UploadChunk", sessionID); err != nil {
		s.mu.Unlock()
		return err
	}
	hook := s.UploadHook
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, digest); err != nil {
			return fault.Wrap(fault.Upload, "UploadChunk", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[digest]; !ok {
		s.chunks[digest] = slices.Clone(encoded)
	}
	s.uploads[digest]++
	return nil
}

func (c *Conn) CreateIndex(ctx context.Context, sessionID string, spec datastore.IndexSpec) (uint64, error) {
	if err := c.enter(ctx, "CreateIndex"); err != nil {
		return 0, err
	}
	s := c.store
	defer s.mu.Unlock()
	sess, err := s.session("CreateIndex", sessionID)
	if err != nil {
		return 0, err
	}
	if _, ok := sess.snap.indexes[spec.Archive]; ok {
		return 0, fault.Errorf(fault.Index, "CreateIndex", "archive %s already exists", spec.Archive)
	}
	sess.nextID++
	x := &index{spec: spec}
	sess.snap.indexes[spec.Archive] = x
	sess.byID[sess.nextID] = x
	return sess.nextID, nil
}

func (c *Conn) AppendIndex(ctx context.Context, sessionID string, indexID uint64, entries []datastore.IndexEntry) error {
	if err := c.enter(ctx, "AppendIndex"); err != nil {
		return err
	}
	s := c.store
	defer s.mu.Unlock()
	sess, err := s.session("AppendIndex", sessionID)
	if err != nil {
		return err
	}
	x, ok := sess.byID[indexID]
	if !ok || x.closed {
		return fault.Errorf(fault.Index, "AppendIndex", "index %d is not open", indexID)
	}
	for _, e := range entries {
		if _, ok := s.chunks[e.Digest]; !ok {
			return fault.Errorf(fault.Index, "AppendIndex", "chunk %s is unknown", e.Digest.Short())
		}
		var end uint64
		if n := len(x.entries); n > 0 {
			end = x.entries[n-1].End()
		}
		if e.Offset < end {
			// Replayed after a lost reply.
			i, found := slices.BinarySearchFunc(x.entries, e.Offset, func(have datastore.IndexEntry, off uint64) int {
				return cmp.Compare(have.Offset, off)
			})
			if found && x.entries[i] == e {
				continue
			}
		}
		if e.Offset != end {
			return fault.Errorf(fault.Index, "AppendIndex", "entry at %d does not follow %d", e.Offset, end)
		}
		x.entries = append(x.entries, e)
	}
	return nil
}

func (c *Conn) CloseIndex(ctx context.Context, sessionID string, indexID uint64, summary datastore.IndexSummary) error {
	if err := c.enter(ctx, "CloseIndex"); err != nil {
		return err
	}
	s := c.store
	defer s.mu.Unlock()
	sess, err := s.session("CloseIndex", sessionID)
	if err != nil {
		return err
	}
	x, ok := sess.byID[indexID]
	if !ok {
		return fault.Errorf(fault.Index, "CloseIndex", "index %d is unknown", indexID)
	}
	if x.closed {
		if x.sum == summary {
			return nil
		}
		return fault.Errorf(fault.Index, "CloseIndex", "index %d already closed", indexID)
	}
	var size uint64
	if n := len(x.entries); n > 0 {
		size = x.entries[n-1].End()
	}
	if uint64(len(x.entries)) != summary.Entries || size != summary.Size {
		return fault.Errorf(fault.Index, "CloseIndex", "index holds %d entries / %d bytes, client claims %d / %d",
			len(x.entries), size, summary.Entries, summary.Size)
	}
	if datastore.Checksum(x.entries) != summary.Checksum {
		return fault.Errorf(fault.Index, "CloseIndex", "checksum mismatch")
	}
	x.closed = true
	x.sum = summary
	return nil
}

func (c *Conn) PreviousIndex(ctx context.Context, sessionID string, archive string) (*datastore.Index, error) {
	if err := c.enter(ctx, "PreviousIndex"); err != nil {
		return nil, err
	}
	s := c.store
	defer s.mu.Unlock()
	sess, err := s.session("PreviousIndex", sessionID)
	if err != nil {
		return nil, err
	}
	if sess.previous == nil {
		return nil, fault.New(fault.Index, "PreviousIndex", datastore.ErrNotFound)
	}
	x, ok := sess.previous.indexes[archive]
	if !ok {
		return nil, fault.New(fault.Index, "PreviousIndex", datastore.ErrNotFound)
	}
	return toIndex(x), nil
}

func toIndex(x *index) *datastore.Index {
	return &datastore.Index{
		IndexSpec: x.spec,
		Entries:   slices.Clone(x.entries),
		Checksum:  datastore.Checksum(x.entries),
	}
}

func (c *Conn) UploadBlob(ctx context.Context, sessionID string, name string, encoded []byte) error {
	if err := c.enter(ctx, "UploadBlob"); err != nil {
		return err
	}
	s := c.store
	defer s.mu.Unlock()
	sess, err := s.session("UploadBlob", sessionID)
	if err != nil {
		return err
	}
	sess.snap.blobs[name] = slices.Clone(encoded)
	return nil
}

func (c *Conn) FinishSession(ctx context.Context, sessionID string) error {
	if err := c.enter(ctx, "FinishSession"); err != nil {
		return err
	}
	s := c.store
	defer s.mu.Unlock()
	if s.done[sessionID] {
		return nil
	}
	sess, err := s.session("FinishSession", sessionID)
	if err != nil {
		return err
	}
	for name, x := range sess.snap.indexes {
		if !x.closed {
			return fault.Errorf(fault.Index, "FinishSession", "index %s is not closed", name)
		}
	}
	if _, ok := sess.snap.blobs[datastore.ManifestName]; !ok {
		return fault.Errorf(fault.Index, "FinishSession", "manifest is missing")
	}
	delete(s.sessions, sessionID)
	s.done[sessionID] = true
	s.finished = append(s.finished, sess.snap)
	return nil
}

func (c *Conn) AbortSession(ctx context.Context, sessionID string, reason string) error {
	if err := c.enter(ctx, "AbortSession"); err != nil {
		return err
	}
	s := c.store
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (c *Conn) ListSnapshots(ctx context.Context, store, backupType, backupID string) ([]datastore.SnapshotRef, error) {
	if err := c.enter(ctx, "ListSnapshots"); err != nil {
		return nil, err
	}
	s := c.store
	defer s.mu.Unlock()
	var out []datastore.SnapshotRef
	for _, snap := range s.finished {
		if snap.ref.Datastore == store && snap.ref.BackupType == backupType && snap.ref.BackupID == backupID {
			out = append(out, snap.ref)
		}
	}
	return out, nil
}

func (c *Conn) GetBlob(ctx context.Context, ref datastore.SnapshotRef, name string) ([]byte, error) {
	if err := c.enter(ctx, "GetBlob"); err != nil {
		return nil, err
	}
	s := c.store
	defer s.mu.Unlock()
	snap := s.findFinished(ref)
	if snap == nil {
		return nil, fault.New(fault.Index, "GetBlob", datastore.ErrNotFound)
	}
	data, ok := snap.blobs[name]
	if !ok {
		return nil, fault.New(fault.Index, "GetBlob", fmt.Errorf("%w: blob %s", datastore.ErrNotFound, name))
	}
	return slices.Clone(data), nil
}

func (c *Conn) GetIndex(ctx context.Context, ref datastore.SnapshotRef, archive string) (*datastore.Index, error) {
	if err := c.enter(ctx, "GetIndex"); err != nil {
		return nil, err
	}
	s := c.store
	defer s.mu.Unlock()
	snap := s.findFinished(ref)
	if snap == nil {
		return nil, fault.New(fault.Index, "GetIndex", datastore.ErrNotFound)
	}
	x, ok := snap.indexes[archive]
	if !ok {
		return nil, fault.New(fault.Index, "GetIndex", fmt.Errorf("%w: archive %s", datastore.ErrNotFound, archive))
	}
	return toIndex(x), nil
}

func (c *Conn) GetChunk(ctx context.Context, _ string, digest chunk.Digest) ([]byte, error) {
	if err := c.enter(ctx, "GetChunk"); err != nil {
		return nil, err
	}
	s := c.store
	defer s.mu.Unlock()
	data, ok := s.chunks[digest]
	if !ok {
		return nil, fault.New(fault.Index, "GetChunk", datastore.ErrNotFound)
	}
	return slices.Clone(data), nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	c.closed = true
	return nil
}

// Corrupt replaces the stored bytes of a chunk.
func (s *Store) Corrupt(digest chunk.Digest, encoded []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[digest] = slices.Clone(encoded)
}
