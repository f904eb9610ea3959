// Package server is a reference backup server. It implements the
// datastore gRPC service on top of a badger chunk store, so the bridge can
// be run and tested end to end without a production server.
//
// Writer sessions live in memory and expire after SessionTTL without
// calls. A session becomes a snapshot only when it finishes; aborted or
// expired sessions leave their uploaded chunks behind for later dedup.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/datastore"
)

// DefaultSessionTTL is how long an idle writer session is kept.
const DefaultSessionTTL = 15 * time.Minute

// Options configures a Server.
type Options struct {
	Store *Store
	// Secret verifies bearer tokens. Nil disables authentication.
	Secret     []byte
	SessionTTL time.Duration
	Logger     *slog.Logger
}

// Stats counts what the server received.
type Stats struct {
	ChunkUploads uint64
	ChunksStored uint64
	Sessions     int
}

// Server implements datastore.Service.
type Server struct {
	opts     Options
	log      *slog.Logger
	sessions *ttlcache.Cache[string, *session]

	uploads atomic.Uint64
	stored  atomic.Uint64
}

var _ datastore.Service = (*Server)(nil)

// New returns a server. Close stops its session janitor.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server needs a store")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		log:      logger.With("component", "server"),
		sessions: ttlcache.New[string, *session](ttlcache.WithTTL[string, *session](opts.SessionTTL)),
	}
	s.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *session]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		sess := item.Value()
		sess.mu.Lock()
		finished := sess.finished
		sess.mu.Unlock()
		if !finished {
			s.log.Warn("writer session expired", "session", sess.id, "backup_id", sess.ref.BackupID)
		}
	})
	go s.sessions.Start()
	return s, nil
}

// ServerOptions returns the gRPC options the service needs.
func (s *Server) ServerOptions() []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(datastore.MaxMessageSize),
		grpc.MaxSendMsgSize(datastore.MaxMessageSize),
	}
	if s.opts.Secret != nil {
		opts = append(opts, grpc.UnaryInterceptor(s.tokenInterceptor))
	}
	return opts
}

// NewGRPCServer returns a gRPC server with the service registered.
func (s *Server) NewGRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	g := grpc.NewServer(append(s.ServerOptions(), extra...)...)
	datastore.RegisterService(g, s)
	return g
}

// Stats returns the server's counters.
func (s *Server) Stats() Stats {
	return Stats{ChunkUploads: s.uploads.Load(), ChunksStored: s.stored.Load(), Sessions: s.sessions.Len()}
}

// Close stops the session janitor. Open sessions are dropped.
func (s *Server) Close() {
	s.sessions.Stop()
	s.sessions.DeleteAll()
}

func storeError(err error) error {
	if errors.Is(err, datastore.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) session(ctx context.Context, id string) (*session, error) {
	item := s.sessions.Get(id)
	if item == nil {
		return nil, status.Error(codes.FailedPrecondition, datastore.ErrSessionUnknown.Error())
	}
	sess := item.Value()
	if err := authorize(ctx, sess.ref.Datastore); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Server) OpenSession(ctx context.Context, req *datastore.OpenSessionRequest) (*datastore.SessionReply, error) {
	ref := req.Params.Snapshot
	if ref.Datastore == "" || ref.BackupType == "" || ref.BackupID == "" || ref.BackupTime.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "incomplete snapshot reference")
	}
	if err := authorize(ctx, ref.Datastore); err != nil {
		return nil, err
	}
	exists, err := s.opts.Store.HasSnapshot(ref)
	if err != nil {
		return nil, storeError(err)
	}
	if exists {
		return nil, status.Errorf(codes.AlreadyExists, "snapshot %s/%s at %d already exists",
			ref.BackupType, ref.BackupID, ref.BackupTime.Unix())
	}
	for _, item := range s.sessions.Items() {
		if other := item.Value(); snapshotPath(other.ref) == snapshotPath(ref) {
			return nil, status.Errorf(codes.AlreadyExists, "snapshot %s/%s is being written by session %s",
				ref.BackupType, ref.BackupID, other.id)
		}
	}
	previous, err := s.opts.Store.Latest(ref.Datastore, ref.BackupType, ref.BackupID, ref.BackupTime)
	if err != nil {
		return nil, storeError(err)
	}
	sess := newSession(uuid.NewString(), req.Params.JobID, ref, previous)
	s.sessions.Set(sess.id, sess, ttlcache.DefaultTTL)
	s.log.Info("writer session opened", "session", sess.id, "job", sess.jobID, "backup_id", ref.BackupID,
		"previous", previous != nil)
	return sess.reply(), nil
}

func (s *Server) ResumeSession(ctx context.Context, req *datastore.ResumeSessionRequest) (*datastore.SessionReply, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	s.log.Info("writer session resumed", "session", sess.id)
	return sess.reply(), nil
}

func (s *Server) HasChunk(ctx context.Context, req *datastore.HasChunkRequest) (*datastore.HasChunkReply, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	present, err := s.opts.Store.HasChunk(sess.ref.Datastore, req.Digest)
	if err != nil {
		return nil, storeError(err)
	}
	return &datastore.HasChunkReply{Present: present}, nil
}

func (s *Server) UploadChunk(ctx context.Context, req *datastore.UploadChunkRequest) (*datastore.Empty, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if len(req.Encoded) == 0 || req.Size == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "chunk %s is empty", req.Digest.Short())
	}
	s.uploads.Add(1)
	stored, err := s.opts.Store.PutChunk(sess.ref.Datastore, req.Digest, req.Encoded)
	if err != nil {
		return nil, storeError(err)
	}
	if stored {
		s.stored.Add(1)
	}
	return &datastore.Empty{}, nil
}

func (s *Server) CreateIndex(ctx context.Context, req *datastore.CreateIndexRequest) (*datastore.CreateIndexReply, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	id, err := sess.createIndex(req.Spec)
	if err != nil {
		return nil, err
	}
	return &datastore.CreateIndexReply{IndexID: id}, nil
}

func (s *Server) AppendIndex(ctx context.Context, req *datastore.AppendIndexRequest) (*datastore.Empty, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	present := func(d chunk.Digest) (bool, error) {
		ok, err := s.opts.Store.HasChunk(sess.ref.Datastore, d)
		if err != nil {
			return false, storeError(err)
		}
		return ok, nil
	}
	if err := sess.appendEntries(req.IndexID, req.Entries, present); err != nil {
		return nil, err
	}
	return &datastore.Empty{}, nil
}

func (s *Server) CloseIndex(ctx context.Context, req *datastore.CloseIndexRequest) (*datastore.Empty, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.closeIndex(req.IndexID, req.Summary); err != nil {
		return nil, err
	}
	return &datastore.Empty{}, nil
}

func (s *Server) PreviousIndex(ctx context.Context, req *datastore.PreviousIndexRequest) (*datastore.IndexReply, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.previous == nil {
		return nil, status.Error(codes.NotFound, "no previous snapshot")
	}
	x, ok := sess.previous.Indexes[req.Archive]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "archive %s is not in the previous snapshot", req.Archive)
	}
	return &datastore.IndexReply{Index: *x}, nil
}

func (s *Server) UploadBlob(ctx context.Context, req *datastore.UploadBlobRequest) (*datastore.Empty, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "blob name is empty")
	}
	if err := sess.putBlob(req.Name, req.Encoded); err != nil {
		return nil, err
	}
	return &datastore.Empty{}, nil
}

func (s *Server) FinishSession(ctx context.Context, req *datastore.FinishSessionRequest) (*datastore.Empty, error) {
	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finished {
		return &datastore.Empty{}, nil
	}
	rec, err := sess.record()
	if err != nil {
		return nil, err
	}
	if err := s.opts.Store.PutSnapshot(rec, sess.blobs); err != nil {
		return nil, storeError(err)
	}
	sess.finished = true
	s.log.Info("writer session finished", "session", sess.id, "backup_id", sess.ref.BackupID)
	return &datastore.Empty{}, nil
}

func (s *Server) AbortSession(ctx context.Context, req *datastore.AbortSessionRequest) (*datastore.Empty, error) {
	sess, err := s.session(ctx, req.SessionID)
	if status.Code(err) == codes.FailedPrecondition {
		return &datastore.Empty{}, nil
	}
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	finished := sess.finished
	sess.mu.Unlock()
	if finished {
		return nil, status.Error(codes.FailedPrecondition, "session is finished")
	}
	s.sessions.Delete(sess.id)
	s.log.Warn("writer session aborted", "session", sess.id, "backup_id", sess.ref.BackupID, "reason", req.Reason)
	return &datastore.Empty{}, nil
}

func (s *Server) ListSnapshots(ctx context.Context, req *datastore.ListSnapshotsRequest) (*datastore.ListSnapshotsReply, error) {
	if err := authorize(ctx, req.Datastore); err != nil {
		return nil, err
	}
	snaps, err := s.opts.Store.ListSnapshots(req.Datastore, req.BackupType, req.BackupID)
	if err != nil {
		return nil, storeError(err)
	}
	return &datastore.ListSnapshotsReply{Snapshots: snaps}, nil
}

func (s *Server) GetBlob(ctx context.Context, req *datastore.GetBlobRequest) (*datastore.PayloadReply, error) {
	if err := authorize(ctx, req.Snapshot.Datastore); err != nil {
		return nil, err
	}
	data, err := s.opts.Store.Blob(req.Snapshot, req.Name)
	if err != nil {
		return nil, storeError(err)
	}
	return &datastore.PayloadReply{Encoded: data}, nil
}

func (s *Server) GetIndex(ctx context.Context, req *datastore.GetIndexRequest) (*datastore.IndexReply, error) {
	if err := authorize(ctx, req.Snapshot.Datastore); err != nil {
		return nil, err
	}
	rec, err := s.opts.Store.Snapshot(req.Snapshot)
	if err != nil {
		return nil, storeError(err)
	}
	x, ok := rec.Indexes[req.Archive]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "archive %s", req.Archive)
	}
	return &datastore.IndexReply{Index: *x}, nil
}

func (s *Server) GetChunk(ctx context.Context, req *datastore.GetChunkRequest) (*datastore.PayloadReply, error) {
	if err := authorize(ctx, req.Datastore); err != nil {
		return nil, err
	}
	data, err := s.opts.Store.GetChunk(req.Datastore, req.Digest)
	if err != nil {
		return nil, storeError(err)
	}
	return &datastore.PayloadReply{Encoded: data}, nil
}
