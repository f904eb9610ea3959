package datastore

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/fault"
)

// Options configures a Client.
type Options struct {
	Address string
	Token   string
	// Fingerprint pins the server certificate by the hex SHA-256 of its
	// DER encoding. Colons are ignored. When empty the system roots
	// verify the server.
	Fingerprint string
	Insecure    bool
	Logger      *slog.Logger
	// DialOptions are appended to the client's own, e.g. a context dialer
	// for in-process servers.
	DialOptions []grpc.DialOption
}

// Client talks to a datastore server over gRPC. It implements Transport
// and Reader.
type Client struct {
	conn  *grpc.ClientConn
	token string
	log   *slog.Logger
}

var (
	_ Transport = (*Client)(nil)
	_ Reader    = (*Client)(nil)
)

// Dial creates a client. The connection is established lazily on the
// first call.
func Dial(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{token: opts.Token, log: logger.With("component", "datastore", "address", opts.Address)}

	var creds credentials.TransportCredentials
	switch {
	case opts.Insecure:
		creds = insecure.NewCredentials()
	case opts.Fingerprint != "":
		tlsConfig, err := pinnedTLS(opts.Fingerprint)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsConfig)
	default:
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUnaryInterceptor(c.tokenInterceptor),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fault.New(fault.Connection, "dial", err)
	}
	c.conn = conn
	return c, nil
}

// NewDialer returns a Dialer that creates a fresh Client per call.
func NewDialer(opts Options) Dialer {
	return func(context.Context) (Transport, error) {
		return Dial(opts)
	}
}

func pinnedTLS(fingerprint string) (*tls.Config, error) {
	want, err := hex.DecodeString(strings.ReplaceAll(strings.ToLower(fingerprint), ":", ""))
	if err != nil || len(want) != sha256.Size {
		return nil, fmt.Errorf("invalid certificate fingerprint %q", fingerprint)
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// The pinned fingerprint replaces chain verification.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("server presented no certificate")
			}
			got := sha256.Sum256(rawCerts[0])
			if !strings.EqualFold(hex.EncodeToString(got[:]), hex.EncodeToString(want)) {
				return fmt.Errorf("server certificate fingerprint %x does not match pinned %x", got, want)
			}
			return nil
		},
	}, nil
}

func (c *Client) tokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, TokenHeader, "Bearer "+c.token)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	if err := c.conn.Invoke(ctx, FullMethod(method), req, reply); err != nil {
		return mapError(ctx, method, err)
	}
	return nil
}

// mapError classifies a gRPC failure. Transport-level codes become
// Connection, transient server conditions become Upload, and everything
// that means the request itself was wrong becomes Index.
func mapError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fault.New(fault.Cancelled, op, ctx.Err())
	}
	st, ok := status.FromError(err)
	if !ok {
		return fault.New(fault.Connection, op, err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fault.New(fault.Authentication, op, errors.New(st.Message()))
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fault.New(fault.Connection, op, errors.New(st.Message()))
	case codes.NotFound:
		return fault.New(fault.Index, op, fmt.Errorf("%w: %s", ErrNotFound, st.Message()))
	case codes.FailedPrecondition:
		if strings.Contains(st.Message(), ErrSessionUnknown.Error()) {
			return fault.New(fault.Index, op, ErrSessionUnknown)
		}
		return fault.New(fault.Index, op, errors.New(st.Message()))
	case codes.ResourceExhausted, codes.Internal, codes.Aborted, codes.Unknown:
		return fault.New(fault.Upload, op, errors.New(st.Message()))
	default:
		return fault.New(fault.Index, op, fmt.Errorf("%s: %s", st.Code(), st.Message()))
	}
}

func (c *Client) OpenSession(ctx context.Context, params SessionParams) (Session, error) {
	var reply SessionReply
	if err := c.invoke(ctx, "OpenSession", &OpenSessionRequest{Params: params}, &reply); err != nil {
		return Session{}, err
	}
	c.log.Debug("session opened", "session", reply.Session.ID, "previous", reply.Session.HasPrevious())
	return reply.Session, nil
}

func (c *Client) ResumeSession(ctx context.Context, sessionID string) (Session, error) {
	var reply SessionReply
	if err := c.invoke(ctx, "ResumeSession", &ResumeSessionRequest{SessionID: sessionID}, &reply); err != nil {
		return Session{}, err
	}
	return reply.Session, nil
}

func (c *Client) HasChunk(ctx context.Context, sessionID string, digest chunk.Digest) (bool, error) {
	var reply HasChunkReply
	err := c.invoke(ctx, "HasChunk", &HasChunkRequest{SessionID: sessionID, Digest: digest}, &reply)
	return reply.Present, err
}

func (c *Client) UploadChunk(ctx context.Context, sessionID string, digest chunk.Digest, size uint64, encoded []byte) error {
	req := &UploadChunkRequest{SessionID: sessionID, Digest: digest, Size: size, Encoded: encoded}
	return c.invoke(ctx, "UploadChunk", req, &Empty{})
}

func (c *Client) CreateIndex(ctx context.Context, sessionID string, spec IndexSpec) (uint64, error) {
	var reply CreateIndexReply
	err := c.invoke(ctx, "CreateIndex", &CreateIndexRequest{SessionID: sessionID, Spec: spec}, &reply)
	return reply.IndexID, err
}

func (c *Client) AppendIndex(ctx context.Context, sessionID string, indexID uint64, entries []IndexEntry) error {
	req := &AppendIndexRequest{SessionID: sessionID, IndexID: indexID, Entries: entries}
	return c.invoke(ctx, "AppendIndex", req, &Empty{})
}

func (c *Client) CloseIndex(ctx context.Context, sessionID string, indexID uint64, summary IndexSummary) error {
	req := &CloseIndexRequest{SessionID: sessionID, IndexID: indexID, Summary: summary}
	return c.invoke(ctx, "CloseIndex", req, &Empty{})
}

func (c *Client) PreviousIndex(ctx context.Context, sessionID string, archive string) (*Index, error) {
	var reply IndexReply
	if err := c.invoke(ctx, "PreviousIndex", &PreviousIndexRequest{SessionID: sessionID, Archive: archive}, &reply); err != nil {
		return nil, err
	}
	return &reply.Index, nil
}

func (c *Client) UploadBlob(ctx context.Context, sessionID string, name string, encoded []byte) error {
	req := &UploadBlobRequest{SessionID: sessionID, Name: name, Encoded: encoded}
	return c.invoke(ctx, "UploadBlob", req, &Empty{})
}

func (c *Client) FinishSession(ctx context.Context, sessionID string) error {
	return c.invoke(ctx, "FinishSession", &FinishSessionRequest{SessionID: sessionID}, &Empty{})
}

func (c *Client) AbortSession(ctx context.Context, sessionID string, reason string) error {
	return c.invoke(ctx, "AbortSession", &AbortSessionRequest{SessionID: sessionID, Reason: reason}, &Empty{})
}

func (c *Client) ListSnapshots(ctx context.Context, datastore, backupType, backupID string) ([]SnapshotRef, error) {
	var reply ListSnapshotsReply
	req := &ListSnapshotsRequest{Datastore: datastore, BackupType: backupType, BackupID: backupID}
	if err := c.invoke(ctx, "ListSnapshots", req, &reply); err != nil {
		return nil, err
	}
	return reply.Snapshots, nil
}

func (c *Client) GetBlob(ctx context.Context, snapshot SnapshotRef, name string) ([]byte, error) {
	var reply PayloadReply
	if err := c.invoke(ctx, "GetBlob", &GetBlobRequest{Snapshot: snapshot, Name: name}, &reply); err != nil {
		return nil, err
	}
	return reply.Encoded, nil
}

func (c *Client) GetIndex(ctx context.Context, snapshot SnapshotRef, archive string) (*Index, error) {
	var reply IndexReply
	if err := c.invoke(ctx, "GetIndex", &GetIndexRequest{Snapshot: snapshot, Archive: archive}, &reply); err != nil {
		return nil, err
	}
	return &reply.Index, nil
}

func (c *Client) GetChunk(ctx context.Context, datastore string, digest chunk.Digest) ([]byte, error) {
	var reply PayloadReply
	if err := c.invoke(ctx, "GetChunk", &GetChunkRequest{Datastore: datastore, Digest: digest}, &reply); err != nil {
		return nil, err
	}
	return reply.Encoded, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
