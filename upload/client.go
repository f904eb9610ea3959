// Package upload is the job's connection to the backup server. It owns
// the writer session and turns transport calls into retried, bounded,
// idempotent operations.
//
// Transient failures (fault.Connection, fault.Upload) are retried with
// exponential backoff up to the retry budget. A connection failure also
// redials and resumes the session by id, up to the reconnect budget, so
// the job keeps its identity across connection loss. Anything else, or
// an exhausted budget, is returned to the caller and is fatal for the
// job.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/valvemist/pbsbridge/chunk"
	"github.com/valvemist/pbsbridge/config"
	"github.com/valvemist/pbsbridge/datastore"
	"github.com/valvemist/pbsbridge/fault"
)

// Options configures a Client.
type Options struct {
	Dialer          datastore.Dialer
	RetryBudget     int
	RetryBaseDelay  time.Duration
	ReconnectBudget int
	InFlightLimit   int
	// BandwidthLimit caps upload throughput in bytes per second. Zero is
	// unlimited.
	BandwidthLimit int64
	Logger         *slog.Logger
}

// OptionsFromPolicy fills the numeric options from a config policy.
func OptionsFromPolicy(policy config.Policy, dialer datastore.Dialer, logger *slog.Logger) Options {
	return Options{
		Dialer:          dialer,
		RetryBudget:     policy.RetryBudget,
		RetryBaseDelay:  policy.RetryBaseDelay,
		ReconnectBudget: policy.ReconnectBudget,
		InFlightLimit:   policy.InFlightLimit,
		BandwidthLimit:  policy.BandwidthLimit,
		Logger:          logger,
	}
}

// Params identify the snapshot a job writes.
type Params struct {
	Snapshot datastore.SnapshotRef
	JobID    string
}

// Connected describes an open session.
type Connected struct {
	SessionID string
	Previous  *datastore.SnapshotRef
}

// HasPrevious reports whether the group has an earlier snapshot.
func (c Connected) HasPrevious() bool {
	return c.Previous != nil
}

// Stats counts client activity.
type Stats struct {
	Uploads       uint64 // chunk uploads that reached the server
	UploadedBytes uint64 // encoded bytes of those uploads
	AckedSkips    uint64 // uploads answered from the acknowledged set
	Retries       uint64
	Reconnects    uint64
}

const minRetryDelay = time.Millisecond

// Client is safe for concurrent use.
type Client struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	transport  datastore.Transport
	gen        int
	reconnects int
	sessionID  string
	closed     bool

	inflight *semaphore.Weighted
	flights  singleflight.Group
	limiter  *rate.Limiter

	ackMu sync.Mutex
	acked map[chunk.Digest]struct{}

	uploads       atomic.Uint64
	uploadedBytes atomic.Uint64
	ackedSkips    atomic.Uint64
	retries       atomic.Uint64
	reconnected   atomic.Uint64
}

// New returns a client that dials through opts.Dialer on Connect.
func New(opts Options) (*Client, error) {
	if opts.Dialer == nil {
		return nil, errors.New("upload: dialer is required")
	}
	if opts.InFlightLimit <= 0 {
		return nil, fmt.Errorf("upload: in-flight limit must be positive, got %d", opts.InFlightLimit)
	}
	if opts.RetryBudget < 0 || opts.ReconnectBudget < 0 {
		return nil, errors.New("upload: budgets must not be negative")
	}
	if opts.RetryBaseDelay < minRetryDelay {
		opts.RetryBaseDelay = minRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		opts:     opts,
		log:      logger.With("component", "upload"),
		inflight: semaphore.NewWeighted(int64(opts.InFlightLimit)),
		acked:    make(map[chunk.Digest]struct{}),
	}
	if opts.BandwidthLimit > 0 {
		burst := max(int(opts.BandwidthLimit), datastore.MaxMessageSize)
		c.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), burst)
	}
	return c, nil
}

// SessionID returns the open session, or "" before Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Uploads:       c.uploads.Load(),
		UploadedBytes: c.uploadedBytes.Load(),
		AckedSkips:    c.ackedSkips.Load(),
		Retries:       c.retries.Load(),
		Reconnects:    c.reconnected.Load(),
	}
}

// current returns the live transport and its generation.
func (c *Client) current(op string) (datastore.Transport, string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, "", 0, fault.Errorf(fault.Cancelled, op, "upload client is closed")
	}
	if c.transport == nil {
		return nil, "", c.gen, fault.Errorf(fault.Connection, op, "not connected")
	}
	return c.transport, c.sessionID, c.gen, nil
}

// reconnect replaces the transport of generation gen. When another
// caller already replaced it, reconnect returns at once. The initial
// dial before a session exists does not count against the budget.
func (c *Client) reconnect(ctx context.Context, gen int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fault.Errorf(fault.Cancelled, "reconnect", "upload client is closed")
	}
	if c.gen != gen {
		return nil
	}
	c.gen++
	if c.sessionID != "" {
		if c.reconnects >= c.opts.ReconnectBudget {
			return fault.Errorf(fault.Connection, "reconnect", "reconnect budget of %d exhausted", c.opts.ReconnectBudget)
		}
		c.reconnects++
		c.reconnected.Add(1)
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}

	t, err := c.opts.Dialer(ctx)
	if err != nil {
		c.log.Warn("dial failed", "error", err)
		return nil
	}
	if c.sessionID != "" {
		if _, err := t.ResumeSession(ctx, c.sessionID); err != nil {
			t.Close()
			if fault.Is(err, fault.Connection) {
				c.log.Warn("session resume failed", "session", c.sessionID, "error", err)
				return nil
			}
			return fault.Wrap(fault.Connection, "reconnect", err)
		}
		c.log.Info("session resumed", "session", c.sessionID, "reconnects", c.reconnects)
	}
	c.transport = t
	return nil
}

// do runs fn under the retry policy.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context, t datastore.Transport, session string) error) error {
	backoff := retry.WithMaxRetries(uint64(c.opts.RetryBudget), retry.NewExponential(c.opts.RetryBaseDelay))
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			c.retries.Add(1)
		}
		t, session, gen, err := c.current(op)
		if err == nil {
			err = fn(ctx, t, session)
		}
		if err == nil {
			return nil
		}
		switch fault.KindOf(err) {
		case fault.Connection:
			if rerr := c.reconnect(ctx, gen); rerr != nil {
				return rerr
			}
			return retry.RetryableError(err)
		case fault.Upload:
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fault.New(fault.Cancelled, op, ctx.Err())
	}
	kind := fault.KindOf(err)
	if (kind == fault.Connection || kind == fault.Upload) && attempts > c.opts.RetryBudget {
		return fault.Errorf(kind, op, "giving up after %d attempts: %w", attempts, err)
	}
	return fault.Wrap(fault.Upload, op, err)
}

// Connect dials the server and opens the writer session.
func (c *Client) Connect(ctx context.Context, params Params) (Connected, error) {
	c.mu.Lock()
	if c.transport == nil && !c.closed {
		if t, err := c.opts.Dialer(ctx); err == nil {
			c.transport = t
		} else {
			c.log.Warn("initial dial failed, retrying", "error", err)
		}
	}
	c.mu.Unlock()

	var session datastore.Session
	err := c.do(ctx, "connect", func(ctx context.Context, t datastore.Transport, _ string) error {
		var err error
		session, err = t.OpenSession(ctx, datastore.SessionParams{Snapshot: params.Snapshot, JobID: params.JobID})
		return err
	})
	if err != nil {
		return Connected{}, err
	}
	c.mu.Lock()
	c.sessionID = session.ID
	c.mu.Unlock()
	c.log.Info("backup session opened", "session", session.ID, "backup_id", params.Snapshot.BackupID,
		"previous", session.HasPrevious())
	return Connected{SessionID: session.ID, Previous: session.Previous}, nil
}

// HasChunk asks the server whether it stores digest.
func (c *Client) HasChunk(ctx context.Context, digest chunk.Digest) (bool, error) {
	var present bool
	err := c.do(ctx, "has_chunk", func(ctx context.Context, t datastore.Transport, session string) error {
		var err error
		present, err = t.HasChunk(ctx, session, digest)
		return err
	})
	return present, err
}

// Acked reports whether digest was acknowledged by this client.
func (c *Client) Acked(digest chunk.Digest) bool {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	_, ok := c.acked[digest]
	return ok
}

func (c *Client) ack(digest chunk.Digest) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	c.acked[digest] = struct{}{}
}

// UploadChunk uploads an encoded chunk. Uploading an acknowledged digest
// again succeeds without a network call, and concurrent uploads of one
// digest share a single call.
func (c *Client) UploadChunk(ctx context.Context, digest chunk.Digest, size uint64, encoded []byte) error {
	return c.UploadChunkFunc(ctx, digest, size, func() ([]byte, error) { return encoded, nil })
}

// UploadChunkFunc is UploadChunk with the encoding deferred: encode only
// runs when this call actually uploads, not when it joins another upload
// of the same digest or finds it acknowledged.
func (c *Client) UploadChunkFunc(ctx context.Context, digest chunk.Digest, size uint64, encode func() ([]byte, error)) error {
	if c.Acked(digest) {
		c.ackedSkips.Add(1)
		return nil
	}
	_, err, _ := c.flights.Do(digest.String(), func() (any, error) {
		if c.Acked(digest) {
			c.ackedSkips.Add(1)
			return nil, nil
		}
		encoded, err := encode()
		if err != nil {
			return nil, fault.New(fault.Upload, "encode_chunk", err)
		}
		if err := c.inflight.Acquire(ctx, 1); err != nil {
			return nil, fault.New(fault.Cancelled, "upload_chunk", err)
		}
		defer c.inflight.Release(1)
		if c.limiter != nil {
			if err := c.limiter.WaitN(ctx, len(encoded)); err != nil {
				return nil, fault.New(fault.Cancelled, "upload_chunk", err)
			}
		}
		err = c.do(ctx, "upload_chunk", func(ctx context.Context, t datastore.Transport, session string) error {
			return t.UploadChunk(ctx, session, digest, size, encoded)
		})
		if err != nil {
			return nil, err
		}
		c.uploads.Add(1)
		c.uploadedBytes.Add(uint64(len(encoded)))
		c.ack(digest)
		return nil, nil
	})
	return err
}

// CreateIndex declares an image index and returns its server id.
func (c *Client) CreateIndex(ctx context.Context, spec datastore.IndexSpec) (uint64, error) {
	var id uint64
	err := c.do(ctx, "create_index", func(ctx context.Context, t datastore.Transport, session string) error {
		var err error
		id, err = t.CreateIndex(ctx, session, spec)
		return err
	})
	if err != nil {
		return 0, fault.Wrap(fault.Index, "create_index", err)
	}
	return id, nil
}

// RegisterIndexEntries appends entries, which must continue the index
// in offset order, after their chunks were acknowledged.
func (c *Client) RegisterIndexEntries(ctx context.Context, indexID uint64, entries []datastore.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.do(ctx, "register_index_entry", func(ctx context.Context, t datastore.Transport, session string) error {
		return t.AppendIndex(ctx, session, indexID, entries)
	})
}

// FinalizeImage closes an index.
func (c *Client) FinalizeImage(ctx context.Context, indexID uint64, summary datastore.IndexSummary) error {
	return c.do(ctx, "finalize_image", func(ctx context.Context, t datastore.Transport, session string) error {
		return t.CloseIndex(ctx, session, indexID, summary)
	})
}

// PreviousIndex fetches an archive's index from the previous snapshot.
// It returns an error matching datastore.ErrNotFound when there is none.
func (c *Client) PreviousIndex(ctx context.Context, archive string) (*datastore.Index, error) {
	var x *datastore.Index
	err := c.do(ctx, "previous_index", func(ctx context.Context, t datastore.Transport, session string) error {
		var err error
		x, err = t.PreviousIndex(ctx, session, archive)
		return err
	})
	return x, err
}

// UploadBlob stores a named blob in the snapshot.
func (c *Client) UploadBlob(ctx context.Context, name string, encoded []byte) error {
	return c.do(ctx, "upload_blob", func(ctx context.Context, t datastore.Transport, session string) error {
		return t.UploadBlob(ctx, session, name, encoded)
	})
}

// FinalizeJob finishes the session, making the snapshot visible.
func (c *Client) FinalizeJob(ctx context.Context) error {
	return c.do(ctx, "finalize_job", func(ctx context.Context, t datastore.Transport, session string) error {
		return t.FinishSession(ctx, session)
	})
}

// AbortJob tells the server to discard the session. It makes a single
// attempt; the server also drops sessions that time out.
func (c *Client) AbortJob(ctx context.Context, reason string) error {
	t, session, _, err := c.current("abort_job")
	if err != nil {
		return err
	}
	if session == "" {
		return nil
	}
	if err := t.AbortSession(ctx, session, reason); err != nil {
		c.log.Warn("abort not delivered", "session", session, "error", err)
		return err
	}
	return nil
}

// Close releases the transport. Calls after Close fail with
// fault.Cancelled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.transport != nil {
		err := c.transport.Close()
		c.transport = nil
		return err
	}
	return nil
}
