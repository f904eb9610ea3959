// Package executor owns the worker goroutines every asynchronous bridge
// operation runs on.
//
// A process has one Host, created by Start and torn down by Shutdown.
// Tests and embedders that want an isolated host construct one with New.
// Work submitted to a host never runs on the submitting goroutine.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/valvemist/pbsbridge/fault"
)

// Options configures a Host.
type Options struct {
	Workers int
	Logger  *slog.Logger
}

// Handle tracks one submitted unit of work.
type Handle struct {
	done chan struct{}
}

// Done is closed once the work has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the work has returned or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type task struct {
	fn     func(ctx context.Context)
	handle *Handle
}

// Host runs submitted work on a fixed set of worker goroutines. Its queue
// is unbounded so Submit never blocks, including when called from a
// worker.
type Host struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	closed bool

	workers  sync.WaitGroup
	shutdown sync.Once
	result   error
}

// New starts a host with opts.Workers goroutines.
func New(opts Options) (*Host, error) {
	if opts.Workers <= 0 {
		return nil, fault.Errorf(fault.Initialization, "start", "worker count must be positive, got %d", opts.Workers)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		log:    logger.With("component", "executor"),
		ctx:    ctx,
		cancel: cancel,
	}
	h.cond = sync.NewCond(&h.mu)
	for i := 0; i < opts.Workers; i++ {
		h.workers.Go(func() { h.work(i) })
	}
	h.log.Debug("runtime host started", "workers", opts.Workers)
	return h, nil
}

// Context is cancelled when a shutdown gives up waiting for stragglers.
func (h *Host) Context() context.Context {
	return h.ctx
}

// Submit queues fn and returns immediately. fn receives the host context.
func (h *Host) Submit(fn func(ctx context.Context)) (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fault.Errorf(fault.RuntimeClosed, "submit", "runtime host is shut down")
	}
	t := task{fn: fn, handle: &Handle{done: make(chan struct{})}}
	h.queue = append(h.queue, t)
	h.cond.Signal()
	return t.handle, nil
}

// Pending returns the number of queued tasks not yet picked up.
func (h *Host) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Closed reports whether Shutdown has been called.
func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Host) work(id int) {
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		t := h.queue[0]
		h.queue[0] = task{}
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.run(id, t)
	}
}

func (h *Host) run(id int, t task) {
	defer close(t.handle.done)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("task panicked", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t.fn(h.ctx)
}

// Shutdown stops accepting work and waits up to grace for queued and
// running work to finish. After grace the host context is cancelled and
// Shutdown waits for the remaining work to observe it. Only the first
// call does anything; later calls return its result.
func (h *Host) Shutdown(grace time.Duration) error {
	h.shutdown.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.cond.Broadcast()
		h.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			h.workers.Wait()
			close(drained)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-drained:
			h.log.Debug("runtime host drained")
		case <-timer.C:
			h.log.Warn("runtime host grace period exceeded, cancelling stragglers", "grace", grace)
			h.result = fault.Errorf(fault.Cancelled, "shutdown", "grace period %s exceeded", grace)
			h.cancel()
			<-drained
		}
		h.cancel()
	})
	return h.result
}

var (
	processMu     sync.Mutex
	process       *Host
	processClosed bool
)

// Start creates the process-wide host on first use and returns it on
// every later call; opts only apply to the first. Start after Shutdown
// fails with fault.RuntimeClosed.
func Start(opts Options) (*Host, error) {
	processMu.Lock()
	defer processMu.Unlock()
	if processClosed {
		return nil, fault.Errorf(fault.RuntimeClosed, "start", "process runtime host was shut down")
	}
	if process != nil {
		return process, nil
	}
	h, err := New(opts)
	if err != nil {
		return nil, err
	}
	process = h
	return h, nil
}

// Shutdown drains the process-wide host. It is a no-op when Start was
// never called.
func Shutdown(grace time.Duration) error {
	processMu.Lock()
	h := process
	processClosed = true
	processMu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.Shutdown(grace); err != nil {
		return fmt.Errorf("process runtime host: %w", err)
	}
	return nil
}
