package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/valvemist/pbsbridge/executor"
	"github.com/valvemist/pbsbridge/fault"
)

// Callback receives the result of an asynchronous operation. It runs
// exactly once, on a runtime host goroutine, never on the goroutine that
// started the operation.
type Callback[T any] func(result T, err error)

// Token is the caller's view of an asynchronous operation. The zero
// value is not usable; tokens come from the bridge's Async methods.
type Token[T any] struct {
	host     *executor.Host
	callback Callback[T]
	accepted atomic.Uint64

	once   sync.Once
	done   chan struct{}
	result T
	err    error
}

func newToken[T any](host *executor.Host, cb Callback[T]) *Token[T] {
	return &Token[T]{host: host, callback: cb, done: make(chan struct{})}
}

// resolve records the outcome. Only the first call has any effect.
func (t *Token[T]) resolve(result T, err error) {
	t.once.Do(func() {
		t.result, t.err = result, err
		close(t.done)
		if t.callback == nil {
			return
		}
		cb := t.callback
		if _, serr := t.host.Submit(func(context.Context) { cb(result, err) }); serr != nil {
			// The host is gone; still keep the callback off the resolving
			// goroutine's stack.
			go cb(result, err)
		}
	})
}

// Done is closed once the operation resolved.
func (t *Token[T]) Done() <-chan struct{} {
	return t.done
}

// Poll reports the outcome without blocking. ok is false while the
// operation is still running.
func (t *Token[T]) Poll() (result T, err error, ok bool) {
	select {
	case <-t.done:
		return t.result, t.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Wait blocks until the operation resolves or ctx ends. A cancelled ctx
// only stops the wait, not the operation.
func (t *Token[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, fault.New(fault.Cancelled, "wait", ctx.Err())
	}
}

// Progress returns the bytes the job has accepted for the operation. A
// write counts as accepted in full once it passed validation; the bytes
// actually committed are only known from the result.
func (t *Token[T]) Progress() uint64 {
	return t.accepted.Load()
}

// tracker counts an image's writes that were submitted to the host but
// not yet applied to the image, so a close is ordered after them.
type tracker struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newTracker() *tracker {
	t := &tracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

func (t *tracker) wait() {
	t.mu.Lock()
	for t.n > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
}
