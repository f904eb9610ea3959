package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valvemist/pbsbridge/fault"
)

func resetProcess() {
	processMu.Lock()
	defer processMu.Unlock()
	process = nil
	processClosed = false
}

func TestNewRejectsInvalidWorkers(t *testing.T) {
	_, err := New(Options{Workers: 0})
	require.True(t, errors.Is(err, fault.Initialization))
}

func TestSubmitRunsOffCallerGoroutine(t *testing.T) {
	h, err := New(Options{Workers: 2})
	require.NoError(t, err)
	defer h.Shutdown(time.Second)

	var ran atomic.Bool
	release := make(chan struct{})
	handle, err := h.Submit(func(context.Context) {
		<-release
		ran.Store(true)
	})
	require.NoError(t, err)
	require.False(t, ran.Load())

	close(release)
	require.NoError(t, handle.Wait(context.Background()))
	require.True(t, ran.Load())
}

func TestSubmitFromWorkerDoesNotDeadlock(t *testing.T) {
	h, err := New(Options{Workers: 1})
	require.NoError(t, err)
	defer h.Shutdown(time.Second)

	inner := make(chan *Handle, 1)
	outer, err := h.Submit(func(context.Context) {
		handle, err := h.Submit(func(context.Context) {})
		require.NoError(t, err)
		inner <- handle
	})
	require.NoError(t, err)
	require.NoError(t, outer.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, (<-inner).Wait(ctx))
}

func TestShutdownDrainsQueuedWork(t *testing.T) {
	h, err := New(Options{Workers: 2})
	require.NoError(t, err)

	var count atomic.Int32
	for range 20 {
		_, err := h.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
		require.NoError(t, err)
	}
	require.NoError(t, h.Shutdown(5*time.Second))
	require.Equal(t, int32(20), count.Load())

	_, err = h.Submit(func(context.Context) {})
	require.True(t, errors.Is(err, fault.RuntimeClosed))
	require.True(t, h.Closed())
}

func TestShutdownCancelsStragglers(t *testing.T) {
	h, err := New(Options{Workers: 1})
	require.NoError(t, err)

	var sawCancel atomic.Bool
	started := make(chan struct{})
	_, err = h.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
	})
	require.NoError(t, err)
	<-started

	err = h.Shutdown(20 * time.Millisecond)
	require.True(t, errors.Is(err, fault.Cancelled))
	require.True(t, sawCancel.Load())
	require.Equal(t, err, h.Shutdown(time.Second))
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	h, err := New(Options{Workers: 1})
	require.NoError(t, err)
	defer h.Shutdown(time.Second)

	first, err := h.Submit(func(context.Context) { panic("boom") })
	require.NoError(t, err)
	require.NoError(t, first.Wait(context.Background()))

	second, err := h.Submit(func(context.Context) {})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, second.Wait(ctx))
}

func TestProcessHostLifecycle(t *testing.T) {
	resetProcess()
	t.Cleanup(resetProcess)

	first, err := Start(Options{Workers: 2})
	require.NoError(t, err)

	var wg sync.WaitGroup
	hosts := make([]*Host, 8)
	for i := range hosts {
		wg.Go(func() {
			h, err := Start(Options{Workers: 99})
			require.NoError(t, err)
			hosts[i] = h
		})
	}
	wg.Wait()
	for _, h := range hosts {
		require.Same(t, first, h)
	}

	require.NoError(t, Shutdown(time.Second))
	require.NoError(t, Shutdown(time.Second))
	_, err = Start(Options{Workers: 2})
	require.True(t, errors.Is(err, fault.RuntimeClosed))
}

func TestNilLoggerUsesDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	h, err := New(Options{Workers: 1})
	require.NoError(t, err)
	require.NoError(t, h.Shutdown(time.Second))
	require.Contains(t, buf.String(), "runtime host started")
	require.Contains(t, buf.String(), "component=executor")
}
