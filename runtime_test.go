// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package colorloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntime_lifecycle(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	assert.Equal(t, 2, rt.NumWorkers())

	_, err := rt.Stats(t.Context())
	assert.ErrorIs(t, err, ErrRuntimeNotRunning)

	ran := make(chan struct{})
	// held until the workers start
	rt.EnqueueTail(NewCallback(Shared(0), func() { close(ran) }))

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()
	waitFor(t, ran, "task")

	assert.ErrorIs(t, rt.Run(context.Background()), ErrRuntimeRunning)

	require.NoError(t, rt.Shutdown(t.Context()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	select {
	case <-rt.Done():
	default:
		t.Fatal("done not closed")
	}

	assert.ErrorIs(t, rt.Run(context.Background()), ErrRuntimeTerminated)
	assert.Equal(t, -1, rt.EnqueueTail(NewCallback(Shared(0), func() {})))
	assert.Equal(t, -1, rt.EnqueueHead(NewCallback(Pinned(1), func() {})))
	require.NoError(t, rt.Shutdown(t.Context()))
	_, err = rt.Stats(t.Context())
	assert.ErrorIs(t, err, ErrRuntimeTerminated)
}

func TestRuntime_shutdownBeforeRun(t *testing.T) {
	rt, err := New(WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, rt.Shutdown(t.Context()))
	assert.ErrorIs(t, rt.Run(context.Background()), ErrRuntimeTerminated)
	<-rt.Done()
}

func TestRuntime_contextCancel(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	started := make(chan struct{})
	rt.EnqueueTail(NewCallback(Shared(1), func() { close(started) }))
	waitFor(t, started, "start")

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	waitFor(t, rt.Done(), "done")
}

func TestRuntime_shutdownFromWorker(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()

	var after atomic.Int32
	rt.EnqueueTail(NewCallback(Shared(0), func() {
		// must not wait for its own worker
		if err := rt.Shutdown(context.Background()); err != nil {
			t.Error(err)
		}
		rt.EnqueueTail(NewCallback(Shared(0), func() { after.Add(1) }))
	}))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Zero(t, after.Load())
}

func TestRuntime_shutdownDeadline(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(1))
	startRuntime(t, rt)

	release := make(chan struct{})
	running := make(chan struct{})
	rt.EnqueueTail(NewCallback(Shared(0), func() {
		close(running)
		<-release
	}))
	waitFor(t, running, "task")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.Shutdown(ctx), context.DeadlineExceeded)
	close(release)
	waitFor(t, rt.Done(), "done")
}

// Tasks of one color never overlap, and tail inserts from one thread run in
// order, while colors are stolen between workers.
func TestRuntime_colorSerialization(t *testing.T) {
	const (
		workers  = 4
		colors   = 16
		perColor = 200
	)
	rt := newTestRuntime(t, WithWorkers(workers), WithStealing(true), WithSameColorThreshold(3))
	startRuntime(t, rt)

	var (
		inflight [colors]atomic.Int32
		overlaps atomic.Int32
		seen     [colors][]int
		wg       sync.WaitGroup
	)
	wg.Add(colors * perColor)
	for i := 0; i < perColor; i++ {
		for c := 0; c < colors; c++ {
			rt.EnqueueTail(NewCallback(Shared(c), func() {
				defer wg.Done()
				if inflight[c].Add(1) != 1 {
					overlaps.Add(1)
				}
				if a, ok := CurrentAffinity(); !ok || a != Shared(c) {
					t.Errorf("unexpected affinity %v", a)
				}
				seen[c] = append(seen[c], i)
				for j := 0; j < 500; j++ {
					_ = j * j
				}
				inflight[c].Add(-1)
			}))
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	waitFor(t, done, "tasks")

	assert.Zero(t, overlaps.Load())
	for c := range seen {
		require.Len(t, seen[c], perColor)
		for i, v := range seen[c] {
			require.Equal(t, i, v, "color %d", c)
		}
	}

	stats, err := rt.Stats(t.Context())
	require.NoError(t, err)
	var executed uint64
	for _, s := range stats {
		executed += s.TasksExecuted
	}
	// plus the stats tasks, which are counted once they return
	assert.GreaterOrEqual(t, executed, uint64(colors*perColor))
}

func TestRuntime_pinnedRunsOnWorker(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(3), WithStealing(true))
	startRuntime(t, rt)

	assert.Equal(t, -1, CurrentWorker())
	_, ok := CurrentAffinity()
	assert.False(t, ok)

	got := make(chan [2]int, 3)
	for i := 0; i < 3; i++ {
		require.Equal(t, i, rt.EnqueueHead(NewCallback(Pinned(i), func() {
			a, _ := CurrentAffinity()
			got <- [2]int{CurrentWorker(), a.ID()}
		})))
	}
	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			assert.Equal(t, v[0], v[1])
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestRuntime_recoversTaskPanics(t *testing.T) {
	var (
		mu     sync.Mutex
		panics []any
	)
	rt := newTestRuntime(t, WithWorkers(1), WithHooks(Hooks{
		OnTaskPanic: func(worker int, value any) {
			mu.Lock()
			defer mu.Unlock()
			panics = append(panics, value)
		},
	}))
	startRuntime(t, rt)

	after := make(chan struct{})
	rt.EnqueueTail(NewCallback(Shared(0), func() { panic("boom") }))
	rt.EnqueueTail(NewCallback(Shared(0), func() { close(after) }))
	waitFor(t, after, "task after panic")

	mu.Lock()
	assert.Equal(t, []any{"boom"}, panics)
	mu.Unlock()

	stats, err := rt.Stats(t.Context())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].PanicsRecovered)
}

func TestRuntime_workerHooks(t *testing.T) {
	var started, stopped atomic.Int32
	rt := newTestRuntime(t, WithWorkers(3), WithHooks(Hooks{
		OnWorkerStart: func(int) { started.Add(1) },
		OnWorkerStop:  func(int) { stopped.Add(1) },
	}))
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()

	ran := make(chan struct{})
	rt.EnqueueTail(NewCallback(Pinned(2), func() { close(ran) }))
	waitFor(t, ran, "task")
	require.NoError(t, rt.Shutdown(t.Context()))
	require.NoError(t, <-errCh)

	assert.Equal(t, int32(3), started.Load())
	assert.Equal(t, int32(3), stopped.Load())
}

func TestRuntime_stats(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	startRuntime(t, rt)

	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		rt.EnqueueTail(NewCallback(Shared(1), wg.Done))
	}
	wg.Wait()

	stats, err := rt.Stats(t.Context())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 0, stats[0].Worker)
	assert.Equal(t, 1, stats[1].Worker)
	assert.GreaterOrEqual(t, stats[1].TasksExecuted, uint64(10))
	assert.GreaterOrEqual(t, stats[1].TasksEnqueued, uint64(11))
	assert.Zero(t, stats[0].Steals)

	var fromWorker error
	done := make(chan struct{})
	rt.EnqueueTail(NewCallback(Shared(0), func() {
		_, fromWorker = rt.Stats(context.Background())
		close(done)
	}))
	waitFor(t, done, "task")
	assert.ErrorIs(t, fromWorker, ErrCalledFromWorker)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = rt.Stats(ctx)
	assert.True(t, err == nil || errors.Is(err, context.Canceled))
}

func TestRuntime_fatalEscapesTask(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(1))
	w := rt.workers[0]
	rt.EnqueueTail(NewCallback(Shared(0), func() {
		rt.EnqueueTail(NewCallback(Shared(1<<20), func() {}))
	}))
	requireFatal(t, ErrColorOutOfRange, func() { drain(w) })
}
