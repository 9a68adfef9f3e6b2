// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package colorloop

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// Runtime is a fixed pool of workers, each executing colored tasks on its
// own OS thread, and each running its own reactor and timer set.
//
// Callbacks may be submitted before Run, they are held until the workers
// start. Once the runtime has begun terminating, submissions are dropped.
type Runtime struct {
	opts    *options
	logger  *logiface.Logger[logiface.Event]
	warn    *warnLimiter
	workers []*worker
	// owners maps each color to the worker owning its queue, or movingOwner
	owners []atomic.Int32
	// queues holds the queue of each color, guarded by the owner's lock
	queues    []*colorQueue
	stopping  chan struct{}
	done      chan struct{}
	testHooks *runtimeTestHooks
	reactor   reactor
	state     atomicState
	stopOnce  sync.Once
}

// runtimeTestHooks are invoked on worker threads.
type runtimeTestHooks struct {
	onPark func(worker int, timeoutMs int)
}

// New creates a Runtime. Its workers are not started until Run.
func New(opts ...Option) (*Runtime, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		opts:     cfg,
		logger:   cfg.logger,
		warn:     newWarnLimiter(cfg.logger),
		workers:  make([]*worker, 0, cfg.workers),
		queues:   make([]*colorQueue, cfg.maxColors),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.reactor.init(r)

	if cfg.stealing {
		r.owners = make([]atomic.Int32, cfg.maxColors)
		for i := range r.owners {
			r.owners[i].Store(int32(i % cfg.workers))
		}
	}

	for i := 0; i < cfg.workers; i++ {
		w, err := newWorker(r, i)
		if err != nil {
			r.closeWorkers()
			return nil, err
		}
		r.workers = append(r.workers, w)
	}

	r.logger.Debug().
		Int(`workers`, cfg.workers).
		Bool(`stealing`, cfg.stealing).
		Int(`max_colors`, cfg.maxColors).
		Log(`colorloop: runtime created`)

	return r, nil
}

// NumWorkers returns the number of workers.
func (r *Runtime) NumWorkers() int { return len(r.workers) }

// Run starts the workers and blocks until the runtime terminates, either
// through Shutdown or ctx being done, in which case ctx's error is returned.
// Run may be called only once.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.state.TryTransition(stateAwake, stateRunning) {
		switch r.state.Load() {
		case stateTerminating, stateTerminated:
			return ErrRuntimeTerminated
		}
		return ErrRuntimeRunning
	}
	defer r.finish()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		g.Go(w.run)
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-r.stopping:
		}
		r.beginTerminate()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown stops the runtime: workers exit after their current task, and
// queued tasks, fd callbacks and timers are discarded. It waits for Run to
// return, unless called from one of the runtime's own workers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	for {
		if s := r.state.Load(); s == stateAwake {
			if !r.state.TryTransition(stateAwake, stateTerminated) {
				continue
			}
			r.closeWorkers()
			r.stopOnce.Do(func() { close(r.stopping) })
			close(r.done)
			return nil
		}
		r.beginTerminate()
		break
	}

	if w := currentWorker(); w != nil && w.rt == r {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the runtime has terminated.
func (r *Runtime) Done() <-chan struct{} { return r.done }

func (r *Runtime) beginTerminate() {
	if !r.state.TryTransition(stateRunning, stateTerminating) {
		return
	}
	r.stopOnce.Do(func() { close(r.stopping) })
	for _, w := range r.workers {
		w.signal()
	}
	r.logger.Debug().Log(`colorloop: runtime terminating`)
}

func (r *Runtime) finish() {
	r.closeWorkers()
	r.state.Store(stateTerminated)
	close(r.done)
	r.logger.Debug().Log(`colorloop: runtime terminated`)
}

func (r *Runtime) closeWorkers() {
	for _, w := range r.workers {
		w.close()
	}
}

// run is the worker main loop.
func (w *worker) run() (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r := w.rt

	gid := getGoroutineID()
	workerByGoroutine.Store(gid, w)
	defer workerByGoroutine.Delete(gid)

	if cpus := r.opts.cpus; len(cpus) != 0 {
		cpu := cpus[w.id%len(cpus)]
		if err := pinThread(cpu); err != nil {
			r.warn.warning(warnPinFailed).
				Int(`worker`, w.id).
				Int(`cpu`, cpu).
				Err(err).
				Log(`colorloop: failed to pin worker thread`)
		}
	}

	if fn := r.opts.hooks.OnWorkerStart; fn != nil {
		fn(w.id)
	}
	if fn := r.opts.hooks.OnWorkerStop; fn != nil {
		defer fn(w.id)
	}

	r.logger.Debug().Int(`worker`, w.id).Log(`colorloop: worker started`)
	defer func() {
		r.logger.Debug().Int(`worker`, w.id).Err(err).Log(`colorloop: worker stopped`)
	}()

	for r.state.Load() == stateRunning {
		t := w.next()
		if t == nil {
			if err := w.check(true); err != nil {
				return err
			}
			continue
		}
		w.execute(t)
		w.sinceCheck++
		if w.sinceCheck >= r.opts.pollInterval {
			if err := w.check(false); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *worker) execute(t *task) {
	w.running = t
	w.safeExecute(t)
	w.running = nil
	w.spent = t
	w.stats.tasksExecuted++
}

// safeExecute runs t, recovering panics other than *FatalError.
func (w *worker) safeExecute(t *task) {
	defer func() {
		if v := recover(); v != nil {
			if fe, ok := v.(*FatalError); ok {
				panic(fe)
			}
			w.stats.panics++
			w.rt.logger.Err().
				Int(`worker`, w.id).
				Str(`affinity`, t.affinity.String()).
				Any(`panic`, v).
				Log(`colorloop: task panicked`)
			if fn := w.rt.opts.hooks.OnTaskPanic; fn != nil {
				fn(w.id, v)
			}
		}
	}()
	if t.wfn != nil {
		t.wfn(w)
		return
	}
	t.fn()
}

// check runs expired timers, then polls the reactor. If block is set and
// there is nothing else to do, it waits until the next timer deadline, or
// until signalled.
//
// The handshake with signal: polling is set before nowait is consumed, and
// signal sets nowait before reading polling, so either the worker sees the
// request, or the signaller writes the eventfd.
func (w *worker) check(block bool) error {
	r := w.rt
	w.sinceCheck = 0
	w.tickTimers(time.Now())

	timeout := 0
	if block {
		w.parkedUntil.Store(parkedForever)
		w.polling.Store(true)
		if !w.nowait.Swap(false) && w.taskCount.Load() == 0 && r.state.Load() == stateRunning {
			if deadline, ok := w.timers.next(); ok {
				w.parkedUntil.Store(deadline.UnixNano())
				timeout = timeoutUntil(deadline, time.Now())
			} else {
				timeout = -1
			}
		}
		if hooks := r.testHooks; hooks != nil && hooks.onPark != nil {
			hooks.onPark(w.id, timeout)
		}
		if timeout != 0 {
			w.stats.blockingPolls++
		}
	}

	events, err := w.poller.wait(timeout)
	w.polling.Store(false)
	w.parkedUntil.Store(0)
	w.stats.polls++
	if err != nil {
		if r.state.Load() != stateRunning {
			return nil
		}
		return fmt.Errorf("colorloop: worker %d: %w", w.id, err)
	}

	n := 0
	for _, ev := range events {
		if ev.fd == w.wake.fd {
			w.wake.drain()
			continue
		}
		events[n] = ev
		n++
	}
	if n != 0 {
		r.reactor.dispatch(w, events[:n])
	}

	return nil
}

// timeoutUntil converts a deadline to an epoll timeout, rounding up to the
// next millisecond so the deadline has passed on wake.
func timeoutUntil(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
