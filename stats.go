package colorloop

import (
	"context"
)

// workerCounters are only touched by the owning worker.
type workerCounters struct {
	tasksExecuted uint64
	stealAttempts uint64
	steals        uint64
	colorsStolen  uint64
	tasksStolen   uint64
	fdDispatches  uint64
	timersFired   uint64
	polls         uint64
	blockingPolls uint64
	panics        uint64
}

// WorkerStats is a snapshot of one worker's counters.
type WorkerStats struct {
	Worker          int
	TasksExecuted   uint64
	TasksEnqueued   uint64
	TasksQueued     int64
	Colors          int
	StealAttempts   uint64
	Steals          uint64
	ColorsStolen    uint64
	TasksStolen     uint64
	FDDispatches    uint64
	TimersFired     uint64
	TimersPending   int
	TimersActive    int
	Polls           uint64
	BlockingPolls   uint64
	Wakeups         uint64
	PoolHits        uint64
	PoolMisses      uint64
	PanicsRecovered uint64
}

// snapshot must be called on w's own thread.
func (w *worker) snapshot() WorkerStats {
	s := WorkerStats{
		Worker:          w.id,
		TasksExecuted:   w.stats.tasksExecuted,
		StealAttempts:   w.stats.stealAttempts,
		Steals:          w.stats.steals,
		ColorsStolen:    w.stats.colorsStolen,
		TasksStolen:     w.stats.tasksStolen,
		FDDispatches:    w.stats.fdDispatches,
		TimersFired:     w.stats.timersFired,
		Polls:           w.stats.polls,
		BlockingPolls:   w.stats.blockingPolls,
		Wakeups:         w.wakeups.Load(),
		PanicsRecovered: w.stats.panics,
	}
	s.TimersPending, s.TimersActive = w.timers.len()
	w.mu.Lock()
	s.TasksEnqueued = w.enqueued
	s.TasksQueued = w.taskCount.Load()
	s.Colors = w.numColors
	s.PoolHits = w.pool.hits
	s.PoolMisses = w.pool.misses
	w.mu.Unlock()
	return s
}

// Stats reads every worker's counters, by running a pinned task on each
// worker. It must not be called from a worker.
func (r *Runtime) Stats(ctx context.Context) ([]WorkerStats, error) {
	if currentWorker() != nil {
		return nil, ErrCalledFromWorker
	}
	switch r.state.Load() {
	case stateAwake:
		return nil, ErrRuntimeNotRunning
	case stateTerminating, stateTerminated:
		return nil, ErrRuntimeTerminated
	}

	results := make([]WorkerStats, len(r.workers))
	done := make(chan struct{}, len(r.workers))
	for i := range r.workers {
		if r.enqueue(`stats`, task{
			wfn: func(w *worker) {
				results[i] = w.snapshot()
				done <- struct{}{}
			},
			affinity: Pinned(i),
		}, true) < 0 {
			return nil, ErrRuntimeTerminated
		}
	}

	for range r.workers {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, ErrRuntimeTerminated
		}
	}
	return results, nil
}
