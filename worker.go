package colorloop

import (
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// worker is the per-thread scheduler state. Fields under mu may be touched
// by any thread holding it (enqueue, steal). Fields marked owner are only
// touched by the worker's own thread.
type worker struct { // betteralign:ignore
	_ cpu.CacheLinePad

	mu sync.Mutex

	rt *Runtime

	// guarded by mu
	colors        colorList
	steal         stealList
	active        *colorQueue
	pinned        *colorQueue
	pool          taskPool
	enqueued      uint64
	numColors     int
	sameColor     int
	wasStealable  bool
	hasBeenStolen bool

	// read optimistically without mu, written under mu
	taskCount  atomic.Int64
	stealCount atomic.Int32

	_ cpu.CacheLinePad

	poller *poller
	wake   *wakeup
	timers *timerSet

	// reactor handshake, see park
	nowait      atomic.Bool
	polling     atomic.Bool
	parkedUntil atomic.Int64
	wakeups     atomic.Uint64

	// owner
	running      *task
	spent        *task
	fdReady      []fdDispatch
	expired      []*Timer
	stats        workerCounters
	sinceCheck   int
	stealCursor  int
	fdFinished   bool
	inFDDispatch bool

	id int

	_ cpu.CacheLinePad
}

const parkedForever = math.MaxInt64

func newWorker(r *Runtime, id int) (*worker, error) {
	w := &worker{
		rt:     r,
		id:     id,
		pinned: newColorQueue(Pinned(id)),
		pool: taskPool{
			max:  r.opts.taskPoolSize,
			free: make([]*task, 0, r.opts.taskPoolSize),
		},
		timers: newTimerSet(),
	}
	var err error
	if w.poller, err = newPoller(); err != nil {
		return nil, err
	}
	if w.wake, err = newWakeup(); err != nil {
		_ = w.poller.close()
		return nil, err
	}
	if err = w.wake.register(w.poller); err != nil {
		_ = w.wake.close()
		_ = w.poller.close()
		return nil, err
	}
	return w, nil
}

func (w *worker) close() {
	_ = w.wake.close()
	_ = w.poller.close()
}

// signal asks the worker to re-check its queues without blocking. The
// eventfd is only written while the worker is (about to be) blocked in poll.
func (w *worker) signal() {
	w.nowait.Store(true)
	if w.polling.Load() && w.wake.signal() {
		w.wakeups.Add(1)
	}
}

// stealableLocked reports whether the worker has more than one stealable
// color, not counting the color it is currently executing.
func (w *worker) stealableLocked() bool {
	n := w.steal.count
	if w.active != nil && w.active.stealable {
		n--
	}
	return n > 1
}

func (w *worker) qualifiesForSteal(q *colorQueue) bool {
	if q.affinity.pinned || q.pending == 0 {
		return false
	}
	if threshold := w.rt.opts.stealCostThreshold; threshold != 0 && q.cost < threshold {
		return false
	}
	return true
}

// updateStealLocked keeps the steal list membership of q current.
func (w *worker) updateStealLocked(q *colorQueue) {
	if !w.rt.opts.stealing {
		return
	}
	switch ok := w.qualifiesForSteal(q); {
	case ok && !q.stealable:
		w.steal.insert(q)
	case !ok && q.stealable:
		w.steal.remove(q)
	default:
		return
	}
	w.stealCount.Store(int32(w.steal.count))
}

func (w *worker) releaseSpentLocked() {
	if w.spent != nil {
		w.pool.put(w.spent)
		w.spent = nil
	}
}
