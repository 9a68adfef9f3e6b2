package colorloop

import (
	"fmt"
	"runtime"
	"time"
)

// movingOwner marks a color whose queue is being moved between workers.
const movingOwner = -1

// EnqueueHead submits cb ahead of every task already queued by tail insert
// on the same color. Head inserts are FIFO among themselves. It returns the
// destination worker, or -1 if the runtime has terminated and the callback
// was dropped.
func (r *Runtime) EnqueueHead(cb *Callback) int {
	return r.enqueueCallback(`enqueue_head`, cb, true)
}

// EnqueueTail submits cb behind every task already queued on the same
// color. Tail inserts made by one thread run in program order. It returns
// the destination worker, or -1 if the runtime has terminated and the
// callback was dropped.
func (r *Runtime) EnqueueTail(cb *Callback) int {
	return r.enqueueCallback(`enqueue_tail`, cb, false)
}

func (r *Runtime) enqueueCallback(op string, cb *Callback, atHead bool) int {
	if cb == nil || cb.fn == nil {
		r.fatal(op, ErrNilCallback)
	}
	return r.enqueue(op, task{
		fn:       cb.fn,
		affinity: cb.affinity,
		priority: cb.priority,
		cost:     cb.cost,
	}, atHead)
}

// enqueue registers a copy of t with the worker that owns its affinity.
func (r *Runtime) enqueue(op string, t task, atHead bool) int {
	switch r.state.Load() {
	case stateTerminating, stateTerminated:
		return -1
	}
	r.validateAffinity(op, t.affinity)

	w := r.lockOwner(t.affinity)
	nt := w.pool.get()
	*nt = t
	w.registerLocked(nt, atHead)
	r.assistStealLocked(w)
	w.mu.Unlock()

	w.signal()

	return w.id
}

func (r *Runtime) validateAffinity(op string, a Affinity) {
	if a.pinned {
		if a.id < 0 || int(a.id) >= len(r.workers) {
			r.fatal(op, fmt.Errorf("%w: %s with %d workers", ErrInvalidPinnedWorker, a, len(r.workers)))
		}
	} else if a.id < 0 || int(a.id) >= r.opts.maxColors {
		r.fatal(op, fmt.Errorf("%w: %s (max %d)", ErrColorOutOfRange, a, r.opts.maxColors))
	}
}

// homeOf returns the worker currently believed to own a, without locking.
func (r *Runtime) homeOf(a Affinity) *worker {
	if a.pinned {
		return r.workers[a.id]
	}
	if r.opts.stealing {
		if id := r.owners[a.id].Load(); id != movingOwner {
			return r.workers[id]
		}
	}
	return r.workers[int(a.id)%len(r.workers)]
}

// lockOwner locks and returns the worker owning a. While stealing is
// enabled, ownership is re-checked under the lock, and the transient moving
// state is waited out.
func (r *Runtime) lockOwner(a Affinity) *worker {
	if a.pinned {
		w := r.workers[a.id]
		w.mu.Lock()
		return w
	}
	if !r.opts.stealing {
		w := r.workers[int(a.id)%len(r.workers)]
		w.mu.Lock()
		return w
	}
	var retry movingRetry
	for {
		id := r.owners[a.id].Load()
		if id == movingOwner {
			retry.wait(r, a)
			continue
		}
		w := r.workers[id]
		w.mu.Lock()
		if r.owners[a.id].Load() == id {
			return w
		}
		w.mu.Unlock()
	}
}

// movingRetry is a bounded backoff: it yields first, then sleeps with
// exponential growth up to maxMovingBackoff.
type movingRetry struct {
	backoff time.Duration
	waited  time.Duration
	spins   int
	warned  bool
}

func (x *movingRetry) wait(r *Runtime, a Affinity) {
	if x.spins < r.opts.movingSpins {
		x.spins++
		runtime.Gosched()
		return
	}
	if x.backoff == 0 {
		x.backoff = r.opts.movingBackoff
	}
	time.Sleep(x.backoff)
	x.waited += x.backoff
	x.backoff = min(x.backoff*2, maxMovingBackoff)
	if !x.warned && x.waited >= 10*maxMovingBackoff {
		x.warned = true
		r.warn.warning(warnMovingRetry).
			Str(`affinity`, a.String()).
			Dur(`waited`, x.waited).
			Log(`colorloop: color ownership still moving`)
	}
}

// queueLocked returns the queue for a, creating it if needed. The caller
// must hold the lock of the worker owning a.
func (w *worker) queueLocked(a Affinity) *colorQueue {
	if a.pinned {
		return w.pinned
	}
	q := w.rt.queues[a.id]
	if q == nil {
		q = newColorQueue(a)
		w.rt.queues[a.id] = q
	}
	return q
}

func (w *worker) registerLocked(t *task, atHead bool) {
	q := w.queueLocked(t.affinity)
	if !q.linked {
		q.defaultPrio = t.priority
		if !q.affinity.pinned {
			w.numColors++
		}
		w.colors.insert(q, 0, w.active == nil)
	}
	q.push(t, atHead)
	w.enqueued++
	w.taskCount.Add(1)
	w.updateStealLocked(q)
}

// assistStealLocked wakes sleeping workers so they may steal from w, when w
// has become stealable, or has been stolen from since it last was.
func (r *Runtime) assistStealLocked(w *worker) {
	if !r.opts.stealing || len(r.workers) < 2 {
		return
	}
	if !w.stealableLocked() {
		w.wasStealable = false
		return
	}
	if !w.wasStealable || w.hasBeenStolen {
		w.hasBeenStolen = false
		r.wakeIdle(w.numColors-1, w.id)
	}
	w.wasStealable = true
}

// wakeIdle signals up to n workers blocked in poll, scanning from near+1.
func (r *Runtime) wakeIdle(n int, near int) {
	woken := 0
	for i := 1; i < len(r.workers) && woken < n; i++ {
		v := r.workers[(near+i)%len(r.workers)]
		if v.polling.Load() {
			v.signal()
			woken++
		}
	}
}

// rotateLocked retires the active color if it has drained, or moves it
// behind the others once it has run sameColorThreshold tasks in a row,
// aging every color it is moved behind.
func (w *worker) rotateLocked() {
	q := w.active
	if q == nil {
		return
	}
	if q.pending == 0 {
		if !q.affinity.pinned {
			w.numColors--
		}
		w.colors.unlink(q)
		w.active = nil
		w.sameColor = 0
		return
	}
	if w.sameColor >= w.rt.opts.sameColorThreshold {
		if q != w.colors.last {
			w.colors.unlink(q)
			w.colors.insert(q, w.rt.opts.aging(w.sameColor), false)
		}
		w.sameColor = 0
	}
}

// dequeueLocked takes the first task of the front color, which becomes the
// active color.
func (w *worker) dequeueLocked() *task {
	q := w.colors.first
	if q == nil {
		return nil
	}
	t := q.pop()
	if t == nil {
		w.rt.fatal(`dequeue`, fmt.Errorf("%w: empty %s in color list of worker %d", ErrCorrupted, q.affinity, w.id))
	}
	if q != w.active {
		w.active = q
		w.sameColor = 0
	}
	w.sameColor++
	w.taskCount.Add(-1)
	w.updateStealLocked(q)
	return t
}

// next selects the task to run, stealing first if the worker is nearly
// idle. It returns nil if there is nothing to run.
func (w *worker) next() *task {
	r := w.rt

	// w.mu must not be held while locking a victim
	var stolen []*colorQueue
	if r.opts.stealing && len(r.workers) > 1 && w.taskCount.Load() <= int64(r.opts.stealThreshold) {
		stolen = r.stealFor(w)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.releaseSpentLocked()

	if len(stolen) != 0 {
		w.spliceLocked(stolen)
	}

	w.rotateLocked()

	return w.dequeueLocked()
}
