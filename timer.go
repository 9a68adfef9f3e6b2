package colorloop

import (
	"container/heap"
	"sync"
	"time"
)

type timerState uint8

const (
	timerPending timerState = iota
	timerActive
	timerFired
	timerCancelled
)

// Timer is a handle to a scheduled callback, see [Runtime.ScheduleAt].
type Timer struct {
	when  time.Time
	cb    *Callback
	set   *timerSet
	seq   uint64
	index int
	state timerState
}

// Deadline returns the time the timer is due.
func (t *Timer) Deadline() time.Time { return t.when }

// timerHeap orders timers by deadline, ties broken by insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerSet holds one worker's timers: pending ones in deadline order, and
// active ones, which have expired and are queued for execution.
type timerSet struct {
	active  map[*Timer]struct{}
	pending timerHeap
	seq     uint64
	mu      sync.Mutex
}

func newTimerSet() *timerSet {
	return &timerSet{active: make(map[*Timer]struct{})}
}

// add inserts t, reporting whether it became the earliest pending timer.
func (s *timerSet) add(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t.seq = s.seq
	t.state = timerPending
	heap.Push(&s.pending, t)
	return s.pending[0] == t
}

// cancel removes t if it is still pending, reporting whether it did. An
// active timer is only flagged, and is skipped when it runs.
func (s *timerSet) cancel(t *Timer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t.state {
	case timerPending:
		heap.Remove(&s.pending, t.index)
		t.state = timerCancelled
		return true
	case timerActive:
		t.state = timerCancelled
	}
	return false
}

// next returns the earliest pending deadline.
func (s *timerSet) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.pending[0].when, true
}

// expire moves every timer due at now to the active set, appending them to
// buf.
func (s *timerSet) expire(now time.Time, buf []*Timer) []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) != 0 && !s.pending[0].when.After(now) {
		t := heap.Pop(&s.pending).(*Timer)
		t.state = timerActive
		s.active[t] = struct{}{}
		buf = append(buf, t)
	}
	return buf
}

// fire runs t unless it was cancelled after it expired.
func (s *timerSet) fire(t *Timer) {
	s.mu.Lock()
	delete(s.active, t)
	run := t.state == timerActive
	if run {
		t.state = timerFired
	}
	s.mu.Unlock()
	if run {
		t.cb.fn()
	}
}

func (s *timerSet) len() (pending, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.active)
}

// ScheduleAt arranges for cb to be enqueued, at its own affinity and
// priority, once deadline has passed. Timers are held by the worker owning
// cb's affinity at the time of scheduling. Timers with equal deadlines
// fire in scheduling order.
//
// It returns nil if the runtime has terminated.
func (r *Runtime) ScheduleAt(deadline time.Time, cb *Callback) *Timer {
	const op = `schedule_timer`
	if cb == nil || cb.fn == nil {
		r.fatal(op, ErrNilCallback)
	}
	r.validateAffinity(op, cb.affinity)
	switch r.state.Load() {
	case stateTerminating, stateTerminated:
		return nil
	}

	w := r.homeOf(cb.affinity)
	t := &Timer{when: deadline, cb: cb, set: w.timers, index: -1}
	if w.timers.add(t) {
		// poke the worker if it is parked past the new deadline
		if parked := w.parkedUntil.Load(); parked != 0 && parked > deadline.UnixNano() {
			w.signal()
		}
	}
	return t
}

// ScheduleAfter is ScheduleAt(time.Now().Add(d), cb).
func (r *Runtime) ScheduleAfter(d time.Duration, cb *Callback) *Timer {
	return r.ScheduleAt(time.Now().Add(d), cb)
}

// CancelTimer cancels t. If t was still pending, it is removed and true is
// returned, and its callback will never run. If t had already expired, it is
// flagged, which prevents its callback from running only if the flag is
// observed first; false is returned.
func (r *Runtime) CancelTimer(t *Timer) bool {
	if t == nil {
		return false
	}
	return t.set.cancel(t)
}

// tickTimers enqueues a task for every expired timer.
func (w *worker) tickTimers(now time.Time) {
	expired := w.timers.expire(now, w.expired[:0])
	for i, t := range expired {
		w.rt.enqueue(`timer`, task{
			fn:       func() { t.set.fire(t) },
			affinity: t.cb.affinity,
			priority: t.cb.priority,
			cost:     t.cb.cost,
		}, false)
		w.stats.timersFired++
		expired[i] = nil
	}
	w.expired = expired[:0]
}
