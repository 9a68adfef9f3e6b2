package colorloop

import (
	"github.com/eapache/queue"
)

// colorQueue holds the pending tasks of one color (or of one worker's pinned
// tasks). At most one instance exists per color, owned by exactly one
// worker, and all access happens under that worker's lock.
//
// Head inserts are kept in their own segment, so they run before every tail
// insert while remaining FIFO among themselves.
type colorQueue struct {
	head *queue.Queue
	tail *queue.Queue

	// intrusive links for the owning worker's color list
	prev, next *colorQueue
	// intrusive links for the owning worker's steal list
	stealPrev, stealNext *colorQueue

	affinity    Affinity
	cost        uint64
	pending     int
	defaultPrio int32
	currentPrio int32
	linked      bool
	stealable   bool
}

func newColorQueue(affinity Affinity) *colorQueue {
	return &colorQueue{
		head:     queue.New(),
		tail:     queue.New(),
		affinity: affinity,
	}
}

func (q *colorQueue) push(t *task, atHead bool) {
	if atHead {
		q.head.Add(t)
	} else {
		q.tail.Add(t)
	}
	q.pending++
	q.cost += t.cost
	q.defaultPrio = t.priority
}

// pop removes the first task, or returns nil if the queue is empty.
func (q *colorQueue) pop() *task {
	var t *task
	switch {
	case q.head.Length() != 0:
		t = q.head.Remove().(*task)
	case q.tail.Length() != 0:
		t = q.tail.Remove().(*task)
	default:
		return nil
	}
	q.pending--
	if t.cost > q.cost {
		q.cost = 0
	} else {
		q.cost -= t.cost
	}
	return t
}

// colorList is a worker's list of resident, non-empty color queues, ordered
// by aging adjusted priority. The front is dequeued from first.
type colorList struct {
	first, last *colorQueue
}

// insert links q, walking from the back and stopping at the first entry
// whose aged priority reaches q's default priority. Every entry passed over
// is aged by inc. If stopAtFirst is set, q is never placed in front of the
// current first entry.
func (l *colorList) insert(q *colorQueue, inc int32, stopAtFirst bool) {
	q.currentPrio = q.defaultPrio
	q.prev, q.next = nil, nil

	var at *colorQueue
	for at = l.last; at != nil; at = at.prev {
		if at.currentPrio+inc >= q.defaultPrio || (stopAtFirst && at == l.first) {
			break
		}
		at.currentPrio += inc
	}

	if at != nil {
		q.prev = at
		q.next = at.next
		at.next = q
		if q.next != nil {
			q.next.prev = q
		} else {
			l.last = q
		}
	} else {
		q.next = l.first
		if q.next != nil {
			q.next.prev = q
		} else {
			l.last = q
		}
		l.first = q
	}
	q.linked = true
}

func (l *colorList) unlink(q *colorQueue) {
	if q.next != nil {
		q.next.prev = q.prev
	} else {
		l.last = q.prev
	}
	if q.prev != nil {
		q.prev.next = q.next
	} else {
		l.first = q.next
	}
	q.prev, q.next = nil, nil
	q.linked = false
}

func (l *colorList) len() (n int) {
	for q := l.first; q != nil; q = q.next {
		n++
	}
	return
}

// stealList is the subset of a worker's colors that may be stolen, in the
// order they became stealable.
type stealList struct {
	first, last *colorQueue
	count       int
}

func (l *stealList) insert(q *colorQueue) {
	if q.stealable {
		return
	}
	q.stealable = true
	q.stealNext = nil
	q.stealPrev = l.last
	if l.last != nil {
		l.last.stealNext = q
	} else {
		l.first = q
	}
	l.last = q
	l.count++
}

func (l *stealList) remove(q *colorQueue) {
	if !q.stealable {
		return
	}
	q.stealable = false
	if q.stealPrev != nil {
		q.stealPrev.stealNext = q.stealNext
	} else {
		l.first = q.stealNext
	}
	if q.stealNext != nil {
		q.stealNext.stealPrev = q.stealPrev
	} else {
		l.last = q.stealPrev
	}
	q.stealPrev, q.stealNext = nil, nil
	l.count--
}
