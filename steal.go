package colorloop

import (
	"fmt"
)

// stealFor scans the other workers round-robin, starting after the last
// successful victim, and takes a batch of colors from the first victim with
// more than one stealable color. The returned queues are unlinked and their
// owner entries are in the moving state; the caller must splice them.
func (r *Runtime) stealFor(thief *worker) []*colorQueue {
	n := len(r.workers)
	if n < 2 {
		return nil
	}
	thief.stats.stealAttempts++
	start := thief.stealCursor
	for i := 0; i < n; i++ {
		victim := r.workers[(start+i)%n]
		// optimistic, re-checked under the victim's lock
		if victim == thief || victim.stealCount.Load() < 2 {
			continue
		}
		if stolen := r.stealFrom(thief, victim); len(stolen) != 0 {
			thief.stealCursor = (victim.id + 1) % n
			return stolen
		}
	}
	return nil
}

func (r *Runtime) stealFrom(thief, victim *worker) []*colorQueue {
	victim.mu.Lock()
	defer victim.mu.Unlock()

	if !victim.stealableLocked() {
		return nil
	}

	batch := int(r.opts.stealFraction * float64(victim.steal.count))
	if batch < 1 {
		batch = 1
	}

	var (
		stolen []*colorQueue
		moved  int
	)
	for q := victim.steal.first; q != nil && len(stolen) < batch; {
		next := q.stealNext
		if q == victim.active {
			q = next
			continue
		}
		if q.pending <= 0 {
			r.fatal(`steal`, fmt.Errorf("%w: stealable %s has %d pending", ErrCorrupted, q.affinity, q.pending))
		}
		r.owners[q.affinity.id].Store(movingOwner)
		victim.colors.unlink(q)
		victim.steal.remove(q)
		r.reactor.rehome(q.affinity, victim, thief)
		moved += q.pending
		stolen = append(stolen, q)
		q = next
	}

	victim.stealCount.Store(int32(victim.steal.count))
	victim.numColors -= len(stolen)
	victim.taskCount.Add(-int64(moved))
	victim.hasBeenStolen = true

	thief.stats.steals++
	thief.stats.colorsStolen += uint64(len(stolen))
	thief.stats.tasksStolen += uint64(moved)

	r.logger.Debug().
		Int(`thief`, thief.id).
		Int(`victim`, victim.id).
		Int(`colors`, len(stolen)).
		Int(`tasks`, moved).
		Log(`colorloop: stole colors`)

	return stolen
}

// spliceLocked takes ownership of stolen queues, completing the move.
func (w *worker) spliceLocked(stolen []*colorQueue) {
	for _, q := range stolen {
		w.numColors++
		w.taskCount.Add(int64(q.pending))
		w.colors.insert(q, 0, w.active == nil)
		w.updateStealLocked(q)
		w.rt.owners[q.affinity.id].Store(int32(w.id))
	}
}
