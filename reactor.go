package colorloop

import (
	"errors"
	"fmt"
	"sync"
)

// Direction selects the readiness an fd callback waits for.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// ioEvents is a platform neutral readiness bitmask.
type ioEvents uint32

const (
	eventRead ioEvents = 1 << iota
	eventWrite
	eventError
	eventHangup
)

func directionEvents(d Direction) ioEvents {
	if d == Write {
		return eventWrite
	}
	return eventRead
}

// readies reports whether events should dispatch a callback waiting on d.
// Errors and hangups are delivered to both directions.
func (e ioEvents) readies(d Direction) bool {
	return e&(directionEvents(d)|eventError|eventHangup) != 0
}

var errPollerClosed = errors.New("colorloop: poller closed")

// maxFDLimit bounds the fd table.
const maxFDLimit = 100000000

type polledEvent struct {
	fd     int
	events ioEvents
}

// fdSlot is the state of one (fd, direction).
type fdSlot struct {
	// FIFO of waiting callbacks, the head is the one dispatched
	waiters []*Callback
	// owner is the worker whose poller carries the interest, while armed
	owner *worker
	// color the slot is indexed under, while armed with a shared head
	color   int32
	indexed bool
	// armed means interest is registered
	armed bool
	// queued means a dispatch of the head is pending or running
	queued bool
}

type fdEntry struct {
	// interest currently registered, per poller
	regs  map[*worker]ioEvents
	slots [2]fdSlot
}

func (e *fdEntry) want(w *worker) (events ioEvents) {
	for d := range e.slots {
		if s := &e.slots[d]; s.armed && s.owner == w {
			events |= directionEvents(Direction(d))
		}
	}
	return
}

func (e *fdEntry) idle() bool {
	for d := range e.slots {
		if s := &e.slots[d]; len(s.waiters) != 0 || s.queued || s.armed {
			return false
		}
	}
	return len(e.regs) == 0
}

type fdKey struct {
	fd  int
	dir Direction
}

type fdDispatch struct {
	cb  *Callback
	fd  int
	dir Direction
}

// reactor is the fd table shared by all workers. Lock order: a worker's mu
// may be held while acquiring the reactor's mu, never the reverse.
type reactor struct {
	rt      *Runtime
	fds     []*fdEntry
	byColor map[int32]map[fdKey]struct{}
	mu      sync.Mutex
}

func (x *reactor) init(rt *Runtime) {
	x.rt = rt
	x.fds = make([]*fdEntry, 1024)
	x.byColor = make(map[int32]map[fdKey]struct{})
}

func (x *reactor) lookup(fd int) *fdEntry {
	if fd < len(x.fds) {
		return x.fds[fd]
	}
	return nil
}

func (x *reactor) entry(fd int) *fdEntry {
	if fd >= len(x.fds) {
		newSize := fd*2 + 1
		if newSize > maxFDLimit {
			newSize = maxFDLimit
		}
		fds := make([]*fdEntry, newSize)
		copy(fds, x.fds)
		x.fds = fds
	}
	e := x.fds[fd]
	if e == nil {
		e = new(fdEntry)
		x.fds[fd] = e
	}
	return e
}

func (x *reactor) release(fd int, e *fdEntry) {
	if e.idle() {
		x.fds[fd] = nil
	}
}

func (x *reactor) arm(fd int, dir Direction, s *fdSlot, owner *worker) {
	s.armed = true
	s.owner = owner
	if a := s.waiters[0].affinity; !a.pinned {
		keys := x.byColor[a.id]
		if keys == nil {
			keys = make(map[fdKey]struct{})
			x.byColor[a.id] = keys
		}
		keys[fdKey{fd: fd, dir: dir}] = struct{}{}
		s.color = a.id
		s.indexed = true
	}
}

func (x *reactor) disarm(fd int, dir Direction, s *fdSlot) {
	s.armed = false
	s.owner = nil
	if s.indexed {
		if keys := x.byColor[s.color]; keys != nil {
			delete(keys, fdKey{fd: fd, dir: dir})
			if len(keys) == 0 {
				delete(x.byColor, s.color)
			}
		}
		s.indexed = false
	}
}

// sync reconciles the registered interest of every involved poller with the
// armed slots of e.
func (x *reactor) sync(fd int, e *fdEntry) error {
	var firstErr error
	apply := func(w *worker) {
		want, old := e.want(w), e.regs[w]
		if want == old {
			return
		}
		if err := w.poller.control(fd, old, want); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if want == 0 {
			delete(e.regs, w)
			return
		}
		if e.regs == nil {
			e.regs = make(map[*worker]ioEvents, 1)
		}
		e.regs[w] = want
	}
	for w := range e.regs {
		apply(w)
	}
	for d := range e.slots {
		if s := &e.slots[d]; s.armed {
			apply(s.owner)
		}
	}
	return firstErr
}

// WatchFD appends cb to the FIFO of callbacks waiting for fd to become ready
// in the given direction. Once ready, the head callback is dispatched as a
// task at its own affinity and priority, and interest is removed until the
// dispatch completes, see [Runtime.MarkFDDispatchFinished].
//
// A nil cb deregisters the direction, dropping every waiting callback.
//
// Posting the callback that is already last in the FIFO is a fatal error,
// unless that entry is the one currently being dispatched. The fd must be
// non-blocking. Interest uses level triggered epoll.
func (r *Runtime) WatchFD(fd int, dir Direction, cb *Callback) {
	const op = `watch_fd`
	if fd < 0 || fd >= maxFDLimit {
		r.fatal(op, fmt.Errorf("%w: %d", ErrFDOutOfRange, fd))
	}
	if dir != Read && dir != Write {
		r.fatal(op, fmt.Errorf("%w: direction %d", ErrFDOutOfRange, dir))
	}
	if cb != nil {
		if cb.fn == nil {
			r.fatal(op, ErrNilCallback)
		}
		r.validateAffinity(op, cb.affinity)
	}
	switch r.state.Load() {
	case stateTerminating, stateTerminated:
		return
	}
	caller := currentWorker()
	if caller != nil && caller.rt != r {
		caller = nil
	}
	if err := r.reactor.watch(fd, dir, cb, caller); err != nil {
		switch r.state.Load() {
		case stateTerminating, stateTerminated:
			// pollers may already be closed
			return
		}
		r.fatal(op, err)
	}
}

func (x *reactor) watch(fd int, dir Direction, cb *Callback, caller *worker) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if cb == nil {
		e := x.lookup(fd)
		if e == nil {
			return nil
		}
		s := &e.slots[dir]
		if s.armed {
			x.disarm(fd, dir, s)
		}
		clear(s.waiters)
		s.waiters = nil
		err := x.sync(fd, e)
		x.release(fd, e)
		if err != nil {
			return fmt.Errorf("%w: fd %d %s: %w", ErrReactor, fd, dir, err)
		}
		return nil
	}

	e := x.entry(fd)
	s := &e.slots[dir]
	if n := len(s.waiters); n != 0 && s.waiters[n-1] == cb && !(s.queued && n == 1) {
		return fmt.Errorf("%w: fd %d %s", ErrDuplicateFDCallback, fd, dir)
	}
	s.waiters = append(s.waiters, cb)
	if s.queued || s.armed {
		return nil
	}

	owner := caller
	if owner == nil {
		owner = x.rt.homeOf(s.waiters[0].affinity)
	}
	x.arm(fd, dir, s, owner)
	if err := x.sync(fd, e); err != nil {
		x.disarm(fd, dir, s)
		s.waiters[len(s.waiters)-1] = nil
		s.waiters = s.waiters[:len(s.waiters)-1]
		_ = x.sync(fd, e)
		x.release(fd, e)
		return fmt.Errorf("%w: fd %d %s: %w", ErrReactor, fd, dir, err)
	}
	return nil
}

// dispatch turns readiness reported to w into tasks.
func (x *reactor) dispatch(w *worker, events []polledEvent) {
	ready := w.fdReady[:0]
	stale := 0

	x.mu.Lock()
	for _, ev := range events {
		e := x.lookup(ev.fd)
		if e == nil {
			stale++
			continue
		}
		hit := false
		for d := range e.slots {
			s := &e.slots[d]
			if !s.armed || s.owner != w || !ev.events.readies(Direction(d)) {
				continue
			}
			x.disarm(ev.fd, Direction(d), s)
			s.queued = true
			ready = append(ready, fdDispatch{fd: ev.fd, dir: Direction(d), cb: s.waiters[0]})
			hit = true
		}
		if err := x.sync(ev.fd, e); err != nil {
			x.rt.warn.warning(warnRearmFailed).
				Int(`fd`, ev.fd).
				Int(`worker`, w.id).
				Err(err).
				Log(`colorloop: failed to update fd interest`)
		}
		if !hit {
			stale++
		}
	}
	x.mu.Unlock()

	if stale != 0 {
		x.rt.warn.warning(warnStaleEvent).
			Int(`worker`, w.id).
			Int(`count`, stale).
			Log(`colorloop: ignored readiness for fds not owned by worker`)
	}

	for i := range ready {
		p := ready[i]
		x.rt.enqueue(`fd_dispatch`, task{
			wfn:      func(w *worker) { x.run(w, p) },
			affinity: p.cb.affinity,
			priority: p.cb.priority,
			cost:     p.cb.cost,
		}, false)
		w.stats.fdDispatches++
		ready[i] = fdDispatch{}
	}
	w.fdReady = ready[:0]
}

// run executes a dispatched fd callback on w, then applies the re-arm
// contract.
func (x *reactor) run(w *worker, p fdDispatch) {
	w.fdFinished = x.rt.opts.fdFinishedDefault
	w.inFDDispatch = true
	defer func() {
		w.inFDDispatch = false
		x.complete(w, p, w.fdFinished)
	}()
	p.cb.fn()
}

func (x *reactor) complete(w *worker, p fdDispatch, finished bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e := x.lookup(p.fd)
	if e == nil {
		return
	}
	s := &e.slots[p.dir]
	s.queued = false
	if finished && len(s.waiters) != 0 && s.waiters[0] == p.cb {
		s.waiters[0] = nil
		s.waiters = s.waiters[1:]
	}
	if len(s.waiters) != 0 && !s.armed {
		x.arm(p.fd, p.dir, s, w)
	}
	if err := x.sync(p.fd, e); err != nil {
		// typically the fd was closed without being deregistered
		x.disarm(p.fd, p.dir, s)
		clear(s.waiters)
		s.waiters = nil
		_ = x.sync(p.fd, e)
		x.rt.warn.warning(warnRearmFailed).
			Int(`fd`, p.fd).
			Str(`direction`, p.dir.String()).
			Err(err).
			Log(`colorloop: failed to re-arm fd, dropped its callbacks`)
	}
	x.release(p.fd, e)
}

// rehome moves the interest of every fd armed under the color of a from
// victim to thief. The caller holds the victim's lock.
func (x *reactor) rehome(a Affinity, victim, thief *worker) {
	x.mu.Lock()
	defer x.mu.Unlock()

	moved := 0
	for k := range x.byColor[a.id] {
		e := x.lookup(k.fd)
		if e == nil {
			continue
		}
		s := &e.slots[k.dir]
		if !s.armed || s.owner != victim {
			continue
		}
		s.owner = thief
		if err := x.sync(k.fd, e); err != nil {
			x.rt.warn.warning(warnRearmFailed).
				Int(`fd`, k.fd).
				Int(`victim`, victim.id).
				Int(`thief`, thief.id).
				Err(err).
				Log(`colorloop: failed to move fd interest`)
		}
		moved++
	}
	if moved != 0 {
		x.rt.logger.Debug().
			Str(`affinity`, a.String()).
			Int(`fds`, moved).
			Int(`victim`, victim.id).
			Int(`thief`, thief.id).
			Log(`colorloop: moved fd interest`)
	}
}

// MarkFDDispatchFinished is called by a dispatched fd callback to select
// what happens once it returns. With finished true, the callback is removed
// from its FIFO; the next waiting callback, if any, is armed, otherwise the
// direction is left deregistered until WatchFD is called again. With
// finished false, the same callback stays at the head and interest is
// re-armed immediately, so it is dispatched again on the next readiness.
//
// Calls made outside of an fd dispatch are ignored.
func (r *Runtime) MarkFDDispatchFinished(finished bool) {
	w := currentWorker()
	if w == nil || w.rt != r || !w.inFDDispatch {
		r.logger.Debug().
			Bool(`finished`, finished).
			Log(`colorloop: MarkFDDispatchFinished called outside an fd dispatch`)
		return
	}
	w.fdFinished = finished
}
