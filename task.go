package colorloop

// task is one scheduled invocation. It is owned by its color's queue while
// queued, by the executing worker while running, and is then recycled.
type task struct {
	fn func()
	// wfn, if set, is run instead of fn, with the executing worker
	wfn      func(w *worker)
	affinity Affinity
	priority int32
	cost     uint64
}

// taskPool is a bounded free list. Overflow falls back to the garbage
// collector. It is guarded by the owning worker's lock.
type taskPool struct {
	free   []*task
	max    int
	hits   uint64
	misses uint64
}

func (p *taskPool) get() *task {
	if n := len(p.free); n > 0 {
		t := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.hits++
		return t
	}
	p.misses++
	return new(task)
}

func (p *taskPool) put(t *task) {
	*t = task{}
	if len(p.free) < p.max {
		p.free = append(p.free, t)
	}
}
