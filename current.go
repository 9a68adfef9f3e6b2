package colorloop

import (
	"runtime"
	"sync"
)

// workerByGoroutine maps the goroutine id of each running worker to it.
var workerByGoroutine sync.Map

func currentWorker() *worker {
	if v, ok := workerByGoroutine.Load(getGoroutineID()); ok {
		return v.(*worker)
	}
	return nil
}

// CurrentWorker returns the id of the worker executing the caller, or -1 if
// the caller is not running on a worker.
func CurrentWorker() int {
	if w := currentWorker(); w != nil {
		return w.id
	}
	return -1
}

// CurrentAffinity returns the affinity of the task executing the caller.
func CurrentAffinity() (Affinity, bool) {
	if w := currentWorker(); w != nil && w.running != nil {
		return w.running.affinity, true
	}
	return Affinity{}, false
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
