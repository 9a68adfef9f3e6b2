//go:build linux

package colorloop

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// wakeup is an eventfd, registered with the owning worker's poller, used to
// interrupt a blocking wait from other threads.
type wakeup struct {
	mu      sync.RWMutex // guards closed against concurrent writes
	fd      int
	pending atomic.Bool
	closed  bool
}

func newWakeup() (*wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("colorloop: eventfd: %w", err)
	}
	return &wakeup{fd: fd}, nil
}

// signal writes to the eventfd, unless a previous write has not yet been
// drained. It reports whether a write happened.
func (x *wakeup) signal() bool {
	if !x.pending.CompareAndSwap(false, true) {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return false
	}
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(x.fd, buf[:])
	return true
}

// drain consumes all pending writes, re-enabling signal.
func (x *wakeup) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(x.fd, buf[:]); err != nil {
			break
		}
	}
	x.pending.Store(false)
}

func (x *wakeup) close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return unix.Close(x.fd)
}

// register adds the eventfd to the poller, for reads.
func (x *wakeup) register(p *poller) error {
	return p.control(x.fd, 0, eventRead)
}
