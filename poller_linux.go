//go:build linux

package colorloop

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller is one worker's epoll set. Only the owning worker waits on it, but
// interest may be changed from any thread, which epoll permits.
type poller struct { // betteralign:ignore
	_        [64]byte             // Cache line padding //nolint:unused
	epfd     int32                // epoll file descriptor
	_        [60]byte             // Pad to cache line //nolint:unused
	eventBuf [256]unix.EpollEvent // owner only
	ready    []polledEvent        // owner only, reused
	closed   atomic.Bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("colorloop: epoll_create1: %w", err)
	}
	return &poller{
		epfd:  int32(epfd),
		ready: make([]polledEvent, 0, 256),
	}, nil
}

func (p *poller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(int(p.epfd))
}

// control moves the interest for fd from old to events, adding, modifying or
// deleting the registration as needed. Deleting an fd the kernel has already
// dropped (because it was closed) is not an error.
func (p *poller) control(fd int, old, events ioEvents) error {
	switch {
	case old == events:
		return nil
	case events == 0:
		err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return err
	case old == 0:
		ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
		err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev)
		if err == unix.EEXIST {
			err = unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
		}
		return err
	default:
		ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
		err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, ev)
		if err == unix.ENOENT {
			err = unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, ev)
		}
		return err
	}
}

// wait blocks for at most timeoutMs (-1 meaning forever), returning the ready
// events. The returned slice is only valid until the next call.
func (p *poller) wait(timeoutMs int) ([]polledEvent, error) {
	if p.closed.Load() {
		return nil, errPollerClosed
	}
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("colorloop: epoll_wait: %w", err)
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, polledEvent{
			fd:     int(p.eventBuf[i].Fd),
			events: epollToEvents(p.eventBuf[i].Events),
		})
	}
	return p.ready, nil
}

func eventsToEpoll(events ioEvents) uint32 {
	var epollEvents uint32
	if events&eventRead != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&eventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) ioEvents {
	var events ioEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= eventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= eventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= eventError
	}
	if epollEvents&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= eventHangup
	}
	return events
}
