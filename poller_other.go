//go:build !linux

package colorloop

type poller struct{}

func newPoller() (*poller, error) { return nil, ErrUnsupported }

func (p *poller) close() error { return nil }

func (p *poller) control(int, ioEvents, ioEvents) error { return ErrUnsupported }

func (p *poller) wait(int) ([]polledEvent, error) { return nil, ErrUnsupported }

type wakeup struct {
	fd int
}

func newWakeup() (*wakeup, error) { return nil, ErrUnsupported }

func (x *wakeup) signal() bool { return false }

func (x *wakeup) drain() {}

func (x *wakeup) close() error { return nil }

func (x *wakeup) register(*poller) error { return ErrUnsupported }

func pinThread(int) error { return ErrUnsupported }
