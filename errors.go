package colorloop

import (
	"errors"
)

// Standard errors.
var (
	// ErrRuntimeRunning is returned when Run is called more than once.
	ErrRuntimeRunning = errors.New("colorloop: runtime is already running")

	// ErrRuntimeTerminated is returned when the runtime has already been
	// shut down.
	ErrRuntimeTerminated = errors.New("colorloop: runtime has been terminated")

	// ErrRuntimeNotRunning is returned by operations that need live workers.
	ErrRuntimeNotRunning = errors.New("colorloop: runtime is not running")

	// ErrCalledFromWorker is returned by blocking operations invoked from a
	// worker thread, where waiting would stall the worker.
	ErrCalledFromWorker = errors.New("colorloop: blocking call from a worker thread")

	// ErrInvalidOption wraps configuration errors returned by New.
	ErrInvalidOption = errors.New("colorloop: invalid option")

	// ErrUnsupported is returned by New on platforms without epoll.
	ErrUnsupported = errors.New("colorloop: platform not supported")
)

// Fatal errors. These are never returned, they are carried by a
// [*FatalError] panic.
var (
	ErrNilCallback         = errors.New("colorloop: nil callback")
	ErrColorOutOfRange     = errors.New("colorloop: color out of range")
	ErrInvalidPinnedWorker = errors.New("colorloop: pinned worker out of range")
	ErrDuplicateFDCallback = errors.New("colorloop: same callback posted twice on fd")
	ErrFDOutOfRange        = errors.New("colorloop: fd out of range")
	ErrReactor             = errors.New("colorloop: reactor failure")
	ErrCorrupted           = errors.New("colorloop: scheduler state corrupted")
)

// FatalError indicates a programmer error or a broken invariant, after which
// the runtime's data structures cannot be trusted. It is raised by panic,
// and is re-panicked if it escapes a task, terminating the process.
type FatalError struct {
	Err error
	Op  string
}

func (e *FatalError) Error() string {
	return "colorloop: fatal: " + e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatal logs at emergency level, then panics with a *FatalError.
func (r *Runtime) fatal(op string, err error) {
	fe := &FatalError{Op: op, Err: err}
	r.logger.Emerg().
		Str(`op`, op).
		Err(err).
		Int(`worker`, CurrentWorker()).
		Log(`colorloop: fatal error`)
	panic(fe)
}
