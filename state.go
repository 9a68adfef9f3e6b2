package colorloop

import (
	"sync/atomic"
)

// runState is the lifecycle of a Runtime.
//
//	stateAwake → stateRunning          [Run]
//	stateAwake → stateTerminated       [Shutdown before Run]
//	stateRunning → stateTerminating    [Shutdown, or Run's context done]
//	stateTerminating → stateTerminated [all workers returned]
type runState uint32

const (
	stateAwake runState = iota
	stateRunning
	stateTerminating
	stateTerminated
)

func (s runState) String() string {
	switch s {
	case stateAwake:
		return "Awake"
	case stateRunning:
		return "Running"
	case stateTerminating:
		return "Terminating"
	case stateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// atomicState is a CAS driven runState, padded to its own cache line.
type atomicState struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint32
	_ [60]byte //nolint:unused
}

func (x *atomicState) Load() runState {
	return runState(x.v.Load())
}

func (x *atomicState) Store(s runState) {
	x.v.Store(uint32(s))
}

func (x *atomicState) TryTransition(from, to runState) bool {
	return x.v.CompareAndSwap(uint32(from), uint32(to))
}
