package coap

import "sync/atomic"

// loopState is the [Loop]'s lock-free state machine: pure atomic CAS over
// a small enum, no mutex.
type loopState uint32

const (
	loopStateAwake loopState = iota
	loopStateRunning
	loopStateTerminating
	loopStateTerminated
)

func (s loopState) String() string {
	switch s {
	case loopStateAwake:
		return "Awake"
	case loopStateRunning:
		return "Running"
	case loopStateTerminating:
		return "Terminating"
	case loopStateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// atomicLoopState wraps an atomic.Uint32 typed as loopState.
type atomicLoopState struct {
	v atomic.Uint32
}

func newAtomicLoopState() *atomicLoopState {
	s := &atomicLoopState{}
	s.v.Store(uint32(loopStateAwake))
	return s
}

func (s *atomicLoopState) Load() loopState { return loopState(s.v.Load()) }

func (s *atomicLoopState) Store(state loopState) { s.v.Store(uint32(state)) }

func (s *atomicLoopState) TryTransition(from, to loopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
