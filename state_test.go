package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicLoopStateTryTransition(t *testing.T) {
	s := newAtomicLoopState()
	assert.Equal(t, loopStateAwake, s.Load())

	assert.True(t, s.TryTransition(loopStateAwake, loopStateRunning))
	assert.Equal(t, loopStateRunning, s.Load())

	// wrong "from" fails and leaves state untouched.
	assert.False(t, s.TryTransition(loopStateAwake, loopStateTerminating))
	assert.Equal(t, loopStateRunning, s.Load())

	assert.True(t, s.TryTransition(loopStateRunning, loopStateTerminating))
	s.Store(loopStateTerminated)
	assert.Equal(t, loopStateTerminated, s.Load())
}

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "Awake", loopStateAwake.String())
	assert.Equal(t, "Running", loopStateRunning.String())
	assert.Equal(t, "Terminating", loopStateTerminating.String())
	assert.Equal(t, "Terminated", loopStateTerminated.String())
	assert.Equal(t, "Unknown", loopState(99).String())
}
