package coap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestLoop starts l.Run on its own goroutine and registers cleanup to
// stop it once the test finishes.
func startTestLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestLoopInvokeSyncFromOtherGoroutine(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	v, err := l.InvokeSync(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestLoopInvokeSyncPropagatesError(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	_, err := l.InvokeSync(func() (any, error) { return nil, ErrInternal })
	assert.ErrorIs(t, err, ErrInternal)
}

func TestLoopInvokeAsyncFIFOOrdering(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	var (
		mu  sync.Mutex
		out []int
	)
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, l.InvokeAsync(func() {
			mu.Lock()
			out = append(out, i)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, out)
}

func TestLoopInvokeSyncInlineWhenCalledFromLoopThread(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	var nestedRan bool
	_, err := l.InvokeSync(func() (any, error) {
		// calling InvokeSync again from the loop thread must run inline,
		// not deadlock waiting on itself.
		_, innerErr := l.InvokeSync(func() (any, error) {
			nestedRan = true
			return nil, nil
		})
		return nil, innerErr
	})
	require.NoError(t, err)
	assert.True(t, nestedRan)
}

func TestLoopScheduleTimerFires(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	fired := make(chan struct{})
	_, err := l.ScheduleTimer(10*time.Millisecond, func() {
		close(fired)
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopScheduleTimerCancel(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	var fired atomic.Bool
	cancel, err := l.ScheduleTimer(50*time.Millisecond, func() {
		fired.Store(true)
	})
	require.NoError(t, err)
	cancel()

	time.Sleep(150 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestLoopRequestTerminationRejectsNewWork(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	l.RequestTermination()

	// give the loop a moment to observe the drained queue and terminate.
	deadline := time.Now().Add(2 * time.Second)
	for l.state.Load() != loopStateTerminated && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, loopStateTerminated, l.state.Load())

	err := l.InvokeAsync(func() {})
	assert.ErrorIs(t, err, ErrLoopTerminated)
}

func TestLoopCloseStopsLoopAndIsIdempotent(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	require.NoError(t, l.Close())
	require.NoError(t, l.Close()) // idempotent
	<-done

	_, err := l.InvokeSync(func() (any, error) { return nil, nil })
	assert.Error(t, err)
}

func TestLoopSafeExecuteRecoversPanic(t *testing.T) {
	l := NewLoop()
	startTestLoop(t, l)

	// a panicking task must not take down the loop; subsequent work still runs.
	require.NoError(t, l.InvokeAsync(func() { panic("boom") }))

	v, err := l.InvokeSync(func() (any, error) { return "still alive", nil })
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestGlobalLoopIsSingleton(t *testing.T) {
	a := GlobalLoop()
	b := GlobalLoop()
	assert.Same(t, a, b)
}
