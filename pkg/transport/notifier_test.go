package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ==================== Notifier Tests ====================

// TestNotifierSignalBeforeWait verifies that a signal posted before the
// wait is returned immediately.
func TestNotifierSignalBeforeWait(t *testing.T) {
	n := NewNotifier()
	n.Signal(SignalEvent)
	require.Equal(t, SignalEvent, n.Wait())
}

// TestNotifierAccumulatesBits verifies that multiple signals OR together
// and are claimed in one wait.
func TestNotifierAccumulatesBits(t *testing.T) {
	n := NewNotifier()
	n.Signal(SignalEvent)
	n.Signal(SignalExit)
	n.Signal(1 << 16)
	require.Equal(t, SignalEvent|SignalExit|1<<16, n.Wait())
}

// TestNotifierWakesBlockedWaiter verifies that a signal wakes a waiter
// already blocked in Wait.
func TestNotifierWakesBlockedWaiter(t *testing.T) {
	n := NewNotifier()
	got := make(chan uint32, 1)
	go func() { got <- n.Wait() }()

	time.Sleep(time.Millisecond)
	n.Signal(SignalExit)

	select {
	case bits := <-got:
		require.Equal(t, SignalExit, bits)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}

// TestNotifierWaitTimeoutExpires verifies that WaitTimeout returns zero
// on a pure timeout, including when a stale wakeup token is left over
// from an earlier claimed signal.
func TestNotifierWaitTimeoutExpires(t *testing.T) {
	n := NewNotifier()
	n.Signal(SignalEvent)
	require.Equal(t, SignalEvent, n.Wait())

	require.Zero(t, n.WaitTimeout(2*time.Millisecond))
}

// TestNotifierWaitTimeoutSeesLateSignal verifies that a signal arriving
// during the timed wait is returned before the timeout.
func TestNotifierWaitTimeoutSeesLateSignal(t *testing.T) {
	n := NewNotifier()
	go func() {
		time.Sleep(2 * time.Millisecond)
		n.Signal(SignalEvent)
	}()
	require.Equal(t, SignalEvent, n.WaitTimeout(time.Second))
}

// TestNotifierConcurrentSignals verifies that no signal bit is lost under
// concurrent signaling.
func TestNotifierConcurrentSignals(t *testing.T) {
	n := NewNotifier()
	var wg sync.WaitGroup
	for bit := 0; bit < 16; bit++ {
		wg.Add(1)
		go func(bit int) {
			defer wg.Done()
			n.Signal(1 << (16 + bit))
		}(bit)
	}
	wg.Wait()

	var seen uint32
	for seen != 0xFFFF0000 {
		bits := n.WaitTimeout(time.Second)
		require.NotZero(t, bits, "missing bits: have %08x", seen)
		seen |= bits
	}
}
