package transport

import (
	"sync"
	"time"
)

// Signal bits understood by the worker loop. The low half of the word
// belongs to the transport; the high half is reserved for link adapters
// and is forwarded to Link.DoWork untouched.
const (
	// SignalExit terminates the worker loop.
	SignalExit uint32 = 1 << 0
	// SignalEvent requests one transmit pass.
	SignalEvent uint32 = 1 << 1
	// SignalPlatformMask selects the link-adapter-defined signal bits.
	SignalPlatformMask uint32 = 0xFFFF0000
)

// Notifier is the wakeup primitive for the worker goroutine. Signal ORs
// bits into a pending set and wakes the waiter; Wait blocks until at
// least one bit is pending and returns the accumulated set, clearing it.
// Signal never blocks and is safe from any goroutine, so link adapters
// may call it from their I/O loops the way an ISR would on an embedded
// target.
type Notifier struct {
	mu   sync.Mutex
	bits uint32
	ch   chan struct{}
}

// NewNotifier returns a ready-to-use notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Signal adds bits to the pending set and wakes any waiter.
func (n *Notifier) Signal(bits uint32) {
	n.mu.Lock()
	n.bits |= bits
	n.mu.Unlock()

	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// take claims and clears the pending bits.
func (n *Notifier) take() uint32 {
	n.mu.Lock()
	bits := n.bits
	n.bits = 0
	n.mu.Unlock()
	return bits
}

// Wait blocks until at least one signal bit is pending and returns the
// accumulated set.
func (n *Notifier) Wait() uint32 {
	for {
		if bits := n.take(); bits != 0 {
			return bits
		}
		<-n.ch
	}
}

// WaitTimeout behaves like Wait but gives up after d, returning zero on a
// pure timeout.
func (n *Notifier) WaitTimeout(d time.Duration) uint32 {
	if bits := n.take(); bits != 0 {
		return bits
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-n.ch:
			// The channel token can be stale if a previous take already
			// claimed the bits it announced.
			if bits := n.take(); bits != 0 {
				return bits
			}
		case <-timer.C:
			return n.take()
		}
	}
}
