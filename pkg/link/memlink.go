package link

import (
	"errors"
	"sync"

	"github.com/chpp-org/gochpp/pkg/logging"
	"go.uber.org/zap"
)

// ErrLinkClosed is returned by Send after Close.
var ErrLinkClosed = errors.New("link closed")

const memLinkQueueLen = 64

// MemLink is one end of an in-process link pair. Bytes written to one end
// are delivered to the other end's transport on a dedicated goroutine,
// preserving order. Used by tests and the pingpong example.
type MemLink struct {
	name string
	mtu  int
	peer *MemLink

	mu     sync.Mutex
	cb     Callbacks
	rx     chan []byte
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMemPair creates two cross-connected in-memory links with the given
// link-layer MTU.
func NewMemPair(mtu int) (*MemLink, *MemLink) {
	a := &MemLink{name: "mem-a", mtu: mtu, rx: make(chan []byte, memLinkQueueLen), done: make(chan struct{})}
	b := &MemLink{name: "mem-b", mtu: mtu, rx: make(chan []byte, memLinkQueueLen), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Open starts the delivery goroutine for bytes arriving from the peer.
func (l *MemLink) Open(cb Callbacks) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	if l.cb != nil {
		return errors.New("link already open")
	}
	l.cb = cb

	l.wg.Add(1)
	go l.deliverLoop(cb)
	return nil
}

func (l *MemLink) deliverLoop(cb Callbacks) {
	defer l.wg.Done()
	for {
		select {
		case data := <-l.rx:
			cb.RxData(data)
		case <-l.done:
			return
		}
	}
}

// Send copies buf onto the peer's delivery queue. Always completes
// synchronously; a full peer queue drops the packet, modeling a lossy
// wire that the ARQ layer recovers from.
func (l *MemLink) Send(buf []byte) (SendStatus, error) {
	l.mu.Lock()
	peer := l.peer
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return SendComplete, ErrLinkClosed
	}

	data := make([]byte, len(buf))
	copy(data, buf)

	select {
	case peer.rx <- data:
	default:
		logging.Warn("mem link dropped packet, peer queue full",
			zap.String("link", l.name), zap.Int("len", len(data)))
	}
	return SendComplete, nil
}

// DoWork has nothing to maintain for an in-memory link.
func (l *MemLink) DoWork(signal uint32) {}

// Reset drains any bytes not yet delivered.
func (l *MemLink) Reset() {
	for {
		select {
		case <-l.rx:
		default:
			return
		}
	}
}

// MTU returns the link-layer MTU.
func (l *MemLink) MTU() int { return l.mtu }

// Close stops delivery. Safe to call more than once.
func (l *MemLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
