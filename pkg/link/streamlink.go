package link

import (
	"errors"
	"net"
	"sync"

	"github.com/chpp-org/gochpp/pkg/logging"
	"go.uber.org/zap"
)

// ErrSendBusy is returned when a send is attempted while one is already
// outstanding. The transport's link-busy discipline normally prevents this.
var ErrSendBusy = errors.New("link send already in progress")

const streamReadBufferLen = 4096

// StreamLink adapts any net.Conn (TCP, unix socket) into a Link. Useful
// for tunneling what would be a UART over a socket, e.g. between a daemon
// and a simulator. Writes happen on a dedicated goroutine with completion
// reported through Callbacks.SendDone.
type StreamLink struct {
	conn net.Conn
	mtu  int

	writeCh   chan []byte
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewStreamLink wraps an established connection. mtu bounds the packet
// size negotiated above; the stream itself has no record boundaries.
func NewStreamLink(conn net.Conn, mtu int) *StreamLink {
	return &StreamLink{
		conn:    conn,
		mtu:     mtu,
		writeCh: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
}

// Open starts the read and write loops.
func (l *StreamLink) Open(cb Callbacks) error {
	l.wg.Add(2)
	go l.readLoop(cb)
	go l.writeLoop(cb)
	return nil
}

func (l *StreamLink) readLoop(cb Callbacks) {
	defer l.wg.Done()
	buf := make([]byte, streamReadBufferLen)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			cb.RxData(buf[:n])
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				logging.Warn("stream link read failed",
					zap.String("remote", l.conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}
	}
}

func (l *StreamLink) writeLoop(cb Callbacks) {
	defer l.wg.Done()
	for {
		select {
		case buf := <-l.writeCh:
			_, err := l.conn.Write(buf)
			cb.SendDone(err)
		case <-l.done:
			return
		}
	}
}

// Send queues one packet for the write loop.
func (l *StreamLink) Send(buf []byte) (SendStatus, error) {
	select {
	case <-l.done:
		return SendComplete, ErrLinkClosed
	default:
	}

	select {
	case l.writeCh <- buf:
		return SendQueued, nil
	default:
		return SendComplete, ErrSendBusy
	}
}

// DoWork has no stream-specific maintenance.
func (l *StreamLink) DoWork(signal uint32) {}

// Reset drops any packet not yet written.
func (l *StreamLink) Reset() {
	select {
	case <-l.writeCh:
	default:
	}
}

// MTU returns the negotiated link-layer MTU.
func (l *StreamLink) MTU() int { return l.mtu }

// Close shuts the connection down and stops both loops.
func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.conn.Close()
		l.wg.Wait()
	})
	return l.closeErr
}
