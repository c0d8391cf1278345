package link

import (
	"fmt"
	"sync"
	"time"

	"github.com/chpp-org/gochpp/pkg/logging"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const serialReadBufferLen = 2048

// SerialConfig selects and configures the UART device.
type SerialConfig struct {
	Device   string // e.g. /dev/ttyUSB0
	BaudRate int    // e.g. 115200
	MTU      int    // link-layer MTU; DefaultMTU if zero
}

// SerialLink drives CHPP over a local UART using go.bug.st/serial.
type SerialLink struct {
	cfg  SerialConfig
	port serial.Port

	writeCh   chan []byte
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewSerialLink opens the UART device in 8N1 mode.
func NewSerialLink(cfg SerialConfig) (*SerialLink, error) {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial device %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Device, err)
	}
	return &SerialLink{
		cfg:     cfg,
		port:    port,
		writeCh: make(chan []byte, 1),
		done:    make(chan struct{}),
	}, nil
}

// Open starts the UART read and write loops.
func (l *SerialLink) Open(cb Callbacks) error {
	l.wg.Add(2)
	go l.readLoop(cb)
	go l.writeLoop(cb)
	return nil
}

func (l *SerialLink) readLoop(cb Callbacks) {
	defer l.wg.Done()
	buf := make([]byte, serialReadBufferLen)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			cb.RxData(buf[:n])
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				logging.Warn("serial link read failed",
					zap.String("device", l.cfg.Device), zap.Error(err))
			}
			return
		}
	}
}

func (l *SerialLink) writeLoop(cb Callbacks) {
	defer l.wg.Done()
	for {
		select {
		case buf := <-l.writeCh:
			_, err := l.port.Write(buf)
			cb.SendDone(err)
		case <-l.done:
			return
		}
	}
}

// Send queues one packet for the write loop.
func (l *SerialLink) Send(buf []byte) (SendStatus, error) {
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

// DoWork has no serial-specific maintenance.
func (l *SerialLink) DoWork(signal uint32) {}

// Reset flushes driver buffers and drops any unwritten packet.
func (l *SerialLink) Reset() {
	select {
	case <-l.writeCh:
	default:
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		logging.Warn("serial input buffer reset failed",
			zap.String("device", l.cfg.Device), zap.Error(err))
	}
}

// MTU returns the configured link-layer MTU.
func (l *SerialLink) MTU() int { return l.cfg.MTU }

// Close stops the loops and releases the device.
func (l *SerialLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.port.Close()
		l.wg.Wait()
	})
	return l.closeErr
}
