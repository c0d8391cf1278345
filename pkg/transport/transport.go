// Package transport implements the CHPP transport layer: a reliable,
// ordered datagram service over an unreliable byte link, using a sliding
// window of one with explicit ACK/NACK packets.
//
// A Transport pairs a receive state machine that reassembles datagrams
// from wire packets with a transmit engine that fragments queued
// datagrams to the link MTU. A dedicated worker goroutine performs all
// link sends; receive processing happens on the link's delivery
// goroutine. Synchronization with the peer is established by a reset
// handshake and re-established after repeated delivery failures.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/common"
	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/metrics"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTxTimeout        = 100 * time.Millisecond
	DefaultMaxTxAttempts    = 4
	DefaultResetTimeout     = 500 * time.Millisecond
	DefaultMaxResetAttempts = 3
	DefaultMaxRxDatagramLen = 1 << 20
)

// txDatagramQueueLen is the capacity of the transmit datagram queue.
const txDatagramQueueLen = 16

// ackWindowSize is the ACK window advertised during the reset handshake.
// The transmit engine keeps at most one packet in flight.
const ackWindowSize = 1

// initialSentSeq is the cleared value of sentSeq: the predecessor of the
// first payload sequence number, so that a freshly cleared state machine
// may transmit immediately (receivedAckSeq equals sentSeq+1).
const initialSentSeq = 0xFF

var (
	// ErrPermanentFailure is returned once reset retries are exhausted.
	ErrPermanentFailure = errors.New("transport is in permanent failure")
	// ErrLoopbackBusy is returned while a loopback request is outstanding.
	ErrLoopbackBusy = errors.New("loopback request already outstanding")
	// ErrLoopbackPayload is returned for an empty or oversized loopback payload.
	ErrLoopbackPayload = errors.New("loopback payload empty or exceeds MTU")
	// ErrLoopbackTimeout is returned when no loopback response arrives in time.
	ErrLoopbackTimeout = errors.New("timed out waiting for loopback response")
)

// Config carries transport tuning parameters. The zero value is usable:
// New fills in defaults.
type Config struct {
	// Name labels this transport instance in logs and metrics.
	Name string

	// Version is advertised in the reset handshake.
	Version packet.Version

	// TxTimeout is how long to wait for an ACK before retransmitting.
	TxTimeout time.Duration

	// MaxTxAttempts bounds transmissions of a single fragment before the
	// transport escalates to a reset.
	MaxTxAttempts int

	// ResetTimeout is how long to wait for a reset-ack before retrying.
	ResetTimeout time.Duration

	// MaxResetAttempts bounds reset retries before permanent failure.
	MaxResetAttempts int

	// MaxRxDatagramLen bounds the reassembled size of a received datagram.
	// Growth past the bound is refused with an OOM NACK.
	MaxRxDatagramLen int

	// DisableChecksum selects the constant-footer mode for peers without
	// checksum support.
	DisableChecksum bool
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "chpp0",
		Version:          packet.Version{Major: 1},
		TxTimeout:        DefaultTxTimeout,
		MaxTxAttempts:    DefaultMaxTxAttempts,
		ResetTimeout:     DefaultResetTimeout,
		MaxResetAttempts: DefaultMaxResetAttempts,
		MaxRxDatagramLen: DefaultMaxRxDatagramLen,
	}
}

// Receiver consumes reassembled datagrams and reset notifications. Both
// callbacks run without transport locks held; ProcessRxDatagram owns the
// buffer until it hands it back via DatagramProcessingDone.
type Receiver interface {
	ProcessRxDatagram(buf []byte)
	ProcessReset()
}

// rxState enumerates the receive state machine positions.
type rxState uint8

const (
	statePreamble rxState = iota
	stateHeader
	statePayload
	stateFooter
)

func (s rxState) String() string {
	switch s {
	case statePreamble:
		return "preamble"
	case stateHeader:
		return "header"
	case statePayload:
		return "payload"
	case stateFooter:
		return "footer"
	default:
		return "invalid"
	}
}

// rxStatus tracks receive-side progress and peer acknowledgment state.
type rxStatus struct {
	state         rxState
	locInState    int
	locInDatagram int

	expectedSeq       uint8
	receivedAckSeq    uint8
	receivedErrorCode packet.ErrorCode
}

// txStatus tracks transmit-side progress. The three atomic fields form
// the lock-free path shared with link send-done callbacks, which must
// never take the transport mutex.
type txStatus struct {
	sentSeq            uint8
	sentAckSeq         uint8
	packetCodeToSend   packet.Code
	txAttempts         int
	sentLocInDatagram  int
	ackedLocInDatagram int

	hasPacketsToSend atomic.Bool
	linkBusy         atomic.Bool
	lastTxTime       atomic.Int64 // unix nanoseconds of the last send-done
}

// txDatagramQueue is a fixed circular queue of pending outbound datagrams.
type txDatagramQueue struct {
	front     int
	pending   int
	datagrams [txDatagramQueueLen][]byte
}

// Transport is one endpoint of a CHPP link. Create with New, attach an
// application with Bind, then Start.
type Transport struct {
	cfg      Config
	link     link.Link
	rxMTU    int // largest payload we accept per packet
	checksum packet.Checksummer
	pool     *common.BufferPool
	timers   *TimerManager
	notifier *Notifier

	mu       sync.Mutex
	receiver Receiver
	txMTU    int // largest payload we send per packet; may shrink at reset

	rx          rxStatus
	rxHeader    packet.Header
	rxHeaderBuf [packet.HeaderLen]byte
	rxFooterBuf [packet.FooterLen]byte
	rxFooter    uint32
	rxDatagram  []byte

	tx      txStatus
	txQueue txDatagramQueue

	resetState ResetState
	resetCount int
	resetTime  time.Time
	resetDone  chan struct{}

	loopback loopbackState

	// pendingTx holds the packet assembly buffer of an in-flight send so
	// SendDone can return it to the pool without the transport mutex.
	pendingTx atomic.Pointer[[]byte]

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a transport over l. The link is not opened until Start.
func New(l link.Link, cfg Config) *Transport {
	if cfg.Name == "" {
		cfg.Name = "chpp0"
	}
	if cfg.Version == (packet.Version{}) {
		cfg.Version = packet.Version{Major: 1}
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	if cfg.MaxTxAttempts <= 0 {
		cfg.MaxTxAttempts = DefaultMaxTxAttempts
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.MaxResetAttempts <= 0 {
		cfg.MaxResetAttempts = DefaultMaxResetAttempts
	}
	if cfg.MaxRxDatagramLen <= 0 {
		cfg.MaxRxDatagramLen = DefaultMaxRxDatagramLen
	}

	mtu := packet.PayloadCapacity(l.MTU())
	t := &Transport{
		cfg:      cfg,
		link:     l,
		rxMTU:    mtu,
		txMTU:    mtu,
		checksum: packet.Checksummer{Disabled: cfg.DisableChecksum},
		pool:     common.NewBufferPool(l.MTU()),
		timers:   NewTimerManager(),
		notifier: NewNotifier(),
	}
	t.clearStateLocked()
	// The handshake gate starts closed: until a reset cycle completes,
	// WaitForResetComplete blocks and EnqueueTxDatagram refuses traffic.
	t.resetState = ResetStateResetting
	t.resetDone = make(chan struct{})
	return t
}

// Bind attaches the datagram receiver. Must be called before Start for
// received datagrams to be delivered; without a receiver they are dropped.
func (t *Transport) Bind(r Receiver) {
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
}

// Start opens the link and launches the worker goroutine, which begins
// the reset handshake immediately.
func (t *Transport) Start() error {
	if err := t.link.Open(t); err != nil {
		return fmt.Errorf("failed to open link: %w", err)
	}
	t.wg.Add(1)
	go t.workThread()
	return nil
}

// Stop terminates the worker goroutine and the timer manager. It does not
// close the link; that remains the caller's responsibility.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.notifier.Signal(SignalExit)
		t.wg.Wait()
		t.timers.Stop()
	})
}

// TimerManager returns the timer manager shared with the application layer.
func (t *Transport) TimerManager() *TimerManager {
	return t.timers
}

// BufferPool returns the buffer pool shared with the application layer.
func (t *Transport) BufferPool() *common.BufferPool {
	return t.pool
}

// Name returns the instance name used in logs and metrics.
func (t *Transport) Name() string {
	return t.cfg.Name
}

// MTU returns the current maximum payload carried per packet on transmit.
func (t *Transport) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txMTU
}

// DatagramProcessingDone returns a delivered datagram buffer to the pool.
// The application must call it exactly once per delivered datagram.
func (t *Transport) DatagramProcessingDone(buf []byte) {
	t.pool.Put(buf)
}

// clearStateLocked returns the protocol state machine to its post-reset
// base: empty queues, sequence tracking at the origin, no partial packet.
// Link parameters and the reset bookkeeping fields are preserved.
func (t *Transport) clearStateLocked() {
	if t.rxDatagram != nil {
		t.pool.Put(t.rxDatagram)
		t.rxDatagram = nil
	}
	for i := range t.txQueue.datagrams {
		if t.txQueue.datagrams[i] != nil {
			t.pool.Put(t.txQueue.datagrams[i])
			t.txQueue.datagrams[i] = nil
		}
	}
	t.txQueue.front = 0
	t.txQueue.pending = 0
	metrics.TxQueueDepth.WithLabelValues(t.cfg.Name).Set(0)

	// A pending echo rides on packetCodeToSend, which is about to be
	// dropped, so its buffer goes back to the pool. An outstanding
	// loopback request is left to time out in RunLoopback.
	if t.loopback.echo != nil {
		t.pool.Put(t.loopback.echo)
		t.loopback.echo = nil
	}

	// Any peer MTU adopted during a previous handshake is forgotten.
	t.txMTU = t.rxMTU

	t.rx.state = statePreamble
	t.rx.locInState = 0
	t.rx.locInDatagram = 0
	t.rx.expectedSeq = 0
	t.rx.receivedAckSeq = 0
	t.rx.receivedErrorCode = packet.ErrorNone
	t.rxHeader = packet.Header{}

	t.tx.sentSeq = initialSentSeq
	t.tx.sentAckSeq = 0
	t.tx.packetCodeToSend = packet.MakeCode(packet.AttrNone, packet.ErrorNone)
	t.tx.txAttempts = 0
	t.tx.sentLocInDatagram = 0
	t.tx.ackedLocInDatagram = 0
	t.tx.hasPacketsToSend.Store(false)

	if t.tx.linkBusy.Load() {
		logging.Debug("resetting busy link", zap.String("instance", t.cfg.Name))
		t.link.Reset()
		t.tx.linkBusy.Store(false)
	}
}

// setRxStateLocked moves the receive state machine to a new state.
func (t *Transport) setRxStateLocked(s rxState) {
	t.rx.state = s
	t.rx.locInState = 0
}
