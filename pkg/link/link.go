// Package link defines the physical-link contract the transport drives,
// plus adapters for in-process pairs, net.Conn streams, and serial ports.
//
// A link moves raw bytes. It knows nothing about packets: framing,
// ordering, and retransmission all live above it.
package link

// SendStatus describes how a Send call completed.
type SendStatus int

const (
	// SendComplete means the link consumed the buffer before returning.
	SendComplete SendStatus = iota
	// SendQueued means the send continues asynchronously; the link will
	// call Callbacks.SendDone exactly once when the buffer is released.
	SendQueued
)

// Callbacks is implemented by the transport bound to a link. SendDone may
// be invoked from any goroutine, including the link's own I/O loops, and
// must never block for long.
type Callbacks interface {
	// SendDone reports completion of a queued send. A nil error means the
	// bytes were handed to the medium.
	SendDone(err error)

	// RxData feeds received bytes to the transport. The return value
	// reports whether the receiver is idle between packets; drivers may
	// use it to skip padding bytes.
	RxData(data []byte) bool

	// SignalWorker wakes the transport worker with link-defined signal
	// bits (the platform range of the worker's signal mask).
	SignalWorker(bits uint32)
}

// Link is an abstract byte pipe to the peer endpoint.
type Link interface {
	// Open wires the link to its transport and starts any I/O loops.
	Open(cb Callbacks) error

	// Send transmits one packet's bytes. The caller must not touch buf
	// again until Send returns SendComplete or an error, or SendDone
	// fires for a queued send.
	Send(buf []byte) (SendStatus, error)

	// DoWork runs link-specific maintenance on the transport worker
	// goroutine, triggered by Callbacks.SignalWorker.
	DoWork(signal uint32)

	// Reset restores the link to a clean state after a transport reset.
	// Link parameters (addresses, baud rate) are preserved.
	Reset()

	// MTU returns the maximum link-layer packet size in bytes.
	MTU() int

	// Close tears the link down. Further Sends fail.
	Close() error
}

// DefaultMTU fits a 1024-byte transport payload plus framing.
const DefaultMTU = 1038
