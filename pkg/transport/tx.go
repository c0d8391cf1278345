package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/metrics"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// EnqueueTxDatagram queues buf for transmission, taking ownership of it.
// The buffer is returned to the pool once fully acknowledged. Returns
// false, releasing the buffer, if the datagram is empty, the queue is
// full, or the transport is not synchronized with the peer.
func (t *Transport) EnqueueTxDatagram(buf []byte) bool {
	t.mu.Lock()

	var reason string
	switch {
	case len(buf) == 0:
		reason = "empty datagram"
	case t.resetState == ResetStatePermanentFailure:
		reason = "permanent failure"
	case t.resetState != ResetStateNone:
		reason = "not synchronized"
	case t.txQueue.pending >= txDatagramQueueLen:
		reason = "queue full"
	}
	if reason != "" {
		t.mu.Unlock()
		logging.Error("cannot enqueue tx datagram",
			zap.String("instance", t.cfg.Name),
			zap.String("reason", reason),
			zap.Int("length", len(buf)))
		metrics.DatagramsDroppedTotal.WithLabelValues(t.cfg.Name).Inc()
		t.pool.Put(buf)
		return false
	}

	end := (t.txQueue.front + t.txQueue.pending) % txDatagramQueueLen
	t.txQueue.datagrams[end] = buf
	t.txQueue.pending++
	metrics.TxQueueDepth.WithLabelValues(t.cfg.Name).Set(float64(t.txQueue.pending))

	logging.Debug("queued tx datagram",
		zap.String("instance", t.cfg.Name),
		zap.Int("length", len(buf)),
		zap.Int("pending", t.txQueue.pending))

	if t.txQueue.pending == 1 {
		t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, packet.ErrorNone))
	}
	t.mu.Unlock()
	return true
}

// EnqueueTxError requests transmission of an application-triggered NACK,
// typically when a delivered datagram could not be processed.
func (t *Transport) EnqueueTxError(code packet.ErrorCode) {
	switch code {
	case packet.ErrorOOM, packet.ErrorAppLayer:
		logging.Debug("enqueueing error packet",
			zap.String("instance", t.cfg.Name),
			zap.String("error", code.String()))
	default:
		logging.Warn("enqueueing unexpected error packet",
			zap.String("instance", t.cfg.Name),
			zap.String("error", code.String()))
	}

	t.mu.Lock()
	t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, code))
	t.mu.Unlock()
}

// enqueueTxPacketLocked records that a packet with the given code must go
// out and wakes the worker. Only one code is held at a time; with a
// window of one, a newer ACK value supersedes an unsent older one. A
// pending reset or reset-ack must reach the wire, so only another reset
// packet may take its place; absorbed kicks are redone after the control
// packet is sent.
func (t *Transport) enqueueTxPacketLocked(code packet.Code) {
	prev := t.tx.packetCodeToSend
	if t.tx.hasPacketsToSend.Load() {
		switch prev.Attr() {
		case packet.AttrReset, packet.AttrResetAck:
			if code.Attr() != packet.AttrReset && code.Attr() != packet.AttrResetAck {
				logging.Debug("keeping pending control packet",
					zap.String("instance", t.cfg.Name),
					zap.String("pending", prev.Attr().String()),
					zap.String("dropped", code.Attr().String()))
				t.notifier.Signal(SignalEvent)
				return
			}
		}
		if prev != code && prev != packet.MakeCode(packet.AttrNone, packet.ErrorNone) {
			logging.Debug("overwriting pending packet code",
				zap.String("instance", t.cfg.Name),
				zap.String("attr", prev.Attr().String()),
				zap.String("error", prev.ErrorCode().String()))
		}
	}
	t.tx.packetCodeToSend = code
	t.tx.hasPacketsToSend.Store(true)
	t.notifier.Signal(SignalEvent)
}

// dequeueTxDatagramLocked releases the fully acknowledged front datagram.
func (t *Transport) dequeueTxDatagramLocked() bool {
	if t.txQueue.pending == 0 {
		return false
	}
	t.pool.Put(t.txQueue.datagrams[t.txQueue.front])
	t.txQueue.datagrams[t.txQueue.front] = nil
	t.txQueue.front = (t.txQueue.front + 1) % txDatagramQueueLen
	t.txQueue.pending--
	metrics.TxQueueDepth.WithLabelValues(t.cfg.Name).Set(float64(t.txQueue.pending))

	logging.Debug("datagram fully acknowledged",
		zap.String("instance", t.cfg.Name),
		zap.Int("pending", t.txQueue.pending))
	return true
}

// doWork performs one transmit pass on the worker goroutine: if a packet
// is due and the link is free, assemble it and hand it to the link. A
// payload is attached when a datagram is queued and either all previous
// fragments are acknowledged or a NACK asks for a retransmit.
func (t *Transport) doWork() {
	t.mu.Lock()
	if !t.tx.hasPacketsToSend.Load() || t.tx.linkBusy.Load() {
		t.mu.Unlock()
		return
	}
	t.tx.linkBusy.Store(true)

	code := t.tx.packetCodeToSend
	t.tx.packetCodeToSend = packet.MakeCode(packet.AttrNone, packet.ErrorNone)
	t.tx.hasPacketsToSend.Store(false)

	header := packet.Header{
		Code:   code,
		AckSeq: t.rx.expectedSeq,
	}
	t.tx.sentAckSeq = header.AckSeq

	var payload []byte
	var echoBuf []byte

	switch code.Attr() {
	case packet.AttrReset, packet.AttrResetAck:
		// Control packets restart the sequence space at zero and carry
		// our configuration instead of queued data.
		payload = packet.EncodeResetConfig(&packet.ResetConfig{
			Version:    t.cfg.Version,
			RxMTU:      uint16(t.rxMTU + packet.FramingOverhead),
			WindowSize: ackWindowSize,
			TimeoutMs:  uint16(t.cfg.TxTimeout / time.Millisecond),
		})
		// Datagrams queued behind the control packet had their kicks
		// absorbed; schedule the follow-up pass.
		if t.txQueue.pending > 0 {
			t.tx.hasPacketsToSend.Store(true)
		}

	case packet.AttrLoopbackRequest:
		payload = t.loopback.request

	case packet.AttrLoopbackResponse:
		echoBuf = t.loopback.echo
		t.loopback.echo = nil
		payload = echoBuf

	default:
		if t.txQueue.pending > 0 && t.resetState == ResetStateNone {
			retransmit := t.rx.receivedErrorCode != packet.ErrorNone
			if retransmit || t.rx.receivedAckSeq == t.tx.sentSeq+1 {
				front := t.txQueue.datagrams[t.txQueue.front]
				header.Seq = t.rx.receivedAckSeq
				t.tx.sentSeq = header.Seq

				n := len(front) - t.tx.ackedLocInDatagram
				if n > t.txMTU {
					n = t.txMTU
					header.Flags = packet.FlagUnfinishedDatagram
				}
				payload = front[t.tx.ackedLocInDatagram : t.tx.ackedLocInDatagram+n]
				t.tx.sentLocInDatagram = t.tx.ackedLocInDatagram + n
				t.tx.txAttempts++

				if retransmit {
					t.rx.receivedErrorCode = packet.ErrorNone
					metrics.RetransmitsTotal.WithLabelValues(t.cfg.Name).Inc()
					logging.Info("retransmitting fragment",
						zap.String("instance", t.cfg.Name),
						zap.Uint8("seq", header.Seq),
						zap.Int("attempt", t.tx.txAttempts))
				}
			}
		}
	}

	buf := t.pool.GetSize(packet.FramingOverhead + len(payload))
	n := packet.EncodePacket(buf, &header, payload, t.checksum)
	out := buf[:n]
	t.pendingTx.Store(&buf)
	if echoBuf != nil {
		t.pool.Put(echoBuf)
	}

	metrics.PacketsTxTotal.WithLabelValues(t.cfg.Name).Inc()
	metrics.BytesTxTotal.WithLabelValues(t.cfg.Name).Add(float64(n))
	logging.Debug("sending packet",
		zap.String("instance", t.cfg.Name),
		zap.Uint8("seq", header.Seq),
		zap.Uint8("ackSeq", header.AckSeq),
		zap.String("attr", code.Attr().String()),
		zap.String("error", code.ErrorCode().String()),
		zap.Uint16("length", header.Length))
	t.mu.Unlock()

	status, err := t.link.Send(out)
	if err != nil {
		metrics.LinkSendErrorsTotal.WithLabelValues(t.cfg.Name).Inc()
		t.SendDone(err)
	} else if status == link.SendComplete {
		t.SendDone(nil)
	}
}

// SendDone implements link.Callbacks. It may run on any goroutine,
// including a link I/O loop, so it stays on the atomic-flag path and
// never takes the transport mutex.
func (t *Transport) SendDone(err error) {
	if err != nil {
		logging.Error("link send completed with failure",
			zap.String("instance", t.cfg.Name),
			zap.Error(err))
	}
	if buf := t.pendingTx.Swap(nil); buf != nil {
		t.pool.Put(*buf)
	}
	t.tx.lastTxTime.Store(time.Now().UnixNano())
	t.tx.linkBusy.Store(false)
	if t.tx.hasPacketsToSend.Load() {
		t.notifier.Signal(SignalEvent)
	}
}

// SignalWorker implements link.Callbacks, forwarding link-defined signal
// bits to the worker loop. Bits outside the platform range are masked.
func (t *Transport) SignalWorker(bits uint32) {
	t.notifier.Signal(bits & SignalPlatformMask)
}
