package transport

import (
	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/metrics"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// RxData consumes bytes received from the link, advancing the receive
// state machine across however many packet boundaries the chunk spans.
// It implements link.Callbacks and must not be called concurrently with
// itself. The return value reports whether the state machine is idle
// between packets after the chunk, letting drivers skip padding.
func (t *Transport) RxData(buf []byte) bool {
	metrics.BytesRxTotal.WithLabelValues(t.cfg.Name).Add(float64(len(buf)))

	t.mu.Lock()
	consumed := 0
	for consumed < len(buf) {
		switch t.rx.state {
		case statePreamble:
			consumed += t.consumePreambleLocked(buf[consumed:])
		case stateHeader:
			consumed += t.consumeHeaderLocked(buf[consumed:])
		case statePayload:
			consumed += t.consumePayloadLocked(buf[consumed:])
		case stateFooter:
			consumed += t.consumeFooterLocked(buf[consumed:])
		}
	}
	idle := t.rx.state == statePreamble && t.rx.locInState == 0
	t.mu.Unlock()
	return idle
}

// consumePreambleLocked scans for the packet preamble byte by byte. A
// failed match falls back to position one when the offending byte could
// itself begin a preamble, so overlapping false starts are not missed.
func (t *Transport) consumePreambleLocked(buf []byte) int {
	consumed := 0
	for consumed < len(buf) && t.rx.locInState < packet.PreambleLen {
		b := buf[consumed]
		switch {
		case t.rx.locInState == 0 && b == packet.PreambleByte0:
			t.rx.locInState = 1
		case t.rx.locInState == 1 && b == packet.PreambleByte1:
			t.rx.locInState = 2
		case b == packet.PreambleByte0:
			t.rx.locInState = 1
		default:
			t.rx.locInState = 0
		}
		consumed++
	}

	if t.rx.locInState == packet.PreambleLen {
		t.setRxStateLocked(stateHeader)
	}
	return consumed
}

// consumeHeaderLocked accumulates the packed transport header. Once
// complete, the header is validated and the state machine either starts
// collecting payload, skips ahead to the footer, or rejects the packet
// with a NACK.
func (t *Transport) consumeHeaderLocked(buf []byte) int {
	n := copy(t.rxHeaderBuf[t.rx.locInState:], buf)
	t.rx.locInState += n
	if t.rx.locInState < packet.HeaderLen {
		return n
	}

	t.rxHeader, _ = packet.DecodeHeader(t.rxHeaderBuf[:])

	if code := t.rxHeaderCheckLocked(); code != packet.ErrorNone {
		logging.Warn("rejecting packet header",
			zap.String("instance", t.cfg.Name),
			zap.String("error", code.String()),
			zap.Uint8("seq", t.rxHeader.Seq),
			zap.Uint8("expectedSeq", t.rx.expectedSeq),
			zap.Uint16("length", t.rxHeader.Length))
		t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, code))
		t.setRxStateLocked(statePreamble)
	} else if t.rxHeader.Length == 0 {
		t.setRxStateLocked(stateFooter)
	} else if !t.growRxDatagramLocked(int(t.rxHeader.Length)) {
		logging.Error("datagram exceeds reassembly limit",
			zap.String("instance", t.cfg.Name),
			zap.Int("reassembled", t.rx.locInDatagram),
			zap.Uint16("fragmentLength", t.rxHeader.Length),
			zap.Int("limit", t.cfg.MaxRxDatagramLen))
		t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, packet.ErrorOOM))
		t.setRxStateLocked(statePreamble)
	} else {
		t.setRxStateLocked(statePayload)
	}
	return n
}

// consumePayloadLocked copies payload bytes into the reassembly buffer.
func (t *Transport) consumePayloadLocked(buf []byte) int {
	n := int(t.rxHeader.Length) - t.rx.locInState
	if n > len(buf) {
		n = len(buf)
	}
	copy(t.rxDatagram[t.rx.locInDatagram:], buf[:n])
	t.rx.locInDatagram += n
	t.rx.locInState += n

	if t.rx.locInState == int(t.rxHeader.Length) {
		t.setRxStateLocked(stateFooter)
	}
	return n
}

// consumeFooterLocked accumulates the checksum footer and, once complete,
// dispatches the packet.
func (t *Transport) consumeFooterLocked(buf []byte) int {
	n := copy(t.rxFooterBuf[t.rx.locInState:], buf)
	t.rx.locInState += n
	if t.rx.locInState < packet.FooterLen {
		return n
	}

	t.rxFooter, _ = packet.DecodeFooter(t.rxFooterBuf[:])
	metrics.PacketsRxTotal.WithLabelValues(t.cfg.Name).Inc()
	t.dispatchRxPacketLocked()
	t.setRxStateLocked(statePreamble)
	return n
}

// rxHeaderCheckLocked validates a completed header against current state.
// Control packets pass regardless of sequence number; a payload-bearing
// packet must carry exactly the expected sequence number.
func (t *Transport) rxHeaderCheckLocked() packet.ErrorCode {
	if int(t.rxHeader.Length) > t.rxMTU {
		return packet.ErrorBadHeader
	}
	if t.rxHeader.Length > 0 &&
		t.rxHeader.Code.Attr() == packet.AttrNone &&
		t.rxHeader.Seq != t.rx.expectedSeq {
		return packet.ErrorOutOfOrder
	}
	return packet.ErrorNone
}

// growRxDatagramLocked extends the reassembly buffer by n bytes, copying
// through the pool when capacity is insufficient. Returns false when the
// configured reassembly bound would be exceeded.
func (t *Transport) growRxDatagramLocked(n int) bool {
	need := len(t.rxDatagram) + n
	if need > t.cfg.MaxRxDatagramLen {
		return false
	}
	if cap(t.rxDatagram) >= need {
		t.rxDatagram = t.rxDatagram[:need]
		return true
	}

	grown := t.pool.GetSize(need)
	copy(grown, t.rxDatagram[:t.rx.locInDatagram])
	if t.rxDatagram != nil {
		t.pool.Put(t.rxDatagram)
	}
	t.rxDatagram = grown
	return true
}

// rxPayloadLocked returns the just-received packet's payload bytes within
// the reassembly buffer. Valid only while processing the footer.
func (t *Transport) rxPayloadLocked() []byte {
	n := int(t.rxHeader.Length)
	return t.rxDatagram[t.rx.locInDatagram-n : t.rx.locInDatagram]
}

// rxAbortPacketLocked reverts the reassembly accounting for the packet
// just received, so a retried fragment lands at the correct offset. The
// buffer is released once nothing of the datagram remains.
func (t *Transport) rxAbortPacketLocked() {
	n := int(t.rxHeader.Length)
	if n == 0 {
		return
	}
	t.rx.locInDatagram -= n
	t.rxDatagram = t.rxDatagram[:len(t.rxDatagram)-n]
	if len(t.rxDatagram) == 0 {
		t.pool.Put(t.rxDatagram)
		t.rxDatagram = nil
	}
}

// rxChecksumOKLocked recomputes the packet checksum over the received
// header and payload and compares it to the footer.
func (t *Transport) rxChecksumOKLocked() bool {
	return t.checksum.ValidateSplit(t.rxHeaderBuf[:], t.rxPayloadLocked(), t.rxFooter)
}

// dispatchRxPacketLocked routes a fully received packet. Loopback traffic
// is examined before checksum validation so the echo path exercises the
// raw receive chain end to end.
func (t *Transport) dispatchRxPacketLocked() {
	attr := t.rxHeader.Code.Attr()
	switch {
	case t.resetState == ResetStatePermanentFailure:
		logging.Debug("discarding packet in permanent failure",
			zap.String("instance", t.cfg.Name))
		t.rxAbortPacketLocked()

	case attr == packet.AttrLoopbackRequest:
		t.handleLoopbackRequestLocked()

	case attr == packet.AttrLoopbackResponse:
		t.handleLoopbackResponseLocked()

	case !t.rxChecksumOKLocked():
		logging.Error("discarding packet with bad checksum",
			zap.String("instance", t.cfg.Name),
			zap.Uint8("seq", t.rxHeader.Seq),
			zap.Uint16("length", t.rxHeader.Length))
		metrics.ChecksumErrorsTotal.WithLabelValues(t.cfg.Name).Inc()
		t.rxAbortPacketLocked()
		t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, packet.ErrorChecksum))

	case attr == packet.AttrReset:
		t.processResetLocked()

	case attr == packet.AttrResetAck:
		t.processResetAckLocked()

	case attr != packet.AttrNone:
		logging.Warn("discarding packet with unknown attribute",
			zap.String("instance", t.cfg.Name),
			zap.Uint8("attr", uint8(attr)))
		t.rxAbortPacketLocked()

	case t.resetState != ResetStateNone:
		logging.Warn("discarding packet while not synchronized",
			zap.String("instance", t.cfg.Name),
			zap.String("resetState", t.resetState.String()),
			zap.Uint8("seq", t.rxHeader.Seq))
		t.rxAbortPacketLocked()

	default:
		t.rx.receivedErrorCode = t.rxHeader.Code.ErrorCode()
		if t.rx.receivedErrorCode != packet.ErrorNone {
			logging.Warn("peer rejected packet",
				zap.String("instance", t.cfg.Name),
				zap.String("error", t.rx.receivedErrorCode.String()),
				zap.Uint8("ackSeq", t.rxHeader.AckSeq))
		}
		t.registerRxAckLocked()

		// More to send: kick the transmit engine with the fresh ACK state.
		if t.txQueue.pending > 0 {
			t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, packet.ErrorNone))
		}

		if t.rxHeader.Length > 0 {
			t.processRxPayloadLocked()
		} else {
			logging.Debug("received ACK-only packet",
				zap.String("instance", t.cfg.Name),
				zap.Uint8("ackSeq", t.rxHeader.AckSeq))
		}
	}
}

// processRxPayloadLocked accepts the payload of a validated packet,
// advances the expected sequence number, and delivers the datagram to the
// bound receiver once the final fragment arrives. Always finishes by
// enqueuing a packet carrying the updated ACK.
func (t *Transport) processRxPayloadLocked() {
	t.rx.expectedSeq = t.rxHeader.Seq + 1

	if t.rxHeader.Unfinished() {
		logging.Debug("received datagram fragment",
			zap.String("instance", t.cfg.Name),
			zap.Uint8("seq", t.rxHeader.Seq),
			zap.Uint16("length", t.rxHeader.Length),
			zap.Int("reassembled", t.rx.locInDatagram))
	} else {
		datagram := t.rxDatagram
		t.rxDatagram = nil
		t.rx.locInDatagram = 0
		receiver := t.receiver

		logging.Debug("delivering datagram",
			zap.String("instance", t.cfg.Name),
			zap.Uint8("seq", t.rxHeader.Seq),
			zap.Int("length", len(datagram)))

		// The receiver runs unlocked so it may enqueue responses.
		t.mu.Unlock()
		if receiver != nil {
			metrics.DatagramsDeliveredTotal.WithLabelValues(t.cfg.Name).Inc()
			receiver.ProcessRxDatagram(datagram)
		} else {
			logging.Warn("dropping datagram, no receiver bound",
				zap.String("instance", t.cfg.Name),
				zap.Int("length", len(datagram)))
			metrics.DatagramsDroppedTotal.WithLabelValues(t.cfg.Name).Inc()
			t.pool.Put(datagram)
		}
		t.mu.Lock()
	}

	t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, packet.ErrorNone))
}

// registerRxAckLocked processes the ACK value of a received packet. Only
// an increment of exactly one registers; anything else is logged and
// ignored so duplicate or reordered ACKs cannot corrupt transmit state.
func (t *Transport) registerRxAckLocked() {
	ackSeq := t.rxHeader.AckSeq
	if t.rx.receivedAckSeq == ackSeq {
		return
	}
	if t.rx.receivedAckSeq+1 != ackSeq {
		logging.Warn("ignoring out-of-order ACK",
			zap.String("instance", t.cfg.Name),
			zap.Uint8("lastAckSeq", t.rx.receivedAckSeq),
			zap.Uint8("ackSeq", ackSeq))
		return
	}

	t.rx.receivedAckSeq = ackSeq
	t.rx.receivedErrorCode = packet.ErrorNone
	t.tx.txAttempts = 0

	if t.txQueue.pending == 0 {
		return
	}

	// One ACK acknowledges one MTU-sized slice of the front datagram.
	t.tx.ackedLocInDatagram += t.txMTU
	if t.tx.ackedLocInDatagram >= len(t.txQueue.datagrams[t.txQueue.front]) {
		t.tx.ackedLocInDatagram = 0
		t.tx.sentLocInDatagram = 0
		t.dequeueTxDatagramLocked()
	}
}
