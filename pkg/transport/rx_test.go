package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// ==================== Framing Tests ====================
//
// These tests verify the receive state machine: preamble detection over a
// raw byte stream, header validation, payload collection, and checksum
// verification, with the matching ACK or NACK emitted for each packet.

// TestRxDeliverSinglePacketDatagram verifies that a well-formed single-packet
// datagram is delivered to the receiver and acknowledged with the sequence
// number advanced by one.
func TestRxDeliverSinglePacketDatagram(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	payload := patternPayload(100)

	idle := helper.feed(buildDataPacket(0, 1, packet.FlagFinishedDatagram, payload))
	require.True(t, idle, "state machine should be idle between packets")

	require.Len(t, helper.recv.datagrams, 1)
	require.Equal(t, payload, helper.recv.datagrams[0])

	sent := helper.drainTx()
	require.Len(t, sent, 1)
	require.Equal(t, buildAckPacket(1), sent[0], "reply must be a bare ACK for seq 0")
}

// TestRxByteAtATime verifies that the state machine tolerates arbitrarily
// small delivery chunks: feeding a packet one byte at a time produces the
// same result as feeding it whole.
func TestRxByteAtATime(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	payload := patternPayload(37)
	raw := buildDataPacket(0, 0, packet.FlagFinishedDatagram, payload)

	for i, b := range raw {
		idle := helper.feed([]byte{b})
		if i < len(raw)-1 {
			require.False(t, idle, "must not be idle mid-packet at byte %d", i)
		} else {
			require.True(t, idle, "must be idle after the final byte")
		}
	}

	require.Len(t, helper.recv.datagrams, 1)
	require.Equal(t, payload, helper.recv.datagrams[0])
}

// TestRxTwoPacketsOneChunk verifies that multiple complete packets in a
// single delivery chunk are each processed, with the coalesced ACK
// carrying the final sequence number.
func TestRxTwoPacketsOneChunk(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	first := patternPayload(20)
	second := patternPayload(30)

	chunk := append(buildDataPacket(0, 0, packet.FlagFinishedDatagram, first),
		buildDataPacket(1, 0, packet.FlagFinishedDatagram, second)...)
	require.True(t, helper.feed(chunk))

	require.Len(t, helper.recv.datagrams, 2)
	require.Equal(t, first, helper.recv.datagrams[0])
	require.Equal(t, second, helper.recv.datagrams[1])

	// With a window of one, the two pending ACKs coalesce into a single
	// packet acknowledging the latest sequence number.
	sent := helper.drainTx()
	require.Len(t, sent, 1)
	h, _ := decodePacket(t, sent[0])
	require.Equal(t, uint8(2), h.AckSeq)
}

// TestRxGarbageBeforePreamble verifies that leading junk bytes are skipped
// and the packet that follows is still received.
func TestRxGarbageBeforePreamble(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	payload := patternPayload(16)

	junk := patternPayload(64)
	raw := append(junk, buildDataPacket(0, 0, packet.FlagFinishedDatagram, payload)...)
	require.True(t, helper.feed(raw))

	require.Len(t, helper.recv.datagrams, 1)
	require.Equal(t, payload, helper.recv.datagrams[0])
}

// TestRxOverlappingPreambleFalseStart verifies that a first preamble byte
// followed by junk does not desynchronize the scanner, including when the
// junk byte could itself start a preamble.
func TestRxOverlappingPreambleFalseStart(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	payload := patternPayload(8)

	junk := []byte{packet.PreambleByte0, 0x12, packet.PreambleByte0}
	raw := append(junk, buildDataPacket(0, 0, packet.FlagFinishedDatagram, payload)...)
	require.True(t, helper.feed(raw))

	require.Len(t, helper.recv.datagrams, 1)
	require.Equal(t, payload, helper.recv.datagrams[0])
}

// TestRxIdleStreamAllocatesNothing verifies that a stream of zeros leaves
// the state machine idle in the preamble state without touching the
// reassembly buffer or transmitting anything.
func TestRxIdleStreamAllocatesNothing(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())

	zeros := make([]byte, 1024)
	for i := 0; i < 4; i++ {
		require.True(t, helper.feed(zeros), "zeros must leave the machine idle")
	}

	require.Empty(t, helper.recv.datagrams)
	require.Zero(t, helper.ml.sentCount())
	helper.locked(func() {
		require.Equal(t, statePreamble, helper.tr.rx.state)
		require.Nil(t, helper.tr.rxDatagram, "no reassembly buffer may be allocated")
	})
}

// TestRxAckOnlyPacketDrawsNoReply verifies that a payload-free ACK is
// absorbed without generating a reply, so two idle endpoints cannot get
// stuck ping-ponging ACKs.
func TestRxAckOnlyPacketDrawsNoReply(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())

	require.True(t, helper.feed(buildAckPacket(0)))

	require.Empty(t, helper.recv.datagrams)
	require.Empty(t, helper.drainTx())
}

// ==================== Reassembly Tests ====================

// TestRxReassembleFragments verifies that a datagram split across packets
// flagged unfinished is delivered whole once the final fragment arrives,
// with each fragment individually acknowledged.
func TestRxReassembleFragments(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	part1 := patternPayload(600)
	part2 := patternPayload(400)

	require.True(t, helper.feed(buildDataPacket(0, 0, packet.FlagUnfinishedDatagram, part1)))
	require.Empty(t, helper.recv.datagrams, "nothing delivered before the final fragment")
	sent := helper.drainTx()
	require.Len(t, sent, 1)
	require.Equal(t, buildAckPacket(1), sent[0])

	require.True(t, helper.feed(buildDataPacket(1, 0, packet.FlagFinishedDatagram, part2)))
	sent = helper.drainTx()
	require.Len(t, sent, 1)
	require.Equal(t, buildAckPacket(2), sent[0])

	require.Len(t, helper.recv.datagrams, 1)
	require.Equal(t, append(append([]byte{}, part1...), part2...), helper.recv.datagrams[0])
}

// TestRxReassemblyLimit verifies that a fragment that would grow the
// reassembled datagram past the configured bound is refused with an OOM
// NACK while already-received fragments are retained.
func TestRxReassemblyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRxDatagramLen = 64
	helper := newTransportTestHelper(cfg)

	require.True(t, helper.feed(buildDataPacket(0, 0, packet.FlagUnfinishedDatagram, patternPayload(60))))
	sent := helper.drainTx()
	require.Len(t, sent, 1)
	require.Equal(t, buildAckPacket(1), sent[0])

	// The second fragment's header alone is enough to trip the bound.
	oversize := buildDataPacket(1, 0, packet.FlagUnfinishedDatagram, patternPayload(60))
	helper.feed(oversize[:packet.PreambleLen+packet.HeaderLen])

	sent = helper.drainTx()
	require.Len(t, sent, 1)
	h, _ := decodePacket(t, sent[0])
	require.Equal(t, packet.ErrorOOM, h.Code.ErrorCode())
	require.Equal(t, uint8(1), h.AckSeq, "expected sequence must not advance")

	require.Empty(t, helper.recv.datagrams)
	helper.locked(func() {
		require.Equal(t, 60, helper.tr.rx.locInDatagram, "first fragment must be retained")
	})
}

// ==================== Sequencing Tests ====================

// TestRxDuplicateSequenceRejected verifies that a packet repeating an
// already-delivered sequence number is rejected with an out-of-order NACK
// and that the stream recovers on the next in-order packet.
func TestRxDuplicateSequenceRejected(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	first := patternPayload(24)
	second := patternPayload(48)

	require.True(t, helper.feed(buildDataPacket(0, 0, packet.FlagFinishedDatagram, first)))
	require.Len(t, helper.drainTx(), 1)

	// Replay of seq 0: the header check rejects it before any payload.
	replay := buildDataPacket(0, 0, packet.FlagFinishedDatagram, first)
	helper.feed(replay[:packet.PreambleLen+packet.HeaderLen])

	sent := helper.drainTx()
	require.Len(t, sent, 1)
	h, _ := decodePacket(t, sent[0])
	require.Equal(t, packet.ErrorOutOfOrder, h.Code.ErrorCode())
	require.Equal(t, uint8(1), h.AckSeq)
	require.Len(t, helper.recv.datagrams, 1, "the duplicate must not be redelivered")

	// The expected sequence number still advances normally afterward.
	require.True(t, helper.feed(buildDataPacket(1, 0, packet.FlagFinishedDatagram, second)))
	require.Len(t, helper.recv.datagrams, 2)
	require.Equal(t, second, helper.recv.datagrams[1])
}

// TestRxSequenceWraparound verifies that the expected sequence number
// rolls over from 255 to 0 without disturbing delivery.
func TestRxSequenceWraparound(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	helper.locked(func() {
		helper.tr.rx.expectedSeq = 255
	})

	require.True(t, helper.feed(buildDataPacket(255, 0, packet.FlagFinishedDatagram, patternPayload(10))))
	require.True(t, helper.feed(buildDataPacket(0, 0, packet.FlagFinishedDatagram, patternPayload(12))))

	require.Len(t, helper.recv.datagrams, 2)
	helper.locked(func() {
		require.Equal(t, uint8(1), helper.tr.rx.expectedSeq)
	})
}

// ==================== Rejection Tests ====================

// TestRxChecksumFailureNacked verifies that a corrupted packet is dropped
// with a checksum NACK, nothing reaches the receiver, and an intact retry
// of the same packet is then accepted.
func TestRxChecksumFailureNacked(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	payload := patternPayload(200)
	raw := buildDataPacket(0, 0, packet.FlagFinishedDatagram, payload)

	corrupted := append([]byte{}, raw...)
	corrupted[packet.PreambleLen+packet.HeaderLen+5] ^= 0xFF
	helper.feed(corrupted)

	require.Empty(t, helper.recv.datagrams, "corrupted payload must not be delivered")
	sent := helper.drainTx()
	require.Len(t, sent, 1)
	h, _ := decodePacket(t, sent[0])
	require.Equal(t, packet.ErrorChecksum, h.Code.ErrorCode())
	require.Equal(t, uint8(0), h.AckSeq, "expected sequence must not advance")

	// The sender retransmits the identical packet; this time it lands.
	require.True(t, helper.feed(raw))
	require.Len(t, helper.recv.datagrams, 1)
	require.Equal(t, payload, helper.recv.datagrams[0])
}

// TestRxCorruptedFooterNacked verifies that flipping a footer byte is
// detected the same way as payload corruption.
func TestRxCorruptedFooterNacked(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())
	raw := buildDataPacket(0, 0, packet.FlagFinishedDatagram, patternPayload(32))
	raw[len(raw)-1] ^= 0x01
	helper.feed(raw)

	require.Empty(t, helper.recv.datagrams)
	sent := helper.drainTx()
	require.Len(t, sent, 1)
	h, _ := decodePacket(t, sent[0])
	require.Equal(t, packet.ErrorChecksum, h.Code.ErrorCode())
}

// TestRxOversizeLengthRejected verifies that a header announcing a payload
// beyond the receive MTU is rejected as a bad header before any payload
// bytes are consumed.
func TestRxOversizeLengthRejected(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())

	hdr := packet.Header{Length: uint16(packet.PayloadCapacity(link.DefaultMTU) + 1)}
	raw := make([]byte, packet.PreambleLen+packet.HeaderLen)
	raw[0] = packet.PreambleByte0
	raw[1] = packet.PreambleByte1
	packet.EncodeHeaderTo(raw[packet.PreambleLen:], &hdr)
	helper.feed(raw)

	sent := helper.drainTx()
	require.Len(t, sent, 1)
	h, _ := decodePacket(t, sent[0])
	require.Equal(t, packet.ErrorBadHeader, h.Code.ErrorCode())
	helper.locked(func() {
		require.Equal(t, statePreamble, helper.tr.rx.state)
	})
}

// TestRxUnknownAttributeDiscarded verifies that a packet carrying an
// undefined attribute nibble is dropped without a reply.
func TestRxUnknownAttributeDiscarded(t *testing.T) {
	helper := newTransportTestHelper(DefaultConfig())

	raw := buildPacket(packet.Header{Code: packet.MakeCode(packet.Attr(0x7), packet.ErrorNone)}, nil)
	require.True(t, helper.feed(raw))

	require.Empty(t, helper.recv.datagrams)
	require.Empty(t, helper.drainTx())
}
