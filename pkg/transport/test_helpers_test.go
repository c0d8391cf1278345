package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// ==================== Mock Link ====================

// mockLink records every packet the transport hands to the link so tests
// can decode and assert on the exact wire bytes. Sends complete
// synchronously unless queueSends is set, in which case the test finishes
// them by calling SendDone on the transport.
type mockLink struct {
	mu         sync.Mutex
	mtu        int
	cb         link.Callbacks
	sent       [][]byte
	sendErr    error
	queueSends bool
	resets     int
}

func newMockLink(mtu int) *mockLink {
	return &mockLink{mtu: mtu}
}

func (l *mockLink) Open(cb link.Callbacks) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = cb
	return nil
}

func (l *mockLink) Send(buf []byte) (link.SendStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return link.SendComplete, l.sendErr
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	l.sent = append(l.sent, cp)
	if l.queueSends {
		return link.SendQueued, nil
	}
	return link.SendComplete, nil
}

func (l *mockLink) DoWork(signal uint32) {}

func (l *mockLink) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
}

func (l *mockLink) MTU() int { return l.mtu }

func (l *mockLink) Close() error { return nil }

// takeSent returns the recorded packets and clears the record.
func (l *mockLink) takeSent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

func (l *mockLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *mockLink) resetCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets
}

// ==================== Mock Receiver ====================

// mockReceiver records delivered datagrams and reset notifications.
// Intended for single-goroutine tests that drive the transport directly.
type mockReceiver struct {
	tr        *Transport
	datagrams [][]byte
	resets    int
}

func (r *mockReceiver) ProcessRxDatagram(buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	r.datagrams = append(r.datagrams, cp)
	if r.tr != nil {
		r.tr.DatagramProcessingDone(buf)
	}
}

func (r *mockReceiver) ProcessReset() {
	r.resets++
}

// ==================== Test Helper ====================

// transportTestHelper bundles a transport with its mock link and receiver.
// The transport is never started: tests drive doWork and checkTimeouts
// themselves, so every state transition is deterministic.
type transportTestHelper struct {
	tr   *Transport
	ml   *mockLink
	recv *mockReceiver
}

func newTransportTestHelper(cfg Config) *transportTestHelper {
	return newTransportTestHelperMTU(cfg, link.DefaultMTU)
}

func newTransportTestHelperMTU(cfg Config, linkMTU int) *transportTestHelper {
	ml := newMockLink(linkMTU)
	tr := New(ml, cfg)
	recv := &mockReceiver{tr: tr}
	tr.Bind(recv)
	// Construction leaves the handshake gate closed. These tests begin
	// from the synchronized post-handshake origin instead, with both
	// sequence spaces at zero.
	tr.mu.Lock()
	tr.resetState = ResetStateNone
	tr.signalResetCompleteLocked()
	tr.mu.Unlock()
	return &transportTestHelper{tr: tr, ml: ml, recv: recv}
}

// feed pushes raw wire bytes into the receive state machine.
func (h *transportTestHelper) feed(raw []byte) bool {
	return h.tr.RxData(raw)
}

// drainTx runs transmit passes until nothing is queued and returns the
// packets handed to the link, in order.
func (h *transportTestHelper) drainTx() [][]byte {
	for h.tr.tx.hasPacketsToSend.Load() && !h.tr.tx.linkBusy.Load() {
		h.tr.doWork()
	}
	return h.ml.takeSent()
}

// locked runs f with the transport mutex held, for tests that reach into
// guarded state.
func (h *transportTestHelper) locked(f func()) {
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	f()
}

// enqueue copies data into a pool buffer and queues it for transmission.
func (h *transportTestHelper) enqueue(t *testing.T, data []byte) {
	t.Helper()
	buf := h.tr.BufferPool().GetSize(len(data))
	copy(buf, data)
	require.True(t, h.tr.EnqueueTxDatagram(buf), "datagram should be accepted")
}

// ==================== Wire Packet Builders ====================

// buildPacket assembles a complete wire packet. h.Length is derived from
// the payload; the checksum footer is always valid.
func buildPacket(h packet.Header, payload []byte) []byte {
	buf := make([]byte, packet.FramingOverhead+len(payload))
	n := packet.EncodePacket(buf, &h, payload, packet.Checksummer{})
	return buf[:n]
}

// buildDataPacket assembles a payload-bearing packet with no attribute.
func buildDataPacket(seq, ackSeq, flags uint8, payload []byte) []byte {
	return buildPacket(packet.Header{
		Flags:  flags,
		Code:   packet.MakeCode(packet.AttrNone, packet.ErrorNone),
		AckSeq: ackSeq,
		Seq:    seq,
	}, payload)
}

// buildAckPacket assembles a payload-free packet acknowledging ackSeq.
func buildAckPacket(ackSeq uint8) []byte {
	return buildPacket(packet.Header{AckSeq: ackSeq}, nil)
}

// buildNackPacket assembles a payload-free packet rejecting with code.
func buildNackPacket(ackSeq uint8, code packet.ErrorCode) []byte {
	return buildPacket(packet.Header{
		Code:   packet.MakeCode(packet.AttrNone, code),
		AckSeq: ackSeq,
	}, nil)
}

// buildResetPacket assembles a reset or reset-ack control packet carrying
// the given configuration.
func buildResetPacket(attr packet.Attr, seq, ackSeq uint8, cfg *packet.ResetConfig) []byte {
	return buildPacket(packet.Header{
		Code:   packet.MakeCode(attr, packet.ErrorNone),
		AckSeq: ackSeq,
		Seq:    seq,
	}, packet.EncodeResetConfig(cfg))
}

// peerResetConfig is a plausible configuration a peer would advertise.
func peerResetConfig() *packet.ResetConfig {
	return &packet.ResetConfig{
		Version:    packet.Version{Major: 1},
		RxMTU:      uint16(link.DefaultMTU),
		WindowSize: 1,
		TimeoutMs:  100,
	}
}

// decodePacket splits a recorded wire packet into header and payload,
// checking the preamble and checksum along the way.
func decodePacket(t *testing.T, raw []byte) (packet.Header, []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(raw), packet.FramingOverhead, "packet shorter than framing")
	require.Equal(t, byte(packet.PreambleByte0), raw[0], "preamble byte 0")
	require.Equal(t, byte(packet.PreambleByte1), raw[1], "preamble byte 1")

	h, err := packet.DecodeHeader(raw[packet.PreambleLen:])
	require.NoError(t, err)
	require.Len(t, raw, packet.FramingOverhead+int(h.Length), "length field must match packet size")

	payload := raw[packet.PreambleLen+packet.HeaderLen : len(raw)-packet.FooterLen]
	footer, err := packet.DecodeFooter(raw[len(raw)-packet.FooterLen:])
	require.NoError(t, err)
	require.True(t, packet.Checksummer{}.ValidateSplit(
		raw[packet.PreambleLen:packet.PreambleLen+packet.HeaderLen], payload, footer),
		"packet checksum must validate")
	return h, payload
}

// patternPayload fills n bytes with a repeating pattern that never forms
// a preamble sequence, so rejected packets junk-scan cleanly.
func patternPayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i%7) + 1
	}
	return buf
}
