package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/metrics"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// ResetState describes synchronization with the peer.
type ResetState uint8

const (
	// ResetStateNone means the transport is synchronized and may carry data.
	ResetStateNone ResetState = iota
	// ResetStateResetting means a reset is in flight awaiting its reset-ack.
	ResetStateResetting
	// ResetStatePermanentFailure means reset retries were exhausted; the
	// transport no longer sends or accepts anything.
	ResetStatePermanentFailure
)

func (s ResetState) String() string {
	switch s {
	case ResetStateNone:
		return "none"
	case ResetStateResetting:
		return "resetting"
	case ResetStatePermanentFailure:
		return "permanent_failure"
	default:
		return "invalid"
	}
}

// State reports the current synchronization state.
func (t *Transport) State() ResetState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetState
}

// WaitForResetComplete blocks until the reset handshake finishes or the
// timeout elapses. Returns true once the transport is synchronized.
func (t *Transport) WaitForResetComplete(timeout time.Duration) bool {
	t.mu.Lock()
	if t.resetState != ResetStateResetting {
		ok := t.resetState == ResetStateNone
		t.mu.Unlock()
		return ok
	}
	done := t.resetDone
	t.mu.Unlock()

	select {
	case <-done:
		t.mu.Lock()
		ok := t.resetState == ResetStateNone
		t.mu.Unlock()
		return ok
	case <-time.After(timeout):
		return false
	}
}

// sendResetLocked clears protocol state and queues a reset packet,
// entering the Resetting state. Used for the initial handshake, for
// retries, and to escalate after transmit attempts are exhausted. The
// completion channel is preserved across retries within one cycle.
func (t *Transport) sendResetLocked(reason string) {
	if t.resetState == ResetStatePermanentFailure {
		return
	}

	t.clearStateLocked()
	// The reset packet itself occupies our sequence number zero; once
	// the peer processes it, the next thing it expects from us is 1.
	t.tx.sentSeq = 0
	t.rx.receivedAckSeq = 1

	if t.resetState != ResetStateResetting {
		t.resetState = ResetStateResetting
		t.resetDone = make(chan struct{})
	}
	t.resetCount++
	t.resetTime = time.Now()

	metrics.ResetsTotal.WithLabelValues(t.cfg.Name, reason).Inc()
	logging.Info("sending transport reset",
		zap.String("instance", t.cfg.Name),
		zap.String("reason", reason),
		zap.Int("attempt", t.resetCount))
	t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrReset, packet.ErrorNone))
}

// processResetLocked handles a reset packet from the peer: clear all
// protocol state, re-synchronize sequence tracking to the peer's packet,
// and reply with a reset-ack carrying our configuration. A reset from the
// peer also completes any reset cycle of our own.
func (t *Transport) processResetLocked() {
	peerSeq := t.rxHeader.Seq
	peerCfg, cfgErr := packet.DecodeResetConfig(t.rxPayloadLocked())

	logging.Info("reset received from peer",
		zap.String("instance", t.cfg.Name),
		zap.Uint8("seq", peerSeq))
	metrics.ResetsTotal.WithLabelValues(t.cfg.Name, "peer").Inc()

	t.clearStateLocked()
	t.rx.expectedSeq = peerSeq + 1
	// Our reset-ack occupies our sequence number zero.
	t.tx.sentSeq = 0
	t.rx.receivedAckSeq = 1
	if cfgErr == nil {
		t.adoptPeerConfigLocked(peerCfg)
	}

	t.resetState = ResetStateNone
	t.resetCount = 0
	t.signalResetCompleteLocked()

	t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrResetAck, packet.ErrorNone))
	t.notifyReceiverResetLocked()
}

// processResetAckLocked completes a reset handshake we initiated:
// synchronize sequence tracking from the peer's packet, adopt its
// advertised configuration, and release anyone waiting on the reset.
func (t *Transport) processResetAckLocked() {
	if t.resetState != ResetStateResetting {
		logging.Warn("reset-ack received while not resetting",
			zap.String("instance", t.cfg.Name),
			zap.String("resetState", t.resetState.String()))
	}

	peerSeq := t.rxHeader.Seq
	peerCfg, cfgErr := packet.DecodeResetConfig(t.rxPayloadLocked())
	t.rxAbortPacketLocked()

	t.rx.expectedSeq = peerSeq + 1
	t.registerRxAckLocked()
	if cfgErr == nil {
		t.adoptPeerConfigLocked(peerCfg)
	}

	t.resetState = ResetStateNone
	t.resetCount = 0
	t.signalResetCompleteLocked()

	logging.Info("reset handshake complete",
		zap.String("instance", t.cfg.Name),
		zap.Uint8("expectedSeq", t.rx.expectedSeq))
	t.notifyReceiverResetLocked()
}

// adoptPeerConfigLocked narrows transmit parameters to what the peer
// advertised in its reset or reset-ack. Only called with an empty
// transmit queue, so in-flight fragment accounting cannot be skewed.
func (t *Transport) adoptPeerConfigLocked(cfg packet.ResetConfig) {
	logging.Debug("peer transport configuration",
		zap.String("instance", t.cfg.Name),
		zap.Uint8("major", cfg.Version.Major),
		zap.Uint8("minor", cfg.Version.Minor),
		zap.Uint16("rxMTU", cfg.RxMTU),
		zap.Uint16("windowSize", cfg.WindowSize),
		zap.Uint16("timeoutMs", cfg.TimeoutMs))

	if mtu := packet.PayloadCapacity(int(cfg.RxMTU)); mtu > 0 && mtu < t.txMTU {
		logging.Info("adopting peer rx MTU",
			zap.String("instance", t.cfg.Name),
			zap.Int("txMTU", mtu))
		t.txMTU = mtu
	}
}

// enterPermanentFailureLocked marks the transport unusable after reset
// retries are exhausted. The state is terminal; the surrounding system
// decides whether to tear down and rebuild the endpoint.
func (t *Transport) enterPermanentFailureLocked() {
	t.resetState = ResetStatePermanentFailure
	metrics.ResetsTotal.WithLabelValues(t.cfg.Name, "permanent_failure").Inc()
	logging.Error("reset retries exhausted, transport permanently failed",
		zap.String("instance", t.cfg.Name),
		zap.Int("attempts", t.resetCount))
	t.signalResetCompleteLocked()
}

// signalResetCompleteLocked releases WaitForResetComplete callers.
func (t *Transport) signalResetCompleteLocked() {
	if t.resetDone != nil {
		close(t.resetDone)
		t.resetDone = nil
	}
}

// notifyReceiverResetLocked invokes the receiver's reset callback with
// the transport mutex released, since the callback may enqueue datagrams.
func (t *Transport) notifyReceiverResetLocked() {
	r := t.receiver
	if r == nil {
		return
	}
	t.mu.Unlock()
	r.ProcessReset()
	t.mu.Lock()
}
