package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// workThread is the transport worker loop. It opens with the initial
// reset handshake, then alternates between sleeping on the notifier and
// reacting: transmit passes for events, link maintenance for platform
// signals, and retransmit or reset-retry handling for pure timeouts.
func (t *Transport) workThread() {
	defer t.wg.Done()

	logging.Info("transport worker started",
		zap.String("instance", t.cfg.Name))

	t.startupReset()
	t.doWork()

	for {
		wait, bounded := t.nextTimeout()
		var signal uint32
		if bounded {
			signal = t.notifier.WaitTimeout(wait)
		} else {
			signal = t.notifier.Wait()
		}

		if signal&SignalExit != 0 {
			break
		}
		if signal&SignalEvent != 0 {
			t.doWork()
		}
		if bits := signal & SignalPlatformMask; bits != 0 {
			t.link.DoWork(bits)
		}
		if signal == 0 {
			t.checkTimeouts()
		}
	}

	logging.Info("transport worker exiting",
		zap.String("instance", t.cfg.Name))
}

// startupReset opens the initial handshake. A peer reset that arrived
// between the link opening and the first worker pass has already
// completed the cycle and queued a reset-ack; that state is kept as is.
func (t *Transport) startupReset() {
	t.mu.Lock()
	if t.resetState == ResetStateResetting {
		t.sendResetLocked("startup")
	}
	t.mu.Unlock()
}

// nextTimeout computes how long the worker may sleep: until the pending
// reset or outstanding ACK would expire, or indefinitely when nothing is
// in flight.
func (t *Transport) nextTimeout() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due time.Time
	switch {
	case t.resetState == ResetStateResetting:
		due = t.resetTime.Add(t.cfg.ResetTimeout)
	case t.awaitingAckLocked():
		due = time.Unix(0, t.tx.lastTxTime.Load()).Add(t.cfg.TxTimeout)
	default:
		return 0, false
	}

	wait := time.Until(due)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// awaitingAckLocked reports whether a payload-bearing packet is out with
// its acknowledgment still pending.
func (t *Transport) awaitingAckLocked() bool {
	return t.txQueue.pending > 0 &&
		t.rx.receivedAckSeq != t.tx.sentSeq+1 &&
		!t.tx.linkBusy.Load() &&
		t.tx.lastTxTime.Load() != 0
}

// checkTimeouts runs after a pure timeout wakeup. An expired reset wait
// retries the handshake until attempts run out; an expired ACK wait
// registers an implicit NACK to force a retransmit, escalating to a
// fresh reset once transmit attempts are exhausted.
func (t *Transport) checkTimeouts() {
	t.mu.Lock()
	now := time.Now()

	if t.resetState == ResetStateResetting {
		if !now.Before(t.resetTime.Add(t.cfg.ResetTimeout)) {
			if t.resetCount >= t.cfg.MaxResetAttempts {
				t.enterPermanentFailureLocked()
			} else {
				logging.Warn("reset-ack timeout",
					zap.String("instance", t.cfg.Name),
					zap.Int("attempt", t.resetCount))
				t.sendResetLocked("retry")
			}
		}
	} else if t.awaitingAckLocked() {
		last := time.Unix(0, t.tx.lastTxTime.Load())
		if !now.Before(last.Add(t.cfg.TxTimeout)) {
			if t.tx.txAttempts >= t.cfg.MaxTxAttempts {
				logging.Error("transmit attempts exhausted, escalating to reset",
					zap.String("instance", t.cfg.Name),
					zap.Int("attempts", t.tx.txAttempts))
				t.sendResetLocked("ack_timeout")
			} else {
				logging.Debug("ACK timeout, retransmitting",
					zap.String("instance", t.cfg.Name),
					zap.Uint8("seq", t.tx.sentSeq),
					zap.Int("attempts", t.tx.txAttempts))
				t.rx.receivedErrorCode = packet.ErrorTimeout
				t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrNone, packet.ErrorNone))
			}
		}
	}

	t.mu.Unlock()
}
