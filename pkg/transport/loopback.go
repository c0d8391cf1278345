package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// LoopbackResult reports the outcome of a transport-layer loopback
// exchange: the peer echoes the request payload back verbatim, and the
// response is compared byte by byte.
type LoopbackResult struct {
	// RequestLen and ResponseLen are the payload lengths in each direction.
	RequestLen  int
	ResponseLen int
	// FirstError is the offset of the first mismatched byte; equals
	// RequestLen when the echo is flawless.
	FirstError int
	// ByteErrors counts mismatched bytes over the compared range.
	ByteErrors int
	// RTT is the request-to-response round trip time.
	RTT time.Duration
}

// Passed reports whether the echo came back intact.
func (r LoopbackResult) Passed() bool {
	return r.RequestLen == r.ResponseLen && r.ByteErrors == 0
}

// loopbackState tracks at most one outstanding local request plus at
// most one pending echo for the peer.
type loopbackState struct {
	request     []byte
	requestTime time.Time
	resultCh    chan LoopbackResult
	echo        []byte
}

// RunLoopback sends payload to the peer with the loopback-request
// attribute and waits for the echoed response. A single request may be
// outstanding at a time, and the payload must fit one packet.
func (t *Transport) RunLoopback(payload []byte, timeout time.Duration) (LoopbackResult, error) {
	t.mu.Lock()
	if t.resetState == ResetStatePermanentFailure {
		t.mu.Unlock()
		return LoopbackResult{}, ErrPermanentFailure
	}
	if len(payload) == 0 || len(payload) > t.txMTU {
		t.mu.Unlock()
		return LoopbackResult{}, ErrLoopbackPayload
	}
	if t.loopback.request != nil {
		t.mu.Unlock()
		return LoopbackResult{}, ErrLoopbackBusy
	}

	request := make([]byte, len(payload))
	copy(request, payload)
	t.loopback.request = request
	t.loopback.requestTime = time.Now()
	ch := make(chan LoopbackResult, 1)
	t.loopback.resultCh = ch

	logging.Debug("sending loopback request",
		zap.String("instance", t.cfg.Name),
		zap.Int("length", len(payload)))
	t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrLoopbackRequest, packet.ErrorNone))
	t.mu.Unlock()

	select {
	case result := <-ch:
		return result, nil
	case <-time.After(timeout):
		t.mu.Lock()
		if t.loopback.resultCh == ch {
			t.loopback.request = nil
			t.loopback.resultCh = nil
		}
		t.mu.Unlock()
		return LoopbackResult{}, ErrLoopbackTimeout
	}
}

// handleLoopbackRequestLocked echoes a peer's loopback request. The
// payload is lifted out of the reassembly buffer, which is then reverted
// so the exchange leaves no trace in datagram accounting.
func (t *Transport) handleLoopbackRequestLocked() {
	n := int(t.rxHeader.Length)
	if t.loopback.echo != nil {
		logging.Warn("dropping loopback request, echo already pending",
			zap.String("instance", t.cfg.Name),
			zap.Int("length", n))
		t.rxAbortPacketLocked()
		return
	}

	echo := t.pool.GetSize(n)
	copy(echo, t.rxPayloadLocked())
	t.rxAbortPacketLocked()
	t.loopback.echo = echo

	logging.Debug("echoing loopback request",
		zap.String("instance", t.cfg.Name),
		zap.Int("length", n))
	t.enqueueTxPacketLocked(packet.MakeCode(packet.AttrLoopbackResponse, packet.ErrorNone))
}

// handleLoopbackResponseLocked validates a loopback echo against the
// outstanding request and hands the result to the waiting caller.
func (t *Transport) handleLoopbackResponseLocked() {
	request := t.loopback.request
	ch := t.loopback.resultCh
	if request == nil || ch == nil {
		logging.Warn("discarding unsolicited loopback response",
			zap.String("instance", t.cfg.Name),
			zap.Uint16("length", t.rxHeader.Length))
		t.rxAbortPacketLocked()
		return
	}

	response := t.rxPayloadLocked()
	result := LoopbackResult{
		RequestLen:  len(request),
		ResponseLen: len(response),
		FirstError:  len(request),
		RTT:         time.Since(t.loopback.requestTime),
	}

	compare := len(request)
	if len(response) < compare {
		compare = len(response)
	}
	if len(response) != len(request) {
		result.FirstError = compare
	}
	for i := 0; i < compare; i++ {
		if request[i] != response[i] {
			if result.ByteErrors == 0 && i < result.FirstError {
				result.FirstError = i
			}
			result.ByteErrors++
		}
	}

	t.rxAbortPacketLocked()
	t.loopback.request = nil
	t.loopback.resultCh = nil

	if result.Passed() {
		logging.Info("loopback succeeded",
			zap.String("instance", t.cfg.Name),
			zap.Int("length", result.RequestLen),
			zap.Duration("rtt", result.RTT))
	} else {
		logging.Error("loopback failed",
			zap.String("instance", t.cfg.Name),
			zap.Int("requestLen", result.RequestLen),
			zap.Int("responseLen", result.ResponseLen),
			zap.Int("byteErrors", result.ByteErrors),
			zap.Int("firstError", result.FirstError))
	}
	ch <- result
}
