package app

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
)

// LoopbackHeaderLen is the header carried by a loopback datagram: only
// the handle and type bytes, so the echoed payload starts at offset 2.
const LoopbackHeaderLen = 2

// LoopbackTestResult reports an application-layer loopback test: the
// peer echoes the request datagram with the type flipped to a service
// response, and the payload is compared byte by byte.
type LoopbackTestResult struct {
	// Error is ErrorNone when the echo came back intact.
	Error Error

	// RequestLen and ResponseLen are full datagram lengths, header
	// included.
	RequestLen  int
	ResponseLen int

	// FirstError is the payload-relative offset of the first mismatched
	// byte; on a pure length mismatch it is the shorter payload length.
	FirstError int

	// ByteErrors counts mismatched bytes over the compared range.
	ByteErrors int

	// RTT is the request-to-response round trip time.
	RTT time.Duration
}

// Passed reports whether the echo came back intact.
func (r LoopbackTestResult) Passed() bool {
	return r.Error == ErrorNone
}

// loopbackClientState holds the single outstanding loopback test.
type loopbackClientState struct {
	mu     sync.Mutex
	result LoopbackTestResult
	data   []byte
	rr     RequestResponseState
}

// loopbackServiceRequest echoes the request datagram back with the type
// byte flipped to a service response.
func (a *App) loopbackServiceRequest(buf []byte) {
	resp := a.transport.BufferPool().GetSize(len(buf))
	copy(resp, buf)
	resp[1] = byte(MessageTypeServiceResponse)

	if !a.transport.EnqueueTxDatagram(resp) {
		logging.Error("could not enqueue loopback echo",
			zap.String("instance", a.name),
			zap.Int("length", len(buf)))
	}
}

// RunLoopbackTest sends payload through the peer's loopback service and
// compares the echo. A single test may run at a time; timeout bounds the
// wait for the echoed response.
func (a *App) RunLoopbackTest(payload []byte, timeout time.Duration) LoopbackTestResult {
	lb := &a.loopback

	lb.mu.Lock()
	if lb.result.Error == ErrorBlocked {
		lb.mu.Unlock()
		logging.Error("loopback test already in progress",
			zap.String("instance", a.name))
		return LoopbackTestResult{Error: ErrorBusy}
	}
	lb.result = LoopbackTestResult{
		Error:      ErrorBlocked,
		RequestLen: LoopbackHeaderLen + len(payload),
	}
	if len(payload) == 0 {
		lb.result.Error = ErrorInvalidLength
		res := lb.result
		lb.mu.Unlock()
		logging.Error("loopback payload must not be empty",
			zap.String("instance", a.name))
		return res
	}
	lb.data = append(lb.data[:0], payload...)
	lb.mu.Unlock()

	buf := a.loopbackEP.NewRequest(0, LoopbackHeaderLen+len(payload))
	copy(buf[LoopbackHeaderLen:], payload)

	if !a.loopbackEP.SendTimestampedRequestAndWait(&lb.rr, buf, timeout) {
		lb.mu.Lock()
		lb.result.Error = ErrorUnspecified
		lb.mu.Unlock()
	}

	lb.mu.Lock()
	res := lb.result
	lb.mu.Unlock()

	logging.Info("loopback test finished",
		zap.String("instance", a.name),
		zap.String("error", res.Error.String()),
		zap.Int("requestLen", res.RequestLen),
		zap.Int("responseLen", res.ResponseLen),
		zap.Int("byteErrors", res.ByteErrors),
		zap.Duration("rtt", res.RTT))
	return res
}

// loopbackClientResponse scores an echoed loopback datagram against the
// stashed request payload.
func (a *App) loopbackClientResponse(ep *ClientEndpoint, h Header, buf []byte) bool {
	lb := &a.loopback

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.result.Error != ErrorBlocked {
		logging.Warn("discarding unsolicited loopback response",
			zap.String("instance", a.name),
			zap.Int("length", len(buf)))
		return false
	}

	// Loopback datagrams carry no transaction byte, so the response is
	// timestamped against whatever request is outstanding.
	ep.TimestampResponse(&lb.rr, Header{Handle: h.Handle, Transaction: lb.rr.Transaction})

	lb.result.Error = ErrorNone
	lb.result.ResponseLen = len(buf)
	lb.result.ByteErrors = 0
	lb.result.RTT = lb.rr.ResponseTime.Sub(lb.rr.RequestTime)

	reqPayload := lb.result.RequestLen - LoopbackHeaderLen
	respPayload := len(buf) - LoopbackHeaderLen
	compare := reqPayload
	if respPayload < compare {
		compare = respPayload
	}
	lb.result.FirstError = compare

	if reqPayload != respPayload {
		lb.result.Error = ErrorInvalidLength
	}
	for i := 0; i < compare; i++ {
		if lb.data[i] != buf[LoopbackHeaderLen+i] {
			if lb.result.ByteErrors == 0 {
				lb.result.FirstError = i
			}
			lb.result.ByteErrors++
			lb.result.Error = ErrorUnspecified
		}
	}
	return true
}
