package app

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/metrics"
	"github.com/chpp-org/gochpp/pkg/packet"
	"github.com/chpp-org/gochpp/pkg/transport"
)

// RequestResponseState tracks one request/response exchange of a client
// or service. Endpoints keep one per command they exchange. Access is
// serialized by the request flow itself: the sender writes it when a
// request goes out, the dispatch goroutine when the response lands, and
// the synchronous send path orders the two.
type RequestResponseState struct {
	RequestTime  time.Time
	ResponseTime time.Time
	Transaction  uint8
}

// Client describes the client half of an endpoint. Registered clients are
// matched against the peer's discovered services by UUID and major
// version and bound to the handle the peer assigned.
type Client struct {
	// Descriptor is matched against discovered service descriptors.
	Descriptor ClientDescriptor

	// MinLength is the shortest service datagram the client accepts.
	MinLength int

	// RequestTimeout arms a timer on every timestamped request; if no
	// response arrives in time, a synthetic response carrying
	// ErrorTimeout is dispatched to HandleResponse. Zero disables the
	// timer, leaving timeouts to the synchronous send path.
	RequestTimeout time.Duration

	// HandleResponse consumes a service response. Returning false reports
	// an unrecognized or unmatched response, which is logged and does not
	// wake a synchronous waiter.
	HandleResponse func(ep *ClientEndpoint, h Header, buf []byte) bool

	// HandleNotification consumes a service notification. Leave nil when
	// the client does not accept notifications.
	HandleNotification func(ep *ClientEndpoint, h Header, buf []byte) bool

	// Open is invoked when discovery matches the client to a service,
	// after the endpoint is bound to its negotiated handle. Returning
	// false rejects the match. May be nil.
	Open func(ep *ClientEndpoint, serviceVersion packet.Version) bool
}

// ClientEndpoint is a Client registered with an App. Predefined clients
// are bound to their fixed handles at creation; negotiated clients start
// unbound and receive their handle from discovery.
type ClientEndpoint struct {
	app    *App
	client *Client

	mu          sync.Mutex
	handle      uint8
	opened      bool
	transaction uint8
	respCh      chan struct{}
}

// Handle returns the endpoint's current handle; HandleNone until
// discovery has matched the client.
func (ep *ClientEndpoint) Handle() uint8 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.handle
}

// Opened reports whether the endpoint is bound to a peer service.
func (ep *ClientEndpoint) Opened() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.opened
}

// App returns the App the endpoint is registered with.
func (ep *ClientEndpoint) App() *App {
	return ep.app
}

// bind attaches the endpoint to a negotiated handle after a discovery
// match.
func (ep *ClientEndpoint) bind(handle uint8) {
	ep.mu.Lock()
	ep.handle = handle
	ep.opened = true
	ep.mu.Unlock()
}

// unbind detaches a rejected or stale match.
func (ep *ClientEndpoint) unbind() {
	ep.mu.Lock()
	ep.handle = HandleNone
	ep.opened = false
	ep.mu.Unlock()
}

func (ep *ClientEndpoint) nextRequestHeader(command uint16) Header {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	h := Header{
		Handle:      ep.handle,
		Type:        MessageTypeClientRequest,
		Transaction: ep.transaction,
		Command:     command,
	}
	ep.transaction++
	return h
}

// NewRequest returns an n-byte request datagram with the header fields
// that fit filled in and the transaction counter advanced. The caller
// fills the region past the header.
func (ep *ClientEndpoint) NewRequest(command uint16, n int) []byte {
	buf := ep.app.transport.BufferPool().GetSize(n)
	EncodeHeaderTo(buf, ep.nextRequestHeader(command))
	return buf
}

// NewRequestCommand returns a header-only request for the given command.
func (ep *ClientEndpoint) NewRequestCommand(command uint16) []byte {
	return ep.NewRequest(command, HeaderLen)
}

// TimestampRequest records the departure of a request on rr. A request
// going out while a prior one is still unanswered is logged.
func (ep *ClientEndpoint) TimestampRequest(rr *RequestResponseState, h Header) {
	if rr.ResponseTime.IsZero() && !rr.RequestTime.IsZero() {
		logging.Error("sending duplicate request while prior request outstanding",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", h.Handle),
			zap.Uint8("transaction", h.Transaction),
			zap.Uint8("priorTransaction", rr.Transaction))
	}
	rr.RequestTime = time.Now()
	rr.ResponseTime = time.Time{}
	rr.Transaction = h.Transaction
}

// TimestampResponse records the arrival of a response on rr and reports
// whether it answers the outstanding transaction.
func (ep *ClientEndpoint) TimestampResponse(rr *RequestResponseState, h Header) bool {
	prev := rr.ResponseTime
	rr.ResponseTime = time.Now()

	switch {
	case rr.RequestTime.IsZero():
		logging.Error("received response with no outstanding request",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", h.Handle),
			zap.Uint8("transaction", h.Transaction))
	case !prev.IsZero():
		logging.Warn("received additional response for the same request",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", h.Handle),
			zap.Duration("sinceRequest", rr.ResponseTime.Sub(rr.RequestTime)))
	default:
		rtt := rr.ResponseTime.Sub(rr.RequestTime)
		metrics.RequestLatencySeconds.WithLabelValues(ep.app.name, handleClass(h.Handle)).
			Observe(rtt.Seconds())
		logging.Debug("received response",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", h.Handle),
			zap.Duration("rtt", rtt))
	}

	if h.Transaction != rr.Transaction {
		logging.Error("received response for a different transaction",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", h.Handle),
			zap.Uint8("transaction", h.Transaction),
			zap.Uint8("outstanding", rr.Transaction))
		return false
	}
	return true
}

// SendTimestampedRequest times the request on rr and queues buf for
// transmission, passing ownership of it to the transport. When the
// client declares a RequestTimeout, a timer is armed that injects a
// synthetic ErrorTimeout response if the service does not answer.
func (ep *ClientEndpoint) SendTimestampedRequest(rr *RequestResponseState, buf []byte) bool {
	h := DecodeHeader(buf)
	ep.TimestampRequest(rr, h)
	if !ep.app.transport.EnqueueTxDatagram(buf) {
		return false
	}
	ep.armRequestTimeout(h)
	return true
}

// SendTimestampedRequestAndWait sends buf and blocks until the response
// is dispatched or timeout elapses. A true return means HandleResponse
// has run; the caller reads whatever result it recorded.
func (ep *ClientEndpoint) SendTimestampedRequestAndWait(rr *RequestResponseState, buf []byte, timeout time.Duration) bool {
	ch := make(chan struct{})
	ep.mu.Lock()
	ep.respCh = ch
	ep.mu.Unlock()

	if !ep.SendTimestampedRequest(rr, buf) {
		ep.mu.Lock()
		ep.respCh = nil
		ep.mu.Unlock()
		return false
	}

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		ep.mu.Lock()
		if ep.respCh == ch {
			ep.respCh = nil
		}
		ep.mu.Unlock()
		logging.Error("timed out waiting for service response",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", ep.Handle()),
			zap.Duration("timeout", timeout))
		metrics.AppErrorsTotal.WithLabelValues(ep.app.name, ErrorTimeout.String()).Inc()
		return false
	}
}

// signalResponse wakes a synchronous waiter, if any.
func (ep *ClientEndpoint) signalResponse() {
	ep.mu.Lock()
	if ep.respCh != nil {
		close(ep.respCh)
		ep.respCh = nil
	}
	ep.mu.Unlock()
}

// requestTimerKey identifies a request timeout timer by handle and
// transaction.
func requestTimerKey(handle, transaction uint8) transport.TimerKey {
	return transport.TimerKey(uint64(handle)<<8 | uint64(transaction))
}

// armRequestTimeout schedules delivery of a synthetic timeout response
// for the request described by req.
func (ep *ClientEndpoint) armRequestTimeout(req Header) {
	if ep.client.RequestTimeout <= 0 {
		return
	}
	key := requestTimerKey(req.Handle, req.Transaction)
	ep.app.transport.TimerManager().Schedule(key, ep.client.RequestTimeout, func() {
		ep.injectTimeoutResponse(req)
	})
}

// cancelRequestTimeout disarms the timeout timer of the request the
// accepted response answers.
func (ep *ClientEndpoint) cancelRequestTimeout(resp Header) {
	if ep.client.RequestTimeout <= 0 {
		return
	}
	ep.app.transport.TimerManager().StopTimer(requestTimerKey(resp.Handle, resp.Transaction))
}

// injectTimeoutResponse synthesizes a header-only service response with
// ErrorTimeout and runs it through normal dispatch, so the client
// observes the timeout the same way it would a service-reported error.
func (ep *ClientEndpoint) injectTimeoutResponse(req Header) {
	logging.Error("request timed out awaiting service response",
		zap.String("instance", ep.app.name),
		zap.Uint8("handle", req.Handle),
		zap.Uint8("transaction", req.Transaction),
		zap.Uint16("command", req.Command))
	metrics.AppErrorsTotal.WithLabelValues(ep.app.name, ErrorTimeout.String()).Inc()

	resp := req
	resp.Type = MessageTypeServiceResponse
	resp.Error = ErrorTimeout
	buf := ep.app.transport.BufferPool().GetSize(HeaderLen)
	EncodeHeaderTo(buf, resp)
	ep.app.ProcessRxDatagram(buf)
}
