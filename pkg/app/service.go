package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
)

// Service describes the server half of a negotiated endpoint. Register it
// with an App to expose it to the peer through discovery.
type Service struct {
	// Descriptor is advertised in discovery responses.
	Descriptor ServiceDescriptor

	// MinLength is the shortest datagram the service accepts. Shorter
	// datagrams are dropped before dispatch.
	MinLength int

	// HandleRequest consumes a client request. Returning false reports an
	// unrecognized command, which the App answers with a header-only
	// response carrying ErrorInvalidCommand.
	HandleRequest func(ep *ServiceEndpoint, h Header, buf []byte) bool

	// HandleNotification consumes a client notification. Leave nil when
	// the service does not accept notifications.
	HandleNotification func(ep *ServiceEndpoint, h Header, buf []byte) bool
}

// ServiceEndpoint is a Service registered with an App, bound to its
// negotiated handle.
type ServiceEndpoint struct {
	app    *App
	svc    *Service
	handle uint8
}

// Handle returns the negotiated handle assigned at registration.
func (ep *ServiceEndpoint) Handle() uint8 {
	return ep.handle
}

// App returns the App the endpoint is registered with.
func (ep *ServiceEndpoint) App() *App {
	return ep.app
}

// AllocResponse returns an n-byte datagram buffer whose header is copied
// from the request, with the message type set to a service response and
// the error cleared. n must be at least HeaderLen; the caller fills the
// region past the header.
func (ep *ServiceEndpoint) AllocResponse(req Header, n int) []byte {
	buf := ep.app.transport.BufferPool().GetSize(n)
	h := req
	h.Type = MessageTypeServiceResponse
	h.Error = ErrorNone
	EncodeHeaderTo(buf, h)
	return buf
}

// TimestampRequest records the arrival of a request on rr. A request
// arriving while a prior one is still unanswered is logged.
func (ep *ServiceEndpoint) TimestampRequest(rr *RequestResponseState, h Header) {
	if rr.ResponseTime.IsZero() && !rr.RequestTime.IsZero() {
		logging.Error("received duplicate request while prior request outstanding",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", ep.handle),
			zap.Time("priorRequest", rr.RequestTime))
	}
	rr.RequestTime = time.Now()
	rr.ResponseTime = time.Time{}
	rr.Transaction = h.Transaction
}

// SendTimestampedResponse records the response time on rr and queues buf
// for transmission, passing ownership of it to the transport.
func (ep *ServiceEndpoint) SendTimestampedResponse(rr *RequestResponseState, buf []byte) bool {
	prev := rr.ResponseTime
	rr.ResponseTime = time.Now()

	switch {
	case rr.RequestTime.IsZero():
		logging.Error("sending response with no outstanding request",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", ep.handle))
	case !prev.IsZero():
		logging.Warn("sending additional response for the same request",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", ep.handle),
			zap.Duration("sinceRequest", rr.ResponseTime.Sub(rr.RequestTime)))
	default:
		logging.Debug("sending response",
			zap.String("instance", ep.app.name),
			zap.Uint8("handle", ep.handle),
			zap.Duration("processing", rr.ResponseTime.Sub(rr.RequestTime)))
	}

	return ep.app.transport.EnqueueTxDatagram(buf)
}
