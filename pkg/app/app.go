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

// DefaultRequestTimeout bounds a client request awaiting its service
// response before a synthetic timeout response is injected.
const DefaultRequestTimeout = 5 * time.Second

// negotiatedHandleCount is the number of assignable negotiated handles.
const negotiatedHandleCount = 0x100 - int(HandleNegotiatedRangeStart)

// Config carries application layer tuning parameters. The zero value is
// usable: New fills in defaults.
type Config struct {
	// RequestTimeout applies to the predefined timesync client and any
	// registered client that does not declare its own.
	RequestTimeout time.Duration

	// TimesyncMeasurements is how many round trips one time offset
	// measurement takes; the best (lowest RTT) wins.
	TimesyncMeasurements int

	// TimesyncRefreshInterval re-measures the peer clock offset in the
	// background at this interval, keeping the cached result warm. Zero
	// disables the refresh.
	TimesyncRefreshInterval time.Duration
}

// DefaultConfig returns the default application layer configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:       DefaultRequestTimeout,
		TimesyncMeasurements: defaultTimesyncMeasurements,
	}
}

// App is one application layer instance bound to a Transport. It routes
// reassembled datagrams to the predefined endpoints (loopback, timesync,
// discovery) and to registered services and matched clients.
type App struct {
	transport *transport.Transport
	name      string

	requestTimeout       time.Duration
	timesyncMeasurements int

	mu             sync.Mutex
	services       []*ServiceEndpoint
	clients        []*ClientEndpoint
	clientByHandle map[uint8]*ClientEndpoint
	discovery      discoveryState

	loopback loopbackClientState
	timesync timesyncClientState

	loopbackEP  *ClientEndpoint
	timesyncEP  *ClientEndpoint
	discoveryEP *ClientEndpoint
}

// New creates an App over t and binds it as the transport's receiver.
// Services and clients should be registered before the transport starts
// exchanging traffic.
func New(t *transport.Transport, cfg Config) *App {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TimesyncMeasurements <= 0 {
		cfg.TimesyncMeasurements = defaultTimesyncMeasurements
	}

	a := &App{
		transport:            t,
		name:                 t.Name(),
		requestTimeout:       cfg.RequestTimeout,
		timesyncMeasurements: cfg.TimesyncMeasurements,
		clientByHandle:       make(map[uint8]*ClientEndpoint),
	}

	a.loopbackEP = &ClientEndpoint{
		app:    a,
		handle: HandleLoopback,
		opened: true,
		client: &Client{
			MinLength:      LoopbackHeaderLen,
			HandleResponse: a.loopbackClientResponse,
		},
	}
	a.timesyncEP = &ClientEndpoint{
		app:    a,
		handle: HandleTimesync,
		opened: true,
		client: &Client{
			MinLength:      HeaderLen,
			RequestTimeout: cfg.RequestTimeout,
			HandleResponse: a.timesyncClientResponse,
		},
	}
	a.discoveryEP = &ClientEndpoint{
		app:    a,
		handle: HandleDiscovery,
		opened: true,
		client: &Client{
			MinLength:      HeaderLen,
			HandleResponse: a.discoveryClientResponse,
		},
	}

	t.Bind(a)
	if cfg.TimesyncRefreshInterval > 0 {
		t.TimerManager().SchedulePeriodic(timesyncRefreshTimerKey,
			cfg.TimesyncRefreshInterval, a.refreshTimeOffset)
	}
	return a
}

// Transport returns the transport the App is bound to.
func (a *App) Transport() *transport.Transport {
	return a.transport
}

// RegisterService exposes svc on the next free negotiated handle and
// returns its endpoint, or nil when the handle space is exhausted. The
// peer learns of the service through discovery.
func (a *App) RegisterService(svc *Service) *ServiceEndpoint {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.services) >= negotiatedHandleCount {
		logging.Error("cannot register service, negotiated handle space exhausted",
			zap.String("instance", a.name),
			zap.String("service", svc.Descriptor.Name))
		return nil
	}

	ep := &ServiceEndpoint{
		app:    a,
		svc:    svc,
		handle: HandleNegotiatedRangeStart + uint8(len(a.services)),
	}
	a.services = append(a.services, ep)

	logging.Info("registered service",
		zap.String("instance", a.name),
		zap.Uint8("handle", ep.handle),
		zap.String("name", svc.Descriptor.Name),
		zap.String("uuid", svc.Descriptor.UUID.String()),
		zap.Uint8("major", svc.Descriptor.Version.Major),
		zap.Uint8("minor", svc.Descriptor.Version.Minor),
		zap.Uint16("patch", svc.Descriptor.Version.Patch),
		zap.Int("minLength", svc.MinLength))
	return ep
}

// RegisterClient adds c to the clients matched against the peer's
// services during discovery and returns its endpoint. The endpoint stays
// unbound until discovery finds a compatible service.
func (a *App) RegisterClient(c *Client) *ClientEndpoint {
	a.mu.Lock()
	defer a.mu.Unlock()

	ep := &ClientEndpoint{
		app:    a,
		client: c,
		handle: HandleNone,
	}
	a.clients = append(a.clients, ep)

	logging.Info("registered client",
		zap.String("instance", a.name),
		zap.String("uuid", c.Descriptor.UUID.String()),
		zap.Uint8("major", c.Descriptor.Version.Major),
		zap.Uint8("minor", c.Descriptor.Version.Minor),
		zap.Uint16("patch", c.Descriptor.Version.Patch),
		zap.Int("minLength", c.MinLength))
	return ep
}

// ProcessRxDatagram routes one reassembled datagram by its handle.
// Implements transport.Receiver; the buffer is handed back to the
// transport when dispatch completes.
func (a *App) ProcessRxDatagram(buf []byte) {
	defer a.transport.DatagramProcessingDone(buf)

	if len(buf) == 0 {
		return
	}
	handle := buf[0]
	metrics.AppRxDatagramsTotal.WithLabelValues(a.name, handleClass(handle)).Inc()

	switch {
	case handle == HandleNone:
		a.dispatchNonHandle(buf)
	case handle < HandleNegotiatedRangeStart:
		a.dispatchPredefined(buf)
	default:
		a.dispatchNegotiated(buf)
	}
}

// ProcessReset reacts to transport (re)synchronization. Negotiated handle
// assignments may have changed on the peer, so discovery is re-initiated
// whenever matchable clients are registered. Implements
// transport.Receiver.
func (a *App) ProcessReset() {
	a.mu.Lock()
	rediscover := len(a.clients) > 0
	a.mu.Unlock()

	logging.Info("transport reset reached application layer",
		zap.String("instance", a.name),
		zap.Bool("rediscover", rediscover))

	if rediscover {
		a.InitiateDiscovery()
	}
}

// dispatchNonHandle handles handle-less datagrams. Nothing consumes them
// in this implementation, so they are logged and dropped.
func (a *App) dispatchNonHandle(buf []byte) {
	logging.Debug("discarding datagram without a handle",
		zap.String("instance", a.name),
		zap.Int("length", len(buf)))
}

// dispatchPredefined routes datagrams for the fixed protocol handles.
func (a *App) dispatchPredefined(buf []byte) {
	handle := buf[0]

	var minLen int
	switch handle {
	case HandleLoopback:
		minLen = LoopbackHeaderLen
	case HandleTimesync, HandleDiscovery:
		minLen = HeaderLen
	default:
		logging.Error("datagram for unsupported predefined handle",
			zap.String("instance", a.name),
			zap.Uint8("handle", handle),
			zap.Int("length", len(buf)))
		metrics.AppErrorsTotal.WithLabelValues(a.name, "unknown_handle").Inc()
		return
	}
	if len(buf) < minLen {
		a.logTooShort(handle, len(buf), minLen)
		return
	}

	h := DecodeHeader(buf)
	switch h.Type {
	case MessageTypeClientRequest:
		handled := true
		switch handle {
		case HandleLoopback:
			a.loopbackServiceRequest(buf)
		case HandleTimesync:
			handled = a.timesyncServiceRequest(h)
		case HandleDiscovery:
			handled = a.discoveryServiceRequest(h)
		}
		if !handled {
			a.sendUnknownCommandResponse(h)
		}

	case MessageTypeServiceResponse:
		var ep *ClientEndpoint
		switch handle {
		case HandleLoopback:
			ep = a.loopbackEP
		case HandleTimesync:
			ep = a.timesyncEP
		case HandleDiscovery:
			ep = a.discoveryEP
		}
		if !a.dispatchClientResponse(ep, h, buf) {
			logging.Error("unrecognized service response",
				zap.String("instance", a.name),
				zap.Uint8("handle", handle),
				zap.Uint16("command", h.Command),
				zap.Uint8("transaction", h.Transaction))
		}

	case MessageTypeClientNotification, MessageTypeServiceNotification:
		a.reportUnsupportedType(handle, h.Type)

	default:
		a.reportUnknownType(handle, buf)
	}
}

// dispatchNegotiated routes datagrams for negotiated handles: requests
// and client notifications to the registered service, responses and
// service notifications to the client discovery matched to the handle.
func (a *App) dispatchNegotiated(buf []byte) {
	handle := buf[0]
	// Routing needs at least the handle and type bytes; the endpoint's
	// own MinLength is enforced once it is resolved.
	if len(buf) < 2 {
		a.logTooShort(handle, len(buf), 2)
		return
	}
	h := DecodeHeader(buf)

	switch h.Type {
	case MessageTypeClientRequest, MessageTypeClientNotification:
		ep := a.serviceOfHandle(handle)
		if ep == nil {
			logging.Error("datagram for unregistered service handle",
				zap.String("instance", a.name),
				zap.Uint8("handle", handle),
				zap.String("type", h.Type.String()),
				zap.Uint8("transaction", h.Transaction),
				zap.Int("length", len(buf)))
			metrics.AppErrorsTotal.WithLabelValues(a.name, "unknown_handle").Inc()
			return
		}
		if len(buf) < ep.svc.MinLength {
			a.logTooShort(handle, len(buf), ep.svc.MinLength)
			return
		}
		if h.Type == MessageTypeClientRequest {
			if ep.svc.HandleRequest == nil {
				a.reportUnsupportedType(handle, h.Type)
				return
			}
			if !ep.svc.HandleRequest(ep, h, buf) {
				a.sendUnknownCommandResponse(h)
			}
		} else {
			if ep.svc.HandleNotification == nil {
				a.reportUnsupportedType(handle, h.Type)
				return
			}
			if !ep.svc.HandleNotification(ep, h, buf) {
				logging.Error("unrecognized client notification",
					zap.String("instance", a.name),
					zap.Uint8("handle", handle),
					zap.Uint16("command", h.Command))
			}
		}

	case MessageTypeServiceResponse, MessageTypeServiceNotification:
		ep := a.clientOfHandle(handle)
		if ep == nil {
			logging.Error("datagram for handle with no matched client",
				zap.String("instance", a.name),
				zap.Uint8("handle", handle),
				zap.String("type", h.Type.String()),
				zap.Uint8("transaction", h.Transaction),
				zap.Int("length", len(buf)))
			metrics.AppErrorsTotal.WithLabelValues(a.name, "unknown_handle").Inc()
			return
		}
		if len(buf) < ep.client.MinLength {
			a.logTooShort(handle, len(buf), ep.client.MinLength)
			return
		}
		if h.Type == MessageTypeServiceResponse {
			if ep.client.HandleResponse == nil {
				a.reportUnsupportedType(handle, h.Type)
				return
			}
			if !a.dispatchClientResponse(ep, h, buf) {
				logging.Error("unrecognized service response",
					zap.String("instance", a.name),
					zap.Uint8("handle", handle),
					zap.Uint16("command", h.Command),
					zap.Uint8("transaction", h.Transaction))
			}
		} else {
			if ep.client.HandleNotification == nil {
				a.reportUnsupportedType(handle, h.Type)
				return
			}
			if !ep.client.HandleNotification(ep, h, buf) {
				logging.Error("unrecognized service notification",
					zap.String("instance", a.name),
					zap.Uint8("handle", handle),
					zap.Uint16("command", h.Command))
			}
		}

	default:
		a.reportUnknownType(handle, buf)
	}
}

// dispatchClientResponse runs a response through the client's handler. An
// accepted response disarms its request timeout and wakes a synchronous
// waiter.
func (a *App) dispatchClientResponse(ep *ClientEndpoint, h Header, buf []byte) bool {
	if ep == nil || ep.client.HandleResponse == nil {
		return false
	}
	if !ep.client.HandleResponse(ep, h, buf) {
		return false
	}
	ep.cancelRequestTimeout(h)
	ep.signalResponse()
	return true
}

// sendUnknownCommandResponse answers an unrecognized request command with
// a header-only response carrying ErrorInvalidCommand.
func (a *App) sendUnknownCommandResponse(req Header) {
	logging.Error("received request with unknown command",
		zap.String("instance", a.name),
		zap.Uint8("handle", req.Handle),
		zap.Uint16("command", req.Command),
		zap.Uint8("transaction", req.Transaction))
	metrics.AppErrorsTotal.WithLabelValues(a.name, ErrorInvalidCommand.String()).Inc()

	resp := req
	resp.Type = MessageTypeServiceResponse
	resp.Error = ErrorInvalidCommand
	buf := a.transport.BufferPool().GetSize(HeaderLen)
	EncodeHeaderTo(buf, resp)
	a.transport.EnqueueTxDatagram(buf)
}

// reportUnsupportedType flags a datagram whose handle has no dispatcher
// for its message type, answering with a transport-level app layer NACK.
func (a *App) reportUnsupportedType(handle uint8, t MessageType) {
	logging.Error("handle does not support message type",
		zap.String("instance", a.name),
		zap.Uint8("handle", handle),
		zap.String("type", t.String()))
	metrics.AppErrorsTotal.WithLabelValues(a.name, "unsupported_type").Inc()
	a.transport.EnqueueTxError(packet.ErrorAppLayer)
}

// reportUnknownType flags a datagram whose type nibble is outside the
// defined message types.
func (a *App) reportUnknownType(handle uint8, buf []byte) {
	logging.Error("datagram with unknown message type",
		zap.String("instance", a.name),
		zap.Uint8("handle", handle),
		zap.Uint8("typeByte", buf[1]),
		zap.Int("length", len(buf)))
	metrics.AppErrorsTotal.WithLabelValues(a.name, "unknown_type").Inc()
	a.transport.EnqueueTxError(packet.ErrorAppLayer)
}

func (a *App) logTooShort(handle uint8, n, minLen int) {
	logging.Error("received datagram too short for handle",
		zap.String("instance", a.name),
		zap.Uint8("handle", handle),
		zap.Int("length", n),
		zap.Int("minimum", minLen))
	metrics.AppErrorsTotal.WithLabelValues(a.name, ErrorInvalidLength.String()).Inc()
}

func (a *App) serviceOfHandle(handle uint8) *ServiceEndpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := int(handle) - int(HandleNegotiatedRangeStart)
	if i < 0 || i >= len(a.services) {
		return nil
	}
	return a.services[i]
}

func (a *App) clientOfHandle(handle uint8) *ClientEndpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientByHandle[handle]
}

// handleClass labels a handle for metrics.
func handleClass(handle uint8) string {
	switch {
	case handle == HandleNone:
		return "none"
	case handle == HandleLoopback:
		return "loopback"
	case handle == HandleTimesync:
		return "timesync"
	case handle == HandleDiscovery:
		return "discovery"
	case handle < HandleNegotiatedRangeStart:
		return "predefined"
	default:
		return "negotiated"
	}
}
