package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/logging"
)

// DiscoveryCommandDiscoverAll asks the peer for its full service list.
const DiscoveryCommandDiscoverAll uint16 = 0x0001

// DefaultDiscoveryTimeout is a reasonable bound for
// WaitForDiscoveryComplete.
const DefaultDiscoveryTimeout = 10 * time.Second

// DiscoveredService is one entry of the peer's discovered service list.
type DiscoveredService struct {
	Descriptor ServiceDescriptor

	// Handle is the negotiated handle the peer serves this service on.
	Handle uint8

	// Matched reports whether a registered client was bound to it.
	Matched bool
}

// discoveryState tracks one discovery exchange; it is guarded by App.mu.
type discoveryState struct {
	complete bool
	done     chan struct{}
	found    []DiscoveredService
	matched  int
}

// discoveryServiceRequest answers a DiscoverAll request with the
// descriptors of every registered service, in handle order.
func (a *App) discoveryServiceRequest(req Header) bool {
	if req.Command != DiscoveryCommandDiscoverAll {
		return false
	}

	resp := req
	resp.Type = MessageTypeServiceResponse
	resp.Error = ErrorNone

	a.mu.Lock()
	buf := a.transport.BufferPool().GetSize(HeaderLen + len(a.services)*DescriptorLen)
	EncodeHeaderTo(buf, resp)
	for i, ep := range a.services {
		EncodeDescriptorTo(buf[HeaderLen+i*DescriptorLen:], ep.svc.Descriptor)
	}
	count := len(a.services)
	a.mu.Unlock()

	logging.Debug("answering service discovery",
		zap.String("instance", a.name),
		zap.Int("services", count),
		zap.Uint8("transaction", req.Transaction))

	if !a.transport.EnqueueTxDatagram(buf) {
		logging.Error("could not enqueue discovery response",
			zap.String("instance", a.name))
	}
	return true
}

// InitiateDiscovery requests the peer's service list and matches the
// response against registered clients. Existing matches are dropped
// until the new response arrives. It runs automatically after a
// transport reset when clients are registered.
func (a *App) InitiateDiscovery() {
	a.mu.Lock()
	a.discovery.complete = false
	a.discovery.found = nil
	a.discovery.matched = 0
	if a.discovery.done == nil {
		a.discovery.done = make(chan struct{})
	}
	stale := make([]*ClientEndpoint, 0, len(a.clientByHandle))
	for _, ep := range a.clientByHandle {
		stale = append(stale, ep)
	}
	a.clientByHandle = make(map[uint8]*ClientEndpoint)
	a.mu.Unlock()

	// The peer may assign different handles this time around; stale
	// bindings must not route or send in the meantime.
	for _, ep := range stale {
		ep.unbind()
	}

	logging.Info("initiating service discovery",
		zap.String("instance", a.name))

	buf := a.discoveryEP.NewRequestCommand(DiscoveryCommandDiscoverAll)
	a.transport.EnqueueTxDatagram(buf)
}

// WaitForDiscoveryComplete blocks until the pending discovery exchange
// has been processed, or timeout elapses.
func (a *App) WaitForDiscoveryComplete(timeout time.Duration) bool {
	a.mu.Lock()
	if a.discovery.complete {
		a.mu.Unlock()
		return true
	}
	if a.discovery.done == nil {
		a.discovery.done = make(chan struct{})
	}
	ch := a.discovery.done
	a.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		logging.Error("timed out waiting for discovery to complete",
			zap.String("instance", a.name),
			zap.Duration("timeout", timeout))
		return false
	}
}

// DiscoveredServices returns the peer's service list from the last
// completed discovery.
func (a *App) DiscoveredServices() []DiscoveredService {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DiscoveredService, len(a.discovery.found))
	copy(out, a.discovery.found)
	return out
}

// discoveryClientResponse consumes the peer's DiscoverAll response.
func (a *App) discoveryClientResponse(_ *ClientEndpoint, h Header, buf []byte) bool {
	if h.Command != DiscoveryCommandDiscoverAll {
		return false
	}
	if h.Error != ErrorNone {
		logging.Error("peer reported discovery error",
			zap.String("instance", a.name),
			zap.String("error", h.Error.String()))
		a.finishDiscovery(nil, 0)
		return true
	}
	a.processDiscoverAll(buf)
	return true
}

// processDiscoverAll decodes the discovered descriptors, matches each
// against the registered clients by UUID and major version, and opens the
// matched clients on their negotiated handles.
func (a *App) processDiscoverAll(buf []byte) {
	servicesLen := len(buf) - HeaderLen
	count := servicesLen / DescriptorLen
	if count*DescriptorLen != servicesLen {
		logging.Error("discovery response length is not a whole descriptor count",
			zap.String("instance", a.name),
			zap.Int("servicesLen", servicesLen),
			zap.Int("descriptorLen", DescriptorLen))
	}

	type pendingOpen struct {
		ep     *ClientEndpoint
		handle uint8
		desc   ServiceDescriptor
		index  int
	}

	found := make([]DiscoveredService, 0, count)
	var opens []pendingOpen

	a.mu.Lock()
	for i := 0; i < count; i++ {
		d := DecodeDescriptor(buf[HeaderLen+i*DescriptorLen:])
		handle := HandleNegotiatedRangeStart + uint8(i)
		found = append(found, DiscoveredService{Descriptor: d, Handle: handle})

		var match *ClientEndpoint
		for _, cep := range a.clients {
			if cep.client.Descriptor.UUID == d.UUID &&
				cep.client.Descriptor.Version.Major == d.Version.Major {
				match = cep
				break
			}
		}
		if match == nil {
			logging.Info("no matching client for discovered service",
				zap.String("instance", a.name),
				zap.Uint8("handle", handle),
				zap.String("name", d.Name),
				zap.String("uuid", d.UUID.String()),
				zap.Uint8("major", d.Version.Major))
			continue
		}
		opens = append(opens, pendingOpen{ep: match, handle: handle, desc: d, index: i})
	}
	a.mu.Unlock()

	// Open callbacks run without App.mu held; they may send requests.
	matched := 0
	for _, o := range opens {
		o.ep.bind(o.handle)
		if o.ep.client.Open != nil && !o.ep.client.Open(o.ep, o.desc.Version) {
			logging.Error("client rejected discovered service",
				zap.String("instance", a.name),
				zap.Uint8("handle", o.handle),
				zap.String("name", o.desc.Name),
				zap.Uint8("serviceMajor", o.desc.Version.Major),
				zap.Uint8("clientMajor", o.ep.client.Descriptor.Version.Major))
			o.ep.unbind()
			continue
		}
		a.mu.Lock()
		a.clientByHandle[o.handle] = o.ep
		a.mu.Unlock()
		found[o.index].Matched = true
		matched++

		logging.Info("client matched to discovered service",
			zap.String("instance", a.name),
			zap.Uint8("handle", o.handle),
			zap.String("name", o.desc.Name),
			zap.String("uuid", o.desc.UUID.String()),
			zap.String("serviceVersion", o.desc.Version.String()),
			zap.String("clientVersion", o.ep.client.Descriptor.Version.String()))
	}

	a.finishDiscovery(found, matched)
}

// finishDiscovery publishes the discovery outcome and wakes waiters.
func (a *App) finishDiscovery(found []DiscoveredService, matched int) {
	a.mu.Lock()
	a.discovery.found = found
	a.discovery.matched = matched
	a.discovery.complete = true
	if a.discovery.done != nil {
		close(a.discovery.done)
		a.discovery.done = nil
	}
	clients := len(a.clients)
	a.mu.Unlock()

	logging.Info("service discovery complete",
		zap.String("instance", a.name),
		zap.Int("discovered", len(found)),
		zap.Int("matched", matched),
		zap.Int("clients", clients))
}
