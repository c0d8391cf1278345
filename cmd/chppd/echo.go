package main

import (
	"github.com/google/uuid"

	"github.com/chpp-org/gochpp/pkg/app"
	"github.com/chpp-org/gochpp/pkg/packet"
)

// The echo service answers every request by sending the request payload
// back unchanged. chppctl uses it as a vendor-service smoke test on top
// of the predefined loopback, exercising discovery, handle negotiation
// and the request/response path end to end.

// echoServiceUUID is the published identity clients discover the echo
// service by. Fixed across versions.
var echoServiceUUID = uuid.MustParse("8e5b8a47-1a6d-4e4b-8b9e-0d3f6a2c9f51")

const echoCommand uint16 = 0x0001

var echoVersion = packet.Version{Major: 1}

// newEchoService builds the echo vendor service. Each registration gets
// its own request/response state, so every served link registers a fresh
// instance.
func newEchoService() *app.Service {
	var rr app.RequestResponseState
	return &app.Service{
		Descriptor: app.ServiceDescriptor{
			UUID:    echoServiceUUID,
			Name:    "echo",
			Version: echoVersion,
		},
		MinLength: app.HeaderLen,
		HandleRequest: func(ep *app.ServiceEndpoint, h app.Header, buf []byte) bool {
			if h.Command != echoCommand {
				return false
			}
			ep.TimestampRequest(&rr, h)
			resp := ep.AllocResponse(h, len(buf))
			copy(resp[app.HeaderLen:], buf[app.HeaderLen:])
			ep.SendTimestampedResponse(&rr, resp)
			return true
		},
	}
}
