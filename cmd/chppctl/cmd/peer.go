package cmd

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/chpp-org/gochpp/pkg/app"
	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/packet"
	"github.com/chpp-org/gochpp/pkg/transport"
)

// echoServiceUUID matches the echo vendor service published by chppd.
var echoServiceUUID = uuid.MustParse("8e5b8a47-1a6d-4e4b-8b9e-0d3f6a2c9f51")

const echoCommand uint16 = 0x0001

// echoReply carries one echo response out of the dispatch goroutine. The
// payload is copied; the response buffer returns to the transport pool
// as soon as the handler returns.
type echoReply struct {
	h       app.Header
	payload []byte
}

// peer is a dialed CHPP endpoint with the echo client registered.
type peer struct {
	lnk     link.Link
	tp      *transport.Transport
	ap      *app.App
	echo    *app.ClientEndpoint
	echoRR  app.RequestResponseState
	replies chan echoReply
}

// dialPeer connects per the global flags, starts the transport, and waits
// for the reset handshake. The echo client is registered before Start, so
// service discovery runs as soon as the handshake completes.
func dialPeer() (*peer, error) {
	var lnk link.Link
	if serialDevice != "" {
		sl, err := link.NewSerialLink(link.SerialConfig{
			Device:   serialDevice,
			BaudRate: serialBaud,
			MTU:      mtu,
		})
		if err != nil {
			return nil, err
		}
		lnk = sl
	} else {
		conn, err := net.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s %s: %w", network, addr, err)
		}
		lnk = link.NewStreamLink(conn, mtu)
	}

	tcfg := transport.DefaultConfig()
	tcfg.Name = "chppctl"

	p := &peer{
		lnk:     lnk,
		tp:      transport.New(lnk, tcfg),
		replies: make(chan echoReply, 1),
	}
	p.ap = app.New(p.tp, app.DefaultConfig())
	p.echo = p.ap.RegisterClient(&app.Client{
		Descriptor: app.ClientDescriptor{
			UUID:    echoServiceUUID,
			Version: packet.Version{Major: 1},
		},
		MinLength: app.HeaderLen,
		HandleResponse: func(ep *app.ClientEndpoint, h app.Header, buf []byte) bool {
			if !ep.TimestampResponse(&p.echoRR, h) {
				return false
			}
			payload := make([]byte, len(buf)-app.HeaderLen)
			copy(payload, buf[app.HeaderLen:])
			select {
			case p.replies <- echoReply{h: h, payload: payload}:
			default:
			}
			return true
		},
	})

	if err := p.tp.Start(); err != nil {
		lnk.Close()
		return nil, err
	}
	if !p.tp.WaitForResetComplete(opTimeout) {
		p.close()
		return nil, fmt.Errorf("reset handshake did not complete within %s", opTimeout)
	}
	return p, nil
}

// close stops the transport and closes the link.
func (p *peer) close() {
	p.tp.Stop()
	p.lnk.Close()
}
