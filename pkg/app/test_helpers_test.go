package app

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/packet"
	"github.com/chpp-org/gochpp/pkg/transport"
)

// ==================== Null Link ====================

// nullLink satisfies link.Link for unit tests that never start the
// transport. Anything the app enqueues stays in the transport queue,
// which these tests do not inspect.
type nullLink struct{ mtu int }

func (l *nullLink) Open(cb link.Callbacks) error             { return nil }
func (l *nullLink) Send(buf []byte) (link.SendStatus, error) { return link.SendComplete, nil }
func (l *nullLink) DoWork(signal uint32)                     {}
func (l *nullLink) Reset()                                   {}
func (l *nullLink) MTU() int                                 { return l.mtu }
func (l *nullLink) Close() error                             { return nil }

// newTestApp returns an App over an unstarted transport. Tests drive
// dispatch by calling ProcessRxDatagram directly with pool buffers, the
// way the transport delivers reassembled datagrams.
func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	tcfg := transport.DefaultConfig()
	tcfg.Name = t.Name()
	tr := transport.New(&nullLink{mtu: link.DefaultMTU}, tcfg)
	synchronize(tr)
	return New(tr, cfg)
}

// synchronize completes the transport handshake by feeding a peer reset
// through the receive path, so outbound requests are not refused as
// unsynchronized. Runs before a receiver is bound.
func synchronize(tr *transport.Transport) {
	h := packet.Header{Code: packet.MakeCode(packet.AttrReset, packet.ErrorNone)}
	cfg := packet.ResetConfig{
		Version:    packet.Version{Major: 1},
		RxMTU:      uint16(link.DefaultMTU),
		WindowSize: 1,
		TimeoutMs:  100,
	}
	payload := packet.EncodeResetConfig(&cfg)
	buf := make([]byte, packet.FramingOverhead+len(payload))
	packet.EncodePacket(buf, &h, payload, packet.Checksummer{})
	tr.RxData(buf)
}

// inject copies data into a pool buffer and runs it through dispatch.
func inject(a *App, data []byte) {
	buf := a.Transport().BufferPool().GetSize(len(data))
	copy(buf, data)
	a.ProcessRxDatagram(buf)
}

// bindClient attaches ep to a negotiated handle the way a discovery
// match would, without running the exchange.
func bindClient(a *App, ep *ClientEndpoint, handle uint8) {
	ep.bind(handle)
	a.mu.Lock()
	a.clientByHandle[handle] = ep
	a.mu.Unlock()
}

// ==================== Vendor Fixtures ====================

// The echo service answers echoCommand requests by returning the request
// payload unchanged. Its descriptor doubles as the discovery fixture.
var echoServiceUUID = uuid.MustParse("8a4c02fa-d380-4d19-9c69-a1d9a823c296")

const echoCommand uint16 = 0x0001

func echoDescriptor() ServiceDescriptor {
	return ServiceDescriptor{
		UUID:    echoServiceUUID,
		Name:    "echo",
		Version: packet.Version{Major: 1, Minor: 2, Patch: 3},
	}
}

func newEchoService() *Service {
	var rr RequestResponseState
	return &Service{
		Descriptor: echoDescriptor(),
		MinLength:  HeaderLen,
		HandleRequest: func(ep *ServiceEndpoint, h Header, buf []byte) bool {
			if h.Command != echoCommand {
				return false
			}
			ep.TimestampRequest(&rr, h)
			resp := ep.AllocResponse(h, len(buf))
			copy(resp[HeaderLen:], buf[HeaderLen:])
			ep.SendTimestampedResponse(&rr, resp)
			return true
		},
	}
}

// recordedResponse is one response delivered to a recording client.
type recordedResponse struct {
	h       Header
	payload []byte
}

// newRecordingClient returns a client whose responses are forwarded on
// the returned channel. Its descriptor matches the echo service.
func newRecordingClient(timeout time.Duration) (*Client, chan recordedResponse) {
	ch := make(chan recordedResponse, 8)
	c := &Client{
		Descriptor: ClientDescriptor{
			UUID:    echoServiceUUID,
			Version: packet.Version{Major: 1},
		},
		MinLength:      HeaderLen,
		RequestTimeout: timeout,
		HandleResponse: func(ep *ClientEndpoint, h Header, buf []byte) bool {
			ch <- recordedResponse{
				h:       h,
				payload: append([]byte(nil), buf[HeaderLen:]...),
			}
			return true
		},
	}
	return c, ch
}

func waitResponse(t *testing.T, ch chan recordedResponse) recordedResponse {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client response")
		return recordedResponse{}
	}
}

// requireNoResponse asserts nothing arrives on ch for the given window.
func requireNoResponse(t *testing.T, ch chan recordedResponse, window time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected response: %+v", r)
	case <-time.After(window):
	}
}

// appPayload fills n bytes with a repeating non-zero pattern.
func appPayload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i%251) + 1
	}
	return buf
}

// ==================== Started Pair Helper ====================

// startAppPair wires two Apps over started transports on an in-memory
// link pair and waits for the handshake. setup functions register
// services and clients before any traffic flows.
func startAppPair(t *testing.T, setupA, setupB func(*App)) (*App, *App) {
	t.Helper()
	return startAppPairCfg(t, DefaultConfig(), DefaultConfig(), setupA, setupB)
}

// startAppPairCfg is startAppPair with per-side application configs.
func startAppPairCfg(t *testing.T, cfgA, cfgB Config, setupA, setupB func(*App)) (*App, *App) {
	t.Helper()
	la, lb := link.NewMemPair(link.DefaultMTU)

	mkCfg := func(name string) transport.Config {
		cfg := transport.DefaultConfig()
		cfg.Name = name
		cfg.ResetTimeout = 50 * time.Millisecond
		cfg.MaxResetAttempts = 20
		return cfg
	}
	ta := transport.New(la, mkCfg(fmt.Sprintf("%s-a", t.Name())))
	tb := transport.New(lb, mkCfg(fmt.Sprintf("%s-b", t.Name())))
	aa := New(ta, cfgA)
	ab := New(tb, cfgB)
	if setupA != nil {
		setupA(aa)
	}
	if setupB != nil {
		setupB(ab)
	}

	require.NoError(t, ta.Start())
	require.NoError(t, tb.Start())
	t.Cleanup(func() {
		ta.Stop()
		tb.Stop()
		la.Close()
		lb.Close()
	})

	require.True(t, ta.WaitForResetComplete(2*time.Second), "side a must synchronize")
	require.True(t, tb.WaitForResetComplete(2*time.Second), "side b must synchronize")
	return aa, ab
}
