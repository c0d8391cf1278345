package main

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/chpp-org/gochpp/pkg/app"
	"github.com/chpp-org/gochpp/pkg/link"
	"github.com/chpp-org/gochpp/pkg/logging"
	"github.com/chpp-org/gochpp/pkg/transport"
)

// watchedConn closes done on the first read error so the session can be
// torn down when the peer disconnects. The stream link only logs read
// failures; the daemon needs the signal.
type watchedConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func watchConn(c net.Conn) *watchedConn {
	return &watchedConn{Conn: c, done: make(chan struct{})}
}

func (c *watchedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.once.Do(func() { close(c.done) })
	}
	return n, err
}

// session is one served CHPP endpoint: a link, its transport, and the
// application layer with the daemon's vendor services registered.
type session struct {
	name string
	lnk  link.Link
	tp   *transport.Transport
	ap   *app.App
}

// newSession assembles the CHPP stack over l with the daemon's services
// registered. The transport is not started yet.
func newSession(name string, l link.Link) *session {
	tcfg := transport.DefaultConfig()
	tcfg.Name = name

	tp := transport.New(l, tcfg)
	ap := app.New(tp, app.DefaultConfig())
	ap.RegisterService(newEchoService())
	return &session{name: name, lnk: l, tp: tp, ap: ap}
}

// start opens the link and begins the reset handshake.
func (s *session) start() error {
	return s.tp.Start()
}

// stop terminates the transport worker and closes the link. Safe to call
// more than once; both halves are idempotent.
func (s *session) stop() {
	s.tp.Stop()
	if err := s.lnk.Close(); err != nil {
		logging.Warn("link close failed",
			zap.String("instance", s.name), zap.Error(err))
	}
}
