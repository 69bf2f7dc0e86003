// File: server/server.go
// Package server implements the front-end that accepts TCP connections,
// parses the upgrade request, and hands resolved connections to the
// application as open endpoints.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/httpmsg"
	"github.com/momentics/wsendpoint/transport"
)

// ErrAlreadyShutdown is returned by Shutdown after the first call.
var ErrAlreadyShutdown = errors.New("server already shut down")

// Server owns one listener and the connections still waiting for their
// request to be resolved.
type Server struct {
	listener net.Listener
	opts     api.Options
	log      logrus.FieldLogger

	requests chan *Request

	mu      sync.Mutex
	pending map[*pendingConn]struct{}

	shutdown  chan struct{}
	closeOnce sync.Once
	closed    bool
}

// Option customizes the server.
type Option func(*Server)

// WithLogger substitutes the structured logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// WithEndpointOptions sets the api.Options handed to upgraded endpoints and
// used for listener tuning.
func WithEndpointOptions(o api.Options) Option {
	return func(s *Server) { s.opts = o }
}

// Listen binds addr and starts accepting connections.
func Listen(addr string, sopts ...Option) (*Server, error) {
	s := &Server{
		opts:     api.DefaultOptions(),
		log:      logrus.StandardLogger(),
		requests: make(chan *Request),
		pending:  make(map[*pendingConn]struct{}),
		shutdown: make(chan struct{}),
	}
	for _, o := range sopts {
		o(s)
	}
	ln, err := transport.Listen(addr, s.opts.EnableFastOpen)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	go s.acceptLoop()
	return s, nil
}

// Serve runs the accept loop over an externally created listener. Useful
// for tests with in-memory listeners.
func Serve(ln net.Listener, sopts ...Option) *Server {
	s := &Server{
		listener: ln,
		opts:     api.DefaultOptions(),
		log:      logrus.StandardLogger(),
		requests: make(chan *Request),
		pending:  make(map[*pendingConn]struct{}),
		shutdown: make(chan struct{}),
	}
	for _, o := range sopts {
		o(s)
	}
	go s.acceptLoop()
	return s
}

// Addr reports the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Requests delivers one Request per well-formed inbound HTTP request. The
// application must resolve each exactly once.
func (s *Server) Requests() <-chan *Request { return s.requests }

// Shutdown stops accepting and closes every connection still pending
// resolution. Endpoints already handed out are unaffected.
func (s *Server) Shutdown() error {
	already := true
	s.closeOnce.Do(func() {
		already = false
		close(s.shutdown)
		s.listener.Close()
		s.mu.Lock()
		conns := make([]*pendingConn, 0, len(s.pending))
		for pc := range s.pending {
			conns = append(conns, pc)
		}
		s.closed = true
		s.mu.Unlock()
		for _, pc := range conns {
			pc.close()
		}
	})
	if already {
		return ErrAlreadyShutdown
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
			default:
				s.log.WithError(err).Warn("accept failed")
			}
			return
		}
		pc := &pendingConn{srv: s, conn: conn}
		if !s.register(pc) {
			conn.Close()
			return
		}
		go pc.readRequest()
	}
}

func (s *Server) register(pc *pendingConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[pc] = struct{}{}
	return true
}

func (s *Server) unregister(pc *pendingConn) {
	s.mu.Lock()
	delete(s.pending, pc)
	s.mu.Unlock()
}

// pendingConn is one accepted connection whose request is not yet resolved.
type pendingConn struct {
	srv  *Server
	conn net.Conn

	mu       sync.Mutex
	released bool
}

// close tears the connection down and forgets it.
func (pc *pendingConn) close() {
	pc.mu.Lock()
	if pc.released {
		pc.mu.Unlock()
		return
	}
	pc.released = true
	pc.mu.Unlock()
	pc.conn.Close()
	pc.srv.unregister(pc)
}

// release detaches the connection without closing it; ownership moved to an
// upgraded endpoint.
func (pc *pendingConn) release() {
	pc.mu.Lock()
	pc.released = true
	pc.mu.Unlock()
	pc.srv.unregister(pc)
}

// readRequest drives the request parser off the raw connection until it
// resolves one way or the other.
func (pc *pendingConn) readRequest() {
	parser := httpmsg.NewRequestParser()
	buf := make([]byte, 4096)
	for {
		status := parser.Poll()
		switch status {
		case httpmsg.ParseComplete:
			pc.deliver(parser.Message(), parser.Tail())
			return
		case httpmsg.ParseInvalid:
			pc.srv.log.WithField("remote", pc.conn.RemoteAddr()).
				WithField("reason", parser.InvalidReason()).
				Debug("invalid HTTP request")
			pc.respondError(400, "invalid HTTP request")
			return
		}
		n, err := pc.conn.Read(buf)
		if n > 0 {
			parser.Append(buf[:n])
		}
		if err != nil {
			parser.SignalEOF()
			if parser.Poll() == httpmsg.ParseComplete {
				pc.deliver(parser.Message(), parser.Tail())
				return
			}
			pc.close()
			return
		}
	}
}

// respondError writes a plain-text error response and closes.
func (pc *pendingConn) respondError(status int, text string) {
	m := httpmsg.NewResponse(status)
	m.ContentType = &httpmsg.Parameterized{Token: "text/plain"}
	m.Body = []byte(text)
	if b, err := httpmsg.Encode(m); err == nil {
		pc.conn.Write(b)
	}
	pc.close()
}

// deliver builds the Request collaborator and hands it to the application.
func (pc *pendingConn) deliver(msg *httpmsg.Message, tail []byte) {
	req := newRequest(pc, msg, tail)
	select {
	case pc.srv.requests <- req:
	case <-pc.srv.shutdown:
		pc.close()
	}
}
