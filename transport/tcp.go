// File: transport/tcp.go
// Package transport provides the stream transport collaborator used by
// endpoints: TCP with optional TLS, delivering inbound bytes and network
// signals as an event stream.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsendpoint/api"
)

// TCP implements api.Transport over a net.Conn.
type TCP struct {
	conn  net.Conn
	chunk int
	log   logrus.FieldLogger

	events chan api.TransportEvent
	stop   chan struct{}

	cancelOnce sync.Once
	canceled   atomic.Bool
}

// NewFromConn wraps an established connection and starts the receive loop.
// chunk is the read granularity; values <= 0 fall back to the default.
func NewFromConn(conn net.Conn, chunk int, log logrus.FieldLogger) *TCP {
	if chunk <= 0 {
		chunk = api.DefaultOptions().ReceiveChunkSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &TCP{
		conn:   conn,
		chunk:  chunk,
		log:    log,
		events: make(chan api.TransportEvent, 32),
		stop:   make(chan struct{}),
	}
	go t.receiveLoop()
	return t
}

// defaultPort maps the URL scheme to its default port.
func defaultPort(scheme string) string {
	if strings.EqualFold(scheme, "wss") {
		return "443"
	}
	return "80"
}

// Dial connects to a ws/wss URL, applying the socket options the platform
// supports (TCP_NODELAY always, fast open when requested).
func Dial(ctx context.Context, u *url.URL, opts api.Options) (api.Transport, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	addr := net.JoinHostPort(host, port)

	dialer := net.Dialer{Control: dialControl(opts.EnableFastOpen)}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var dnsErr *net.DNSError
		if asNetError(err, &dnsErr) {
			return nil, api.WrapError(api.ErrCodeHostLookupFailed, host, err)
		}
		return nil, api.WrapError(api.ErrCodeConnectionFailed, addr, err)
	}

	conn := raw
	if strings.EqualFold(u.Scheme, "wss") {
		tlsConn := tls.Client(raw, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, api.WrapError(api.ErrCodeTLSFailed, host, err)
		}
		conn = tlsConn
	}

	chunk := opts.ReceiveChunkSize
	if chunk <= 0 {
		chunk = api.DefaultOptions().ReceiveChunkSize
	}
	t := &TCP{
		conn:   conn,
		chunk:  chunk,
		log:    logrus.StandardLogger(),
		events: make(chan api.TransportEvent, 32),
		stop:   make(chan struct{}),
	}
	// Queue the connect signal before the receive loop can close the channel.
	t.events <- api.TransportEvent{Kind: api.TransportConnected}
	go t.receiveLoop()
	return t, nil
}

func asNetError(err error, target **net.DNSError) bool {
	for err != nil {
		if e, ok := err.(*net.DNSError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Events implements api.Transport.
func (t *TCP) Events() <-chan api.TransportEvent { return t.events }

// Send implements api.Transport: one gather write per call, in caller
// order.
func (t *TCP) Send(buffers [][]byte) error {
	if t.canceled.Load() {
		return api.NewError(api.ErrCodeUnexpectedDisconnect, "transport canceled")
	}
	bufs := make(net.Buffers, 0, len(buffers))
	for _, b := range buffers {
		if len(b) > 0 {
			bufs = append(bufs, b)
		}
	}
	if len(bufs) == 0 {
		return nil
	}
	_, err := bufs.WriteTo(t.conn)
	return err
}

// Cancel implements api.Transport. It is safe to call more than once.
func (t *TCP) Cancel() {
	t.cancelOnce.Do(func() {
		t.canceled.Store(true)
		close(t.stop)
		t.conn.Close()
	})
}

// deliver hands an event to the owner unless the transport was canceled.
func (t *TCP) deliver(ev api.TransportEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.stop:
		return false
	}
}

// receiveLoop reads chunk-sized slices until EOF or cancel. Once started, the
// loop is the only sender on the events channel and closes it on exit.
func (t *TCP) receiveLoop() {
	defer close(t.events)
	buf := make([]byte, t.chunk)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !t.deliver(api.TransportEvent{Kind: api.TransportReceived, Data: data}) {
				return
			}
		}
		if err != nil {
			if t.canceled.Load() {
				return
			}
			if !isExpectedClose(err) {
				t.log.WithError(err).Debug("transport receive loop terminated")
			}
			t.deliver(api.TransportEvent{Kind: api.TransportEOF})
			return
		}
	}
}

func isExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
