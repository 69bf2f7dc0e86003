// File: server/request.go
// Package server implements the front-end.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request is the resolution collaborator: the application answers each one
// by exactly one of Respond, RespondPlain, Redirect or Upgrade. A request
// that is dropped without resolution reclaims and closes its connection.

package server

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/endpoint"
	"github.com/momentics/wsendpoint/handshake"
	"github.com/momentics/wsendpoint/httpmsg"
	"github.com/momentics/wsendpoint/transport"
)

// ErrAlreadyResolved is returned by a second resolution attempt.
var ErrAlreadyResolved = errors.New("request already resolved")

// Request carries one parsed inbound HTTP request awaiting resolution.
type Request struct {
	Method     string
	Target     string
	Host       string
	RemoteAddr string

	// Headers holds the non-structured request headers, lower-cased.
	Headers     map[string]string
	ContentType string
	Body        []byte

	// UpgradeRequested reports whether the client asked for a WebSocket
	// upgrade at all; Upgrade may still refuse an invalid one.
	UpgradeRequested bool
	// Subprotocols is the client's offered list.
	Subprotocols []string

	msg      *httpmsg.Message
	tail     []byte
	pc       *pendingConn
	resolved atomic.Bool
}

func newRequest(pc *pendingConn, msg *httpmsg.Message, tail []byte) *Request {
	r := &Request{
		Method:           msg.Method,
		Target:           msg.Target,
		Host:             msg.Host,
		Headers:          msg.Headers,
		Body:             msg.Body,
		UpgradeRequested: handshake.IsUpgradeRequest(msg),
		Subprotocols:     msg.SecWebSocketProtocol,
		msg:              msg,
		tail:             tail,
		pc:               pc,
	}
	if msg.ContentType != nil {
		r.ContentType = msg.ContentType.Format()
	}
	if addr := pc.conn.RemoteAddr(); addr != nil {
		r.RemoteAddr = addr.String()
	}
	// Reclaim-on-drop: an unresolved request that becomes garbage closes
	// its connection.
	runtime.SetFinalizer(r, func(r *Request) {
		if !r.resolved.Load() {
			r.pc.close()
		}
	})
	return r
}

// claim marks the request resolved; only the first caller wins.
func (r *Request) claim() error {
	if !r.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return nil
}

// Respond answers with an arbitrary HTTP response and closes the
// connection.
func (r *Request) Respond(m *httpmsg.Message) error {
	if err := r.claim(); err != nil {
		return err
	}
	defer r.pc.close()
	b, err := httpmsg.Encode(m)
	if err != nil {
		return err
	}
	_, err = r.pc.conn.Write(b)
	return err
}

// RespondPlain answers with a plain-text body.
func (r *Request) RespondPlain(status int, text string) error {
	m := httpmsg.NewResponse(status)
	m.ContentType = &httpmsg.Parameterized{Token: "text/plain"}
	m.Body = []byte(text)
	return r.Respond(m)
}

// Redirect answers with a Location response; a zero status means 302.
func (r *Request) Redirect(location string, status int) error {
	if status == 0 {
		status = 302
	}
	m := httpmsg.NewResponse(status)
	m.Location = location
	return r.Respond(m)
}

// Upgrade completes the WebSocket handshake and hands back a fully open
// endpoint. On failure the connection gets a descriptive 400 response and
// is closed.
func (r *Request) Upgrade(subprotocol string, extraHeaders map[string]string, opts *api.Options) (*endpoint.Endpoint, error) {
	if err := r.claim(); err != nil {
		return nil, err
	}
	eopts := r.pc.srv.opts
	if opts != nil {
		eopts = *opts
	}

	resp, result, cfg, err := handshake.Accept(r.msg, subprotocol, extraHeaders, eopts.EnableCompression)
	if err != nil {
		r.refuse(err.Error())
		return nil, api.WrapError(api.ErrCodeInvalidHTTPRequest, "upgrade refused", err)
	}
	b, err := httpmsg.Encode(resp)
	if err != nil {
		r.refuse("internal handshake failure")
		return nil, err
	}
	if _, err := r.pc.conn.Write(b); err != nil {
		r.pc.close()
		return nil, api.WrapError(api.ErrCodeUnexpectedDisconnect, "write 101 response", err)
	}

	// Ownership of the socket moves to the endpoint's transport.
	r.pc.release()
	tr := transport.NewFromConn(r.pc.conn, eopts.ReceiveChunkSize, r.pc.srv.log)
	ep := endpoint.NewServerEndpoint(tr, result, cfg, r.tail, eopts)
	return ep, nil
}

// refuse writes the refusal response and closes.
func (r *Request) refuse(text string) {
	m := handshake.Refuse(400, text)
	if b, err := httpmsg.Encode(m); err == nil {
		r.pc.conn.Write(b)
	}
	r.pc.close()
}
