// File: handshake/client.go
// Package handshake implements the client and server halves of the WebSocket
// opening handshake (RFC 6455 §4).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The client half is a per-attempt state machine: emit the upgrade request,
// feed it response bytes, poll for ready / redirect / rejected / failed. The
// endpoint controller owns the redirect loop and builds a fresh Client for
// every attempt.

package handshake

import (
	"net/url"
	"strings"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/deflate"
	"github.com/momentics/wsendpoint/httpmsg"
)

// ClientOutcomeKind enumerates what a Poll can resolve to.
type ClientOutcomeKind uint8

const (
	OutcomePending ClientOutcomeKind = iota
	OutcomeReady
	OutcomeRedirect
	OutcomeRejected
	OutcomeFailed
)

// ClientOutcome is the result of polling a client handshake.
type ClientOutcome struct {
	Kind ClientOutcomeKind

	// Ready.
	Result      api.HandshakeResult
	Compression deflate.Config
	// Tail holds bytes past the response header; they are the first
	// WebSocket frame bytes and belong to the input framer.
	Tail []byte

	// Redirect.
	Location string

	// Rejected / Failed.
	Rejection *api.FailedHandshakeResult
	Err       *api.Error
}

// Client drives one opening-handshake attempt.
type Client struct {
	url  *url.URL
	opts api.Options

	key            string
	expectedAccept string
	offer          deflate.Offer
	offered        bool

	parser *httpmsg.Parser
	done   bool
}

// NewClient prepares one attempt against u: fresh nonce, precomputed accept
// digest, fresh response parser.
func NewClient(u *url.URL, opts api.Options, random api.RandomSource) (*Client, error) {
	key, err := GenerateKey(random)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:            u,
		opts:           opts,
		key:            key,
		expectedAccept: AcceptKey(key),
		parser:         httpmsg.NewResponseParser(),
	}
	if opts.EnableCompression {
		c.offer = deflate.DefaultClientOffer()
		c.offered = true
	}
	return c, nil
}

// hostHeader renders host[:port], omitting the scheme's default port.
func hostHeader(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	switch {
	case port == "":
		return host
	case strings.EqualFold(u.Scheme, "ws") && port == "80":
		return host
	case strings.EqualFold(u.Scheme, "wss") && port == "443":
		return host
	}
	return host + ":" + port
}

// resourceName renders the request target: path plus query, "/" when empty.
func resourceName(u *url.URL) string {
	res := u.EscapedPath()
	if res == "" {
		res = "/"
	}
	if u.RawQuery != "" {
		res += "?" + u.RawQuery
	}
	return res
}

// RequestBytes encodes the upgrade request for this attempt.
func (c *Client) RequestBytes() ([]byte, error) {
	m := httpmsg.NewRequest("GET", resourceName(c.url))
	m.Host = hostHeader(c.url)
	m.Upgrade = []string{"websocket"}
	m.Connection = []string{"upgrade"}
	m.SecWebSocketKey = c.key
	m.SecWebSocketVersion = []string{RequiredVersion}
	m.SecWebSocketProtocol = c.opts.Subprotocols
	if c.offered {
		m.SecWebSocketExtensions = []string{c.offer.Format()}
	}
	if len(c.opts.ExtraHeaders) > 0 {
		m.Headers = make(map[string]string, len(c.opts.ExtraHeaders))
		for name, value := range c.opts.ExtraHeaders {
			// The encoder drops forbidden names silently.
			m.Headers[name] = value
		}
	}
	b, err := httpmsg.Encode(m)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeInvalidHTTPRequest, "encode upgrade request", err)
	}
	return b, nil
}

// Append feeds response bytes.
func (c *Client) Append(b []byte) { c.parser.Append(b) }

// SignalEOF marks the end of the response stream.
func (c *Client) SignalEOF() { c.parser.SignalEOF() }

func failed(code api.ErrorCode, msg string) ClientOutcome {
	return ClientOutcome{Kind: OutcomeFailed, Err: api.NewError(code, msg)}
}

// Poll advances the attempt. Once a terminal outcome has been returned the
// handshake stays done.
func (c *Client) Poll() ClientOutcome {
	if c.done {
		return ClientOutcome{Kind: OutcomePending}
	}
	status := c.parser.Poll()

	// Redirects are acted on as soon as the header block is in; their
	// bodies carry nothing the handshake needs.
	if status == httpmsg.ParseIncomplete && c.parser.HeadersDone() {
		if m := c.parser.Message(); m.Status >= 300 && m.Status <= 399 {
			c.done = true
			return c.redirect(m)
		}
	}

	switch status {
	case httpmsg.ParseIncomplete:
		return ClientOutcome{Kind: OutcomePending}
	case httpmsg.ParseInvalid:
		c.done = true
		return failed(api.ErrCodeInvalidHTTPResponse, c.parser.InvalidReason())
	}

	c.done = true
	m := c.parser.Message()
	switch {
	case m.Status == 101:
		return c.ready(m)
	case m.Status >= 300 && m.Status <= 399:
		return c.redirect(m)
	default:
		return c.rejected(m)
	}
}

func (c *Client) redirect(m *httpmsg.Message) ClientOutcome {
	if m.Location == "" {
		return failed(api.ErrCodeInvalidRedirection, "redirect response without Location")
	}
	return ClientOutcome{Kind: OutcomeRedirect, Location: m.Location}
}

func (c *Client) rejected(m *httpmsg.Message) ClientOutcome {
	rej := &api.FailedHandshakeResult{
		Status:       m.Status,
		Reason:       m.ReasonPhrase,
		ExtraHeaders: m.Headers,
		Body:         m.Body,
	}
	if m.ContentType != nil {
		rej.ContentType = m.ContentType.Format()
	}
	err := api.NewError(api.ErrCodeUpgradeRejected, m.ReasonPhrase)
	err.Rejection = rej
	return ClientOutcome{Kind: OutcomeRejected, Rejection: rej, Err: err}
}

func (c *Client) ready(m *httpmsg.Message) ClientOutcome {
	if !httpmsg.HeaderContainsToken(m.Upgrade, "websocket") {
		return failed(api.ErrCodeInvalidUpgradeHeader, "Upgrade header missing websocket")
	}
	if !httpmsg.HeaderContainsToken(m.Connection, "upgrade") {
		return failed(api.ErrCodeInvalidConnectionHeader, "Connection header missing upgrade")
	}
	if m.SecWebSocketAccept != c.expectedAccept {
		return failed(api.ErrCodeKeyMismatch, "Sec-WebSocket-Accept does not match")
	}

	result := api.HandshakeResult{ExtraHeaders: m.Headers}

	if len(m.SecWebSocketProtocol) > 0 {
		if len(m.SecWebSocketProtocol) > 1 {
			return failed(api.ErrCodeSubprotocolMismatch, "server selected multiple subprotocols")
		}
		selected := m.SecWebSocketProtocol[0]
		if !containsFold(c.opts.Subprotocols, selected) {
			return failed(api.ErrCodeSubprotocolMismatch, "server selected an unoffered subprotocol")
		}
		result.Subprotocol = selected
	}

	var cfg deflate.Config
	if len(m.SecWebSocketExtensions) > 0 {
		if !c.offered || len(m.SecWebSocketExtensions) > 1 {
			return failed(api.ErrCodeExtensionMismatch, "server selected an unoffered extension")
		}
		resp, err := deflate.ParseOffer(m.SecWebSocketExtensions[0])
		if err != nil {
			return failed(api.ErrCodeExtensionMismatch, err.Error())
		}
		if !deflate.AcceptResponse(c.offer, resp) {
			return failed(api.ErrCodeExtensionMismatch, "extension parameters exceed our offer")
		}
		cfg = resp.ConfigFor(api.RoleClient)
		result.CompressionAvailable = true
	}

	return ClientOutcome{
		Kind:        OutcomeReady,
		Result:      result,
		Compression: cfg,
		Tail:        c.parser.Tail(),
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
