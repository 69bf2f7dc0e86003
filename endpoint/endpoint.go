// File: endpoint/endpoint.go
// Package endpoint implements the per-connection controller: it sequences
// connect → handshake → open → frame I/O → close and multiplexes
// application sends, inbound frames, timers and network signals into one
// linearized event stream.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The endpoint is a serializing actor realized as a single driver goroutine
// owning all mutable state, fed by a multi-producer command channel and by
// the transport's event stream. Producers (Send, Close, SampleStatistics)
// and the single event consumer may run on any goroutines.

package endpoint

import (
	"context"
	"net/url"
	"strings"

	"github.com/eapache/queue"
	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/deflate"
	"github.com/momentics/wsendpoint/protocol"
	"github.com/momentics/wsendpoint/transport"
)

// DialFunc opens a transport to u. The endpoint owns the returned transport.
type DialFunc func(ctx context.Context, u *url.URL, opts api.Options) (api.Transport, error)

// MessageKind enumerates what Send can carry.
type MessageKind uint8

const (
	MessageText MessageKind = iota + 1
	MessageBinary
	MessagePing
	MessagePong
)

// Message is one outbound application message.
type Message struct {
	Kind MessageKind
	Text string
	Data []byte
	// Compression applies to text and binary only.
	Compression api.CompressionMode
}

// Option customizes an endpoint at construction.
type Option func(*Endpoint)

// WithClock substitutes the timer source.
func WithClock(c api.Clock) Option {
	return func(e *Endpoint) { e.clock = c }
}

// WithRandom substitutes the random-byte source.
func WithRandom(r api.RandomSource) Option {
	return func(e *Endpoint) { e.random = r }
}

// WithDialer substitutes the transport dialer.
func WithDialer(d DialFunc) Option {
	return func(e *Endpoint) { e.dial = d }
}

// NewClient creates a client endpoint for rawURL. Only ws and wss URLs are
// accepted; nothing touches the network until the first Send or Next.
func NewClient(rawURL string, opts api.Options, eopts ...Option) (*Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, api.WrapError(api.ErrCodeInvalidURL, rawURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return nil, api.NewError(api.ErrCodeInvalidURLScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, api.NewError(api.ErrCodeInvalidURL, "missing host")
	}
	e := newEndpoint(api.RoleClient, opts, eopts...)
	e.url = u
	e.visibleURL = u
	go e.run()
	return e, nil
}

// NewServerEndpoint wraps an already-upgraded connection: the handshake
// result is pre-baked, the endpoint starts open, and tail holds any frame
// bytes that arrived pipelined behind the upgrade request.
func NewServerEndpoint(tr api.Transport, result api.HandshakeResult, cfg deflate.Config, tail []byte, opts api.Options, eopts ...Option) *Endpoint {
	e := newEndpoint(api.RoleServer, opts, eopts...)
	e.state = api.StateOpen
	e.result = result
	e.transport = tr
	e.buildFramers(cfg)
	// The pending open event is delivered to whichever consumer arrives
	// first, before any frame event.
	e.pushEvent(api.Event{Kind: api.EventOpen, Result: result})
	e.openEmitted = true
	if len(tail) > 0 {
		e.inFramer.Append(tail)
		e.drainInputFrames()
	}
	go e.run()
	return e
}

func newEndpoint(role api.Role, opts api.Options, eopts ...Option) *Endpoint {
	e := &Endpoint{
		role:     role,
		opts:     opts,
		clock:    systemClock{},
		random:   systemRandom{},
		commands: make(chan command),
		done:     make(chan struct{}),
		parked:   queue.New(),
		pending:  queue.New(),
	}
	e.dial = func(ctx context.Context, u *url.URL, o api.Options) (api.Transport, error) {
		return transport.Dial(ctx, u, o)
	}
	for _, o := range eopts {
		o(e)
	}
	return e
}

// URL returns the endpoint's current URL; for clients it reflects redirects
// once open.
func (e *Endpoint) URL() *url.URL {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibleURL
}

// SendText sends a text message with automatic compression.
func (e *Endpoint) SendText(ctx context.Context, text string) bool {
	return e.Send(ctx, Message{Kind: MessageText, Text: text})
}

// SendBinary sends a binary message with automatic compression.
func (e *Endpoint) SendBinary(ctx context.Context, data []byte) bool {
	return e.Send(ctx, Message{Kind: MessageBinary, Data: data})
}

// SendPing sends a ping; data is truncated to 125 bytes.
func (e *Endpoint) SendPing(ctx context.Context, data []byte) bool {
	return e.Send(ctx, Message{Kind: MessagePing, Data: data})
}

// SendPong sends an unsolicited pong; data is truncated to 125 bytes.
func (e *Endpoint) SendPong(ctx context.Context, data []byte) bool {
	return e.Send(ctx, Message{Kind: MessagePong, Data: data})
}

// Send queues one outbound message and reports whether the transport
// accepted it. The first Send on an initialized client endpoint starts the
// connect; senders arriving before open park until the handshake resolves.
// In closing and closed states Send returns false with no side effects.
func (e *Endpoint) Send(ctx context.Context, msg Message) bool {
	reply := make(chan bool, 1)
	cmd := command{kind: cmdSend, msg: msg, sendReply: reply}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-e.done:
		// The driver always replies before exiting; pick the reply up.
		return <-reply
	}
}

// Close starts (or completes) the closing handshake. A zero code sends
// 1000; restricted codes are normalized to "no code". Close is idempotent,
// cannot be canceled, and parks while the endpoint is still connecting.
func (e *Endpoint) Close(code api.CloseCode, reason string) {
	reply := make(chan struct{}, 1)
	cmd := command{kind: cmdClose, code: code, reason: reason, closeReply: reply}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return
	}
	select {
	case <-reply:
	case <-e.done:
		<-reply
	}
}

// Next yields the next event. Exactly one consumer is supported; the stream
// is at most one open event, application and network events, then exactly
// one close event, after which Next returns api.ErrStreamEnded. Handshake
// failures surface here as errors before any open event.
func (e *Endpoint) Next(ctx context.Context) (api.Event, error) {
	reply := make(chan nextResult, 1)
	cmd := command{kind: cmdNext, nextReply: reply}
	select {
	case e.commands <- cmd:
	case <-e.done:
		return e.finalNext()
	case <-ctx.Done():
		e.cancelConsumer(reply)
		return api.Event{}, api.WrapError(api.ErrCodeCanceled, "event consumer canceled", ctx.Err())
	}
	select {
	case r := <-reply:
		return r.ev, r.err
	case <-ctx.Done():
		e.cancelConsumer(reply)
		return api.Event{}, api.WrapError(api.ErrCodeCanceled, "event consumer canceled", ctx.Err())
	}
}

// cancelConsumer tells the driver the waiting consumer went away; an event
// already handed to the reply channel is requeued at the front.
func (e *Endpoint) cancelConsumer(reply chan nextResult) {
	cmd := command{kind: cmdNextCancel, nextReply: reply}
	select {
	case e.commands <- cmd:
	case <-e.done:
	}
}

// SampleStatistics snapshots the per-endpoint counters, optionally zeroing
// them.
func (e *Endpoint) SampleStatistics(reset bool) api.Statistics {
	reply := make(chan api.Statistics, 1)
	cmd := command{kind: cmdSample, reset: reset, statsReply: reply}
	select {
	case e.commands <- cmd:
		return <-reply
	case <-e.done:
	}
	// Driver gone: the counters are frozen; serialize access among
	// late samplers.
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.stats
	if reset {
		e.stats = api.Statistics{}
	}
	return snap
}

// finalNext serves Next calls after the driver exited.
func (e *Endpoint) finalNext() (api.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.final) > 0 {
		ev := e.final[0]
		e.final = e.final[1:]
		return ev, nil
	}
	if e.finalErr != nil && !e.finalErrDelivered {
		e.finalErrDelivered = true
		return api.Event{}, e.finalErr
	}
	return api.Event{}, api.ErrStreamEnded
}

// buildFramers wires the frame codecs, attaching the compression halves
// when the handshake negotiated them.
func (e *Endpoint) buildFramers(cfg deflate.Config) {
	e.outFramer = protocol.NewOutputFramer(e.role, e.random)
	e.inFramer = protocol.NewInputFramer(e.role, e.opts.MaximumIncomingMessagePayloadSize)
	if cfg.Enabled {
		if d, err := deflate.NewMessageDeflater(cfg.OutboundNoContextTakeover); err == nil {
			e.outFramer.EnableCompression(d)
		}
		e.inFramer.EnableCompression(deflate.NewMessageInflater(cfg.InboundNoContextTakeover))
	}
}
