// File: fake/transport.go
// Package fake provides controllable implementations of the api collaborator
// interfaces for tests and development.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"

	"github.com/momentics/wsendpoint/api"
)

// Transport is a scripted api.Transport: tests push inbound events and
// inspect captured writes.
type Transport struct {
	mu       sync.Mutex
	events   chan api.TransportEvent
	sent     [][]byte
	sendErr  error
	eof      bool
	canceled bool
}

// NewTransport creates a fake transport with room for a scripted exchange.
func NewTransport() *Transport {
	return &Transport{events: make(chan api.TransportEvent, 256)}
}

// Events implements api.Transport. Unlike a real transport, the fake never
// closes this channel, neither after EOF nor on Cancel.
func (t *Transport) Events() <-chan api.TransportEvent { return t.events }

// Send implements api.Transport. Writes fail once EOF was delivered or the
// transport was canceled, mirroring a dead socket.
func (t *Transport) Send(buffers [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eof || t.canceled {
		return api.NewError(api.ErrCodeUnexpectedDisconnect, "fake transport is closed")
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	for _, b := range buffers {
		c := make([]byte, len(b))
		copy(c, b)
		t.sent = append(t.sent, c)
	}
	return nil
}

// Cancel implements api.Transport.
func (t *Transport) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
}

// FailSends makes subsequent Send calls return err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Deliver scripts one inbound chunk.
func (t *Transport) Deliver(b []byte) {
	c := make([]byte, len(b))
	copy(c, b)
	t.events <- api.TransportEvent{Kind: api.TransportReceived, Data: c}
}

// DeliverEOF scripts the end of the inbound stream; the fake also stops
// accepting writes, like a socket whose peer vanished.
func (t *Transport) DeliverEOF() {
	t.mu.Lock()
	t.eof = true
	t.mu.Unlock()
	t.events <- api.TransportEvent{Kind: api.TransportEOF}
}

// SetViability scripts a connection-quality signal.
func (t *Transport) SetViability(viable bool) {
	t.events <- api.TransportEvent{Kind: api.TransportViabilityChanged, Flag: viable}
}

// SignalBetterPath scripts a migration hint.
func (t *Transport) SignalBetterPath(available bool) {
	t.events <- api.TransportEvent{Kind: api.TransportBetterPathAvailable, Flag: available}
}

// Sent returns a copy of every buffer written so far.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentBytes returns the concatenated write stream.
func (t *Transport) SentBytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	for _, b := range t.sent {
		out = append(out, b...)
	}
	return out
}

// ResetSent drops the captured writes.
func (t *Transport) ResetSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}

// Canceled reports whether the endpoint released the transport.
func (t *Transport) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}
