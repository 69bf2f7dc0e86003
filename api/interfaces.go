// File: api/interfaces.go
// Package api defines the shared types and collaborator interfaces of the
// wsendpoint library.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The endpoint core is transport-agnostic: everything it needs from the
// outside world (the byte stream, time, randomness) enters through the
// interfaces below, so tests can substitute the fakes in package fake.

package api

import "time"

// TransportEventKind enumerates the signals a transport delivers to its
// owning endpoint.
type TransportEventKind uint8

const (
	// TransportConnected fires once when the byte stream is established.
	TransportConnected TransportEventKind = iota
	// TransportReceived carries a chunk of inbound bytes in Data.
	TransportReceived
	// TransportEOF signals the peer half-closed or dropped the stream.
	TransportEOF
	// TransportViabilityChanged carries the connection-quality flag in Flag.
	TransportViabilityChanged
	// TransportBetterPathAvailable carries the migration hint in Flag.
	TransportBetterPathAvailable
)

// TransportEvent is one element of a transport's event stream.
type TransportEvent struct {
	Kind TransportEventKind
	Data []byte
	Flag bool
}

// Transport abstracts a byte-oriented reliable stream (typically TCP with
// optional TLS). Implementations deliver inbound data and network signals on
// the Events channel and accept outbound gather buffers through Send.
//
// The channel is closed after TransportEOF has been delivered or Cancel has
// been called. Send may be called from any goroutine; buffers are written in
// order with no interleaving between calls.
type Transport interface {
	Events() <-chan TransportEvent
	Send(buffers [][]byte) error
	Cancel()
}

// Timer is a handle to a pending single-shot timer.
type Timer interface {
	// Stop cancels the timer. Firing races stopping; losing either race
	// is harmless to the endpoint.
	Stop() bool
}

// Clock abstracts timer creation so the handshake timeouts are deterministic
// under test.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RandomSource yields cryptographically secure random bytes for handshake
// nonces and frame mask keys.
type RandomSource interface {
	Fill(p []byte) error
}
