// File: api/options.go
// Package api defines the shared types and collaborator interfaces of the
// wsendpoint library.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"math"
	"strings"
	"time"
)

// SizeRange bounds the payload sizes eligible for automatic compression.
// Max is inclusive; NoUpperBound means unbounded.
type SizeRange struct {
	Min int64
	Max int64
}

// NoUpperBound marks a SizeRange with no maximum.
const NoUpperBound = int64(math.MaxInt64)

// Contains reports whether n falls inside the range.
func (r SizeRange) Contains(n int64) bool {
	return n >= r.Min && n <= r.Max
}

// Options configures an endpoint. The struct is immutable after the endpoint
// is created; build one with DefaultOptions and adjust fields before use.
type Options struct {
	// Subprotocols is the ordered client preference list offered in the
	// opening handshake.
	Subprotocols []string

	// AutomaticallyRespondToPings makes the controller answer inbound
	// pings with matching pongs.
	AutomaticallyRespondToPings bool

	// MaximumRedirects bounds the redirect chain a client handshake will
	// follow before failing.
	MaximumRedirects int

	// OpeningHandshakeTimeout aborts a client handshake that has not
	// resolved in time.
	OpeningHandshakeTimeout time.Duration

	// ClosingHandshakeTimeout bounds the wait for the peer's close frame
	// after a local close.
	ClosingHandshakeTimeout time.Duration

	// EnableFastOpen hints the transport to use TCP fast open.
	EnableFastOpen bool

	// MaximumIncomingMessagePayloadSize is enforced against the declared
	// frame lengths before any payload byte is buffered.
	MaximumIncomingMessagePayloadSize int64

	// ReceiveChunkSize is the transport read granularity.
	ReceiveChunkSize int

	// ExtraHeaders are appended to the client handshake request.
	// Forbidden names are ignored.
	ExtraHeaders map[string]string

	// EnableCompression offers permessage-deflate in the handshake.
	EnableCompression bool

	// TextAutoCompressionRange gates CompressAuto for text messages.
	TextAutoCompressionRange SizeRange

	// BinaryAutoCompressionRange gates CompressAuto for binary messages.
	BinaryAutoCompressionRange SizeRange
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		AutomaticallyRespondToPings:       true,
		MaximumRedirects:                  5,
		OpeningHandshakeTimeout:           30 * time.Second,
		ClosingHandshakeTimeout:           30 * time.Second,
		MaximumIncomingMessagePayloadSize: math.MaxInt64,
		ReceiveChunkSize:                  32768,
		EnableCompression:                 true,
		TextAutoCompressionRange:          SizeRange{Min: 8, Max: NoUpperBound},
		BinaryAutoCompressionRange:        SizeRange{Min: 8, Max: NoUpperBound},
	}
}

// exactForbiddenHeaders are the connection-control names callers may not
// override through ExtraHeaders.
var exactForbiddenHeaders = map[string]struct{}{
	"connection":        {},
	"content-length":    {},
	"expect":            {},
	"host":              {},
	"keep-alive":        {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// ForbiddenHeaderName reports whether a user-supplied extra header must be
// dropped: anything starting with "sec-" or "proxy-", plus the fixed
// connection-control set. Matching is case-insensitive.
func ForbiddenHeaderName(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "sec-") || strings.HasPrefix(lower, "proxy-") {
		return true
	}
	_, ok := exactForbiddenHeaders[lower]
	return ok
}
