// File: httpmsg/message.go
// Package httpmsg implements the minimal incremental HTTP/1.1 message codec
// that carries the WebSocket opening handshake.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The codec is deliberately small: request/status line, header block with
// folding, and the three body framings (Content-Length, chunked, read-to-EOF)
// a handshake exchange can encounter. It is byte-driven so the endpoint core
// can feed it from any transport.

package httpmsg

import "strings"

// Kind distinguishes requests from responses.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
)

// Message is a parsed (or to-be-encoded) HTTP/1.1 message. Headers the
// WebSocket handshake cares about are lifted into structured fields; the
// rest land in Headers keyed by lower-cased name, duplicates folded with
// ", ".
type Message struct {
	Kind Kind

	// Request fields.
	Method string
	Target string

	// Response fields.
	Status       int
	ReasonPhrase string

	VersionMajor int
	VersionMinor int

	Host                   string
	Location               string
	Upgrade                []string
	Connection             []string
	SecWebSocketKey        string
	SecWebSocketProtocol   []string
	SecWebSocketVersion    []string
	SecWebSocketAccept     string
	SecWebSocketExtensions []string
	ContentLength          *int64
	ContentType            *Parameterized
	TransferEncoding       []string

	Headers map[string]string

	Body []byte
}

// NewRequest builds a request message shell.
func NewRequest(method, target string) *Message {
	return &Message{Kind: KindRequest, Method: method, Target: target, VersionMajor: 1, VersionMinor: 1}
}

// NewResponse builds a response message shell.
func NewResponse(status int) *Message {
	return &Message{Kind: KindResponse, Status: status, VersionMajor: 1, VersionMinor: 1}
}

// HeaderContainsToken reports whether the token list contains token,
// case-insensitively. Used for Connection and Upgrade checks.
func HeaderContainsToken(list []string, token string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}
	return false
}

// splitCommaList splits a header value on commas and trims whitespace,
// dropping empty elements.
func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StatusAllowsContent reports whether a response status permits a body:
// false for 1xx, 204 and 304.
func StatusAllowsContent(status int) bool {
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

// reasonPhrases covers the statuses this library emits.
var reasonPhrases = map[int]string{
	101: "Switching Protocols",
	200: "OK",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	426: "Upgrade Required",
	500: "Internal Server Error",
}

// ReasonPhraseFor returns the canonical reason phrase, or "Unknown" when the
// status has none registered.
func ReasonPhraseFor(status int) string {
	if p, ok := reasonPhrases[status]; ok {
		return p
	}
	return "Unknown"
}
